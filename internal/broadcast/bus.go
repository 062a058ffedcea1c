// Package broadcast реализует шину publish/subscribe по именованным каналам.
//
// Каждый подписчик получает все события, опубликованные в канал после
// подписки, в порядке публикации. Шина ничего не хранит: опоздавший
// подписчик восстанавливает пропущенное из истории сообщений.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrBusClosed    = errors.New("broadcast bus is closed")
	ErrEmptyChannel = errors.New("channel name is empty")
)

// Event - сообщение чата в том виде, в каком оно уходит подписчикам
type Event struct {
	MessageID int64  `json:"message_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type Bus interface {
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	// Publish доставляет событие всем текущим подписчикам канала, включая подписку отправителя
	Publish(ctx context.Context, channel string, event Event) error
	// Unsubscribe идемпотентен: повторный вызов или nil - no-op
	Unsubscribe(sub *Subscription)
	Close() error
}

// Subscription - дескриптор подписки. Канал Events закрывается при отписке
// или когда шина вытесняет медленного подписчика.
type Subscription struct {
	ID      uuid.UUID
	Channel string

	events   chan Event
	stopOnce sync.Once
	onStop   func()
}

func newSubscription(channel string, buffer int) *Subscription {
	return &Subscription{
		ID:      uuid.New(),
		Channel: channel,
		events:  make(chan Event, buffer),
	}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// stop освобождает ресурсы подписки ровно один раз
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		if s.onStop != nil {
			s.onStop()
		}
	})
}
