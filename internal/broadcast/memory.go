package broadcast

import (
	"context"
	"sync"

	"elearning/pkg/logger"

	"github.com/google/uuid"
)

// MemoryBus - шина в памяти процесса, для одного инстанса сервера
type MemoryBus struct {
	mu       sync.RWMutex
	channels map[string]map[uuid.UUID]*Subscription
	buffer   int
	closed   bool
	log      logger.Logger
}

// compile-time check
var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(buffer int, log logger.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 1
	}
	return &MemoryBus{
		channels: make(map[string]map[uuid.UUID]*Subscription),
		buffer:   buffer,
		log:      log.With("component", "memory_bus"),
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	sub := newSubscription(channel, b.buffer)
	sub.onStop = func() { close(sub.events) }

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		b.channels[channel] = subs
	}
	subs[sub.ID] = sub

	b.log.Debug("Subscribed", "channel", channel, "subscription_id", sub.ID, "subscribers", len(subs))
	return sub, nil
}

func (b *MemoryBus) Publish(_ context.Context, channel string, event Event) error {
	var slow []*Subscription

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	for _, sub := range b.channels[channel] {
		// Отправка под RLock: отписка закрывает канал только под Lock
		select {
		case sub.events <- event:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	// Медленный подписчик вытесняется целиком, чтобы не было пропусков в середине потока
	for _, sub := range slow {
		b.log.Warn("Subscriber buffer is full, evicting", "channel", channel, "subscription_id", sub.ID)
		b.Unsubscribe(sub)
	}

	return nil
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if subs, ok := b.channels[sub.Channel]; ok {
		if _, exists := subs[sub.ID]; exists {
			delete(subs, sub.ID)
			b.log.Debug("Unsubscribed", "channel", sub.Channel, "subscription_id", sub.ID, "subscribers", len(subs))
		}
		if len(subs) == 0 {
			delete(b.channels, sub.Channel)
		}
	}
	b.mu.Unlock()

	sub.stop()
}

// SubscriberCount - число активных подписок в канале
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Close закрывает все подписки; сессии увидят закрытый канал событий и завершатся
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.channels {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.channels = make(map[string]map[uuid.UUID]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}
