package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus - шина поверх Redis Pub/Sub, общая для нескольких инстансов сервера
type RedisBus struct {
	rdb    *redis.Client
	buffer int
	log    logger.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb *redis.Client, buffer int, log logger.Logger) *RedisBus {
	if buffer <= 0 {
		buffer = 1
	}
	return &RedisBus{
		rdb:    rdb,
		buffer: buffer,
		log:    log.With("component", "redis_bus"),
		subs:   make(map[uuid.UUID]*Subscription),
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}

	ps := b.rdb.Subscribe(ctx, channel)
	// Ждем подтверждения, иначе публикация сразу после Subscribe может потеряться
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		b.log.Error("Failed to subscribe", "error", err, "channel", channel)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := newSubscription(channel, b.buffer)
	sub.onStop = func() { _ = ps.Close() }

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrBusClosed
	}
	b.subs[sub.ID] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.forward(ps, sub)

	b.log.Debug("Subscribed", "channel", channel, "subscription_id", sub.ID)
	return sub, nil
}

// forward - единственный писатель в sub.events, он же закрывает канал
func (b *RedisBus) forward(ps *redis.PubSub, sub *Subscription) {
	defer b.wg.Done()
	defer close(sub.events)

	for msg := range ps.Channel(redis.WithChannelSize(b.buffer)) {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.log.Warn("Dropping malformed bus event", "error", err, "channel", msg.Channel)
			continue
		}

		select {
		case sub.events <- event:
		default:
			b.log.Warn("Subscriber buffer is full, evicting", "channel", sub.Channel, "subscription_id", sub.ID)
			b.Unsubscribe(sub)
			return
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, event Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		b.log.Error("Failed to publish event", "error", err, "channel", channel)
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		b.log.Debug("Unsubscribed", "channel", sub.Channel, "subscription_id", sub.ID)
	}
	b.mu.Unlock()

	// Закрытие PubSub завершает forward, который закроет Events
	sub.stop()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		all = append(all, sub)
	}
	b.subs = make(map[uuid.UUID]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	b.wg.Wait()
	return nil
}
