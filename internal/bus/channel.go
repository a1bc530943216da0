package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
	dropped       atomic.Int64
}

type channelSubscription struct {
	id     string
	key    string
	topic  string
	bus    *ChannelBus
	msgCh  chan *domain.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish delivers a message to the tenant's subscribers and to
// all-tenant subscribers. Delivery never blocks; a full subscriber
// buffer drops the message for that subscriber.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkTenant(tenantID, false); err != nil {
		return err
	}

	msg := newMessage(tenantID, topic, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for _, key := range []string{b.makeKey(tenantID, topic), b.makeKey(AllTenants, topic)} {
		for _, sub := range b.subscriptions[key] {
			select {
			case sub.msgCh <- msg:
			default:
				b.dropped.Add(1)
				slog.Warn("event dropped, subscriber buffer full",
					"topic", topic,
					"tenant_id", tenantID,
					"subscription", sub.id,
				)
			}
		}
	}

	return nil
}

// Subscribe registers a handler for a topic. Pass AllTenants to receive
// the topic for every tenant.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkTenant(tenantID, true); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)

	key := b.makeKey(tenantID, topic)
	sub := &channelSubscription{
		id:     uuid.New().String(),
		key:    key,
		topic:  topic,
		bus:    b,
		msgCh:  make(chan *domain.Message, b.bufferSize),
		ctx:    subCtx,
		cancel: cancel,
	}

	go sub.run(handler)

	b.subscriptions[key] = append(b.subscriptions[key], sub)

	return sub, nil
}

// run processes messages until the subscription is cancelled.
func (s *channelSubscription) run(handler domain.MessageHandler) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscription.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

func (b *ChannelBus) makeKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

func (b *ChannelBus) remove(s *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[s.key]
	for i, sub := range subs {
		if sub == s {
			b.subscriptions[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[s.key]) == 0 {
		delete(b.subscriptions, s.key)
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
