// Package realtime fans thread events out to connected clients over Redis
// pub/sub. Delivery is at-least-once and unordered; clients reconcile by id.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"mentorly/api/internal/reconcile"
)

const (
	EventMessage  = "message"
	EventRedacted = "redacted"
	EventReady    = "ready"
)

// Event is the payload carried on a thread channel and forwarded verbatim to
// stream clients.
type Event struct {
	Type    string             `json:"type"`
	Message *reconcile.Message `json:"message,omitempty"`
}

func Channel(threadID string) string {
	return "thread:" + threadID
}

type Broker struct {
	client *redis.Client
	logger *slog.Logger
}

func NewBroker(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger}
}

func (b *Broker) Publish(ctx context.Context, threadID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(threadID), payload).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}
	return nil
}

// Subscription delivers decoded events for one thread until Close.
type Subscription struct {
	C <-chan Event

	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
}

// Subscribe returns once Redis has confirmed the subscription, so any event
// published afterwards is delivered.
func (b *Broker) Subscribe(ctx context.Context, threadID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, Channel(threadID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(threadID), err)
	}

	events := make(chan Event, 16)
	sub := &Subscription{C: events, pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(events)
		for raw := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(raw.Payload), &event); err != nil {
				b.logger.Warn("realtime_event_malformed", "channel", raw.Channel, "error", err)
				continue
			}
			select {
			case events <- event:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
