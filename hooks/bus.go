// Package hooks implements the Event fan-out the agent runtime and the
// subagent Coordinator publish to: a synchronous, fail-fast Bus with ordered subscriber
// dispatch plus a closed set of concrete Event types.
package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Subscriber receives every Event published on a Bus, in publish order.
type Subscriber interface {
	HandleEvent(ctx context.Context, evt Event) error
}

// Subscription is returned by Register; closing it stops delivery.
type Subscription interface {
	Close() error
}

// Bus fans a published Event out to every registered Subscriber, in
// registration order, synchronously. A subscriber returning an error aborts
// delivery to subsequent subscribers and is surfaced to the publisher.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Register(sub Subscriber) (Subscription, error)
}

type bus struct {
	mu          sync.RWMutex
	order       []*subscription
	subscribers map[*subscription]Subscriber
}

type subscription struct {
	bus  *bus
	once sync.Once
}

// NewBus constructs an in-memory, single-process Bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	order := make([]*subscription, len(b.order))
	copy(order, b.order)
	subs := make(map[*subscription]Subscriber, len(b.subscribers))
	for k, v := range b.subscribers {
		subs[k] = v
	}
	b.mu.RUnlock()

	for _, sub := range order {
		handler, ok := subs[sub]
		if !ok {
			continue
		}
		if err := handler.HandleEvent(ctx, evt); err != nil {
			return fmt.Errorf("hooks: subscriber rejected event %s: %w", evt.Type(), err)
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("hooks: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, o := range s.bus.order {
			if o == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
