// Package hooks provides the in-process event bus the orchestrator publishes
// lifecycle events through. Subscribers (metrics, notifications, stream
// exporters) register with the bus and receive every event; the orchestrator
// publishes fire-and-forget, so a failing subscriber never affects pipeline
// progress.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes orchestrator events to registered subscribers in a
	// fan-out pattern. The bus is thread-safe and supports concurrent
	// Publish, Register, and subscription Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order. Subscriber errors are isolated: delivery continues
	// past a failing subscriber, and Publish returns the joined errors for
	// the publisher to log. The orchestrator treats the returned error as
	// advisory and never fails an operation because of it.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber. The returned error joins any subscriber errors and is
		// advisory only.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published orchestrator events. Implementations
	// must be thread-safe if registered with multiple buses or if HandleEvent
	// performs concurrent work. Errors returned from HandleEvent are logged
	// by the publisher and never halt delivery to other subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber; it is idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an empty in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to a snapshot of the current subscribers in
// registration order. Registrations and unregistrations during Publish do not
// affect the in-flight delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, s := range b.order {
		if sub, ok := b.subscribers[s]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register adds the subscriber and returns its subscription handle.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, cand := range s.bus.order {
			if cand == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
