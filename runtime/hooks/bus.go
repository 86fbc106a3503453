// Package hooks publishes capture and replay lifecycle events to registered
// subscribers. The recorder, the interceptor and the replay engine emit
// events through a Bus; subscribers persist, stream or log them.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans events out to registered subscribers. Delivery is synchronous
	// in the publisher's goroutine. Subscriber failures never interrupt the
	// run that produced the event: Publish keeps delivering and returns the
	// joined errors so the publisher can log them.
	Bus interface {
		// Publish delivers the event to every registered subscriber in
		// registration order. Errors from subscribers are collected and
		// joined, never short-circuited.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription whose Close
		// unregisters it. Register fails on a nil subscriber.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Implementations must be safe
	// for concurrent use when registered on a shared bus. A returned error
	// is reported to the publisher but does not stop delivery to other
	// subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus returns an empty in-memory bus ready for use.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to a snapshot of the current subscribers, so
// registrations and closes during delivery do not affect this publish.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	var errs []error
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Events already being delivered
// when Close is called may still reach the subscriber.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
