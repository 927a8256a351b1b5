// Package broadcast fans DataPoints out to registered callbacks.
//
// Publish dispatches to the subscriber list as it was when the call began.
// The list is copy-on-write, so Subscribe and Unsubscribe never race with an
// in-flight dispatch. The snapshot fixes who can be reached, not who must be:
// a subscription removed while a publish is in progress is deliberately
// skipped by that publish if its turn has not come yet, and never invoked by
// a later one. Unsubscribe therefore takes effect immediately.
package broadcast

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
	"github.com/google/uuid"
)

// Handle identifies a subscription.
type Handle string

// Subscriber receives published DataPoints. It must not call Publish.
type Subscriber func(telemetry.DataPoint)

// SubscriberStats tracks delivery for one subscription.
type SubscriberStats struct {
	Delivered uint64
	Panics    uint64
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Published   uint64
	Subscribers map[Handle]SubscriberStats
}

type subscription struct {
	handle    Handle
	fn        Subscriber
	active    atomic.Bool
	delivered atomic.Uint64
	panics    atomic.Uint64
}

type Broadcaster struct {
	log logger.Logger

	mu     sync.RWMutex
	order  []*subscription
	byID   map[Handle]*subscription
	closed bool

	// dispatchMu serializes publishes so every subscriber sees publish order.
	dispatchMu sync.Mutex
	published  atomic.Uint64
}

func New(log logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Nop()
	}

	return &Broadcaster{
		log:  log,
		byID: make(map[Handle]*subscription),
	}
}

// Subscribe registers fn and returns its handle.
func (b *Broadcaster) Subscribe(fn Subscriber) (Handle, error) {
	errFactory := errors.New()

	if fn == nil {
		return "", errFactory.WithData(errors.ErrInvalidArgument, "nil subscriber")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errFactory.New(errors.ErrSessionClosed)
	}

	s := &subscription{
		handle: Handle(uuid.NewString()),
		fn:     fn,
	}
	s.active.Store(true)

	next := make([]*subscription, len(b.order), len(b.order)+1)
	copy(next, b.order)
	b.order = append(next, s)
	b.byID[s.handle] = s

	b.log.Debug().Str("handle", string(s.handle)).Int("subscribers", len(b.order)).Msg("Subscriber added")

	return s.handle, nil
}

// Unsubscribe removes the subscription. Removing an unknown handle is an error.
func (b *Broadcaster) Unsubscribe(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.byID[h]
	if !ok {
		return errors.New().WithData(errors.ErrSubscriberNotFound, string(h))
	}

	s.active.Store(false)
	delete(b.byID, h)
	b.order = slices.DeleteFunc(slices.Clone(b.order), func(o *subscription) bool {
		return o == s
	})

	b.log.Debug().Str("handle", string(h)).Int("subscribers", len(b.order)).Msg("Subscriber removed")

	return nil
}

// Publish delivers dp to every subscriber registered when the call begins.
// A panicking subscriber is recovered and counted; delivery to the others
// continues.
func (b *Broadcaster) Publish(dp telemetry.DataPoint) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	snapshot := b.order
	b.mu.RUnlock()

	b.published.Add(1)

	for _, s := range snapshot {
		if !s.active.Load() {
			continue
		}
		b.deliver(s, dp)
	}
}

func (b *Broadcaster) deliver(s *subscription, dp telemetry.DataPoint) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			b.log.Error().
				Str("handle", string(s.handle)).
				Str("panic", fmt.Sprint(r)).
				Msg("Subscriber panicked")
		}
	}()

	s.fn(dp)
	s.delivered.Add(1)
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.order)
}

func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[Handle]SubscriberStats, len(b.order)),
	}
	for _, s := range b.order {
		stats.Subscribers[s.handle] = SubscriberStats{
			Delivered: s.delivered.Load(),
			Panics:    s.panics.Load(),
		}
	}

	return stats
}

// Close drops every subscription. Later publishes are ignored and later
// subscribes fail.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, s := range b.order {
		s.active.Store(false)
	}
	b.order = nil
	b.byID = nil
}
