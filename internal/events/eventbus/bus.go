package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"camera-events/internal/events/domain"
)

// Handler handles a published event.
type Handler func(ctx context.Context, evt domain.Event) error

// ErrEmptyCategory is returned when an event without a category is published.
var ErrEmptyCategory = errors.New("eventbus: empty category")

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to category handlers and wildcard handlers.
//
// Handlers run on the publisher's goroutine in registration order, category
// handlers first. Publish iterates a snapshot, so handlers may subscribe or
// unsubscribe while an event is being delivered.
type Bus struct {
	mu       sync.RWMutex
	seq      atomic.Uint64
	handlers map[string][]subscription
	wildcard []subscription
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]subscription)}
}

// Subscribe registers a handler for one category.
func (b *Bus) Subscribe(category string, handler Handler) (unsubscribe func()) {
	if category == "" || handler == nil {
		return func() {}
	}
	sub := subscription{id: b.seq.Add(1), handler: handler}
	b.mu.Lock()
	b.handlers[category] = append(b.handlers[category], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.handlers[category] = without(b.handlers[category], sub.id)
			if len(b.handlers[category]) == 0 {
				delete(b.handlers, category)
			}
			b.mu.Unlock()
		})
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	sub := subscription{id: b.seq.Add(1), handler: handler}
	b.mu.Lock()
	b.wildcard = append(b.wildcard, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.wildcard = without(b.wildcard, sub.id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt to every matching handler and returns the first handler error.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.Category == "" {
		return ErrEmptyCategory
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[evt.Category])+len(b.wildcard))
	subs = append(subs, b.handlers[evt.Category]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := invoke(ctx, sub.handler, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandlerCount reports the number of handlers that would receive category.
func (b *Bus) HandlerCount(category string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[category]) + len(b.wildcard)
}

func invoke(ctx context.Context, handler Handler, evt domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
