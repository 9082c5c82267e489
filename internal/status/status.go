// Package status broadcasts the authorization status of the client to
// whoever needs the current access token.
package status

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Status is derived from the current grant and never persisted.
type Status struct {
	Authorized  bool
	AccessToken string
}

func (s Status) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("authorized", s.Authorized),
		slog.String("access_token", strings.Repeat("x", len(s.AccessToken))))
}

type observer[T any] struct {
	fn      func(T)
	removed atomic.Bool

	mu   sync.Mutex
	last uint64
}

// deliver calls fn unless a later value reached the observer first, so
// concurrent Set calls never leave it on a stale value.
func (o *observer[T]) deliver(seq uint64, v T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq <= o.last || o.removed.Load() {
		return
	}
	o.last = seq
	o.fn(v)
}

// Channel holds a single value and notifies observers whenever it is set.
// The zero value is ready to use and holds no value.
type Channel[T any] struct {
	mu        sync.Mutex
	value     T
	seq       uint64
	observers []*observer[T]
}

func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{}
}

// Set replaces the value and calls, before returning, every observer that was
// subscribed when Set started. Observers subscribed during the notification
// only receive the value through Subscribe itself. An observer that already
// received a newer value is skipped.
func (c *Channel[T]) Set(v T) {
	c.mu.Lock()
	c.seq++
	c.value = v
	seq := c.seq
	snapshot := make([]*observer[T], len(c.observers))
	copy(snapshot, c.observers)
	c.mu.Unlock()

	for _, o := range snapshot {
		o.deliver(seq, v)
	}
}

// Current returns the value and whether one was ever set.
func (c *Channel[T]) Current() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.seq > 0
}

// Subscribe registers fn and, when a value is already set, calls it right
// away with that value. The returned function unsubscribes; it is safe to
// call more than once and from within fn. Calls to fn are serialised and fn
// must not call Set.
func (c *Channel[T]) Subscribe(fn func(T)) func() {
	o := &observer[T]{fn: fn}

	c.mu.Lock()
	c.observers = append(c.observers, o)
	v, seq := c.value, c.seq
	c.mu.Unlock()

	if seq > 0 {
		o.deliver(seq, v)
	}

	return func() { c.remove(o) }
}

func (c *Channel[T]) remove(o *observer[T]) {
	if o.removed.Swap(true) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, obs := range c.observers {
		if obs == o {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

// Wait returns the current value, or blocks until the next Set when none
// has been set yet.
func (c *Channel[T]) Wait(ctx context.Context) (T, error) {
	if v, ok := c.Current(); ok {
		return v, nil
	}

	ch := make(chan T, 1)
	unsubscribe := c.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	defer unsubscribe()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
