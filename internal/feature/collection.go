package feature

import (
	"context"
	"slices"
	"sync"
)

// Collection is a live, typed view over the features of a Registry that match
// a filter. It is a subscription, not a snapshot: it tracks additions and
// removals for as long as it is not disposed.
//
// A Collection existing says nothing about how many features it holds;
// callers that need at least one must check Count.
type Collection[T any] struct {
	filter func(T) bool
	sub    *Subscription

	mu        sync.RWMutex
	items     []T
	onAdded   []func(T)
	onRemoved []func(T)
}

// Collect subscribes a new Collection of T to r, seeded with the features that
// currently match. A nil filter accepts every T.
func Collect[T any](ctx context.Context, r *Registry, filter func(T) bool) (*Collection[T], error) {
	c := &Collection[T]{filter: filter}

	// Membership on removal is by identity, so a feature that stopped passing
	// the filter after it was collected is still dropped.
	sub, err := r.Subscribe(ctx, Observer{
		Match:     Match[T](nil),
		OnAdded:   c.added,
		OnRemoved: c.removed,
		Replay:    true,
	})
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

func (c *Collection[T]) added(f Feature) {
	t := f.(T)
	if c.filter != nil && !c.filter(t) {
		return
	}

	c.mu.Lock()
	c.items = append(c.items, t)
	hooks := slices.Clone(c.onAdded)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(t)
	}
}

func (c *Collection[T]) removed(f Feature) {
	c.mu.Lock()
	idx := slices.IndexFunc(c.items, func(t T) bool { return any(t) == f })
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	t := c.items[idx]
	c.items = slices.Delete(c.items, idx, idx+1)
	hooks := slices.Clone(c.onRemoved)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(t)
	}
}

// Items returns a copy of the current members in insertion order.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Count returns the number of current members.
func (c *Collection[T]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// First returns the earliest-added member.
func (c *Collection[T]) First() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T
	if len(c.items) == 0 {
		return zero, false
	}
	return c.items[0], true
}

// OnAdded registers fn for members that join after this call.
func (c *Collection[T]) OnAdded(fn func(T)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onAdded = append(c.onAdded, fn)
	c.mu.Unlock()
}

// OnRemoved registers fn for members that leave after this call.
func (c *Collection[T]) OnRemoved(fn func(T)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.onRemoved = append(c.onRemoved, fn)
	c.mu.Unlock()
}

// Dispose ends the subscription. The collection keeps its last contents.
func (c *Collection[T]) Dispose() {
	c.sub.Dispose()
}

// Disposed reports whether the collection has stopped tracking.
func (c *Collection[T]) Disposed() bool {
	return c.sub.Disposed()
}
