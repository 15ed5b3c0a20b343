// Package resolve implements cooperative dependency resolution. A Resolver
// owns a set of slots, each backed by a Strategy, and is polled once per tick;
// it never blocks waiting for a dependency to appear.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/tickhost/internal/log"
)

var (
	// ErrInvalidStrategy indicates a slot was declared with a missing or
	// malformed strategy.
	ErrInvalidStrategy = errors.New("resolve: invalid strategy")
	// ErrCompleted indicates a slot was added after the resolver completed.
	ErrCompleted = errors.New("resolve: resolver already completed")
	// ErrDisposed indicates the resolver was abandoned.
	ErrDisposed = errors.New("resolve: resolver disposed")
)

// Strategy attempts to satisfy one slot. Resolve is called at most once per
// poll and must not block; returning false means "try again next poll".
type Strategy interface {
	Resolve(ctx context.Context) bool
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context) bool

func (f StrategyFunc) Resolve(ctx context.Context) bool { return f(ctx) }

// Releaser is implemented by strategies whose resolution holds a resource,
// such as a registry subscription, that must end with the resolver.
type Releaser interface {
	Release()
}

// Slot is one requirement owned by a Resolver.
type Slot struct {
	name     string
	strategy Strategy
	resolved bool
}

// Name returns the slot's diagnostic name.
func (s *Slot) Name() string { return s.name }

// Resolver polls its slots until every one has resolved, then runs its
// completion callbacks exactly once.
type Resolver struct {
	id    string
	owner string

	mu        sync.Mutex
	slots     []*Slot
	callbacks []func()
	completed bool
	disposed  bool
	polling   bool
	polls     int
}

// New creates a resolver on behalf of owner, used in diagnostics.
func New(owner string) *Resolver {
	return &Resolver{
		id:    uuid.NewString(),
		owner: owner,
	}
}

// ID returns the resolver's unique identifier. It tags every log line the
// resolver writes, so diagnostics from a system's lifetime can be correlated.
func (r *Resolver) ID() string { return r.id }

// Owner returns the name the resolver was created for.
func (r *Resolver) Owner() string { return r.owner }

// AddSlot declares a requirement. Strategy errors are configuration errors
// and are reported here rather than during polling.
func (r *Resolver) AddSlot(name string, s Strategy) (*Slot, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: slot %q has no strategy", ErrInvalidStrategy, name)
	}
	if f, ok := s.(StrategyFunc); ok && f == nil {
		return nil, fmt.Errorf("%w: slot %q has a nil func", ErrInvalidStrategy, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.disposed:
		return nil, ErrDisposed
	case r.completed:
		return nil, fmt.Errorf("%w: slot %q", ErrCompleted, name)
	}
	if name == "" {
		name = fmt.Sprintf("slot-%d", len(r.slots))
	}
	slot := &Slot{name: name, strategy: s}
	r.slots = append(r.slots, slot)
	return slot, nil
}

// OnComplete registers fn to run when every slot has resolved. If the
// resolver has already completed, fn runs immediately. Nil is ignored.
func (r *Resolver) OnComplete(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	if r.completed {
		r.mu.Unlock()
		r.runCallback(fn)
		return
	}
	r.callbacks = append(r.callbacks, fn)
	r.mu.Unlock()
}

// Poll gives every unresolved slot one attempt and reports whether the
// resolver has completed. Completion callbacks run on the polling goroutine.
// Polling a completed or disposed resolver does nothing.
func (r *Resolver) Poll(ctx context.Context) bool {
	r.mu.Lock()
	if r.disposed || r.polling {
		r.mu.Unlock()
		return false
	}
	if r.completed {
		r.mu.Unlock()
		return true
	}
	r.polling = true
	r.polls++
	pending := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		if !s.resolved {
			pending = append(pending, s)
		}
	}
	r.mu.Unlock()

	// Strategies run unlocked: they may take registry guards.
	resolved := make([]*Slot, 0, len(pending))
	for _, s := range pending {
		if r.attempt(ctx, s) {
			resolved = append(resolved, s)
		}
	}

	r.mu.Lock()
	r.polling = false
	if r.disposed {
		r.mu.Unlock()
		releaseAll(resolved)
		return false
	}
	for _, s := range resolved {
		s.resolved = true
		log.Debug(log.CatResolve, "slot resolved", "owner", r.owner, "resolver", r.id, "slot", s.name, "poll", r.polls)
	}
	if slices.ContainsFunc(r.slots, func(s *Slot) bool { return !s.resolved }) {
		r.mu.Unlock()
		return false
	}
	r.completed = true
	callbacks := r.callbacks
	r.callbacks = nil
	polls := r.polls
	r.mu.Unlock()

	log.Debug(log.CatResolve, "resolver completed", "owner", r.owner, "resolver", r.id, "slots", len(r.slots), "polls", polls)
	for _, fn := range callbacks {
		r.runCallback(fn)
	}
	return true
}

// Completed reports whether all slots have resolved.
func (r *Resolver) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Disposed reports whether the resolver was abandoned.
func (r *Resolver) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Polls returns how many polls have been performed.
func (r *Resolver) Polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

// PendingSlots returns the names of slots that have not resolved yet.
func (r *Resolver) PendingSlots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, s := range r.slots {
		if !s.resolved {
			names = append(names, s.name)
		}
	}
	return names
}

// Dispose abandons the resolver: polling stops, pending callbacks are dropped
// without running, and resources held by resolved strategies are released.
// Safe to call more than once.
func (r *Resolver) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.callbacks = nil
	var resolved []*Slot
	for _, s := range r.slots {
		if s.resolved {
			resolved = append(resolved, s)
		}
	}
	r.mu.Unlock()
	releaseAll(resolved)
}

func (r *Resolver) attempt(ctx context.Context, s *Slot) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatResolve, "strategy panic recovered",
				"owner", r.owner,
				"resolver", r.id,
				"slot", s.name,
				"panic", rec,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	return s.strategy.Resolve(ctx)
}

func (r *Resolver) runCallback(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatResolve, "completion callback panic recovered",
				"owner", r.owner,
				"resolver", r.id,
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func releaseAll(slots []*Slot) {
	for _, s := range slots {
		if rel, ok := s.strategy.(Releaser); ok {
			rel.Release()
		}
	}
}
