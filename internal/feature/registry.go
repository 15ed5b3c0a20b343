// Package feature implements the live feature registry: an ordered, observable
// set of capability instances matched by predicate rather than by key.
//
// Observers are notified synchronously, on the goroutine that called Add or
// Remove, while the registry guard is held. Predicates are evaluated at the
// time of each event, so they may depend on a feature's current state.
package feature

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/zjrosen/tickhost/internal/guard"
	"github.com/zjrosen/tickhost/internal/log"
	"github.com/zjrosen/tickhost/internal/pubsub"
)

const (
	DefaultWriteTimeout = 50 * time.Millisecond
	DefaultReadTimeout  = 2 * time.Millisecond
)

var (
	// ErrNilFeature indicates Add or Remove was called with nil.
	ErrNilFeature = errors.New("feature: feature must not be nil")
	// ErrNotComparable indicates a feature whose dynamic type cannot be
	// compared for identity (maps, slices, funcs).
	ErrNotComparable = errors.New("feature: feature type is not comparable")
	// ErrNilPredicate indicates an observer was registered without a predicate.
	ErrNilPredicate = errors.New("feature: predicate must not be nil")
	// ErrBusy indicates the registry guard could not be taken in time.
	ErrBusy = errors.New("feature: registry busy")
)

// Feature is a capability instance. Identity is by value equality, so
// features are normally pointers.
type Feature any

// Predicate selects features.
type Predicate func(Feature) bool

// Any matches every feature.
func Any() Predicate {
	return func(Feature) bool { return true }
}

// Match selects features of dynamic type T that also pass filter. A nil
// filter accepts every T.
func Match[T any](filter func(T) bool) Predicate {
	return func(f Feature) bool {
		t, ok := f.(T)
		if !ok {
			return false
		}
		return filter == nil || filter(t)
	}
}

// Observer is an add/remove subscription request.
type Observer struct {
	Match     Predicate
	OnAdded   func(Feature)
	OnRemoved func(Feature)
	// Replay delivers OnAdded for every currently matching feature before
	// Subscribe returns, atomically with the subscription.
	Replay bool
}

// Subscription is the disposable handle returned by Subscribe.
type Subscription struct {
	obs      Observer
	disposed atomic.Bool
}

// Dispose stops further notifications. Safe to call more than once and from
// inside a notification.
func (s *Subscription) Dispose() {
	if s != nil {
		s.disposed.Store(true)
	}
}

// Disposed reports whether Dispose has been called.
func (s *Subscription) Disposed() bool {
	return s == nil || s.disposed.Load()
}

// Registry holds features and their observers.
type Registry struct {
	guard        *guard.Guard
	writeTimeout time.Duration
	readTimeout  time.Duration

	features  []Feature
	observers []*Subscription
	broker    *pubsub.Broker[Feature]
}

// Option configures a Registry.
type Option func(*Registry)

// WithGuard shares g with other registries.
func WithGuard(g *guard.Guard) Option {
	return func(r *Registry) {
		if g != nil {
			r.guard = g
		}
	}
}

// WithTimeouts overrides the guard acquisition windows for writes and reads.
func WithTimeouts(write, read time.Duration) Option {
	return func(r *Registry) {
		r.writeTimeout = write
		r.readTimeout = read
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		writeTimeout: DefaultWriteTimeout,
		readTimeout:  DefaultReadTimeout,
		broker:       pubsub.NewBroker[Feature](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guard == nil {
		r.guard = guard.New()
	}
	return r
}

// Add appends f and notifies matching observers. Adding a feature that is
// already present is a no-op.
func (r *Registry) Add(ctx context.Context, f Feature) error {
	if err := checkFeature(f); err != nil {
		return err
	}

	lock := r.guard.Acquire(ctx, r.writeTimeout)
	defer lock.Release()
	if !lock.Held() {
		return fmt.Errorf("%w: add %T", ErrBusy, f)
	}

	if slices.Contains(r.features, f) {
		return nil
	}
	r.features = append(r.features, f)
	log.Debug(log.CatFeature, "feature added", "type", fmt.Sprintf("%T", f), "count", len(r.features))

	r.notify(f, true)
	r.broker.Publish(pubsub.AddedEvent, f)
	return nil
}

// Remove drops f and notifies matching observers. Removing an absent feature
// is a no-op.
func (r *Registry) Remove(ctx context.Context, f Feature) error {
	if err := checkFeature(f); err != nil {
		return err
	}

	lock := r.guard.Acquire(ctx, r.writeTimeout)
	defer lock.Release()
	if !lock.Held() {
		return fmt.Errorf("%w: remove %T", ErrBusy, f)
	}

	idx := slices.Index(r.features, f)
	if idx < 0 {
		return nil
	}
	r.features = slices.Delete(r.features, idx, idx+1)
	log.Debug(log.CatFeature, "feature removed", "type", fmt.Sprintf("%T", f), "count", len(r.features))

	r.notify(f, false)
	r.broker.Publish(pubsub.RemovedEvent, f)
	return nil
}

// Query returns a point-in-time copy of the features matching pred, in
// insertion order. It reports false when the registry was busy.
func (r *Registry) Query(ctx context.Context, pred Predicate) ([]Feature, bool) {
	if pred == nil {
		pred = Any()
	}
	lock := r.guard.Acquire(ctx, r.readTimeout)
	defer lock.Release()
	if !lock.Held() {
		return nil, false
	}

	out := make([]Feature, 0, len(r.features))
	for _, f := range r.features {
		if safeMatch(pred, f) {
			out = append(out, f)
		}
	}
	return out, true
}

// Len returns the number of registered features, or -1 when busy.
func (r *Registry) Len(ctx context.Context) int {
	lock := r.guard.Acquire(ctx, r.readTimeout)
	defer lock.Release()
	if !lock.Held() {
		return -1
	}
	return len(r.features)
}

// Subscribe registers obs. The subscription sees every Add and Remove that
// completes after Subscribe returns, until it is disposed.
func (r *Registry) Subscribe(ctx context.Context, obs Observer) (*Subscription, error) {
	if obs.Match == nil {
		return nil, ErrNilPredicate
	}

	lock := r.guard.Acquire(ctx, r.writeTimeout)
	defer lock.Release()
	if !lock.Held() {
		return nil, fmt.Errorf("%w: subscribe", ErrBusy)
	}

	sub := &Subscription{obs: obs}
	r.observers = append(r.observers, sub)

	if obs.Replay && obs.OnAdded != nil {
		for _, f := range slices.Clone(r.features) {
			if sub.Disposed() {
				break
			}
			if safeMatch(obs.Match, f) {
				invoke(obs.OnAdded, f)
			}
		}
	}
	return sub, nil
}

// Events streams Added/Removed events to asynchronous listeners until ctx is
// cancelled. Unlike observers, slow listeners may miss events.
func (r *Registry) Events(ctx context.Context) <-chan pubsub.Event[Feature] {
	return r.broker.Subscribe(ctx)
}

// Close releases event listeners. Observers are unaffected.
func (r *Registry) Close() {
	r.broker.Close()
}

// notify must be called with the guard held.
func (r *Registry) notify(f Feature, added bool) {
	r.observers = slices.DeleteFunc(r.observers, (*Subscription).Disposed)

	// Observers subscribed from inside a callback only see later events.
	for _, sub := range slices.Clone(r.observers) {
		if sub.Disposed() || !safeMatch(sub.obs.Match, f) {
			continue
		}
		if added {
			invoke(sub.obs.OnAdded, f)
		} else {
			invoke(sub.obs.OnRemoved, f)
		}
	}
}

func checkFeature(f Feature) error {
	if f == nil {
		return ErrNilFeature
	}
	if !reflect.TypeOf(f).Comparable() {
		return fmt.Errorf("%w: %T", ErrNotComparable, f)
	}
	return nil
}

func safeMatch(pred Predicate, f Feature) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatFeature, "predicate panic recovered",
				"type", fmt.Sprintf("%T", f),
				"panic", rec,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	return pred(f)
}

func invoke(fn func(Feature), f Feature) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatFeature, "observer panic recovered",
				"type", fmt.Sprintf("%T", f),
				"panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	fn(f)
}
