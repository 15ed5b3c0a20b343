// Package binding implements the capability binding registry: a map from a
// capability key to the single instance bound for it.
package binding

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
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
	// ErrZeroKey indicates a bind against the zero Key.
	ErrZeroKey = errors.New("binding: key must not be zero")
	// ErrNilValue indicates a bind of a nil instance.
	ErrNilValue = errors.New("binding: value must not be nil")
	// ErrBusy indicates the registry guard could not be taken in time.
	// The caller should retry on a later tick.
	ErrBusy = errors.New("binding: registry busy")
)

// Key names a bindable capability, either by type identity or by tag.
type Key struct {
	typ reflect.Type
	tag string
}

// KeyOf returns the type-identity key for T.
func KeyOf[T any]() Key {
	return Key{typ: reflect.TypeFor[T]()}
}

// Tag returns an explicit string key.
func Tag(name string) Key {
	return Key{tag: name}
}

// IsZero reports whether k names nothing.
func (k Key) IsZero() bool {
	return k.typ == nil && k.tag == ""
}

func (k Key) String() string {
	switch {
	case k.typ != nil:
		return "type:" + k.typ.String()
	case k.tag != "":
		return "tag:" + k.tag
	default:
		return "<zero>"
	}
}

// Binding is the payload published for every successful Bind.
type Binding struct {
	Key   Key
	Value any
}

// Registry maps capability keys to bound instances. All access goes through
// the guard; reads use a short timeout and report absence when it elapses.
type Registry struct {
	guard        *guard.Guard
	writeTimeout time.Duration
	readTimeout  time.Duration
	entries      map[Key]any
	broker       *pubsub.Broker[Binding]
}

// Option configures a Registry.
type Option func(*Registry)

// WithGuard shares g with other registries instead of creating a private one.
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

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		writeTimeout: DefaultWriteTimeout,
		readTimeout:  DefaultReadTimeout,
		entries:      make(map[Key]any),
		broker:       pubsub.NewBroker[Binding](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guard == nil {
		r.guard = guard.New()
	}
	return r
}

// Bind binds value under key, replacing any previous binding.
func (r *Registry) Bind(ctx context.Context, key Key, value any) error {
	if key.IsZero() {
		return ErrZeroKey
	}
	if value == nil {
		return ErrNilValue
	}

	lock := r.guard.Acquire(ctx, r.writeTimeout)
	defer lock.Release()
	if !lock.Held() {
		return fmt.Errorf("%w: bind %s", ErrBusy, key)
	}

	_, existed := r.entries[key]
	r.entries[key] = value

	event := pubsub.BoundEvent
	if existed {
		event = pubsub.ReboundEvent
	}
	log.Debug(log.CatBinding, "bound", "key", key, "rebound", existed)
	// Publish returns at once when nothing is listening.
	r.broker.Publish(event, Binding{Key: key, Value: value})
	return nil
}

// TryGet returns the instance bound under key. It never waits longer than the
// read timeout; a busy registry reads as absent.
func (r *Registry) TryGet(ctx context.Context, key Key) (any, bool) {
	lock := r.guard.Acquire(ctx, r.readTimeout)
	defer lock.Release()
	if !lock.Held() {
		return nil, false
	}
	v, ok := r.entries[key]
	return v, ok
}

// Keys returns the bound keys sorted by their string form.
func (r *Registry) Keys(ctx context.Context) ([]Key, bool) {
	lock := r.guard.Acquire(ctx, r.readTimeout)
	defer lock.Release()
	if !lock.Held() {
		return nil, false
	}
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, true
}

// Events streams Bound/Rebound events until ctx is cancelled.
func (r *Registry) Events(ctx context.Context) <-chan pubsub.Event[Binding] {
	return r.broker.Subscribe(ctx)
}

// Close releases event subscribers. Bindings stay readable.
func (r *Registry) Close() {
	r.broker.Close()
}

// Bind binds v under the type-identity key of T.
func Bind[T any](ctx context.Context, r *Registry, v T) error {
	return r.Bind(ctx, KeyOf[T](), v)
}

// Get fetches the instance bound under the type-identity key of T.
func Get[T any](ctx context.Context, r *Registry) (T, bool) {
	return GetKey[T](ctx, r, KeyOf[T]())
}

// GetKey fetches the instance bound under key and asserts it to T.
func GetKey[T any](ctx context.Context, r *Registry, key Key) (T, bool) {
	var zero T
	v, ok := r.TryGet(ctx, key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
