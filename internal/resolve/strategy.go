package resolve

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/zjrosen/tickhost/internal/binding"
	"github.com/zjrosen/tickhost/internal/feature"
	"github.com/zjrosen/tickhost/internal/log"
)

// absolute resolves to the single instance bound under a key.
type absolute[T any] struct {
	reg    *binding.Registry
	key    binding.Key
	target *T

	warnOnce sync.Once
}

// Absolute returns a strategy that stores the instance bound under key into
// target once it is present. A key that is never bound leaves the slot
// unresolved forever.
func Absolute[T any](reg *binding.Registry, key binding.Key, target *T) (Strategy, error) {
	switch {
	case reg == nil:
		return nil, fmt.Errorf("%w: nil binding registry", ErrInvalidStrategy)
	case key.IsZero():
		return nil, fmt.Errorf("%w: zero binding key", ErrInvalidStrategy)
	case target == nil:
		return nil, fmt.Errorf("%w: nil target for %s", ErrInvalidStrategy, key)
	}
	return &absolute[T]{reg: reg, key: key, target: target}, nil
}

func (a *absolute[T]) Resolve(ctx context.Context) bool {
	v, ok := a.reg.TryGet(ctx, a.key)
	if !ok {
		return false
	}
	t, ok := v.(T)
	if !ok {
		a.warnOnce.Do(func() {
			log.Warn(log.CatResolve, "bound value has unexpected type",
				"key", a.key,
				"got", fmt.Sprintf("%T", v),
				"want", reflect.TypeFor[T]().String())
		})
		return false
	}
	*a.target = t
	return true
}

// features resolves to a live Collection over a feature registry.
type features[T any] struct {
	reg    *feature.Registry
	filter func(T) bool
	target **feature.Collection[T]

	mu   sync.Mutex
	coll *feature.Collection[T]
}

// Features returns a strategy that stores a live Collection of the features of
// type T passing filter into target. It resolves as soon as the subscription
// exists, even if the collection is empty.
func Features[T any](reg *feature.Registry, filter func(T) bool, target **feature.Collection[T]) (Strategy, error) {
	switch {
	case reg == nil:
		return nil, fmt.Errorf("%w: nil feature registry", ErrInvalidStrategy)
	case target == nil:
		return nil, fmt.Errorf("%w: nil collection target", ErrInvalidStrategy)
	}
	return &features[T]{reg: reg, filter: filter, target: target}, nil
}

func (f *features[T]) Resolve(ctx context.Context) bool {
	c, err := feature.Collect(ctx, f.reg, f.filter)
	if err != nil {
		return false
	}
	f.mu.Lock()
	f.coll = c
	f.mu.Unlock()
	*f.target = c
	return true
}

// Release ends the collection's subscription.
func (f *features[T]) Release() {
	f.mu.Lock()
	c := f.coll
	f.mu.Unlock()
	if c != nil {
		c.Dispose()
	}
}

// Need adds an Absolute slot for key to r.
func Need[T any](r *Resolver, reg *binding.Registry, key binding.Key, target *T) (*Slot, error) {
	s, err := Absolute(reg, key, target)
	if err != nil {
		return nil, err
	}
	return r.AddSlot(key.String(), s)
}

// NeedType adds an Absolute slot for the type-identity key of T to r.
func NeedType[T any](r *Resolver, reg *binding.Registry, target *T) (*Slot, error) {
	return Need(r, reg, binding.KeyOf[T](), target)
}

// NeedFeatures adds a Features slot to r.
func NeedFeatures[T any](r *Resolver, reg *feature.Registry, filter func(T) bool, target **feature.Collection[T]) (*Slot, error) {
	s, err := Features(reg, filter, target)
	if err != nil {
		return nil, err
	}
	return r.AddSlot("features:"+reflect.TypeFor[T]().String(), s)
}
