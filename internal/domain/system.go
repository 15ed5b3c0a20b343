package domain

import (
	"context"
	"time"

	"github.com/zjrosen/tickhost/internal/binding"
	"github.com/zjrosen/tickhost/internal/feature"
	"github.com/zjrosen/tickhost/internal/guard"
	"github.com/zjrosen/tickhost/internal/order"
	"github.com/zjrosen/tickhost/internal/resolve"
	"github.com/zjrosen/tickhost/internal/schedule"
)

// Env is what a system can reach while declaring requirements and
// initializing.
type Env struct {
	Domain    string
	Owner     guard.Owner
	Bindings  *binding.Registry
	Features  *feature.Registry
	Scheduler *schedule.Scheduler
}

// Context stamps ctx with the domain's guard owner, for registry calls made
// outside a tick.
func (e Env) Context(ctx context.Context) context.Context {
	return guard.WithOwner(ctx, e.Owner)
}

// Tick describes the tick an Update runs in.
type Tick struct {
	Domain string
	Seq    uint64
	Now    time.Time
	Delta  time.Duration
}

// System is a unit of work hosted by a domain. Behaviour is opted into by
// implementing the interfaces below.
type System interface {
	Name() string
}

// Requirer declares dependency slots. It runs once, inside AddSystem; an
// error rejects the system.
type Requirer interface {
	Require(r *resolve.Resolver, env Env) error
}

// Initializer runs once on the domain goroutine, on the first tick after
// every slot has resolved. An error marks the system failed.
type Initializer interface {
	Init(ctx context.Context, env Env) error
}

// Updater runs every tick once the system is active.
type Updater interface {
	Update(ctx context.Context, tick Tick)
}

// Runnable gates Update per tick. A resolved system may still not be ready,
// for example while its feature collection is empty.
type Runnable interface {
	Runnable() bool
}

// Orderer constrains where Update runs relative to other systems.
type Orderer interface {
	Constraints() []order.Option
}

// Disposer releases what the system holds when it is removed.
type Disposer interface {
	Dispose()
}

// State is a system's lifecycle state.
type State int

const (
	// StatePending means slots are still unresolved or Init has not run.
	StatePending State = iota
	// StateActive means Init succeeded and Update, if any, is scheduled.
	StateActive
	// StateFailed means Init or entry registration failed.
	StateFailed
	// StateDisposed means the system was removed.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of one system.
type Status struct {
	Name         string
	State        State
	Resolved     bool
	Polls        int
	PendingSlots []string
	AddedAt      uint64
	Err          error
	// ResolverID and EntryID match the "resolver" and "entry_id" fields in
	// log output. EntryID is empty until the system's Update is registered.
	ResolverID string
	EntryID    string
}
