// Package domain runs one execution domain: a set of systems advanced once
// per tick on a single goroutine. Each tick polls pending resolvers,
// initializes systems whose dependencies resolved, plays the ordered
// execution group and then runs due scheduled actions.
package domain

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/tickhost/internal/binding"
	"github.com/zjrosen/tickhost/internal/feature"
	"github.com/zjrosen/tickhost/internal/flags"
	"github.com/zjrosen/tickhost/internal/guard"
	"github.com/zjrosen/tickhost/internal/log"
	"github.com/zjrosen/tickhost/internal/order"
	"github.com/zjrosen/tickhost/internal/resolve"
	"github.com/zjrosen/tickhost/internal/schedule"
	"github.com/zjrosen/tickhost/internal/tracing"
)

var (
	// ErrEmptyName indicates a domain or system without a name.
	ErrEmptyName = errors.New("domain: empty name")
	// ErrNilRegistry indicates a domain built without its registries.
	ErrNilRegistry = errors.New("domain: nil registry")
	// ErrSystemExists indicates a live system already uses the name.
	ErrSystemExists = errors.New("domain: system already added")
	// ErrClosed indicates the domain was closed.
	ErrClosed = errors.New("domain: closed")
)

// DefaultGracePeriod is how many ticks a system may stay unresolved before
// its pending slots are reported.
const DefaultGracePeriod = 300

// Option configures a Domain.
type Option func(*Domain)

// WithGracePeriod sets the unresolved-slot diagnostic threshold in ticks. A
// value <= 0 disables the diagnostic.
func WithGracePeriod(ticks int) Option {
	return func(d *Domain) { d.grace = ticks }
}

// WithTracer sets the tracer used for tick spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Domain) { d.tracer = t }
}

// WithFlags sets where the domain reads feature flags from on every tick.
func WithFlags(src func() *flags.Registry) Option {
	return func(d *Domain) {
		if src != nil {
			d.flags = src
		}
	}
}

// WithClock replaces time.Now for tick timestamps and scheduling.
func WithClock(now func() time.Time) Option {
	return func(d *Domain) {
		if now != nil {
			d.now = now
		}
	}
}

// WithScheduleOptions passes options to the domain's scheduler.
func WithScheduleOptions(opts ...schedule.Option) Option {
	return func(d *Domain) { d.schedOpts = append(d.schedOpts, opts...) }
}

// Domain is one execution domain. Tick must only be called from one
// goroutine at a time; AddSystem, Status and handle disposal are safe from
// any goroutine.
type Domain struct {
	name      string
	owner     guard.Owner
	bindings  *binding.Registry
	features  *feature.Registry
	group     *order.Group
	sched     *schedule.Scheduler
	schedOpts []schedule.Option
	tracer    trace.Tracer
	flags     func() *flags.Registry
	now       func() time.Time
	grace     int

	mu      sync.Mutex
	systems []*system
	closed  bool

	seq      atomic.Uint64
	current  Tick
	lastTick time.Time
}

type system struct {
	sys      System
	res      *resolve.Resolver
	addedAt  uint64
	resolved atomic.Bool

	state     State
	err       error
	entry     *order.Entry
	diagnosed bool
}

// New creates a domain sharing the given registries.
func New(name string, bindings *binding.Registry, features *feature.Registry, opts ...Option) (*Domain, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if bindings == nil || features == nil {
		return nil, fmt.Errorf("%w: domain %s", ErrNilRegistry, name)
	}
	defaults := flags.New(flags.Defaults())
	d := &Domain{
		name:     name,
		owner:    guard.NewOwner(),
		bindings: bindings,
		features: features,
		group:    order.NewGroup(name),
		flags:    func() *flags.Registry { return defaults },
		now:      time.Now,
		grace:    DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sched = schedule.New(append([]schedule.Option{
		schedule.WithName(name),
		schedule.WithClock(d.now),
	}, d.schedOpts...)...)
	return d, nil
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Owner returns the guard owner stamped on every tick.
func (d *Domain) Owner() guard.Owner { return d.owner }

// Scheduler returns the domain's action scheduler.
func (d *Domain) Scheduler() *schedule.Scheduler { return d.sched }

// Group returns the domain's ordered execution group.
func (d *Domain) Group() *order.Group { return d.group }

// Ticks returns how many ticks have run.
func (d *Domain) Ticks() uint64 { return d.seq.Load() }

// Env returns the environment handed to systems.
func (d *Domain) Env() Env {
	return Env{
		Domain:    d.name,
		Owner:     d.owner,
		Bindings:  d.bindings,
		Features:  d.features,
		Scheduler: d.sched,
	}
}

// Handle is returned by AddSystem; disposing it removes the system.
type Handle struct {
	d *Domain
	s *system
}

// Name returns the system's name.
func (h *Handle) Name() string { return h.s.sys.Name() }

// Dispose removes the system. Safe to call more than once and from inside
// the system's own Update.
func (h *Handle) Dispose() { h.d.remove(h.s) }

// AddSystem hosts sys. Requirements are declared immediately; a Requirer
// error or an invalid strategy rejects the system. The system becomes active
// on a later tick.
func (d *Domain) AddSystem(sys System) (*Handle, error) {
	if sys == nil || sys.Name() == "" {
		return nil, ErrEmptyName
	}
	name := sys.Name()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if slices.ContainsFunc(d.systems, func(s *system) bool { return s.sys.Name() == name }) {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSystemExists, name)
	}
	d.mu.Unlock()

	s := &system{
		sys:     sys,
		res:     resolve.New(d.name + "/" + name),
		addedAt: d.seq.Load(),
	}
	if req, ok := sys.(Requirer); ok {
		if err := req.Require(s.res, d.Env()); err != nil {
			s.res.Dispose()
			return nil, fmt.Errorf("system %s: %w", name, err)
		}
	}
	s.res.OnComplete(func() { s.resolved.Store(true) })

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		s.res.Dispose()
		return nil, ErrClosed
	}
	if slices.ContainsFunc(d.systems, func(x *system) bool { return x.sys.Name() == name }) {
		s.res.Dispose()
		return nil, fmt.Errorf("%w: %s", ErrSystemExists, name)
	}
	d.systems = append(d.systems, s)
	log.Debug(log.CatDomain, "system added", "domain", d.name, "system", name, "slots", len(s.res.PendingSlots()))
	return &Handle{d: d, s: s}, nil
}

// Status reports on the named system.
func (d *Domain) Status(name string) (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.systems, func(s *system) bool { return s.sys.Name() == name })
	if i < 0 {
		return Status{}, false
	}
	s := d.systems[i]
	st := Status{
		Name:         name,
		State:        s.state,
		Resolved:     s.resolved.Load(),
		Polls:        s.res.Polls(),
		PendingSlots: s.res.PendingSlots(),
		AddedAt:      s.addedAt,
		Err:          s.err,
		ResolverID:   s.res.ID(),
	}
	if s.entry != nil {
		st.EntryID = s.entry.ID()
	}
	return st, true
}

// Systems returns the names of hosted systems in the order they were added.
func (d *Domain) Systems() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.systems))
	for i, s := range d.systems {
		out[i] = s.sys.Name()
	}
	return out
}

// Report summarizes one tick.
type Report struct {
	Seq        uint64
	Activated  int
	EntriesRan int
	ActionsRan int
	OrderErr   error
	Duration   time.Duration
	Unresolved []string
}

// Tick runs one tick: poll resolvers, initialize newly resolved systems,
// rebuild the group if dirty, play it, then run due actions.
func (d *Domain) Tick(ctx context.Context) Report {
	start := d.now()
	seq := d.seq.Add(1)
	var delta time.Duration
	if !d.lastTick.IsZero() {
		delta = start.Sub(d.lastTick)
	}
	d.lastTick = start
	d.current = Tick{Domain: d.name, Seq: seq, Now: start, Delta: delta}

	ctx = guard.WithOwner(ctx, d.owner)
	fl := d.flags()
	var span trace.Span
	if d.tracer != nil && fl.Enabled(flags.FlagTickTracing) {
		ctx, span = tracing.StartTick(ctx, d.tracer, d.name, seq)
		defer span.End()
	}

	report := Report{Seq: seq}

	d.mu.Lock()
	systems := slices.Clone(d.systems)
	d.mu.Unlock()

	// Poll every pending resolver once.
	for _, s := range systems {
		if s.res.Completed() || s.res.Disposed() {
			continue
		}
		if s.res.Poll(ctx) {
			tracing.SystemEvent(ctx, tracing.EventSystemResolved, s.sys.Name())
			continue
		}
		if name, slots, ok := d.overdue(s, seq, fl); ok {
			report.Unresolved = append(report.Unresolved, name)
			log.Warn(log.CatDomain, "system still unresolved",
				"domain", d.name,
				"system", name,
				"resolver", s.res.ID(),
				"ticks", seq-s.addedAt,
				"pending", slots)
			tracing.SystemEvent(ctx, tracing.EventSystemUnresolved, name,
				attribute.StringSlice(tracing.AttrSlots, slots))
		}
	}

	// Initialize systems that resolved, on this goroutine.
	for _, s := range systems {
		if d.activate(ctx, s) {
			report.Activated++
		}
	}

	changed, err := d.group.Build()
	report.OrderErr = err
	if err != nil {
		tracing.ErrorEvent(ctx, tracing.EventOrderCycle, err)
	} else if changed {
		tracing.Event(ctx, tracing.EventOrderRebuilt, attribute.Int(tracing.AttrEntries, d.group.Len()))
		if fl.Enabled(flags.FlagOrderTrace) {
			log.Info(log.CatOrder, "execution order", "domain", d.name, "order", d.group.Order())
		}
	}
	report.EntriesRan = d.group.Play(ctx)
	report.ActionsRan = d.sched.Run(ctx)
	report.Duration = d.now().Sub(start)

	if span != nil {
		span.SetAttributes(
			attribute.Int(tracing.AttrEntriesRan, report.EntriesRan),
			attribute.Int(tracing.AttrActionsRan, report.ActionsRan),
		)
	}
	return report
}

// overdue reports a system that has outlived the grace period unresolved.
// Each system is reported once.
func (d *Domain) overdue(s *system, seq uint64, fl *flags.Registry) (string, []string, bool) {
	if d.grace <= 0 || !fl.Enabled(flags.FlagResolveDiagnostics) {
		return "", nil, false
	}
	if seq-s.addedAt < uint64(d.grace) {
		return "", nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.diagnosed || s.state != StatePending {
		return "", nil, false
	}
	s.diagnosed = true
	return s.sys.Name(), s.res.PendingSlots(), true
}

// activate runs Init for a resolved, pending system and admits its Update
// into the group.
func (d *Domain) activate(ctx context.Context, s *system) bool {
	if !s.resolved.Load() {
		return false
	}
	d.mu.Lock()
	pending := s.state == StatePending
	d.mu.Unlock()
	if !pending {
		return false
	}

	name := s.sys.Name()
	if init, ok := s.sys.(Initializer); ok {
		if err := d.initSystem(ctx, init); err != nil {
			d.fail(ctx, s, fmt.Errorf("init: %w", err))
			return false
		}
	}

	var entry *order.Entry
	if upd, ok := s.sys.(Updater); ok {
		var opts []order.Option
		if o, ok := s.sys.(Orderer); ok {
			opts = append(opts, o.Constraints()...)
		}
		if r, ok := s.sys.(Runnable); ok {
			opts = append(opts, order.When(r.Runnable))
		}
		e, err := d.group.Register(name, func(ctx context.Context) {
			upd.Update(ctx, d.current)
		}, opts...)
		if err != nil {
			d.fail(ctx, s, fmt.Errorf("register: %w", err))
			return false
		}
		entry = e
	}

	d.mu.Lock()
	if s.state != StatePending {
		// Disposed during Init.
		d.mu.Unlock()
		if entry != nil {
			entry.Dispose()
		}
		return false
	}
	s.state = StateActive
	s.entry = entry
	d.mu.Unlock()

	log.Debug(log.CatDomain, "system active", "domain", d.name, "system", name, "tick", d.current.Seq, "resolver", s.res.ID())
	tracing.SystemEvent(ctx, tracing.EventSystemActivated, name)
	return true
}

func (d *Domain) initSystem(ctx context.Context, init Initializer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatDomain, "init panic recovered",
				"domain", d.name,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return init.Init(ctx, d.Env())
}

func (d *Domain) fail(ctx context.Context, s *system, err error) {
	d.mu.Lock()
	if s.state == StatePending {
		s.state = StateFailed
		s.err = err
	}
	d.mu.Unlock()
	log.ErrorErr(log.CatDomain, "system failed", err, "domain", d.name, "system", s.sys.Name(), "resolver", s.res.ID())
	tracing.ErrorEvent(ctx, tracing.EventSystemFailed, fmt.Errorf("%s: %w", s.sys.Name(), err))
}

func (d *Domain) remove(s *system) {
	d.mu.Lock()
	i := slices.Index(d.systems, s)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.systems = slices.Delete(d.systems, i, i+1)
	s.state = StateDisposed
	entry := s.entry
	d.mu.Unlock()

	s.res.Dispose()
	if entry != nil {
		entry.Dispose()
	}
	if disp, ok := s.sys.(Disposer); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatDomain, "dispose panic recovered",
						"domain", d.name,
						"system", s.sys.Name(),
						"panic", r,
						"stack", string(debug.Stack()))
				}
			}()
			disp.Dispose()
		}()
	}
	log.Debug(log.CatDomain, "system removed", "domain", d.name, "system", s.sys.Name())
}

// Close removes every system and rejects new ones.
func (d *Domain) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	systems := slices.Clone(d.systems)
	d.mu.Unlock()

	for i := len(systems) - 1; i >= 0; i-- {
		d.remove(systems[i])
	}
}
