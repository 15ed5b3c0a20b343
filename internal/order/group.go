// Package order maintains a deterministic linear order over a dynamic set of
// callbacks subject to before/after constraints. The order is rebuilt lazily,
// on the first Build or Play after a registration change, and played back once
// per tick by the owning domain.
package order

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zjrosen/tickhost/internal/log"
)

var (
	// ErrEmptyName indicates an entry was registered without a name.
	ErrEmptyName = errors.New("order: empty entry name")
	// ErrNilFunc indicates an entry was registered without a callback.
	ErrNilFunc = errors.New("order: nil entry func")
	// ErrEntryExists indicates a live entry already uses the name.
	ErrEntryExists = errors.New("order: entry already registered")
	// ErrSelfConstraint indicates an entry was constrained against itself.
	ErrSelfConstraint = errors.New("order: entry constrained against itself")
	// ErrNilRef indicates a constraint option was given a nil reference.
	ErrNilRef = errors.New("order: nil constraint reference")
)

// CycleError is the diagnostic produced when the constraint graph cannot be
// ordered. Entries lists the entries that sit on, or between, cycles, in
// registration order.
type CycleError struct {
	Entries []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("order: constraint cycle among [%s]", strings.Join(e.Entries, ", "))
}

// Func is the callback an entry runs during playback.
type Func func(ctx context.Context)

// Ref names an entry in a constraint. Both Name and *Entry are refs.
type Ref interface {
	refName() string
}

// Name refers to an entry by its registered name. The entry need not exist
// yet; constraints naming absent entries are ignored until one registers.
type Name string

func (n Name) refName() string { return string(n) }

type entryConfig struct {
	before []Ref
	after  []Ref
	when   func() bool
}

// Option configures an entry at registration.
type Option func(*entryConfig)

// Before orders the entry ahead of ref.
func Before(ref Ref) Option {
	return func(c *entryConfig) { c.before = append(c.before, ref) }
}

// After orders the entry behind ref.
func After(ref Ref) Option {
	return func(c *entryConfig) { c.after = append(c.after, ref) }
}

// When sets the runnability predicate consulted on every playback. An entry
// whose predicate reports false keeps its place in the order but is skipped.
func When(pred func() bool) Option {
	return func(c *entryConfig) { c.when = pred }
}

// Entry is the handle for one registered callback.
type Entry struct {
	id     string
	name   string
	seq    uint64
	fn     Func
	when   func() bool
	before []string
	after  []string

	group    *Group
	disposed atomic.Bool
}

func (e *Entry) refName() string { return e.name }

// ID returns the entry's unique identifier.
func (e *Entry) ID() string { return e.id }

// Name returns the entry's registered name.
func (e *Entry) Name() string { return e.name }

// Dispose removes the entry from its group. Safe to call more than once.
func (e *Entry) Dispose() {
	e.group.Unregister(e)
}

// Disposed reports whether the entry has been removed.
func (e *Entry) Disposed() bool {
	return e.disposed.Load()
}

func (e *Entry) runnable() bool {
	if e.when == nil {
		return true
	}
	return e.when()
}

// Group is an ordered execution group. All methods are safe for concurrent
// use; playback itself is meant to happen on one domain goroutine.
type Group struct {
	name string

	mu      sync.Mutex
	seq     uint64
	live    map[string]*Entry
	cached  []*Entry
	built   bool
	dirty   bool
	lastErr error
}

// NewGroup creates an empty group. name is used in diagnostics.
func NewGroup(name string) *Group {
	return &Group{
		name: name,
		live: make(map[string]*Entry),
	}
}

// Register adds a callback under a unique name. The order is not rebuilt
// until the next Build or Play.
func (g *Group) Register(name string, fn Func, opts ...Option) (*Entry, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNilFunc, name)
	}

	var cfg entryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	before, err := refNames(name, cfg.before)
	if err != nil {
		return nil, err
	}
	after, err := refNames(name, cfg.after)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.live[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, name)
	}
	g.seq++
	e := &Entry{
		id:     uuid.NewString(),
		name:   name,
		seq:    g.seq,
		fn:     fn,
		when:   cfg.when,
		before: before,
		after:  after,
		group:  g,
	}
	g.live[name] = e
	g.dirty = true
	log.Debug(log.CatOrder, "entry registered", "group", g.name, "entry", name, "id", e.id)
	return e, nil
}

func refNames(self string, refs []Ref) ([]string, error) {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		if r == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilRef, self)
		}
		if e, ok := r.(*Entry); ok && e == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilRef, self)
		}
		n := r.refName()
		if n == self {
			return nil, fmt.Errorf("%w: %s", ErrSelfConstraint, self)
		}
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names, nil
}

// Unregister removes e from the group and reports whether it was live.
func (g *Group) Unregister(e *Entry) bool {
	if e == nil || e.group != g {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !e.disposed.CompareAndSwap(false, true) {
		return false
	}
	if g.live[e.name] == e {
		delete(g.live, e.name)
		g.dirty = true
	}
	log.Debug(log.CatOrder, "entry unregistered", "group", g.name, "entry", e.name, "id", e.id)
	return true
}

// Len returns the number of live entries.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Dirty reports whether a registration change is waiting for a rebuild.
func (g *Group) Dirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty
}

// Build rebuilds the cached order if a registration changed since the last
// rebuild, and reports whether the order changed. When the constraints form a
// cycle the returned error is a *CycleError and the previous order is kept;
// if there is no previous order, live entries run in registration order.
// Either way the group stays clean until the next registration change.
func (g *Group) Build() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return false, nil
	}
	g.dirty = false

	next, err := g.sort()
	if err != nil {
		g.lastErr = err
		log.Warn(log.CatOrder, "rebuild failed, keeping previous order",
			"group", g.name,
			"error", err,
			"has_previous", g.built)
		if g.built {
			return false, err
		}
		next = g.registrationOrder()
	} else {
		g.lastErr = nil
		g.built = true
	}

	changed := !slices.Equal(names(g.cached), names(next))
	g.cached = next
	if changed {
		log.Debug(log.CatOrder, "order rebuilt", "group", g.name, "order", strings.Join(names(next), ","))
	}
	return changed, err
}

// Play rebuilds the order if needed and then runs every runnable entry in
// cached order. Entries registered while playing are picked up on the next
// Play. It returns the number of entries that ran.
func (g *Group) Play(ctx context.Context) int {
	_, _ = g.Build()

	g.mu.Lock()
	entries := g.cached
	g.mu.Unlock()

	ran := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.Disposed() || !g.guarded(e, "predicate", e.runnable) {
			continue
		}
		if g.guarded(e, "entry", func() bool { e.fn(ctx); return true }) {
			ran++
		}
	}
	return ran
}

// guarded runs fn, converting a panic into false.
func (g *Group) guarded(e *Entry, what string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatOrder, what+" panic recovered",
				"group", g.name,
				"entry", e.name,
				"entry_id", e.id,
				"panic", r,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	return fn()
}

// Order returns the names in the cached order. It does not rebuild.
func (g *Group) Order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return names(g.cached)
}

// Err returns the diagnostic from the most recent rebuild, or nil if it
// succeeded.
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

func (g *Group) registrationOrder() []*Entry {
	out := make([]*Entry, 0, len(g.live))
	for _, e := range g.live {
		out = append(out, e)
	}
	slices.SortFunc(out, bySeq)
	return out
}

// sort is Kahn's algorithm with the ready set kept sorted by registration
// sequence, so unconstrained entries keep their registration order.
func (g *Group) sort() ([]*Entry, error) {
	nodes := g.registrationOrder()
	indegree := make(map[*Entry]int, len(nodes))
	successors := make(map[*Entry][]*Entry, len(nodes))

	edge := func(from, to *Entry) {
		if slices.Contains(successors[from], to) {
			return
		}
		successors[from] = append(successors[from], to)
		indegree[to]++
	}
	for _, n := range nodes {
		for _, name := range n.before {
			if to, ok := g.live[name]; ok {
				edge(n, to)
			}
		}
		for _, name := range n.after {
			if from, ok := g.live[name]; ok {
				edge(from, n)
			}
		}
	}

	ready := make([]*Entry, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]*Entry, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, s := range successors[n] {
			indegree[s]--
			if indegree[s] == 0 {
				i, _ := slices.BinarySearchFunc(ready, s, bySeq)
				ready = slices.Insert(ready, i, s)
			}
		}
	}

	if len(out) != len(nodes) {
		return nil, &CycleError{Entries: names(cycleMembers(nodes, out, successors))}
	}
	return out, nil
}

// cycleMembers narrows the entries Kahn could not place to those that have a
// successor among the unplaced, which drops entries merely downstream of a
// cycle.
func cycleMembers(nodes, placed []*Entry, successors map[*Entry][]*Entry) []*Entry {
	left := make(map[*Entry]bool, len(nodes)-len(placed))
	for _, n := range nodes {
		left[n] = true
	}
	for _, n := range placed {
		delete(left, n)
	}

	for pruned := true; pruned; {
		pruned = false
		for n := range left {
			if !slices.ContainsFunc(successors[n], func(s *Entry) bool { return left[s] }) {
				delete(left, n)
				pruned = true
			}
		}
	}

	out := make([]*Entry, 0, len(left))
	for _, n := range nodes {
		if left[n] {
			out = append(out, n)
		}
	}
	return out
}

func bySeq(a, b *Entry) int {
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

func names(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}
