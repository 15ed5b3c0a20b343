// Package schedule runs one-shot and recurring actions on a domain's tick.
// Actions never run on their own goroutine: Run executes whatever is due on
// the caller's goroutine, so a domain calling Run from its loop keeps every
// action on its own thread.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/tickhost/internal/cachemanager"
	"github.com/zjrosen/tickhost/internal/log"
)

// Action is a scheduled unit of work.
type Action func(ctx context.Context)

// Key identifies a once-only action.
type Key string

// KeyOf builds the key for "run method once per argument list". Each
// argument is rendered as its type and Go-syntax value inside a quoted
// literal, so distinct argument lists never share a key. Pointer arguments
// compare by address.
func KeyOf(method string, args ...any) Key {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = strconv.Quote(fmt.Sprintf("%T(%#v)", a, a))
	}
	return Key(method + "(" + strings.Join(parts, ",") + ")")
}

// Task is the handle for a scheduled action.
type Task struct {
	id     string
	key    Key
	due    time.Time
	every  time.Duration
	repeat bool
	fn     Action

	s        *Scheduler
	disposed atomic.Bool
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Key returns the dedup key, empty for unkeyed tasks.
func (t *Task) Key() Key { return t.key }

// Dispose cancels the task. A recurring task stops recurring; a pending
// one-shot never runs. Safe to call more than once.
func (t *Task) Dispose() {
	if t.disposed.CompareAndSwap(false, true) {
		t.s.forget(t)
	}
}

// Disposed reports whether the task was cancelled.
func (t *Task) Disposed() bool { return t.disposed.Load() }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDedupWindow sets how long a once-key is remembered after it ran. A
// window <= 0 remembers keys for the scheduler's lifetime.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Scheduler) { s.window = d }
}

// WithName names the scheduler in log output.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// Scheduler holds pending actions until they are due.
type Scheduler struct {
	name   string
	now    func() time.Time
	window time.Duration
	ran    cachemanager.CacheManager[Key, struct{}]

	mu      sync.Mutex
	tasks   []*Task
	pending map[Key]*Task
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		name:    "default",
		now:     time.Now,
		pending: make(map[Key]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	ttl := s.window
	if ttl <= 0 {
		ttl = cachemanager.NoExpiration
	}
	s.window = ttl
	s.ran = cachemanager.NewInMemoryCacheManager[Key, struct{}]("schedule:"+s.name, ttl, cachemanager.DefaultCleanupInterval)
	return s
}

// Post runs fn on the next Run. Like After and Every, it returns nil when fn
// is nil.
func (s *Scheduler) Post(fn Action) *Task {
	return s.After(0, fn)
}

// After runs fn on the first Run at least d from now.
func (s *Scheduler) After(d time.Duration, fn Action) *Task {
	return s.add("", d, 0, fn, false)
}

// Every runs fn on the first Run at least d from now and then every d until
// the returned task is disposed. A non-positive d runs fn on every Run.
func (s *Scheduler) Every(d time.Duration, fn Action) *Task {
	return s.add("", max(d, 0), max(d, 0), fn, true)
}

// Once runs fn on the next Run unless an action with the same key is already
// pending or ran within the dedup window. It reports whether fn was accepted.
func (s *Scheduler) Once(key Key, fn Action) (*Task, bool) {
	if key == "" || fn == nil {
		return nil, false
	}
	t := s.add(key, 0, 0, fn, false)
	return t, t != nil
}

// OnceFor is Once keyed by method and arguments.
func (s *Scheduler) OnceFor(fn Action, method string, args ...any) (*Task, bool) {
	return s.Once(KeyOf(method, args...), fn)
}

func (s *Scheduler) add(key Key, delay, every time.Duration, fn Action, repeat bool) *Task {
	if fn == nil {
		return nil
	}
	t := &Task{
		id:     uuid.NewString(),
		key:    key,
		due:    s.now().Add(delay),
		every:  every,
		repeat: repeat,
		fn:     fn,
		s:      s,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "" {
		// Run moves a key from pending to ran under mu, so checking both
		// here sees one or the other.
		if _, queued := s.pending[key]; queued {
			return nil
		}
		if _, done := s.ran.Get(context.Background(), key); done {
			log.Debug(log.CatSched, "once key already ran", "scheduler", s.name, "key", key)
			return nil
		}
		s.pending[key] = t
	}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.key != "" && s.pending[t.key] == t {
		delete(s.pending, t.key)
	}
	for i, x := range s.tasks {
		if x == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
}

// Run executes every task that is due, in scheduling order, and returns how
// many ran. Actions scheduled while running wait for the next Run.
func (s *Scheduler) Run(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	keep := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Disposed() {
			continue
		}
		if t.due.After(now) {
			keep = append(keep, t)
			continue
		}
		due = append(due, t)
		if t.repeat {
			t.due = t.due.Add(t.every)
			if t.due.Before(now) {
				t.due = now.Add(t.every)
			}
			keep = append(keep, t)
			continue
		}
		if t.key != "" {
			delete(s.pending, t.key)
			s.ran.Set(ctx, t.key, struct{}{}, s.window)
		}
	}
	s.tasks = keep
	s.mu.Unlock()

	ran := 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		if t.Disposed() {
			continue
		}
		if s.invoke(ctx, t) {
			ran++
		}
	}
	return ran
}

func (s *Scheduler) invoke(ctx context.Context, t *Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatSched, "scheduled action panic recovered",
				"scheduler", s.name,
				"task", t.id,
				"key", t.key,
				"panic", r,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	t.fn(ctx)
	return true
}

// Pending returns the number of tasks waiting to run, recurring ones
// included.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Forget drops the memory of keys that already ran so they may be scheduled
// again.
func (s *Scheduler) Forget(keys ...Key) {
	_ = s.ran.Delete(context.Background(), keys...)
}
