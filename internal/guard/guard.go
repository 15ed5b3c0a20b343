// Package guard provides the timed, reentrant mutual-exclusion lock that
// protects registries shared between domains.
//
// Go exposes no goroutine identity, so reentrancy is keyed on an Owner token
// carried by the context. A domain stamps its tick context with its own Owner;
// any nested acquisition made with that context (an observer that queries the
// registry that is notifying it, for example) succeeds immediately instead of
// waiting on itself. An Owner must only be used by one goroutine at a time.
//
// Acquisition never blocks past its timeout. A Lock that failed to acquire
// reports Held() == false and its Release is a no-op, so callers can always
// write:
//
//	lock := g.Acquire(ctx, timeout)
//	defer lock.Release()
//	if !lock.Held() {
//	    return // try again next tick
//	}
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zjrosen/tickhost/internal/log"
)

// Owner identifies the holder of a Guard for reentrancy purposes.
type Owner string

// NewOwner returns a fresh, unique owner token.
func NewOwner() Owner {
	return Owner(uuid.NewString())
}

type ownerKey struct{}

// WithOwner returns a context whose acquisitions are made on behalf of o.
func WithOwner(ctx context.Context, o Owner) context.Context {
	if o == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner stamped on ctx, if any.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	if ctx == nil {
		return "", false
	}
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok && o != ""
}

// Guard is a timed reentrant mutex. The zero value is not usable; call New.
type Guard struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	owner Owner
	depth int
}

// New creates an unlocked Guard.
func New() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Acquire tries to take the guard for at most timeout. A timeout <= 0 makes a
// single non-blocking attempt. If ctx carries the Owner that already holds the
// guard, Acquire succeeds immediately and nests.
func (g *Guard) Acquire(ctx context.Context, timeout time.Duration) *Lock {
	owner, hasOwner := OwnerFrom(ctx)
	if hasOwner && g.reenter(owner) {
		return &Lock{g: g, held: true}
	}

	if !g.take(ctx, timeout) {
		log.Debug(log.CatGuard, "acquire timed out", "owner", owner, "timeout", timeout)
		return &Lock{}
	}

	g.mu.Lock()
	g.owner = owner
	g.depth = 1
	g.mu.Unlock()
	return &Lock{g: g, held: true}
}

// TryAcquire is Acquire with no wait.
func (g *Guard) TryAcquire(ctx context.Context) *Lock {
	return g.Acquire(ctx, 0)
}

// Do runs fn while holding the guard. It reports false, without running fn,
// when the guard could not be taken within timeout.
func (g *Guard) Do(ctx context.Context, timeout time.Duration, fn func()) bool {
	lock := g.Acquire(ctx, timeout)
	defer lock.Release()
	if !lock.Held() {
		return false
	}
	fn()
	return true
}

// HeldBy reports whether o currently holds the guard.
func (g *Guard) HeldBy(o Owner) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return o != "" && g.depth > 0 && g.owner == o
}

func (g *Guard) reenter(owner Owner) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth > 0 && g.owner == owner {
		g.depth++
		return true
	}
	return false
}

func (g *Guard) take(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		return g.sem.TryAcquire(1)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.sem.Acquire(waitCtx, 1) == nil
}

func (g *Guard) exit() {
	g.mu.Lock()
	g.depth--
	if g.depth > 0 {
		g.mu.Unlock()
		return
	}
	g.owner = ""
	g.mu.Unlock()
	g.sem.Release(1)
}

// Lock is the scoped result of an acquisition.
type Lock struct {
	g        *Guard
	held     bool
	released sync.Once
}

// Held reports whether the acquisition succeeded.
func (l *Lock) Held() bool {
	return l != nil && l.held
}

// Release gives up this acquisition. It is a no-op for a Lock that was never
// held and for every call after the first.
func (l *Lock) Release() {
	if !l.Held() {
		return
	}
	l.released.Do(l.g.exit)
}
