package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGuard_AcquireAndRelease(t *testing.T) {
	g := New()
	ctx := context.Background()

	lock := g.Acquire(ctx, 10*time.Millisecond)
	require.True(t, lock.Held())

	other := g.TryAcquire(ctx)
	require.False(t, other.Held(), "second anonymous acquisition must fail while held")
	other.Release()

	lock.Release()

	again := g.TryAcquire(ctx)
	require.True(t, again.Held(), "guard must be free after release")
	again.Release()
}

func TestGuard_TimesOutWithoutPanicking(t *testing.T) {
	g := New()
	holder := g.Acquire(context.Background(), time.Millisecond)
	require.True(t, holder.Held())
	defer holder.Release()

	start := time.Now()
	lock := g.Acquire(context.Background(), 20*time.Millisecond)
	elapsed := time.Since(start)

	require.False(t, lock.Held())
	require.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	require.NotPanics(t, lock.Release)
}

func TestGuard_ReentrantForSameOwner(t *testing.T) {
	g := New()
	owner := NewOwner()
	ctx := WithOwner(context.Background(), owner)

	outer := g.Acquire(ctx, time.Millisecond)
	require.True(t, outer.Held())

	inner := g.TryAcquire(ctx)
	require.True(t, inner.Held(), "holder must reacquire immediately")
	require.True(t, g.HeldBy(owner))

	inner.Release()
	require.True(t, g.HeldBy(owner), "inner release must not unlock the outer scope")
	require.False(t, g.TryAcquire(context.Background()).Held())

	outer.Release()
	require.False(t, g.HeldBy(owner))

	free := g.TryAcquire(context.Background())
	require.True(t, free.Held())
	free.Release()
}

func TestGuard_DifferentOwnersExclude(t *testing.T) {
	g := New()
	a := WithOwner(context.Background(), NewOwner())
	b := WithOwner(context.Background(), NewOwner())

	la := g.Acquire(a, time.Millisecond)
	require.True(t, la.Held())
	defer la.Release()

	lb := g.Acquire(b, 5*time.Millisecond)
	require.False(t, lb.Held())
}

func TestGuard_DoubleReleaseIsNoop(t *testing.T) {
	g := New()
	owner := WithOwner(context.Background(), NewOwner())

	outer := g.Acquire(owner, time.Millisecond)
	inner := g.Acquire(owner, time.Millisecond)
	inner.Release()
	inner.Release()

	require.False(t, g.TryAcquire(context.Background()).Held(), "double inner release must not drop the outer hold")
	outer.Release()
	outer.Release()

	lock := g.TryAcquire(context.Background())
	require.True(t, lock.Held())
	lock.Release()
}

func TestGuard_DoSkipsOnTimeout(t *testing.T) {
	g := New()
	holder := g.Acquire(context.Background(), time.Millisecond)
	defer holder.Release()

	ran := false
	ok := g.Do(context.Background(), 2*time.Millisecond, func() { ran = true })
	require.False(t, ok)
	require.False(t, ran)
}

func TestGuard_WaiterAcquiresAfterRelease(t *testing.T) {
	g := New()
	holder := g.Acquire(context.Background(), time.Millisecond)
	require.True(t, holder.Held())

	var wg sync.WaitGroup
	wg.Add(1)
	var got bool
	go func() {
		defer wg.Done()
		lock := g.Acquire(context.Background(), time.Second)
		got = lock.Held()
		lock.Release()
	}()

	time.Sleep(10 * time.Millisecond)
	holder.Release()
	wg.Wait()
	require.True(t, got)
}

func TestGuard_MutualExclusionUnderContention(t *testing.T) {
	g := New()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithOwner(context.Background(), NewOwner())
			for j := 0; j < 50; j++ {
				g.Do(ctx, time.Second, func() {
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()

					mu.Lock()
					inside--
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

// Nested acquisitions by the holder always succeed, whatever the depth, and
// the guard is free exactly when every nested scope has released.
func TestGuard_ReentrancyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := New()
		ctx := WithOwner(context.Background(), NewOwner())
		depth := rapid.IntRange(1, 20).Draw(t, "depth")

		locks := make([]*Lock, 0, depth)
		for i := 0; i < depth; i++ {
			l := g.TryAcquire(ctx)
			if !l.Held() {
				t.Fatalf("nested acquisition %d failed", i)
			}
			locks = append(locks, l)
		}

		for i := len(locks) - 1; i >= 0; i-- {
			if g.TryAcquire(context.Background()).Held() {
				t.Fatalf("guard free with %d scopes still open", i+1)
			}
			locks[i].Release()
		}

		free := g.TryAcquire(context.Background())
		if !free.Held() {
			t.Fatalf("guard still held after all releases")
		}
		free.Release()
	})
}
