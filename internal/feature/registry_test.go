package feature

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/tickhost/internal/guard"
	"github.com/zjrosen/tickhost/internal/pubsub"
)

type backend struct {
	name  string
	local bool
}

type codec struct{ name string }

func isLocal(b *backend) bool { return b.local }

type event struct {
	added bool
	f     Feature
}

func recorder(events *[]event) Observer {
	return Observer{
		Match:     Any(),
		OnAdded:   func(f Feature) { *events = append(*events, event{added: true, f: f}) },
		OnRemoved: func(f Feature) { *events = append(*events, event{added: false, f: f}) },
	}
}

func TestRegistry_AddNotifiesMatchingObservers(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var locals, codecs []Feature
	_, err := r.Subscribe(ctx, Observer{
		Match:   Match(isLocal),
		OnAdded: func(f Feature) { locals = append(locals, f) },
	})
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, Observer{
		Match:   Match[*codec](nil),
		OnAdded: func(f Feature) { codecs = append(codecs, f) },
	})
	require.NoError(t, err)

	lan := &backend{name: "lan", local: true}
	wan := &backend{name: "wan"}
	opus := &codec{name: "opus"}
	require.NoError(t, r.Add(ctx, lan))
	require.NoError(t, r.Add(ctx, wan))
	require.NoError(t, r.Add(ctx, opus))

	require.Equal(t, []Feature{lan}, locals)
	require.Equal(t, []Feature{opus}, codecs)
}

func TestRegistry_PredicateEvaluatedAtEventTime(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var removed []Feature
	_, err := r.Subscribe(ctx, Observer{
		Match:     Match(isLocal),
		OnRemoved: func(f Feature) { removed = append(removed, f) },
	})
	require.NoError(t, err)

	b := &backend{name: "lan", local: true}
	require.NoError(t, r.Add(ctx, b))

	b.local = false
	require.NoError(t, r.Remove(ctx, b))
	require.Empty(t, removed, "predicate is re-evaluated on removal")
}

func TestRegistry_QueryReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	a := &backend{name: "a", local: true}
	b := &backend{name: "b", local: true}
	require.NoError(t, r.Add(ctx, a))
	require.NoError(t, r.Add(ctx, b))

	snap, ok := r.Query(ctx, Match(isLocal))
	require.True(t, ok)
	require.Equal(t, []Feature{a, b}, snap)

	require.NoError(t, r.Remove(ctx, a))
	require.Equal(t, []Feature{a, b}, snap, "returned snapshot is unaffected by later removal")

	after, ok := r.Query(ctx, Match(isLocal))
	require.True(t, ok)
	require.Equal(t, []Feature{b}, after)
}

func TestRegistry_DuplicateAddAndMissingRemoveAreNoops(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var events []event
	_, err := r.Subscribe(ctx, recorder(&events))
	require.NoError(t, err)

	b := &backend{name: "x"}
	require.NoError(t, r.Add(ctx, b))
	require.NoError(t, r.Add(ctx, b))
	require.NoError(t, r.Remove(ctx, &backend{name: "x"}))
	require.Equal(t, 1, r.Len(ctx))
	require.Len(t, events, 1)
}

func TestRegistry_RejectsInvalidInput(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.ErrorIs(t, r.Add(ctx, nil), ErrNilFeature)
	require.ErrorIs(t, r.Add(ctx, []int{1}), ErrNotComparable)
	_, err := r.Subscribe(ctx, Observer{})
	require.ErrorIs(t, err, ErrNilPredicate)
}

func TestRegistry_DisposedObserverStopsReceiving(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var events []event
	sub, err := r.Subscribe(ctx, recorder(&events))
	require.NoError(t, err)

	require.NoError(t, r.Add(ctx, &backend{name: "a"}))
	sub.Dispose()
	sub.Dispose()
	require.NoError(t, r.Add(ctx, &backend{name: "b"}))

	require.Len(t, events, 1)
	require.True(t, sub.Disposed())
}

func TestRegistry_ObserverMayDisposeItselfDuringNotification(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	calls := 0
	var sub *Subscription
	sub, err := r.Subscribe(ctx, Observer{
		Match: Any(),
		OnAdded: func(Feature) {
			calls++
			sub.Dispose()
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.Add(ctx, &backend{name: "a"}))
	require.NoError(t, r.Add(ctx, &backend{name: "b"}))
	require.Equal(t, 1, calls)
}

func TestRegistry_ObserverCanQueryReentrantly(t *testing.T) {
	g := guard.New()
	r := NewRegistry(WithGuard(g))
	ctx := guard.WithOwner(context.Background(), guard.NewOwner())

	var seen int
	_, err := r.Subscribe(ctx, Observer{
		Match: Any(),
		OnAdded: func(Feature) {
			snap, ok := r.Query(ctx, Any())
			if ok {
				seen = len(snap)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.Add(ctx, &backend{name: "a"}))
	require.Equal(t, 1, seen, "observer ran under the adder's guard and could read")
}

func TestRegistry_ReplayDeliversExisting(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	a := &backend{name: "a"}
	require.NoError(t, r.Add(ctx, a))

	var events []event
	obs := recorder(&events)
	obs.Replay = true
	_, err := r.Subscribe(ctx, obs)
	require.NoError(t, err)

	require.Equal(t, []event{{added: true, f: a}}, events)
}

func TestRegistry_PanickingObserverDoesNotBreakOthers(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, err := r.Subscribe(ctx, Observer{
		Match:   Any(),
		OnAdded: func(Feature) { panic("boom") },
	})
	require.NoError(t, err)

	var events []event
	_, err = r.Subscribe(ctx, recorder(&events))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		require.NoError(t, r.Add(ctx, &backend{name: "a"}))
	})
	require.Len(t, events, 1)
}

func TestRegistry_BusyGuard(t *testing.T) {
	g := guard.New()
	r := NewRegistry(WithGuard(g), WithTimeouts(2*time.Millisecond, time.Millisecond))

	holder := g.Acquire(context.Background(), time.Millisecond)
	require.True(t, holder.Held())
	defer holder.Release()

	_, ok := r.Query(context.Background(), Any())
	require.False(t, ok)
	require.ErrorIs(t, r.Add(context.Background(), &backend{}), ErrBusy)
	require.Equal(t, -1, r.Len(context.Background()))
}

func TestRegistry_EventsBroker(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := r.Events(ctx)
	b := &backend{name: "a"}
	require.NoError(t, r.Add(ctx, b))
	require.NoError(t, r.Remove(ctx, b))

	first, second := <-ch, <-ch
	require.Equal(t, pubsub.AddedEvent, first.Type)
	require.Equal(t, pubsub.RemovedEvent, second.Type)
	require.Same(t, b, second.Payload)
}

// Every observer subscribed throughout a random add/remove sequence sees
// exactly one notification per effective event, in call order.
func TestRegistry_ObserverExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		ctx := context.Background()

		pool := make([]*backend, rapid.IntRange(1, 8).Draw(t, "pool"))
		for i := range pool {
			pool[i] = &backend{name: fmt.Sprintf("b%d", i)}
		}

		observers := rapid.IntRange(1, 4).Draw(t, "observers")
		logs := make([][]event, observers)
		for i := range logs {
			i := i
			_, err := r.Subscribe(ctx, Observer{
				Match:     Any(),
				OnAdded:   func(f Feature) { logs[i] = append(logs[i], event{added: true, f: f}) },
				OnRemoved: func(f Feature) { logs[i] = append(logs[i], event{added: false, f: f}) },
			})
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
		}

		present := make(map[*backend]bool)
		var want []event
		ops := rapid.IntRange(0, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			b := pool[rapid.IntRange(0, len(pool)-1).Draw(t, "target")]
			if rapid.Bool().Draw(t, "add") {
				if err := r.Add(ctx, b); err != nil {
					t.Fatalf("add: %v", err)
				}
				if !present[b] {
					present[b] = true
					want = append(want, event{added: true, f: b})
				}
			} else {
				if err := r.Remove(ctx, b); err != nil {
					t.Fatalf("remove: %v", err)
				}
				if present[b] {
					delete(present, b)
					want = append(want, event{added: false, f: b})
				}
			}
		}

		for i, got := range logs {
			if len(got) != len(want) {
				t.Fatalf("observer %d: got %d events, want %d", i, len(got), len(want))
			}
			for j := range want {
				if got[j] != want[j] {
					t.Fatalf("observer %d event %d: got %+v, want %+v", i, j, got[j], want[j])
				}
			}
		}
	})
}
