package demo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tickhost/internal/binding"
	"github.com/zjrosen/tickhost/internal/domain"
	"github.com/zjrosen/tickhost/internal/feature"
)

// single adapts one domain to Adder, ignoring the domain name.
type single struct{ d *domain.Domain }

func (s single) AddSystem(_ string, sys domain.System) (*domain.Handle, error) {
	return s.d.AddSystem(sys)
}

func newDomain(t *testing.T, now func() time.Time) *domain.Domain {
	t.Helper()
	d, err := domain.New("main", binding.New(), feature.NewRegistry(), domain.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestSystems_EndToEnd(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	d := newDomain(t, clock)
	sys := New(50*time.Millisecond, time.Hour)
	var trace []string
	for _, st := range sys.Stages {
		st.Trace = func(stage string) { trace = append(trace, stage) }
	}
	require.NoError(t, sys.Install(single{d}, "main", "main"))
	ctx := context.Background()

	// Tick 1: the clock and stages activate and bind; sender and reporter
	// still wait on the clock binding.
	d.Tick(ctx)
	require.Equal(t, []string{"input", "physics", "render"}, trace)
	st, _ := d.Status("sender")
	require.Equal(t, domain.StatePending, st.State)

	// Tick 2: sender resolves but has no transport yet.
	d.Tick(ctx)
	st, _ = d.Status("sender")
	require.Equal(t, domain.StateActive, st.State)
	require.Zero(t, sys.Sender.Sent())

	advance(50 * time.Millisecond)
	d.Tick(ctx) // transport added by the scheduled action, after entries ran
	require.Zero(t, sys.Sender.Sent())

	d.Tick(ctx)
	d.Tick(ctx)
	require.Equal(t, int64(2), sys.Sender.Sent())
	require.Equal(t, int64(2), sys.Network.Transport.Sent())
	require.Equal(t, uint64(5), sys.Clock.clock.Ticks())
	require.Same(t, &sys.Clock.clock, sys.Reporter.Clock)
}

func TestInstall_UnknownDomain(t *testing.T) {
	d := newDomain(t, time.Now)
	sys := New(time.Millisecond, time.Second)
	require.NoError(t, sys.Install(single{d}, "main", "main"))

	err := New(time.Millisecond, time.Second).Install(single{d}, "main", "main")
	require.ErrorIs(t, err, domain.ErrSystemExists)
}
