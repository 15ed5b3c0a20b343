package feature

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollect_SeedsAndTracks(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	lan := &backend{name: "lan", local: true}
	require.NoError(t, r.Add(ctx, lan))
	require.NoError(t, r.Add(ctx, &backend{name: "wan"}))

	c, err := Collect(ctx, r, isLocal)
	require.NoError(t, err)
	require.Equal(t, []*backend{lan}, c.Items())

	loop := &backend{name: "loop", local: true}
	require.NoError(t, r.Add(ctx, loop))
	require.Equal(t, 2, c.Count())

	require.NoError(t, r.Remove(ctx, lan))
	first, ok := c.First()
	require.True(t, ok)
	require.Same(t, loop, first)
}

func TestCollect_EmptyIsStillACollection(t *testing.T) {
	r := NewRegistry()
	c, err := Collect[*codec](context.Background(), r, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Zero(t, c.Count())
	_, ok := c.First()
	require.False(t, ok)
}

func TestCollect_RemovesByIdentityEvenIfFilterChanged(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	b := &backend{name: "lan", local: true}
	require.NoError(t, r.Add(ctx, b))

	c, err := Collect(ctx, r, isLocal)
	require.NoError(t, err)

	b.local = false
	require.NoError(t, r.Remove(ctx, b))
	require.Zero(t, c.Count())
}

func TestCollect_HooksAndDispose(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	c, err := Collect[*codec](ctx, r, nil)
	require.NoError(t, err)

	var added, removed []string
	c.OnAdded(func(x *codec) { added = append(added, x.name) })
	c.OnRemoved(func(x *codec) { removed = append(removed, x.name) })

	opus := &codec{name: "opus"}
	require.NoError(t, r.Add(ctx, opus))
	require.NoError(t, r.Remove(ctx, opus))
	require.Equal(t, []string{"opus"}, added)
	require.Equal(t, []string{"opus"}, removed)

	c.Dispose()
	require.True(t, c.Disposed())
	require.NoError(t, r.Add(ctx, &codec{name: "aac"}))
	require.Zero(t, c.Count(), "disposed collection stops tracking")
}

func TestCollect_ItemsIsACopy(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.Add(ctx, &codec{name: "a"}))

	c, err := Collect[*codec](ctx, r, nil)
	require.NoError(t, err)

	items := c.Items()
	items[0] = nil
	require.NotNil(t, c.Items()[0])
}
