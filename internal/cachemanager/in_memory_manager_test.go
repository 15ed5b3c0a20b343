package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type onceKey string

func newStore[V any]() *InMemoryCacheManager[onceKey, V] {
	return NewInMemoryCacheManager[onceKey, V]("test", NoExpiration, DefaultCleanupInterval)
}

func TestInMemoryCacheManager_GetSet(t *testing.T) {
	store := newStore[int]()
	ctx := context.Background()

	_, ok := store.Get(ctx, "spawn")
	require.False(t, ok)

	store.Set(ctx, "spawn", 3, DefaultExpiration)
	got, ok := store.Get(ctx, "spawn")
	require.True(t, ok)
	require.Equal(t, 3, got)

	store.Set(ctx, "spawn", 4, DefaultExpiration)
	got, _ = store.Get(ctx, "spawn")
	require.Equal(t, 4, got)
}

func TestInMemoryCacheManager_WrongTypeIsAMiss(t *testing.T) {
	store := newStore[string]()
	store.cache.Set("spawn", 123, NoExpiration)

	got, ok := store.Get(context.Background(), "spawn")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_AddOnlyWhenAbsent(t *testing.T) {
	store := newStore[struct{}]()
	ctx := context.Background()

	require.True(t, store.Add(ctx, "k", struct{}{}, NoExpiration))
	require.False(t, store.Add(ctx, "k", struct{}{}, NoExpiration))
	require.Equal(t, 1, store.Len())
}

func TestInMemoryCacheManager_AddAfterExpiry(t *testing.T) {
	store := newStore[struct{}]()
	ctx := context.Background()

	require.True(t, store.Add(ctx, "k", struct{}{}, 5*time.Millisecond))
	require.Eventually(t, func() bool {
		return store.Add(ctx, "k", struct{}{}, NoExpiration)
	}, time.Second, 5*time.Millisecond)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	store := newStore[string]()
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx))
	store.Set(ctx, "a", "1", DefaultExpiration)
	store.Set(ctx, "b", "2", DefaultExpiration)
	store.Set(ctx, "c", "3", DefaultExpiration)

	require.NoError(t, store.Delete(ctx, "a", "missing"))
	_, ok := store.Get(ctx, "a")
	require.False(t, ok)
	require.Equal(t, 2, store.Len())

	require.NoError(t, store.Flush(ctx))
	require.Zero(t, store.Len())
}
