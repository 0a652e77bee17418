package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/core-coin/pecunia/internal/repository/repotest"
)

func TestAcquireLockExclusive(t *testing.T) {
	store := repotest.NewStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "expiry-sweep", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLock(ctx, "expiry-sweep", "node-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Holder renews.
	ok, err = store.AcquireLock(ctx, "expiry-sweep", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.ReleaseLock(ctx, "expiry-sweep", "node-a"))
	ok, err = store.AcquireLock(ctx, "expiry-sweep", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireLockTakesOverExpiredLease(t *testing.T) {
	store := repotest.NewStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "reconcile", "node-a", -2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireLock(ctx, "reconcile", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPing(t *testing.T) {
	store := repotest.NewStore(t)
	require.NoError(t, store.Ping(context.Background()))
}
