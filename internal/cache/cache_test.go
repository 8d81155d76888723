package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchIsReadThrough(t *testing.T) {
	c := New(nil)
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "v", nil
	}

	for i := 0; i < 3; i++ {
		v, err := Fetch(ctx, c, KeyDatasets, 0, fetch)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, 1, calls)
}

func TestFetchHonoursStaleness(t *testing.T) {
	c := New(nil)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, _ := Fetch(ctx, c, KeyMe, 5*time.Minute, fetch)
	assert.Equal(t, 1, v)

	clock = clock.Add(4 * time.Minute)
	v, _ = Fetch(ctx, c, KeyMe, 5*time.Minute, fetch)
	assert.Equal(t, 1, v)

	clock = clock.Add(2 * time.Minute)
	v, _ = Fetch(ctx, c, KeyMe, 5*time.Minute, fetch)
	assert.Equal(t, 2, v)
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := New(nil)
	boom := errors.New("boom")
	_, err := Fetch(context.Background(), c, KeyRuns, 0, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestInvalidate(t *testing.T) {
	c := New(nil)
	c.Store(DatasetKey(1), "a")
	c.Store(DatasetKey(2), "b")
	c.Store(KeyDatasets, "list")
	c.Store(RunKey(1), "run")
	c.Store(MetricsKey(1), "m")

	c.Invalidate(DatasetKey(1), KeyDatasets)
	_, ok := c.Load(DatasetKey(1), 0)
	assert.False(t, ok)
	_, ok = c.Load(DatasetKey(2), 0)
	assert.True(t, ok)

	c.InvalidatePrefix(RunKey(1))
	_, ok = c.Load(MetricsKey(1), 0)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestReadInFlightDuringClearIsNotCached(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	v, err := Refresh(ctx, c, KeyDatasets, func(context.Context) (string, error) {
		c.Clear() // logout lands while the request is in flight
		return "pre-logout", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pre-logout", v)

	_, ok := c.Load(KeyDatasets, 0)
	assert.False(t, ok)
}
