package cache_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/cache"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/project"
)

func newCache(t *testing.T) (*cache.RunCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRunCache(client, time.Minute), mr
}

func TestRunCache_RememberAndLookup(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	_, hit, err := c.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, hit)

	want := engine.RunSummary{ID: "run-1", Scenario: "base-case", Entities: 3, MinDSCR: 1.4}
	require.NoError(t, c.Remember(ctx, "abc", want))

	got, hit, err := c.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.MinDSCR, got.MinDSCR)
}

func TestRunCache_Expires(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)

	require.NoError(t, c.Remember(ctx, "abc", engine.RunSummary{ID: "run-1"}))
	mr.FastForward(2 * time.Minute)

	_, hit, err := c.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRunCache_BumpInvalidates(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	require.NoError(t, c.Remember(ctx, "abc", engine.RunSummary{ID: "run-1"}))
	require.NoError(t, c.Bump(ctx))

	_, hit, err := c.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Remember(ctx, "abc", engine.RunSummary{ID: "run-2"}))
	got, hit, err := c.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "run-2", got.ID)
}

func TestRunCache_NilIsAlwaysMiss(t *testing.T) {
	var c *cache.RunCache
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, "abc", engine.RunSummary{ID: "x"}))
	_, hit, err := c.Lookup(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, c.Bump(ctx))
}

func TestFingerprint(t *testing.T) {
	// GIVEN: Two builds of the same catalogue scenario under different names
	// WHEN: Fingerprinting them, and a copy with one rate changed
	// THEN: The renamed copy matches, the changed copy does not

	a, err := project.BuildScenario("base-case")
	require.NoError(t, err)
	b, err := project.BuildScenario("base-case")
	require.NoError(t, err)
	b.Name = "renamed"

	fa, err := cache.Fingerprint(a)
	require.NoError(t, err)
	fb, err := cache.Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	b.Entities[0].Senior.Rate += 0.0001
	fc, err := cache.Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}
