package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/engine/store"
)

func TestMemory_SaveGetList(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.SaveRun(ctx, engine.RunRecord{ID: "a", Scenario: "base-case", CreatedAt: t0}))
	require.NoError(t, m.SaveRun(ctx, engine.RunRecord{ID: "b", Scenario: "high-rate", CreatedAt: t0.Add(time.Hour)}))

	got, err := m.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "base-case", got.Scenario)

	list, err := m.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "newest first")
}

func TestMemory_WriteOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveRun(ctx, engine.RunRecord{ID: "a"}))
	assert.ErrorIs(t, m.SaveRun(ctx, engine.RunRecord{ID: "a"}), engine.ErrDuplicateRun)
}

func TestMemory_FingerprintSettlesOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveRun(ctx, engine.RunRecord{ID: "a", Fingerprint: "fp"}))
	assert.ErrorIs(t, m.SaveRun(ctx, engine.RunRecord{ID: "b", Fingerprint: "fp"}), engine.ErrDuplicateFingerprint)

	// Runs without a fingerprint never collide.
	require.NoError(t, m.SaveRun(ctx, engine.RunRecord{ID: "c"}))
	require.NoError(t, m.SaveRun(ctx, engine.RunRecord{ID: "d"}))
}

func TestMemory_NotFound(t *testing.T) {
	_, err := store.NewMemory().GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
	assert.True(t, engine.IsNotFound(err))
}
