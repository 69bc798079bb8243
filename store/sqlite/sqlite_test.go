package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/project"
	"github.com/warp/finance-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func settle(t *testing.T, id string) *engine.ModelResult {
	t.Helper()
	sc, err := project.BuildScenario(id)
	require.NoError(t, err)
	o, err := project.NewOrchestrator(nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), sc)
	require.NoError(t, err)
	return res
}

// =============================================================================
// RUN STORE
// =============================================================================

func TestStore_SaveAndGetRun(t *testing.T) {
	// GIVEN: A settled grant-funded scenario and its input
	// WHEN: Saving and reading it back
	// THEN: Input and result survive the JSON columns intact

	ctx := context.Background()
	s := newStore(t)
	sc, err := project.BuildScenario("grant-funded")
	require.NoError(t, err)
	res := settle(t, "grant-funded")
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{
		ID: "run-1", Scenario: res.Scenario, Fingerprint: "fp-1", CreatedAt: created, Input: &sc, Result: res,
	}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "grant-funded", got.Scenario)
	assert.Equal(t, "fp-1", got.Fingerprint)
	require.NotNil(t, got.Input)
	assert.Len(t, got.Input.Entities, 3)
	assert.Equal(t, sc.Entities[0].Grants, got.Input.Entities[0].Grants)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, res.Order, got.Result.Order)

	water, err := got.Result.Entity(project.Water)
	require.NoError(t, err)
	want, _ := res.Entity(project.Water)
	assert.Equal(t, want.Annual, water.Annual)
	assert.Equal(t, want.Senior, water.Senior)
	assert.Equal(t, res.Holding.Annual, got.Result.Holding.Annual)
}

func TestStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	res := settle(t, "base-case")

	rec := engine.RunRecord{ID: "run-1", Scenario: "base-case", CreatedAt: time.Now(), Result: res}
	require.NoError(t, s.SaveRun(ctx, rec))
	assert.ErrorIs(t, s.SaveRun(ctx, rec), engine.ErrDuplicateRun)

	// The failed save must not leave duplicate child rows behind.
	rows, err := s.AnnualRows(ctx, "run-1", project.Water)
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}

func TestStore_RejectsEmptyResult(t *testing.T) {
	err := newStore(t).SaveRun(context.Background(), engine.RunRecord{ID: "x"})
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)

	_, err = s.AnnualRows(ctx, "missing", project.Water)
	assert.ErrorIs(t, err, engine.ErrRunNotFound)

	_, err = s.FindByFingerprint(ctx, "nope")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := settle(t, "base-case")
	rate := settle(t, "high-rate")
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "a", Scenario: "base-case", CreatedAt: t0, Result: base}))
	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "b", Scenario: "high-rate", CreatedAt: t0.Add(time.Minute), Result: rate}))

	list, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, 3, list[1].Entities)

	want := engine.Summarize(engine.RunRecord{Result: base})
	assert.InDelta(t, want.CumulativeDividends, list[1].CumulativeDividends, 0.01)
	assert.InDelta(t, want.MinDSCR, list[1].MinDSCR, 0.0001)
}

// =============================================================================
// QUERYABLE ROWS
// =============================================================================

func TestStore_AnnualRowsAreDecimal(t *testing.T) {
	// GIVEN: A saved run
	// WHEN: Reading energy's annual rows
	// THEN: Amounts come back as cents-rounded decimals matching the engine

	ctx := context.Background()
	s := newStore(t)
	res := settle(t, "base-case")
	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "r", Scenario: "base-case", CreatedAt: time.Now(), Result: res}))

	rows, err := s.AnnualRows(ctx, "r", project.Energy)
	require.NoError(t, err)
	require.Len(t, rows, 10)

	energy, _ := res.Entity(project.Energy)
	for i, r := range rows {
		a := energy.Annual[i]
		assert.Equal(t, a.Year, r.Year)
		assert.True(t, engine.Money(a.Revenue).Equal(r.Revenue), "year %d", a.Year)
		assert.True(t, engine.Money(a.Dividends).Equal(r.Dividends), "year %d", a.Year)
		assert.LessOrEqual(t, int(-r.Revenue.Exponent()), 2)
	}

	_, err = s.AnnualRows(ctx, "r", "ghost")
	assert.ErrorIs(t, err, engine.ErrUnknownEntity)
}

func TestStore_FacilityRowsSeniorFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	res := settle(t, "base-case")
	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "r", Scenario: "base-case", CreatedAt: time.Now(), Result: res}))

	rows, err := s.FacilityRows(ctx, "r", project.Water)
	require.NoError(t, err)

	water, _ := res.Entity(project.Water)
	require.Len(t, rows, len(water.Senior)+len(water.Mezz))
	assert.Equal(t, engine.TrancheSenior, rows[0].Tranche)
	assert.Equal(t, 0, rows[0].Period)
	assert.Equal(t, engine.TrancheMezz, rows[len(rows)-1].Tranche)
	assert.True(t, rows[len(water.Senior)-1].Closing.IsZero())
}

func TestStore_FingerprintSettlesOnce(t *testing.T) {
	// GIVEN: A run saved under fingerprint fp
	// WHEN: A run with another ID but the same fingerprint is saved
	// THEN: It is rejected and the fingerprint still resolves to the first run

	ctx := context.Background()
	s := newStore(t)
	res := settle(t, "base-case")
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "first", Fingerprint: "fp", CreatedAt: t0, Result: res}))
	err := s.SaveRun(ctx, engine.RunRecord{ID: "second", Fingerprint: "fp", CreatedAt: t0.Add(time.Hour), Result: res})
	assert.ErrorIs(t, err, engine.ErrDuplicateFingerprint)
	assert.NotErrorIs(t, err, engine.ErrDuplicateRun)

	id, err := s.FindByFingerprint(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "first", id)

	_, err = s.GetRun(ctx, "second")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)

	// Runs without a fingerprint are stored as NULL and never collide.
	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "bare-1", CreatedAt: t0, Result: res}))
	require.NoError(t, s.SaveRun(ctx, engine.RunRecord{ID: "bare-2", CreatedAt: t0, Result: res}))
}
