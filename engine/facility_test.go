package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func defaultTimeline(t *testing.T) *engine.Timeline {
	tl, err := engine.NewTimeline(engine.DefaultTimelineConfig())
	require.NoError(t, err)
	return tl
}

func timelineWith(t *testing.T, construction int) *engine.Timeline {
	cfg := engine.DefaultTimelineConfig()
	cfg.ConstructionPeriods = construction
	tl, err := engine.NewTimeline(cfg)
	require.NoError(t, err)
	return tl
}

func seniorTerms() engine.FacilityTerms {
	return engine.FacilityTerms{
		Tranche:    engine.TrancheSenior,
		Principal:  1_000_000,
		Share:      1,
		Rate:       0.052,
		Repayments: 14,
	}
}

// settleAll runs every repayment-phase period with the given acceleration.
func settleAll(t *testing.T, f *engine.Facility, tl *engine.Timeline, accel func(p int) float64) engine.FacilitySchedule {
	for _, p := range tl.RepaymentIndices() {
		_, err := f.Compute(p)
		require.NoError(t, err)
		_, err = f.Finalize(p, accel(p))
		require.NoError(t, err)
	}
	return f.Schedule()
}

func noAccel(int) float64 { return 0 }

// =============================================================================
// AMORTIZATION
// =============================================================================

func TestFacility_FullAmortization_NoConstruction(t *testing.T) {
	// GIVEN: 1,000,000 at 5.2% with 14 repayments and no construction phase
	// WHEN: Settling every period without acceleration
	// THEN: The 14th repayment closes the balance and later rows are zero

	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	sched := settleAll(t, f, tl, noAccel)
	require.Len(t, sched, 20)

	assert.InDelta(t, 1_000_000, sched[0].Drawdown, 1e-6)
	assert.InDelta(t, 1_000_000.0/14, sched[0].Principal, 1e-6)
	assert.InDelta(t, 0, sched[13].Closing, 0.01)
	assert.True(t, sched[13].FinalPayment)

	for p := 14; p < 20; p++ {
		assert.Zero(t, sched[p].Interest, "period %d", p)
		assert.Zero(t, sched[p].Principal, "period %d", p)
		assert.InDelta(t, 0, sched[p].Closing, 0.01, "period %d", p)
	}
}

func TestFacility_FullAmortization_AfterConstruction(t *testing.T) {
	// GIVEN: Default timeline (6 construction periods) and 14 repayments
	// WHEN: Settling every period
	// THEN: Interest is capitalised in construction and the balance is zero at period 20

	tl := defaultTimeline(t)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	sched := settleAll(t, f, tl, noAccel)

	for p := 0; p < 6; p++ {
		assert.True(t, sched[p].Construction)
		assert.Equal(t, sched[p].Interest, sched[p].IDC)
		assert.Zero(t, sched[p].Principal)
	}
	// period 1 capitalises interest on the period-0 draw
	assert.InDelta(t, 1_000_000*0.026, sched[1].Interest, 1e-6)

	atCOD := sched[5].Closing
	for p := 6; p < 19; p++ {
		assert.InDelta(t, atCOD/14, sched[p].Principal, 1e-6, "period %d", p)
		assert.InDelta(t, sched[p].Opening*0.026, sched[p].Interest, 1e-6, "period %d", p)
	}
	assert.InDelta(t, 0, sched[19].Closing, 0.01)
}

func TestFacility_InterestNeverNegative(t *testing.T) {
	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	for _, r := range settleAll(t, f, tl, func(int) float64 { return 300_000 }) {
		assert.GreaterOrEqual(t, r.Interest, 0.0)
		assert.GreaterOrEqual(t, r.Closing, -0.01)
	}
}

// =============================================================================
// ACCELERATION
// =============================================================================

func TestFacility_Acceleration_ClampedToPreAccelClosing(t *testing.T) {
	// GIVEN: A computed repayment period
	// WHEN: Finalizing with more acceleration than is owed
	// THEN: Acceleration equals the pre-acceleration closing and the balance is zero

	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	row, err := f.Compute(0)
	require.NoError(t, err)
	final, err := f.Finalize(0, 5_000_000)
	require.NoError(t, err)

	assert.InDelta(t, row.PreAccelClosing, final.Acceleration, 1e-9)
	assert.Zero(t, final.Closing)
}

func TestFacility_Acceleration_NegativeIgnored(t *testing.T) {
	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	row, err := f.Compute(0)
	require.NoError(t, err)
	final, err := f.Finalize(0, -100)
	require.NoError(t, err)

	assert.Zero(t, final.Acceleration)
	assert.Equal(t, row.PreAccelClosing, final.Closing)
}

func TestFacility_Acceleration_RespreadsFlatPrincipal(t *testing.T) {
	// GIVEN: 100,000 accelerated in the first repayment period
	// WHEN: Settling the rest without acceleration
	// THEN: Flat principal is closing / remaining repayments, and the facility still clears

	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	sched := settleAll(t, f, tl, func(p int) float64 {
		if p == 0 {
			return 100_000
		}
		return 0
	})

	assert.InDelta(t, 100_000, sched[0].Acceleration, 1e-9)
	assert.InDelta(t, sched[0].Closing/13, sched[1].Principal, 1e-6)
	assert.InDelta(t, 0, sched[13].Closing, 0.01)
}

// =============================================================================
// PROTOCOL
// =============================================================================

func TestFacility_FinalizeWithoutCompute(t *testing.T) {
	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	_, err = f.Finalize(0, 0)
	assert.ErrorIs(t, err, engine.ErrComputeRequired)
}

func TestFacility_ComputeOutOfOrder(t *testing.T) {
	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	_, err = f.Compute(3)
	assert.ErrorIs(t, err, engine.ErrPeriodOutOfOrder)

	_, err = f.Compute(42)
	assert.ErrorIs(t, err, engine.ErrPeriodOutOfRange)
}

func TestFacility_ComputeIsPure(t *testing.T) {
	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	a, err := f.Compute(0)
	require.NoError(t, err)
	b, err := f.Compute(0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 0.0, f.Balance())
}

func TestFacility_ConstructionPeriodsAreCommitted(t *testing.T) {
	tl := defaultTimeline(t)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	_, err = f.Compute(2)
	assert.ErrorIs(t, err, engine.ErrPeriodOutOfOrder)

	row, ok := f.Committed(2)
	require.True(t, ok)
	assert.True(t, row.Construction)
}

// =============================================================================
// GRANTS, DRAWDOWNS, PROJECTION
// =============================================================================

func TestFacility_GrantPrepayment_CappedAtBalance(t *testing.T) {
	// GIVEN: A grant larger than the balance in construction period 0
	// WHEN: The construction batch resolves
	// THEN: Only the outstanding balance is prepaid

	tl := defaultTimeline(t)
	terms := seniorTerms()
	terms.GrantPrepayments = map[int]float64{0: 2_000_000}
	f, err := engine.NewFacility(tl, terms)
	require.NoError(t, err)

	row, ok := f.Committed(0)
	require.True(t, ok)
	assert.InDelta(t, 1_000_000, row.Acceleration, 1e-9)
	assert.Zero(t, row.Closing)
}

func TestFacility_DrawdownsUseShare(t *testing.T) {
	tl := defaultTimeline(t)
	terms := seniorTerms()
	terms.Share = 0.4
	terms.Principal = 400_000
	terms.Drawdowns = []float64{500_000, 500_000}
	f, err := engine.NewFacility(tl, terms)
	require.NoError(t, err)

	r0, _ := f.Committed(0)
	r1, _ := f.Committed(1)
	assert.InDelta(t, 200_000, r0.Drawdown, 1e-9)
	assert.InDelta(t, 200_000, r1.Drawdown, 1e-9)
	assert.InDelta(t, 200_000*0.026, r1.Interest, 1e-9)
}

func TestFacility_ProjectNextService(t *testing.T) {
	tl := timelineWith(t, 0)
	f, err := engine.NewFacility(tl, seniorTerms())
	require.NoError(t, err)

	row, err := f.Compute(0)
	require.NoError(t, err)

	expected := row.PreAccelClosing*0.026 + 1_000_000.0/14
	assert.InDelta(t, expected, f.ProjectNextService(), 1e-6)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestFacility_MissingRate(t *testing.T) {
	tl := defaultTimeline(t)
	terms := seniorTerms()
	terms.Rate = 0

	_, err := engine.NewFacility(tl, terms)
	assert.ErrorIs(t, err, engine.ErrMissingField)
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)

	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "senior.rate", cfgErr.Field)
}

func TestFacility_RepaymentsBeyondHorizon(t *testing.T) {
	tl := defaultTimeline(t)
	terms := seniorTerms()
	terms.Repayments = 15

	_, err := engine.NewFacility(tl, terms)
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
}

func TestFacility_PrincipalMustMatchDrawdowns(t *testing.T) {
	tl := defaultTimeline(t)
	terms := seniorTerms()
	terms.Drawdowns = []float64{100_000}

	_, err := engine.NewFacility(tl, terms)
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
}
