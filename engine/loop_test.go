package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/engine"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// annual builds a 10-year vector with amount from year `from` on.
func annual(from int, amount float64) []float64 {
	v := make([]float64, 10)
	for y := from; y < 10; y++ {
		v[y] = amount
	}
	return v
}

func testEntity(id string) engine.EntityConfig {
	return engine.EntityConfig{
		ID:   engine.EntityID(id),
		Name: id,
		Senior: engine.FacilityTerms{
			Principal:  1_000_000,
			Share:      1,
			Rate:       0.06,
			Repayments: 14,
			Drawdowns:  []float64{250_000, 250_000, 250_000, 250_000},
		},
		Mezz: &engine.FacilityTerms{
			Principal:  200_000,
			Share:      1,
			Rate:       0.10,
			Repayments: 10,
			Drawdowns:  []float64{0, 100_000, 100_000},
		},
		SeniorMargin: 0.01,
		MezzMargin:   0.02,
		Operating: engine.OperatingInputs{
			Revenue: annual(3, 420_000),
			Opex:    annual(3, 110_000),
		},
		Reserves:     engine.ReserveTerms{DepositRate: 0.02, MezzGapRate: 0.03},
		Waterfall:    engine.WaterfallTerms{SweepPct: 0.5, DividendPct: 0.5, DividendRequiresDebtFree: true},
		Tax:          engine.TaxTerms{Rate: 0.25},
		Depreciation: engine.DepreciationTerms{Base: 1_200_000, AcceleratedShare: 0.5, StraightLineYears: 20, CODPeriod: 5},
	}
}

func runEntity(t *testing.T, cfg engine.EntityConfig) *engine.EntityResult {
	t.Helper()
	loop := engine.NewEntityEngine(defaultTimeline(t), nil)
	res, err := loop.Run(context.Background(), cfg)
	require.NoError(t, err)
	return res
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestEntityLoop_CashConservation(t *testing.T) {
	// GIVEN: A leveraged entity with reserves, mezz and a sweep
	// WHEN: The loop settles all 20 periods
	// THEN: Every period's change in cash balances equals its net flows

	res := runEntity(t, testEntity("water"))
	require.Len(t, res.Periods, 20)

	prev := 0.0
	for _, pr := range res.Periods {
		r := pr.Row
		sources := r.EBITDA + r.Grants + r.MezzDrawdown + r.HedgeProceeds + r.SeniorDrawdown + r.OverdraftDrawn
		accel := r.SeniorAcceleration + r.MezzAcceleration + r.SwapAcceleration + r.OverdraftAcceleration
		expected := sources - r.Capex - r.Tax - r.DebtService - accel - r.OverdraftLent - r.OverdraftRepaid +
			r.UnfundedDeficit + r.ReserveInterest - r.MezzDivPayout - r.Dividends

		assert.InDelta(t, expected, r.CashBalances()-prev, 0.01, "period %s", pr.Period)
		prev = r.CashBalances()
	}
}

func TestEntityLoop_FullAmortizationAndBounds(t *testing.T) {
	res := runEntity(t, testEntity("water"))

	assert.InDelta(t, 0, res.Senior[19].Closing, 0.01)
	assert.InDelta(t, 0, res.Mezz[19].Closing, 0.01)

	for _, sched := range []engine.FacilitySchedule{res.Senior, res.Mezz} {
		for _, r := range sched {
			assert.GreaterOrEqual(t, r.Acceleration, 0.0)
			assert.LessOrEqual(t, r.Acceleration, r.PreAccelClosing+1e-9)
			assert.GreaterOrEqual(t, r.Interest, 0.0)
		}
	}
}

func TestEntityLoop_TaxAndReservesNonNegative(t *testing.T) {
	res := runEntity(t, testEntity("water"))

	for _, pr := range res.Periods {
		r := pr.Row
		assert.GreaterOrEqual(t, r.Tax, 0.0)
		assert.LessOrEqual(t, r.TaxLossPool, 0.0)
		for name, bal := range map[string]float64{
			"ops": r.OpsReserveBalance, "dsra": r.DSRABalance, "fd": r.FDBalance,
			"mezz_div": r.MezzDivBalance, "surplus": r.SurplusCash,
		} {
			assert.GreaterOrEqual(t, bal, 0.0, "%s at %s", name, pr.Period)
		}
	}
}

func TestEntityLoop_ConstructionCapitalisesInterest(t *testing.T) {
	res := runEntity(t, testEntity("water"))

	for p := 0; p < 6; p++ {
		r := res.Periods[p].Row
		assert.True(t, r.Construction)
		assert.Equal(t, r.SeniorInterest, r.SeniorIDC, "period %d", p)
		assert.Zero(t, r.SeniorPrincipal)
		assert.Zero(t, r.Dividends)
	}
	assert.Greater(t, res.Periods[1].Row.SeniorIDC, 0.0)
}

func TestEntityLoop_DividendsOnlyOnceDebtFree(t *testing.T) {
	res := runEntity(t, testEntity("water"))

	paid := false
	for _, pr := range res.Periods {
		if pr.Row.Dividends > 0 {
			paid = true
			assert.True(t, pr.Row.DebtFree, "dividend at %s while indebted", pr.Period)
		}
	}
	assert.True(t, paid, "a profitable entity pays dividends after repaying its debt")
}

// =============================================================================
// GRANTS & INPUTS
// =============================================================================

func TestEntityLoop_ConstructionGrantPrepaysSenior(t *testing.T) {
	cfg := testEntity("water")
	cfg.Grants = map[int]float64{3: 150_000}

	res := runEntity(t, cfg)

	assert.InDelta(t, 150_000, res.Senior[3].Acceleration, 1e-9)
	assert.InDelta(t, 150_000, res.Periods[3].Row.SeniorAcceleration, 1e-9)
	assert.InDelta(t, 150_000, res.Periods[3].Row.Grants, 1e-9)
}

func TestEntityLoop_AnnualVectorsSplitAcrossHalves(t *testing.T) {
	res := runEntity(t, testEntity("water"))

	assert.InDelta(t, 210_000, res.Periods[6].Row.Revenue, 1e-9)
	assert.InDelta(t, 210_000, res.Periods[7].Row.Revenue, 1e-9)
	assert.InDelta(t, 420_000, res.Annual[3].Revenue, 1e-9)
}

func TestEntityLoop_BadVectorLength(t *testing.T) {
	cfg := testEntity("water")
	cfg.Operating.Opex = []float64{1, 2, 3}

	loop := engine.NewEntityEngine(defaultTimeline(t), nil)
	_, err := loop.Run(context.Background(), cfg)

	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, engine.EntityID("water"), cfgErr.Entity)
	assert.Equal(t, "operating.opex", cfgErr.Field)
}

func TestEntityLoop_MissingSeniorRate(t *testing.T) {
	cfg := testEntity("energy")
	cfg.Senior.Rate = 0

	loop := engine.NewEntityEngine(defaultTimeline(t), nil)
	_, err := loop.Run(context.Background(), cfg)

	assert.ErrorIs(t, err, engine.ErrMissingField)
	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, engine.EntityID("energy"), cfgErr.Entity)
	assert.Equal(t, "senior.rate", cfgErr.Field)
}

func TestEntityLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := engine.NewEntityEngine(defaultTimeline(t), nil)
	_, err := loop.Run(ctx, testEntity("water"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEntityLoop_SwapLegAmortizes(t *testing.T) {
	cfg := testEntity("energy")
	cfg.Swap = &engine.SwapTerms{NotionalEUR: 100_000, FXRate: 1.5, Rate: 0.07, StartPeriod: 6, Tenor: 10}

	res := runEntity(t, cfg)

	require.Len(t, res.Swap, 20)
	assert.InDelta(t, 150_000*0.035, res.Swap[6].Interest, 1e-6)
	assert.InDelta(t, 0, res.Periods[19].Row.SwapBalance, 0.01)
}
