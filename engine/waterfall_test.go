package engine_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type stateOpts struct {
	role        engine.OverdraftRole
	opex        []float64
	depositRate float64
	ops, dsra   float64
	mezzGapRate float64
}

func newState(o stateOpts) *engine.WaterfallState {
	st := &engine.WaterfallState{
		Ops:     engine.NewOperatingReserve(o.depositRate, o.opex, o.ops),
		DSRA:    engine.NewDebtServiceReserve(o.depositRate, o.dsra),
		FD:      engine.NewFixedDeposit(o.depositRate, 0),
		MezzDiv: engine.NewMezzDividendReserve(o.depositRate, o.mezzGapRate),
	}
	if o.role != engine.OverdraftNone {
		st.Overdraft = engine.NewOverdraft(o.role, 0.08, 0)
	}
	return st
}

func periodAt(t *testing.T, idx int) engine.Period {
	p, err := defaultTimeline(t).Period(idx)
	require.NoError(t, err)
	return p
}

func opexWith(p int, amounts ...float64) []float64 {
	v := make([]float64, 20)
	copy(v[p:], amounts)
	return v
}

// settle accrues, runs the cascade and checks cash conservation.
func settle(t *testing.T, w *engine.Waterfall, st *engine.WaterfallState, in engine.WaterfallInput, acc engine.AccrualInput) engine.WaterfallRow {
	t.Helper()
	before := st.CashBalances()
	in.Accruals = st.Accrue(acc)
	row := w.Settle(in, st)
	after := st.CashBalances()

	expected := in.Sources() - in.Capex - in.Tax - row.DebtService() - row.TotalAcceleration() -
		row.OverdraftLent - row.OverdraftRepaid + row.OverdraftReceived + row.Unfunded + row.CashInterest -
		row.MezzDivPayout - row.Dividend
	assert.InDelta(t, expected, after-before, 1e-6, "cash conservation")
	return row
}

// =============================================================================
// CASCADE ORDER
// =============================================================================

func TestWaterfall_ResidualAfterDebtServiceFundsReserves(t *testing.T) {
	// GIVEN: EBITDA 100k, senior service 80k, tax 5k, empty reserves
	// WHEN: The cascade runs
	// THEN: The 15k residual fills the operating reserve, then the DSRA; nothing is swept

	st := newState(stateOpts{opex: opexWith(10, 5_000, 10_000)})
	w := engine.NewWaterfall(engine.WaterfallTerms{SweepPct: 1})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 10),
		EBITDA: 100_000,
		Tax:    5_000,
		Senior: engine.TrancheObligation{Interest: 30_000, Principal: 50_000, Balance: 950_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 10, NextSeniorService: 80_000, SeniorOutstanding: 950_000})

	assert.Equal(t, 80_000.0, row.SeniorService)
	assert.InDelta(t, 10_000, row.OpsFill, 1e-9)
	assert.InDelta(t, 5_000, row.DSRAFill, 1e-9)
	assert.False(t, row.DSRAFunded)
	assert.Zero(t, row.SeniorAcceleration())
	assert.Zero(t, row.Retained)
	assert.Zero(t, row.Deficit)
}

func TestWaterfall_SweepOnlyWhenDSRAFunded(t *testing.T) {
	// GIVEN: Reserves already at target and a 50% sweep
	// WHEN: 15k remains after debt service
	// THEN: 7.5k accelerates senior and 7.5k is retained while debt is outstanding

	st := newState(stateOpts{opex: opexWith(10, 5_000, 10_000), ops: 10_000, dsra: 80_000})
	w := engine.NewWaterfall(engine.WaterfallTerms{SweepPct: 0.5})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 10),
		EBITDA: 100_000,
		Tax:    5_000,
		Senior: engine.TrancheObligation{Interest: 30_000, Principal: 50_000, Balance: 950_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 10, NextSeniorService: 80_000, SeniorOutstanding: 950_000})

	assert.True(t, row.DSRAFunded)
	assert.InDelta(t, 7_500, row.SeniorAccelSweep, 1e-9)
	assert.InDelta(t, 7_500, row.Retained, 1e-9)
	assert.InDelta(t, 7_500, st.SurplusCash, 1e-9)
}

func TestWaterfall_SweepByRateWithTieBreak(t *testing.T) {
	// GIVEN: Mezz 5% (3k), swap 9% (100k), senior 5% (1M) and a 104k budget
	// WHEN: The sweep runs
	// THEN: Swap is swept first; mezz beats senior on the tie

	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{SweepPct: 1})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 10),
		EBITDA: 104_000,
		Senior: engine.TrancheObligation{Balance: 1_000_000, Rate: 0.05},
		Mezz:   engine.TrancheObligation{Balance: 3_000, Rate: 0.05},
		Swap:   engine.SwapObligation{Balance: 100_000, Rate: 0.09},
	}, engine.AccrualInput{Period: 10})

	assert.InDelta(t, 100_000, row.SwapAccel, 1e-9)
	assert.InDelta(t, 3_000, row.MezzAccel, 1e-9)
	assert.InDelta(t, 1_000, row.SeniorAccelSweep, 1e-9)
}

// =============================================================================
// SPECIAL CASH & CONSTRUCTION
// =============================================================================

func TestWaterfall_SpecialCashAcceleratesSenior(t *testing.T) {
	// GIVEN: A 200k grant in a repayment period with 80k senior service
	// WHEN: The cascade runs
	// THEN: The grant pays the service and accelerates the remaining 120k

	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 8),
		Grants: 200_000,
		Senior: engine.TrancheObligation{Interest: 30_000, Principal: 50_000, Balance: 900_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 8})

	assert.InDelta(t, 80_000, row.SeniorFromSpecial, 1e-9)
	assert.InDelta(t, 120_000, row.SeniorAccelSpecial, 1e-9)
	assert.Zero(t, row.SpecialToNormal)
}

func TestWaterfall_SpecialCashBeyondSeniorJoinsNormalPool(t *testing.T) {
	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 8),
		Grants: 200_000,
		Senior: engine.TrancheObligation{Principal: 50_000, Balance: 100_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 8})

	assert.InDelta(t, 100_000, row.SeniorAccelSpecial, 1e-9)
	assert.InDelta(t, 50_000, row.SpecialToNormal, 1e-9)
}

func TestWaterfall_ConstructionSkipsAcceleration(t *testing.T) {
	// GIVEN: A construction period with a 100k grant, 60k already prepaid by the facility
	// WHEN: The cascade runs with an aggressive sweep
	// THEN: Only the prepayment is booked and the rest is retained

	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{SweepPct: 1})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 2),
		Grants: 100_000,
		Senior: engine.TrancheObligation{Balance: 500_000, Rate: 0.05, Prepaid: 60_000},
	}, engine.AccrualInput{Period: 2})

	assert.InDelta(t, 60_000, row.SeniorAccelSpecial, 1e-9)
	assert.Zero(t, row.SeniorAccelSweep)
	assert.InDelta(t, 40_000, row.Retained, 1e-9)
}

func TestWaterfall_TaxSplitProRata(t *testing.T) {
	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	row := settle(t, w, st, engine.WaterfallInput{
		Period:        periodAt(t, 8),
		EBITDA:        300_000,
		HedgeProceeds: 100_000,
		Tax:           40_000,
		Senior:        engine.TrancheObligation{Balance: 1_000_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 8})

	assert.InDelta(t, 10_000, row.TaxSpecial, 1e-9)
	assert.InDelta(t, 30_000, row.TaxNormal, 1e-9)
}

func TestWaterfall_SpecialOpsPeriod(t *testing.T) {
	special := 9
	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{SpecialOpsPeriod: &special})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 9),
		EBITDA: 50_000,
		Senior: engine.TrancheObligation{Balance: 1_000_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 9})

	assert.InDelta(t, 50_000, row.SpecialCash, 1e-9)
	assert.Zero(t, row.NormalCash)
	assert.InDelta(t, 50_000, row.SeniorAccelSpecial, 1e-9)
}

// =============================================================================
// DEFICITS & OVERDRAFT
// =============================================================================

func TestWaterfall_DeficitRecordedAndPoolFloored(t *testing.T) {
	st := newState(stateOpts{opex: opexWith(10, 5_000, 10_000)})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 10),
		EBITDA: 10_000,
		Senior: engine.TrancheObligation{Interest: 20_000, Principal: 30_000, Balance: 500_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 10})

	assert.InDelta(t, -40_000, row.Deficit, 1e-9)
	assert.InDelta(t, 40_000, row.Unfunded, 1e-9)
	assert.Zero(t, row.OpsFill)
	assert.Zero(t, st.Ops.Balance())
}

func TestWaterfall_BorrowerDrawCoversDeficitThenRepays(t *testing.T) {
	// GIVEN: A 40k deficit and a 50k overdraft draw
	// WHEN: The cascade runs
	// THEN: 40k covers the deficit and the 10k excess repays the overdraft in step 8

	st := newState(stateOpts{role: engine.OverdraftBorrower})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	row := settle(t, w, st, engine.WaterfallInput{
		Period:        periodAt(t, 10),
		EBITDA:        10_000,
		Senior:        engine.TrancheObligation{Interest: 20_000, Principal: 30_000, Balance: 500_000, Rate: 0.05},
		OverdraftDraw: 50_000,
	}, engine.AccrualInput{Period: 10})

	assert.InDelta(t, 40_000, row.DeficitCovered, 1e-9)
	assert.Zero(t, row.Unfunded)
	assert.InDelta(t, 10_000, row.OverdraftRepaid, 1e-9)
	assert.InDelta(t, 40_000, st.Overdraft.Balance(), 1e-9)
}

func TestWaterfall_LenderLendsUpToDemand(t *testing.T) {
	st := newState(stateOpts{role: engine.OverdraftLender})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	row := settle(t, w, st, engine.WaterfallInput{
		Period:          periodAt(t, 10),
		EBITDA:          50_000,
		Senior:          engine.TrancheObligation{Balance: 500_000, Rate: 0.05},
		OverdraftDemand: 20_000,
	}, engine.AccrualInput{Period: 10})

	assert.InDelta(t, 20_000, row.OverdraftLent, 1e-9)
	assert.InDelta(t, 20_000, st.Overdraft.Balance(), 1e-9)
	assert.InDelta(t, 30_000, row.Retained, 1e-9)
}

func TestWaterfall_LenderCollectsRepaymentsAfterLending(t *testing.T) {
	// GIVEN: A lender that lent 20k, then is paid back 5k and later 30k
	// WHEN: The cascade runs over three periods
	// THEN: Receipts reduce the receivable (after 8% interest), join the
	//       pool, and never exceed what is owed

	st := newState(stateOpts{role: engine.OverdraftLender})
	w := engine.NewWaterfall(engine.WaterfallTerms{})
	senior := engine.TrancheObligation{Balance: 500_000, Rate: 0.05}

	settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 10), EBITDA: 50_000, Senior: senior, OverdraftDemand: 20_000,
	}, engine.AccrualInput{Period: 10})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 11), EBITDA: 10_000, Senior: senior, OverdraftReceipt: 5_000,
	}, engine.AccrualInput{Period: 11})
	assert.InDelta(t, 5_000, row.OverdraftReceived, 1e-9)
	assert.InDelta(t, 15_800, st.Overdraft.Balance(), 1e-9)
	assert.InDelta(t, 15_000, row.Retained, 1e-9)

	row = settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 12), Senior: senior, OverdraftReceipt: 30_000,
	}, engine.AccrualInput{Period: 12})
	assert.InDelta(t, 15_800*1.04, row.OverdraftReceived, 1e-6)
	assert.Zero(t, st.Overdraft.Balance())
}

func TestWaterfall_NoSignedZeroInOverdraftColumns(t *testing.T) {
	// GIVEN: A lender whose demand is a negated zero deficit, and a
	//        borrower with neither a deficit nor a draw
	// WHEN: The cascade runs
	// THEN: Every overdraft and deficit column is +0 and serialises as 0

	lender := newState(stateOpts{role: engine.OverdraftLender})
	borrower := newState(stateOpts{role: engine.OverdraftBorrower})
	plain := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{})
	negZero := math.Copysign(0, -1)

	rows := []engine.WaterfallRow{
		settle(t, w, lender, engine.WaterfallInput{
			Period: periodAt(t, 10), EBITDA: 1_000, OverdraftDemand: negZero,
		}, engine.AccrualInput{Period: 10}),
		settle(t, w, borrower, engine.WaterfallInput{
			Period: periodAt(t, 10), EBITDA: 1_000, OverdraftDraw: negZero,
		}, engine.AccrualInput{Period: 10}),
		settle(t, w, plain, engine.WaterfallInput{
			Period: periodAt(t, 10), EBITDA: 1_000,
		}, engine.AccrualInput{Period: 10}),
	}
	for i, row := range rows {
		for name, v := range map[string]float64{
			"lent": row.OverdraftLent, "drawn": row.OverdraftDrawn,
			"covered": row.DeficitCovered, "unfunded": row.Unfunded,
		} {
			assert.False(t, math.Signbit(v), "row %d %s", i, name)
		}
		data, err := json.Marshal(row)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "-0", "row %d", i)
	}
}

// =============================================================================
// MEZZ DIVIDEND, FIXED DEPOSIT, DIVIDENDS
// =============================================================================

func TestWaterfall_MezzDividendPaidWhenMezzRepaid(t *testing.T) {
	st := newState(stateOpts{mezzGapRate: 0.04})
	w := engine.NewWaterfall(engine.WaterfallTerms{})

	// period 8: mezz outstanding, reserve filled
	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 8),
		EBITDA: 100_000,
		Senior: engine.TrancheObligation{Balance: 500_000, Rate: 0.05},
		Mezz:   engine.TrancheObligation{Balance: 1_000_000, Rate: 0.1},
	}, engine.AccrualInput{Period: 8, MezzOpening: 1_000_000})
	assert.InDelta(t, 20_000, row.MezzDivFill, 1e-9)

	// period 9: mezz repaid in full this period
	row = settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 9),
		EBITDA: 1_100_000,
		Senior: engine.TrancheObligation{Balance: 500_000, Rate: 0.05},
		Mezz:   engine.TrancheObligation{Principal: 1_000_000, Balance: 0, Rate: 0.1},
	}, engine.AccrualInput{Period: 9, MezzOpening: 1_000_000})
	assert.InDelta(t, 20_000, row.MezzDivPayout, 1e-9, "pays the funded balance")
	assert.False(t, st.MezzDiv.Enabled())
	assert.InDelta(t, 20_000, st.CumulativeMezzPayouts, 1e-9)
}

func TestWaterfall_DebtFreeFundsDepositAndPaysDividends(t *testing.T) {
	// GIVEN: All debt repaid, 5k retained from earlier and a 50% dividend policy
	// WHEN: 30k remains
	// THEN: Surplus and residual move to the fixed deposit; half of it is paid out

	st := newState(stateOpts{})
	st.SurplusCash = 5_000
	w := engine.NewWaterfall(engine.WaterfallTerms{DividendPct: 0.5, DividendRequiresDebtFree: true})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 19),
		EBITDA: 30_000,
	}, engine.AccrualInput{Period: 19})

	assert.True(t, row.DebtFree)
	assert.InDelta(t, 5_000, row.SurplusToFD, 1e-9)
	assert.InDelta(t, 30_000, row.FDFill, 1e-9)
	assert.InDelta(t, 17_500, row.Dividend, 1e-9)
	assert.InDelta(t, 17_500, st.FD.Balance(), 1e-9)
	assert.Zero(t, st.SurplusCash)
}

func TestWaterfall_NoDividendWhileIndebted(t *testing.T) {
	st := newState(stateOpts{})
	w := engine.NewWaterfall(engine.WaterfallTerms{DividendPct: 1, DividendRequiresDebtFree: true})

	row := settle(t, w, st, engine.WaterfallInput{
		Period: periodAt(t, 12),
		EBITDA: 30_000,
		Senior: engine.TrancheObligation{Balance: 10_000, Rate: 0.05},
	}, engine.AccrualInput{Period: 12})

	assert.False(t, row.DebtFree)
	assert.Zero(t, row.Dividend)
}

func TestWaterfall_ConservationWithInterestAndEverything(t *testing.T) {
	// GIVEN: Deposit interest, a borrower overdraft, mezz, swap and special cash
	// WHEN: Several periods settle
	// THEN: The conservation identity holds every period (checked by settle)

	st := newState(stateOpts{role: engine.OverdraftBorrower, opex: opexWith(6, 8_000, 9_000, 9_500, 10_000),
		depositRate: 0.03, ops: 2_000, dsra: 40_000, mezzGapRate: 0.02})
	w := engine.NewWaterfall(engine.WaterfallTerms{SweepPct: 0.6, DividendPct: 0.25, DividendStart: 6})

	inputs := []float64{20_000, 150_000, 90_000}
	for i, ebitda := range inputs {
		p := 6 + i
		settle(t, w, st, engine.WaterfallInput{
			Period:        periodAt(t, p),
			EBITDA:        ebitda,
			Tax:           ebitda * 0.1,
			Grants:        float64(i) * 15_000,
			HedgeProceeds: 5_000,
			Senior:        engine.TrancheObligation{Interest: 12_000, Principal: 25_000, Balance: 400_000, Rate: 0.06},
			Mezz:          engine.TrancheObligation{Interest: 5_000, Principal: 10_000, Balance: 90_000, Rate: 0.11},
			Swap:          engine.SwapObligation{Interest: 2_000, Principal: 4_000, Balance: 30_000, Rate: 0.07},
			OverdraftDraw: 12_000,
		}, engine.AccrualInput{Period: p, NextSeniorService: 37_000, SeniorOutstanding: 400_000, MezzOpening: 100_000})

		assert.GreaterOrEqual(t, st.Ops.Balance(), 0.0)
		assert.GreaterOrEqual(t, st.DSRA.Balance(), 0.0)
		assert.GreaterOrEqual(t, st.FD.Balance(), 0.0)
		assert.GreaterOrEqual(t, st.MezzDiv.Balance(), 0.0)
		assert.GreaterOrEqual(t, st.Overdraft.Balance(), 0.0)
	}
}
