package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/finance-engine/engine"
)

func TestPnL_LossPoolCarriedForward(t *testing.T) {
	// GIVEN: A 100 loss followed by a 300 profit at 25% tax
	// WHEN: Computing both periods
	// THEN: Only 200 is taxed in the second period

	first := engine.ComputePnL(engine.PnLInput{Revenue: 100, Opex: 200, TaxRate: 0.25})
	assert.Zero(t, first.Tax)
	assert.Equal(t, -100.0, first.LossPoolOut)

	second := engine.ComputePnL(engine.PnLInput{Revenue: 500, Opex: 200, TaxRate: 0.25, LossPool: first.LossPoolOut})
	assert.Equal(t, 200.0, second.Taxable)
	assert.Equal(t, 50.0, second.Tax)
	assert.Zero(t, second.LossPoolOut)
	assert.Equal(t, 250.0, second.PAT)
}

func TestPnL_TaxNeverNegative(t *testing.T) {
	for _, pbt := range []float64{-1e6, -1, 0, 1, 1e6} {
		r := engine.ComputePnL(engine.PnLInput{Revenue: pbt, TaxRate: 0.3, LossPool: -500})
		assert.GreaterOrEqual(t, r.Tax, 0.0, "pbt %v", pbt)
		assert.LessOrEqual(t, r.LossPoolOut, 0.0, "pbt %v", pbt)
	}
}

func TestPnL_InterestFlowsThroughPBT(t *testing.T) {
	r := engine.ComputePnL(engine.PnLInput{
		Revenue:         1000,
		Opex:            400,
		InterestExpense: 150,
		InterestIncome:  10,
	})
	assert.Equal(t, 600.0, r.EBITDA)
	assert.Equal(t, 460.0, r.PBT)
}

func TestDepreciation_AcceleratedProfile(t *testing.T) {
	// GIVEN: Base 1,000,000, 60% accelerated, COD at period 5
	// WHEN: Charging periods 6 through 13
	// THEN: 40/20/20/20 by year, split across each year's two halves

	d := engine.DepreciationTerms{Base: 1_000_000, AcceleratedShare: 0.6, StraightLineYears: 20, CODPeriod: 5}

	acc, sl := d.Charge(5)
	assert.Zero(t, acc)
	assert.Zero(t, sl)

	expected := []float64{120_000, 120_000, 60_000, 60_000, 60_000, 60_000, 60_000, 60_000}
	total := 0.0
	for i, want := range expected {
		acc, sl := d.Charge(6 + i)
		assert.InDelta(t, want, acc, 1e-6, "period %d", 6+i)
		assert.InDelta(t, 400_000.0/40, sl, 1e-6, "period %d", 6+i)
		total += acc
	}
	assert.InDelta(t, 600_000, total, 1e-6)

	acc, _ = d.Charge(14)
	assert.Zero(t, acc)
}
