package engine_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/finance-engine/engine"
)

func TestOperatingReserve_TargetIsNextOpex(t *testing.T) {
	opex := []float64{100, 120, 130, 0, 150, 160}
	r := engine.NewOperatingReserve(0.02, opex, 0)

	assert.Equal(t, 120.0, r.Target(0))
	assert.Equal(t, 130.0, r.Target(1))
}

func TestOperatingReserve_GapPeriodLooksTwoAhead(t *testing.T) {
	// GIVEN: No opex in period 3
	// WHEN: Sizing the reserve in period 3
	// THEN: It targets period 5, not period 4

	opex := []float64{100, 120, 130, 0, 150, 160}
	r := engine.NewOperatingReserve(0.02, opex, 0)

	assert.Equal(t, 160.0, r.Target(3))
	assert.Zero(t, r.Target(5), "beyond the horizon")
}

func TestOperatingReserve_AccrueInterestThenGap(t *testing.T) {
	r := engine.NewOperatingReserve(0.04, []float64{100, 300}, 200)

	acc := r.Accrue(engine.AccrualInput{Period: 0})

	assert.InDelta(t, 4, acc.Interest, 1e-9)
	assert.InDelta(t, 204, acc.AfterInterest, 1e-9)
	assert.InDelta(t, 96, acc.Gap, 1e-9)
	assert.Zero(t, acc.Excess)
	assert.InDelta(t, 204, r.Balance(), 1e-9)
}

func TestDebtServiceReserve_TargetCappedAtOutstanding(t *testing.T) {
	r := engine.NewDebtServiceReserve(0, 0)

	acc := r.Accrue(engine.AccrualInput{NextSeniorService: 500, SeniorOutstanding: 300})
	assert.Equal(t, 300.0, acc.Target)
	assert.Equal(t, 300.0, acc.Gap)
}

func TestDebtServiceReserve_ExcessAndRelease(t *testing.T) {
	r := engine.NewDebtServiceReserve(0, 1000)

	acc := r.Accrue(engine.AccrualInput{NextSeniorService: 400, SeniorOutstanding: 5000})
	assert.Equal(t, 600.0, acc.Excess)

	released := r.Release(acc.Excess)
	assert.Equal(t, 600.0, released)
	assert.Equal(t, 400.0, r.Balance())
}

func TestReserves_NeverNegative(t *testing.T) {
	// GIVEN: Each reserve with a small balance (the operating reserve opened negative)
	// WHEN: Filling negative amounts and withdrawing more than held
	// THEN: Balances stay at or above zero

	ops := engine.NewOperatingReserve(0, nil, -10)
	dsra := engine.NewDebtServiceReserve(0, 10)
	fd := engine.NewFixedDeposit(0, 10)
	od := engine.NewOverdraft(engine.OverdraftBorrower, 0.08, 10)

	for _, r := range []engine.Reserve{ops, dsra, fd, od} {
		assert.Zero(t, r.Fill(-50), "%s", r.Kind())
	}
	assert.Equal(t, 10.0, dsra.Release(50))
	assert.Equal(t, 10.0, fd.Withdraw(50))
	assert.Equal(t, 10.0, od.Repay(50))

	for _, r := range []engine.Reserve{ops, dsra, fd, od} {
		assert.Zero(t, r.Balance(), "%s", r.Kind())
	}
}

func TestOperatingReserve_OnlyDSRAReleases(t *testing.T) {
	// GIVEN: The operating reserve and the DSRA
	// WHEN: Looking up a Release operation
	// THEN: Only the DSRA exposes one; the operating reserve is fill-only

	_, opsHas := reflect.TypeOf(&engine.OperatingReserve{}).MethodByName("Release")
	_, dsraHas := reflect.TypeOf(&engine.DebtServiceReserve{}).MethodByName("Release")
	assert.False(t, opsHas)
	assert.True(t, dsraHas)
}

func TestMezzDividendReserve_PayoutOnceThenDisabled(t *testing.T) {
	// GIVEN: Mezzanine outstanding at 1,000,000 with a 4% gap rate
	// WHEN: The reserve accrues, is filled, and pays out
	// THEN: It pays the balance once and never accepts cash again

	r := engine.NewMezzDividendReserve(0, 0.04)

	acc := r.Accrue(engine.AccrualInput{MezzOpening: 1_000_000})
	assert.InDelta(t, 20_000, acc.Target, 1e-9)
	assert.InDelta(t, 20_000, r.Fill(acc.Gap), 1e-9)
	assert.True(t, r.Activated())

	assert.InDelta(t, 20_000, r.Payout(), 1e-9)
	assert.False(t, r.Enabled())
	assert.Zero(t, r.Payout())
	assert.Zero(t, r.Fill(100))

	acc = r.Accrue(engine.AccrualInput{MezzOpening: 1_000_000})
	assert.Zero(t, acc.Target)
	assert.Zero(t, r.Liability())
}

func TestOverdraft_InterestCapitalisedBeforeDraw(t *testing.T) {
	od := engine.NewOverdraft(engine.OverdraftBorrower, 0.10, 1000)

	acc := od.Accrue(engine.AccrualInput{})
	assert.InDelta(t, 50, acc.Interest, 1e-9)

	od.Draw(500)
	assert.InDelta(t, 1550, od.Balance(), 1e-9)
	assert.Equal(t, engine.OverdraftBorrower, od.Role())
}
