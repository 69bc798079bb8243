/*
Package audit reconciles engine output against the identities it must obey.

PURPOSE:
  Every check compares an expected value with the value the engine produced
  and records the delta. Checks fall in two classes:

  ARITHMETIC - the engine got a sum wrong
    conservation          cash balances move by exactly the period's net flows
    full_amortization     senior and mezzanine close at zero
    acceleration_bounds   0 <= acceleration <= pre-acceleration balance
    reserve_non_negative  no reserve or surplus balance below zero
    tax_non_negative      tax >= 0, loss pool <= 0
    annual_rollup         flows sum, stocks take the last half, flags OR
    ic_interest           holding IC income = subsidiaries' interest (per year)
    ic_overdraft          lender receivable = borrower payable (per period),
                          lender income = borrower expense (per year)

  MODEL DESIGN - the model is internally consistent but leaves a known gap
    equity_bridge         retained earnings vs cumulative PAT + grants - dividends
    dsra_movements        DSRA balance vs cumulative fills and releases

  A failed arithmetic check is a bug. A failed design check documents a
  simplification (grants bypass the P&L, reserve interest is not a cash-flow
  movement) and is reported as a gap.

TOLERANCES:
  engine.BalanceEpsilon for per-period identities, engine.MaterialityThreshold
  for annual intercompany totals and design checks.

SEE ALSO:
  - engine/waterfall.go: Conservation identity
  - engine/annual.go: Roll-up classification
*/
package audit

import (
	"fmt"
	"math"
	"reflect"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/engine"
)

type Class string

const (
	Arithmetic  Class = "arithmetic"
	ModelDesign Class = "model_design"
)

// Check is one (expected, actual, delta, passed) tuple.
type Check struct {
	Name     string          `json:"name"`
	Class    Class           `json:"class"`
	Entity   engine.EntityID `json:"entity,omitempty"`
	Period   *int            `json:"period,omitempty"`
	Year     *int            `json:"year,omitempty"`
	Expected float64         `json:"expected"`
	Actual   float64         `json:"actual"`
	Delta    decimal.Decimal `json:"delta"`
	Passed   bool            `json:"passed"`
	Note     string          `json:"note,omitempty"`
}

type Report struct {
	Scenario           string  `json:"scenario"`
	Checks             []Check `json:"checks"`
	ArithmeticFailures int     `json:"arithmetic_failures"`
	DesignGaps         int     `json:"design_gaps"`
}

// OK reports whether no arithmetic check failed.
func (r *Report) OK() bool { return r.ArithmeticFailures == 0 }

// Failures returns the checks that did not pass.
func (r *Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) add(c Check, tolerance float64) {
	diff := c.Actual - c.Expected
	c.Delta = decimal.NewFromFloat(diff).Round(4)
	c.Passed = math.Abs(diff) <= tolerance
	if !c.Passed {
		switch c.Class {
		case Arithmetic:
			r.ArithmeticFailures++
		case ModelDesign:
			r.DesignGaps++
		}
	}
	r.Checks = append(r.Checks, c)
}

func intp(v int) *int { return &v }

// =============================================================================
// RUN
// =============================================================================

// Run audits a model result against the scenario that produced it.
func Run(sc engine.Scenario, res *engine.ModelResult) (*Report, error) {
	tl, err := engine.NewTimeline(sc.TimelineOrDefault())
	if err != nil {
		return nil, err
	}
	r := &Report{Scenario: res.Scenario}
	for _, e := range res.Ordered() {
		if e == nil {
			return nil, fmt.Errorf("%w: missing entity result", engine.ErrUnknownEntity)
		}
		cfg, ok := sc.Entity(e.Entity)
		if !ok {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownEntity, e.Entity)
		}
		conservation(r, e, cfg)
		amortization(r, e)
		accelerationBounds(r, e)
		nonNegative(r, e)
		if err := annualRollup(r, tl, e); err != nil {
			return nil, err
		}
		equityBridge(r, e)
		dsraMovements(r, e, cfg)
	}
	if res.Holding != nil {
		icInterest(r, res)
	}
	icOverdraft(r, res)
	return r, nil
}

// =============================================================================
// ARITHMETIC CHECKS
// =============================================================================

func conservation(r *Report, e *engine.EntityResult, cfg engine.EntityConfig) {
	prev := cfg.Reserves.OpsOpening + cfg.Reserves.DSRAOpening + cfg.Reserves.FDOpening
	for _, pr := range e.Periods {
		row := pr.Row
		sources := row.EBITDA + row.Grants + row.MezzDrawdown + row.HedgeProceeds + row.SeniorDrawdown + row.OverdraftDrawn
		accel := row.SeniorAcceleration + row.MezzAcceleration + row.SwapAcceleration + row.OverdraftAcceleration
		expected := sources - row.Capex - row.Tax - row.DebtService - accel -
			row.OverdraftLent - row.OverdraftRepaid + row.OverdraftReceived + row.UnfundedDeficit +
			row.ReserveInterest - row.MezzDivPayout - row.Dividends

		r.add(Check{
			Name:     "conservation",
			Class:    Arithmetic,
			Entity:   e.Entity,
			Period:   intp(pr.Period.Index),
			Expected: expected,
			Actual:   row.CashBalances() - prev,
		}, engine.BalanceEpsilon)
		prev = row.CashBalances()
	}
}

func amortization(r *Report, e *engine.EntityResult) {
	for _, s := range []struct {
		name  string
		sched engine.FacilitySchedule
	}{{"senior", e.Senior}, {"mezz", e.Mezz}} {
		if len(s.sched) == 0 {
			continue
		}
		last := s.sched[len(s.sched)-1]
		r.add(Check{
			Name:   "full_amortization",
			Class:  Arithmetic,
			Entity: e.Entity,
			Period: intp(last.Period),
			Actual: last.Closing,
			Note:   s.name,
		}, engine.BalanceEpsilon)
	}
}

// accelerationBounds records the worst violation across both tranches.
func accelerationBounds(r *Report, e *engine.EntityResult) {
	worst := 0.0
	for _, sched := range []engine.FacilitySchedule{e.Senior, e.Mezz} {
		for _, row := range sched {
			if row.Acceleration < 0 {
				worst = math.Min(worst, row.Acceleration)
			}
			if over := row.Acceleration - row.PreAccelClosing; over > 0 {
				worst = math.Min(worst, -over)
			}
		}
	}
	r.add(Check{Name: "acceleration_bounds", Class: Arithmetic, Entity: e.Entity, Actual: worst}, engine.BalanceEpsilon)
}

func nonNegative(r *Report, e *engine.EntityResult) {
	reserves, tax := 0.0, 0.0
	for _, pr := range e.Periods {
		row := pr.Row
		for _, b := range []float64{row.OpsReserveBalance, row.DSRABalance, row.FDBalance, row.MezzDivBalance, row.SurplusCash} {
			reserves = math.Min(reserves, b)
		}
		tax = math.Min(tax, row.Tax)
		tax = math.Min(tax, -row.TaxLossPool)
	}
	r.add(Check{Name: "reserve_non_negative", Class: Arithmetic, Entity: e.Entity, Actual: reserves}, engine.BalanceEpsilon)
	r.add(Check{Name: "tax_non_negative", Class: Arithmetic, Entity: e.Entity, Actual: tax}, engine.BalanceEpsilon)
}

// annualRollup recomputes every classified Row field of every year from the
// period rows and records the largest deviation per year.
func annualRollup(r *Report, tl *engine.Timeline, e *engine.EntityResult) error {
	if len(e.Annual) != tl.Years() || len(e.Periods) != tl.Len() {
		return fmt.Errorf("%w: %s has %d periods and %d years", engine.ErrPeriodOutOfRange, e.Entity, len(e.Periods), len(e.Annual))
	}
	rowType := reflect.TypeOf(engine.Row{})
	for y, a := range e.Annual {
		first, second := tl.PeriodsOfYear(y)
		p1 := reflect.ValueOf(e.Periods[first].Row)
		p2 := reflect.ValueOf(e.Periods[second].Row)
		got := reflect.ValueOf(a.Row)

		worst, field := 0.0, ""
		for i := 0; i < rowType.NumField(); i++ {
			name := rowType.Field(i).Name
			class, ok := engine.ClassOf(name)
			if !ok {
				return fmt.Errorf("%w: %s", engine.ErrSchemaMismatch, name)
			}
			var dev float64
			switch class {
			case engine.Flow:
				dev = got.Field(i).Float() - (p1.Field(i).Float() + p2.Field(i).Float())
			case engine.Stock:
				dev = got.Field(i).Float() - p2.Field(i).Float()
			case engine.Flag:
				if got.Field(i).Bool() != (p1.Field(i).Bool() || p2.Field(i).Bool()) {
					dev = 1
				}
			}
			if math.Abs(dev) > math.Abs(worst) {
				worst, field = dev, name
			}
		}
		r.add(Check{
			Name:   "annual_rollup",
			Class:  Arithmetic,
			Entity: e.Entity,
			Year:   intp(a.Year),
			Actual: worst,
			Note:   field,
		}, engine.BalanceEpsilon)
	}
	return nil
}

func icInterest(r *Report, res *engine.ModelResult) {
	for y, h := range res.Holding.Annual {
		expected := 0.0
		for _, e := range res.Ordered() {
			if y < len(e.Annual) {
				expected += e.Annual[y].SeniorInterest + e.Annual[y].MezzInterest
			}
		}
		r.add(Check{
			Name:     "ic_interest",
			Class:    Arithmetic,
			Entity:   res.Holding.Entity,
			Year:     intp(h.Year),
			Expected: expected,
			Actual:   h.ICSeniorInterest + h.ICMezzInterest,
		}, engine.MaterialityThreshold)
	}
}

// icOverdraft compares both sides of the intercompany overdraft. Results
// without a lender and a borrower have nothing to compare.
func icOverdraft(r *Report, res *engine.ModelResult) {
	var lender, borrower *engine.EntityResult
	for _, e := range res.Ordered() {
		switch e.Overdraft {
		case engine.OverdraftLender:
			lender = e
		case engine.OverdraftBorrower:
			borrower = e
		}
	}
	if lender == nil || borrower == nil {
		return
	}
	for p := range lender.Periods {
		if p >= len(borrower.Periods) {
			break
		}
		r.add(Check{
			Name:     "ic_overdraft",
			Class:    Arithmetic,
			Entity:   lender.Entity,
			Period:   intp(lender.Periods[p].Period.Index),
			Expected: borrower.Periods[p].Row.OverdraftBalance,
			Actual:   lender.Periods[p].Row.OverdraftBalance,
			Note:     "balance",
		}, engine.MaterialityThreshold)
	}
	for y := range lender.Annual {
		if y >= len(borrower.Annual) {
			break
		}
		r.add(Check{
			Name:     "ic_overdraft",
			Class:    Arithmetic,
			Entity:   lender.Entity,
			Year:     intp(lender.Annual[y].Year),
			Expected: borrower.Annual[y].OverdraftInterest,
			Actual:   lender.Annual[y].OverdraftInterest,
			Note:     "interest",
		}, engine.MaterialityThreshold)
	}
}

// =============================================================================
// MODEL-DESIGN CHECKS
// =============================================================================

// equityBridge compares retained earnings with cumulative PAT plus grants
// less dividends. Grants are cash but never pass through the P&L, so any
// grant shows up as the gap.
func equityBridge(r *Report, e *engine.EntityResult) {
	if len(e.Periods) == 0 {
		return
	}
	pat, grants, dividends := 0.0, 0.0, 0.0
	for _, pr := range e.Periods {
		pat += pr.Row.PAT
		grants += pr.Row.Grants
		dividends += pr.Row.Dividends
	}
	last := e.Periods[len(e.Periods)-1]
	r.add(Check{
		Name:     "equity_bridge",
		Class:    ModelDesign,
		Entity:   e.Entity,
		Period:   intp(last.Period.Index),
		Expected: pat + grants - dividends,
		Actual:   last.Row.RetainedEarnings,
		Note:     "grants are booked as cash, not income",
	}, engine.MaterialityThreshold)
}

// dsraMovements compares the DSRA balance with its cash-flow movements.
// Deposit interest stays in the account without a fill, so it is the gap.
func dsraMovements(r *Report, e *engine.EntityResult, cfg engine.EntityConfig) {
	if len(e.Periods) == 0 {
		return
	}
	expected := cfg.Reserves.DSRAOpening
	for _, pr := range e.Periods {
		expected += pr.Row.DSRAFill - pr.Row.DSRARelease
	}
	last := e.Periods[len(e.Periods)-1]
	r.add(Check{
		Name:     "dsra_movements",
		Class:    ModelDesign,
		Entity:   e.Entity,
		Period:   intp(last.Period.Index),
		Expected: expected,
		Actual:   last.Row.DSRABalance,
		Note:     "reserve interest accrues without a cash-flow line",
	}, engine.MaterialityThreshold)
}
