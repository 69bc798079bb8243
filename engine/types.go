/*
Package engine provides the core per-period settlement engine.

PURPOSE:
  This package contains the stateful pieces that settle one project-finance
  structure period by period: the facility amortization state machine, the
  reserve accounts, the P&L calculator, the cash-allocation waterfall, the
  entity loop that drives them, the annual roll-up and the orchestrator that
  composes independent entities into a consolidated result.

KEY CONCEPTS IN THIS FILE (types.go):
  - EntityID / Tranche: Type-safe identifiers
  - BalanceEpsilon: Balances at or below one cent are treated as zero
  - Round2 / Money: Cent rounding at the edges (decimal-backed)

DESIGN PRINCIPLES:
  1. Single pass: Every period is settled exactly once, in order
  2. No globals: The Timeline is built explicitly and passed to every component
  3. Clamp, don't propagate: Near-zero balances and empty schedules yield zero,
     never NaN or Inf
  4. Auditability: Every cash movement lands in a row field

USAGE:
  tl, _ := engine.NewTimeline(engine.DefaultTimelineConfig())
  orch, _ := engine.NewOrchestrator(logger)
  result, err := orch.Run(ctx, scenario)

SEE ALSO:
  - facility.go: Senior/mezzanine amortization
  - waterfall.go: Cash allocation cascade
  - orchestrator.go: Three-pass composition
*/
package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string

// Tranche identifies one debt instrument of an entity.
type Tranche string

const (
	TrancheSenior Tranche = "senior"
	TrancheMezz   Tranche = "mezz"
)

// =============================================================================
// NUMERIC POLICY
// =============================================================================

const (
	// BalanceEpsilon is the "effectively zero" threshold for balances.
	BalanceEpsilon = 0.01

	// MaterialityThreshold gates intercompany correction re-runs.
	MaterialityThreshold = 1.0
)

// Round2 rounds to cents, half away from zero.
func Round2(v float64) float64 {
	return Money(v).InexactFloat64()
}

// Money converts an engine amount into a cent-rounded decimal.
func Money(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(2)
}

func nearZero(v float64) bool { return math.Abs(v) <= BalanceEpsilon }

// nonNeg floors at zero; it also maps -0 to 0 so no signed zero reaches the rows.
func nonNeg(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return v
}

// clampRange bounds v to [0, hi]; a negative hi yields 0.
func clampRange(v, hi float64) float64 {
	if hi <= 0 || v <= 0 {
		return 0
	}
	return min(v, hi)
}

// safeDiv returns 0 instead of Inf/NaN for a zero denominator.
func safeDiv(num, den float64) float64 {
	if den == 0 || math.Abs(den) < 1e-12 {
		return 0
	}
	return num / den
}

func sum(v []float64) float64 {
	total := 0.0
	for _, x := range v {
		total += x
	}
	return total
}

func at(v []float64, i int) float64 {
	if i < 0 || i >= len(v) {
		return 0
	}
	return v[i]
}
