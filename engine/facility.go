/*
facility.go - Senior/mezzanine amortization state machine

PURPOSE:
  Tracks one debt tranche of one entity across the timeline. Construction
  periods are resolved eagerly as a batch because nothing downstream can
  change them. Every later period goes through a two-phase protocol so the
  waterfall can decide acceleration between computing and committing:

    row, _ := f.Compute(p)          // pure: opening, interest, scheduled principal
    ... waterfall decides accel ...
    final, _ := f.Finalize(p, accel) // commit: closing = pre-accel closing - accel

STATE MACHINE:
  construction batch ──► [Compute(p) ──► Finalize(p)]* ──► exhausted

  - Compute must precede Finalize for the same period (ErrComputeRequired)
  - Periods are committed strictly in order (ErrPeriodOutOfOrder)
  - Compute is side-effect free; calling it twice returns the same row

AMORTIZATION:
  flat = balance at first repayment / repayments
  principal = min(flat, opening + draw), and the last scheduled repayment
  takes the whole balance so the facility always reaches zero on schedule.
  After an acceleration the flat principal is re-spread over the repayments
  left.

SEE ALSO:
  - waterfall.go: Decides acceleration
  - reserve.go: DSRA targets the projected next service
*/
package engine

import "fmt"

// =============================================================================
// TERMS
// =============================================================================

// FacilityTerms are the entity-level terms of one tranche.
type FacilityTerms struct {
	Tranche    Tranche `json:"tranche"`
	Principal  float64 `json:"principal"` // entity principal (share of facility total)
	Share      float64 `json:"share"`     // entity's pro-rata share of the facility
	Rate       float64 `json:"rate"`      // annual, effective for this entity
	Repayments int     `json:"repayments"`

	// Drawdowns are facility-wide amounts per period; the entity draws Share of each.
	// Empty means the whole Principal is drawn in period 0.
	Drawdowns []float64 `json:"drawdowns,omitempty"`

	// GrantPrepayments maps a construction period to a grant applied against the balance.
	GrantPrepayments map[int]float64 `json:"grant_prepayments,omitempty"`

	// FirstRepayment overrides the first amortizing period. Zero means the first
	// repayment-phase period of the timeline.
	FirstRepayment int `json:"first_repayment,omitempty"`
}

// Validate checks terms against the timeline. Field names are relative to the tranche.
func (t FacilityTerms) Validate(tl *Timeline) error {
	field := func(name string) string { return string(t.Tranche) + "." + name }

	if t.Principal == 0 {
		return missingField("", field("principal"))
	}
	if t.Principal < 0 {
		return invalidField("", field("principal"), "must be > 0")
	}
	if t.Rate == 0 {
		return missingField("", field("rate"))
	}
	if t.Rate < 0 {
		return invalidField("", field("rate"), "must be > 0")
	}
	if t.Share <= 0 || t.Share > 1 {
		return invalidField("", field("share"), "must be in (0, 1]")
	}
	if t.Repayments <= 0 {
		return missingField("", field("repayments"))
	}
	first := t.firstRepayment(tl)
	if first < tl.FirstRepayment() {
		return invalidField("", field("first_repayment"), "cannot fall inside construction")
	}
	if first+t.Repayments > tl.Len() {
		return invalidField("", field("repayments"),
			fmt.Sprintf("%d repayments from period %d exceed the %d-period horizon", t.Repayments, first, tl.Len()))
	}
	if len(t.Drawdowns) > tl.Len() {
		return invalidField("", field("drawdowns"), "longer than the timeline")
	}
	for i, d := range t.Drawdowns {
		if d < 0 {
			return invalidField("", field("drawdowns"), fmt.Sprintf("negative draw at period %d", i))
		}
	}
	if len(t.Drawdowns) > 0 {
		drawn := sum(t.Drawdowns) * t.Share
		if !withinTolerance(drawn, t.Principal, MaterialityThreshold) {
			return invalidField("", field("principal"),
				fmt.Sprintf("%.2f does not match share of drawdowns %.2f", t.Principal, drawn))
		}
	}
	for p, amt := range t.GrantPrepayments {
		if !tl.IsConstruction(p) {
			return invalidField("", field("grant_prepayments"), fmt.Sprintf("period %d is not a construction period", p))
		}
		if amt < 0 {
			return invalidField("", field("grant_prepayments"), fmt.Sprintf("negative grant at period %d", p))
		}
	}
	return nil
}

func (t FacilityTerms) firstRepayment(tl *Timeline) int {
	if t.FirstRepayment > 0 {
		return t.FirstRepayment
	}
	return tl.FirstRepayment()
}

func (t FacilityTerms) draw(p int) float64 {
	if len(t.Drawdowns) == 0 {
		if p == 0 {
			return t.Principal
		}
		return 0
	}
	return at(t.Drawdowns, p) * t.Share
}

func withinTolerance(a, b, tol float64) bool {
	d := a - b
	return d <= tol && d >= -tol
}

// =============================================================================
// SCHEDULE ROWS
// =============================================================================

// FacilityPeriod is one committed (or computed) row of a tranche.
type FacilityPeriod struct {
	Period          int     `json:"period"`
	Opening         float64 `json:"opening"`
	Drawdown        float64 `json:"drawdown"`
	Interest        float64 `json:"interest"` // accrued
	IDC             float64 `json:"idc"`      // capitalised part of Interest
	Principal       float64 `json:"principal"`
	PreAccelClosing float64 `json:"pre_accel_closing"`
	Acceleration    float64 `json:"acceleration"`
	Closing         float64 `json:"closing"`

	Construction bool `json:"construction"`
	Amortizing   bool `json:"amortizing"` // a scheduled repayment period
	FinalPayment bool `json:"final_payment"`
}

// ExpensedInterest is the part of accrued interest paid in cash.
func (r FacilityPeriod) ExpensedInterest() float64 { return r.Interest - r.IDC }

// Service is the scheduled cash debt service of the row.
func (r FacilityPeriod) Service() float64 { return r.ExpensedInterest() + r.Principal }

// FacilitySchedule is the committed history of a tranche.
type FacilitySchedule []FacilityPeriod

// ClosingAt returns the closing balance at period p, or 0 outside the schedule.
func (s FacilitySchedule) ClosingAt(p int) float64 {
	if p < 0 || p >= len(s) {
		return 0
	}
	return s[p].Closing
}

func (s FacilitySchedule) TotalInterest() float64 {
	total := 0.0
	for _, r := range s {
		total += r.Interest
	}
	return total
}

// =============================================================================
// FACILITY
// =============================================================================

// Facility is the stateful tranche. Not safe for concurrent use; each entity
// loop owns its own facilities.
type Facility struct {
	terms    FacilityTerms
	timeline *Timeline
	first    int

	balance        float64
	flat           float64
	flatSet        bool
	repaymentsDone int

	committed []FacilityPeriod
	pending   *pendingRow
	next      int
}

type pendingRow struct {
	row  FacilityPeriod
	flat float64
}

// NewFacility validates terms and resolves the construction batch.
func NewFacility(tl *Timeline, terms FacilityTerms) (*Facility, error) {
	if err := terms.Validate(tl); err != nil {
		return nil, err
	}
	f := &Facility{
		terms:     terms,
		timeline:  tl,
		first:     terms.firstRepayment(tl),
		committed: make([]FacilityPeriod, 0, tl.Len()),
	}
	f.resolveConstruction()
	return f, nil
}

func (f *Facility) resolveConstruction() {
	for _, p := range f.timeline.ConstructionIndices() {
		opening := f.balance
		draw := f.terms.draw(p)
		interest := 0.0
		if opening > BalanceEpsilon {
			interest = opening * f.terms.Rate / 2
		}
		pre := opening + draw + interest
		grant := clampRange(f.terms.GrantPrepayments[p], pre)
		closing := pre - grant

		f.committed = append(f.committed, FacilityPeriod{
			Period:          p,
			Opening:         opening,
			Drawdown:        draw,
			Interest:        interest,
			IDC:             interest,
			PreAccelClosing: pre,
			Acceleration:    grant,
			Closing:         closing,
			Construction:    true,
		})
		f.balance = closing
	}
	f.next = f.timeline.FirstRepayment()
}

func (f *Facility) Terms() FacilityTerms { return f.terms }
func (f *Facility) Rate() float64        { return f.terms.Rate }

// Balance is the committed balance after the last finalized period.
func (f *Facility) Balance() float64 { return f.balance }

// Outstanding is the balance the waterfall can still accelerate against: the
// pre-acceleration closing of a computed period, else the committed balance.
func (f *Facility) Outstanding() float64 {
	if f.pending != nil {
		return f.pending.row.PreAccelClosing
	}
	return f.balance
}

// Committed returns the finalized row for period p.
func (f *Facility) Committed(p int) (FacilityPeriod, bool) {
	if p < 0 || p >= len(f.committed) {
		return FacilityPeriod{}, false
	}
	return f.committed[p], true
}

// Schedule returns a copy of every committed row.
func (f *Facility) Schedule() FacilitySchedule {
	out := make(FacilitySchedule, len(f.committed))
	copy(out, f.committed)
	return out
}

// Compute builds the pre-acceleration row for period p without committing it.
func (f *Facility) Compute(p int) (FacilityPeriod, error) {
	if _, err := f.timeline.Period(p); err != nil {
		return FacilityPeriod{}, err
	}
	if p != f.next {
		return FacilityPeriod{}, fmt.Errorf("%w: %s compute for period %d, expected %d",
			ErrPeriodOutOfOrder, f.terms.Tranche, p, f.next)
	}
	if f.pending != nil && f.pending.row.Period == p {
		return f.pending.row, nil
	}

	row, flat := f.project(p, f.balance)
	f.pending = &pendingRow{row: row, flat: flat}
	return row, nil
}

// project computes the row for period p from the given opening balance using
// the current amortization state. It has no side effects.
func (f *Facility) project(p int, opening float64) (FacilityPeriod, float64) {
	draw := f.terms.draw(p)
	row := FacilityPeriod{Period: p, Opening: opening, Drawdown: draw}
	flat := f.flat
	available := opening + draw

	if available <= BalanceEpsilon {
		row.PreAccelClosing = available
		row.Closing = available
		return row, flat
	}

	if opening > BalanceEpsilon {
		row.Interest = opening * f.terms.Rate / 2
	}

	last := f.first + f.terms.Repayments - 1
	switch {
	case p < f.first:
		// interest-only grace
	case p <= last:
		row.Amortizing = true
		if !f.flatSet {
			flat = available / float64(f.terms.Repayments)
		}
		if p == last || f.terms.Repayments-f.repaymentsDone <= 1 {
			row.Principal = available
			row.FinalPayment = true
		} else {
			row.Principal = min(flat, available)
		}
	default:
		// past the schedule: anything drawn late is cleared immediately
		row.Principal = available
	}

	row.PreAccelClosing = available - row.Principal
	row.Closing = row.PreAccelClosing
	return row, flat
}

// Finalize commits period p with the waterfall's acceleration, clamped to
// [0, pre-acceleration closing].
func (f *Facility) Finalize(p int, acceleration float64) (FacilityPeriod, error) {
	if f.pending == nil || f.pending.row.Period != p {
		return FacilityPeriod{}, fmt.Errorf("%w: %s period %d", ErrComputeRequired, f.terms.Tranche, p)
	}
	if p != f.next {
		return FacilityPeriod{}, fmt.Errorf("%w: %s finalize for period %d, expected %d",
			ErrPeriodOutOfOrder, f.terms.Tranche, p, f.next)
	}

	row := f.pending.row
	row.Acceleration = clampRange(acceleration, row.PreAccelClosing)
	row.Closing = row.PreAccelClosing - row.Acceleration

	if row.Amortizing {
		f.flat = f.pending.flat
		f.flatSet = true
		f.repaymentsDone++
	}
	if row.Acceleration > 0 && f.flatSet {
		remaining := f.terms.Repayments - f.repaymentsDone
		f.flat = 0
		if remaining > 0 {
			f.flat = row.Closing / float64(remaining)
		}
	}

	f.balance = row.Closing
	f.committed = append(f.committed, row)
	f.pending = nil
	f.next++
	return row, nil
}

// ProjectNextService estimates the cash service of the period after the one
// in progress, assuming no acceleration now.
func (f *Facility) ProjectNextService() float64 {
	opening := f.balance
	nextP := f.next
	flat, flatSet, done := f.flat, f.flatSet, f.repaymentsDone
	if f.pending != nil {
		opening = f.pending.row.PreAccelClosing
		nextP = f.pending.row.Period + 1
		if f.pending.row.Amortizing {
			flat, flatSet, done = f.pending.flat, true, done+1
		}
	}
	if nextP >= f.timeline.Len() || opening <= BalanceEpsilon {
		return 0
	}

	interest := opening * f.terms.Rate / 2
	last := f.first + f.terms.Repayments - 1
	switch {
	case nextP < f.first:
		return interest
	case nextP <= last:
		if !flatSet {
			flat = opening / float64(f.terms.Repayments)
		}
		if nextP == last || f.terms.Repayments-done <= 1 {
			return interest + opening
		}
		return interest + min(flat, opening)
	default:
		return interest + opening
	}
}
