/*
loop.go - Entity loop: one subsidiary, every period, in order

PURPOSE:
  Drives a single entity through the timeline. For each period:

    1. Facilities compute (construction rows come from the batch)
    2. Swap leg opens its obligation
    3. Reserves accrue (interest, targets)
    4. P&L (tax uses the carried loss pool)
    5. Waterfall settles cash
    6. Facilities finalize with the waterfall's acceleration

  Every step reads only state committed by earlier periods or earlier steps
  of the same period.

INPUT VECTORS:
  Operating vectors may be given per period or per year. Annual vectors are
  split evenly across the two halves of each year.

SEE ALSO:
  - orchestrator.go: Runs many entity loops
  - annual.go: Rolls the period rows into years
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// =============================================================================
// ENTITY CONFIGURATION
// =============================================================================

type OperatingInputs struct {
	Revenue       []float64 `json:"revenue"`
	Opex          []float64 `json:"opex"` // excluding intercompany power and rent
	PowerCost     []float64 `json:"power_cost,omitempty"`
	RentCost      []float64 `json:"rent_cost,omitempty"`
	Capex         []float64 `json:"capex,omitempty"` // empty: capex equals draws
	HedgeProceeds []float64 `json:"hedge_proceeds,omitempty"`
}

type ReserveTerms struct {
	DepositRate   float64 `json:"deposit_rate"`
	OpsOpening    float64 `json:"ops_opening"`
	DSRAOpening   float64 `json:"dsra_opening"`
	FDOpening     float64 `json:"fd_opening"`
	MezzGapRate   float64 `json:"mezz_gap_rate"`
	OverdraftRate float64 `json:"overdraft_rate"`
}

type TaxTerms struct {
	Rate            float64 `json:"rate"`
	OpeningLossPool float64 `json:"opening_loss_pool"`
}

// Injections are cross-entity vectors written by reconciliation plugins.
type Injections struct {
	OverdraftDemand   []float64 `json:"overdraft_demand,omitempty"`
	OverdraftDraws    []float64 `json:"overdraft_draws,omitempty"`
	OverdraftReceipts []float64 `json:"overdraft_receipts,omitempty"` // lender: borrower repayments
}

// EntityConfig is everything one entity loop needs.
type EntityConfig struct {
	ID   EntityID `json:"id"`
	Name string   `json:"name"`

	Senior FacilityTerms  `json:"senior"`
	Mezz   *FacilityTerms `json:"mezz,omitempty"`

	// SeniorMargin and MezzMargin are the intercompany margins included in
	// the tranche rates; the holding pays the rate minus margin externally.
	SeniorMargin float64 `json:"senior_margin"`
	MezzMargin   float64 `json:"mezz_margin"`

	Swap         *SwapTerms   `json:"swap,omitempty"`
	SwapSchedule SwapSchedule `json:"swap_schedule,omitempty"` // explicit vector, overrides Swap
	SwapRate     float64      `json:"swap_rate,omitempty"`     // rate for an explicit vector

	Operating    OperatingInputs   `json:"operating"`
	Grants       map[int]float64   `json:"grants,omitempty"` // construction keys prepay senior
	Reserves     ReserveTerms      `json:"reserves"`
	Overdraft    OverdraftRole     `json:"overdraft,omitempty"`
	Waterfall    WaterfallTerms    `json:"waterfall"`
	Tax          TaxTerms          `json:"tax"`
	Depreciation DepreciationTerms `json:"depreciation"`

	Injections Injections `json:"injections,omitempty"`
}

// Validate fails fast on anything the loop would otherwise default silently.
func (c EntityConfig) Validate(tl *Timeline) error {
	if c.ID == "" {
		return missingField("", "id")
	}
	if c.Senior.Tranche == "" {
		c.Senior.Tranche = TrancheSenior
	}
	if err := c.Senior.Validate(tl); err != nil {
		return withEntity(err, c.ID)
	}
	if c.Mezz != nil {
		mezz := *c.Mezz
		if mezz.Tranche == "" {
			mezz.Tranche = TrancheMezz
		}
		if err := mezz.Validate(tl); err != nil {
			return withEntity(err, c.ID)
		}
	}
	if c.SeniorMargin < 0 || c.SeniorMargin > c.Senior.Rate {
		return invalidField(c.ID, "senior_margin", "must be in [0, senior rate]")
	}
	if c.Mezz != nil && (c.MezzMargin < 0 || c.MezzMargin > c.Mezz.Rate) {
		return invalidField(c.ID, "mezz_margin", "must be in [0, mezz rate]")
	}
	if c.Swap != nil && len(c.SwapSchedule) == 0 {
		if err := c.Swap.Validate(tl); err != nil {
			return withEntity(err, c.ID)
		}
	}
	if len(c.SwapSchedule) > 0 && len(c.SwapSchedule) != tl.Len() {
		return invalidField(c.ID, "swap_schedule", fmt.Sprintf("needs %d rows", tl.Len()))
	}
	if len(c.Operating.Revenue) == 0 {
		return missingField(c.ID, "operating.revenue")
	}
	if c.Tax.Rate < 0 || c.Tax.Rate >= 1 {
		return invalidField(c.ID, "tax.rate", "must be in [0, 1)")
	}
	if c.Tax.OpeningLossPool > 0 {
		return invalidField(c.ID, "tax.opening_loss_pool", "must be <= 0")
	}
	if w := c.Waterfall; w.SweepPct < 0 || w.SweepPct > 1 || w.DividendPct < 0 || w.DividendPct > 1 {
		return invalidField(c.ID, "waterfall", "percentages must be in [0, 1]")
	}
	if sp := c.Waterfall.SpecialOpsPeriod; sp != nil {
		if _, err := tl.Period(*sp); err != nil {
			return invalidField(c.ID, "waterfall.special_ops_period", err.Error())
		}
	}
	if c.Depreciation.AcceleratedShare < 0 || c.Depreciation.AcceleratedShare > 1 {
		return invalidField(c.ID, "depreciation.accelerated_share", "must be in [0, 1]")
	}
	if c.Depreciation.Base > 0 && c.Depreciation.AcceleratedShare < 1 && c.Depreciation.StraightLineYears <= 0 {
		return missingField(c.ID, "depreciation.straight_line_years")
	}
	switch c.Overdraft {
	case OverdraftNone, OverdraftLender, OverdraftBorrower:
	default:
		return invalidField(c.ID, "overdraft", fmt.Sprintf("unknown role %q", c.Overdraft))
	}
	if c.Overdraft != OverdraftNone && c.Reserves.OverdraftRate <= 0 {
		return missingField(c.ID, "reserves.overdraft_rate")
	}
	for p := range c.Grants {
		if _, err := tl.Period(p); err != nil {
			return invalidField(c.ID, "grants", err.Error())
		}
	}
	return nil
}

// Clone deep-copies the config so plugins and sweeps can modify their copy.
func (c EntityConfig) Clone() EntityConfig {
	out := c
	out.Senior = c.Senior.clone()
	if c.Mezz != nil {
		m := c.Mezz.clone()
		out.Mezz = &m
	}
	if c.Swap != nil {
		s := *c.Swap
		out.Swap = &s
	}
	out.SwapSchedule = append(SwapSchedule(nil), c.SwapSchedule...)
	out.Operating = OperatingInputs{
		Revenue:       cloneVec(c.Operating.Revenue),
		Opex:          cloneVec(c.Operating.Opex),
		PowerCost:     cloneVec(c.Operating.PowerCost),
		RentCost:      cloneVec(c.Operating.RentCost),
		Capex:         cloneVec(c.Operating.Capex),
		HedgeProceeds: cloneVec(c.Operating.HedgeProceeds),
	}
	out.Grants = cloneMap(c.Grants)
	if c.Waterfall.SpecialOpsPeriod != nil {
		sp := *c.Waterfall.SpecialOpsPeriod
		out.Waterfall.SpecialOpsPeriod = &sp
	}
	out.Injections = Injections{
		OverdraftDemand:   cloneVec(c.Injections.OverdraftDemand),
		OverdraftDraws:    cloneVec(c.Injections.OverdraftDraws),
		OverdraftReceipts: cloneVec(c.Injections.OverdraftReceipts),
	}
	return out
}

func (t FacilityTerms) clone() FacilityTerms {
	out := t
	out.Drawdowns = cloneVec(t.Drawdowns)
	out.GrantPrepayments = cloneMap(t.GrantPrepayments)
	return out
}

func cloneVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

func cloneMap(m map[int]float64) map[int]float64 {
	if m == nil {
		return nil
	}
	out := make(map[int]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// perPeriod expands a vector to one value per period. A vector with one
// value per year is split evenly across the year's two periods.
func perPeriod(tl *Timeline, entity EntityID, field string, v []float64) ([]float64, error) {
	out := make([]float64, tl.Len())
	switch len(v) {
	case 0:
	case tl.Len():
		copy(out, v)
	case tl.Years():
		for y, amt := range v {
			a, b := tl.PeriodsOfYear(y)
			out[a], out[b] = amt/2, amt/2
		}
	default:
		return nil, invalidField(entity, field,
			fmt.Sprintf("has %d values, want %d periods or %d years", len(v), tl.Len(), tl.Years()))
	}
	return out, nil
}

// =============================================================================
// ENTITY RESULT
// =============================================================================

// PeriodRow is a Row tagged with its period.
type PeriodRow struct {
	Period Period `json:"period"`
	Row
}

type EntityResult struct {
	Entity    EntityID         `json:"entity"`
	Name      string           `json:"name"`
	Overdraft OverdraftRole    `json:"overdraft,omitempty"`
	Senior    FacilitySchedule `json:"senior"`
	Mezz      FacilitySchedule `json:"mezz,omitempty"`
	Swap      []SwapObligation `json:"swap,omitempty"`
	Periods   []PeriodRow      `json:"periods"`
	Waterfall []WaterfallRow   `json:"waterfall"`
	PnL       []PnLResult      `json:"pnl"`
	Annual    []AnnualRow      `json:"annual"`
}

// Deficits returns the shortfall of each period as a positive amount.
func (r *EntityResult) Deficits() []float64 {
	out := make([]float64, len(r.Waterfall))
	for i, w := range r.Waterfall {
		out[i] = nonNeg(-w.Deficit)
	}
	return out
}

// Lent returns the overdraft amount lent in each period.
func (r *EntityResult) Lent() []float64 {
	out := make([]float64, len(r.Waterfall))
	for i, w := range r.Waterfall {
		out[i] = w.OverdraftLent
	}
	return out
}

// Repayments returns what the borrower paid back on the overdraft in each
// period, swept and residual together.
func (r *EntityResult) Repayments() []float64 {
	out := make([]float64, len(r.Waterfall))
	for i, w := range r.Waterfall {
		out[i] = w.OverdraftAccel + w.OverdraftRepaid
	}
	return out
}

// =============================================================================
// ENTITY ENGINE
// =============================================================================

type EntityEngine struct {
	timeline *Timeline
	logger   *slog.Logger
}

func NewEntityEngine(tl *Timeline, logger *slog.Logger) *EntityEngine {
	return &EntityEngine{timeline: tl, logger: logger}
}

func (e *EntityEngine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default().With("component", "entity_loop")
}

type entityInputs struct {
	revenue, opex, power, rent, capex, hedge []float64
	demand, draws, receipts                  []float64
}

func (e *EntityEngine) resolveInputs(cfg EntityConfig) (entityInputs, error) {
	var in entityInputs
	var err error
	fields := []struct {
		name string
		src  []float64
		dst  *[]float64
	}{
		{"operating.revenue", cfg.Operating.Revenue, &in.revenue},
		{"operating.opex", cfg.Operating.Opex, &in.opex},
		{"operating.power_cost", cfg.Operating.PowerCost, &in.power},
		{"operating.rent_cost", cfg.Operating.RentCost, &in.rent},
		{"operating.capex", cfg.Operating.Capex, &in.capex},
		{"operating.hedge_proceeds", cfg.Operating.HedgeProceeds, &in.hedge},
		{"injections.overdraft_demand", cfg.Injections.OverdraftDemand, &in.demand},
		{"injections.overdraft_draws", cfg.Injections.OverdraftDraws, &in.draws},
		{"injections.overdraft_receipts", cfg.Injections.OverdraftReceipts, &in.receipts},
	}
	for _, f := range fields {
		if *f.dst, err = perPeriod(e.timeline, cfg.ID, f.name, f.src); err != nil {
			return entityInputs{}, err
		}
	}
	if len(cfg.Operating.Capex) == 0 {
		in.capex = nil
	}
	return in, nil
}

// Run settles one entity over the whole timeline.
func (e *EntityEngine) Run(ctx context.Context, cfg EntityConfig) (*EntityResult, error) {
	tl := e.timeline
	if cfg.Senior.Tranche == "" {
		cfg.Senior.Tranche = TrancheSenior
	}
	if cfg.Mezz != nil && cfg.Mezz.Tranche == "" {
		mezz := *cfg.Mezz
		mezz.Tranche = TrancheMezz
		cfg.Mezz = &mezz
	}
	if err := cfg.Validate(tl); err != nil {
		return nil, err
	}
	in, err := e.resolveInputs(cfg)
	if err != nil {
		return nil, err
	}

	// Grants are cash inflows; those landing in construction also prepay senior.
	grantsByPeriod := cloneMap(cfg.Grants)
	if grantsByPeriod == nil {
		grantsByPeriod = map[int]float64{}
	}
	for p, amt := range cfg.Senior.GrantPrepayments {
		grantsByPeriod[p] += amt
	}
	seniorTerms := cfg.Senior.clone()
	seniorTerms.GrantPrepayments = map[int]float64{}
	for p, amt := range grantsByPeriod {
		if tl.IsConstruction(p) {
			seniorTerms.GrantPrepayments[p] = amt
		}
	}
	senior, err := NewFacility(tl, seniorTerms)
	if err != nil {
		return nil, withEntity(err, cfg.ID)
	}
	var mezz *Facility
	if cfg.Mezz != nil {
		if mezz, err = NewFacility(tl, *cfg.Mezz); err != nil {
			return nil, withEntity(err, cfg.ID)
		}
	}

	opsTotal := make([]float64, tl.Len())
	for p := range opsTotal {
		opsTotal[p] = in.opex[p] + in.power[p] + in.rent[p]
	}
	st := &WaterfallState{
		Ops:     NewOperatingReserve(cfg.Reserves.DepositRate, opsTotal, cfg.Reserves.OpsOpening),
		DSRA:    NewDebtServiceReserve(cfg.Reserves.DepositRate, cfg.Reserves.DSRAOpening),
		FD:      NewFixedDeposit(cfg.Reserves.DepositRate, cfg.Reserves.FDOpening),
		MezzDiv: NewMezzDividendReserve(cfg.Reserves.DepositRate, cfg.Reserves.MezzGapRate),
	}
	if cfg.Overdraft != OverdraftNone {
		st.Overdraft = NewOverdraft(cfg.Overdraft, cfg.Reserves.OverdraftRate, 0)
	}
	switch {
	case len(cfg.SwapSchedule) > 0:
		st.Swap = NewSwapLeg(cfg.SwapRate, cfg.SwapSchedule)
	case cfg.Swap != nil:
		sched, err := BuildSwapSchedule(tl, *cfg.Swap)
		if err != nil {
			return nil, withEntity(err, cfg.ID)
		}
		st.Swap = NewSwapLeg(cfg.Swap.Rate, sched)
	}

	wf := NewWaterfall(cfg.Waterfall)
	res := &EntityResult{
		Entity:    cfg.ID,
		Name:      cfg.Name,
		Overdraft: cfg.Overdraft,
		Periods:   make([]PeriodRow, 0, tl.Len()),
		Waterfall: make([]WaterfallRow, 0, tl.Len()),
		PnL:       make([]PnLResult, 0, tl.Len()),
	}
	lossPool := cfg.Tax.OpeningLossPool
	cumPAT, cumDividends := 0.0, 0.0

	for _, per := range tl.Periods() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := per.Index

		// 1. facilities
		sRow, err := openPeriod(senior, per)
		if err != nil {
			return nil, err
		}
		var mRow FacilityPeriod
		if mezz != nil {
			if mRow, err = openPeriod(mezz, per); err != nil {
				return nil, err
			}
		}

		// 2. swap leg
		var swapOb SwapObligation
		if st.Swap != nil {
			swapOb = st.Swap.Obligation(p)
		}

		// 3. reserves
		acc := st.Accrue(AccrualInput{
			Period:            p,
			NextSeniorService: senior.ProjectNextService(),
			SeniorOutstanding: senior.Outstanding(),
			MezzOpening:       mRow.Opening,
		})

		// 4. P&L
		interestExpense := sRow.ExpensedInterest() + mRow.ExpensedInterest() + swapOb.Interest
		interestIncome := acc.CashInterest()
		odInterest := acc.Overdraft.Interest
		switch cfg.Overdraft {
		case OverdraftBorrower:
			interestExpense += odInterest
		case OverdraftLender:
			interestIncome += odInterest
		}
		pnl := ComputePnL(PnLInput{
			Period:          p,
			Revenue:         in.revenue[p],
			Opex:            opsTotal[p],
			InterestExpense: interestExpense,
			InterestIncome:  interestIncome,
			Depreciation:    cfg.Depreciation,
			TaxRate:         cfg.Tax.Rate,
			LossPool:        lossPool,
		})
		lossPool = pnl.LossPoolOut

		// 5. waterfall
		capex := sRow.Drawdown + mRow.Drawdown
		if in.capex != nil {
			capex = in.capex[p]
		}
		grants := grantsByPeriod[p]
		win := WaterfallInput{
			Period:        per,
			EBITDA:        pnl.EBITDA,
			Tax:           pnl.Tax,
			Grants:        grants,
			MezzDraws:     mRow.Drawdown,
			HedgeProceeds: in.hedge[p],
			SeniorDraws:   sRow.Drawdown,
			Capex:         capex,
			Senior: TrancheObligation{
				Interest:  sRow.ExpensedInterest(),
				Principal: sRow.Principal,
				Balance:   sRow.PreAccelClosing,
				Rate:      senior.Rate(),
			},
			Mezz: TrancheObligation{
				Interest:  mRow.ExpensedInterest(),
				Principal: mRow.Principal,
				Balance:   mRow.PreAccelClosing,
			},
			Swap:            swapOb,
			OverdraftDemand:  in.demand[p],
			OverdraftDraw:    in.draws[p],
			OverdraftReceipt: in.receipts[p],
			Accruals:         acc,
		}
		if mezz != nil {
			win.Mezz.Rate = mezz.Rate()
		}
		if per.IsConstruction() {
			win.Senior.Prepaid = sRow.Acceleration
		}
		wrow := wf.Settle(win, st)

		// 6. finalize
		if !per.IsConstruction() {
			if sRow, err = senior.Finalize(p, wrow.SeniorAcceleration()); err != nil {
				return nil, err
			}
			if mezz != nil {
				if mRow, err = mezz.Finalize(p, wrow.MezzAccel); err != nil {
					return nil, err
				}
			}
		}

		cumPAT += pnl.PAT
		cumDividends += wrow.Dividend
		row := buildRow(per, in, p, sRow, mRow, swapOb, acc, pnl, wrow, st, lossPool)
		row.Grants = grants
		row.Capex = capex
		row.RetainedEarnings = cumPAT - cumDividends

		res.Periods = append(res.Periods, PeriodRow{Period: per, Row: row})
		res.Waterfall = append(res.Waterfall, wrow)
		res.PnL = append(res.PnL, pnl)
		if st.Swap != nil {
			res.Swap = append(res.Swap, swapOb)
		}
	}

	res.Senior = senior.Schedule()
	if mezz != nil {
		res.Mezz = mezz.Schedule()
	}
	annual, err := Aggregate(tl, res.Periods)
	if err != nil {
		return nil, err
	}
	res.Annual = annual

	e.log().Debug("entity settled",
		"entity", cfg.ID,
		"senior_closing", Round2(senior.Balance()),
		"dividends", Round2(st.CumulativeDividends))
	return res, nil
}

// openPeriod returns the committed construction row or computes a repayment row.
func openPeriod(f *Facility, per Period) (FacilityPeriod, error) {
	if per.IsConstruction() {
		row, ok := f.Committed(per.Index)
		if !ok {
			return FacilityPeriod{}, fmt.Errorf("%w: construction row %d missing", ErrPeriodOutOfRange, per.Index)
		}
		return row, nil
	}
	return f.Compute(per.Index)
}

func buildRow(
	per Period,
	in entityInputs,
	p int,
	s, m FacilityPeriod,
	swap SwapObligation,
	acc Accruals,
	pnl PnLResult,
	w WaterfallRow,
	st *WaterfallState,
	lossPool float64,
) Row {
	r := Row{
		Revenue:         pnl.Revenue,
		Opex:            pnl.Opex,
		PowerCost:       in.power[p],
		RentCost:        in.rent[p],
		EBITDA:          pnl.EBITDA,
		DepAccelerated:  pnl.DepAccelerated,
		DepStraightLine: pnl.DepStraightLine,
		Depreciation:    pnl.Depreciation,
		EBIT:            pnl.EBIT,

		SeniorInterest:    s.Interest,
		SeniorIDC:         s.IDC,
		MezzInterest:      m.Interest,
		MezzIDC:           m.IDC,
		SwapInterest:      swap.Interest,
		OverdraftInterest: acc.Overdraft.Interest,
		InterestExpense:   pnl.InterestExpense,
		InterestIncome:    pnl.InterestIncome,
		PBT:               pnl.PBT,
		Tax:               pnl.Tax,
		PAT:               pnl.PAT,
		TaxLossPool:       lossPool,

		SeniorDrawdown:  s.Drawdown,
		MezzDrawdown:    m.Drawdown,
		HedgeProceeds:   in.hedge[p],
		SeniorPrincipal: s.Principal,
		MezzPrincipal:   m.Principal,
		SwapPrincipal:   swap.Principal,
		DebtService:     w.DebtService(),
		CFADS:           pnl.EBITDA - pnl.Tax,

		SeniorAcceleration:    w.SeniorAcceleration(),
		MezzAcceleration:      w.MezzAccel,
		SwapAcceleration:      w.SwapAccel,
		OverdraftAcceleration: w.OverdraftAccel,
		OverdraftLent:         w.OverdraftLent,
		OverdraftDrawn:        w.OverdraftDrawn,
		OverdraftRepaid:       w.OverdraftRepaid,
		OverdraftReceived:     w.OverdraftReceived,
		Deficit:               w.Deficit,
		UnfundedDeficit:       w.Unfunded,

		OpsReserveFill:  w.OpsFill,
		DSRAFill:        w.DSRAFill,
		DSRARelease:     w.DSRARelease,
		MezzDivFill:     w.MezzDivFill,
		MezzDivPayout:   w.MezzDivPayout,
		FDFill:          w.FDFill,
		RetainedCash:    w.Retained,
		Dividends:       w.Dividend,
		ReserveInterest: acc.CashInterest(),

		SeniorBalance:       s.Closing,
		MezzBalance:         m.Closing,
		OverdraftBalance:    st.overdraftBalance(),
		OpsReserveBalance:   st.Ops.Balance(),
		DSRABalance:         st.DSRA.Balance(),
		FDBalance:           st.FD.Balance(),
		MezzDivBalance:      st.MezzDiv.Balance(),
		MezzDivLiability:    st.MezzDiv.Liability(),
		SurplusCash:         st.SurplusCash,
		CumulativeDividends: st.CumulativeDividends,

		Construction: per.IsConstruction(),
		DSRAFunded:   w.DSRAFunded,
		DebtFree:     w.DebtFree,
		InDeficit:    w.Deficit < -BalanceEpsilon,
	}
	if st.Swap != nil {
		r.SwapBalance = st.Swap.Balance()
	}
	return r
}
