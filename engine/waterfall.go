/*
waterfall.go - Ten-step cash allocation cascade

PURPOSE:
  Allocates one period's cash to taxes, debt, reserves, intercompany
  lending, acceleration and dividends, in strict priority order:

    1. Split cash into a special pool (grants, mezzanine draws, hedge
       proceeds, the flagged anomalous operating period) and a normal pool
       (operating cash, senior draws net of capex); split tax pro rata.
    2. Special pool pays senior service, then accelerates senior; the rest
       joins the normal pool.
    3. Normal pool pays remaining senior, mezzanine and swap service.
       A shortfall is recorded as a deficit and the pool floors at zero.
    4. Operating reserve gap, then DSRA gap; DSRA excess is released back.
    5. Overdraft: the lender lends up to the borrower's demand and then
       collects the borrower's repayments; the borrower draws to cover its
       deficit.
    6. Mezzanine dividend reserve: pay out once mezzanine is gone, else fill.
    7. Cash sweep (DSRA must be funded): budget = pool x sweep %, spent on
       outstanding debt by rate, highest first.
    8. Borrower repays the overdraft from what is left.
    9. Debt-free: residual to the fixed deposit. Otherwise retained.
   10. Dividends from the fixed deposit.

  Construction periods skip both acceleration steps; grant prepayments made
  by the facility's construction batch are booked in step 2 instead.

CONSERVATION:
  Δ(ops + dsra + fd + mezz div + surplus) =
      sources - capex - tax - debt service - acceleration - lent - overdraft repaid
      + overdraft received      + unfunded deficit + reserve interest - mezz payout - dividends

SEE ALSO:
  - reserve.go: The accounts filled here
  - loop.go: Builds the input and feeds acceleration back to the facilities
*/
package engine

import "sort"

// =============================================================================
// TERMS & STATE
// =============================================================================

type WaterfallTerms struct {
	SweepPct                 float64 `json:"sweep_pct"`
	DividendPct              float64 `json:"dividend_pct"`
	DividendStart            int     `json:"dividend_start"`
	DividendRequiresDebtFree bool    `json:"dividend_requires_debt_free"`

	// SpecialOpsPeriod routes that period's operating cash through the special pool.
	SpecialOpsPeriod *int `json:"special_ops_period,omitempty"`
}

// TrancheObligation is one tranche's contractual position for the period.
type TrancheObligation struct {
	Interest  float64 `json:"interest"` // cash interest
	Principal float64 `json:"principal"`
	Balance   float64 `json:"balance"` // pre-acceleration closing
	Rate      float64 `json:"rate"`
	Prepaid   float64 `json:"prepaid"` // construction grant prepayment already applied
}

func (o TrancheObligation) Service() float64 { return o.Interest + o.Principal }

// Accruals collects the reserve accruals of one period.
type Accruals struct {
	Ops       ReserveAccrual `json:"ops"`
	DSRA      ReserveAccrual `json:"dsra"`
	FD        ReserveAccrual `json:"fd"`
	MezzDiv   ReserveAccrual `json:"mezz_div"`
	Overdraft ReserveAccrual `json:"overdraft"`
}

// CashInterest is deposit interest earned by the cash reserves.
func (a Accruals) CashInterest() float64 {
	return a.Ops.Interest + a.DSRA.Interest + a.FD.Interest + a.MezzDiv.Interest
}

// WaterfallState is the entity's working set, mutated by Settle.
type WaterfallState struct {
	Ops       *OperatingReserve
	DSRA      *DebtServiceReserve
	FD        *FixedDeposit
	MezzDiv   *MezzDividendReserve
	Overdraft *Overdraft // nil when the entity takes no part in the overdraft
	Swap      *SwapLeg   // nil without a swap leg

	SurplusCash           float64
	CumulativeDividends   float64
	CumulativeMezzPayouts float64
}

func (s *WaterfallState) role() OverdraftRole {
	if s.Overdraft == nil {
		return OverdraftNone
	}
	return s.Overdraft.Role()
}

// Accrue runs every reserve's accrual once for the period.
func (s *WaterfallState) Accrue(in AccrualInput) Accruals {
	acc := Accruals{
		Ops:     s.Ops.Accrue(in),
		DSRA:    s.DSRA.Accrue(in),
		FD:      s.FD.Accrue(in),
		MezzDiv: s.MezzDiv.Accrue(in),
	}
	if s.Overdraft != nil {
		acc.Overdraft = s.Overdraft.Accrue(in)
	}
	return acc
}

// CashBalances sums the accounts the conservation identity tracks.
func (s *WaterfallState) CashBalances() float64 {
	return s.Ops.Balance() + s.DSRA.Balance() + s.FD.Balance() + s.MezzDiv.Balance() + s.SurplusCash
}

func (s *WaterfallState) overdraftBalance() float64 {
	if s.Overdraft == nil {
		return 0
	}
	return s.Overdraft.Balance()
}

// =============================================================================
// INPUT & ROW
// =============================================================================

type WaterfallInput struct {
	Period Period

	EBITDA        float64
	Tax           float64
	Grants        float64
	MezzDraws     float64
	HedgeProceeds float64
	SeniorDraws   float64
	Capex         float64

	Senior TrancheObligation
	Mezz   TrancheObligation
	Swap   SwapObligation

	OverdraftDemand  float64 // lender: borrower deficit to cover
	OverdraftDraw    float64 // borrower: amount the lender provided
	OverdraftReceipt float64 // lender: amount the borrower paid back

	Accruals Accruals
}

// Sources is every cash inflow of the period.
func (in WaterfallInput) Sources() float64 {
	return in.EBITDA + in.Grants + in.MezzDraws + in.HedgeProceeds + in.SeniorDraws + in.OverdraftDraw
}

// WaterfallRow records every movement of one Settle call.
type WaterfallRow struct {
	Period int `json:"period"`

	SpecialCash float64 `json:"special_cash"`
	NormalCash  float64 `json:"normal_cash"`
	TaxSpecial  float64 `json:"tax_special"`
	TaxNormal   float64 `json:"tax_normal"`

	SeniorFromSpecial  float64 `json:"senior_from_special"`
	SeniorAccelSpecial float64 `json:"senior_accel_special"`
	SpecialToNormal    float64 `json:"special_to_normal"`

	SeniorService float64 `json:"senior_service"`
	MezzService   float64 `json:"mezz_service"`
	SwapService   float64 `json:"swap_service"`
	Deficit       float64 `json:"deficit"` // <= 0

	OpsFill     float64 `json:"ops_fill"`
	DSRAFill    float64 `json:"dsra_fill"`
	DSRARelease float64 `json:"dsra_release"`

	OverdraftLent     float64 `json:"overdraft_lent"`
	OverdraftReceived float64 `json:"overdraft_received"`
	OverdraftDrawn    float64 `json:"overdraft_drawn"`
	DeficitCovered    float64 `json:"deficit_covered"`
	Unfunded       float64 `json:"unfunded"` // deficit nobody covered

	MezzDivFill   float64 `json:"mezz_div_fill"`
	MezzDivPayout float64 `json:"mezz_div_payout"`

	DSRAFunded       bool    `json:"dsra_funded"`
	SweepBudget      float64 `json:"sweep_budget"`
	MezzAccel        float64 `json:"mezz_accel"`
	OverdraftAccel   float64 `json:"overdraft_accel"`
	SwapAccel        float64 `json:"swap_accel"`
	SeniorAccelSweep float64 `json:"senior_accel_sweep"`

	OverdraftRepaid float64 `json:"overdraft_repaid"`

	DebtFree     bool    `json:"debt_free"`
	FDFill       float64 `json:"fd_fill"`
	SurplusToFD  float64 `json:"surplus_to_fd"`
	Retained     float64 `json:"retained"`
	Dividend     float64 `json:"dividend"`
	CashInterest float64 `json:"cash_interest"`
}

func (r WaterfallRow) SeniorAcceleration() float64 { return r.SeniorAccelSpecial + r.SeniorAccelSweep }

func (r WaterfallRow) TotalAcceleration() float64 {
	return r.SeniorAcceleration() + r.MezzAccel + r.SwapAccel + r.OverdraftAccel
}

func (r WaterfallRow) DebtService() float64 { return r.SeniorService + r.MezzService + r.SwapService }

// =============================================================================
// SETTLE
// =============================================================================

type Waterfall struct {
	terms WaterfallTerms
}

func NewWaterfall(terms WaterfallTerms) *Waterfall { return &Waterfall{terms: terms} }

// Settle runs the cascade for one period, mutating the reserve state.
func (w *Waterfall) Settle(in WaterfallInput, st *WaterfallState) WaterfallRow {
	row := WaterfallRow{Period: in.Period.Index, CashInterest: in.Accruals.CashInterest()}
	construction := in.Period.IsConstruction()
	role := st.role()

	// Step 1: pools and tax split
	special := in.Grants + in.MezzDraws + in.HedgeProceeds
	normal := in.EBITDA + in.SeniorDraws - in.Capex
	if sp := w.terms.SpecialOpsPeriod; sp != nil && *sp == in.Period.Index {
		special += in.EBITDA
		normal -= in.EBITDA
	}
	row.SpecialCash, row.NormalCash = special, normal
	if den := nonNeg(special) + nonNeg(normal); den > 0 {
		row.TaxSpecial = in.Tax * nonNeg(special) / den
	}
	row.TaxNormal = in.Tax - row.TaxSpecial

	// Step 2: special pool to senior
	seniorDS := in.Senior.Service()
	specialNet := special - row.TaxSpecial
	row.SeniorFromSpecial = clampRange(specialNet, seniorDS)
	rest := specialNet - row.SeniorFromSpecial
	if construction {
		row.SeniorAccelSpecial = in.Senior.Prepaid
	} else if rest > 0 {
		row.SeniorAccelSpecial = clampRange(rest, in.Senior.Balance)
	}
	row.SpecialToNormal = rest - row.SeniorAccelSpecial

	// Step 3: scheduled debt service
	row.SeniorService = seniorDS
	row.MezzService = in.Mezz.Service()
	row.SwapService = in.Swap.Payment()
	pool := normal - row.TaxNormal + row.SpecialToNormal -
		(seniorDS - row.SeniorFromSpecial) - row.MezzService - row.SwapService
	if pool < 0 {
		row.Deficit = pool
		pool = 0
	}

	// Step 4: operating reserve, then DSRA
	row.OpsFill = st.Ops.Fill(min(pool, in.Accruals.Ops.Gap))
	pool -= row.OpsFill
	row.DSRAFill = st.DSRA.Fill(min(pool, in.Accruals.DSRA.Gap))
	pool -= row.DSRAFill
	if in.Accruals.DSRA.Excess > 0 {
		row.DSRARelease = st.DSRA.Release(in.Accruals.DSRA.Excess)
		pool += row.DSRARelease
	}

	// Step 5: intercompany overdraft
	switch role {
	case OverdraftLender:
		row.OverdraftLent = st.Overdraft.Lend(min(nonNeg(pool), nonNeg(in.OverdraftDemand)))
		pool -= row.OverdraftLent
		row.OverdraftReceived = st.Overdraft.Repay(in.OverdraftReceipt)
		pool += row.OverdraftReceived
	case OverdraftBorrower:
		row.OverdraftDrawn = st.Overdraft.Draw(in.OverdraftDraw)
		row.DeficitCovered = min(row.OverdraftDrawn, nonNeg(-row.Deficit))
		pool += row.OverdraftDrawn - row.DeficitCovered
	}
	row.Unfunded = nonNeg(-row.Deficit - row.DeficitCovered)

	// Step 6: mezzanine dividend reserve
	if st.MezzDiv.Enabled() {
		if st.MezzDiv.Activated() && in.Mezz.Balance <= BalanceEpsilon {
			row.MezzDivPayout = st.MezzDiv.Payout()
			st.CumulativeMezzPayouts += row.MezzDivPayout
		} else {
			row.MezzDivFill = st.MezzDiv.Fill(min(pool, in.Accruals.MezzDiv.Gap))
			pool -= row.MezzDivFill
		}
	}

	// Step 7: cash sweep
	seniorLeft := nonNeg(in.Senior.Balance - row.SeniorAccelSpecial)
	row.DSRAFunded = st.DSRA.Balance() >= in.Accruals.DSRA.Target-BalanceEpsilon
	if !construction && row.DSRAFunded && pool > BalanceEpsilon && w.terms.SweepPct > 0 {
		row.SweepBudget = pool * w.terms.SweepPct
		claims := []sweepClaim{
			{target: TrancheMezz, rate: in.Mezz.Rate, outstanding: in.Mezz.Balance},
			{target: sweepOverdraft, rate: overdraftRate(st, role), outstanding: borrowed(st, role)},
			{target: sweepSwap, rate: in.Swap.Rate, outstanding: in.Swap.Balance},
			{target: TrancheSenior, rate: in.Senior.Rate, outstanding: seniorLeft},
		}
		for _, a := range distributeSweep(row.SweepBudget, claims) {
			switch a.target {
			case TrancheMezz:
				row.MezzAccel = a.amount
			case sweepOverdraft:
				row.OverdraftAccel = st.Overdraft.Repay(a.amount)
			case sweepSwap:
				row.SwapAccel = a.amount
			case TrancheSenior:
				row.SeniorAccelSweep = a.amount
			}
		}
		pool -= row.MezzAccel + row.OverdraftAccel + row.SwapAccel + row.SeniorAccelSweep
	}

	// Step 8: borrower repays overdraft
	if role == OverdraftBorrower && pool > 0 {
		row.OverdraftRepaid = st.Overdraft.Repay(pool)
		pool -= row.OverdraftRepaid
	}

	swapLeft := in.Swap.Balance
	if st.Swap != nil {
		swapLeft = st.Swap.Settle(in.Swap.Principal, row.SwapAccel)
	}

	// Step 9: fixed deposit or retained
	row.DebtFree = nearZero(seniorLeft-row.SeniorAccelSweep) &&
		nearZero(nonNeg(in.Mezz.Balance-row.MezzAccel)) &&
		nearZero(swapLeft) &&
		(role != OverdraftBorrower || nearZero(st.Overdraft.Balance()))
	if row.DebtFree {
		if st.SurplusCash > 0 {
			row.SurplusToFD = st.FD.Fill(st.SurplusCash)
			st.SurplusCash = 0
		}
		row.FDFill = st.FD.Fill(pool)
	} else {
		row.Retained = nonNeg(pool)
		st.SurplusCash += row.Retained
	}

	// Step 10: dividends
	if in.Period.Index >= w.terms.DividendStart && (!w.terms.DividendRequiresDebtFree || row.DebtFree) {
		row.Dividend = st.FD.Withdraw(st.FD.Balance() * w.terms.DividendPct)
		st.CumulativeDividends += row.Dividend
	}
	return row
}

// =============================================================================
// SWEEP DISTRIBUTOR - Splits the sweep budget across debt by rate
// =============================================================================

const (
	sweepOverdraft Tranche = "overdraft"
	sweepSwap      Tranche = "swap"
)

type sweepClaim struct {
	target      Tranche
	rate        float64
	outstanding float64
}

type sweepAllocation struct {
	target Tranche
	amount float64
}

// distributeSweep spends budget on claims ordered by rate, highest first.
// Claims arrive in tie-break order and the sort is stable.
func distributeSweep(budget float64, claims []sweepClaim) []sweepAllocation {
	ordered := make([]sweepClaim, len(claims))
	copy(ordered, claims)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].rate > ordered[j].rate })

	var out []sweepAllocation
	remaining := budget
	for _, c := range ordered {
		if remaining <= 0 {
			break
		}
		if c.outstanding <= BalanceEpsilon {
			continue
		}
		take := min(remaining, c.outstanding)
		out = append(out, sweepAllocation{target: c.target, amount: take})
		remaining -= take
	}
	return out
}

func overdraftRate(st *WaterfallState, role OverdraftRole) float64 {
	if role != OverdraftBorrower {
		return 0
	}
	return st.Overdraft.Rate()
}

func borrowed(st *WaterfallState, role OverdraftRole) float64 {
	if role != OverdraftBorrower {
		return 0
	}
	return st.Overdraft.Balance()
}
