package engine

// =============================================================================
// DEPRECIATION
// =============================================================================

// AcceleratedProfile is the share of the accelerated pool charged in each
// year after commercial operation.
var AcceleratedProfile = []float64{0.40, 0.20, 0.20, 0.20}

// DepreciationTerms split a depreciable base into an accelerated pool and a
// straight-line pool. Charges start the period after CODPeriod.
type DepreciationTerms struct {
	Base              float64 `json:"base"`
	AcceleratedShare  float64 `json:"accelerated_share"`
	StraightLineYears int     `json:"straight_line_years"`
	CODPeriod         int     `json:"cod_period"`
}

// Charge returns the accelerated and straight-line depreciation of period p.
func (d DepreciationTerms) Charge(p int) (accelerated, straight float64) {
	k := p - (d.CODPeriod + 1)
	if k < 0 || d.Base <= 0 {
		return 0, 0
	}
	if year := k / PeriodsPerYear; year < len(AcceleratedProfile) {
		accelerated = d.Base * d.AcceleratedShare * AcceleratedProfile[year] / PeriodsPerYear
	}
	if n := d.StraightLineYears * PeriodsPerYear; k < n {
		straight = d.Base * (1 - d.AcceleratedShare) / float64(n)
	}
	return accelerated, straight
}

// =============================================================================
// P&L
// =============================================================================

type PnLInput struct {
	Period          int
	Revenue         float64
	Opex            float64 // total operating cost, including intercompany purchases
	InterestExpense float64 // cash-expensed interest only; capitalised IDC is excluded
	InterestIncome  float64
	Depreciation    DepreciationTerms
	TaxRate         float64
	LossPool        float64 // carried-forward losses, <= 0
}

type PnLResult struct {
	Revenue         float64 `json:"revenue"`
	Opex            float64 `json:"opex"`
	EBITDA          float64 `json:"ebitda"`
	DepAccelerated  float64 `json:"dep_accelerated"`
	DepStraightLine float64 `json:"dep_straight_line"`
	Depreciation    float64 `json:"depreciation"`
	EBIT            float64 `json:"ebit"`
	InterestExpense float64 `json:"interest_expense"`
	InterestIncome  float64 `json:"interest_income"`
	PBT             float64 `json:"pbt"`
	Taxable         float64 `json:"taxable"`
	Tax             float64 `json:"tax"`
	PAT             float64 `json:"pat"`
	LossPoolOut     float64 `json:"loss_pool_out"`
}

// ComputePnL is pure: the caller carries LossPoolOut into the next period.
// Tax is never negative; losses are carried forward without expiry.
func ComputePnL(in PnLInput) PnLResult {
	r := PnLResult{
		Revenue:         in.Revenue,
		Opex:            in.Opex,
		InterestExpense: in.InterestExpense,
		InterestIncome:  in.InterestIncome,
	}
	r.EBITDA = in.Revenue - in.Opex
	r.DepAccelerated, r.DepStraightLine = in.Depreciation.Charge(in.Period)
	r.Depreciation = r.DepAccelerated + r.DepStraightLine
	r.EBIT = r.EBITDA - r.Depreciation
	r.PBT = r.EBIT - in.InterestExpense + in.InterestIncome

	r.Taxable = r.PBT + min(in.LossPool, 0)
	r.Tax = nonNeg(r.Taxable) * in.TaxRate
	r.LossPoolOut = min(r.Taxable, 0)
	r.PAT = r.PBT - r.Tax
	return r
}
