package engine

import "fmt"

// =============================================================================
// HOLDING CONFIGURATION
// =============================================================================

// CostKind names the intercompany cost lines that are eliminated on consolidation.
type CostKind string

const (
	CostPower CostKind = "power"
	CostRent  CostKind = "rent"
)

// Elimination removes one intercompany sale from consolidated revenue and
// opex. The amount is the buyer's cost line of that kind.
type Elimination struct {
	Seller EntityID `json:"seller"`
	Buyer  EntityID `json:"buyer"`
	Kind   CostKind `json:"kind"`
}

type HoldingConfig struct {
	ID           EntityID      `json:"id"`
	Name         string        `json:"name"`
	Eliminations []Elimination `json:"eliminations,omitempty"`
}

// =============================================================================
// HOLDING RESULT
// =============================================================================

// HoldingRow is one consolidated year.
type HoldingRow struct {
	Year      int `json:"year"`
	YearIndex int `json:"year_index"`

	ICSeniorInterest float64 `json:"ic_senior_interest"` // income from subsidiaries
	ICMezzInterest   float64 `json:"ic_mezz_interest"`
	ICSeniorLoans    float64 `json:"ic_senior_loans"` // year-end asset
	ICMezzLoans      float64 `json:"ic_mezz_loans"`
	ExternalInterest float64 `json:"external_interest"` // at base rates
	MarginIncome     float64 `json:"margin_income"`

	// Overdraft between subsidiaries, eliminated from consolidated interest.
	ICOverdraftIncome  float64 `json:"ic_overdraft_income"`  // lender side
	ICOverdraftExpense float64 `json:"ic_overdraft_expense"` // borrower side
	ICOverdraftNet     float64 `json:"ic_overdraft_net"`     // receivable less payable, year-end

	Revenue         float64 `json:"revenue"`
	Opex            float64 `json:"opex"`
	Eliminations    float64 `json:"eliminations"`
	EBITDA          float64 `json:"ebitda"`
	Depreciation    float64 `json:"depreciation"`
	InterestExpense float64 `json:"interest_expense"`
	InterestIncome  float64 `json:"interest_income"`
	Tax             float64 `json:"tax"`
	PAT             float64 `json:"pat"`
	Dividends       float64 `json:"dividends"`

	CFADS       float64 `json:"cfads"`
	DebtService float64 `json:"debt_service"`
	DSCR        float64 `json:"dscr"`
}

type HoldingResult struct {
	Entity EntityID     `json:"entity"`
	Name   string       `json:"name"`
	Annual []HoldingRow `json:"annual"`
}

// MinDSCR is the lowest DSCR over years with debt service.
func (h *HoldingResult) MinDSCR() float64 {
	lowest := 0.0
	first := true
	for _, r := range h.Annual {
		if r.DebtService <= BalanceEpsilon {
			continue
		}
		if first || r.DSCR < lowest {
			lowest, first = r.DSCR, false
		}
	}
	return lowest
}

// =============================================================================
// AGGREGATION
// =============================================================================

// AggregateHolding consolidates subsidiary results. It reads only final
// results and never feeds anything back into an entity.
func AggregateHolding(tl *Timeline, cfg HoldingConfig, entities []EntityConfig, results Results) (*HoldingResult, error) {
	out := &HoldingResult{Entity: cfg.ID, Name: cfg.Name, Annual: make([]HoldingRow, tl.Years())}
	for y := range out.Annual {
		out.Annual[y] = HoldingRow{Year: tl.CalendarYear(y), YearIndex: y}
	}

	for _, ec := range entities {
		res, ok := results[ec.ID]
		if !ok || res == nil {
			return nil, fmt.Errorf("%w: no result for %s", ErrUnknownEntity, ec.ID)
		}
		if len(res.Annual) != tl.Years() {
			return nil, fmt.Errorf("%w: %s has %d annual rows", ErrPeriodOutOfRange, ec.ID, len(res.Annual))
		}
		for y, a := range res.Annual {
			h := &out.Annual[y]
			h.ICSeniorInterest += a.SeniorInterest
			h.ICMezzInterest += a.MezzInterest
			h.ICSeniorLoans += a.SeniorBalance
			h.ICMezzLoans += a.MezzBalance
			h.Revenue += a.Revenue
			h.Opex += a.Opex
			h.Depreciation += a.Depreciation
			h.InterestExpense += a.InterestExpense
			h.InterestIncome += a.InterestIncome
			h.Tax += a.Tax
			h.Dividends += a.Dividends
			h.CFADS += a.CFADS
			h.DebtService += a.DebtService

			switch res.Overdraft {
			case OverdraftLender:
				h.ICOverdraftIncome += a.OverdraftInterest
				h.InterestIncome -= a.OverdraftInterest
				h.ICOverdraftNet += a.OverdraftBalance
			case OverdraftBorrower:
				h.ICOverdraftExpense += a.OverdraftInterest
				h.InterestExpense -= a.OverdraftInterest
				h.ICOverdraftNet -= a.OverdraftBalance
			}
		}

		// external cost at base rate, and swap the expensed IC interest for it
		seniorBase := safeDiv(ec.Senior.Rate-ec.SeniorMargin, ec.Senior.Rate)
		mezzBase := 0.0
		if ec.Mezz != nil {
			mezzBase = safeDiv(ec.Mezz.Rate-ec.MezzMargin, ec.Mezz.Rate)
		}
		for _, r := range res.Senior {
			h := &out.Annual[tl.YearIndex(r.Period)]
			h.ExternalInterest += r.Interest * seniorBase
			h.InterestExpense -= r.ExpensedInterest() * (1 - seniorBase)
		}
		for _, r := range res.Mezz {
			h := &out.Annual[tl.YearIndex(r.Period)]
			h.ExternalInterest += r.Interest * mezzBase
			h.InterestExpense -= r.ExpensedInterest() * (1 - mezzBase)
		}
	}

	for _, el := range cfg.Eliminations {
		buyer, ok := results[el.Buyer]
		if !ok {
			return nil, fmt.Errorf("%w: elimination buyer %s", ErrUnknownEntity, el.Buyer)
		}
		for y, a := range buyer.Annual {
			amount := a.PowerCost
			if el.Kind == CostRent {
				amount = a.RentCost
			}
			h := &out.Annual[y]
			h.Eliminations += amount
			h.Revenue -= amount
			h.Opex -= amount
		}
	}

	for y := range out.Annual {
		h := &out.Annual[y]
		h.MarginIncome = h.ICSeniorInterest + h.ICMezzInterest - h.ExternalInterest
		h.EBITDA = h.Revenue - h.Opex
		h.PAT = h.EBITDA - h.Depreciation - h.InterestExpense + h.InterestIncome - h.Tax
		if h.DebtService > BalanceEpsilon {
			h.DSCR = h.CFADS / h.DebtService
		}
	}
	return out, nil
}
