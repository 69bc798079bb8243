/*
annual.go - Per-period record and its annual roll-up

PURPOSE:
  Row is the single record every period produces. Annual figures are
  derived from the two semi-annual rows of each year, and every Row field
  is classified in rowSchema so the roll-up is mechanical:

    Flow  - summed over the year (revenue, interest, dividends, ...)
    Stock - value of the last period of the year (balances)
    Flag  - logical OR over the year

  Ratios such as DSCR are not rolled up; AnnualRow derives them from the
  annual flows.

SCHEMA GUARD:
  ValidateRowSchema compares rowSchema against Row's fields. A field added
  to Row without a classification (or a stale entry) fails the orchestrator
  at construction time, before any run.
*/
package engine

import (
	"fmt"
	"reflect"
	"sort"
)

// =============================================================================
// ROW
// =============================================================================

type Row struct {
	// P&L
	Revenue         float64 `json:"revenue"`
	Opex            float64 `json:"opex"`
	PowerCost       float64 `json:"power_cost"`
	RentCost        float64 `json:"rent_cost"`
	EBITDA          float64 `json:"ebitda"`
	DepAccelerated  float64 `json:"dep_accelerated"`
	DepStraightLine float64 `json:"dep_straight_line"`
	Depreciation    float64 `json:"depreciation"`
	EBIT            float64 `json:"ebit"`

	SeniorInterest    float64 `json:"senior_interest"`
	SeniorIDC         float64 `json:"senior_idc"`
	MezzInterest      float64 `json:"mezz_interest"`
	MezzIDC           float64 `json:"mezz_idc"`
	SwapInterest      float64 `json:"swap_interest"`
	OverdraftInterest float64 `json:"overdraft_interest"`
	InterestExpense   float64 `json:"interest_expense"`
	InterestIncome    float64 `json:"interest_income"`
	PBT               float64 `json:"pbt"`
	Tax               float64 `json:"tax"`
	PAT               float64 `json:"pat"`
	TaxLossPool       float64 `json:"tax_loss_pool"`

	// Cash flow
	Grants          float64 `json:"grants"`
	SeniorDrawdown  float64 `json:"senior_drawdown"`
	MezzDrawdown    float64 `json:"mezz_drawdown"`
	HedgeProceeds   float64 `json:"hedge_proceeds"`
	Capex           float64 `json:"capex"`
	SeniorPrincipal float64 `json:"senior_principal"`
	MezzPrincipal   float64 `json:"mezz_principal"`
	SwapPrincipal   float64 `json:"swap_principal"`
	DebtService     float64 `json:"debt_service"`
	CFADS           float64 `json:"cfads"`

	SeniorAcceleration    float64 `json:"senior_acceleration"`
	MezzAcceleration      float64 `json:"mezz_acceleration"`
	SwapAcceleration      float64 `json:"swap_acceleration"`
	OverdraftAcceleration float64 `json:"overdraft_acceleration"`
	OverdraftLent         float64 `json:"overdraft_lent"`
	OverdraftDrawn        float64 `json:"overdraft_drawn"`
	OverdraftRepaid       float64 `json:"overdraft_repaid"`
	OverdraftReceived     float64 `json:"overdraft_received"`
	Deficit               float64 `json:"deficit"`
	UnfundedDeficit       float64 `json:"unfunded_deficit"`

	OpsReserveFill  float64 `json:"ops_reserve_fill"`
	DSRAFill        float64 `json:"dsra_fill"`
	DSRARelease     float64 `json:"dsra_release"`
	MezzDivFill     float64 `json:"mezz_div_fill"`
	MezzDivPayout   float64 `json:"mezz_div_payout"`
	FDFill          float64 `json:"fd_fill"`
	RetainedCash    float64 `json:"retained_cash"`
	Dividends       float64 `json:"dividends"`
	ReserveInterest float64 `json:"reserve_interest"`

	// Balance sheet
	SeniorBalance       float64 `json:"senior_balance"`
	MezzBalance         float64 `json:"mezz_balance"`
	SwapBalance         float64 `json:"swap_balance"`
	OverdraftBalance    float64 `json:"overdraft_balance"`
	OpsReserveBalance   float64 `json:"ops_reserve_balance"`
	DSRABalance         float64 `json:"dsra_balance"`
	FDBalance           float64 `json:"fd_balance"`
	MezzDivBalance      float64 `json:"mezz_div_balance"`
	MezzDivLiability    float64 `json:"mezz_div_liability"`
	SurplusCash         float64 `json:"surplus_cash"`
	CumulativeDividends float64 `json:"cumulative_dividends"`
	RetainedEarnings    float64 `json:"retained_earnings"`

	// Flags
	Construction bool `json:"construction"`
	DSRAFunded   bool `json:"dsra_funded"`
	DebtFree     bool `json:"debt_free"`
	InDeficit    bool `json:"in_deficit"`
}

// CashBalances is the sum of cash-like accounts (conservation identity).
func (r Row) CashBalances() float64 {
	return r.OpsReserveBalance + r.DSRABalance + r.FDBalance + r.MezzDivBalance + r.SurplusCash
}

// =============================================================================
// SCHEMA
// =============================================================================

type FieldClass string

const (
	Stock FieldClass = "stock"
	Flow  FieldClass = "flow"
	Flag  FieldClass = "flag"
)

type schemaEntry struct {
	Field string
	Class FieldClass
}

var rowSchema = []schemaEntry{
	{"Revenue", Flow}, {"Opex", Flow}, {"PowerCost", Flow}, {"RentCost", Flow},
	{"EBITDA", Flow}, {"DepAccelerated", Flow}, {"DepStraightLine", Flow},
	{"Depreciation", Flow}, {"EBIT", Flow},

	{"SeniorInterest", Flow}, {"SeniorIDC", Flow}, {"MezzInterest", Flow}, {"MezzIDC", Flow},
	{"SwapInterest", Flow}, {"OverdraftInterest", Flow}, {"InterestExpense", Flow},
	{"InterestIncome", Flow}, {"PBT", Flow}, {"Tax", Flow}, {"PAT", Flow},
	{"TaxLossPool", Stock},

	{"Grants", Flow}, {"SeniorDrawdown", Flow}, {"MezzDrawdown", Flow}, {"HedgeProceeds", Flow},
	{"Capex", Flow}, {"SeniorPrincipal", Flow}, {"MezzPrincipal", Flow}, {"SwapPrincipal", Flow},
	{"DebtService", Flow}, {"CFADS", Flow},

	{"SeniorAcceleration", Flow}, {"MezzAcceleration", Flow}, {"SwapAcceleration", Flow},
	{"OverdraftAcceleration", Flow}, {"OverdraftLent", Flow}, {"OverdraftDrawn", Flow},
	{"OverdraftRepaid", Flow}, {"OverdraftReceived", Flow}, {"Deficit", Flow}, {"UnfundedDeficit", Flow},

	{"OpsReserveFill", Flow}, {"DSRAFill", Flow}, {"DSRARelease", Flow}, {"MezzDivFill", Flow},
	{"MezzDivPayout", Flow}, {"FDFill", Flow}, {"RetainedCash", Flow}, {"Dividends", Flow},
	{"ReserveInterest", Flow},

	{"SeniorBalance", Stock}, {"MezzBalance", Stock}, {"SwapBalance", Stock},
	{"OverdraftBalance", Stock}, {"OpsReserveBalance", Stock}, {"DSRABalance", Stock},
	{"FDBalance", Stock}, {"MezzDivBalance", Stock}, {"MezzDivLiability", Stock},
	{"SurplusCash", Stock}, {"CumulativeDividends", Stock}, {"RetainedEarnings", Stock},

	{"Construction", Flag}, {"DSRAFunded", Flag}, {"DebtFree", Flag}, {"InDeficit", Flag},
}

// ClassOf returns the roll-up class of a Row field.
func ClassOf(field string) (FieldClass, bool) {
	for _, e := range rowSchema {
		if e.Field == field {
			return e.Class, true
		}
	}
	return "", false
}

// ValidateRowSchema checks rowSchema against the fields of Row.
func ValidateRowSchema() error {
	return validateSchema(reflect.TypeOf(Row{}), rowSchema)
}

func validateSchema(t reflect.Type, schema []schemaEntry) error {
	fields := make(map[string]reflect.Kind, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		fields[t.Field(i).Name] = t.Field(i).Type.Kind()
	}

	seen := make(map[string]bool, len(schema))
	errSchema := &SchemaError{}
	for _, e := range schema {
		if seen[e.Field] {
			errSchema.Duplicate = append(errSchema.Duplicate, e.Field)
			continue
		}
		seen[e.Field] = true
		kind, ok := fields[e.Field]
		if !ok {
			errSchema.Unknown = append(errSchema.Unknown, e.Field)
			continue
		}
		if (e.Class == Flag) != (kind == reflect.Bool) {
			errSchema.Unknown = append(errSchema.Unknown, fmt.Sprintf("%s (%s on %s field)", e.Field, e.Class, kind))
		}
	}
	for name := range fields {
		if !seen[name] {
			errSchema.Missing = append(errSchema.Missing, name)
		}
	}
	if len(errSchema.Missing)+len(errSchema.Unknown)+len(errSchema.Duplicate) == 0 {
		return nil
	}
	sort.Strings(errSchema.Missing)
	return errSchema
}

// =============================================================================
// ANNUAL ROLL-UP
// =============================================================================

type AnnualRow struct {
	Year      int `json:"year"`
	YearIndex int `json:"year_index"`
	Row
}

// DSCR is annual CFADS over annual debt service; 0 without debt service.
func (a AnnualRow) DSCR() float64 {
	if a.DebtService <= BalanceEpsilon {
		return 0
	}
	return a.CFADS / a.DebtService
}

// Aggregate folds period rows (in timeline order) into one row per year.
func Aggregate(tl *Timeline, periods []PeriodRow) ([]AnnualRow, error) {
	if len(periods) != tl.Len() {
		return nil, fmt.Errorf("%w: aggregate needs %d period rows, got %d", ErrPeriodOutOfRange, tl.Len(), len(periods))
	}
	out := make([]AnnualRow, tl.Years())
	for y := range out {
		a, b := tl.PeriodsOfYear(y)
		out[y] = AnnualRow{
			Year:      tl.CalendarYear(y),
			YearIndex: y,
			Row:       rollUp(periods[a].Row, periods[b].Row),
		}
	}
	return out, nil
}

func rollUp(rows ...Row) Row {
	var out Row
	dst := reflect.ValueOf(&out).Elem()
	for _, e := range rowSchema {
		f := dst.FieldByName(e.Field)
		for i, r := range rows {
			src := reflect.ValueOf(r).FieldByName(e.Field)
			switch e.Class {
			case Flow:
				f.SetFloat(f.Float() + src.Float())
			case Stock:
				if i == len(rows)-1 {
					f.SetFloat(src.Float())
				}
			case Flag:
				f.SetBool(f.Bool() || src.Bool())
			}
		}
	}
	return out
}
