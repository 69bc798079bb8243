/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The engine works in
  float64; every amount leaving the API is a cent-rounded decimal so
  clients never see float noise.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Scenarios:  ScenarioDTO, ScenarioDetailDTO
  Runs:       CreateRunRequest, RunDTO, RunDetailDTO, EntitySummaryDTO, PluginDTO
  Holding:    HoldingRowDTO
  Sweeps:     SweepRequest, SweepRowDTO

SEE ALSO:
  - handlers.go: Uses these types
  - store/sqlite/sqlite.go: AnnualRecord and FacilityRecord are served as-is
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/project"
)

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Entities    []string `json:"entities,omitempty"`
}

// ScenarioDetailDTO carries the scenario as a YAML document that can be
// edited and posted back to /api/runs.
type ScenarioDetailDTO struct {
	ScenarioDTO
	Document string `json:"document"`
}

func toScenarioDTO(e project.Entry, sc *engine.Scenario) ScenarioDTO {
	dto := ScenarioDTO{ID: e.ID, Name: e.Name, Description: e.Description, Category: e.Category}
	if sc != nil {
		for _, ent := range sc.Entities {
			dto.Entities = append(dto.Entities, string(ent.ID))
		}
	}
	return dto
}

// =============================================================================
// RUNS
// =============================================================================

// CreateRunRequest names a catalogue scenario or carries a full document.
// Exactly one of the two must be set.
type CreateRunRequest struct {
	ScenarioID string          `json:"scenario_id,omitempty"`
	Scenario   json.RawMessage `json:"scenario,omitempty"`
}

type RunDTO struct {
	ID                  string          `json:"id"`
	Scenario            string          `json:"scenario"`
	CreatedAt           string          `json:"created_at"`
	Entities            int             `json:"entities"`
	CumulativeDividends decimal.Decimal `json:"cumulative_dividends"`
	MinDSCR             decimal.Decimal `json:"min_dscr"`
	Cached              bool            `json:"cached,omitempty"`
}

func toRunDTO(s engine.RunSummary) RunDTO {
	return RunDTO{
		ID:                  s.ID,
		Scenario:            s.Scenario,
		CreatedAt:           s.CreatedAt.UTC().Format(time.RFC3339),
		Entities:            s.Entities,
		CumulativeDividends: engine.Money(s.CumulativeDividends),
		MinDSCR:             ratio(s.MinDSCR),
	}
}

type RunDetailDTO struct {
	RunDTO
	Timeline engine.TimelineConfig `json:"timeline"`
	Years    []int                 `json:"years"`
	Order    []engine.EntityID     `json:"order"`
	Results  []EntitySummaryDTO    `json:"results"`
	Plugins  []PluginDTO           `json:"plugins"`
}

// EntitySummaryDTO is the headline of one entity over the horizon.
type EntitySummaryDTO struct {
	ID                  engine.EntityID      `json:"id"`
	Name                string               `json:"name"`
	Overdraft           engine.OverdraftRole `json:"overdraft,omitempty"`
	CumulativeDividends decimal.Decimal      `json:"cumulative_dividends"`
	FinalSeniorBalance  decimal.Decimal      `json:"final_senior_balance"`
	UnfundedDeficit     decimal.Decimal      `json:"unfunded_deficit"`
	DeficitPeriods      int                  `json:"deficit_periods"`
	MinDSCR             decimal.Decimal      `json:"min_dscr"`
}

func toEntitySummary(e *engine.EntityResult) EntitySummaryDTO {
	dto := EntitySummaryDTO{ID: e.Entity, Name: e.Name, Overdraft: e.Overdraft}
	unfunded, minDSCR, first := 0.0, 0.0, true
	for _, a := range e.Annual {
		unfunded += a.UnfundedDeficit
		if a.DebtService > engine.BalanceEpsilon && (first || a.DSCR() < minDSCR) {
			minDSCR, first = a.DSCR(), false
		}
	}
	for _, p := range e.Periods {
		if p.InDeficit {
			dto.DeficitPeriods++
		}
	}
	if n := len(e.Annual); n > 0 {
		dto.CumulativeDividends = engine.Money(e.Annual[n-1].CumulativeDividends)
		dto.FinalSeniorBalance = engine.Money(e.Annual[n-1].SeniorBalance)
	}
	dto.UnfundedDeficit = engine.Money(unfunded)
	dto.MinDSCR = ratio(minDSCR)
	return dto
}

type PluginDTO struct {
	Plugin   string            `json:"plugin"`
	Detected decimal.Decimal   `json:"detected"`
	Material bool              `json:"material"`
	Rerun    []engine.EntityID `json:"rerun,omitempty"`
}

func toPluginDTOs(reports []engine.PluginReport) []PluginDTO {
	out := make([]PluginDTO, len(reports))
	for i, r := range reports {
		out[i] = PluginDTO{Plugin: r.Plugin, Detected: engine.Money(r.Detected), Material: r.Material, Rerun: r.Rerun}
	}
	return out
}

// =============================================================================
// HOLDING
// =============================================================================

type HoldingRowDTO struct {
	Year             int             `json:"year"`
	Revenue          decimal.Decimal `json:"revenue"`
	Eliminations     decimal.Decimal `json:"eliminations"`
	EBITDA           decimal.Decimal `json:"ebitda"`
	ICSeniorInterest decimal.Decimal `json:"ic_senior_interest"`
	ICMezzInterest   decimal.Decimal `json:"ic_mezz_interest"`
	ExternalInterest decimal.Decimal `json:"external_interest"`
	MarginIncome     decimal.Decimal `json:"margin_income"`
	PAT              decimal.Decimal `json:"pat"`
	Dividends        decimal.Decimal `json:"dividends"`
	DSCR             decimal.Decimal `json:"dscr"`
}

func toHoldingRows(rows []engine.HoldingRow) []HoldingRowDTO {
	out := make([]HoldingRowDTO, len(rows))
	for i, r := range rows {
		out[i] = HoldingRowDTO{
			Year:             r.Year,
			Revenue:          engine.Money(r.Revenue),
			Eliminations:     engine.Money(r.Eliminations),
			EBITDA:           engine.Money(r.EBITDA),
			ICSeniorInterest: engine.Money(r.ICSeniorInterest),
			ICMezzInterest:   engine.Money(r.ICMezzInterest),
			ExternalInterest: engine.Money(r.ExternalInterest),
			MarginIncome:     engine.Money(r.MarginIncome),
			PAT:              engine.Money(r.PAT),
			Dividends:        engine.Money(r.Dividends),
			DSCR:             ratio(r.DSCR),
		}
	}
	return out
}

// =============================================================================
// SWEEPS
// =============================================================================

// SweepRequest runs a catalogue scenario under named variants; no names
// means every standard variant.
type SweepRequest struct {
	ScenarioID string   `json:"scenario_id"`
	Variants   []string `json:"variants,omitempty"`
}

type SweepRowDTO struct {
	Variant             string          `json:"variant"`
	CumulativeDividends decimal.Decimal `json:"cumulative_dividends"`
	MinDSCR             decimal.Decimal `json:"min_dscr"`
	FinalSeniorBalance  decimal.Decimal `json:"final_senior_balance"`
	UnfundedDeficit     decimal.Decimal `json:"unfunded_deficit"`
	Error               string          `json:"error,omitempty"`
}

func toSweepRows(rows []engine.SweepResult) []SweepRowDTO {
	out := make([]SweepRowDTO, len(rows))
	for i, r := range rows {
		out[i] = SweepRowDTO{
			Variant:             r.Variant,
			CumulativeDividends: engine.Money(r.CumulativeDividends),
			MinDSCR:             ratio(r.MinDSCR),
			FinalSeniorBalance:  engine.Money(r.FinalSeniorBalance),
			UnfundedDeficit:     engine.Money(r.UnfundedDeficit),
			Error:               r.Error,
		}
	}
	return out
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func ratio(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(4)
}
