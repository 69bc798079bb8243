/*
scenarios.go - Demo scenario catalogue

PURPOSE:
  Pre-built scenarios over the three presets. The API lists and runs them,
  the CLI runs them by ID, and the tests use them as end-to-end fixtures.

AVAILABLE SCENARIOS:
  base-case:      Presets as configured
  grant-funded:   Construction grants prepay Water's senior tranche, plus an
                  operating grant for Property
  energy-deficit: Energy's revenue collapses for two years; the overdraft
                  plugins move cash from Water to Energy
  high-rate:      Senior and mezzanine rates two and three points higher

ADDING NEW SCENARIOS:
  1. Add an entry to the catalogue with ID, name, description
  2. Give it a build function that starts from baseScenario()

SEE ALSO:
  - presets.go: Entity presets
  - factory/scenario.go: Scenario documents (YAML)
*/
package project

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/finance-engine/engine"
)

var ErrScenarioNotFound = errors.New("scenario not found")

// Entry describes one catalogue scenario.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`

	build func() engine.Scenario
}

// Build returns a fresh scenario; callers may modify it freely.
func (e Entry) Build() engine.Scenario {
	sc := e.build()
	sc.Name = e.ID
	sc.Description = e.Description
	return sc
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var catalogue = []Entry{
	{
		ID:          "base-case",
		Name:        "Base Case",
		Description: "Three subsidiaries on preset terms, no intercompany overdraft needed",
		Category:    "base",
		build:       baseCase,
	},
	{
		ID:          "grant-funded",
		Name:        "Grant Funded",
		Description: "Construction grants prepay Water's senior debt; Property receives an operating grant",
		Category:    "funding",
		build:       grantFunded,
	},
	{
		ID:          "energy-deficit",
		Name:        "Energy Deficit",
		Description: "Energy revenue falls 55% in years 6-7; Water covers the shortfall through the overdraft",
		Category:    "stress",
		build:       energyDeficit,
	},
	{
		ID:          "high-rate",
		Name:        "High Rate",
		Description: "Senior +200bp and mezzanine +300bp on every subsidiary",
		Category:    "stress",
		build:       highRate,
	},
}

// Scenarios lists the catalogue.
func Scenarios() []Entry {
	return append([]Entry(nil), catalogue...)
}

// Lookup returns a catalogue entry by ID.
func Lookup(id string) (Entry, error) {
	for _, e := range catalogue {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrScenarioNotFound, id)
}

// BuildScenario is Lookup followed by Build.
func BuildScenario(id string) (engine.Scenario, error) {
	e, err := Lookup(id)
	if err != nil {
		return engine.Scenario{}, err
	}
	return e.Build(), nil
}

// =============================================================================
// BUILDERS
// =============================================================================

func baseScenario() engine.Scenario {
	return engine.Scenario{
		Timeline: engine.DefaultTimelineConfig(),
		Entities: Presets(),
		Holding:  HoldingConfig(),
	}
}

func entity(sc *engine.Scenario, id engine.EntityID) *engine.EntityConfig {
	for i := range sc.Entities {
		if sc.Entities[i].ID == id {
			return &sc.Entities[i]
		}
	}
	panic(fmt.Sprintf("preset %s missing", id))
}

func baseCase() engine.Scenario {
	return baseScenario()
}

func grantFunded() engine.Scenario {
	sc := baseScenario()
	entity(&sc, Water).Grants = map[int]float64{2: 1_000_000, 4: 1_500_000}
	entity(&sc, Property).Grants = map[int]float64{8: 400_000}
	return sc
}

func energyDeficit() engine.Scenario {
	sc := baseScenario()
	e := entity(&sc, Energy)
	e.Operating.Revenue = Scale(e.Operating.Revenue, 6, 8, 0.45)
	return sc
}

func highRate() engine.Scenario {
	sc := baseScenario()
	for i := range sc.Entities {
		e := &sc.Entities[i]
		e.Senior.Rate += 0.02
		if e.Mezz != nil {
			e.Mezz.Rate += 0.03
		}
	}
	return sc
}

// =============================================================================
// SENSITIVITY VARIANTS
// =============================================================================

// SweepVariants are the standard sensitivities applied to any scenario.
func SweepVariants() []engine.Variant {
	return []engine.Variant{
		{Name: "base"},
		{Name: "revenue-10pct-down", Apply: func(sc *engine.Scenario) {
			for i := range sc.Entities {
				sc.Entities[i].Operating.Revenue = Scale(sc.Entities[i].Operating.Revenue, 0, years, 0.9)
			}
		}},
		{Name: "opex-10pct-up", Apply: func(sc *engine.Scenario) {
			for i := range sc.Entities {
				sc.Entities[i].Operating.Opex = Scale(sc.Entities[i].Operating.Opex, 0, years, 1.1)
			}
		}},
		{Name: "senior-plus-100bp", Apply: func(sc *engine.Scenario) {
			for i := range sc.Entities {
				sc.Entities[i].Senior.Rate += 0.01
			}
		}},
		{Name: "no-sweep", Apply: func(sc *engine.Scenario) {
			for i := range sc.Entities {
				sc.Entities[i].Waterfall.SweepPct = 0
			}
		}},
	}
}

// NewOrchestrator returns an orchestrator wired with the project plugins.
func NewOrchestrator(logger *slog.Logger) (*engine.Orchestrator, error) {
	return engine.NewOrchestrator(logger, Plugins()...)
}
