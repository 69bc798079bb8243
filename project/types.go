// Package project implements the concrete multi-entity structure: a water
// utility, an energy utility and a property company financed by one holding.
// It uses the engine package with project-specific presets, overdraft
// plugins, elimination pairs and demo scenarios.
package project

import "github.com/warp/finance-engine/engine"

// =============================================================================
// ENTITIES
// =============================================================================

const (
	Water    engine.EntityID = "water"
	Energy   engine.EntityID = "energy"
	Property engine.EntityID = "property"
	Holding  engine.EntityID = "holding"
)

// Subsidiaries lists the operating entities in run order.
var Subsidiaries = []engine.EntityID{Water, Energy, Property}

// Quantities exchanged between entities in pass 2.
const (
	QuantityEnergyDeficit   = "energy.deficit"
	QuantityWaterLent       = "water.lent"
	QuantityEnergyOverdraft = "energy.overdraft"
	QuantityWaterReceipts   = "water.receipts"
)

// =============================================================================
// SHARED FACILITY TERMS
// =============================================================================

// Facility-wide draw schedules. Each subsidiary draws its share of every
// tranche.
var (
	seniorFacilityDraws = []float64{6_000_000, 9_000_000, 9_000_000, 6_000_000}
	mezzFacilityDraws   = []float64{0, 2_000_000, 2_000_000, 2_000_000}
)

const (
	seniorFacilityPrincipal = 30_000_000
	mezzFacilityPrincipal   = 6_000_000

	seniorRate    = 0.055
	mezzRate      = 0.09
	seniorMargin  = 0.01
	mezzMargin    = 0.02
	seniorRepays  = 14
	mezzRepays    = 10
	depositRate   = 0.02
	mezzGapRate   = 0.03
	overdraftRate = 0.06
	taxRate       = 0.25
)

// Shares of the facility-wide principal.
var facilityShares = map[engine.EntityID]float64{
	Water:    0.40,
	Energy:   0.35,
	Property: 0.25,
}
