/*
presets.go - Pre-built entity configurations for the three subsidiaries

PURPOSE:
  Provides ready-to-use EntityConfigs for the water utility, the energy
  utility and the property company, plus the holding with its elimination
  pairs. Scenarios start from these and override what they need.

ENTITY ROLES:
  Water:    Overdraft lender. Buys power from Energy, rents from Property.
  Energy:   Overdraft borrower. Sells power to Water, rents from Property,
            carries a cross-currency swap leg.
  Property: Rents sites to Water and Energy. No overdraft.

OPERATING VECTORS:
  Annual, ten values, zero through construction. The engine splits each
  year across its two semi-annual periods.

EXAMPLE:
  cfg := project.WaterConfig()
  cfg.Operating.Revenue = project.Escalating(3, 9_000_000, 0.02)

SEE ALSO:
  - scenarios.go: Scenario catalogue built from these presets
  - plugins.go: Overdraft reconciliation between Water and Energy
*/
package project

import "github.com/warp/finance-engine/engine"

// =============================================================================
// VECTOR HELPERS
// =============================================================================

const years = 10

// codYear is the first operating year (construction covers periods 0-5).
const codYear = 3

// Escalating returns a ten-year vector starting at base in year `from` and
// growing by g a year. Earlier years are zero.
func Escalating(from int, base, g float64) []float64 {
	v := make([]float64, years)
	amt := base
	for y := from; y < years; y++ {
		v[y] = amt
		amt *= 1 + g
	}
	return v
}

// Scale returns a copy of v with years [from, to) multiplied by f.
func Scale(v []float64, from, to int, f float64) []float64 {
	out := append([]float64(nil), v...)
	for y := max(from, 0); y < min(to, len(out)); y++ {
		out[y] *= f
	}
	return out
}

// =============================================================================
// SUBSIDIARIES
// =============================================================================

func tranches(id engine.EntityID) (engine.FacilityTerms, *engine.FacilityTerms) {
	share := facilityShares[id]
	senior := engine.FacilityTerms{
		Tranche:    engine.TrancheSenior,
		Principal:  seniorFacilityPrincipal * share,
		Share:      share,
		Rate:       seniorRate,
		Repayments: seniorRepays,
		Drawdowns:  append([]float64(nil), seniorFacilityDraws...),
	}
	mezz := &engine.FacilityTerms{
		Tranche:    engine.TrancheMezz,
		Principal:  mezzFacilityPrincipal * share,
		Share:      share,
		Rate:       mezzRate,
		Repayments: mezzRepays,
		Drawdowns:  append([]float64(nil), mezzFacilityDraws...),
	}
	return senior, mezz
}

func baseEntity(id engine.EntityID, name string) engine.EntityConfig {
	senior, mezz := tranches(id)
	return engine.EntityConfig{
		ID:           id,
		Name:         name,
		Senior:       senior,
		Mezz:         mezz,
		SeniorMargin: seniorMargin,
		MezzMargin:   mezzMargin,
		Reserves: engine.ReserveTerms{
			DepositRate: depositRate,
			MezzGapRate: mezzGapRate,
		},
		Waterfall: engine.WaterfallTerms{
			SweepPct:                 0.5,
			DividendPct:              0.6,
			DividendRequiresDebtFree: true,
		},
		Tax: engine.TaxTerms{Rate: taxRate},
		Depreciation: engine.DepreciationTerms{
			Base:              senior.Principal + mezz.Principal,
			AcceleratedShare:  0.5,
			StraightLineYears: 20,
			CODPeriod:         5,
		},
	}
}

// WaterConfig is the water utility: lender on the intercompany overdraft.
func WaterConfig() engine.EntityConfig {
	cfg := baseEntity(Water, "Water Utility")
	cfg.Operating = engine.OperatingInputs{
		Revenue:   Escalating(codYear, 8_000_000, 0.02),
		Opex:      Escalating(codYear, 2_400_000, 0.02),
		PowerCost: Escalating(codYear, 600_000, 0.02),
		RentCost:  Escalating(codYear, 200_000, 0.0),
	}
	cfg.Overdraft = engine.OverdraftLender
	cfg.Reserves.OverdraftRate = overdraftRate
	return cfg
}

// EnergyConfig is the energy utility: borrower on the overdraft, with a
// EUR swap leg converted at the preset FX rate.
func EnergyConfig() engine.EntityConfig {
	cfg := baseEntity(Energy, "Energy Utility")
	cfg.Operating = engine.OperatingInputs{
		Revenue:  Escalating(codYear, 7_600_000, 0.02),
		Opex:     Escalating(codYear, 2_300_000, 0.02),
		RentCost: Escalating(codYear, 300_000, 0.0),
	}
	cfg.Overdraft = engine.OverdraftBorrower
	cfg.Reserves.OverdraftRate = overdraftRate
	cfg.Swap = &engine.SwapTerms{
		NotionalEUR: 1_000_000,
		FXRate:      1.10,
		Rate:        0.045,
		StartPeriod: 6,
		Tenor:       10,
	}
	return cfg
}

// PropertyConfig is the property company that leases sites to the utilities.
func PropertyConfig() engine.EntityConfig {
	cfg := baseEntity(Property, "Property Company")
	cfg.Operating = engine.OperatingInputs{
		Revenue: Escalating(codYear, 4_400_000, 0.015),
		Opex:    Escalating(codYear, 1_000_000, 0.02),
	}
	return cfg
}

// HoldingConfig lists the intercompany sales removed on consolidation.
func HoldingConfig() engine.HoldingConfig {
	return engine.HoldingConfig{
		ID:   Holding,
		Name: "Holding Company",
		Eliminations: []engine.Elimination{
			{Seller: Energy, Buyer: Water, Kind: engine.CostPower},
			{Seller: Property, Buyer: Water, Kind: engine.CostRent},
			{Seller: Property, Buyer: Energy, Kind: engine.CostRent},
		},
	}
}

// Presets returns the three subsidiary configs in run order.
func Presets() []engine.EntityConfig {
	return []engine.EntityConfig{WaterConfig(), EnergyConfig(), PropertyConfig()}
}
