/*
Package factory provides YAML to Go scenario conversion.

PURPOSE:
  Converts scenario documents into engine.Scenario values, and back. Analysts
  edit a document; the factory validates it and builds the engine structs.
  JSON documents are accepted too (YAML is a superset).

DOCUMENT SCHEMA:
  name: base-case
  timeline: {start_year: 2025, periods: 20, construction_periods: 6}
  holding:
    id: holding
    eliminations:
      - {seller: energy, buyer: water, kind: power}
  entities:
    - id: water
      senior: {principal: 12000000, share: 0.4, rate: 0.055, repayments: 14,
               drawdowns: [6000000, 9000000, 9000000, 6000000]}
      senior_margin: 0.01
      operating:
        revenue: [0, 0, 0, 8000000, ...]   # 10 annual or 20 period values
        opex:    [0, 0, 0, 2400000, ...]
      overdraft: lender
      reserves: {deposit_rate: 0.02, overdraft_rate: 0.06}

VALIDATION:
  Struct tags (go-playground/validator) catch absent and out-of-range
  fields. Failures become engine.ConfigError naming the entity and the
  document path of the field, so a missing rate reads "senior.rate".
  Unknown keys are rejected. Cross-field rules (horizon, drawdown totals)
  are left to the engine.

USAGE:
  f := factory.NewScenarioFactory()
  sc, err := f.ParseScenario(data)

  // Start from a catalogue scenario
  sc, _ := project.BuildScenario("base-case")
  data, err := f.ExportScenario(sc)

SEE ALSO:
  - engine/orchestrator.go: Scenario
  - project/scenarios.go: Go-built scenarios
*/
package factory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/warp/finance-engine/engine"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// ScenarioDoc is the document form of engine.Scenario.
type ScenarioDoc struct {
	Name        string       `yaml:"name" validate:"required"`
	Description string       `yaml:"description,omitempty"`
	Timeline    *TimelineDoc `yaml:"timeline,omitempty"`
	Holding     HoldingDoc   `yaml:"holding"`
	Entities    []EntityDoc  `yaml:"entities" validate:"required,min=1"`
}

type TimelineDoc struct {
	StartYear           int `yaml:"start_year" validate:"required,gte=1900"`
	Periods             int `yaml:"periods" validate:"required,gt=0"`
	ConstructionPeriods int `yaml:"construction_periods" validate:"gte=0"`
}

type HoldingDoc struct {
	ID           string           `yaml:"id" validate:"required"`
	Name         string           `yaml:"name,omitempty"`
	Eliminations []EliminationDoc `yaml:"eliminations,omitempty" validate:"dive"`
}

type EliminationDoc struct {
	Seller string `yaml:"seller" validate:"required"`
	Buyer  string `yaml:"buyer" validate:"required"`
	Kind   string `yaml:"kind" validate:"required,oneof=power rent"`
}

// EntityDoc is validated on its own so errors can name the entity.
type EntityDoc struct {
	ID           string           `yaml:"id" validate:"required"`
	Name         string           `yaml:"name,omitempty"`
	Senior       *FacilityDoc     `yaml:"senior" validate:"required"`
	Mezz         *FacilityDoc     `yaml:"mezz,omitempty"`
	SeniorMargin float64          `yaml:"senior_margin,omitempty" validate:"gte=0"`
	MezzMargin   float64          `yaml:"mezz_margin,omitempty" validate:"gte=0"`
	Swap         *SwapDoc         `yaml:"swap,omitempty"`
	Operating    OperatingDoc     `yaml:"operating"`
	Grants       map[int]float64  `yaml:"grants,omitempty" validate:"dive,gte=0"`
	Reserves     ReservesDoc      `yaml:"reserves"`
	Overdraft    string           `yaml:"overdraft,omitempty" validate:"omitempty,oneof=lender borrower"`
	Waterfall    WaterfallDoc     `yaml:"waterfall"`
	Tax          TaxDoc           `yaml:"tax"`
	Depreciation *DepreciationDoc `yaml:"depreciation,omitempty"`
}

// FacilityDoc uses pointers so an absent rate is told apart from a zero one.
type FacilityDoc struct {
	Principal        *float64        `yaml:"principal" validate:"required,gt=0"`
	Share            *float64        `yaml:"share,omitempty" validate:"omitempty,gt=0,lte=1"`
	Rate             *float64        `yaml:"rate" validate:"required,gt=0"`
	Repayments       *int            `yaml:"repayments" validate:"required,gt=0"`
	Drawdowns        []float64       `yaml:"drawdowns,omitempty" validate:"dive,gte=0"`
	GrantPrepayments map[int]float64 `yaml:"grant_prepayments,omitempty" validate:"dive,gte=0"`
	FirstRepayment   int             `yaml:"first_repayment,omitempty" validate:"gte=0"`
}

type SwapDoc struct {
	NotionalEUR float64 `yaml:"notional_eur" validate:"required,gt=0"`
	FXRate      float64 `yaml:"fx_rate" validate:"required,gt=0"`
	Rate        float64 `yaml:"rate" validate:"required,gt=0"`
	StartPeriod int     `yaml:"start_period" validate:"gte=0"`
	Tenor       int     `yaml:"tenor" validate:"required,gt=0"`
}

type OperatingDoc struct {
	Revenue       []float64 `yaml:"revenue" validate:"required,min=1,dive,gte=0"`
	Opex          []float64 `yaml:"opex,omitempty" validate:"dive,gte=0"`
	PowerCost     []float64 `yaml:"power_cost,omitempty" validate:"dive,gte=0"`
	RentCost      []float64 `yaml:"rent_cost,omitempty" validate:"dive,gte=0"`
	Capex         []float64 `yaml:"capex,omitempty" validate:"dive,gte=0"`
	HedgeProceeds []float64 `yaml:"hedge_proceeds,omitempty" validate:"dive,gte=0"`
}

type ReservesDoc struct {
	DepositRate   float64 `yaml:"deposit_rate" validate:"gte=0"`
	OpsOpening    float64 `yaml:"ops_opening,omitempty" validate:"gte=0"`
	DSRAOpening   float64 `yaml:"dsra_opening,omitempty" validate:"gte=0"`
	FDOpening     float64 `yaml:"fd_opening,omitempty" validate:"gte=0"`
	MezzGapRate   float64 `yaml:"mezz_gap_rate,omitempty" validate:"gte=0"`
	OverdraftRate float64 `yaml:"overdraft_rate,omitempty" validate:"gte=0"`
}

type WaterfallDoc struct {
	SweepPct                 float64 `yaml:"sweep_pct" validate:"gte=0,lte=1"`
	DividendPct              float64 `yaml:"dividend_pct" validate:"gte=0,lte=1"`
	DividendStart            int     `yaml:"dividend_start,omitempty" validate:"gte=0"`
	DividendRequiresDebtFree bool    `yaml:"dividend_requires_debt_free"`
	SpecialOpsPeriod         *int    `yaml:"special_ops_period,omitempty" validate:"omitempty,gte=0"`
}

// TaxDoc.Rate is a pointer so a missing rate is rejected; an explicit 0 is allowed.
type TaxDoc struct {
	Rate            *float64 `yaml:"rate" validate:"required,gte=0,lt=1"`
	OpeningLossPool float64  `yaml:"opening_loss_pool,omitempty" validate:"lte=0"`
}

type DepreciationDoc struct {
	Base              float64 `yaml:"base" validate:"gte=0"`
	AcceleratedShare  float64 `yaml:"accelerated_share" validate:"gte=0,lte=1"`
	StraightLineYears int     `yaml:"straight_line_years" validate:"gte=0"`
	CODPeriod         int     `yaml:"cod_period" validate:"gte=0"`
}

// =============================================================================
// SCENARIO FACTORY
// =============================================================================

// ScenarioFactory converts scenario documents to engine structs.
type ScenarioFactory struct {
	validate *validator.Validate
}

// NewScenarioFactory creates a factory whose validation errors use YAML key names.
func NewScenarioFactory() *ScenarioFactory {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &ScenarioFactory{validate: v}
}

// ParseScenario decodes and validates a YAML or JSON document.
func (f *ScenarioFactory) ParseScenario(data []byte) (engine.Scenario, error) {
	doc, err := f.Decode(bytes.NewReader(data))
	if err != nil {
		return engine.Scenario{}, err
	}
	return f.FromDocument(doc)
}

// Decode reads one document, rejecting unknown keys.
func (f *ScenarioFactory) Decode(r io.Reader) (ScenarioDoc, error) {
	var doc ScenarioDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return ScenarioDoc{}, &engine.ConfigError{Field: "document", Reason: "is empty", Missing: true}
		}
		return ScenarioDoc{}, &engine.ConfigError{Field: "document", Reason: err.Error()}
	}
	return doc, nil
}

// FromDocument validates doc and converts it to an engine.Scenario.
func (f *ScenarioFactory) FromDocument(doc ScenarioDoc) (engine.Scenario, error) {
	// entities first, one at a time, so the error carries the entity ID
	for i, ed := range doc.Entities {
		if err := f.validate.Struct(ed); err != nil {
			entity := engine.EntityID(ed.ID)
			if entity == "" {
				entity = engine.EntityID(fmt.Sprintf("entities[%d]", i))
			}
			return engine.Scenario{}, configError(entity, err)
		}
	}
	if err := f.validate.Struct(doc); err != nil {
		return engine.Scenario{}, configError("", err)
	}

	sc := engine.Scenario{
		Name:        doc.Name,
		Description: doc.Description,
		Timeline:    engine.DefaultTimelineConfig(),
		Holding: engine.HoldingConfig{
			ID:   engine.EntityID(doc.Holding.ID),
			Name: doc.Holding.Name,
		},
	}
	if t := doc.Timeline; t != nil {
		sc.Timeline = engine.TimelineConfig{
			StartYear:           t.StartYear,
			Periods:             t.Periods,
			ConstructionPeriods: t.ConstructionPeriods,
		}
	}
	for _, el := range doc.Holding.Eliminations {
		sc.Holding.Eliminations = append(sc.Holding.Eliminations, engine.Elimination{
			Seller: engine.EntityID(el.Seller),
			Buyer:  engine.EntityID(el.Buyer),
			Kind:   engine.CostKind(el.Kind),
		})
	}
	for _, ed := range doc.Entities {
		sc.Entities = append(sc.Entities, entityFromDoc(ed))
	}
	return sc, sc.Validate()
}

// configError turns the first validator failure into an engine.ConfigError.
func configError(entity engine.EntityID, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &engine.ConfigError{Entity: entity, Field: "document", Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &engine.ConfigError{
		Entity:  entity,
		Field:   field,
		Reason:  reason,
		Missing: fe.Tag() == "required",
	}
}

// =============================================================================
// CONVERSION
// =============================================================================

func entityFromDoc(ed EntityDoc) engine.EntityConfig {
	cfg := engine.EntityConfig{
		ID:           engine.EntityID(ed.ID),
		Name:         ed.Name,
		Senior:       facilityFromDoc(engine.TrancheSenior, *ed.Senior),
		SeniorMargin: ed.SeniorMargin,
		MezzMargin:   ed.MezzMargin,
		Operating: engine.OperatingInputs{
			Revenue:       ed.Operating.Revenue,
			Opex:          ed.Operating.Opex,
			PowerCost:     ed.Operating.PowerCost,
			RentCost:      ed.Operating.RentCost,
			Capex:         ed.Operating.Capex,
			HedgeProceeds: ed.Operating.HedgeProceeds,
		},
		Grants: ed.Grants,
		Reserves: engine.ReserveTerms{
			DepositRate:   ed.Reserves.DepositRate,
			OpsOpening:    ed.Reserves.OpsOpening,
			DSRAOpening:   ed.Reserves.DSRAOpening,
			FDOpening:     ed.Reserves.FDOpening,
			MezzGapRate:   ed.Reserves.MezzGapRate,
			OverdraftRate: ed.Reserves.OverdraftRate,
		},
		Overdraft: engine.OverdraftRole(ed.Overdraft),
		Waterfall: engine.WaterfallTerms{
			SweepPct:                 ed.Waterfall.SweepPct,
			DividendPct:              ed.Waterfall.DividendPct,
			DividendStart:            ed.Waterfall.DividendStart,
			DividendRequiresDebtFree: ed.Waterfall.DividendRequiresDebtFree,
			SpecialOpsPeriod:         ed.Waterfall.SpecialOpsPeriod,
		},
		Tax: engine.TaxTerms{Rate: *ed.Tax.Rate, OpeningLossPool: ed.Tax.OpeningLossPool},
	}
	if ed.Mezz != nil {
		mezz := facilityFromDoc(engine.TrancheMezz, *ed.Mezz)
		cfg.Mezz = &mezz
	}
	if s := ed.Swap; s != nil {
		cfg.Swap = &engine.SwapTerms{
			NotionalEUR: s.NotionalEUR,
			FXRate:      s.FXRate,
			Rate:        s.Rate,
			StartPeriod: s.StartPeriod,
			Tenor:       s.Tenor,
		}
	}
	if d := ed.Depreciation; d != nil {
		cfg.Depreciation = engine.DepreciationTerms{
			Base:              d.Base,
			AcceleratedShare:  d.AcceleratedShare,
			StraightLineYears: d.StraightLineYears,
			CODPeriod:         d.CODPeriod,
		}
	}
	return cfg
}

func facilityFromDoc(tranche engine.Tranche, fd FacilityDoc) engine.FacilityTerms {
	share := 1.0
	if fd.Share != nil {
		share = *fd.Share
	}
	return engine.FacilityTerms{
		Tranche:          tranche,
		Principal:        *fd.Principal,
		Share:            share,
		Rate:             *fd.Rate,
		Repayments:       *fd.Repayments,
		Drawdowns:        fd.Drawdowns,
		GrantPrepayments: fd.GrantPrepayments,
		FirstRepayment:   fd.FirstRepayment,
	}
}

// =============================================================================
// EXPORT
// =============================================================================

// ToDocument converts a scenario to its document form. Explicit swap
// schedules have no document form and are dropped.
func (f *ScenarioFactory) ToDocument(sc engine.Scenario) ScenarioDoc {
	tl := sc.TimelineOrDefault()
	doc := ScenarioDoc{
		Name:        sc.Name,
		Description: sc.Description,
		Timeline: &TimelineDoc{
			StartYear:           tl.StartYear,
			Periods:             tl.Periods,
			ConstructionPeriods: tl.ConstructionPeriods,
		},
		Holding: HoldingDoc{ID: string(sc.Holding.ID), Name: sc.Holding.Name},
	}
	for _, el := range sc.Holding.Eliminations {
		doc.Holding.Eliminations = append(doc.Holding.Eliminations, EliminationDoc{
			Seller: string(el.Seller),
			Buyer:  string(el.Buyer),
			Kind:   string(el.Kind),
		})
	}
	for _, e := range sc.Entities {
		doc.Entities = append(doc.Entities, entityToDoc(e))
	}
	return doc
}

// ExportScenario renders a scenario as a YAML document.
func (f *ScenarioFactory) ExportScenario(sc engine.Scenario) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f.ToDocument(sc)); err != nil {
		return nil, fmt.Errorf("encode scenario %s: %w", sc.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func entityToDoc(e engine.EntityConfig) EntityDoc {
	taxRate := e.Tax.Rate
	ed := EntityDoc{
		ID:           string(e.ID),
		Name:         e.Name,
		Senior:       facilityToDoc(e.Senior),
		SeniorMargin: e.SeniorMargin,
		MezzMargin:   e.MezzMargin,
		Operating: OperatingDoc{
			Revenue:       e.Operating.Revenue,
			Opex:          e.Operating.Opex,
			PowerCost:     e.Operating.PowerCost,
			RentCost:      e.Operating.RentCost,
			Capex:         e.Operating.Capex,
			HedgeProceeds: e.Operating.HedgeProceeds,
		},
		Grants: e.Grants,
		Reserves: ReservesDoc{
			DepositRate:   e.Reserves.DepositRate,
			OpsOpening:    e.Reserves.OpsOpening,
			DSRAOpening:   e.Reserves.DSRAOpening,
			FDOpening:     e.Reserves.FDOpening,
			MezzGapRate:   e.Reserves.MezzGapRate,
			OverdraftRate: e.Reserves.OverdraftRate,
		},
		Overdraft: string(e.Overdraft),
		Waterfall: WaterfallDoc{
			SweepPct:                 e.Waterfall.SweepPct,
			DividendPct:              e.Waterfall.DividendPct,
			DividendStart:            e.Waterfall.DividendStart,
			DividendRequiresDebtFree: e.Waterfall.DividendRequiresDebtFree,
			SpecialOpsPeriod:         e.Waterfall.SpecialOpsPeriod,
		},
		Tax: TaxDoc{Rate: &taxRate, OpeningLossPool: e.Tax.OpeningLossPool},
	}
	if e.Mezz != nil {
		ed.Mezz = facilityToDoc(*e.Mezz)
	}
	if s := e.Swap; s != nil {
		ed.Swap = &SwapDoc{
			NotionalEUR: s.NotionalEUR,
			FXRate:      s.FXRate,
			Rate:        s.Rate,
			StartPeriod: s.StartPeriod,
			Tenor:       s.Tenor,
		}
	}
	if d := e.Depreciation; d != (engine.DepreciationTerms{}) {
		ed.Depreciation = &DepreciationDoc{
			Base:              d.Base,
			AcceleratedShare:  d.AcceleratedShare,
			StraightLineYears: d.StraightLineYears,
			CODPeriod:         d.CODPeriod,
		}
	}
	return ed
}

func facilityToDoc(t engine.FacilityTerms) *FacilityDoc {
	principal, share, rate, repayments := t.Principal, t.Share, t.Rate, t.Repayments
	return &FacilityDoc{
		Principal:        &principal,
		Share:            &share,
		Rate:             &rate,
		Repayments:       &repayments,
		Drawdowns:        t.Drawdowns,
		GrantPrepayments: t.GrantPrepayments,
		FirstRepayment:   t.FirstRepayment,
	}
}
