package engine

import "fmt"

// =============================================================================
// PERIOD - One semi-annual settlement step
// =============================================================================

// Phase separates the construction batch from the waterfall-driven periods.
type Phase string

const (
	PhaseConstruction Phase = "construction" // interest capitalised, no waterfall acceleration
	PhaseRepayment    Phase = "repayment"    // scheduled debt service and waterfall
)

// Period is an immutable entry of the Timeline.
// Months are counted from model start: period i covers [6i, 6i+6).
type Period struct {
	Index        int     `json:"index"`
	StartMonth   int     `json:"start_month"`
	EndMonth     int     `json:"end_month"`
	Phase        Phase   `json:"phase"`
	Year         int     `json:"year"`       // calendar year
	YearIndex    int     `json:"year_index"` // 0-based model year
	YearFraction float64 `json:"year_fraction"`
}

func (p Period) IsConstruction() bool { return p.Phase == PhaseConstruction }

func (p Period) String() string {
	half := "H1"
	if p.Index%2 == 1 {
		half = "H2"
	}
	return fmt.Sprintf("P%02d %d-%s (%s)", p.Index+1, p.Year, half, p.Phase)
}

// =============================================================================
// TIMELINE - Explicitly constructed lookup context
// =============================================================================

const (
	MonthsPerPeriod   = 6
	PeriodsPerYear    = 2
	DefaultPeriods    = 20
	DefaultStartYear  = 2025
	DefaultConstrPers = 6
)

// TimelineConfig defines the horizon. The defaults give ten years of
// semi-annual periods with a three-year construction phase.
type TimelineConfig struct {
	StartYear           int `json:"start_year" yaml:"start_year"`
	Periods             int `json:"periods" yaml:"periods"`
	ConstructionPeriods int `json:"construction_periods" yaml:"construction_periods"`
}

func DefaultTimelineConfig() TimelineConfig {
	return TimelineConfig{
		StartYear:           DefaultStartYear,
		Periods:             DefaultPeriods,
		ConstructionPeriods: DefaultConstrPers,
	}
}

// Timeline is the immutable period lookup passed into every component.
// Nothing in the engine reads a process-wide timeline; tests can build as
// many independent timelines as they need.
type Timeline struct {
	cfg     TimelineConfig
	periods []Period
}

// NewTimeline validates the config and materialises every period.
func NewTimeline(cfg TimelineConfig) (*Timeline, error) {
	if cfg.Periods <= 0 {
		return nil, invalidField("", "timeline.periods", "must be > 0")
	}
	if cfg.Periods%PeriodsPerYear != 0 {
		return nil, invalidField("", "timeline.periods", "must cover whole years")
	}
	if cfg.ConstructionPeriods < 0 || cfg.ConstructionPeriods >= cfg.Periods {
		return nil, invalidField("", "timeline.construction_periods", "must be in [0, periods)")
	}
	if cfg.StartYear <= 0 {
		return nil, missingField("", "timeline.start_year")
	}

	periods := make([]Period, cfg.Periods)
	for i := range periods {
		phase := PhaseRepayment
		if i < cfg.ConstructionPeriods {
			phase = PhaseConstruction
		}
		periods[i] = Period{
			Index:        i,
			StartMonth:   i * MonthsPerPeriod,
			EndMonth:     (i + 1) * MonthsPerPeriod,
			Phase:        phase,
			Year:         cfg.StartYear + i/PeriodsPerYear,
			YearIndex:    i / PeriodsPerYear,
			YearFraction: 1.0 / PeriodsPerYear,
		}
	}
	return &Timeline{cfg: cfg, periods: periods}, nil
}

// MustTimeline is NewTimeline for known-good configs (presets, tests).
func MustTimeline(cfg TimelineConfig) *Timeline {
	tl, err := NewTimeline(cfg)
	if err != nil {
		panic(err)
	}
	return tl
}

func (t *Timeline) Config() TimelineConfig { return t.cfg }
func (t *Timeline) Len() int               { return len(t.periods) }
func (t *Timeline) Years() int             { return len(t.periods) / PeriodsPerYear }

// Period returns the period at index i.
func (t *Timeline) Period(i int) (Period, error) {
	if i < 0 || i >= len(t.periods) {
		return Period{}, fmt.Errorf("%w: %d (timeline has %d periods)", ErrPeriodOutOfRange, i, len(t.periods))
	}
	return t.periods[i], nil
}

// Periods returns a copy of all periods.
func (t *Timeline) Periods() []Period {
	out := make([]Period, len(t.periods))
	copy(out, t.periods)
	return out
}

func (t *Timeline) IsConstruction(i int) bool {
	return i >= 0 && i < t.cfg.ConstructionPeriods
}

// FirstRepayment is the index of the first repayment-phase period.
func (t *Timeline) FirstRepayment() int { return t.cfg.ConstructionPeriods }

func (t *Timeline) ConstructionIndices() []int {
	out := make([]int, 0, t.cfg.ConstructionPeriods)
	for i := 0; i < t.cfg.ConstructionPeriods; i++ {
		out = append(out, i)
	}
	return out
}

func (t *Timeline) RepaymentIndices() []int {
	out := make([]int, 0, len(t.periods)-t.cfg.ConstructionPeriods)
	for i := t.cfg.ConstructionPeriods; i < len(t.periods); i++ {
		out = append(out, i)
	}
	return out
}

// PeriodForMonth maps a model month (0-based) to its period index.
func (t *Timeline) PeriodForMonth(month int) (int, error) {
	idx := month / MonthsPerPeriod
	if month < 0 || idx >= len(t.periods) {
		return 0, fmt.Errorf("%w: month %d", ErrPeriodOutOfRange, month)
	}
	return idx, nil
}

// MonthsOf returns the [start, end) model months of period i.
func (t *Timeline) MonthsOf(i int) (int, int, error) {
	p, err := t.Period(i)
	if err != nil {
		return 0, 0, err
	}
	return p.StartMonth, p.EndMonth, nil
}

// YearIndex returns the model year (0-based) that period i belongs to.
func (t *Timeline) YearIndex(i int) int { return i / PeriodsPerYear }

// CalendarYear returns the calendar year of model year y.
func (t *Timeline) CalendarYear(y int) int { return t.cfg.StartYear + y }

// PeriodsOfYear returns the two period indices of model year y.
func (t *Timeline) PeriodsOfYear(y int) (int, int) {
	return y * PeriodsPerYear, y*PeriodsPerYear + 1
}
