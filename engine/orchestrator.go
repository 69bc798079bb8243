/*
orchestrator.go - Three-pass composition of independent entities

PURPOSE:
  Runs a Scenario: several subsidiaries that are independent except for a
  few declared intercompany quantities, plus a holding company that only
  aggregates.

  PASS 1 - Independent runs
    Every entity loop runs concurrently (errgroup). If any entity fails the
    whole run aborts with an EntityError; later passes never see partial data.

  PASS 2 - Reconciliation plugins
    Plugins declare the quantities they consume and produce. The declared
    graph must be acyclic and forward-only. Each plugin reads the current
    results, detects the cross-entity vector it owns and, when that vector
    is material, injects it into the affected entity's config and re-runs
    just that entity. Plugins take and return whole result maps.

  PASS 3 - Holding aggregation
    See holding.go.

SEE ALSO:
  - loop.go: The entity loop
  - holding.go: Consolidation and eliminations
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SCENARIO
// =============================================================================

type Scenario struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Timeline    TimelineConfig `json:"timeline"`
	Entities    []EntityConfig `json:"entities"`
	Holding     HoldingConfig  `json:"holding"`
}

// TimelineOrDefault returns the scenario timeline, defaulting an empty config.
func (s Scenario) TimelineOrDefault() TimelineConfig {
	if s.Timeline == (TimelineConfig{}) {
		return DefaultTimelineConfig()
	}
	return s.Timeline
}

func (s Scenario) Entity(id EntityID) (EntityConfig, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return EntityConfig{}, false
}

// Clone deep-copies the scenario.
func (s Scenario) Clone() Scenario {
	out := s
	out.Entities = make([]EntityConfig, len(s.Entities))
	for i, e := range s.Entities {
		out.Entities[i] = e.Clone()
	}
	out.Holding.Eliminations = append([]Elimination(nil), s.Holding.Eliminations...)
	return out
}

// Validate checks the scenario shape. Entity configs are validated by their
// own loops so a bad entity surfaces as an EntityError.
func (s Scenario) Validate() error {
	if len(s.Entities) == 0 {
		return missingField("", "entities")
	}
	seen := make(map[EntityID]bool, len(s.Entities))
	for _, e := range s.Entities {
		if seen[e.ID] {
			return invalidField(e.ID, "id", "duplicate entity")
		}
		seen[e.ID] = true
	}
	for _, el := range s.Holding.Eliminations {
		for _, id := range []EntityID{el.Seller, el.Buyer} {
			if !seen[id] {
				return fmt.Errorf("%w: elimination references %q", ErrUnknownEntity, id)
			}
		}
		if el.Kind != CostPower && el.Kind != CostRent {
			return invalidField(s.Holding.ID, "eliminations", fmt.Sprintf("unknown kind %q", el.Kind))
		}
	}
	return nil
}

// =============================================================================
// RESULTS & PLUGINS
// =============================================================================

// Results maps entity to result. Treat as immutable: use With to derive a new map.
type Results map[EntityID]*EntityResult

// With returns a copy of r with id replaced.
func (r Results) With(id EntityID, res *EntityResult) Results {
	out := make(Results, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[id] = res
	return out
}

type PluginContext struct {
	Timeline  *Timeline
	Scenario  Scenario
	Configs   map[EntityID]EntityConfig
	Results   Results
	Threshold float64
	Logger    *slog.Logger

	// Rerun runs one entity loop with the given config.
	Rerun func(ctx context.Context, cfg EntityConfig) (*EntityResult, error)
}

// Log returns the plugin's logger, or the default one outside an orchestrator.
func (pc PluginContext) Log() *slog.Logger {
	if pc.Logger != nil {
		return pc.Logger
	}
	return slog.Default().With("component", "plugin")
}

// Material reports whether a detected vector is large enough to act on.
func (pc PluginContext) Material(v []float64) bool {
	total := 0.0
	for _, x := range v {
		total += math.Abs(x)
	}
	return total > pc.Threshold
}

type PluginReport struct {
	Plugin   string     `json:"plugin"`
	Detected float64    `json:"detected"`
	Material bool       `json:"material"`
	Rerun    []EntityID `json:"rerun,omitempty"`
}

type PluginOutcome struct {
	Results Results
	Configs map[EntityID]EntityConfig // only the configs the plugin changed
	Report  PluginReport
}

type Plugin struct {
	Name     string
	Consumes []string
	Produces []string
	Apply    func(ctx context.Context, pc PluginContext) (PluginOutcome, error)
}

// ValidatePlugins checks that the declared quantities form an acyclic graph
// and that no plugin consumes what a later plugin produces.
func ValidatePlugins(plugins []Plugin) error {
	names := make(map[string]bool, len(plugins))
	producer := make(map[string]int)
	for i, p := range plugins {
		if p.Name == "" {
			return missingField("", fmt.Sprintf("plugins[%d].name", i))
		}
		if names[p.Name] {
			return invalidField("", "plugins", fmt.Sprintf("duplicate plugin %q", p.Name))
		}
		names[p.Name] = true
		if p.Apply == nil {
			return missingField("", fmt.Sprintf("plugins[%s].apply", p.Name))
		}
		for _, q := range p.Produces {
			if j, dup := producer[q]; dup {
				return invalidField("", "plugins",
					fmt.Sprintf("%q produced by both %q and %q", q, plugins[j].Name, p.Name))
			}
			producer[q] = i
		}
	}

	// edges[j] lists the plugins that consume something j produces
	edges := make([][]int, len(plugins))
	for i, p := range plugins {
		for _, q := range p.Consumes {
			if j, ok := producer[q]; ok {
				edges[j] = append(edges[j], i)
			}
		}
	}
	if cycle := findCycle(edges); cycle != nil {
		out := make([]string, len(cycle))
		for k, idx := range cycle {
			out[k] = plugins[idx].Name
		}
		return &CycleError{Names: out}
	}

	for i, p := range plugins {
		for _, q := range p.Consumes {
			if j, ok := producer[q]; ok && j > i {
				return &CycleError{Names: []string{p.Name, q, plugins[j].Name}}
			}
		}
	}
	return nil
}

// findCycle returns the node sequence of the first cycle found, closed on
// its first node, or nil.
func findCycle(edges [][]int) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(edges))
	var stack []int
	var found []int

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range edges[n] {
			switch color[m] {
			case grey:
				for k, s := range stack {
					if s == m {
						found = append(append([]int(nil), stack[k:]...), m)
						return true
					}
				}
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for n := range edges {
		if color[n] == white && visit(n) {
			return found
		}
	}
	return nil
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type ModelResult struct {
	Scenario string         `json:"scenario"`
	Timeline TimelineConfig `json:"timeline"`
	Order    []EntityID     `json:"order"`
	Entities Results        `json:"entities"`
	Holding  *HoldingResult `json:"holding"`
	Plugins  []PluginReport `json:"plugins"`
}

func (m *ModelResult) Entity(id EntityID) (*EntityResult, error) {
	r, ok := m.Entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return r, nil
}

// Ordered returns entity results in scenario order.
func (m *ModelResult) Ordered() []*EntityResult {
	out := make([]*EntityResult, 0, len(m.Order))
	for _, id := range m.Order {
		out = append(out, m.Entities[id])
	}
	return out
}

type Orchestrator struct {
	plugins     []Plugin
	threshold   float64
	parallelism int
	logger      *slog.Logger
}

// NewOrchestrator validates the row schema and the plugin graph once.
func NewOrchestrator(logger *slog.Logger, plugins ...Plugin) (*Orchestrator, error) {
	if err := ValidateRowSchema(); err != nil {
		return nil, err
	}
	if err := ValidatePlugins(plugins); err != nil {
		return nil, err
	}
	return &Orchestrator{
		plugins:   plugins,
		threshold: MaterialityThreshold,
		logger:    logger,
	}, nil
}

// SetParallelism bounds pass 1 concurrency; 0 means unbounded.
func (o *Orchestrator) SetParallelism(n int) { o.parallelism = n }

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default().With("component", "orchestrator")
}

func (o *Orchestrator) Run(ctx context.Context, sc Scenario) (*ModelResult, error) {
	started := time.Now()
	tl, err := NewTimeline(sc.TimelineOrDefault())
	if err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	loop := NewEntityEngine(tl, o.log().With("pass", 1))

	// Pass 1
	results, err := o.runIndependent(ctx, loop, sc.Entities)
	if err != nil {
		return nil, err
	}

	// Pass 2
	configs := make(map[EntityID]EntityConfig, len(sc.Entities))
	for _, e := range sc.Entities {
		configs[e.ID] = e
	}
	reports := make([]PluginReport, 0, len(o.plugins))
	rerun := func(ctx context.Context, cfg EntityConfig) (*EntityResult, error) {
		res, err := loop.Run(ctx, cfg)
		if err != nil {
			return nil, &EntityError{Entity: cfg.ID, Pass: "pass 2", Err: err}
		}
		return res, nil
	}
	for _, p := range o.plugins {
		outcome, err := p.Apply(ctx, PluginContext{
			Timeline:  tl,
			Scenario:  sc,
			Configs:   configs,
			Results:   results,
			Threshold: o.threshold,
			Logger:    o.log().With("plugin", p.Name),
			Rerun:     rerun,
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
		}
		if outcome.Results != nil {
			results = outcome.Results
		}
		for id, cfg := range outcome.Configs {
			configs[id] = cfg
		}
		outcome.Report.Plugin = p.Name
		reports = append(reports, outcome.Report)
		o.log().Info("plugin applied",
			"plugin", p.Name,
			"detected", Round2(outcome.Report.Detected),
			"material", outcome.Report.Material,
			"rerun", outcome.Report.Rerun)
	}

	// Pass 3
	order := make([]EntityID, len(sc.Entities))
	finalConfigs := make([]EntityConfig, len(sc.Entities))
	for i, e := range sc.Entities {
		order[i] = e.ID
		finalConfigs[i] = configs[e.ID]
	}
	holding, err := AggregateHolding(tl, sc.Holding, finalConfigs, results)
	if err != nil {
		return nil, err
	}

	o.log().Info("scenario settled",
		"scenario", sc.Name,
		"entities", len(order),
		"duration", time.Since(started))
	return &ModelResult{
		Scenario: sc.Name,
		Timeline: tl.Config(),
		Order:    order,
		Entities: results,
		Holding:  holding,
		Plugins:  reports,
	}, nil
}

func (o *Orchestrator) runIndependent(ctx context.Context, loop *EntityEngine, entities []EntityConfig) (Results, error) {
	out := make([]*EntityResult, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	if o.parallelism > 0 {
		g.SetLimit(o.parallelism)
	}
	for i, cfg := range entities {
		i, cfg := i, cfg
		g.Go(func() error {
			res, err := loop.Run(gctx, cfg)
			if err != nil {
				return &EntityError{Entity: cfg.ID, Pass: "pass 1", Err: err}
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.log().Error("pass 1 aborted", "error", err)
		return nil, err
	}
	results := make(Results, len(entities))
	for i, cfg := range entities {
		results[cfg.ID] = out[i]
	}
	return results, nil
}
