package engine

import (
	"context"
	"fmt"
)

// Variant is one named override of a base scenario.
type Variant struct {
	Name  string
	Apply func(sc *Scenario)
}

// SweepResult holds the headline numbers of one variant.
type SweepResult struct {
	Variant             string  `json:"variant"`
	CumulativeDividends float64 `json:"cumulative_dividends"`
	MinDSCR             float64 `json:"min_dscr"`
	FinalSeniorBalance  float64 `json:"final_senior_balance"`
	UnfundedDeficit     float64 `json:"unfunded_deficit"`
	Error               string  `json:"error,omitempty"`
}

// Sweep runs the base scenario under each variant, sequentially. A variant
// whose configuration is invalid is reported in its row; any other failure
// (cancellation) stops the sweep.
func (o *Orchestrator) Sweep(ctx context.Context, base Scenario, variants []Variant) ([]SweepResult, error) {
	out := make([]SweepResult, 0, len(variants))
	for _, v := range variants {
		if v.Name == "" {
			return nil, missingField("", "variant.name")
		}
		sc := base.Clone()
		if v.Apply != nil {
			v.Apply(&sc)
		}
		sc.Name = fmt.Sprintf("%s/%s", base.Name, v.Name)

		res, err := o.Run(ctx, sc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out = append(out, SweepResult{Variant: v.Name, Error: err.Error()})
			continue
		}
		out = append(out, headline(v.Name, res))
	}
	return out, nil
}

func headline(name string, res *ModelResult) SweepResult {
	r := SweepResult{Variant: name}
	for _, e := range res.Ordered() {
		n := len(e.Annual)
		if n == 0 {
			continue
		}
		last := e.Annual[n-1]
		r.CumulativeDividends += last.CumulativeDividends
		r.FinalSeniorBalance += last.SeniorBalance
		for _, a := range e.Annual {
			r.UnfundedDeficit += a.UnfundedDeficit
		}
	}
	if res.Holding != nil {
		r.MinDSCR = res.Holding.MinDSCR()
	}
	return r
}
