/*
plugins.go - Intercompany overdraft reconciliation between Water and Energy

PURPOSE:
  The overdraft is the one cash link between subsidiaries. Pass 1 runs every
  entity on its own, so Energy's deficits are known but nobody has covered
  them. Three plugins close the loop in declaration order:

    overdraft-demand  energy.deficit -> water.lent
      Injects Energy's pass-1 deficit vector into Water as lending demand
      and re-runs Water. Water lends what its cascade can spare.

    overdraft-draw    water.lent -> energy.overdraft
      Injects what Water actually lent into Energy as overdraft draws and
      re-runs Energy.

    overdraft-repayment  energy.overdraft -> water.receipts
      Hands Energy's repayments back to Water and re-runs Water with its
      lending pinned to what Energy drew, so the receivable and the
      payable stay equal period by period.

FORWARD ONLY:
  Water lends against Energy's pass-1 deficits. Deficits left after
  Energy's re-run are not fed back to Water, and Energy is not re-run after
  Water collects. A detected vector whose total absolute value is not
  material skips the re-run.

SEE ALSO:
  - engine/orchestrator.go: Plugin contract and graph validation
  - engine/waterfall.go: Step 5 (lend/draw) and step 8 (repayment)
*/
package project

import (
	"context"
	"fmt"

	"github.com/warp/finance-engine/engine"
)

// Plugins returns the pass-2 plugins in the order they must run.
func Plugins() []engine.Plugin {
	return []engine.Plugin{OverdraftDemandPlugin(), OverdraftDrawPlugin(), OverdraftRepaymentPlugin()}
}

// OverdraftDemandPlugin lends Water's spare cash against Energy's deficits.
func OverdraftDemandPlugin() engine.Plugin {
	return engine.Plugin{
		Name:     "overdraft-demand",
		Consumes: []string{QuantityEnergyDeficit},
		Produces: []string{QuantityWaterLent},
		Apply: func(ctx context.Context, pc engine.PluginContext) (engine.PluginOutcome, error) {
			borrower, ok := pc.Results[Energy]
			if !ok {
				return skip(pc, "borrower absent", 0), nil
			}
			demand := borrower.Deficits()
			return inject(ctx, pc, Water, demand, func(cfg *engine.EntityConfig) {
				cfg.Injections.OverdraftDemand = demand
			})
		},
	}
}

// OverdraftDrawPlugin hands what Water lent to Energy as overdraft draws.
func OverdraftDrawPlugin() engine.Plugin {
	return engine.Plugin{
		Name:     "overdraft-draw",
		Consumes: []string{QuantityWaterLent},
		Produces: []string{QuantityEnergyOverdraft},
		Apply: func(ctx context.Context, pc engine.PluginContext) (engine.PluginOutcome, error) {
			lender, ok := pc.Results[Water]
			if !ok {
				return skip(pc, "lender absent", 0), nil
			}
			lent := lender.Lent()
			return inject(ctx, pc, Energy, lent, func(cfg *engine.EntityConfig) {
				cfg.Injections.OverdraftDraws = lent
			})
		},
	}
}

// OverdraftRepaymentPlugin returns Energy's repayments to Water.
func OverdraftRepaymentPlugin() engine.Plugin {
	return engine.Plugin{
		Name:     "overdraft-repayment",
		Consumes: []string{QuantityEnergyOverdraft},
		Produces: []string{QuantityWaterReceipts},
		Apply: func(ctx context.Context, pc engine.PluginContext) (engine.PluginOutcome, error) {
			borrower, ok := pc.Results[Energy]
			if !ok {
				return skip(pc, "borrower absent", 0), nil
			}
			lender, ok := pc.Results[Water]
			if !ok {
				return skip(pc, "lender absent", 0), nil
			}
			repaid := borrower.Repayments()
			lent := lender.Lent()
			return inject(ctx, pc, Water, repaid, func(cfg *engine.EntityConfig) {
				cfg.Injections.OverdraftDemand = lent
				cfg.Injections.OverdraftReceipts = repaid
			})
		},
	}
}

// inject writes a detected vector into target's config and re-runs it when
// the vector is material.
func inject(
	ctx context.Context,
	pc engine.PluginContext,
	target engine.EntityID,
	detected []float64,
	apply func(cfg *engine.EntityConfig),
) (engine.PluginOutcome, error) {
	total := 0.0
	for _, v := range detected {
		total += v
	}
	cfg, ok := pc.Configs[target]
	if !ok {
		return skip(pc, "target absent", total), nil
	}
	if !pc.Material(detected) {
		pc.Log().Debug("below materiality", "target", target, "detected", engine.Round2(total))
		return engine.PluginOutcome{Report: engine.PluginReport{Detected: total}}, nil
	}

	cfg = cfg.Clone()
	apply(&cfg)
	res, err := pc.Rerun(ctx, cfg)
	if err != nil {
		return engine.PluginOutcome{}, fmt.Errorf("re-running %s: %w", target, err)
	}
	return engine.PluginOutcome{
		Results: pc.Results.With(target, res),
		Configs: map[engine.EntityID]engine.EntityConfig{target: cfg},
		Report: engine.PluginReport{
			Detected: total,
			Material: true,
			Rerun:    []engine.EntityID{target},
		},
	}, nil
}

func skip(pc engine.PluginContext, reason string, detected float64) engine.PluginOutcome {
	pc.Log().Warn("plugin skipped", "reason", reason)
	return engine.PluginOutcome{Report: engine.PluginReport{Detected: detected}}
}
