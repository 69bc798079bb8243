/*
main.go - Command-line settlement runner

PURPOSE:
  Settles a scenario without the HTTP server. Scenarios come from the demo
  catalogue (--scenario) or a YAML document (--config), typically one
  exported with `scenarios --export` and edited.

COMMANDS:
  run        settle and print the annual summary, optionally write a CSV
  audit      settle and reconcile the result, exit 1 on arithmetic failures
  sweep      settle a scenario under the standard sensitivities
  compare    settle several catalogue scenarios and list their headlines
  scenarios  list the catalogue or export one scenario as YAML

SEE ALSO:
  - report.go: Table and CSV output
  - cmd/server/main.go: HTTP server
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warp/finance-engine/audit"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/engine/store"
	"github.com/warp/finance-engine/factory"
	"github.com/warp/finance-engine/project"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "audit":
		err = cmdAudit(os.Args[2:])
	case "sweep":
		err = cmdSweep(os.Args[2:])
	case "compare":
		err = cmdCompare(os.Args[2:])
	case "scenarios":
		err = cmdScenarios(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage:")
	fmt.Println("  cli run --scenario base-case [--out results/annual.csv]")
	fmt.Println("  cli run --config scenario.yaml")
	fmt.Println("  cli audit --scenario energy-deficit")
	fmt.Println("  cli sweep --scenario base-case")
	fmt.Println("  cli compare --scenarios base-case,high-rate,energy-deficit")
	fmt.Println("  cli scenarios [--export grant-funded]")
	fmt.Println("")
	fmt.Println("notes:")
	fmt.Println("  - amounts are printed rounded to whole currency units")
	fmt.Println("  - --out writes one CSV row per entity and year")
}

// loadScenario resolves exactly one of a catalogue ID or a YAML file.
func loadScenario(id, path string) (engine.Scenario, error) {
	switch {
	case id != "" && path != "":
		return engine.Scenario{}, fmt.Errorf("use either --scenario or --config, not both")
	case id != "":
		return project.BuildScenario(id)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return engine.Scenario{}, err
		}
		return factory.NewScenarioFactory().ParseScenario(data)
	default:
		return engine.Scenario{}, fmt.Errorf("--scenario or --config is required")
	}
}

func settle(sc engine.Scenario, verbose bool) (*engine.ModelResult, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	orch, err := project.NewOrchestrator(logger)
	if err != nil {
		return nil, err
	}
	return orch.Run(context.Background(), sc)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	id := fs.String("scenario", "", "Catalogue scenario ID")
	cfgPath := fs.String("config", "", "Path to a YAML scenario document")
	outPath := fs.String("out", "", "Optional: write annual rows to this CSV path")
	verbose := fs.Bool("v", false, "Log orchestrator progress to stderr")
	_ = fs.Parse(args)

	sc, err := loadScenario(*id, *cfgPath)
	if err != nil {
		return err
	}
	res, err := settle(sc, *verbose)
	if err != nil {
		return err
	}
	if err := PrintSummary(os.Stdout, res); err != nil {
		return err
	}
	if *outPath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	n, err := WriteAnnualCSV(f, res)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d rows to %s\n", n, *outPath)
	return nil
}

func cmdAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	id := fs.String("scenario", "", "Catalogue scenario ID")
	cfgPath := fs.String("config", "", "Path to a YAML scenario document")
	all := fs.Bool("all", false, "Print passing checks too")
	_ = fs.Parse(args)

	sc, err := loadScenario(*id, *cfgPath)
	if err != nil {
		return err
	}
	res, err := settle(sc, false)
	if err != nil {
		return err
	}
	report, err := audit.Run(sc, res)
	if err != nil {
		return err
	}
	PrintAudit(os.Stdout, report, *all)
	if !report.OK() {
		os.Exit(1)
	}
	return nil
}

func cmdSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	id := fs.String("scenario", "base-case", "Catalogue scenario ID")
	_ = fs.Parse(args)

	sc, err := project.BuildScenario(*id)
	if err != nil {
		return err
	}
	orch, err := project.NewOrchestrator(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return err
	}
	rows, err := orch.Sweep(context.Background(), sc, project.SweepVariants())
	if err != nil {
		return err
	}
	PrintSweep(os.Stdout, rows)
	return nil
}

func cmdCompare(args []string) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	ids := fs.String("scenarios", "", "Comma-separated catalogue scenario IDs (default: all)")
	_ = fs.Parse(args)

	var list []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			list = append(list, id)
		}
	}
	if len(list) == 0 {
		for _, e := range project.Scenarios() {
			list = append(list, e.ID)
		}
	}

	summaries, err := compareScenarios(context.Background(), store.NewMemory(), list)
	if err != nil {
		return err
	}
	PrintComparison(os.Stdout, summaries)
	return nil
}

// compareScenarios settles each scenario into rs and returns the stored
// summaries in argument order.
func compareScenarios(ctx context.Context, rs engine.RunStore, ids []string) ([]engine.RunSummary, error) {
	orch, err := project.NewOrchestrator(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	for i, id := range ids {
		sc, err := project.BuildScenario(id)
		if err != nil {
			return nil, err
		}
		res, err := orch.Run(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		rec := engine.RunRecord{
			ID:        fmt.Sprintf("%02d-%s", i+1, id),
			Scenario:  sc.Name,
			CreatedAt: started.Add(time.Duration(i) * time.Millisecond),
			Input:     &sc,
			Result:    res,
		}
		if err := rs.SaveRun(ctx, rec); err != nil {
			return nil, err
		}
	}

	// newest first from the store
	listed, err := rs.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]engine.RunSummary, 0, len(listed))
	for i := len(listed) - 1; i >= 0; i-- {
		out = append(out, listed[i])
	}
	return out, nil
}

func cmdScenarios(args []string) error {
	fs := flag.NewFlagSet("scenarios", flag.ExitOnError)
	export := fs.String("export", "", "Print this scenario as a YAML document")
	_ = fs.Parse(args)

	if *export != "" {
		sc, err := project.BuildScenario(*export)
		if err != nil {
			return err
		}
		doc, err := factory.NewScenarioFactory().ExportScenario(sc)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(doc)
		return err
	}

	fmt.Printf("%-16s %-10s %s\n", "id", "category", "description")
	for _, e := range project.Scenarios() {
		fmt.Printf("%-16s %-10s %s\n", e.ID, e.Category, e.Description)
	}
	return nil
}
