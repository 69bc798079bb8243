package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/warp/finance-engine/audit"
	"github.com/warp/finance-engine/engine"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// amount formats with thousands separators, whole units.
func amount(v float64) string {
	return printer.Sprintf("%.0f", engine.Round2(v))
}

// PrintSummary writes one line per entity followed by the holding's years.
func PrintSummary(w io.Writer, res *engine.ModelResult) error {
	fmt.Fprintf(w, "scenario %s (%d periods from %d)\n\n", res.Scenario, res.Timeline.Periods, res.Timeline.StartYear)
	fmt.Fprintf(w, "%-10s %16s %16s %10s %14s\n", "entity", "dividends", "senior_final", "min_dscr", "unfunded")
	for _, e := range res.Ordered() {
		if e == nil || len(e.Annual) == 0 {
			return fmt.Errorf("%w: incomplete result", engine.ErrUnknownEntity)
		}
		last := e.Annual[len(e.Annual)-1]
		unfunded := 0.0
		minDSCR := 0.0
		for _, a := range e.Annual {
			unfunded += a.UnfundedDeficit
			if d := a.DSCR(); d > 0 && (minDSCR == 0 || d < minDSCR) {
				minDSCR = d
			}
		}
		fmt.Fprintf(w, "%-10s %16s %16s %10.2f %14s\n",
			e.Entity, amount(last.CumulativeDividends), amount(last.SeniorBalance), minDSCR, amount(unfunded))
	}

	for _, p := range res.Plugins {
		fmt.Fprintf(w, "\nplugin %s: detected %s material=%t rerun=%v\n", p.Plugin, amount(p.Detected), p.Material, p.Rerun)
	}

	if res.Holding == nil {
		return nil
	}
	fmt.Fprintf(w, "\n%s\n", res.Holding.Name)
	fmt.Fprintf(w, "%-6s %16s %16s %16s %8s\n", "year", "ebitda", "pat", "dividends", "dscr")
	for _, r := range res.Holding.Annual {
		fmt.Fprintf(w, "%-6d %16s %16s %16s %8.2f\n", r.Year, amount(r.EBITDA), amount(r.PAT), amount(r.Dividends), r.DSCR)
	}
	return nil
}

var annualHeader = []string{
	"entity", "year", "revenue", "ebitda", "pat", "cfads", "debt_service", "dscr",
	"dividends", "senior_balance", "mezz_balance", "unfunded_deficit", "in_deficit",
}

// WriteAnnualCSV writes one row per entity and year in settlement order and
// returns the number of data rows.
func WriteAnnualCSV(w io.Writer, res *engine.ModelResult) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(annualHeader); err != nil {
		return 0, err
	}
	cents := func(v float64) string { return engine.Money(v).StringFixed(2) }
	n := 0
	for _, e := range res.Ordered() {
		if e == nil {
			continue
		}
		for _, a := range e.Annual {
			rec := []string{
				string(e.Entity),
				strconv.Itoa(a.Year),
				cents(a.Revenue),
				cents(a.EBITDA),
				cents(a.PAT),
				cents(a.CFADS),
				cents(a.DebtService),
				strconv.FormatFloat(a.DSCR(), 'f', 4, 64),
				cents(a.Dividends),
				cents(a.SeniorBalance),
				cents(a.MezzBalance),
				cents(a.UnfundedDeficit),
				strconv.FormatBool(a.InDeficit),
			}
			if err := cw.Write(rec); err != nil {
				return n, err
			}
			n++
		}
	}
	cw.Flush()
	return n, cw.Error()
}

// PrintAudit writes the failed checks, or every check when all is set.
func PrintAudit(w io.Writer, r *audit.Report, all bool) {
	checks := r.Failures()
	if all {
		checks = r.Checks
	}
	for _, c := range checks {
		where := string(c.Entity)
		if c.Period != nil {
			where += printer.Sprintf(" p%d", *c.Period)
		}
		if c.Year != nil {
			where += printer.Sprintf(" y%d", *c.Year)
		}
		status := "ok"
		if !c.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%-4s %-12s %-22s %-18s delta=%s %s\n", status, c.Class, c.Name, where, c.Delta.String(), c.Note)
	}
	fmt.Fprintf(w, "%d checks, %d arithmetic failures, %d design gaps\n", len(r.Checks), r.ArithmeticFailures, r.DesignGaps)
}

// PrintSweep writes one line per variant.
func PrintSweep(w io.Writer, rows []engine.SweepResult) {
	fmt.Fprintf(w, "%-22s %16s %10s %16s %14s\n", "variant", "dividends", "min_dscr", "senior_final", "unfunded")
	for _, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(w, "%-22s error: %s\n", r.Variant, r.Error)
			continue
		}
		fmt.Fprintf(w, "%-22s %16s %10.2f %16s %14s\n",
			r.Variant, amount(r.CumulativeDividends), r.MinDSCR, amount(r.FinalSeniorBalance), amount(r.UnfundedDeficit))
	}
}

// PrintComparison writes one line per stored run.
func PrintComparison(w io.Writer, runs []engine.RunSummary) {
	fmt.Fprintf(w, "%-20s %-16s %16s %10s\n", "run", "scenario", "dividends", "min_dscr")
	for _, r := range runs {
		fmt.Fprintf(w, "%-20s %-16s %16s %10.2f\n", r.ID, r.Scenario, amount(r.CumulativeDividends), r.MinDSCR)
	}
}
