/*
store.go - Persistence interface for settled runs

PURPOSE:
  Defines the boundary between the engine and whatever keeps run results.
  The engine itself never persists anything; the API and CLI save a
  ModelResult after Orchestrator.Run returns.

WRITE-ONCE CONTRACT:
  A run is immutable once saved. There is no Update or Delete: a changed
  scenario is a new run with a new ID. Saving an existing ID is rejected
  with ErrDuplicateRun.

  A fingerprint settles at most once: a second run carrying a fingerprint
  already saved is rejected with ErrDuplicateFingerprint, and the caller
  serves the stored run instead.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and the CLI compare command
  - store/sqlite/sqlite.go: SQLite, with annual rows queryable as decimals

SEE ALSO:
  - orchestrator.go: Produces ModelResult
*/
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateRun         = errors.New("run already exists")
	ErrDuplicateFingerprint = errors.New("scenario fingerprint already settled")
)

// RunRecord is one saved orchestrator run.
type RunRecord struct {
	ID          string       `json:"id"`
	Scenario    string       `json:"scenario"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Input       *Scenario    `json:"input,omitempty"` // needed to audit the run later
	Result      *ModelResult `json:"result"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID                  string    `json:"id"`
	Scenario            string    `json:"scenario"`
	CreatedAt           time.Time `json:"created_at"`
	Entities            int       `json:"entities"`
	CumulativeDividends float64   `json:"cumulative_dividends"`
	MinDSCR             float64   `json:"min_dscr"`
}

// Summarize builds the list view of a record.
func Summarize(rec RunRecord) RunSummary {
	s := RunSummary{ID: rec.ID, Scenario: rec.Scenario, CreatedAt: rec.CreatedAt}
	if rec.Result == nil {
		return s
	}
	s.Entities = len(rec.Result.Entities)
	for _, e := range rec.Result.Entities {
		if n := len(e.Annual); n > 0 {
			s.CumulativeDividends += e.Annual[n-1].CumulativeDividends
		}
	}
	if rec.Result.Holding != nil {
		s.MinDSCR = rec.Result.Holding.MinDSCR()
	}
	return s
}

// RunStore persists settled runs.
type RunStore interface {
	// SaveRun stores a new run. Returns ErrDuplicateRun if the ID exists
	// and ErrDuplicateFingerprint if a non-empty fingerprint does.
	SaveRun(ctx context.Context, rec RunRecord) error

	// GetRun returns a run or ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns summaries, newest first.
	ListRuns(ctx context.Context) ([]RunSummary, error)
}
