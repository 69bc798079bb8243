/*
Package sqlite provides a SQLite-backed implementation of engine.RunStore.

PURPOSE:
  Persists settled runs. The full ModelResult is kept as JSON so GetRun
  returns exactly what the orchestrator produced; annual rows and facility
  schedules are also written to their own tables so they can be queried
  per entity without decoding the whole result.

WRITE-ONCE ENFORCEMENT:
  - No UPDATE or DELETE statements on any table
  - A second SaveRun with the same ID fails with engine.ErrDuplicateRun
  - A second SaveRun with the same fingerprint fails with
    engine.ErrDuplicateFingerprint (unique index; NULL fingerprints are free)
  - Child rows are written in the same transaction as the run row

KEY TABLES:
  runs:            One row per run: summary columns plus result_json
  annual_rows:     Headline annual figures per (run, entity, year)
  facility_rows:   Senior and mezzanine schedules per (run, entity, tranche, period)

AMOUNTS:
  Money columns are TEXT holding decimal strings rounded to cents
  (engine.Money). Reading them back yields shopspring decimals, so API and
  CLI consumers never see float noise.

CONCURRENCY:
  Uses sync.RWMutex around the connection, matching the WAL single-writer
  model.

USAGE:
  store, err := sqlite.New("./data/runs.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: RunStore interface
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/engine"
)

// Store implements engine.RunStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.RunStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		fingerprint TEXT,
		entities INTEGER NOT NULL,
		cumulative_dividends TEXT NOT NULL,
		min_dscr TEXT NOT NULL,
		input_json TEXT,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at
		ON runs(created_at DESC);
	DROP INDEX IF EXISTS idx_runs_fingerprint;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_fingerprint_unique
		ON runs(fingerprint);

	CREATE TABLE IF NOT EXISTS annual_rows (
		run_id TEXT NOT NULL REFERENCES runs(id),
		entity_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		year_index INTEGER NOT NULL,
		revenue TEXT NOT NULL,
		ebitda TEXT NOT NULL,
		pat TEXT NOT NULL,
		cfads TEXT NOT NULL,
		debt_service TEXT NOT NULL,
		dividends TEXT NOT NULL,
		senior_balance TEXT NOT NULL,
		mezz_balance TEXT NOT NULL,
		cash_balances TEXT NOT NULL,
		dscr TEXT NOT NULL,
		in_deficit INTEGER NOT NULL,
		PRIMARY KEY (run_id, entity_id, year)
	);

	CREATE TABLE IF NOT EXISTS facility_rows (
		run_id TEXT NOT NULL REFERENCES runs(id),
		entity_id TEXT NOT NULL,
		tranche TEXT NOT NULL,
		period INTEGER NOT NULL,
		opening TEXT NOT NULL,
		drawdown TEXT NOT NULL,
		interest TEXT NOT NULL,
		idc TEXT NOT NULL,
		principal TEXT NOT NULL,
		acceleration TEXT NOT NULL,
		closing TEXT NOT NULL,
		PRIMARY KEY (run_id, entity_id, tranche, period)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RUN STORE (engine.RunStore interface)
// =============================================================================

// SaveRun writes the run and its child rows atomically.
func (s *Store) SaveRun(ctx context.Context, rec engine.RunRecord) error {
	if rec.Result == nil {
		return fmt.Errorf("%w: run %s has no result", engine.ErrInvalidConfig, rec.ID)
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", rec.ID, err)
	}
	var inputJSON sql.NullString
	if rec.Input != nil {
		raw, err := json.Marshal(rec.Input)
		if err != nil {
			return fmt.Errorf("failed to encode scenario of run %s: %w", rec.ID, err)
		}
		inputJSON = sql.NullString{String: string(raw), Valid: true}
	}
	summary := engine.Summarize(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, scenario, fingerprint, entities, cumulative_dividends, min_dscr, input_json, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Scenario,
		nullString(rec.Fingerprint),
		summary.Entities,
		engine.Money(summary.CumulativeDividends).String(),
		decimal.NewFromFloat(summary.MinDSCR).Round(4).String(),
		inputJSON,
		string(resultJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err, "runs.fingerprint"):
			return engine.ErrDuplicateFingerprint
		case isUniqueConstraintError(err, "runs.id"):
			return engine.ErrDuplicateRun
		}
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, e := range rec.Result.Ordered() {
		if e == nil {
			continue
		}
		if err := insertAnnual(ctx, tx, rec.ID, e); err != nil {
			return err
		}
		for _, t := range []struct {
			tranche engine.Tranche
			sched   engine.FacilitySchedule
		}{{engine.TrancheSenior, e.Senior}, {engine.TrancheMezz, e.Mezz}} {
			if err := insertSchedule(ctx, tx, rec.ID, e.Entity, t.tranche, t.sched); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertAnnual(ctx context.Context, tx *sql.Tx, runID string, e *engine.EntityResult) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO annual_rows
		(run_id, entity_id, year, year_index, revenue, ebitda, pat, cfads, debt_service,
		 dividends, senior_balance, mezz_balance, cash_balances, dscr, in_deficit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range e.Annual {
		_, err := stmt.ExecContext(ctx,
			runID, e.Entity, a.Year, a.YearIndex,
			engine.Money(a.Revenue).String(),
			engine.Money(a.EBITDA).String(),
			engine.Money(a.PAT).String(),
			engine.Money(a.CFADS).String(),
			engine.Money(a.DebtService).String(),
			engine.Money(a.Dividends).String(),
			engine.Money(a.SeniorBalance).String(),
			engine.Money(a.MezzBalance).String(),
			engine.Money(a.CashBalances()).String(),
			decimal.NewFromFloat(a.DSCR()).Round(4).String(),
			a.InDeficit,
		)
		if err != nil {
			return fmt.Errorf("failed to save annual row %s/%d: %w", e.Entity, a.Year, err)
		}
	}
	return nil
}

func insertSchedule(ctx context.Context, tx *sql.Tx, runID string, entity engine.EntityID, tranche engine.Tranche, sched engine.FacilitySchedule) error {
	if len(sched) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO facility_rows
		(run_id, entity_id, tranche, period, opening, drawdown, interest, idc, principal, acceleration, closing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range sched {
		_, err := stmt.ExecContext(ctx,
			runID, entity, tranche, r.Period,
			engine.Money(r.Opening).String(),
			engine.Money(r.Drawdown).String(),
			engine.Money(r.Interest).String(),
			engine.Money(r.IDC).String(),
			engine.Money(r.Principal).String(),
			engine.Money(r.Acceleration).String(),
			engine.Money(r.Closing).String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save %s %s period %d: %w", entity, tranche, r.Period, err)
		}
	}
	return nil
}

// GetRun returns a run or engine.ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*engine.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec         engine.RunRecord
		fingerprint sql.NullString
		inputJSON   sql.NullString
		resultJSON  string
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, fingerprint, input_json, result_json, created_at
		FROM runs WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Scenario, &fingerprint, &inputJSON, &resultJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Fingerprint = fingerprint.String
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad created_at: %w", id, err)
	}
	if inputJSON.Valid {
		rec.Input = &engine.Scenario{}
		if err := json.Unmarshal([]byte(inputJSON.String), rec.Input); err != nil {
			return nil, fmt.Errorf("run %s: bad scenario: %w", id, err)
		}
	}
	rec.Result = &engine.ModelResult{}
	if err := json.Unmarshal([]byte(resultJSON), rec.Result); err != nil {
		return nil, fmt.Errorf("run %s: bad result: %w", id, err)
	}
	return &rec, nil
}

// ListRuns returns run summaries, newest first, from the summary columns.
func (s *Store) ListRuns(ctx context.Context) ([]engine.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario, entities, cumulative_dividends, min_dscr, created_at
		FROM runs ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.RunSummary
	for rows.Next() {
		var (
			sm                 engine.RunSummary
			dividends, minDSCR string
			createdAt          string
		)
		if err := rows.Scan(&sm.ID, &sm.Scenario, &sm.Entities, &dividends, &minDSCR, &createdAt); err != nil {
			return nil, err
		}
		sm.CumulativeDividends = parseAmount(dividends).InexactFloat64()
		sm.MinDSCR = parseAmount(minDSCR).InexactFloat64()
		sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// =============================================================================
// QUERYABLE ROWS
// =============================================================================

// AnnualRecord is one stored annual row, amounts as decimals.
type AnnualRecord struct {
	Entity        engine.EntityID `json:"entity"`
	Year          int             `json:"year"`
	YearIndex     int             `json:"year_index"`
	Revenue       decimal.Decimal `json:"revenue"`
	EBITDA        decimal.Decimal `json:"ebitda"`
	PAT           decimal.Decimal `json:"pat"`
	CFADS         decimal.Decimal `json:"cfads"`
	DebtService   decimal.Decimal `json:"debt_service"`
	Dividends     decimal.Decimal `json:"dividends"`
	SeniorBalance decimal.Decimal `json:"senior_balance"`
	MezzBalance   decimal.Decimal `json:"mezz_balance"`
	CashBalances  decimal.Decimal `json:"cash_balances"`
	DSCR          decimal.Decimal `json:"dscr"`
	InDeficit     bool            `json:"in_deficit"`
}

// AnnualRows returns the stored annual rows of one entity in year order.
func (s *Store) AnnualRows(ctx context.Context, runID string, entity engine.EntityID) ([]AnnualRecord, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, year, year_index, revenue, ebitda, pat, cfads, debt_service,
		       dividends, senior_balance, mezz_balance, cash_balances, dscr, in_deficit
		FROM annual_rows WHERE run_id = ? AND entity_id = ?
		ORDER BY year_index
	`, runID, entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnnualRecord
	for rows.Next() {
		var (
			r    AnnualRecord
			cols [11]string
		)
		err := rows.Scan(&r.Entity, &r.Year, &r.YearIndex,
			&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5],
			&cols[6], &cols[7], &cols[8], &cols[9], &r.InDeficit)
		if err != nil {
			return nil, err
		}
		r.Revenue, r.EBITDA, r.PAT = parseAmount(cols[0]), parseAmount(cols[1]), parseAmount(cols[2])
		r.CFADS, r.DebtService, r.Dividends = parseAmount(cols[3]), parseAmount(cols[4]), parseAmount(cols[5])
		r.SeniorBalance, r.MezzBalance = parseAmount(cols[6]), parseAmount(cols[7])
		r.CashBalances, r.DSCR = parseAmount(cols[8]), parseAmount(cols[9])
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	return out, nil
}

// FacilityRecord is one stored facility period.
type FacilityRecord struct {
	Tranche      engine.Tranche  `json:"tranche"`
	Period       int             `json:"period"`
	Opening      decimal.Decimal `json:"opening"`
	Drawdown     decimal.Decimal `json:"drawdown"`
	Interest     decimal.Decimal `json:"interest"`
	IDC          decimal.Decimal `json:"idc"`
	Principal    decimal.Decimal `json:"principal"`
	Acceleration decimal.Decimal `json:"acceleration"`
	Closing      decimal.Decimal `json:"closing"`
}

// FacilityRows returns the stored schedules of one entity, senior first.
func (s *Store) FacilityRows(ctx context.Context, runID string, entity engine.EntityID) ([]FacilityRecord, error) {
	if err := s.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tranche, period, opening, drawdown, interest, idc, principal, acceleration, closing
		FROM facility_rows WHERE run_id = ? AND entity_id = ?
		ORDER BY CASE tranche WHEN 'senior' THEN 0 ELSE 1 END, period
	`, runID, entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FacilityRecord
	for rows.Next() {
		var (
			r    FacilityRecord
			cols [7]string
		)
		if err := rows.Scan(&r.Tranche, &r.Period, &cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5], &cols[6]); err != nil {
			return nil, err
		}
		r.Opening, r.Drawdown, r.Interest = parseAmount(cols[0]), parseAmount(cols[1]), parseAmount(cols[2])
		r.IDC, r.Principal = parseAmount(cols[3]), parseAmount(cols[4])
		r.Acceleration, r.Closing = parseAmount(cols[5]), parseAmount(cols[6])
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	return out, nil
}

// FindByFingerprint returns the run that settled the fingerprinted
// scenario, or engine.ErrRunNotFound.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs WHERE fingerprint = ?
	`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.ErrRunNotFound
	}
	return id, err
}

func (s *Store) requireRun(ctx context.Context, runID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseAmount(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// isUniqueConstraintError reports whether err is a UNIQUE or PRIMARY KEY
// violation on column ("table.column").
func isUniqueConstraintError(err error, column string) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) || serr.Code != sqlite3.ErrConstraint {
		return false
	}
	if serr.ExtendedCode != sqlite3.ErrConstraintUnique && serr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(serr.Error(), column)
}
