/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes scenario settlement via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and the run store.

ENDPOINTS:
  Runs:
    POST   /api/runs                                   Settle a scenario (201, or 200 when already settled)
    GET    /api/runs                                   List runs, newest first
    GET    /api/runs/{id}                              Run headline per entity, plugin reports
    GET    /api/runs/{id}/entities/{entity}/annual     Stored annual rows (decimal)
    GET    /api/runs/{id}/entities/{entity}/facilities Stored senior and mezz schedules
    GET    /api/runs/{id}/holding                      Consolidated annual rows
    GET    /api/runs/{id}/audit                        Reconciliation report

  Scenarios and sweeps: see scenarios.go

CREATE RUN:
  The body is either JSON ({"scenario_id": "base-case"} or
  {"scenario": {...document...}}) or a raw YAML document sent with
  Content-Type application/yaml. The scenario is fingerprinted; a
  scenario that was already settled returns the existing run, looked up in
  the Redis cache first and the store second.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid scenario or request body
  - 404: Unknown run, entity or scenario
  - 409: Run cannot be audited (no stored input)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Catalogue and sweep handlers
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/finance-engine/audit"
	"github.com/warp/finance-engine/cache"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/factory"
	"github.com/warp/finance-engine/project"
	"github.com/warp/finance-engine/store/sqlite"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Cache   *cache.RunCache
	Factory *factory.ScenarioFactory
	Metrics *Metrics
	Logger  *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewHandler creates a handler. runCache and metrics may be nil.
func NewHandler(store *sqlite.Store, runCache *cache.RunCache, metrics *Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		Store:   store,
		Cache:   runCache,
		Factory: factory.NewScenarioFactory(),
		Metrics: metrics,
		Logger:  logger,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (h *Handler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default().With("component", "api")
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// CreateRun settles a scenario and stores the result.
// POST /api/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sc, label, err := h.decodeRunRequest(w, r)
	if err != nil {
		writeError(w, inputStatus(err), "Invalid run request", err)
		return
	}

	fingerprint, err := cache.Fingerprint(sc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fingerprint scenario", err)
		return
	}
	if summary, ok := h.findExisting(ctx, fingerprint); ok {
		h.Metrics.ObserveRun(label, "cached", 0)
		dto := toRunDTO(summary)
		dto.Cached = true
		writeJSON(w, http.StatusOK, dto)
		return
	}

	orch, err := project.NewOrchestrator(h.log().With("scenario", sc.Name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build orchestrator", err)
		return
	}
	start := time.Now()
	res, err := orch.Run(ctx, sc)
	if err != nil {
		h.Metrics.ObserveRun(label, "error", 0)
		writeError(w, inputStatus(err), "Settlement failed", err)
		return
	}
	h.Metrics.ObserveRun(label, "ok", time.Since(start))

	rec := engine.RunRecord{
		ID:          h.newID(),
		Scenario:    sc.Name,
		Fingerprint: fingerprint,
		CreatedAt:   h.now().UTC(),
		Input:       &sc,
		Result:      res,
	}
	err = h.Store.SaveRun(ctx, rec)
	if errors.Is(err, engine.ErrDuplicateFingerprint) {
		// A concurrent request settled the same scenario first.
		if summary, ok := h.findExisting(ctx, fingerprint); ok {
			h.log().Info("run deduplicated", "run", summary.ID, "discarded", rec.ID)
			dto := toRunDTO(summary)
			dto.Cached = true
			writeJSON(w, http.StatusOK, dto)
			return
		}
	}
	if err != nil {
		writeError(w, errorStatus(err), "Failed to save run", err)
		return
	}

	summary := engine.Summarize(rec)
	if err := h.Cache.Remember(ctx, fingerprint, summary); err != nil {
		h.log().Warn("cache write failed", "run", rec.ID, "error", err)
	}
	h.log().Info("run settled", "run", rec.ID, "scenario", sc.Name, "elapsed", time.Since(start))

	writeJSON(w, http.StatusCreated, toRunDTO(summary))
}

// decodeRunRequest returns the scenario to settle and its metrics label.
func (h *Handler) decodeRunRequest(w http.ResponseWriter, r *http.Request) (engine.Scenario, string, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		data, err := io.ReadAll(body)
		if err != nil {
			return engine.Scenario{}, "", &engine.ConfigError{Field: "document", Reason: err.Error()}
		}
		sc, err := h.Factory.ParseScenario(data)
		return sc, "document", err
	}

	var req CreateRunRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return engine.Scenario{}, "", &engine.ConfigError{Field: "body", Reason: err.Error()}
	}

	switch {
	case req.ScenarioID != "" && len(req.Scenario) > 0:
		return engine.Scenario{}, "", &engine.ConfigError{Field: "body", Reason: "scenario_id and scenario are exclusive"}
	case req.ScenarioID != "":
		sc, err := project.BuildScenario(req.ScenarioID)
		return sc, req.ScenarioID, err
	case len(req.Scenario) > 0:
		// JSON is a YAML subset, so the document goes through the same factory.
		sc, err := h.Factory.ParseScenario(req.Scenario)
		return sc, "document", err
	default:
		return engine.Scenario{}, "", &engine.ConfigError{Field: "scenario_id", Reason: "required", Missing: true}
	}
}

// findExisting returns the run that already settled the fingerprint.
// Cache errors degrade to a store lookup.
func (h *Handler) findExisting(ctx context.Context, fingerprint string) (engine.RunSummary, bool) {
	summary, hit, err := h.Cache.Lookup(ctx, fingerprint)
	if err != nil {
		h.log().Warn("cache read failed", "error", err)
	}
	if hit {
		return summary, true
	}

	id, err := h.Store.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return engine.RunSummary{}, false
	}
	rec, err := h.Store.GetRun(ctx, id)
	if err != nil {
		return engine.RunSummary{}, false
	}
	summary = engine.Summarize(*rec)
	if err := h.Cache.Remember(ctx, fingerprint, summary); err != nil {
		h.log().Warn("cache write failed", "run", id, "error", err)
	}
	return summary, true
}

// ListRuns returns run summaries, newest first.
// GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toRunDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns the headline of a run.
// GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	res := rec.Result

	dto := RunDetailDTO{
		RunDTO:   toRunDTO(engine.Summarize(*rec)),
		Timeline: res.Timeline,
		Order:    res.Order,
		Plugins:  toPluginDTOs(res.Plugins),
	}
	for _, e := range res.Ordered() {
		if e == nil {
			continue
		}
		dto.Results = append(dto.Results, toEntitySummary(e))
		if dto.Years == nil {
			for _, a := range e.Annual {
				dto.Years = append(dto.Years, a.Year)
			}
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetAnnual returns one entity's stored annual rows.
// GET /api/runs/{id}/entities/{entity}/annual
func (h *Handler) GetAnnual(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.AnnualRows(r.Context(), chi.URLParam(r, "id"), engine.EntityID(chi.URLParam(r, "entity")))
	if err != nil {
		writeError(w, errorStatus(err), "Failed to load annual rows", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetFacilities returns one entity's stored facility schedules.
// GET /api/runs/{id}/entities/{entity}/facilities
func (h *Handler) GetFacilities(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.FacilityRows(r.Context(), chi.URLParam(r, "id"), engine.EntityID(chi.URLParam(r, "entity")))
	if err != nil {
		writeError(w, errorStatus(err), "Failed to load facility rows", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetHolding returns the consolidated annual rows.
// GET /api/runs/{id}/holding
func (h *Handler) GetHolding(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if rec.Result.Holding == nil {
		writeError(w, http.StatusNotFound, "Run has no holding result", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity": rec.Result.Holding.Entity,
		"annual": toHoldingRows(rec.Result.Holding.Annual),
	})
}

// GetAudit reconciles a stored run against its stored input.
// GET /api/runs/{id}/audit
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if rec.Input == nil {
		writeError(w, http.StatusConflict, "Run has no stored scenario to audit against", nil)
		return
	}
	report, err := audit.Run(*rec.Input, rec.Result)
	if err != nil {
		writeError(w, errorStatus(err), "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*engine.RunRecord, bool) {
	rec, err := h.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errorStatus(err), "Failed to load run", err)
		return nil, false
	}
	if rec.Result == nil {
		writeError(w, http.StatusInternalServerError, "Run has no result", nil)
		return nil, false
	}
	return rec, true
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// errorStatus maps engine and catalogue errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case engine.IsConfigError(err):
		return http.StatusBadRequest
	case engine.IsNotFound(err), errors.Is(err, project.ErrScenarioNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateRun), errors.Is(err, engine.ErrDuplicateFingerprint):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// inputStatus is errorStatus for a submitted scenario: an entity the
// scenario itself references but does not define is a bad request.
func inputStatus(err error) int {
	if errors.Is(err, engine.ErrUnknownEntity) {
		return http.StatusBadRequest
	}
	return errorStatus(err)
}
