/*
scenarios.go - Demo scenario catalogue and sensitivity sweeps

PURPOSE:
  Exposes the project catalogue so clients can list the demo scenarios,
  download one as a YAML document, edit it, and post it back to /api/runs.
  Sweeps run a catalogue scenario under the standard sensitivities.

AVAILABLE SCENARIOS (project/scenarios.go):
  base-case:       Three subsidiaries on preset terms
  grant-funded:    Construction grants prepay water and property senior debt
  energy-deficit:  Energy revenue stress covered by the water overdraft
  high-rate:       Senior and mezzanine rates shocked upward

USAGE VIA API:
  GET  /api/scenarios
  GET  /api/scenarios/energy-deficit
  POST /api/sweeps  {"scenario_id": "base-case", "variants": ["revenue-10pct-down"]}

SEE ALSO:
  - handlers.go: CreateRun settles catalogue scenarios by ID
  - project/scenarios.go: Catalogue and sweep variants
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/finance-engine/engine"
	"github.com/warp/finance-engine/project"
)

// ListScenarios returns the catalogue.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	entries := project.Scenarios()
	dtos := make([]ScenarioDTO, len(entries))
	for i, e := range entries {
		sc := e.Build()
		dtos[i] = toScenarioDTO(e, &sc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetScenario returns one catalogue scenario as an editable document.
// GET /api/scenarios/{id}
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	entry, err := project.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Scenario not found", err)
		return
	}
	sc := entry.Build()
	doc, err := h.Factory.ExportScenario(sc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDetailDTO{
		ScenarioDTO: toScenarioDTO(entry, &sc),
		Document:    string(doc),
	})
}

// CreateSweep runs a catalogue scenario under named sensitivities.
// POST /api/sweeps
func (h *Handler) CreateSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ScenarioID == "" {
		writeError(w, http.StatusBadRequest, "scenario_id is required", nil)
		return
	}
	sc, err := project.BuildScenario(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Scenario not found", err)
		return
	}
	variants, err := selectVariants(req.Variants)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown variant", err)
		return
	}

	orch, err := project.NewOrchestrator(h.log().With("sweep", req.ScenarioID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build orchestrator", err)
		return
	}
	rows, err := orch.Sweep(r.Context(), sc, variants)
	if err != nil {
		writeError(w, errorStatus(err), "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario": req.ScenarioID,
		"variants": toSweepRows(rows),
	})
}

// selectVariants keeps the requested variants in request order.
func selectVariants(names []string) ([]engine.Variant, error) {
	all := project.SweepVariants()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]engine.Variant, len(all))
	for _, v := range all {
		byName[v.Name] = v
	}
	out := make([]engine.Variant, 0, len(names))
	for _, n := range names {
		v, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%q", n)
		}
		out = append(out, v)
	}
	return out, nil
}
