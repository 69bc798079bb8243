// Package store provides RunStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/finance-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	runs map[string]engine.RunRecord
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]engine.RunRecord)}
}

// SaveRun adds a run. Write-once.
func (m *Memory) SaveRun(_ context.Context, rec engine.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.ID]; exists {
		return engine.ErrDuplicateRun
	}
	if rec.Fingerprint != "" {
		for _, other := range m.runs {
			if other.Fingerprint == rec.Fingerprint {
				return engine.ErrDuplicateFingerprint
			}
		}
	}
	m.runs[rec.ID] = rec
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*engine.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, engine.ErrRunNotFound
	}
	return &rec, nil
}

func (m *Memory) ListRuns(_ context.Context) ([]engine.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.RunSummary, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, engine.Summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
