// Package trace persists terminal run summaries and collects engine events
// into step-level observability records. Stores hold RunResult snapshots;
// the Collector adapts the engine's event stream into them.
package trace

import (
	"sync"

	"github.com/crawlmesh/crawlmesh/core"
)

// Store persists and retrieves run summaries. Implementations must be safe
// for concurrent use.
type Store interface {
	// Persist saves a terminal run summary. Overwrites any previous summary
	// for the same run ID.
	Persist(result core.RunResult) error
	// Load returns the summary for runID, or a not-found error.
	Load(runID string) (core.RunResult, error)
	// List returns all stored run IDs.
	List() ([]string, error)
}

// InMemoryStore keeps summaries in a process-local map. Used by default and
// in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	results map[string]core.RunResult
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{results: make(map[string]core.RunResult)}
}

// Persist implements Store.
func (s *InMemoryStore) Persist(result core.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.RunID] = result
	return nil
}

// Load implements Store.
func (s *InMemoryStore) Load(runID string) (core.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[runID]
	if !ok {
		return core.RunResult{}, core.NewError(core.ErrCodeExecution, "run '%s' not found", runID)
	}
	return r, nil
}

// List implements Store.
func (s *InMemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.results))
	for id := range s.results {
		ids = append(ids, id)
	}
	return ids, nil
}
