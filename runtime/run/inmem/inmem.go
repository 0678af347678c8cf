// Package inmem provides an in-memory implementation of run.Store for tests
// and local development. Records live in a map keyed by RunID with no
// persistence across process restarts; production deployments use a durable
// backend such as features/run/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pathscope/slidepilot/runtime/run"
)

// Store implements run.Store in memory. All operations are thread-safe.
// Records are copied on read and write so callers cannot mutate stored data
// through retained references.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Upsert inserts or updates the record keyed by r.RunID. A zero StartedAt is
// preserved from the existing record, or defaults to now for new ones; a
// zero UpdatedAt is set to now.
func (s *Store) Upsert(_ context.Context, r run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[r.RunID]
	if ok {
		if r.StartedAt.IsZero() {
			r.StartedAt = existing.StartedAt
		}
	} else if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.records[r.RunID] = copyRecord(r)
	return nil
}

// Load retrieves the record for runID. A missing run returns an empty
// record with no error; callers check r.RunID == "".
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return run.Record{}, nil
	}
	return copyRecord(r), nil
}

// List returns every record, most recently started first.
func (s *Store) List(_ context.Context) ([]run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]run.Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, copyRecord(r))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].RunID < records[j].RunID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Reset clears all stored records. Useful in tests; not part of run.Store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Record)
}

func copyRecord(r run.Record) run.Record {
	copied := r
	copied.Steps = cloneSteps(r.Steps)
	copied.Labels = cloneLabels(r.Labels)
	copied.Metadata = cloneMetadata(r.Metadata)
	return copied
}

func cloneSteps(src []run.StepEntry) []run.StepEntry {
	if len(src) == 0 {
		return nil
	}
	dst := make([]run.StepEntry, len(src))
	for i, entry := range src {
		entry.Result = cloneMetadata(entry.Result)
		dst[i] = entry
	}
	return dst
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
