// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/linnemanlabs/carepath/internal/workflow"
)

// Store holds case records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	results map[string]*workflow.Result // case ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{results: make(map[string]*workflow.Result)}
}

// Get retrieves a case record by its ID. Returns a deep copy.
func (s *Store) Get(_ context.Context, id string) (*workflow.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Create stores a copy of a new record.
func (s *Store) Create(_ context.Context, r *workflow.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.ID]; ok {
		return fmt.Errorf("%w: %s", workflow.ErrExists, r.ID)
	}
	s.results[r.ID] = r.Clone()
	return nil
}

// Update replaces an existing record with a copy of r.
func (s *Store) Update(_ context.Context, r *workflow.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.ID]; !ok {
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, r.ID)
	}
	s.results[r.ID] = r.Clone()
	return nil
}

// QueryByField returns copies of every record whose field equals value,
// newest first.
func (s *Store) QueryByField(_ context.Context, field, value string) ([]*workflow.Result, error) {
	if !slices.Contains(workflow.Fields, field) {
		return nil, fmt.Errorf("%w: %q", workflow.ErrUnknownField, field)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Result
	for _, r := range s.results {
		v, err := workflow.FieldValue(r, field)
		if err != nil {
			return nil, err
		}
		if v == value {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *workflow.Result) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}
