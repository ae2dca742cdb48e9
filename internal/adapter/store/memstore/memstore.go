// Package memstore implements the record store and the blob store in
// process memory. It backs unit tests and local development.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// Store is an in-memory domain.Store.
type Store struct {
	mu     sync.RWMutex
	evals  map[string]domain.Evaluation
	events map[string][]domain.Event
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		evals:  make(map[string]domain.Evaluation),
		events: make(map[string][]domain.Event),
	}
}

// Create inserts a record; duplicate ids conflict.
func (s *Store) Create(_ domain.Context, e domain.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evals[e.ID]; ok {
		return fmt.Errorf("op=memstore.create: %w", domain.ErrConflict)
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	s.evals[e.ID] = e
	return nil
}

// Update applies a partial update, merging metadata per key.
func (s *Store) Update(_ domain.Context, id string, upd domain.UpdateFields) (domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evals[id]
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("op=memstore.update: %w", domain.ErrNotFound)
	}
	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.QueuedAt != nil {
		e.QueuedAt = upd.QueuedAt
	}
	if upd.StartedAt != nil {
		e.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		e.CompletedAt = upd.CompletedAt
	}
	if upd.ExitCode != nil {
		e.ExitCode = upd.ExitCode
	}
	if upd.RuntimeMS != nil {
		e.RuntimeMS = upd.RuntimeMS
	}
	if upd.Output != nil {
		e.Output = *upd.Output
	}
	if upd.Error != nil {
		e.Error = *upd.Error
	}
	if len(upd.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		for k, v := range upd.Metadata {
			e.Metadata[k] = v
		}
	}
	s.evals[id] = e
	return e, nil
}

// Get loads a record by id.
func (s *Store) Get(_ domain.Context, id string) (domain.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evals[id]
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("op=memstore.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

// List returns records newest first.
func (s *Store) List(_ domain.Context, limit, offset int, status domain.EvaluationStatus) ([]domain.Evaluation, error) {
	s.mu.RLock()
	all := make([]domain.Evaluation, 0, len(s.evals))
	for _, e := range s.evals {
		if status == "" || e.Status == status {
			all = append(all, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Count returns the number of records, optionally filtered by status.
func (s *Store) Count(_ domain.Context, status domain.EvaluationStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status == "" {
		return len(s.evals), nil
	}
	n := 0
	for _, e := range s.evals {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

// Delete soft-deletes by setting the sentinel status.
func (s *Store) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evals[id]
	if !ok {
		return fmt.Errorf("op=memstore.delete: %w", domain.ErrNotFound)
	}
	e.Status = domain.StatusDeleted
	s.evals[id] = e
	return nil
}

// AddEvent appends one history entry.
func (s *Store) AddEvent(_ domain.Context, id string, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = append(s.events[id], ev)
	return nil
}

// GetEvents returns the history for an evaluation.
func (s *Store) GetEvents(_ domain.Context, id string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Event, len(s.events[id]))
	copy(out, s.events[id])
	return out, nil
}

// Blobs is an in-memory domain.BlobStore.
type Blobs struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobs constructs an empty Blobs.
func NewBlobs() *Blobs { return &Blobs{data: make(map[string][]byte)} }

// Put stores a blob under key.
func (b *Blobs) Put(_ domain.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.data[key] = cp
	return nil
}

// Get returns the blob stored under key.
func (b *Blobs) Get(_ domain.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("op=memstore.blob_get: %w", domain.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
