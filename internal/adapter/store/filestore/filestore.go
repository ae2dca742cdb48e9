// Package filestore implements the record store on local JSON files.
//
// It is the secondary backend behind the persistence façade: writes land
// here when the relational store is unavailable, and reads fall back here on
// primary errors. One file per record plus one per event history keeps the
// format trivially inspectable.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evalgrid/evalgrid/internal/domain"
)

// Store is a file-backed domain.Store rooted at Dir.
type Store struct {
	Dir string
	mu  sync.Mutex
}

// New constructs a Store and creates its directory.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=filestore.new: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) recordPath(id string) string { return filepath.Join(s.Dir, id+".json") }
func (s *Store) eventsPath(id string) string { return filepath.Join(s.Dir, id+".events.json") }

func (s *Store) read(id string) (domain.Evaluation, error) {
	b, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Evaluation{}, fmt.Errorf("op=filestore.read: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=filestore.read: %w", err)
	}
	var e domain.Evaluation
	if err := json.Unmarshal(b, &e); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=filestore.read: %w", err)
	}
	return e, nil
}

func (s *Store) write(e domain.Evaluation) error {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	tmp := s.recordPath(e.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("op=filestore.write: %w", err)
	}
	return os.Rename(tmp, s.recordPath(e.ID))
}

// Create inserts a record; duplicate ids conflict.
func (s *Store) Create(_ domain.Context, e domain.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.recordPath(e.ID)); err == nil {
		return fmt.Errorf("op=filestore.create: %w", domain.ErrConflict)
	}
	return s.write(e)
}

// Update applies a partial update, merging metadata per key.
func (s *Store) Update(ctx domain.Context, id string, upd domain.UpdateFields) (domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.read(id)
	if err != nil {
		return domain.Evaluation{}, err
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
	if err := s.write(e); err != nil {
		return domain.Evaluation{}, err
	}
	return e, nil
}

// Get loads a record by id.
func (s *Store) Get(_ domain.Context, id string) (domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns records newest first.
func (s *Store) List(_ domain.Context, limit, offset int, status domain.EvaluationStatus) ([]domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("op=filestore.list: %w", err)
	}
	var all []domain.Evaluation
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".events.json") {
			continue
		}
		e, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if status == "" || e.Status == status {
			all = append(all, e)
		}
	}
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
func (s *Store) Count(ctx domain.Context, status domain.EvaluationStatus) (int, error) {
	all, err := s.List(ctx, 0, 0, status)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// Delete soft-deletes by setting the sentinel status.
func (s *Store) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.read(id)
	if err != nil {
		return err
	}
	e.Status = domain.StatusDeleted
	return s.write(e)
}

// AddEvent appends one history entry.
func (s *Store) AddEvent(_ domain.Context, id string, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, _ := s.readEvents(id)
	events = append(events, ev)
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("op=filestore.add_event: %w", err)
	}
	if err := os.WriteFile(s.eventsPath(id), b, 0o644); err != nil {
		return fmt.Errorf("op=filestore.add_event: %w", err)
	}
	return nil
}

// GetEvents returns the history for an evaluation.
func (s *Store) GetEvents(_ domain.Context, id string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEvents(id)
}

func (s *Store) readEvents(id string) ([]domain.Event, error) {
	b, err := os.ReadFile(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=filestore.read_events: %w", err)
	}
	var events []domain.Event
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("op=filestore.read_events: %w", err)
	}
	return events, nil
}
