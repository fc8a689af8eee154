package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentforge/core"
)

// MemoryStore keeps run records in process. Terminal records are evicted
// after the retention period (0 keeps them forever).
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Record
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Record),
		retention: retention,
		now:       time.Now,
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rec *Record) (err error) {
	defer func() { observe("create", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()

	if _, ok := s.runs[rec.ID]; ok {
		return ErrExists
	}

	cp := rec.Clone()
	if cp.State == "" {
		cp.State = core.RunPending
	}

	now := s.now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now

	s.runs[cp.ID] = cp

	return nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, runID string, u Update) (_ *Record, err error) {
	defer func() { observe("transition", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}

	next := rec.Clone()
	if err := u.apply(next, s.now().UTC()); err != nil {
		return nil, err
	}

	s.runs[runID] = next

	return next.Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, runID string) (_ *Record, err error) {
	defer func() { observe("get", err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok || rec.TenantID != tenantID {
		return nil, ErrNotFound
	}

	return rec.Clone(), nil
}

func (s *MemoryStore) evictLocked() {
	if s.retention <= 0 {
		return
	}

	cutoff := s.now().Add(-s.retention)

	for id, rec := range s.runs {
		if rec.State.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.runs, id)
		}
	}
}
