package artifact

import (
	"context"
	"slices"
	"sync"
)

// InMemoryStore is an in-process core.ArtifactStore useful for tests, the CLI
// and single-process deployments. Data is copied on save and retrieval so
// callers cannot mutate stored buffers.
//
// Layout: scope (tenant) -> artifactID -> raw bytes
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte
}

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

// Save stores (or overwrites) the artifact bytes for the given scope and id.
func (a *InMemoryStore) Save(ctx context.Context, scope, artifactID string, data []byte) error {
	if err := validateKey(ctx, artifactID); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.artifacts[scope]; !exists {
		a.artifacts[scope] = make(map[string][]byte)
	}

	a.artifacts[scope][artifactID] = slices.Clone(data)

	return nil
}

// Get returns a copy of the stored artifact bytes or ErrNotFound.
func (a *InMemoryStore) Get(ctx context.Context, scope, artifactID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.artifacts[scope][artifactID]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(data), nil
}

// List returns the sorted artifact ids stored in scope.
func (a *InMemoryStore) List(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.artifacts[scope]))
	for id := range a.artifacts[scope] {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids, nil
}

// Delete removes the artifact if present or returns ErrNotFound.
func (a *InMemoryStore) Delete(ctx context.Context, scope, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.artifacts[scope]
	if !ok {
		return ErrNotFound
	}

	if _, ok := m[artifactID]; !ok {
		return ErrNotFound
	}

	delete(m, artifactID)

	return nil
}
