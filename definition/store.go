// Package definition provides the persistence collaborator that loads agent
// definitions scoped by tenant: an in-memory store and a directory backed
// store that reloads on change.
package definition

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/agentforge/core"
)

// ErrNotFound is returned when no definition with the id is visible to the
// tenant.
var ErrNotFound = errors.New("definition not found")

// Definitions without a TenantID are shared by every tenant.
const sharedTenant = ""

type key struct {
	tenant string
	id     string
}

// MemoryStore is a volatile definition store keyed by tenant and id. It is
// safe for concurrent access; stored and returned definitions are copies.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[key]*core.AgentDefinition
}

var _ core.DefinitionStore = (*MemoryStore)(nil)

// NewMemoryStore constructs a store holding defs.
func NewMemoryStore(defs ...*core.AgentDefinition) *MemoryStore {
	s := &MemoryStore{defs: make(map[key]*core.AgentDefinition)}

	for _, d := range defs {
		s.Put(d)
	}

	return s
}

// Put stores (or replaces) a copy of def.
func (s *MemoryStore) Put(def *core.AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs[key{tenant: def.TenantID, id: def.ID}] = Clone(def)
}

// Delete removes the definition of the tenant with id.
func (s *MemoryStore) Delete(tenantID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.defs, key{tenant: tenantID, id: id})
}

// Get implements core.DefinitionStore. Tenant owned definitions shadow shared
// ones with the same id.
func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*core.AgentDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.defs[key{tenant: tenantID, id: id}]; ok {
		return Clone(d), nil
	}

	if d, ok := s.defs[key{tenant: sharedTenant, id: id}]; ok {
		return Clone(d), nil
	}

	return nil, ErrNotFound
}

// List returns the definitions visible to tenantID ordered by id.
func (s *MemoryStore) List(_ context.Context, tenantID string) []*core.AgentDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := map[string]*core.AgentDefinition{}

	for k, d := range s.defs {
		switch k.tenant {
		case tenantID:
			byID[k.id] = d
		case sharedTenant:
			if _, ok := byID[k.id]; !ok {
				byID[k.id] = d
			}
		}
	}

	out := make([]*core.AgentDefinition, 0, len(byID))
	for _, d := range byID {
		out = append(out, Clone(d))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// replace swaps the whole content of the store.
func (s *MemoryStore) replace(defs map[key]*core.AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs = defs
}

// Clone returns a copy of def that shares no slices or maps with it.
func Clone(def *core.AgentDefinition) *core.AgentDefinition {
	if def == nil {
		return nil
	}

	c := *def
	c.SubAgents = slices.Clone(def.SubAgents)
	c.Tools = slices.Clone(def.Tools)
	c.KnowledgeSources = slices.Clone(def.KnowledgeSources)
	c.Credentials = maps.Clone(def.Credentials)
	c.Tasks = slices.Clone(def.Tasks)

	if def.Workflow != nil {
		wf := *def.Workflow
		wf.Nodes = slices.Clone(def.Workflow.Nodes)
		wf.Edges = slices.Clone(def.Workflow.Edges)
		c.Workflow = &wf
	}

	if def.Loop != nil {
		lp := *def.Loop
		c.Loop = &lp
	}

	if def.Remote != nil {
		rp := *def.Remote
		c.Remote = &rp
	}

	if def.Retrieval.ScoreThreshold != nil {
		th := *def.Retrieval.ScoreThreshold
		c.Retrieval.ScoreThreshold = &th
	}

	return &c
}
