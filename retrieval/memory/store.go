// Package memory provides a process-local knowledge store for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/retrieval"
)

// Chunk is one stored piece of a knowledge source.
type Chunk struct {
	DocumentID string
	Index      int
	Text       string
	Source     string
	Metadata   map[string]any
	Embedding  []float32
}

// Store is a naive knowledge store. Search scores chunks by cosine similarity
// when both the query and the chunk carry embeddings, and by keyword overlap
// otherwise. Suitable only for tests and demos; production deployments use
// a vector index.
//
// Concurrency: protected by RWMutex.
type Store struct {
	mu      sync.RWMutex
	owners  map[string]string  // sourceID -> tenantID
	sources map[string][]Chunk // sourceID -> chunks in insertion order
}

var (
	_ core.KnowledgeStore      = (*Store)(nil)
	_ core.KnowledgeAuthorizer = (*Store)(nil)
	_ retrieval.ChunkWriter    = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		owners:  make(map[string]string),
		sources: make(map[string][]Chunk),
	}
}

// AddSource registers a knowledge source owned by tenantID.
func (s *Store) AddSource(tenantID, sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.owners[sourceID] = tenantID
	if _, ok := s.sources[sourceID]; !ok {
		s.sources[sourceID] = nil
	}
}

// Add appends chunks to a registered source. Chunk indexes are assigned in
// insertion order.
func (s *Store) Add(sourceID string, chunks ...Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[sourceID]; !ok {
		return fmt.Errorf("knowledge source %s not found", sourceID)
	}

	existing := s.sources[sourceID]

	for i := range chunks {
		chunks[i].Index = len(existing) + i
	}

	s.sources[sourceID] = append(existing, chunks...)

	return nil
}

// ReplaceChunks implements retrieval.ChunkWriter.
func (s *Store) ReplaceChunks(ctx context.Context, sourceID, documentID string, chunks []retrieval.StoredChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("knowledge source %s not found", sourceID)
	}

	kept := make([]Chunk, 0, len(existing)+len(chunks))

	for _, c := range existing {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}

	for _, c := range chunks {
		kept = append(kept, Chunk{
			DocumentID: documentID,
			Index:      c.Index,
			Text:       c.Text,
			Metadata:   c.Metadata,
			Embedding:  c.Embedding,
		})
	}

	s.sources[sourceID] = kept

	return nil
}

// Authorize implements core.KnowledgeAuthorizer.
func (s *Store) Authorize(_ context.Context, tenantID string, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := make([]string, 0, len(ids))

	for _, id := range ids {
		if owner, ok := s.owners[id]; ok && owner == tenantID {
			allowed = append(allowed, id)
		}
	}

	return allowed, nil
}

// Search implements core.KnowledgeStore.
func (s *Store) Search(ctx context.Context, sourceID string, q core.KnowledgeQuery) ([]core.RetrievalReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks, ok := s.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("knowledge source %s not found", sourceID)
	}

	terms := retrieval.Tokenize(q.Text)
	refs := make([]core.RetrievalReference, 0, len(chunks))

	for _, c := range chunks {
		var score float64

		if len(q.Embedding) > 0 && len(c.Embedding) > 0 {
			score = retrieval.Cosine(q.Embedding, c.Embedding)
		} else {
			score = overlap(terms, retrieval.Tokenize(c.Text))
		}

		if score <= 0 {
			continue
		}

		md := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			md[k] = v
		}

		refs = append(refs, core.RetrievalReference{
			KnowledgeSourceID: sourceID,
			DocumentID:        c.DocumentID,
			ChunkIndex:        c.Index,
			Score:             score,
			Source:            c.Source,
			Text:              c.Text,
			Metadata:          md,
		})
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Score > refs[j].Score })

	if q.TopK > 0 && len(refs) > q.TopK {
		refs = refs[:q.TopK]
	}

	return refs, nil
}

// overlap is the fraction of query terms present in the chunk.
func overlap(query, chunk []string) float64 {
	if len(query) == 0 {
		return 0
	}

	present := make(map[string]struct{}, len(chunk))
	for _, t := range chunk {
		present[t] = struct{}{}
	}

	var hit int

	for _, t := range query {
		if _, ok := present[t]; ok {
			hit++
		}
	}

	return float64(hit) / float64(len(query))
}
