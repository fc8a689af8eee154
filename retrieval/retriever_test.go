package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

type fakeStore struct {
	hits  map[string][]core.RetrievalReference
	fail  map[string]error
	block bool
	calls atomic.Int32
}

func (s *fakeStore) Search(ctx context.Context, sourceID string, _ core.KnowledgeQuery) ([]core.RetrievalReference, error) {
	s.calls.Add(1)

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if err := s.fail[sourceID]; err != nil {
		return nil, err
	}

	return append([]core.RetrievalReference(nil), s.hits[sourceID]...), nil
}

type countingEmbedder struct{ calls atomic.Int32 }

func (e *countingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls.Add(1)
	return []float32{1, 0}, nil
}

func ref(source string, chunk int, score float64) core.RetrievalReference {
	return core.RetrievalReference{KnowledgeSourceID: source, ChunkIndex: chunk, Score: score, Text: "chunk"}
}

func scores(refs []core.RetrievalReference) []float64 {
	out := make([]float64, len(refs))
	for i, r := range refs {
		out[i] = r.Score
	}

	return out
}

func TestRetrieve_ThresholdAndTopKAcrossSources(t *testing.T) {
	store := &fakeStore{hits: map[string][]core.RetrievalReference{
		"kb-a": {ref("kb-a", 0, 0.9), ref("kb-a", 1, 0.4)},
		"kb-b": {ref("kb-b", 0, 0.7)},
	}}
	emb := &countingEmbedder{}

	r := New(store, emb)

	res, err := r.Retrieve(context.Background(), []string{"kb-a", "kb-b"}, "question", 2, 0.5)
	require.NoError(t, err)

	assert.Equal(t, []float64{0.9, 0.7}, scores(res.References))
	assert.Empty(t, res.Warnings)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestRetrieve_Defaults(t *testing.T) {
	hits := []core.RetrievalReference{}
	for i := 0; i < 8; i++ {
		hits = append(hits, ref("kb", i, 0.3+float64(i)*0.05))
	}

	r := New(&fakeStore{hits: map[string][]core.RetrievalReference{"kb": hits}}, nil)

	res, err := r.Retrieve(context.Background(), []string{"kb"}, "q", 0, -1)
	require.NoError(t, err)

	require.Len(t, res.References, DefaultTopK)

	for _, ref := range res.References {
		assert.GreaterOrEqual(t, ref.Score, DefaultScoreThreshold)
	}

	assert.Equal(t, 7, res.References[0].ChunkIndex)
}

func TestRetrieve_StableTies(t *testing.T) {
	store := &fakeStore{hits: map[string][]core.RetrievalReference{
		"a": {ref("a", 1, 0.8), ref("a", 0, 0.8)},
		"b": {ref("b", 0, 0.8)},
	}}

	res, err := New(store, nil).Retrieve(context.Background(), []string{"a", "b"}, "q", 3, 0)
	require.NoError(t, err)

	got := []string{}
	for _, r := range res.References {
		got = append(got, r.KnowledgeSourceID+string(rune('0'+r.ChunkIndex)))
	}

	assert.Equal(t, []string{"a0", "a1", "b0"}, got)
}

func TestRetrieve_NoQueryOrSources(t *testing.T) {
	emb := &countingEmbedder{}
	r := New(&fakeStore{}, emb)

	res, err := r.Retrieve(context.Background(), []string{"kb"}, "   ", 5, 0.1)
	require.NoError(t, err)
	assert.Empty(t, res.References)

	res, err = r.Retrieve(context.Background(), nil, "q", 5, 0.1)
	require.NoError(t, err)
	assert.Empty(t, res.References)

	assert.Zero(t, emb.calls.Load())
}

func TestRetrieve_PartialAndTotalFailure(t *testing.T) {
	store := &fakeStore{
		hits: map[string][]core.RetrievalReference{"ok": {ref("ok", 0, 0.9)}},
		fail: map[string]error{"bad": errors.New("connection refused")},
	}

	res, err := New(store, nil).Retrieve(context.Background(), []string{"ok", "bad"}, "q", 5, 0)
	require.NoError(t, err)
	assert.Len(t, res.References, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "bad")

	res, err = New(store, nil).Retrieve(context.Background(), []string{"bad"}, "q", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, res.References)
	assert.Len(t, res.Warnings, 2)
}

func TestRetrieve_Cancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(&fakeStore{block: true}, nil).Retrieve(ctx, []string{"a", "b"}, "q", 5, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFormatContext(t *testing.T) {
	refs := []core.RetrievalReference{
		{Text: "Go is fast. ", Source: "https://go.dev"},
		{Text: "Channels", DocumentID: "doc-7"},
		{Text: "Misc"},
	}

	want := "[1] Go is fast.\nSource: https://go.dev\n\n[2] Channels\nSource: doc-7\n\n[3] Misc\nSource: knowledge-base"
	assert.Equal(t, want, FormatContext(refs))
	assert.Empty(t, FormatContext(nil))
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)

	a, err := e.Embed(context.Background(), "Go channels and goroutines")
	require.NoError(t, err)

	b, err := e.Embed(context.Background(), "goroutines and channels, Go!")
	require.NoError(t, err)

	c, err := e.Embed(context.Background(), "baking sourdough bread")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Less(t, Cosine(a, c), Cosine(a, b))
	assert.Zero(t, Cosine(a, []float32{1}))
}
