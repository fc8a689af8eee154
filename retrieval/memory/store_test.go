package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/retrieval"
)

func TestStore_KeywordSearch(t *testing.T) {
	s := NewStore()
	s.AddSource("acme", "kb")

	require.NoError(t, s.Add("kb",
		Chunk{Text: "Go has goroutines and channels", Source: "go.md"},
		Chunk{Text: "Bread needs flour"},
		Chunk{Text: "channels connect goroutines", DocumentID: "doc-2"},
	))

	refs, err := s.Search(context.Background(), "kb", core.KnowledgeQuery{Text: "goroutines channels", TopK: 5})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, 1.0, refs[0].Score)
	assert.Equal(t, 0, refs[0].ChunkIndex)
	assert.Equal(t, "kb", refs[0].KnowledgeSourceID)
	assert.Equal(t, 2, refs[1].ChunkIndex)
}

func TestStore_EmbeddingSearchWithRetriever(t *testing.T) {
	ctx := context.Background()
	emb := retrieval.NewHashEmbedder(128)

	s := NewStore()
	s.AddSource("acme", "kb")

	for _, doc := range []retrieval.Document{
		{ID: "d1", KnowledgeSourceID: "kb", OriginalFilename: "a.md", Text: "the capital of france is paris"},
		{ID: "d2", KnowledgeSourceID: "kb", OriginalFilename: "b.md", Text: "sourdough needs a starter"},
	} {
		_, err := retrieval.Ingest(ctx, s, emb, doc)
		require.NoError(t, err)
	}

	r := retrieval.New(s, emb)

	res, err := r.Retrieve(ctx, []string{"kb"}, "what is the capital of france", 1, 0.3)
	require.NoError(t, err)
	require.Len(t, res.References, 1)
	assert.Equal(t, "d1", res.References[0].DocumentID)
	assert.Equal(t, "a.md", res.References[0].Label())
}

func TestStore_ReplaceChunks(t *testing.T) {
	ctx := context.Background()

	s := NewStore()
	s.AddSource("acme", "kb")

	require.NoError(t, s.Add("kb", Chunk{DocumentID: "other", Text: "unrelated goroutines"}))

	text := strings.Repeat("goroutines ", 100)

	n, err := retrieval.Ingest(ctx, s, nil, retrieval.Document{ID: "doc", KnowledgeSourceID: "kb", SourceURL: "https://example.com/go", Text: text},
		func(o *retrieval.IngestOptions) { o.ChunkSize, o.ChunkOverlap = 64, 16 })
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = retrieval.Ingest(ctx, s, nil, retrieval.Document{ID: "doc", KnowledgeSourceID: "kb", Text: "goroutines again"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	refs, err := s.Search(ctx, "kb", core.KnowledgeQuery{Text: "goroutines"})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	byDoc := map[string]core.RetrievalReference{}
	for _, ref := range refs {
		byDoc[ref.DocumentID] = ref
	}

	assert.Equal(t, "goroutines again", byDoc["doc"].Text)
	assert.Equal(t, 0, byDoc["doc"].ChunkIndex)
	assert.Equal(t, "doc", byDoc["doc"].Label())
	assert.Equal(t, "other", byDoc["other"].Label())

	assert.Error(t, s.ReplaceChunks(ctx, "missing", "doc", nil))
}

func TestStore_UnknownSource(t *testing.T) {
	s := NewStore()

	_, err := s.Search(context.Background(), "missing", core.KnowledgeQuery{Text: "x"})
	assert.Error(t, err)
	assert.Error(t, s.Add("missing", Chunk{Text: "x"}))
}

func TestStore_Authorize(t *testing.T) {
	s := NewStore()
	s.AddSource("acme", "kb-1")
	s.AddSource("globex", "kb-2")

	ids, err := s.Authorize(context.Background(), "acme", []string{"kb-1", "kb-2", "kb-3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"kb-1"}, ids)
}
