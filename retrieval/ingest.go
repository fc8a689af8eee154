package retrieval

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
)

// Chunking defaults. Sizes and overlaps are counted in words.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 128
	MinChunkSize        = 64
)

// ErrEmptyDocument is returned when a document yields no chunks.
var ErrEmptyDocument = errors.New("document content is empty")

// Document is a plain text document destined for a knowledge source.
type Document struct {
	ID                string
	KnowledgeSourceID string
	// SourceType records where the text came from ("text", "url", ...).
	SourceType       string
	SourceURL        string
	OriginalFilename string
	Text             string
	// Metadata is copied into every chunk.
	Metadata map[string]any
}

// StoredChunk is one embedded piece of a document as handed to a ChunkWriter.
type StoredChunk struct {
	Index      int
	Text       string
	TokenCount int
	Metadata   map[string]any
	Embedding  []float32
}

// ChunkWriter persists the chunks of a document. ReplaceChunks removes every
// chunk previously stored for documentID before writing chunks.
type ChunkWriter interface {
	ReplaceChunks(ctx context.Context, sourceID, documentID string, chunks []StoredChunk) error
}

// BatchEmbedder is implemented by embedders that embed many texts in one call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// IngestOptions configure Ingest.
type IngestOptions struct {
	ChunkSize    int
	ChunkOverlap int
	Logger       logging.Logger
}

// Chunk splits text into windows of size words where consecutive windows
// share overlap words. size is raised to MinChunkSize and overlap is clamped
// to [0, size/2].
func Chunk(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	size = max(size, MinChunkSize)
	overlap = max(0, min(overlap, size/2))

	var chunks []string

	for start := 0; ; {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))

		if end == len(words) {
			return chunks
		}

		start = end - overlap
	}
}

// Ingest chunks doc, embeds every chunk and replaces the document's chunks
// in w. It returns the number of chunks written.
func Ingest(ctx context.Context, w ChunkWriter, embedder core.Embedder, doc Document, optFns ...func(o *IngestOptions)) (int, error) {
	opts := IngestOptions{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if doc.ID == "" || doc.KnowledgeSourceID == "" {
		return 0, fmt.Errorf("ingest: document and knowledge source id are required")
	}

	texts := Chunk(doc.Text, opts.ChunkSize, opts.ChunkOverlap)
	if len(texts) == 0 {
		return 0, fmt.Errorf("ingest %s: %w", doc.ID, ErrEmptyDocument)
	}

	ctx, span := tracer.Start(ctx, "retrieval.ingest")
	defer span.End()

	start := time.Now()

	vectors, err := embedAll(ctx, embedder, texts)
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", doc.ID, err)
	}

	chunks := make([]StoredChunk, len(texts))
	for i, text := range texts {
		chunks[i] = StoredChunk{
			Index:      i,
			Text:       text,
			TokenCount: len(strings.Fields(text)),
			Metadata:   chunkMetadata(doc, i),
		}

		if vectors != nil {
			chunks[i].Embedding = vectors[i]
		}
	}

	if err := w.ReplaceChunks(ctx, doc.KnowledgeSourceID, doc.ID, chunks); err != nil {
		return 0, fmt.Errorf("ingest %s: %w", doc.ID, err)
	}

	opts.Logger.Info("retrieval.document.ingested",
		"knowledge_source_id", doc.KnowledgeSourceID,
		"document_id", doc.ID,
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return len(chunks), nil
}

func embedAll(ctx context.Context, embedder core.Embedder, texts []string) ([][]float32, error) {
	if embedder == nil {
		return nil, nil
	}

	if be, ok := embedder.(BatchEmbedder); ok {
		vectors, err := be.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}

		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(texts))
		}

		return vectors, nil
	}

	vectors := make([][]float32, len(texts))

	for i, text := range texts {
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %d: %w", i, err)
		}

		vectors[i] = vec
	}

	return vectors, nil
}

func chunkMetadata(doc Document, index int) map[string]any {
	md := make(map[string]any, len(doc.Metadata)+6)
	maps.Copy(md, doc.Metadata)

	md[core.MetadataDocumentID] = doc.ID
	md["knowledge_base_id"] = doc.KnowledgeSourceID
	md["chunk_index"] = index

	if doc.SourceType != "" {
		md["source_type"] = doc.SourceType
	}

	if doc.OriginalFilename != "" {
		md[core.MetadataOriginalFilename] = doc.OriginalFilename
	}

	if doc.SourceURL != "" {
		md[core.MetadataSourceURL] = doc.SourceURL
	}

	return md
}
