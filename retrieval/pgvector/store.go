// Package pgvector implements a knowledge store backed by PostgreSQL with the
// pgvector extension, accessed through GORM.
package pgvector

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/retrieval"
)

// Config holds configuration for Store.
type Config struct {
	DB *gorm.DB
	// ChunkTable holds chunk rows; defaults to "knowledge_chunks".
	ChunkTable string
	// SourceTable holds knowledge base ownership; defaults to "knowledge_bases".
	SourceTable string
	// TenantColumn names the owning tenant column of SourceTable; defaults
	// to "client_id".
	TenantColumn string
	Logger       logging.Logger
}

// Store searches chunk embeddings by cosine distance and writes ingested
// chunks.
//
// Expected schema:
//
//	knowledge_bases(id uuid, client_id uuid)
//	knowledge_chunks(id uuid, knowledge_base_id uuid, document_id uuid,
//	                 chunk_index int, token_count int, content text,
//	                 chunk_metadata jsonb, embedding vector)
//
// References carry no source column; their label is derived from the
// source_url, original_filename and document_id keys of chunk_metadata.
type Store struct {
	db           *gorm.DB
	chunkTable   string
	sourceTable  string
	tenantColumn string
	logger       logging.Logger
}

var (
	_ core.KnowledgeStore      = (*Store)(nil)
	_ core.KnowledgeAuthorizer = (*Store)(nil)
	_ retrieval.ChunkWriter    = (*Store)(nil)
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}

	if cfg.ChunkTable == "" {
		cfg.ChunkTable = "knowledge_chunks"
	}

	if cfg.SourceTable == "" {
		cfg.SourceTable = "knowledge_bases"
	}

	if cfg.TenantColumn == "" {
		cfg.TenantColumn = "client_id"
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}

	for _, t := range []string{cfg.ChunkTable, cfg.SourceTable, cfg.TenantColumn} {
		if !identRe.MatchString(t) {
			return nil, fmt.Errorf("invalid identifier %q", t)
		}
	}

	return &Store{
		db:           cfg.DB,
		chunkTable:   cfg.ChunkTable,
		sourceTable:  cfg.SourceTable,
		tenantColumn: cfg.TenantColumn,
		logger:       cfg.Logger,
	}, nil
}

// Open connects to dsn and creates a Store using the default tables unless
// chunkTable is set.
func Open(dsn, chunkTable string, l logging.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return New(Config{DB: db, ChunkTable: chunkTable, Logger: l})
}

type chunkRow struct {
	DocumentID    string
	ChunkIndex    int
	Content       string
	ChunkMetadata []byte
	Score         float64
}

// Search implements core.KnowledgeStore. Queries without an embedding cannot
// be served by this store.
func (s *Store) Search(ctx context.Context, sourceID string, q core.KnowledgeQuery) ([]core.RetrievalReference, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("pgvector: query embedding required")
	}

	limit := q.TopK
	if limit <= 0 {
		limit = 5
	}

	vec := VectorLiteral(q.Embedding)

	var rows []chunkRow

	err := s.db.WithContext(ctx).
		Raw(s.searchSQL(), vec, sourceID, vec, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector: search %s: %w", sourceID, err)
	}

	refs := make([]core.RetrievalReference, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, s.reference(sourceID, r))
	}

	return refs, nil
}

func (s *Store) reference(sourceID string, r chunkRow) core.RetrievalReference {
	ref := core.RetrievalReference{
		KnowledgeSourceID: sourceID,
		DocumentID:        r.DocumentID,
		ChunkIndex:        r.ChunkIndex,
		Score:             r.Score,
		Text:              r.Content,
	}

	if len(r.ChunkMetadata) > 0 {
		if err := json.Unmarshal(r.ChunkMetadata, &ref.Metadata); err != nil {
			s.logger.Debug("pgvector.metadata.invalid", "knowledge_source_id", sourceID, "document_id", r.DocumentID, "chunk_index", r.ChunkIndex, "error", err.Error())
			ref.Metadata = nil
		}
	}

	return ref
}

// ReplaceChunks implements retrieval.ChunkWriter. The delete and the inserts
// run in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, sourceID, documentID string, chunks []retrieval.StoredChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(s.deleteSQL(), sourceID, documentID).Error; err != nil {
			return fmt.Errorf("pgvector: delete chunks of %s: %w", documentID, err)
		}

		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				return fmt.Errorf("pgvector: chunk %d of %s has no embedding", c.Index, documentID)
			}

			md, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("pgvector: encode chunk metadata: %w", err)
			}

			err = tx.Exec(s.insertSQL(),
				uuid.NewString(), sourceID, documentID, c.Index, c.TokenCount, c.Text, string(md), VectorLiteral(c.Embedding),
			).Error
			if err != nil {
				return fmt.Errorf("pgvector: insert chunk %d of %s: %w", c.Index, documentID, err)
			}
		}

		return nil
	})
}

// Authorize implements core.KnowledgeAuthorizer.
func (s *Store) Authorize(ctx context.Context, tenantID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var found []string

	err := s.db.WithContext(ctx).
		Table(s.sourceTable).
		Where(s.tenantColumn+" = ? AND id IN ?", tenantID, ids).
		Pluck("id", &found).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector: authorize: %w", err)
	}

	owned := make(map[string]bool, len(found))
	for _, id := range found {
		owned[id] = true
	}

	allowed := make([]string, 0, len(found))

	for _, id := range ids {
		if owned[id] {
			allowed = append(allowed, id)
		}
	}

	return allowed, nil
}

func (s *Store) searchSQL() string {
	return "SELECT document_id, chunk_index, content, chunk_metadata, " +
		"1 - (embedding <=> ?::vector) AS score FROM " + s.chunkTable +
		" WHERE knowledge_base_id = ? ORDER BY embedding <=> ?::vector LIMIT ?"
}

func (s *Store) deleteSQL() string {
	return "DELETE FROM " + s.chunkTable + " WHERE knowledge_base_id = ? AND document_id = ?"
}

func (s *Store) insertSQL() string {
	return "INSERT INTO " + s.chunkTable +
		" (id, knowledge_base_id, document_id, chunk_index, token_count, content, chunk_metadata, embedding)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?::jsonb, ?::vector)"
}

// VectorLiteral formats v in the pgvector text representation "[a,b,...]".
func VectorLiteral(v []float32) string {
	var b strings.Builder

	b.WriteByte('[')

	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}

		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}

	b.WriteByte(']')

	return b.String()
}
