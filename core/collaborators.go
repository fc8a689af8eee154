package core

import (
	"context"
	"log/slog"
)

// DefinitionStore loads persisted agent definitions scoped by tenant.
type DefinitionStore interface {
	Get(ctx context.Context, tenantID, id string) (*AgentDefinition, error)
}

// Decrypter turns a stored credential ciphertext into its plaintext value.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KnowledgeQuery is a similarity search against one knowledge source.
// Embedding may be nil when no embedder is configured.
type KnowledgeQuery struct {
	Text      string
	Embedding []float32
	TopK      int
}

// KnowledgeStore searches a single knowledge source.
type KnowledgeStore interface {
	Search(ctx context.Context, sourceID string, q KnowledgeQuery) ([]RetrievalReference, error)
}

// KnowledgeAuthorizer filters knowledge source ids down to the ones the
// tenant owns and that exist.
type KnowledgeAuthorizer interface {
	Authorize(ctx context.Context, tenantID string, ids []string) ([]string, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ArtifactStore persists run artifacts (archived outputs) scoped by tenant.
// Implementations should be thread-safe.
type ArtifactStore interface {
	Save(ctx context.Context, scope, artifactID string, data []byte) error
	Get(ctx context.Context, scope, artifactID string) ([]byte, error)
	List(ctx context.Context, scope string) ([]string, error)
	Delete(ctx context.Context, scope, artifactID string) error
}

// Secret is a decrypted credential value. Its String and LogValue forms are
// redacted so it never leaks through logs or fmt.
type Secret string

// Reveal returns the plaintext value.
func (s Secret) Reveal() string { return string(s) }

// String implements fmt.Stringer.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer.
func (s Secret) GoString() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }
