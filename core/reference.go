package core

// RetrievalReference is one retrieved knowledge chunk.
type RetrievalReference struct {
	KnowledgeSourceID string         `json:"knowledge_source_id"`
	DocumentID        string         `json:"document_id,omitempty"`
	ChunkIndex        int            `json:"chunk_index"`
	Score             float64        `json:"score"`
	Source            string         `json:"source,omitempty"`
	Text              string         `json:"text,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Metadata keys describing where a chunk came from.
const (
	MetadataSourceURL        = "source_url"
	MetadataOriginalFilename = "original_filename"
	MetadataDocumentID       = "document_id"
)

// Label returns the human readable locator of the reference: its source,
// then the source_url, original_filename and document_id metadata, then the
// document id and finally "knowledge-base".
func (r RetrievalReference) Label() string {
	if r.Source != "" {
		return r.Source
	}

	for _, key := range []string{MetadataSourceURL, MetadataOriginalFilename, MetadataDocumentID} {
		if v, ok := r.Metadata[key].(string); ok && v != "" {
			return v
		}
	}

	if r.DocumentID != "" {
		return r.DocumentID
	}

	return "knowledge-base"
}
