package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/retrieval"
)

// EmbedderOptions configure the Embeddings API adapter.
type EmbedderOptions struct {
	Model      string
	Dimensions int64
	APIKey     string
	BaseURL    string
}

// Embedder implements core.Embedder with the OpenAI Embeddings API.
type Embedder struct {
	client *openai.Client
	opts   EmbedderOptions
}

var (
	_ core.Embedder           = (*Embedder)(nil)
	_ retrieval.BatchEmbedder = (*Embedder)(nil)
)

// NewEmbedder creates an embedder using the official client.
func NewEmbedder(optFns ...func(o *EmbedderOptions)) *Embedder {
	opts := EmbedderOptions{Model: string(openai.EmbeddingModelTextEmbedding3Small)}
	for _, fn := range optFns {
		fn(&opts)
	}

	client := openai.NewClient(clientOptions(opts.APIKey, opts.BaseURL)...)

	return &Embedder{client: &client, opts: opts}
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. Vectors are returned in input
// order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.opts.Model),
	}

	if e.opts.Dimensions > 0 {
		params.Dimensions = openai.Int(e.opts.Dimensions)
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))

	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}

		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}

		vecs[d.Index] = vec
	}

	return vecs, nil
}
