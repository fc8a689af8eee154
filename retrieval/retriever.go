// Package retrieval implements the context retriever that fetches relevant
// knowledge chunks for a query from the knowledge sources bound to an agent.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/metrics"
	"github.com/hupe1980/agentforge/logging"
)

// Defaults applied when a request carries no (or invalid) parameters.
const (
	DefaultTopK           = 5
	DefaultScoreThreshold = 0.35
)

var tracer = otel.Tracer("github.com/hupe1980/agentforge/retrieval")

// Result holds the merged references of a retrieval and the warnings of
// sources that could not be searched.
type Result struct {
	References []core.RetrievalReference
	Warnings   []string
}

// Options configures a Retriever.
type Options struct {
	TopK           int
	ScoreThreshold float64
	Logger         logging.Logger
}

// Retriever embeds a query once and searches every bound source
// concurrently. It has no mutable state and is safe for concurrent use.
type Retriever struct {
	store    core.KnowledgeStore
	embedder core.Embedder
	opts     Options
}

// New creates a Retriever. embedder may be nil for stores that search by
// text only.
func New(store core.KnowledgeStore, embedder core.Embedder, optFns ...func(o *Options)) *Retriever {
	opts := Options{
		TopK:           DefaultTopK,
		ScoreThreshold: DefaultScoreThreshold,
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Retriever{store: store, embedder: embedder, opts: opts}
}

type sourceHits struct {
	order int
	refs  []core.RetrievalReference
}

// Retrieve returns the topK references across sourceIDs whose score is at
// least threshold, ordered by descending score. topK <= 0 and threshold < 0
// select the configured defaults. A failing source is reported as a warning;
// cancellation of ctx aborts the retrieval with ctx.Err().
func (r *Retriever) Retrieve(ctx context.Context, sourceIDs []string, query string, topK int, threshold float64) (Result, error) {
	if strings.TrimSpace(query) == "" || len(sourceIDs) == 0 {
		return Result{}, nil
	}

	if topK <= 0 {
		topK = r.opts.TopK
	}

	if threshold < 0 {
		threshold = r.opts.ScoreThreshold
	}

	ctx, span := tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()

	span.SetAttributes(
		attribute.Int("retrieval.sources", len(sourceIDs)),
		attribute.Int("retrieval.top_k", topK),
	)

	var embedding []float32

	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}

			return Result{}, fmt.Errorf("embed query: %w", err)
		}

		embedding = vec
	}

	q := core.KnowledgeQuery{Text: query, Embedding: embedding, TopK: topK}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		hits     []sourceHits
		warnings []string
	)

	for i, id := range sourceIDs {
		wg.Add(1)

		go func(order int, sourceID string) {
			defer wg.Done()

			refs, err := r.store.Search(ctx, sourceID, q)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if ctx.Err() == nil {
					metrics.RetrievalSourcesFailed.Inc()
					r.opts.Logger.Warn("retrieval.source.failed", "source", sourceID, "error", err.Error())
					warnings = append(warnings, fmt.Sprintf("knowledge source %s unavailable: %v", sourceID, err))
				}

				return
			}

			for j := range refs {
				if refs[j].KnowledgeSourceID == "" {
					refs[j].KnowledgeSourceID = sourceID
				}
			}

			hits = append(hits, sourceHits{order: order, refs: refs})
		}(i, id)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	type ranked struct {
		order int
		ref   core.RetrievalReference
	}

	var candidates []ranked

	for _, h := range hits {
		for _, ref := range h.refs {
			if ref.Score >= threshold {
				candidates = append(candidates, ranked{order: h.order, ref: ref})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		switch {
		case a.ref.Score != b.ref.Score:
			return a.ref.Score > b.ref.Score
		case a.order != b.order:
			return a.order < b.order
		default:
			return a.ref.ChunkIndex < b.ref.ChunkIndex
		}
	})

	merged := make([]core.RetrievalReference, 0, len(candidates))
	for _, c := range candidates {
		merged = append(merged, c.ref)
	}

	if len(merged) > topK {
		merged = merged[:topK]
	}

	if len(warnings) == len(sourceIDs) {
		warnings = append(warnings, "all knowledge sources failed; continuing without context")
	}

	span.SetAttributes(attribute.Int("retrieval.references", len(merged)))

	return Result{References: merged, Warnings: warnings}, nil
}

// FormatContext renders references as numbered context sections:
//
//	[1] snippet
//	Source: label
//
// Sections are separated by a blank line.
func FormatContext(refs []core.RetrievalReference) string {
	sections := make([]string, 0, len(refs))

	for i, ref := range refs {
		sections = append(sections, fmt.Sprintf("[%d] %s\nSource: %s", i+1, strings.TrimSpace(ref.Text), ref.Label()))
	}

	return strings.Join(sections, "\n\n")
}
