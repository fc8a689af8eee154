package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/model"
	"github.com/hupe1980/agentforge/retrieval"
	"github.com/hupe1980/agentforge/retrieval/memory"
)

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, []string, string, int, float64) (retrieval.Result, error) {
	return retrieval.Result{}, errors.New("vector store offline")
}

func TestLeafCall_Answer(t *testing.T) {
	rc, events := makeRunContext(t)

	llm := model.NewScriptedModel("m", model.Turn{Text: `{"answer": 42}`, Usage: core.TokenUsage{TotalTokens: 7}})
	leaf := NewLeafCall("assistant", llm, func(o *LeafCallOptions) {
		o.Instruction = NewInstructionFromText("Answer {{.input}}")
		o.Streaming = false
	})

	out, err := rc.RunChild(leaf, "the question")
	require.NoError(t, err)

	assert.Equal(t, `{"answer": 42}`, out.Text)
	assert.Equal(t, map[string]any{"answer": 42.0}, out.Data)
	assert.Equal(t, 7, out.Usage.TotalTokens)

	reqs := llm.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Answer the question", reqs[0].Instructions)
	assert.Equal(t, "the question", reqs[0].LastUserText())

	assert.Equal(t, []core.EventKind{core.EventStarted, core.EventCompleted}, events.Kinds())
}

func TestLeafCall_RetrievedContext(t *testing.T) {
	rc, events := makeRunContext(t)
	ctx := context.Background()
	emb := retrieval.NewHashEmbedder(128)

	store := memory.NewStore()
	store.AddSource("tenant-test", "kb")
	_, err := retrieval.Ingest(ctx, store, emb, retrieval.Document{
		ID:                "d1",
		KnowledgeSourceID: "kb",
		OriginalFilename:  "france.md",
		Text:              "the capital of france is paris",
	})
	require.NoError(t, err)

	llm := model.NewScriptedModel("m", model.Turn{Text: "Paris"})
	leaf := NewLeafCall("assistant", llm, func(o *LeafCallOptions) {
		o.Instruction = NewInstructionFromText("Be brief.")
		o.Retriever = retrieval.New(store, emb)
		o.KnowledgeSources = []string{"kb"}
		o.TopK = 1
		o.ScoreThreshold = 0.1
	})

	out, err := rc.RunChild(leaf, "what is the capital of france")
	require.NoError(t, err)
	require.Len(t, out.References, 1)
	assert.Equal(t, "d1", out.References[0].DocumentID)

	retrieved := events.OfKind(core.EventKnowledgeRetrieved)
	require.Len(t, retrieved, 1)
	assert.Equal(t, out.References, retrieved[0].References)
	assert.Less(t, events.IndexOf(core.EventKnowledgeRetrieved, "assistant"), events.IndexOf(core.EventPartialOutput, "assistant"))

	instructions := llm.Requests()[0].Instructions
	assert.Contains(t, instructions, "Be brief.\n\nUse the following context to answer:")
	assert.Contains(t, instructions, "Source: france.md")
}

func TestLeafCall_RetrievalFailureDegrades(t *testing.T) {
	rc, events := makeRunContext(t)

	llm := model.NewScriptedModel("m", model.Turn{Text: "best effort"})
	leaf := NewLeafCall("assistant", llm, func(o *LeafCallOptions) {
		o.Retriever = failingRetriever{}
		o.KnowledgeSources = []string{"kb"}
	})

	out, err := rc.RunChild(leaf, "q")
	require.NoError(t, err)
	assert.Equal(t, "best effort", out.Text)

	warnings := events.OfKind(core.EventWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Text, "vector store offline")
}

func TestLeafCall_Timeout(t *testing.T) {
	rc, _ := makeRunContext(t)

	llm := model.NewScriptedModel("m", model.Turn{Block: true})
	leaf := NewLeafCall("slow", llm, func(o *LeafCallOptions) {
		o.Timeout = 20 * time.Millisecond
	})

	_, err := rc.RunChild(leaf, "q")
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.Equal(t, "slow", core.PathOf(err))
}

func TestLeafCall_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc, _ := makeRunContext(t)
	rc = rc.WithContext(ctx)

	llm := model.NewScriptedModel("m", model.Turn{Block: true})
	leaf := NewLeafCall("slow", llm)

	go func() {
		<-llm.Started()
		cancel()
	}()

	_, err := rc.RunChild(leaf, "q")
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}
