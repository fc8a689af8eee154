package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     AgentDefinition
		wantErr bool
	}{
		{name: "llm ok", def: AgentDefinition{ID: "a", Type: AgentTypeLLM, Model: "mock/m", Instruction: "be helpful"}},
		{name: "llm without model", def: AgentDefinition{ID: "a", Type: AgentTypeLLM, Instruction: "x"}, wantErr: true},
		{name: "llm with workflow payload", def: AgentDefinition{ID: "a", Type: AgentTypeLLM, Model: "m", Instruction: "x", Workflow: &WorkflowPayload{}}, wantErr: true},
		{name: "sequential ok", def: AgentDefinition{ID: "s", Type: AgentTypeSequential, SubAgents: []string{"a"}}},
		{name: "parallel without children", def: AgentDefinition{ID: "p", Type: AgentTypeParallel}, wantErr: true},
		{name: "loop ok", def: AgentDefinition{ID: "l", Type: AgentTypeLoop, SubAgents: []string{"a"}, Loop: &LoopPayload{MaxIterations: 3}}},
		{name: "loop without cap", def: AgentDefinition{ID: "l", Type: AgentTypeLoop, SubAgents: []string{"a"}, Loop: &LoopPayload{}}, wantErr: true},
		{name: "workflow ok", def: AgentDefinition{ID: "w", Type: AgentTypeWorkflow, Workflow: &WorkflowPayload{Nodes: []WorkflowNode{{ID: "s", Type: WorkflowNodeStart}}}}},
		{name: "workflow with tasks", def: AgentDefinition{ID: "w", Type: AgentTypeWorkflow, Workflow: &WorkflowPayload{Nodes: []WorkflowNode{{ID: "s"}}}, Tasks: []TaskStep{{AgentID: "a"}}}, wantErr: true},
		{name: "task ok", def: AgentDefinition{ID: "t", Type: AgentTypeTask, Tasks: []TaskStep{{Name: "one", AgentID: "a"}}}},
		{name: "a2a ok", def: AgentDefinition{ID: "r", Type: AgentTypeA2A, Remote: &RemotePayload{URL: "https://agents.example.com/a2a/x"}}},
		{name: "a2a relative url", def: AgentDefinition{ID: "r", Type: AgentTypeA2A, Remote: &RemotePayload{URL: "/a2a/x"}}, wantErr: true},
		{name: "a2a unknown credential", def: AgentDefinition{ID: "r", Type: AgentTypeA2A, Remote: &RemotePayload{URL: "http://h/x", Credential: "token"}}, wantErr: true},
		{name: "unknown type", def: AgentDefinition{ID: "x", Type: "graph"}, wantErr: true},
		{name: "bad timeout", def: AgentDefinition{ID: "s", Type: AgentTypeSequential, SubAgents: []string{"a"}, Timeout: "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAgentDefinition_ReferencedAgents(t *testing.T) {
	def := AgentDefinition{
		SubAgents: []string{"a", "b"},
		Workflow: &WorkflowPayload{Nodes: []WorkflowNode{
			{ID: "start", Type: WorkflowNodeStart},
			{ID: "n1", Type: WorkflowNodeAgent, AgentID: "b"},
			{ID: "n2", Type: WorkflowNodeAgent, AgentID: "c"},
		}},
		Tasks: []TaskStep{{AgentID: "d"}, {AgentID: "a"}},
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, def.ReferencedAgents())
}

func TestRetrievalReference_Label(t *testing.T) {
	assert.Equal(t, "https://docs/x", RetrievalReference{Source: "https://docs/x", DocumentID: "d"}.Label())
	assert.Equal(t, "d", RetrievalReference{DocumentID: "d"}.Label())
	assert.Equal(t, "knowledge-base", RetrievalReference{}.Label())

	md := map[string]any{"original_filename": "guide.pdf", "document_id": "doc-7"}
	assert.Equal(t, "guide.pdf", RetrievalReference{DocumentID: "d", Metadata: md}.Label())

	md["source_url"] = "https://example.com/guide"
	assert.Equal(t, "https://example.com/guide", RetrievalReference{Metadata: md}.Label())

	assert.Equal(t, "doc-7", RetrievalReference{Metadata: map[string]any{"document_id": "doc-7", "source_url": ""}}.Label())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(RunPending, RunRunning))
	assert.True(t, CanTransition(RunRunning, RunCancelled))
	assert.False(t, CanTransition(RunCompleted, RunRunning))
	assert.False(t, CanTransition(RunFailed, RunCompleted))
	assert.False(t, CanTransition(RunRunning, RunPending))
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("sk-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-123", s.Reveal())
}
