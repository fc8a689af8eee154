package a2a

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hupe1980/agentforge/core"
)

func TestCardFromDefinition(t *testing.T) {
	def := &core.AgentDefinition{
		ID:          "support",
		Name:        "Support Bot",
		Description: "Answers support questions",
		Type:        core.AgentTypeLLM,
		SubAgents:   []string{"billing"},
		Tools:       []core.ToolRef{{Name: "search"}},
	}

	want := &AgentCard{
		Name:         "Support Bot",
		Description:  "Answers support questions",
		URL:          "https://agents.example.com/a2a/support",
		Version:      CardVersion,
		Capabilities: AgentCapabilities{Streaming: true},
		Skills: []AgentSkill{{
			ID:          "support",
			Name:        "Support Bot",
			Description: "Answers support questions",
			Tags:        []string{"llm", "billing", "search"},
		}},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text", "data"},
	}

	got := CardFromDefinition(def, "https://agents.example.com/")

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CardFromDefinition() mismatch (-want +got):\n%s", diff)
	}
}
