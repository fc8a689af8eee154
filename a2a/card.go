package a2a

import (
	"strings"

	"github.com/hupe1980/agentforge/core"
)

// CardVersion is reported when a definition carries no version.
const CardVersion = "1.0.0"

// CardFromDefinition builds the discovery card of def served at baseURL. The
// card lists one skill for the agent; sub-agents and tools become skill tags.
func CardFromDefinition(def *core.AgentDefinition, baseURL string) *AgentCard {
	id := def.ID
	if id == "" {
		id = def.Name
	}

	version := def.Version
	if version == "" {
		version = CardVersion
	}

	tags := []string{string(def.Type)}
	tags = append(tags, def.SubAgents...)

	for _, t := range def.Tools {
		tags = append(tags, t.Name)
	}

	return &AgentCard{
		Name:        def.DisplayName(),
		Description: def.Description,
		URL:         strings.TrimRight(baseURL, "/") + "/a2a/" + id,
		Version:     version,
		Capabilities: AgentCapabilities{
			Streaming: true,
		},
		Skills: []AgentSkill{{
			ID:          id,
			Name:        def.DisplayName(),
			Description: def.Description,
			Tags:        tags,
		}},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text", "data"},
	}
}
