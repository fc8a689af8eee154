package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/util"
)

func constNode(name, text string) *stubNode {
	return newStubNode(name, func(_ *core.RunContext, _ string) (core.Output, error) {
		return core.Output{Text: text}, nil
	})
}

func recordingNode(name string, inputs *[]string, text string) *stubNode {
	return newStubNode(name, func(_ *core.RunContext, input string) (core.Output, error) {
		*inputs = append(*inputs, input)
		return core.Output{Text: text}, nil
	})
}

func TestTaskPlan_StepsAndTemplates(t *testing.T) {
	rc, _ := makeRunContext(t)

	schema, err := util.CompileSchema(map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)

	var inputs []string

	plan := NewTaskPlan("plan",
		TaskStepNode{Name: "extract", Node: constNode("extract", "```json\n{\"city\": \"Paris\"}\n```"), Schema: schema},
		TaskStepNode{Name: "describe", Node: recordingNode("describe", &inputs, "Paris is lovely"), Input: "Describe {{.steps.extract.city}} for: {{.input}}"},
		TaskStepNode{Name: "shout", Node: recordingNode("shout", &inputs, "PARIS IS LOVELY")},
	)

	out, err := rc.RunChild(plan, "a tourist")
	require.NoError(t, err)

	assert.Equal(t, []string{"Describe Paris for: a tourist", "Paris is lovely"}, inputs)
	assert.Equal(t, "PARIS IS LOVELY", out.Text)
	assert.Equal(t, map[string]any{
		"steps": map[string]any{
			"extract":  map[string]any{"city": "Paris"},
			"describe": "Paris is lovely",
			"shout":    "PARIS IS LOVELY",
		},
	}, out.Data)
}

func TestTaskPlan_SchemaViolation(t *testing.T) {
	schema, err := util.CompileSchema(map[string]any{
		"type":     "object",
		"required": []any{"city"},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
	}{
		{"missing field", `{"country": "France"}`},
		{"not json", "Paris"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, events := makeRunContext(t)

			plan := NewTaskPlan("plan",
				TaskStepNode{Name: "extract", Node: constNode("extract", tt.text), Schema: schema},
				TaskStepNode{Name: "next", Node: constNode("next", "unused")},
			)

			_, err := rc.RunChild(plan, "q")
			require.Error(t, err)
			assert.Equal(t, core.KindSchemaValidation, core.KindOf(err))
			assert.Equal(t, "plan", core.PathOf(err))
			assert.Equal(t, -1, events.IndexOf(core.EventStarted, "plan/next"))
		})
	}
}
