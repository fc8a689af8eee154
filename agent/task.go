package agent

import (
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/util"
)

// TaskStepNode is one step of a TaskPlan. Input is a template rendered with
// input, previous and steps; an empty Input passes the previous output.
// Schema, when set, validates the step's JSON output.
type TaskStepNode struct {
	Name   string
	Node   core.Node
	Input  string
	Schema *jsonschema.Schema
}

// TaskPlan executes structured steps in order. After each step its output
// is decoded as JSON and checked against the step schema; a mismatch aborts
// the plan with a SchemaValidation failure. Output.Data collects each step's
// result under steps[name].
type TaskPlan struct {
	BaseNode
	steps []TaskStepNode
}

// NewTaskPlan creates a plan over steps.
func NewTaskPlan(name string, steps ...TaskStepNode) *TaskPlan {
	return &TaskPlan{
		BaseNode: NewBaseNode(name, core.NodeKindTask),
		steps:    steps,
	}
}

// Children returns the step nodes in order.
func (t *TaskPlan) Children() []core.Node {
	nodes := make([]core.Node, 0, len(t.steps))
	for _, s := range t.steps {
		nodes = append(nodes, s.Node)
	}

	return nodes
}

// Execute implements core.Node.
func (t *TaskPlan) Execute(rc *core.RunContext, input string) (core.Output, error) {
	var (
		acc      core.Output
		previous = input
		results  = make(map[string]any, len(t.steps))
	)

	for _, step := range t.steps {
		stepInput, err := t.renderInput(step, input, previous, results)
		if err != nil {
			return acc, err
		}

		out, err := rc.RunChild(step.Node, stepInput)
		if err != nil {
			return acc, fmt.Errorf("task step %s failed: %w", step.Name, err)
		}

		acc = acc.Merge(out)
		acc.Text = out.Text

		result, err := checkStepOutput(step, out.Text)
		if err != nil {
			return acc, err
		}

		results[step.Name] = result
		previous = out.Text
	}

	acc.Data = map[string]any{"steps": results}

	return acc, nil
}

func (t *TaskPlan) renderInput(step TaskStepNode, input, previous string, results map[string]any) (string, error) {
	if step.Input == "" {
		return previous, nil
	}

	s, err := util.RenderTemplate(step.Input, map[string]any{
		"input":    input,
		"previous": previous,
		"steps":    results,
	})
	if err != nil {
		return "", core.Errorf(core.KindNodeExecutionFailure, "task step %s: render input: %w", step.Name, err)
	}

	return s, nil
}

// checkStepOutput decodes text and validates it against the step schema.
// Steps without schema keep JSON results decoded and other text verbatim.
func checkStepOutput(step TaskStepNode, text string) (any, error) {
	value, decodeErr := decodeJSON(text)

	if step.Schema == nil {
		if decodeErr != nil {
			return text, nil
		}

		return value, nil
	}

	if decodeErr != nil {
		return nil, core.Errorf(core.KindSchemaValidation, "task step %s: output is not valid JSON: %v", step.Name, decodeErr)
	}

	if err := step.Schema.Validate(value); err != nil {
		return nil, core.Errorf(core.KindSchemaValidation, "task step %s: output does not match schema: %v", step.Name, err)
	}

	return value, nil
}

func decodeJSON(text string) (any, error) {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}

	return v, nil
}
