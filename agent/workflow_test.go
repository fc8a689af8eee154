package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

func agentStep(id string, node core.Node) WorkflowStep {
	return WorkflowStep{ID: id, Type: core.WorkflowNodeAgent, Node: node}
}

func startStep() WorkflowStep { return WorkflowStep{ID: "start", Type: core.WorkflowNodeStart} }

func endStep() WorkflowStep { return WorkflowStep{ID: "end", Type: core.WorkflowNodeEnd} }

func TestWorkflowGraph_GuardedBranching(t *testing.T) {
	classify := newStubNode("classify", func(_ *core.RunContext, input string) (core.Output, error) {
		if input == "refund please" {
			return core.Output{Text: "refund", Data: map[string]any{"route": "billing"}}, nil
		}

		return core.Output{Text: "other", Data: map[string]any{"route": "general"}}, nil
	})

	build := func(t *testing.T) *WorkflowGraph {
		t.Helper()

		wf, err := NewWorkflowGraph("wf", WorkflowSpec{
			Steps: []WorkflowStep{
				startStep(),
				agentStep("classify", classify),
				agentStep("billing", echoNode("billing")),
				agentStep("general", echoNode("general")),
				endStep(),
			},
			Edges: []WorkflowEdge{
				{From: "start", To: "classify"},
				{From: "classify", To: "general"},
				{From: "classify", To: "billing", Guard: `data.route == "billing"`},
				{From: "billing", To: "end"},
				{From: "general", To: "end"},
			},
		})
		require.NoError(t, err)

		return wf
	}

	t.Run("guarded edge wins", func(t *testing.T) {
		rc, events := makeRunContext(t)

		out, err := rc.RunChild(build(t), "refund please")
		require.NoError(t, err)
		assert.Equal(t, "refund>billing", out.Text)

		var path []string
		for _, ev := range events.OfKind(core.EventNodeTransition) {
			path = append(path, ev.From+"->"+ev.To)
		}

		assert.Equal(t, []string{"start->classify", "classify->billing", "billing->end"}, path)
		assert.Equal(t, -1, events.IndexOf(core.EventStarted, "wf/general"))
	})

	t.Run("unconditional fallback", func(t *testing.T) {
		rc, _ := makeRunContext(t)

		out, err := rc.RunChild(build(t), "hello")
		require.NoError(t, err)
		assert.Equal(t, "other>general", out.Text)
	})
}

func TestWorkflowGraph_DeclaredGuardOrder(t *testing.T) {
	rc, _ := makeRunContext(t)

	wf, err := NewWorkflowGraph("wf", WorkflowSpec{
		Steps: []WorkflowStep{startStep(), agentStep("a", echoNode("a")), agentStep("b", echoNode("b")), endStep()},
		Edges: []WorkflowEdge{
			{From: "start", To: "a"},
			{From: "start", To: "b", Guard: "true"},
			{From: "a", To: "end"},
			{From: "b", To: "end"},
		},
		GuardOrder: core.GuardOrderDeclared,
	})
	require.NoError(t, err)

	out, err := rc.RunChild(wf, "x")
	require.NoError(t, err)
	assert.Equal(t, "x>a", out.Text)
}

func TestWorkflowGraph_StepBudget(t *testing.T) {
	rc, events := makeRunContext(t)

	wf, err := NewWorkflowGraph("wf", WorkflowSpec{
		Steps: []WorkflowStep{
			startStep(),
			agentStep("ping", newStubNode("ping", func(_ *core.RunContext, _ string) (core.Output, error) {
				return core.Output{Text: "ping"}, nil
			})),
			endStep(),
		},
		Edges: []WorkflowEdge{
			{From: "start", To: "ping"},
			{From: "ping", To: "ping", Guard: `output == "ping"`},
			{From: "ping", To: "end", Guard: `output == "done"`},
		},
		StepBudget: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, wf.StepBudget())

	_, err = rc.RunChild(wf, "go")
	require.Error(t, err)
	assert.Equal(t, core.KindWorkflowStepBudgetExceeded, core.KindOf(err))
	assert.Equal(t, "wf", core.PathOf(err))

	assert.Len(t, events.OfKind(core.EventNodeTransition), 50)
	assert.GreaterOrEqual(t, events.IndexOf(core.EventFailed, "wf"), 0)
}

func TestWorkflowGraph_BudgetCheckedBeforeGuards(t *testing.T) {
	rc, events := makeRunContext(t)

	wf, err := NewWorkflowGraph("wf", WorkflowSpec{
		Steps: []WorkflowStep{startStep(), agentStep("a", echoNode("a")), endStep()},
		Edges: []WorkflowEdge{
			{From: "start", To: "a"},
			{From: "a", To: "end", Guard: `output == "never"`},
		},
		StepBudget: 1,
	})
	require.NoError(t, err)

	_, err = rc.RunChild(wf, "x")
	require.Error(t, err)
	assert.Equal(t, core.KindWorkflowStepBudgetExceeded, core.KindOf(err))
	assert.Len(t, events.OfKind(core.EventNodeTransition), 1)
}

func TestWorkflowGraph_NoMatchingEdge(t *testing.T) {
	rc, _ := makeRunContext(t)

	wf, err := NewWorkflowGraph("wf", WorkflowSpec{
		Steps: []WorkflowStep{startStep(), agentStep("a", echoNode("a")), endStep()},
		Edges: []WorkflowEdge{
			{From: "start", To: "a"},
			{From: "a", To: "end", Guard: `output == "never"`},
		},
	})
	require.NoError(t, err)

	_, err = rc.RunChild(wf, "x")
	require.Error(t, err)
	assert.Equal(t, core.KindMalformedWorkflow, core.KindOf(err))
}

func TestWorkflowGraph_GuardRuntimeErrorIsNoMatch(t *testing.T) {
	rc, _ := makeRunContext(t)

	wf, err := NewWorkflowGraph("wf", WorkflowSpec{
		Steps: []WorkflowStep{startStep(), agentStep("a", echoNode("a")), endStep()},
		Edges: []WorkflowEdge{
			{From: "start", To: "a"},
			{From: "a", To: "end", Guard: `data.items[3] == 1`},
			{From: "a", To: "end"},
		},
	})
	require.NoError(t, err)

	_, err = rc.RunChild(wf, "x")
	require.NoError(t, err)
}

func TestWorkflowGraph_Delay(t *testing.T) {
	rc, events := makeRunContext(t)

	wf, err := NewWorkflowGraph("wf", WorkflowSpec{
		Steps: []WorkflowStep{
			startStep(),
			{ID: "wait", Type: core.WorkflowNodeDelay, Delay: 10 * time.Millisecond},
			agentStep("a", echoNode("a")),
			endStep(),
		},
		Edges: []WorkflowEdge{
			{From: "start", To: "wait"},
			{From: "wait", To: "a"},
			{From: "a", To: "end"},
		},
	})
	require.NoError(t, err)

	begin := time.Now()
	out, err := rc.RunChild(wf, "x")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 10*time.Millisecond)
	assert.Equal(t, "x>a", out.Text)
	assert.Len(t, events.OfKind(core.EventNodeTransition), 3)
}

func TestNewWorkflowGraph_Malformed(t *testing.T) {
	a := echoNode("a")

	tests := []struct {
		name string
		spec WorkflowSpec
	}{
		{"no nodes", WorkflowSpec{}},
		{"missing start", WorkflowSpec{Steps: []WorkflowStep{endStep()}}},
		{"two starts", WorkflowSpec{Steps: []WorkflowStep{startStep(), {ID: "s2", Type: core.WorkflowNodeStart}, endStep()}}},
		{"duplicate id", WorkflowSpec{Steps: []WorkflowStep{startStep(), startStep()}}},
		{"agent without node", WorkflowSpec{Steps: []WorkflowStep{startStep(), {ID: "a", Type: core.WorkflowNodeAgent}, endStep()}}},
		{"zero delay", WorkflowSpec{Steps: []WorkflowStep{startStep(), {ID: "d", Type: core.WorkflowNodeDelay}, endStep()}}},
		{"unknown type", WorkflowSpec{Steps: []WorkflowStep{startStep(), {ID: "x", Type: "fork"}, endStep()}}},
		{"edge to unknown", WorkflowSpec{
			Steps: []WorkflowStep{startStep(), endStep()},
			Edges: []WorkflowEdge{{From: "start", To: "nowhere"}},
		}},
		{"edge from end", WorkflowSpec{
			Steps: []WorkflowStep{startStep(), endStep()},
			Edges: []WorkflowEdge{{From: "start", To: "end"}, {From: "end", To: "start"}},
		}},
		{"bad guard", WorkflowSpec{
			Steps: []WorkflowStep{startStep(), endStep()},
			Edges: []WorkflowEdge{{From: "start", To: "end", Guard: "output ==="}},
		}},
		{"end unreachable", WorkflowSpec{
			Steps: []WorkflowStep{startStep(), agentStep("a", a), endStep()},
			Edges: []WorkflowEdge{{From: "start", To: "a"}, {From: "a", To: "a"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWorkflowGraph("wf", tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrMalformedWorkflow)
		})
	}
}

func TestGuardEvaluator(t *testing.T) {
	g := NewGuardEvaluator()
	env := guardEnv("yes", map[string]any{"score": 0.9}, "in", 2, "review")

	tests := []struct {
		guard    string
		expected bool
	}{
		{`output == "yes"`, true},
		{`data.score > 0.5`, true},
		{`step >= 3`, false},
		{`node == "review" && input == "in"`, true},
		{`output`, true},
		{`step - 2`, false},
	}

	for _, tt := range tests {
		t.Run(tt.guard, func(t *testing.T) {
			ok, err := g.Evaluate(tt.guard, env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}

	_, err := g.Compile(string(make([]byte, MaxGuardLength+1)))
	require.Error(t, err)
}
