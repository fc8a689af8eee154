package agent

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentforge/core"
)

// DefaultStepBudget bounds the number of transitions of a workflow run.
const DefaultStepBudget = 100

// WorkflowStep is a node of a workflow graph. Agent steps carry the node to
// execute; delay steps a duration.
type WorkflowStep struct {
	ID    string
	Type  core.WorkflowNodeType
	Node  core.Node
	Delay time.Duration
}

// WorkflowEdge connects two steps. An empty guard is unconditional.
type WorkflowEdge struct {
	From  string
	To    string
	Guard string
}

// WorkflowSpec describes a workflow graph.
type WorkflowSpec struct {
	Steps      []WorkflowStep
	Edges      []WorkflowEdge
	StepBudget int
	GuardOrder core.GuardOrder
}

// WorkflowGraph passes a single token along guarded edges, starting at the
// start step. Every transition emits a node_transition event; the run ends
// successfully at an end step. A non-end step without a matching outgoing
// edge is a MalformedWorkflow failure and running out of the step budget a
// WorkflowStepBudgetExceeded failure after exactly budget transitions.
type WorkflowGraph struct {
	BaseNode
	steps    map[string]WorkflowStep
	outgoing map[string][]WorkflowEdge
	start    string
	budget   int
	guards   *GuardEvaluator
	children []core.Node
}

// NewWorkflowGraph validates spec and creates the graph. Violations are
// reported as MalformedWorkflow errors.
func NewWorkflowGraph(name string, spec WorkflowSpec) (*WorkflowGraph, error) {
	w := &WorkflowGraph{
		BaseNode: NewBaseNode(name, core.NodeKindWorkflow),
		steps:    make(map[string]WorkflowStep, len(spec.Steps)),
		outgoing: make(map[string][]WorkflowEdge),
		budget:   spec.StepBudget,
		guards:   NewGuardEvaluator(),
	}

	if w.budget <= 0 {
		w.budget = DefaultStepBudget
	}

	if err := w.addSteps(spec.Steps); err != nil {
		return nil, err
	}

	if err := w.addEdges(spec.Edges, spec.GuardOrder); err != nil {
		return nil, err
	}

	if !w.endReachable() {
		return nil, core.Errorf(core.KindMalformedWorkflow, "workflow %s: no end node reachable from start", name)
	}

	return w, nil
}

func (w *WorkflowGraph) addSteps(steps []WorkflowStep) error {
	if len(steps) == 0 {
		return core.Errorf(core.KindMalformedWorkflow, "workflow %s has no nodes", w.Name())
	}

	for _, s := range steps {
		if s.ID == "" {
			return core.Errorf(core.KindMalformedWorkflow, "workflow %s: node without id", w.Name())
		}

		if _, dup := w.steps[s.ID]; dup {
			return core.Errorf(core.KindMalformedWorkflow, "workflow %s: duplicate node id %q", w.Name(), s.ID)
		}

		switch s.Type {
		case core.WorkflowNodeStart:
			if w.start != "" {
				return core.Errorf(core.KindMalformedWorkflow, "workflow %s: more than one start node", w.Name())
			}

			w.start = s.ID
		case core.WorkflowNodeAgent:
			if s.Node == nil {
				return core.Errorf(core.KindMalformedWorkflow, "workflow %s: agent node %q has no agent", w.Name(), s.ID)
			}

			w.children = append(w.children, s.Node)
		case core.WorkflowNodeDelay:
			if s.Delay <= 0 {
				return core.Errorf(core.KindMalformedWorkflow, "workflow %s: delay node %q needs a positive duration", w.Name(), s.ID)
			}
		case core.WorkflowNodeEnd:
		default:
			return core.Errorf(core.KindMalformedWorkflow, "workflow %s: node %q has unknown type %q", w.Name(), s.ID, s.Type)
		}

		w.steps[s.ID] = s
	}

	if w.start == "" {
		return core.Errorf(core.KindMalformedWorkflow, "workflow %s: missing start node", w.Name())
	}

	return nil
}

func (w *WorkflowGraph) addEdges(edges []WorkflowEdge, order core.GuardOrder) error {
	var unconditional []WorkflowEdge

	for _, e := range edges {
		from, ok := w.steps[e.From]
		if !ok {
			return core.Errorf(core.KindMalformedWorkflow, "workflow %s: edge from unknown node %q", w.Name(), e.From)
		}

		if _, ok := w.steps[e.To]; !ok {
			return core.Errorf(core.KindMalformedWorkflow, "workflow %s: edge to unknown node %q", w.Name(), e.To)
		}

		if from.Type == core.WorkflowNodeEnd {
			return core.Errorf(core.KindMalformedWorkflow, "workflow %s: edge leaves end node %q", w.Name(), e.From)
		}

		if e.Guard != "" {
			if _, err := w.guards.Compile(e.Guard); err != nil {
				return core.Errorf(core.KindMalformedWorkflow, "workflow %s: %w", w.Name(), err)
			}
		}

		if e.Guard == "" && order != core.GuardOrderDeclared {
			unconditional = append(unconditional, e)
			continue
		}

		w.outgoing[e.From] = append(w.outgoing[e.From], e)
	}

	for _, e := range unconditional {
		w.outgoing[e.From] = append(w.outgoing[e.From], e)
	}

	return nil
}

// endReachable reports whether a breadth-first search from start finds an
// end node.
func (w *WorkflowGraph) endReachable() bool {
	seen := map[string]bool{w.start: true}
	queue := []string{w.start}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if w.steps[id].Type == core.WorkflowNodeEnd {
			return true
		}

		for _, e := range w.outgoing[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	return false
}

// Children returns the agent nodes of the graph in declared order.
func (w *WorkflowGraph) Children() []core.Node { return append([]core.Node(nil), w.children...) }

// StepBudget returns the transition budget.
func (w *WorkflowGraph) StepBudget() int { return w.budget }

// Execute implements core.Node.
func (w *WorkflowGraph) Execute(rc *core.RunContext, input string) (core.Output, error) {
	var (
		acc     = core.Output{Text: input}
		token   = input
		current = w.start
	)

	for step := 1; ; step++ {
		if err := rc.Err(); err != nil {
			return acc, err
		}

		if step > w.budget {
			return acc, core.Errorf(core.KindWorkflowStepBudgetExceeded,
				"workflow %s exceeded step budget of %d at node %q", w.Name(), w.budget, current)
		}

		next, err := w.nextStep(rc, current, acc, input, step)
		if err != nil {
			return acc, err
		}

		ev := core.NewEvent(rc.RunID, core.EventNodeTransition, w.Name())
		ev.From = current
		ev.To = next
		ev.Iteration = step

		if err := rc.EmitEvent(ev); err != nil {
			return acc, err
		}

		current = next
		s := w.steps[current]

		switch s.Type {
		case core.WorkflowNodeEnd:
			return acc, nil
		case core.WorkflowNodeDelay:
			timer := time.NewTimer(s.Delay)

			select {
			case <-rc.Done():
				timer.Stop()
				return acc, rc.Err()
			case <-timer.C:
			}
		case core.WorkflowNodeAgent:
			out, err := rc.RunChild(s.Node, token)
			if err != nil {
				return acc, fmt.Errorf("workflow node %s failed: %w", s.ID, err)
			}

			acc = acc.Merge(out)
			acc.Text = out.Text
			acc.Data = out.Data
			token = out.Text
		}
	}
}

// nextStep selects the first outgoing edge of current whose guard holds.
// Guard evaluation errors count as no match.
func (w *WorkflowGraph) nextStep(rc *core.RunContext, current string, last core.Output, input string, step int) (string, error) {
	env := guardEnv(last.Text, last.Data, input, step, current)

	for _, e := range w.outgoing[current] {
		if e.Guard == "" {
			return e.To, nil
		}

		ok, err := w.guards.Evaluate(e.Guard, env)
		if err != nil {
			rc.LogWarn("agent.workflow.guard_failed", "workflow", w.Name(), "from", e.From, "to", e.To, "error", err.Error())
			continue
		}

		if ok {
			return e.To, nil
		}
	}

	return "", core.Errorf(core.KindMalformedWorkflow, "workflow %s: no outgoing edge of node %q matched", w.Name(), current)
}
