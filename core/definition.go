package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AgentType selects the topology an AgentDefinition is built into.
type AgentType string

const (
	AgentTypeLLM        AgentType = "llm"
	AgentTypeSequential AgentType = "sequential"
	AgentTypeParallel   AgentType = "parallel"
	AgentTypeLoop       AgentType = "loop"
	AgentTypeA2A        AgentType = "a2a"
	AgentTypeWorkflow   AgentType = "workflow"
	AgentTypeTask       AgentType = "task"
)

// ToolKind tells the resolver which catalog a tool reference belongs to.
type ToolKind string

const (
	ToolKindBuiltin ToolKind = "builtin"
	ToolKindMCP     ToolKind = "mcp"
	ToolKindHTTP    ToolKind = "http"
)

// ToolRef references a tool by name. Kind defaults to a catalog lookup
// (builtin first, then MCP). Config carries per-kind settings, e.g. url,
// method, headers and parameters for HTTP tools.
type ToolRef struct {
	Name        string         `json:"name" yaml:"name"`
	Kind        ToolKind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Server      string         `json:"server,omitempty" yaml:"server,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// RetrievalParams tunes context retrieval for llm agents. Nil/zero values
// fall back to the retriever defaults.
type RetrievalParams struct {
	TopK           int      `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty" yaml:"score_threshold,omitempty"`
}

// WorkflowNodeType enumerates workflow graph node kinds.
type WorkflowNodeType string

const (
	WorkflowNodeStart WorkflowNodeType = "start"
	WorkflowNodeAgent WorkflowNodeType = "agent"
	WorkflowNodeDelay WorkflowNodeType = "delay"
	WorkflowNodeEnd   WorkflowNodeType = "end"
)

// GuardOrder controls how outgoing edges are evaluated.
type GuardOrder string

const (
	// GuardOrderFirstMatch evaluates guarded edges in declared order and falls
	// back to unconditional edges afterwards.
	GuardOrderFirstMatch GuardOrder = "first_match"
	// GuardOrderDeclared evaluates edges strictly in declared order.
	GuardOrderDeclared GuardOrder = "declared"
)

// WorkflowNode is a node of a workflow graph.
type WorkflowNode struct {
	ID      string           `json:"id" yaml:"id"`
	Type    WorkflowNodeType `json:"type" yaml:"type"`
	AgentID string           `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Delay   string           `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// WorkflowEdge connects two workflow nodes. Guard is an expression evaluated
// against the output of the source node; empty means unconditional.
type WorkflowEdge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// WorkflowPayload is the graph of a workflow agent.
type WorkflowPayload struct {
	Nodes      []WorkflowNode `json:"nodes" yaml:"nodes"`
	Edges      []WorkflowEdge `json:"edges" yaml:"edges"`
	StepBudget int            `json:"step_budget,omitempty" yaml:"step_budget,omitempty"`
	GuardOrder GuardOrder     `json:"guard_order,omitempty" yaml:"guard_order,omitempty"`
}

// TaskStep is one step of a task agent. Input is a template rendered with
// input, previous and steps; Schema validates the step's JSON output.
type TaskStep struct {
	Name    string         `json:"name" yaml:"name"`
	AgentID string         `json:"agent_id" yaml:"agent_id"`
	Input   string         `json:"input,omitempty" yaml:"input,omitempty"`
	Schema  map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// LoopPayload configures a loop agent.
type LoopPayload struct {
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"`
	StopKey       string `json:"stop_key,omitempty" yaml:"stop_key,omitempty"`
}

// RemotePayload configures an a2a agent. Credential names an entry of
// AgentDefinition.Credentials whose decrypted value is sent in AuthHeader.
type RemotePayload struct {
	URL        string `json:"url" yaml:"url"`
	AuthHeader string `json:"auth_header,omitempty" yaml:"auth_header,omitempty"`
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
	Mode       string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// AgentDefinition is the persisted configuration of an agent.
type AgentDefinition struct {
	ID               string            `json:"id" yaml:"id"`
	TenantID         string            `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Name             string            `json:"name" yaml:"name"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version          string            `json:"version,omitempty" yaml:"version,omitempty"`
	Type             AgentType         `json:"type" yaml:"type"`
	Model            string            `json:"model,omitempty" yaml:"model,omitempty"`
	Instruction      string            `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	SubAgents        []string          `json:"sub_agents,omitempty" yaml:"sub_agents,omitempty"`
	Tools            []ToolRef         `json:"tools,omitempty" yaml:"tools,omitempty"`
	KnowledgeSources []string          `json:"knowledge_sources,omitempty" yaml:"knowledge_sources,omitempty"`
	Retrieval        RetrievalParams   `json:"retrieval,omitempty" yaml:"retrieval,omitempty"`
	Credentials      map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Timeout          string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Workflow         *WorkflowPayload  `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Tasks            []TaskStep        `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Loop             *LoopPayload      `json:"loop,omitempty" yaml:"loop,omitempty"`
	Remote           *RemotePayload    `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (d *AgentDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}

	return d.ID
}

// TimeoutDuration parses Timeout; zero means "use the default".
func (d *AgentDefinition) TimeoutDuration() (time.Duration, error) {
	if d.Timeout == "" {
		return 0, nil
	}

	return time.ParseDuration(d.Timeout)
}

// ReferencedAgents returns every agent id the definition depends on, in
// first-seen order: sub-agents, workflow agent nodes, then task steps.
func (d *AgentDefinition) ReferencedAgents() []string {
	seen := map[string]bool{}
	ids := []string{}

	add := func(id string) {
		if id == "" || seen[id] {
			return
		}

		seen[id] = true
		ids = append(ids, id)
	}

	for _, id := range d.SubAgents {
		add(id)
	}

	if d.Workflow != nil {
		for _, n := range d.Workflow.Nodes {
			if n.Type == WorkflowNodeAgent {
				add(n.AgentID)
			}
		}
	}

	for _, s := range d.Tasks {
		add(s.AgentID)
	}

	return ids
}

// Validate checks the type/payload invariant: the populated payload family
// must match Type and carry the fields that type needs.
func (d *AgentDefinition) Validate() error {
	if d == nil {
		return NewError(KindInvalidConfig, "definition is nil")
	}

	if d.ID == "" && d.Name == "" {
		return NewError(KindInvalidConfig, "definition needs an id or a name")
	}

	invalid := func(format string, args ...any) error {
		return &Error{Kind: KindInvalidConfig, Message: fmt.Sprintf("agent %s: ", d.DisplayName()) + fmt.Sprintf(format, args...)}
	}

	if _, err := d.TimeoutDuration(); err != nil {
		return invalid("invalid timeout %q", d.Timeout)
	}

	hasWorkflow := d.Workflow != nil
	hasTasks := len(d.Tasks) > 0
	hasLoop := d.Loop != nil
	hasRemote := d.Remote != nil

	expect := func(workflow, tasks, loop, remote bool) error {
		switch {
		case hasWorkflow != workflow:
			return invalid("workflow payload not allowed for type %q", d.Type)
		case hasTasks != tasks:
			return invalid("task payload not allowed for type %q", d.Type)
		case hasLoop != loop:
			return invalid("loop payload not allowed for type %q", d.Type)
		case hasRemote != remote:
			return invalid("remote payload not allowed for type %q", d.Type)
		}

		return nil
	}

	switch d.Type {
	case AgentTypeLLM:
		if err := expect(false, false, false, false); err != nil {
			return err
		}

		if d.Model == "" {
			return invalid("llm agent requires a model")
		}

		if strings.TrimSpace(d.Instruction) == "" {
			return invalid("llm agent requires an instruction")
		}
	case AgentTypeSequential, AgentTypeParallel:
		if err := expect(false, false, false, false); err != nil {
			return err
		}

		if len(d.SubAgents) == 0 {
			return invalid("%s agent requires sub-agents", d.Type)
		}
	case AgentTypeLoop:
		if d.Loop == nil {
			return invalid("loop agent requires a loop payload")
		}

		if err := expect(false, false, true, false); err != nil {
			return err
		}

		if len(d.SubAgents) == 0 {
			return invalid("loop agent requires sub-agents")
		}

		if d.Loop.MaxIterations <= 0 {
			return invalid("loop agent requires max_iterations > 0")
		}
	case AgentTypeWorkflow:
		if d.Workflow == nil {
			return invalid("workflow agent requires a workflow payload")
		}

		if err := expect(true, false, false, false); err != nil {
			return err
		}

		if len(d.Workflow.Nodes) == 0 {
			return invalid("workflow has no nodes")
		}

		switch d.Workflow.GuardOrder {
		case "", GuardOrderFirstMatch, GuardOrderDeclared:
		default:
			return invalid("unknown guard order %q", d.Workflow.GuardOrder)
		}
	case AgentTypeTask:
		if !hasTasks {
			return invalid("task agent requires task steps")
		}

		if err := expect(false, true, false, false); err != nil {
			return err
		}

		for i, s := range d.Tasks {
			if s.AgentID == "" {
				return invalid("task step %d has no agent_id", i)
			}
		}
	case AgentTypeA2A:
		if d.Remote == nil {
			return invalid("a2a agent requires a remote payload")
		}

		if err := expect(false, false, false, true); err != nil {
			return err
		}

		u, err := url.Parse(d.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("a2a agent requires an absolute http(s) url, got %q", d.Remote.URL)
		}

		switch d.Remote.Mode {
		case "", "poll", "stream":
		default:
			return invalid("unknown remote mode %q", d.Remote.Mode)
		}

		if d.Remote.Credential != "" {
			if _, ok := d.Credentials[d.Remote.Credential]; !ok {
				return invalid("remote credential %q is not defined", d.Remote.Credential)
			}
		}
	default:
		return invalid("unknown agent type %q", d.Type)
	}

	return nil
}
