package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes an Event.
type EventKind string

const (
	EventStarted            EventKind = "started"
	EventPartialOutput      EventKind = "partial_output"
	EventToolInvoked        EventKind = "tool_invoked"
	EventToolResult         EventKind = "tool_result"
	EventKnowledgeRetrieved EventKind = "knowledge_retrieved"
	EventNodeTransition     EventKind = "node_transition"
	EventCompleted          EventKind = "completed"
	EventFailed             EventKind = "failed"
	// EventWarning reports degraded but non-fatal conditions (dropped
	// knowledge sources, failed retrieval).
	EventWarning EventKind = "warning"
)

// TokenUsage captures token usage statistics.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool { return u == TokenUsage{} }

// ToolCallInfo describes a tool invocation or its result.
type ToolCallInfo struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is the unit streamed to callers while a run executes. After emission
// it is treated as immutable.
//
// Node-scoped started/completed/failed events carry the NodePath of the node
// they describe. The single run-terminal event additionally has Final set.
type Event struct {
	ID           string               `json:"id"`
	RunID        string               `json:"run_id"`
	Seq          int64                `json:"seq"`
	Kind         EventKind            `json:"kind"`
	Final        bool                 `json:"final,omitempty"`
	Author       string               `json:"author,omitempty"`
	NodePath     string               `json:"node_path,omitempty"`
	Branch       string               `json:"branch,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Text         string               `json:"text,omitempty"`
	Tool         *ToolCallInfo        `json:"tool,omitempty"`
	References   []RetrievalReference `json:"references,omitempty"`
	Iteration    int                  `json:"iteration,omitempty"`
	From         string               `json:"from,omitempty"`
	To           string               `json:"to,omitempty"`
	Usage        *TokenUsage          `json:"usage,omitempty"`
	Output       map[string]any       `json:"output,omitempty"`
	ErrorKind    ErrorKind            `json:"error_kind,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
}

// NewEvent creates a bare event of the given kind.
func NewEvent(runID string, kind EventKind, author string) Event {
	return Event{
		ID:        NewID(),
		RunID:     runID,
		Kind:      kind,
		Author:    author,
		Timestamp: time.Now().UTC(),
	}
}

// NewPartialOutputEvent wraps an incremental generation chunk.
func NewPartialOutputEvent(author, text string) Event {
	ev := NewEvent("", EventPartialOutput, author)
	ev.Text = text

	return ev
}

// NewToolInvokedEvent records a tool call requested by a model.
func NewToolInvokedEvent(author string, call FunctionCall) Event {
	ev := NewEvent("", EventToolInvoked, author)
	ev.Tool = &ToolCallInfo{ID: call.ID, Name: call.Name, Arguments: call.Arguments}

	return ev
}

// NewToolResultEvent records the outcome of a tool call. If err is non-nil
// its message is copied into the tool info.
func NewToolResultEvent(author, id, name string, result any, err error) Event {
	ev := NewEvent("", EventToolResult, author)
	ev.Tool = &ToolCallInfo{ID: id, Name: name, Result: result}

	if err != nil {
		ev.Tool.Error = err.Error()
	}

	return ev
}

// NewWarningEvent reports a non-fatal degradation.
func NewWarningEvent(author, msg string) Event {
	ev := NewEvent("", EventWarning, author)
	ev.Text = msg

	return ev
}

// NewFailedEvent builds a failed event from err.
func NewFailedEvent(runID, author string, err error) Event {
	ev := NewEvent(runID, EventFailed, author)
	ev.ErrorKind = KindOf(err)
	ev.NodePath = PathOf(err)

	if err != nil {
		ev.ErrorMessage = err.Error()
	}

	return ev
}

// NewCompletedEvent builds a completed event from a node output.
func NewCompletedEvent(runID, author string, out Output) Event {
	ev := NewEvent(runID, EventCompleted, author)
	ev.Text = out.Text
	ev.Output = out.Data
	ev.References = out.References

	usage := out.Usage
	ev.Usage = &usage

	return ev
}

// NewID generates a new unique identifier.
func NewID() string { return uuid.NewString() }

// IsTerminal reports whether the event closes a run's stream.
func (e Event) IsTerminal() bool {
	return e.Final && (e.Kind == EventCompleted || e.Kind == EventFailed)
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
