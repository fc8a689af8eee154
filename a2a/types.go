// Package a2a implements the agent-to-agent protocol: wire types, the
// JSON-RPC 2.0 server that exposes agents as remote tasks, the outbound
// client used by RemoteBridge nodes and discovery cards.
package a2a

import (
	"strings"
	"time"
)

// TaskState represents the state of a task within the A2A protocol.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// UnmarshalText accepts the American spelling "canceled" sent by some peers.
func (s *TaskState) UnmarshalText(b []byte) error {
	if string(b) == "canceled" {
		*s = TaskStateCancelled
		return nil
	}

	*s = TaskState(b)

	return nil
}

// IsTerminal reports whether s is a final state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to TaskState) bool {
	switch from {
	case TaskStateSubmitted:
		return to == TaskStateWorking || to == TaskStateFailed || to == TaskStateCancelled
	case TaskStateWorking:
		return to == TaskStateCompleted || to == TaskStateFailed || to == TaskStateCancelled
	default:
		return false
	}
}

// PartKind discriminates message and artifact parts.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
)

// Part is a piece of content: text or structured data.
type Part struct {
	Kind PartKind       `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// NewTextPart creates a text part.
func NewTextPart(text string) Part { return Part{Kind: PartKindText, Text: text} }

// NewDataPart creates a data part.
func NewDataPart(data map[string]any) Part { return Part{Kind: PartKindData, Data: data} }

// TextOf concatenates the text parts.
func TextOf(parts []Part) string {
	var b strings.Builder

	for _, p := range parts {
		if p.Kind == PartKindText {
			b.WriteString(p.Text)
		}
	}

	return b.String()
}

// DataOf returns the first data part's payload.
func DataOf(parts []Part) map[string]any {
	for _, p := range parts {
		if p.Kind == PartKindData {
			return p.Data
		}
	}

	return nil
}

// Message is one conversational turn exchanged with an agent.
type Message struct {
	Role      string `json:"role"` // "user" or "agent"
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
}

// NewUserMessage creates a user message with a single text part.
func NewUserMessage(text string) Message {
	return Message{Role: "user", Parts: []Part{NewTextPart(text)}}
}

// TaskStatus is the current status of a task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is an output produced by a task. Streaming updates carry chunks
// that are appended to the artifact with the same id.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
	Index      int    `json:"index"`
	Append     bool   `json:"append,omitempty"`
	LastChunk  bool   `json:"lastChunk,omitempty"`
}

// Task is the unit of work of the A2A protocol.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Text returns the text of the task's final artifacts. Artifacts sharing an
// id are treated as one: a non-append chunk replaces earlier content.
func (t *Task) Text() string {
	var (
		order []string
		texts = map[string]string{}
	)

	for _, a := range t.Artifacts {
		if _, ok := texts[a.ArtifactID]; !ok {
			order = append(order, a.ArtifactID)
		}

		if a.Append {
			texts[a.ArtifactID] += TextOf(a.Parts)
		} else {
			texts[a.ArtifactID] = TextOf(a.Parts)
		}
	}

	parts := make([]string, 0, len(order))
	for _, id := range order {
		parts = append(parts, texts[id])
	}

	return strings.Join(parts, "\n")
}

// Data returns the first data payload of the task's artifacts.
func (t *Task) Data() map[string]any {
	for _, a := range t.Artifacts {
		if d := DataOf(a.Parts); d != nil {
			return d
		}
	}

	return nil
}

// TaskSendParams are the parameters of tasks/send and tasks/sendSubscribe.
type TaskSendParams struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Message   Message        `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskIDParams identify a task (tasks/get, tasks/cancel).
type TaskIDParams struct {
	ID string `json:"id"`
}

// TaskStatusUpdateEvent is streamed when a task's status changes. Final marks
// the last event of a stream.
type TaskStatusUpdateEvent struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Final  bool       `json:"final"`
}

// TaskArtifactUpdateEvent is streamed when a task produces an artifact chunk.
type TaskArtifactUpdateEvent struct {
	ID       string   `json:"id"`
	Artifact Artifact `json:"artifact"`
}

// StreamEvent is one decoded tasks/sendSubscribe update; exactly one field
// is set.
type StreamEvent struct {
	Status   *TaskStatusUpdateEvent
	Artifact *TaskArtifactUpdateEvent
}

// AgentCapabilities lists optional protocol features.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// AgentSkill describes one capability of an agent.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// AgentCard is the discovery document of an agent.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
}
