package testutil

import (
	"github.com/hupe1980/agentforge/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder(core.EventPartialOutput).Author("writer").Text("hello").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	ev core.Event
}

// NewEventBuilder creates a builder for kind with default author "agent".
func NewEventBuilder(kind core.EventKind) *EventBuilder {
	return &EventBuilder{ev: core.NewEvent("run-test", kind, "agent")}
}

// Run sets the run ID (chainable).
func (b *EventBuilder) Run(id string) *EventBuilder { b.ev.RunID = id; return b }

// Author sets the author name for the event (chainable).
func (b *EventBuilder) Author(a string) *EventBuilder { b.ev.Author = a; return b }

// Path sets the node path (chainable).
func (b *EventBuilder) Path(p string) *EventBuilder { b.ev.NodePath = p; return b }

// Branch sets the branch tag (chainable).
func (b *EventBuilder) Branch(br string) *EventBuilder { b.ev.Branch = br; return b }

// Text sets the text payload (chainable).
func (b *EventBuilder) Text(t string) *EventBuilder { b.ev.Text = t; return b }

// Seq sets the sequence number (chainable).
func (b *EventBuilder) Seq(n int64) *EventBuilder { b.ev.Seq = n; return b }

// Final marks the event as the run-terminal event (chainable).
func (b *EventBuilder) Final() *EventBuilder { b.ev.Final = true; return b }

// Transition sets node_transition fields (chainable).
func (b *EventBuilder) Transition(from, to string, iteration int) *EventBuilder {
	b.ev.From, b.ev.To, b.ev.Iteration = from, to, iteration
	return b
}

// Failure sets the error kind and message (chainable).
func (b *EventBuilder) Failure(kind core.ErrorKind, msg string) *EventBuilder {
	b.ev.ErrorKind, b.ev.ErrorMessage = kind, msg
	return b
}

// Tool sets the tool call info (chainable).
func (b *EventBuilder) Tool(id, name, args string) *EventBuilder {
	b.ev.Tool = &core.ToolCallInfo{ID: id, Name: name, Arguments: args}
	return b
}

// Build returns the event.
func (b *EventBuilder) Build() core.Event { return b.ev }
