package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentforge/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by flows.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// LastUserText returns the text of the last content in the request.
func (r Request) LastUserText() string {
	if len(r.Contents) == 0 {
		return ""
	}

	return r.Contents[len(r.Contents)-1].Text()
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage = core.TokenUsage

// Response is a (partial or final) chunk emitted by a streaming model.
// Exactly one non-partial Response ends a successful generation.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Ref returns the "provider/name" reference of the model.
func (i Info) Ref() string { return i.Provider + "/" + i.Name }

// Model is the minimal interface required by flows & agents to drive generation.
//
// Generate returns a response channel and an error channel. The response
// channel is closed when generation ends; the error channel then holds at most
// one error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Factory creates a model for a provider-specific model name.
type Factory func(name string) (Model, error)

// Registry resolves model references of the form "provider/name". Explicitly
// registered models win over provider factories.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]Model
	factories map[string]Factory
	fallback  string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: map[string]Model{}, factories: map[string]Factory{}}
}

// Register adds a concrete model under ref.
func (r *Registry) Register(ref string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[ref] = m
}

// RegisterProvider adds a factory for all models of provider.
func (r *Registry) RegisterProvider(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[provider] = f
}

// SetDefault sets the reference used when a definition names no model.
func (r *Registry) SetDefault(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = ref
}

// Resolve returns the model for ref. A bare name without provider is looked
// up as a registered model only.
func (r *Registry) Resolve(ref string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref == "" {
		ref = r.fallback
	}

	if ref == "" {
		return nil, fmt.Errorf("no model configured")
	}

	if m, ok := r.models[ref]; ok {
		return m, nil
	}

	provider, name, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, fmt.Errorf("unknown model %q", ref)
	}

	f, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}

	return f(name)
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Unknown prompts are echoed back as "Mock response to: <prompt>".
type MockModel struct {
	info      Info
	mu        sync.RWMutex
	responses map[string]string
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses[prompt] = response
}

// Generate implements Model; emits optional streaming chunks then the final
// response with word-count usage.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(respCh)

		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}

		inputText := req.LastUserText()

		m.mu.RLock()
		full := m.responses[inputText]
		m.mu.RUnlock()

		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}

		if req.Stream {
			for _, chunk := range splitWords(full) {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent("assistant", chunk),
				}:
				}
			}
		}

		prompt := len(strings.Fields(req.Instructions)) + len(strings.Fields(inputText))
		completion := len(strings.Fields(full))

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			Content:      core.NewTextContent("assistant", full),
			FinishReason: "stop",
			Usage:        &TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		}:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// splitWords splits s into chunks that keep their trailing whitespace so the
// concatenation of all chunks equals s.
func splitWords(s string) []string {
	var chunks []string

	start := 0

	for i := 1; i < len(s); i++ {
		if s[i-1] == ' ' && s[i] != ' ' {
			chunks = append(chunks, s[start:i])
			start = i
		}
	}

	if start < len(s) {
		chunks = append(chunks, s[start:])
	}

	return chunks
}

// Turn is one scripted model reply.
type Turn struct {
	// Text of the final answer; streamed in chunks when the request streams.
	Text string
	// Calls requested instead of (or in addition to) text.
	Calls []core.FunctionCall
	// Err fails the generation.
	Err error
	// Block waits for cancellation before replying.
	Block bool
	// Usage reported with the final response.
	Usage TokenUsage
}

// ScriptedModel replays a fixed sequence of turns, one per Generate call.
// After the script is exhausted the last turn repeats. Requests are recorded.
type ScriptedModel struct {
	info Info

	mu       sync.Mutex
	turns    []Turn
	next     int
	requests []Request
	started  chan struct{}
}

// NewScriptedModel creates a scripted model named name.
func NewScriptedModel(name string, turns ...Turn) *ScriptedModel {
	return &ScriptedModel{
		info:    Info{Name: name, Provider: "scripted", SupportsTools: true},
		turns:   turns,
		started: make(chan struct{}, 64),
	}
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.requests...)
}

// Started receives one value per Generate call, useful to synchronize with
// blocking turns.
func (m *ScriptedModel) Started() <-chan struct{} { return m.started }

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)

	var turn Turn
	if len(m.turns) > 0 {
		idx := m.next
		if idx >= len(m.turns) {
			idx = len(m.turns) - 1
		}

		turn = m.turns[idx]
		m.next++
	}
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}

	go func() {
		defer close(errCh)
		defer close(respCh)

		if turn.Block {
			<-ctx.Done()
			errCh <- ctx.Err()

			return
		}

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}

		if req.Stream && turn.Text != "" {
			for _, chunk := range splitWords(turn.Text) {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Content: core.NewTextContent("assistant", chunk)}:
				}
			}
		}

		final := core.Content{Role: "assistant"}
		if turn.Text != "" {
			final.Parts = append(final.Parts, core.TextPart{Text: turn.Text})
		}

		for _, call := range turn.Calls {
			final.Parts = append(final.Parts, core.FunctionCallPart{FunctionCall: call})
		}

		reason := "stop"
		if len(turn.Calls) > 0 {
			reason = "tool_calls"
		}

		usage := turn.Usage

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Content: final, FinishReason: reason, Usage: &usage}:
		}
	}()

	return respCh, errCh
}
