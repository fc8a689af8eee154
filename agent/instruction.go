package agent

import (
	"strings"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/util"
)

// Template variables available to instructions.
const (
	VarRAGContext  = "rag_context"
	VarCurrentTime = "current_time"
	VarInput       = "input"
)

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(rc *core.RunContext, vars map[string]any) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(rc *core.RunContext, vars map[string]any) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(rc *core.RunContext, vars map[string]any) (string, error) {
	return f(rc, vars)
}

// Instruction represents either a static instruction template or a dynamic
// provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(rc *core.RunContext, vars map[string]any) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve renders the instruction with vars. When retrieved context exists
// and the template has no rag_context slot, the context is appended.
func (i Instruction) Resolve(rc *core.RunContext, vars map[string]any) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(rc, vars)
	}

	text, err := util.RenderTemplate(i.text, vars)
	if err != nil {
		return "", err
	}

	ragContext, _ := vars[VarRAGContext].(string)
	if ragContext != "" && !strings.Contains(i.text, "."+VarRAGContext) {
		text = strings.TrimRight(text, "\n") + "\n\nUse the following context to answer:\n\n" + ragContext
	}

	return text, nil
}

// instructionVars returns the template variables for one LeafCall execution.
func instructionVars(input, ragContext string, now time.Time) map[string]any {
	return map[string]any{
		VarInput:       input,
		VarRAGContext:  ragContext,
		VarCurrentTime: now.UTC().Format(time.RFC3339),
	}
}
