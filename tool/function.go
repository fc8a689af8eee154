package tool

import (
	"errors"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/util"
)

// Func is the signature of a function exposed through a FunctionTool. args
// have already been validated against the tool's schema.
type Func func(toolCtx *core.ToolContext, args map[string]any) (any, error)

// FunctionTool adapts a Func to the Tool interface. It is immutable after
// construction and therefore safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunctionTool builds a tool from an explicit JSON schema. A nil schema
// accepts any object.
//
//	add := tool.NewFunctionTool("add", "Adds a and b", map[string]any{
//		"type":     "object",
//		"required": []string{"a", "b"},
//		"properties": map[string]any{
//			"a": map[string]any{"type": "number"},
//			"b": map[string]any{"type": "number"},
//		},
//	}, func(_ *core.ToolContext, args map[string]any) (any, error) {
//		return args["a"].(float64) + args["b"].(float64), nil
//	})
func NewFunctionTool(name, description string, parameters map[string]any, fn Func) *FunctionTool {
	return &FunctionTool{name: name, description: description, parameters: parameters, fn: fn}
}

// NewFunctionToolFromStruct derives the schema from the fields and tags of
// structType.
func NewFunctionToolFromStruct(name, description string, structType any, fn Func) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

func (t *FunctionTool) Name() string               { return t.name }
func (t *FunctionTool) Description() string        { return t.description }
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args and runs the function. Schema violations are returned
// as VALIDATION_ERROR, any other failure as EXECUTION_ERROR unless the
// function already returned a *ToolError.
func (t *FunctionTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	if err := validate(t.name, args, t.parameters); err != nil {
		toolCtx.LogWarn("tool.call.invalid_args", "tool", t.name, "error", err.Error())
		return nil, err
	}

	start := time.Now()

	result, err := t.fn(toolCtx, args)
	if err != nil {
		terr := t.wrap(err)
		toolCtx.LogDebug("tool.call.error", "tool", t.name, "code", terr.Code, "error", terr.Message)

		return nil, terr
	}

	toolCtx.LogDebug("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

func (t *FunctionTool) wrap(err error) *ToolError {
	var terr *ToolError
	if errors.As(err, &terr) {
		return terr
	}

	return NewToolError(t.name, err.Error(), CodeExecution)
}
