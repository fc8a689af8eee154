package tool

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/hupe1980/agentforge/core"
)

// Builtins returns the tools available to every tenant without configuration.
func Builtins() []Tool {
	return []Tool{NewCurrentTimeTool(), NewCalculateTool()}
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" description:"IANA time zone name, e.g. Europe/Berlin. Defaults to UTC."`
}

// NewCurrentTimeTool reports the current time in an optional time zone.
func NewCurrentTimeTool() *FunctionTool {
	return NewFunctionToolFromStruct(
		"current_time",
		"Return the current date and time in RFC 3339 format.",
		currentTimeArgs{},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			loc := time.UTC

			if tz, _ := args["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, NewToolError("current_time", fmt.Sprintf("unknown timezone %q", tz), CodeValidation)
				}

				loc = l
			}

			return time.Now().In(loc).Format(time.RFC3339), nil
		},
	)
}

type calculateArgs struct {
	Expression string `json:"expression" description:"Arithmetic expression, e.g. (2 + 3) * 4 / 2"`
}

// NewCalculateTool evaluates arithmetic expressions without access to any
// environment.
func NewCalculateTool() *FunctionTool {
	return NewFunctionToolFromStruct(
		"calculate",
		"Evaluate an arithmetic expression and return the numeric result.",
		calculateArgs{},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			input, _ := args["expression"].(string)

			program, err := expr.Compile(input, expr.Env(map[string]any{}))
			if err != nil {
				return nil, NewToolError("calculate", err.Error(), CodeValidation)
			}

			out, err := expr.Run(program, map[string]any{})
			if err != nil {
				return nil, err
			}

			switch v := out.(type) {
			case int:
				return float64(v), nil
			case float64:
				return v, nil
			default:
				return nil, NewToolError("calculate", fmt.Sprintf("expression did not evaluate to a number (%T)", out), CodeValidation)
			}
		},
	)
}
