package flow

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/metrics"
	"github.com/hupe1980/agentforge/logging"
	"github.com/hupe1980/agentforge/tool"
)

// Outcome is the result of one executed function call.
type Outcome struct {
	Call   core.FunctionCall
	Result any
	Err    error
}

// FunctionExecutor executes a batch of function calls, possibly in parallel,
// and emits one tool_result event per call. Implementations must:
//   - Respect rc cancellation
//   - Never panic (recover internally and report an error outcome)
//   - Return exactly one Outcome per call, in call order
type FunctionExecutor interface {
	Execute(rc *core.RunContext, author string, tools map[string]tool.Tool, calls []core.FunctionCall) []Outcome
}

// FunctionExecutorConfig configures the default parallel executor.
type FunctionExecutorConfig struct {
	MaxParallel   int  // 0 or <1 => no explicit limit (len(calls))
	PreserveOrder bool // if true, buffer results and emit events in call order
}

// parallelFunctionExecutor is the default implementation.
type parallelFunctionExecutor struct {
	cfg FunctionExecutorConfig
}

// NewParallelFunctionExecutor constructs a new executor with the given config.
func NewParallelFunctionExecutor(cfg FunctionExecutorConfig) FunctionExecutor {
	return &parallelFunctionExecutor{cfg: cfg}
}

func (e *parallelFunctionExecutor) Execute(
	rc *core.RunContext,
	author string,
	tools map[string]tool.Tool,
	calls []core.FunctionCall,
) []Outcome {
	n := len(calls)
	if n == 0 {
		return nil
	}

	outcomes := make([]Outcome, n)
	for i, fc := range calls {
		outcomes[i] = Outcome{Call: fc}
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		outcomes[0] = e.executeOne(rc, author, tools, calls[0])
		e.emit(rc, author, outcomes[0])

		return outcomes
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var (
		mu  sync.Mutex // serializes unordered emits
		wg  sync.WaitGroup
		sem = make(chan struct{}, maxPar)
	)

	batchStart := time.Now()

	for i := range calls {
		if rc.Err() != nil {
			outcomes[i].Err = rc.Err()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(idx int, fc core.FunctionCall) {
			defer wg.Done()
			defer func() { <-sem }()

			o := e.executeOne(rc, author, tools, fc)
			outcomes[idx] = o

			if !e.cfg.PreserveOrder {
				mu.Lock()
				e.emit(rc, author, o)
				mu.Unlock()
			}
		}(i, calls[i])
	}

	wg.Wait()

	if e.cfg.PreserveOrder {
		for _, o := range outcomes {
			e.emit(rc, author, o)
		}
	}

	rc.LogDebug(
		"agent.functions.batch.complete",
		"agent", author,
		"count", n,
		"parallelism", maxPar,
		"preserve_order", e.cfg.PreserveOrder,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return outcomes
}

func (e *parallelFunctionExecutor) executeOne(rc *core.RunContext, author string, tools map[string]tool.Tool, fc core.FunctionCall) Outcome {
	toolCtx := core.NewToolContext(rc, fc.ID)

	rc.LogDebug("agent.function.start", "agent", author, "function", fc.Name, "function_call_id", fc.ID)

	start := time.Now()

	var (
		result any
		err    error
	)

	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
				rc.LogError("agent.function.panic", "agent", author, "function", fc.Name, "recover", r)
			}
		}()

		result, err = executeTool(tools, toolCtx, fc.Name, fc.Arguments)
	}()

	status := "success"
	if err != nil {
		status = "error"
	}

	metrics.ToolCallsTotal.WithLabelValues(fc.Name, status).Inc()

	if tl, ok := rc.Logger().(logging.ToolLogger); ok {
		tl.LogToolCall(fc.Name, time.Since(start), err == nil, err)
	} else {
		rc.LogInfo(
			"agent.function.executed",
			"agent", author,
			"function", fc.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err != nil,
		)
	}

	return Outcome{Call: fc, Result: result, Err: err}
}

func (e *parallelFunctionExecutor) emit(rc *core.RunContext, author string, o Outcome) {
	ev := core.NewToolResultEvent(author, o.Call.ID, o.Call.Name, o.Result, o.Err)
	if err := rc.EmitEvent(ev); err != nil {
		rc.LogError("agent.function.emit.error", "function", o.Call.Name, "error", err.Error())
	}
}

// panicError converts a recovered panic value to an error.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

// errToolNotFound is returned for calls naming a tool the agent does not have.
var errToolNotFound = errors.New("tool not found")

// executeTool centralizes tool lookup & execution.
func executeTool(tools map[string]tool.Tool, toolCtx *core.ToolContext, name, args string) (any, error) {
	impl, ok := tools[name]
	if !ok {
		return nil, tool.NewToolError(name, errToolNotFound.Error(), tool.CodeNotFound)
	}

	argMap := map[string]any{}

	if args != "" {
		if err := json.Unmarshal([]byte(args), &argMap); err != nil {
			return nil, tool.NewToolError(name, fmt.Sprintf("failed to unmarshal args: %v", err), tool.CodeValidation)
		}
	}

	return impl.Call(toolCtx, argMap)
}
