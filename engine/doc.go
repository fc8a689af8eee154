// Package engine executes built agent node trees.
//
// The engine owns the run lifecycle: every call to Execute creates a Run with
// its own cancellation scope and state machine
//
//	pending -> running -> completed | failed | cancelled
//
// Nodes emit events through core.RunContext. All emissions, including those
// of concurrent parallel branches and tool calls, are merged by a single
// funnel goroutine that stamps a per-run sequence number, notifies hooks and
// forwards the event to the caller. The stream starts with the root node's
// started event and ends with exactly one terminal event (Final set):
// completed with the final output, or failed with the error kind, message and
// originating node path. Nothing is delivered after the terminal event and
// the channel is closed.
//
// Cancellation (Run.Cancel or the caller's context) is observed by every
// suspension point in the node tree. If the tree has not unwound within the
// configured grace period the engine closes the stream with a Cancelled
// failure anyway and discards whatever the abandoned nodes still emit.
//
// Usage:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Hooks = []engine.Hook{engine.NewMetricsHook()}
//	})
//
//	run := eng.Execute(ctx, node, "hello", engine.RunInfo{TenantID: "acme"})
//	for ev := range run.Events() {
//	    fmt.Println(ev.Kind, ev.NodePath)
//	}
//
//	out, err := run.Wait()
package engine
