// Package runner implements per-request orchestration for agentforge.
//
// A request names a stored agent (or carries an inline definition) and a
// tenant. The Runner loads the definition, resolves its capabilities, builds
// the node tree and hands it to the engine. Resolution and build failures are
// returned before anything executes. Once started, a run is tracked until its
// terminal event: it can be cancelled by id, its status is recorded in the
// run store and every event is copied to the configured sinks.
//
// The Runner also implements a2a.Executor so that inbound A2A tasks start
// runs the same way HTTP requests do.
package runner
