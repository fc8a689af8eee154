// Package core provides the foundational domain types, interfaces and execution
// contexts used by agentforge. It defines the core abstractions for:
//
//   - Agent definitions (persisted configuration of a composed agent)
//   - Nodes (executable units built from definitions)
//   - Events (immutable records streamed while a run executes)
//   - RunContext / ToolContext (scoped execution & tool sandboxing)
//   - The error taxonomy shared by resolution, build and execution
//   - Collaborator contracts (definition store, credentials, knowledge, artifacts)
//
// The package keeps implementation concerns (persistence, transport, concrete
// nodes) out of scope and exposes small interfaces so backends can be swapped.
package core
