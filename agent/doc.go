// Package agent contains the executable node variants an AgentDefinition is
// built into:
//
//  1. LeafCall: one conversational model call with tools and retrieved context
//  2. Composites: Sequence, Parallel, BoundedLoop
//  3. Graphs and plans: WorkflowGraph (guarded edges) and TaskPlan (schema
//     checked steps)
//  4. RemoteBridge: delegation to an A2A endpoint
//
// Every node implements core.Node. Composites run children through
// core.RunContext.RunChild, which emits the node-scoped started, completed
// and failed events; nodes only emit their intermediate events.
package agent
