// Package artifact contains implementations of core.ArtifactStore.
//
// The engine archives the final output of every completed run through the
// store (runs/<runID>/output.json, scoped by tenant). This package provides
// the in-memory store; artifact/s3 provides a durable S3 backed one.
// Callers should depend on the core interface rather than concrete types.
package artifact
