// Package types defines the snapshot model, the collaborator interfaces
// (document model, remote document store, local cache store), configuration,
// and the standard error types for the notebook synchronization engine.
package types
