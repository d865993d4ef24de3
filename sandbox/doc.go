// Package sandbox tracks isolated execution environments and their
// lifecycle.
//
// The package has two halves. The Store is the single source of truth
// for which sandboxes exist and what state they are in: a lock-striped
// table of records whose state transitions are linearized through
// compare-and-swap. The Manager drives the lifecycle against the
// container runtime: creation under quota, idempotent destruction,
// activity tracking, and background reclamation of idle sandboxes.
//
// Only the Manager transitions sandbox state. A sandbox is never left
// Active unless its backing container was created and started.
//
// Usage:
//
//	store := sandbox.NewStore()
//	manager := sandbox.NewManager(logger, store, client, tasks, cfg)
//	sb, err := manager.CreateSandbox(ctx, "s1", sandbox.Limits{}, "")
package sandbox
