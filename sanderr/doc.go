// Package sanderr defines the structured error taxonomy shared by the
// sandbox engine.
//
// Every error carries a machine-readable code plus the sandbox/task
// identifiers needed to act on it, without exposing container runtime
// internals to callers. Use the Is* predicates to branch on a code
// through arbitrary levels of wrapping.
package sanderr
