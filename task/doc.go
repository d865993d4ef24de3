// Package task provides the asynchronous task framework for sandbox
// operations.
//
// A task is one unit of work against one sandbox. Submit returns
// immediately with a Pending handle; a bounded worker pool executes the
// work under the task's deadline. Callers poll, await with a timeout, or
// cancel. Task state transitions are monotonic: once a task reaches a
// terminal state (Completed, Failed, Cancelled, TimedOut) it never moves
// again, and terminal tasks are retained for a window before eviction.
//
// Cancellation is cooperative and best-effort: the task resolves to
// Cancelled locally even when the underlying work does not acknowledge
// the signal. The manager makes no ordering promise across sandboxes;
// the pool is shared for fairness, not FIFO.
package task
