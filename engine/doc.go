// Package engine implements the sandbox operations as asynchronous
// tasks.
//
// The engine is the bridge between the caller-facing operation surface
// and the task framework: each operation kind (run code, run command,
// install packages, upload, download, list directory) is validated
// synchronously, then submitted as work that the task manager executes
// against the container runtime. Operation kinds are a closed set
// dispatched through one exhaustive switch; adding a kind is a code
// change.
//
// In-sandbox failures are results, not errors: a non-zero exit code or a
// partially failed package install completes the task with a structured
// payload. Task failure is reserved for infrastructure problems such as
// a vanished container, an unreachable runtime, or an elapsed deadline.
package engine
