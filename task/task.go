package task

import (
	"context"
	"sync"
	"time"
)

// Kind enumerates the operations the engine runs as tasks. The set is
// closed: adding a kind is a code change, not runtime registration.
type Kind string

const (
	KindRunCode         Kind = "run-code"
	KindRunCommand      Kind = "run-command"
	KindInstallPackages Kind = "install-packages"
	KindUploadFile      Kind = "upload-file"
	KindDownloadFile    Kind = "download-file"
	KindListDir         Kind = "list-dir"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Work is the unit of work a task executes. The context carries the
// task's deadline and cancellation signal; work must honor both.
type Work func(ctx context.Context) (any, error)

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID          string
	SandboxID   string
	Kind        Kind
	State       State
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Result      any
	Err         error
}

// task is the internal record. Its fields past Running are written only
// under mu, and the terminal state is first-writer-wins.
type task struct {
	id        string
	sandboxID string
	kind      Kind
	timeout   time.Duration
	work      Work

	mu          sync.Mutex
	state       State
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	result      any
	err         error
	cancel      context.CancelFunc
	done        chan struct{}
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:          t.id,
		SandboxID:   t.sandboxID,
		Kind:        t.kind,
		State:       t.state,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		Result:      t.result,
		Err:         t.err,
	}
}

// finish moves the task to a terminal state. The first terminal write
// wins; later attempts are no-ops, which is what keeps transitions
// monotonic when the worker, Cancel, and Await race.
func (t *task) finish(state State, result any, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = state
	t.result = result
	t.err = err
	t.finishedAt = time.Now()
	close(t.done)
	return true
}

// interrupt fires the running work's cancel func, if any.
func (t *task) interrupt() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
