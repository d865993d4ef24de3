package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/sanderr"
)

// Config parameterizes the worker pool and task retention.
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
}

// Manager runs tasks on a bounded worker pool and tracks their state.
type Manager struct {
	logger *zap.Logger
	config Config
	queue  chan *task

	mu        sync.RWMutex
	tasks     map[string]*task
	bySandbox map[string]map[string]*task

	lifecycle sync.RWMutex // guards queue close vs submit
	closed    bool

	wg          sync.WaitGroup
	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// NewManager creates the manager and starts its workers.
func NewManager(logger *zap.Logger, config Config) *Manager {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}

	m := &Manager{
		logger:      logger,
		config:      config,
		queue:       make(chan *task, config.QueueSize),
		tasks:       make(map[string]*task),
		bySandbox:   make(map[string]map[string]*task),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	go m.janitor()

	return m
}

// Submit enqueues work for a sandbox and returns the Pending handle
// immediately. A full queue fails fast with QuotaExceeded rather than
// spawning unboundedly.
func (m *Manager) Submit(sandboxID string, kind Kind, timeout time.Duration, work Work) (Snapshot, error) {
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}
	if m.config.MaxTimeout > 0 && timeout > m.config.MaxTimeout {
		timeout = m.config.MaxTimeout
	}

	t := &task{
		id:          uuid.NewString(),
		sandboxID:   sandboxID,
		kind:        kind,
		timeout:     timeout,
		work:        work,
		state:       StatePending,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}

	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.closed {
		return Snapshot{}, errors.New("task manager is closed")
	}

	m.register(t)
	select {
	case m.queue <- t:
	default:
		m.unregister(t)
		return Snapshot{}, sanderr.Newf(sanderr.CodeQuotaExceeded,
			"task queue full (%d tasks in flight)", m.config.QueueSize).WithSandbox(sandboxID)
	}

	m.logger.Debug("task submitted",
		zap.String("task_id", t.id),
		zap.String("sandbox_id", sandboxID),
		zap.String("kind", string(kind)),
		zap.Duration("timeout", timeout))

	return t.snapshot(), nil
}

// Poll returns a non-blocking snapshot of the task.
func (m *Manager) Poll(id string) (Snapshot, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return t.snapshot(), nil
}

// Await blocks until the task is terminal or the timeout elapses. On
// timeout the task is marked TimedOut and the running work receives a
// best-effort cancellation signal; the terminal state then sticks.
func (m *Manager) Await(ctx context.Context, id string, timeout time.Duration) (Snapshot, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-expired:
		timeoutErr := sanderr.New(sanderr.CodeExecutionTimeout, "await timed out").
			WithSandbox(t.sandboxID).WithTask(t.id)
		if t.finish(StateTimedOut, nil, timeoutErr) {
			t.interrupt()
			m.logger.Warn("task timed out awaiting completion",
				zap.String("task_id", t.id),
				zap.String("sandbox_id", t.sandboxID))
		}
		return t.snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. Cancelling a terminal task
// is a no-op. The task resolves to Cancelled locally whether or not the
// underlying work acknowledges the interrupt.
func (m *Manager) Cancel(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.cancelTask(t)
	return nil
}

// CancelSandbox cancels every non-terminal task belonging to a sandbox.
func (m *Manager) CancelSandbox(sandboxID string) {
	for _, t := range m.sandboxTasks(sandboxID) {
		m.cancelTask(t)
	}
}

// DrainSandbox waits up to grace for the sandbox's in-flight tasks to
// finish on their own, then force-cancels the rest. Used by sandbox
// destruction.
func (m *Manager) DrainSandbox(ctx context.Context, sandboxID string, grace time.Duration) {
	pending := m.sandboxTasks(sandboxID)
	if len(pending) == 0 {
		return
	}

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
	wait:
		for _, t := range pending {
			select {
			case <-t.done:
			case <-timer.C:
				break wait
			case <-ctx.Done():
				break wait
			}
		}
	}

	// Force-cancel whatever is left; terminal tasks are unaffected.
	for _, t := range pending {
		m.cancelTask(t)
	}
}

// Close stops accepting work, drains queued tasks, and waits for the
// workers and janitor to exit.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	if m.closed {
		m.lifecycle.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.lifecycle.Unlock()

	m.wg.Wait()
	close(m.stopJanitor)
	<-m.janitorDone
}

func (m *Manager) cancelTask(t *task) {
	cancelErr := sanderr.New(sanderr.CodeCancelled, "task cancelled").
		WithSandbox(t.sandboxID).WithTask(t.id)
	if t.finish(StateCancelled, nil, cancelErr) {
		t.interrupt()
		m.logger.Info("task cancelled",
			zap.String("task_id", t.id),
			zap.String("sandbox_id", t.sandboxID))
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		m.run(t)
	}
}

// run executes one task. Only this worker advances the task past
// Running; the external TimedOut/Cancelled paths go through finish,
// whose first-writer-wins rule keeps the transition monotonic.
func (m *Manager) run(t *task) {
	t.mu.Lock()
	if t.state != StatePending {
		// Cancelled while still queued.
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	t.state = StateRunning
	t.startedAt = time.Now()
	t.cancel = cancel
	t.mu.Unlock()

	result, err := m.invoke(ctx, t)
	deadlineHit := ctx.Err() == context.DeadlineExceeded
	cancel()

	switch {
	// Deadline is tested before success: work that swallows the kill
	// signal can return a nil error even though it was cut short.
	case deadlineHit || errors.Is(err, context.DeadlineExceeded):
		t.finish(StateTimedOut, result, sanderr.New(sanderr.CodeExecutionTimeout, "task deadline elapsed").
			WithSandbox(t.sandboxID).WithTask(t.id).WithCause(err))
	case err == nil:
		t.finish(StateCompleted, result, nil)
	case errors.Is(err, context.Canceled):
		t.finish(StateCancelled, result, sanderr.New(sanderr.CodeCancelled, "task cancelled").
			WithSandbox(t.sandboxID).WithTask(t.id))
	default:
		t.finish(StateFailed, result, err)
	}

	snap := t.snapshot()
	m.logger.Debug("task finished",
		zap.String("task_id", t.id),
		zap.String("sandbox_id", t.sandboxID),
		zap.String("state", string(snap.State)),
		zap.Duration("elapsed", snap.FinishedAt.Sub(snap.StartedAt)))
}

func (m *Manager) invoke(ctx context.Context, t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked",
				zap.String("task_id", t.id),
				zap.Any("panic", r))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.work(ctx)
}

// janitor evicts terminal tasks past the retention window.
func (m *Manager) janitor() {
	defer close(m.janitorDone)

	interval := m.config.SweepInterval
	if interval <= 0 {
		if m.config.Retention > 0 {
			interval = m.config.Retention / 4
		} else {
			interval = time.Minute
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopJanitor:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Manager) evictExpired() {
	if m.config.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.config.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		snap := t.snapshot()
		if snap.State.Terminal() && snap.FinishedAt.Before(cutoff) {
			delete(m.tasks, id)
			if group, ok := m.bySandbox[snap.SandboxID]; ok {
				delete(group, id)
				if len(group) == 0 {
					delete(m.bySandbox, snap.SandboxID)
				}
			}
		}
	}
}

func (m *Manager) register(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.id] = t
	group, ok := m.bySandbox[t.sandboxID]
	if !ok {
		group = make(map[string]*task)
		m.bySandbox[t.sandboxID] = group
	}
	group[t.id] = t
}

func (m *Manager) unregister(t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, t.id)
	if group, ok := m.bySandbox[t.sandboxID]; ok {
		delete(group, t.id)
		if len(group) == 0 {
			delete(m.bySandbox, t.sandboxID)
		}
	}
}

func (m *Manager) lookup(id string) (*task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, sanderr.Newf(sanderr.CodeNotFound, "task %s not found", id).WithTask(id)
	}
	return t, nil
}

func (m *Manager) sandboxTasks(sandboxID string) []*task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group := m.bySandbox[sandboxID]
	out := make([]*task, 0, len(group))
	for _, t := range group {
		if !t.snapshot().State.Terminal() {
			out = append(out, t)
		}
	}
	return out
}
