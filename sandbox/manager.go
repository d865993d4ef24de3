package sandbox

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/sandboxd/runtime"
	"github.com/isdmx/sandboxd/sanderr"
)

// TaskResolver resolves the outstanding tasks of a sandbox before its
// container is removed. Implemented by the task manager.
type TaskResolver interface {
	// DrainSandbox waits up to grace for in-flight tasks to finish,
	// then force-cancels whatever is left.
	DrainSandbox(ctx context.Context, sandboxID string, grace time.Duration)
}

// ManagerConfig parameterizes the lifecycle manager.
type ManagerConfig struct {
	Image           string
	MaxSandboxes    int
	DefaultLimits   Limits
	WorkDir         string
	DataDir         string // host directory for per-sandbox mounts, empty disables mounting
	NetworkEnabled  bool
	IdleTimeout     time.Duration
	ReclaimInterval time.Duration
	DestroyGrace    time.Duration
	RecordRetention time.Duration
	CreateRetries   int
	RetryBackoff    time.Duration
}

// Manager creates and destroys sandboxes, keeping the record store and
// the container runtime in agreement. It is the only component that
// transitions sandbox state.
type Manager struct {
	logger *zap.Logger
	store  *Store
	client runtime.Client
	tasks  TaskResolver
	config ManagerConfig
	fs     runtime.FileSystem

	// createMu serializes quota check + insert so concurrent creates
	// cannot overshoot MaxSandboxes.
	createMu sync.Mutex

	stopReclaim chan struct{}
	reclaimDone chan struct{}
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithManagerFileSystem sets the FileSystem used for host-side mount
// directory handling.
func WithManagerFileSystem(fs runtime.FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// NewManager creates a lifecycle manager.
func NewManager(logger *zap.Logger, store *Store, client runtime.Client, tasks TaskResolver, config ManagerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      logger,
		store:       store,
		client:      client,
		tasks:       tasks,
		config:      config,
		fs:          &runtime.RealFileSystem{},
		stopReclaim: make(chan struct{}),
		reclaimDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CreateSandbox provisions a new sandbox. The record is inserted in
// Creating state before the container exists, which reserves the name;
// any failure removes the record again so a partial sandbox is never
// observable as Active.
func (m *Manager) CreateSandbox(ctx context.Context, name string, limits Limits, image string) (Sandbox, error) {
	if image == "" {
		image = m.config.Image
	}
	if limits.MemoryMB == 0 {
		limits.MemoryMB = m.config.DefaultLimits.MemoryMB
	}
	if limits.CPUs == 0 {
		limits.CPUs = m.config.DefaultLimits.CPUs
	}
	if limits.DiskBytes == 0 {
		limits.DiskBytes = m.config.DefaultLimits.DiskBytes
	}

	now := time.Now()
	sb := Sandbox{
		ID:         uuid.NewString(),
		Name:       name,
		State:      StateCreating,
		CreatedAt:  now,
		LastActive: now,
		Limits:     limits,
		WorkDir:    m.config.WorkDir,
	}
	if m.config.DataDir != "" {
		sb.MountDir = filepath.Join(m.config.DataDir, sb.ContainerName())
	}

	m.createMu.Lock()
	if m.config.MaxSandboxes > 0 && m.store.LiveCount() >= m.config.MaxSandboxes {
		m.createMu.Unlock()
		return Sandbox{}, sanderr.Newf(sanderr.CodeQuotaExceeded,
			"sandbox quota reached (%d)", m.config.MaxSandboxes)
	}
	if err := m.store.Put(sb); err != nil {
		m.createMu.Unlock()
		return Sandbox{}, err
	}
	m.createMu.Unlock()

	if sb.MountDir != "" {
		if err := m.fs.MkdirAll(sb.MountDir, runtime.DirPermission); err != nil {
			m.abortCreate(sb.ID)
			return Sandbox{}, fmt.Errorf("failed to create mount directory: %w", err)
		}
	}

	spec := runtime.ContainerSpec{
		Name:           sb.ContainerName(),
		Image:          image,
		WorkDir:        sb.WorkDir,
		MountDir:       sb.MountDir,
		MemoryMB:       limits.MemoryMB,
		CPUs:           limits.CPUs,
		NetworkEnabled: m.config.NetworkEnabled,
	}

	var ref runtime.ContainerRef
	err := m.withRetry(ctx, "create container", func() error {
		created, createErr := m.client.CreateContainer(ctx, spec)
		if createErr == nil {
			ref = created
		}
		return createErr
	})
	if err != nil {
		m.abortCreate(sb.ID)
		m.logger.Error("sandbox creation failed",
			zap.String("sandbox_id", sb.ID),
			zap.String("name", name),
			zap.Error(err))
		return Sandbox{}, err
	}

	if err := m.store.SetContainer(sb.ID, ref); err != nil {
		return Sandbox{}, err
	}
	if err := m.store.CompareAndSwapState(sb.ID, StateCreating, StateActive); err != nil {
		// Destroyed out from under us mid-create. Clean the container up.
		if rmErr := m.client.RemoveContainer(ctx, ref); rmErr != nil {
			m.logger.Error("failed to remove container for aborted create",
				zap.String("sandbox_id", sb.ID), zap.Error(rmErr))
		}
		return Sandbox{}, err
	}

	m.logger.Info("sandbox created",
		zap.String("sandbox_id", sb.ID),
		zap.String("name", name),
		zap.String("container", ref.Name),
		zap.String("image", image))

	return m.store.Get(sb.ID)
}

// abortCreate marks the failed record then evicts it, releasing the name.
func (m *Manager) abortCreate(id string) {
	if err := m.store.CompareAndSwapState(id, StateCreating, StateFailed); err != nil {
		m.logger.Warn("could not mark sandbox failed", zap.String("sandbox_id", id), zap.Error(err))
	}
	if err := m.store.Remove(id); err != nil {
		m.logger.Warn("could not remove failed sandbox record", zap.String("sandbox_id", id), zap.Error(err))
	}
}

// GetSandbox returns a snapshot by id or name.
func (m *Manager) GetSandbox(idOrName string) (Sandbox, error) {
	return m.store.Get(idOrName)
}

// ListSandboxes returns a snapshot of matching records.
func (m *Manager) ListSandboxes(filter Filter) []Sandbox {
	return m.store.List(filter)
}

// Touch records activity on the sandbox.
func (m *Manager) Touch(id string) error {
	return m.store.Touch(id, time.Now())
}

// RecordPackages appends to the sandbox's advisory installed-package cache.
func (m *Manager) RecordPackages(id string, packages []string) error {
	return m.store.AddPackages(id, packages)
}

// DestroySandbox tears a sandbox down. It is idempotent: destroying a
// sandbox that is already destroying, destroyed, or externally removed
// succeeds. Outstanding tasks get a grace period then are force-cancelled.
func (m *Manager) DestroySandbox(ctx context.Context, idOrName string) error {
	sb, err := m.store.Get(idOrName)
	if err != nil {
		return err
	}

	switch sb.State {
	case StateDestroyed, StateFailed:
		return nil
	case StateDestroying:
		// A previous destroy may have failed at container removal and
		// left the record here. Re-run removal and the final swap; the
		// CAS keeps this idempotent against a concurrent destroyer.
	case StateActive:
		if casErr := m.store.CompareAndSwapState(sb.ID, StateActive, StateDestroying); casErr != nil {
			// Lost the race to another destroyer.
			if sanderr.IsConflict(casErr) {
				return nil
			}
			return casErr
		}
	case StateCreating:
		if casErr := m.store.CompareAndSwapState(sb.ID, StateCreating, StateDestroying); casErr != nil {
			if sanderr.IsConflict(casErr) {
				return nil
			}
			return casErr
		}
	}

	if m.tasks != nil {
		m.tasks.DrainSandbox(ctx, sb.ID, m.config.DestroyGrace)
	}

	if sb.Container.Name != "" {
		err = m.withRetry(ctx, "remove container", func() error {
			return m.client.RemoveContainer(ctx, sb.Container)
		})
		if err != nil {
			m.logger.Error("container removal failed, record stays destroying",
				zap.String("sandbox_id", sb.ID), zap.Error(err))
			return err
		}
	}

	if err := m.store.CompareAndSwapState(sb.ID, StateDestroying, StateDestroyed); err != nil {
		if sanderr.IsConflict(err) {
			// A concurrent destroyer finished the swap first.
			return nil
		}
		return err
	}
	if err := m.store.Touch(sb.ID, time.Now()); err != nil {
		m.logger.Warn("could not timestamp destroyed sandbox", zap.String("sandbox_id", sb.ID), zap.Error(err))
	}

	m.logger.Info("sandbox destroyed", zap.String("sandbox_id", sb.ID), zap.String("name", sb.Name))
	return nil
}

// Run drives the periodic idle-reclamation sweep until ctx is cancelled
// or Stop is called. Intended to run as a background goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.reclaimDone)

	if m.config.ReclaimInterval <= 0 {
		<-m.stopReclaim
		return
	}

	ticker := time.NewTicker(m.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopReclaim:
			return
		case <-ticker.C:
			m.reclaimIdle(ctx, m.config.IdleTimeout)
			m.evictExpired()
		}
	}
}

// Stop halts the reclamation sweep and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopReclaim)
	<-m.reclaimDone
}

// reclaimIdle destroys sandboxes whose last activity is older than the
// threshold. Destruction goes through DestroySandbox, so the per-record
// compare-and-swap keeps the sweep from racing an in-flight operation.
func (m *Manager) reclaimIdle(ctx context.Context, idleThreshold time.Duration) {
	if idleThreshold <= 0 {
		return
	}
	cutoff := time.Now().Add(-idleThreshold)

	// Destroying is included to retry records whose container removal
	// failed; their LastActive goes stale, so the cutoff passes over any
	// destroy still in progress.
	group, groupCtx := errgroup.WithContext(ctx)
	for _, sb := range m.store.List(Filter{States: []State{StateActive, StateDestroying}}) {
		if sb.LastActive.After(cutoff) {
			continue
		}
		group.Go(func() error {
			m.logger.Info("reclaiming sandbox",
				zap.String("sandbox_id", sb.ID),
				zap.String("state", string(sb.State)),
				zap.Time("last_active", sb.LastActive))
			if err := m.DestroySandbox(groupCtx, sb.ID); err != nil {
				m.logger.Error("reclamation failed", zap.String("sandbox_id", sb.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()
}

// evictExpired drops terminal records past the retention window.
func (m *Manager) evictExpired() {
	if m.config.RecordRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.config.RecordRetention)
	for _, sb := range m.store.List(Filter{States: []State{StateDestroyed, StateFailed}}) {
		if sb.LastActive.After(cutoff) {
			continue
		}
		if err := m.store.Remove(sb.ID); err != nil {
			m.logger.Warn("could not evict expired record", zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}
}

// Close destroys every live sandbox, in parallel. Used at shutdown.
func (m *Manager) Close(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, sb := range m.store.List(Filter{States: []State{StateCreating, StateActive}}) {
		group.Go(func() error {
			return m.DestroySandbox(groupCtx, sb.ID)
		})
	}
	return group.Wait()
}

// withRetry retries fn with exponential backoff while the runtime is
// unreachable. Other errors surface immediately.
func (m *Manager) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= m.config.CreateRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoffDelay(attempt)
			m.logger.Warn("retrying runtime operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !sanderr.IsRuntimeUnavailable(err) {
			return err
		}
	}

	return sanderr.Newf(sanderr.CodeRuntimeUnavailable,
		"%s failed after %d attempts", operation, m.config.CreateRetries+1).WithCause(lastErr)
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	base := m.config.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if limit := 10 * time.Second; delay > limit {
		delay = limit
	}
	return delay
}
