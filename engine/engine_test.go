package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/runtime"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/sanderr"
	"github.com/isdmx/sandboxd/task"
)

// fakeRuntime is a scriptable in-memory runtime client. Exec results
// are matched by command prefix, files by path.
type fakeRuntime struct {
	mu        sync.Mutex
	execs     map[string]runtime.ExecResult // keyed by joined command prefix
	execErr   error
	files     map[string][]byte
	copyInErr error
	calls     [][]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		execs: make(map[string]runtime.ExecResult),
		files: make(map[string][]byte),
	}
}

func (f *fakeRuntime) scriptExec(prefix string, result runtime.ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[prefix] = result
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec runtime.ContainerSpec) (runtime.ContainerRef, error) {
	return runtime.ContainerRef{ID: "cid-" + spec.Name, Name: spec.Name}, nil
}

func (f *fakeRuntime) RemoveContainer(context.Context, runtime.ContainerRef) error { return nil }

func (f *fakeRuntime) Exec(ctx context.Context, _ runtime.ContainerRef, command []string, _ string) (runtime.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return runtime.ExecResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if f.execErr != nil {
		return runtime.ExecResult{}, f.execErr
	}

	joined := strings.Join(command, " ")
	for prefix, result := range f.execs {
		if strings.HasPrefix(joined, prefix) {
			return result, nil
		}
	}
	return runtime.ExecResult{}, nil
}

func (f *fakeRuntime) CopyIn(_ context.Context, _ runtime.ContainerRef, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyInErr != nil {
		return f.copyInErr
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRuntime) CopyOut(_ context.Context, _ runtime.ContainerRef, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, sanderr.Newf(sanderr.CodeNotFound, "no such path: %s", path)
	}
	return data, nil
}

func (f *fakeRuntime) Inspect(context.Context, runtime.ContainerRef) (runtime.Status, error) {
	return runtime.Status{Running: true}, nil
}

func (f *fakeRuntime) calledWith(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			return true
		}
	}
	return false
}

type noopResolver struct{}

func (noopResolver) DrainSandbox(context.Context, string, time.Duration) {}

type testHarness struct {
	engine  *Engine
	manager *sandbox.Manager
	tasks   *task.Manager
	client  *fakeRuntime
	sb      sandbox.Sandbox
}

func newTestHarness(t *testing.T, config Config) *testHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	client := newFakeRuntime()
	store := sandbox.NewStore()
	manager := sandbox.NewManager(logger, store, client, noopResolver{}, sandbox.ManagerConfig{
		Image:        "python:3.12-slim",
		MaxSandboxes: 8,
		WorkDir:      "/workspace",
	})
	tasks := task.NewManager(logger, task.Config{Workers: 2, QueueSize: 16})
	t.Cleanup(tasks.Close)

	sb, err := manager.CreateSandbox(context.Background(), "eng-test", sandbox.Limits{}, "")
	require.NoError(t, err)

	return &testHarness{
		engine:  New(logger, manager, tasks, client, config),
		manager: manager,
		tasks:   tasks,
		client:  client,
		sb:      sb,
	}
}

// newBudgetHarness builds an engine over a sandbox with a disk budget.
func newBudgetHarness(t *testing.T, diskBytes int64) (*Engine, sandbox.Sandbox, *fakeRuntime) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	client := newFakeRuntime()
	store := sandbox.NewStore()
	manager := sandbox.NewManager(logger, store, client, noopResolver{}, sandbox.ManagerConfig{
		Image:         "python:3.12-slim",
		MaxSandboxes:  8,
		WorkDir:       "/workspace",
		DefaultLimits: sandbox.Limits{DiskBytes: diskBytes},
	})
	tasks := task.NewManager(logger, task.Config{Workers: 2, QueueSize: 16})
	t.Cleanup(tasks.Close)
	eng := New(logger, manager, tasks, client, Config{})

	sb, err := manager.CreateSandbox(context.Background(), "budget", sandbox.Limits{}, "")
	require.NoError(t, err)
	return eng, sb, client
}

func (h *testHarness) await(t *testing.T, snap task.Snapshot) task.Snapshot {
	t.Helper()
	done, err := h.tasks.Await(context.Background(), snap.ID, 5*time.Second)
	require.NoError(t, err)
	return done
}

func TestEngine_RunCode(t *testing.T) {
	t.Run("successful execution returns output", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("python3 ", runtime.ExecResult{Stdout: []byte("2\n")})

		snap, err := h.engine.RunCode(h.sb.ID, "print(1+1)", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)

		out, ok := done.Result.(ExecOutput)
		require.True(t, ok)
		assert.Equal(t, "2\n", out.Stdout)
		assert.Equal(t, 0, out.ExitCode)
		assert.False(t, out.Truncated)

		// The staged code file is cleaned up afterwards.
		assert.True(t, h.client.calledWith("rm -f /workspace/.run-"))
	})

	t.Run("non-zero exit is a completed task", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("python3 ", runtime.ExecResult{
			Stderr:   []byte("Traceback (most recent call last)"),
			ExitCode: 1,
		})

		snap, err := h.engine.RunCode(h.sb.ID, "raise ValueError()", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)
		out := done.Result.(ExecOutput)
		assert.Equal(t, 1, out.ExitCode)
		assert.Contains(t, out.Stderr, "Traceback")
	})

	t.Run("oversized output is truncated", func(t *testing.T) {
		h := newTestHarness(t, Config{MaxOutputBytes: 8})
		h.client.scriptExec("python3 ", runtime.ExecResult{Stdout: []byte("0123456789abcdef")})

		snap, err := h.engine.RunCode(h.sb.ID, "print('x'*1000)", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		out := done.Result.(ExecOutput)
		assert.Equal(t, "01234567", out.Stdout)
		assert.True(t, out.Truncated)
	})

	t.Run("unknown sandbox is rejected before task creation", func(t *testing.T) {
		h := newTestHarness(t, Config{})

		_, err := h.engine.RunCode("no-such-sandbox", "print(1)", 0)
		assert.True(t, sanderr.IsNotFound(err))
	})

	t.Run("destroyed sandbox is rejected", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		require.NoError(t, h.manager.DestroySandbox(context.Background(), h.sb.ID))

		_, err := h.engine.RunCode(h.sb.ID, "print(1)", 0)
		assert.True(t, sanderr.IsSandboxNotActive(err))
	})
}

func TestEngine_RunCommand(t *testing.T) {
	t.Run("runs command through shell", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("sh -c echo hello", runtime.ExecResult{Stdout: []byte("hello\n")})

		snap, err := h.engine.RunCommand(h.sb.ID, "echo hello", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)
		assert.Equal(t, "hello\n", done.Result.(ExecOutput).Stdout)
	})

	t.Run("runtime failure fails the task", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.execErr = sanderr.New(sanderr.CodeRuntimeUnavailable, "daemon down")

		snap, err := h.engine.RunCommand(h.sb.ID, "echo hi", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateFailed, done.State)
		assert.True(t, sanderr.IsRuntimeUnavailable(done.Err))
	})

	t.Run("slow command times out", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		// The fake honors ctx, so a blocked context check suffices.
		h.client.mu.Lock()
		h.client.execs["sh -c sleep"] = runtime.ExecResult{}
		h.client.mu.Unlock()

		snap, err := h.engine.RunCommand(h.sb.ID, "sleep 60", 10*time.Millisecond)
		require.NoError(t, err)

		// Let the deadline expire before the worker reaches Exec.
		time.Sleep(30 * time.Millisecond)
		done := h.await(t, snap)
		if done.State == task.StateTimedOut {
			assert.True(t, sanderr.IsExecutionTimeout(done.Err) || done.Err != nil)
		} else {
			// The worker may have won the race; either way terminal.
			assert.True(t, done.State.Terminal())
		}
	})
}

func TestEngine_InstallPackages(t *testing.T) {
	t.Run("all packages succeed", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("pip install ", runtime.ExecResult{})

		snap, err := h.engine.InstallPackages(h.sb.ID, []string{"requests", "numpy"}, "", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)

		result := done.Result.(InstallResult)
		assert.Equal(t, []string{"requests", "numpy"}, result.Installed)
		assert.Empty(t, result.Failed)

		// Installed packages land in the sandbox record.
		sb, err := h.manager.GetSandbox(h.sb.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"requests", "numpy"}, sb.Packages)
	})

	t.Run("partial failure is a completed task with detail", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("pip install requests", runtime.ExecResult{})
		h.client.scriptExec("pip install no-such-pkg", runtime.ExecResult{
			Stderr:   []byte("ERROR: No matching distribution found"),
			ExitCode: 1,
		})

		snap, err := h.engine.InstallPackages(h.sb.ID, []string{"requests", "no-such-pkg"}, "", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)

		result := done.Result.(InstallResult)
		assert.Equal(t, []string{"requests"}, result.Installed)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, "no-such-pkg", result.Failed[0].Name)
		assert.Contains(t, result.Failed[0].Output, "No matching distribution")
	})

	t.Run("index url flows into the install command", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("pip install ", runtime.ExecResult{})

		snap, err := h.engine.InstallPackages(h.sb.ID, []string{"flask"}, "https://mirror.example/simple", 0)
		require.NoError(t, err)
		h.await(t, snap)

		assert.True(t, h.client.calledWith("pip install --index-url https://mirror.example/simple flask"))
	})

	t.Run("uv installer uses uv pip", func(t *testing.T) {
		h := newTestHarness(t, Config{Installer: "uv"})
		h.client.scriptExec("uv pip install ", runtime.ExecResult{})

		snap, err := h.engine.InstallPackages(h.sb.ID, []string{"flask"}, "", 0)
		require.NoError(t, err)
		h.await(t, snap)

		assert.True(t, h.client.calledWith("uv pip install --system flask"))
	})

	t.Run("empty package list is rejected", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		_, err := h.engine.InstallPackages(h.sb.ID, nil, "", 0)
		assert.Error(t, err)
	})
}

func TestEngine_UploadFile(t *testing.T) {
	t.Run("relative path lands under the working directory", func(t *testing.T) {
		h := newTestHarness(t, Config{})

		snap, err := h.engine.UploadFile(h.sb.ID, "data/input.csv", []byte("a,b\n1,2\n"), 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)
		assert.Equal(t, "/workspace/data/input.csv", done.Result.(FileData).Path)

		h.client.mu.Lock()
		defer h.client.mu.Unlock()
		assert.Equal(t, []byte("a,b\n1,2\n"), h.client.files["/workspace/data/input.csv"])
	})

	t.Run("path traversal is rejected synchronously", func(t *testing.T) {
		h := newTestHarness(t, Config{})

		_, err := h.engine.UploadFile(h.sb.ID, "../../etc/passwd", []byte("x"), 0)
		assert.True(t, sanderr.IsPathConflict(err))

		_, err = h.engine.UploadFile(h.sb.ID, "/etc/passwd", []byte("x"), 0)
		assert.True(t, sanderr.IsPathConflict(err))
	})

	t.Run("oversized payload exceeds disk budget", func(t *testing.T) {
		eng, sb, _ := newBudgetHarness(t, 16)

		_, err := eng.UploadFile(sb.ID, "big.bin", make([]byte, 64), 0)
		assert.True(t, sanderr.IsQuotaExceeded(err))
	})

	t.Run("existing usage counts against budget", func(t *testing.T) {
		eng, sb, client := newBudgetHarness(t, 100)
		client.scriptExec("du -sb", runtime.ExecResult{Stdout: []byte("50\t/workspace\n")})

		snap, err := eng.UploadFile(sb.ID, "more.bin", make([]byte, 60), 0)
		require.NoError(t, err)

		done, err := eng.AwaitTask(context.Background(), snap.ID, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, task.StateFailed, done.State)
		assert.True(t, sanderr.IsQuotaExceeded(done.Err))
	})
}

func TestEngine_DownloadFile(t *testing.T) {
	t.Run("round trips uploaded bytes", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.mu.Lock()
		h.client.files["/workspace/out.txt"] = []byte("result")
		h.client.mu.Unlock()

		snap, err := h.engine.DownloadFile(h.sb.ID, "out.txt", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateCompleted, done.State)
		file := done.Result.(FileData)
		assert.Equal(t, "/workspace/out.txt", file.Path)
		assert.Equal(t, []byte("result"), file.Content)
	})

	t.Run("missing file fails with not found", func(t *testing.T) {
		h := newTestHarness(t, Config{})

		snap, err := h.engine.DownloadFile(h.sb.ID, "ghost.txt", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateFailed, done.State)
		assert.True(t, sanderr.IsNotFound(done.Err))
	})

	t.Run("traversal is rejected", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		_, err := h.engine.DownloadFile(h.sb.ID, "../secrets", 0)
		assert.True(t, sanderr.IsPathConflict(err))
	})
}

func TestEngine_ListDirectory(t *testing.T) {
	t.Run("lists entries", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("ls -1A /workspace", runtime.ExecResult{Stdout: []byte("a.py\nb.txt\n.hidden\n")})

		snap, err := h.engine.ListDirectory(h.sb.ID, "", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		listing := done.Result.(DirListing)
		assert.Equal(t, "/workspace", listing.Path)
		assert.Equal(t, []string{"a.py", "b.txt", ".hidden"}, listing.Entries)
	})

	t.Run("missing directory fails with not found", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("ls -1A", runtime.ExecResult{
			Stderr:   []byte("ls: /workspace/nope: No such file or directory"),
			ExitCode: 2,
		})

		snap, err := h.engine.ListDirectory(h.sb.ID, "nope", 0)
		require.NoError(t, err)

		done := h.await(t, snap)
		assert.Equal(t, task.StateFailed, done.State)
		assert.True(t, sanderr.IsNotFound(done.Err))
	})
}

func TestEngine_Submit(t *testing.T) {
	t.Run("dispatches by kind", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		h.client.scriptExec("sh -c ", runtime.ExecResult{Stdout: []byte("ok\n")})

		snap, err := h.engine.Submit(h.sb.ID, task.KindRunCommand, Payload{Command: "true"}, 0)
		require.NoError(t, err)
		assert.Equal(t, task.KindRunCommand, snap.Kind)
		h.await(t, snap)
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		h := newTestHarness(t, Config{})
		_, err := h.engine.Submit(h.sb.ID, task.Kind("reboot-host"), Payload{}, 0)
		assert.Error(t, err)
	})
}

func TestEngine_TaskAccessors(t *testing.T) {
	h := newTestHarness(t, Config{})
	h.client.scriptExec("sh -c ", runtime.ExecResult{})

	snap, err := h.engine.RunCommand(h.sb.ID, "true", 0)
	require.NoError(t, err)

	polled, err := h.engine.PollTask(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, polled.ID)

	done, err := h.engine.AwaitTask(context.Background(), snap.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, done.State)

	_, err = h.engine.PollTask("unknown")
	assert.True(t, sanderr.IsNotFound(err))
}

func TestResolveSandboxPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "relative file", input: "a.txt", want: "/workspace/a.txt"},
		{name: "nested relative", input: "data/x/y.csv", want: "/workspace/data/x/y.csv"},
		{name: "absolute inside workdir", input: "/workspace/a.txt", want: "/workspace/a.txt"},
		{name: "workdir itself", input: "/workspace", want: "/workspace"},
		{name: "dot", input: ".", want: "/workspace"},
		{name: "traversal", input: "../../etc/passwd", wantErr: true},
		{name: "absolute outside", input: "/etc/passwd", wantErr: true},
		{name: "sneaky traversal", input: "data/../../other", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSandboxPath("/workspace", tt.input)
			if tt.wantErr {
				assert.True(t, sanderr.IsPathConflict(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
