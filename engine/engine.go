package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/runtime"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/sanderr"
	"github.com/isdmx/sandboxd/task"
)

// Config parameterizes the execution engine.
type Config struct {
	Interpreter    string // interpreter binary inside the container
	Installer      string // "pip" or "uv"
	IndexURL       string // optional package index mirror
	MaxOutputBytes int    // stdout/stderr cap per stream
}

// ExecOutput is the result of a code or command execution. A non-zero
// ExitCode means the program failed, not the task.
type ExecOutput struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated"`
}

// PackageFailure describes one package that could not be installed.
type PackageFailure struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

// InstallResult reports a package install, including partial failures.
type InstallResult struct {
	Installed []string         `json:"installed"`
	Failed    []PackageFailure `json:"failed"`
}

// FileData is the payload of a file download.
type FileData struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// DirListing is the payload of a directory listing.
type DirListing struct {
	Path    string   `json:"path"`
	Entries []string `json:"entries"`
}

// Payload carries the operation-specific arguments of a submission.
type Payload struct {
	Code     string
	Command  string
	Packages []string
	IndexURL string
	Path     string
	Data     []byte
}

// Engine schedules sandbox operations through the task manager.
type Engine struct {
	logger  *zap.Logger
	manager *sandbox.Manager
	tasks   *task.Manager
	client  runtime.Client
	config  Config
}

// New creates the execution engine.
func New(logger *zap.Logger, manager *sandbox.Manager, tasks *task.Manager, client runtime.Client, config Config) *Engine {
	if config.Interpreter == "" {
		config.Interpreter = "python3"
	}
	if config.Installer == "" {
		config.Installer = "pip"
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 64 * 1024
	}
	return &Engine{
		logger:  logger,
		manager: manager,
		tasks:   tasks,
		client:  client,
		config:  config,
	}
}

// Submit schedules one operation of the given kind. The kind set is
// closed; anything else is rejected here.
func (e *Engine) Submit(sandboxID string, kind task.Kind, payload Payload, timeout time.Duration) (task.Snapshot, error) {
	switch kind {
	case task.KindRunCode:
		return e.RunCode(sandboxID, payload.Code, timeout)
	case task.KindRunCommand:
		return e.RunCommand(sandboxID, payload.Command, timeout)
	case task.KindInstallPackages:
		return e.InstallPackages(sandboxID, payload.Packages, payload.IndexURL, timeout)
	case task.KindUploadFile:
		return e.UploadFile(sandboxID, payload.Path, payload.Data, timeout)
	case task.KindDownloadFile:
		return e.DownloadFile(sandboxID, payload.Path, timeout)
	case task.KindListDir:
		return e.ListDirectory(sandboxID, payload.Path, timeout)
	default:
		return task.Snapshot{}, fmt.Errorf("unsupported task kind: %s", kind)
	}
}

// RunCode executes source code with the configured interpreter inside
// the sandbox. The code is staged as a hidden file in the working
// directory and removed afterwards.
func (e *Engine) RunCode(sandboxID, code string, timeout time.Duration) (task.Snapshot, error) {
	sb, err := e.requireActive(sandboxID)
	if err != nil {
		return task.Snapshot{}, err
	}

	codePath := path.Join(sb.WorkDir, fmt.Sprintf(".run-%.8s.py", uuid.NewString()))
	return e.tasks.Submit(sb.ID, task.KindRunCode, timeout, func(ctx context.Context) (any, error) {
		if copyErr := e.client.CopyIn(ctx, sb.Container, codePath, []byte(code)); copyErr != nil {
			return nil, e.infraError(copyErr, sb.ID)
		}
		defer func() {
			// Best effort; the file is confined to the sandbox anyway.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = e.client.Exec(cleanupCtx, sb.Container, []string{"rm", "-f", codePath}, "")
		}()

		result, execErr := e.client.Exec(ctx, sb.Container, []string{e.config.Interpreter, codePath}, sb.WorkDir)
		if execErr != nil {
			return nil, e.infraError(execErr, sb.ID)
		}
		return e.capOutput(result), nil
	})
}

// RunCommand executes an arbitrary shell command inside the sandbox.
func (e *Engine) RunCommand(sandboxID, command string, timeout time.Duration) (task.Snapshot, error) {
	sb, err := e.requireActive(sandboxID)
	if err != nil {
		return task.Snapshot{}, err
	}

	return e.tasks.Submit(sb.ID, task.KindRunCommand, timeout, func(ctx context.Context) (any, error) {
		result, execErr := e.client.Exec(ctx, sb.Container, []string{"sh", "-c", command}, sb.WorkDir)
		if execErr != nil {
			return nil, e.infraError(execErr, sb.ID)
		}
		return e.capOutput(result), nil
	})
}

// InstallPackages installs packages one at a time so the result can
// report exactly which succeeded and which failed. Partial failure is a
// Completed task with a structured result, never a task failure.
func (e *Engine) InstallPackages(sandboxID string, packages []string, indexURL string, timeout time.Duration) (task.Snapshot, error) {
	sb, err := e.requireActive(sandboxID)
	if err != nil {
		return task.Snapshot{}, err
	}
	if len(packages) == 0 {
		return task.Snapshot{}, fmt.Errorf("no packages requested")
	}
	if indexURL == "" {
		indexURL = e.config.IndexURL
	}

	return e.tasks.Submit(sb.ID, task.KindInstallPackages, timeout, func(ctx context.Context) (any, error) {
		install := InstallResult{}
		for _, pkg := range packages {
			if ctx.Err() != nil {
				return install, ctx.Err()
			}

			cmd := e.installCommand(pkg, indexURL)
			result, execErr := e.client.Exec(ctx, sb.Container, cmd, sb.WorkDir)
			if execErr != nil {
				return install, e.infraError(execErr, sb.ID)
			}
			if result.ExitCode == 0 {
				install.Installed = append(install.Installed, pkg)
				continue
			}
			install.Failed = append(install.Failed, PackageFailure{
				Name:   pkg,
				Output: string(result.Stderr),
			})
		}

		if len(install.Installed) > 0 {
			if recErr := e.manager.RecordPackages(sb.ID, install.Installed); recErr != nil {
				e.logger.Warn("could not record installed packages",
					zap.String("sandbox_id", sb.ID), zap.Error(recErr))
			}
		}
		return install, nil
	})
}

// UploadFile writes bytes into the sandbox's working area. The path is
// validated synchronously: a traversal outside the working directory is
// rejected with PathConflict before any task exists or bytes move.
func (e *Engine) UploadFile(sandboxID, destPath string, data []byte, timeout time.Duration) (task.Snapshot, error) {
	sb, err := e.requireActive(sandboxID)
	if err != nil {
		return task.Snapshot{}, err
	}

	resolved, err := resolveSandboxPath(sb.WorkDir, destPath)
	if err != nil {
		return task.Snapshot{}, err
	}
	if sb.Limits.DiskBytes > 0 && int64(len(data)) > sb.Limits.DiskBytes {
		return task.Snapshot{}, sanderr.Newf(sanderr.CodeQuotaExceeded,
			"upload of %d bytes exceeds disk budget of %d bytes", len(data), sb.Limits.DiskBytes).WithSandbox(sb.ID)
	}

	return e.tasks.Submit(sb.ID, task.KindUploadFile, timeout, func(ctx context.Context) (any, error) {
		if sb.Limits.DiskBytes > 0 {
			used, usageErr := e.diskUsage(ctx, sb)
			if usageErr != nil {
				return nil, usageErr
			}
			if used+int64(len(data)) > sb.Limits.DiskBytes {
				return nil, sanderr.Newf(sanderr.CodeQuotaExceeded,
					"disk budget exhausted: %d of %d bytes used", used, sb.Limits.DiskBytes).WithSandbox(sb.ID)
			}
		}
		if copyErr := e.client.CopyIn(ctx, sb.Container, resolved, data); copyErr != nil {
			return nil, e.infraError(copyErr, sb.ID)
		}
		return FileData{Path: resolved}, nil
	})
}

// DownloadFile reads a file out of the sandbox.
func (e *Engine) DownloadFile(sandboxID, srcPath string, timeout time.Duration) (task.Snapshot, error) {
	sb, err := e.requireActive(sandboxID)
	if err != nil {
		return task.Snapshot{}, err
	}

	resolved, err := resolveSandboxPath(sb.WorkDir, srcPath)
	if err != nil {
		return task.Snapshot{}, err
	}

	return e.tasks.Submit(sb.ID, task.KindDownloadFile, timeout, func(ctx context.Context) (any, error) {
		data, copyErr := e.client.CopyOut(ctx, sb.Container, resolved)
		if copyErr != nil {
			if sanderr.IsNotFound(copyErr) {
				return nil, copyErr
			}
			return nil, e.infraError(copyErr, sb.ID)
		}
		return FileData{Path: resolved, Content: data}, nil
	})
}

// ListDirectory lists a directory inside the sandbox.
func (e *Engine) ListDirectory(sandboxID, dirPath string, timeout time.Duration) (task.Snapshot, error) {
	sb, err := e.requireActive(sandboxID)
	if err != nil {
		return task.Snapshot{}, err
	}

	if dirPath == "" {
		dirPath = sb.WorkDir
	}
	resolved, err := resolveSandboxPath(sb.WorkDir, dirPath)
	if err != nil {
		return task.Snapshot{}, err
	}

	return e.tasks.Submit(sb.ID, task.KindListDir, timeout, func(ctx context.Context) (any, error) {
		result, execErr := e.client.Exec(ctx, sb.Container, []string{"ls", "-1A", resolved}, "")
		if execErr != nil {
			return nil, e.infraError(execErr, sb.ID)
		}
		if result.ExitCode != 0 {
			return nil, sanderr.Newf(sanderr.CodeNotFound,
				"directory %s not found: %s", resolved, strings.TrimSpace(string(result.Stderr))).WithSandbox(sb.ID)
		}

		listing := DirListing{Path: resolved}
		for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
			if line != "" {
				listing.Entries = append(listing.Entries, line)
			}
		}
		return listing, nil
	})
}

// PollTask returns the task's current snapshot.
func (e *Engine) PollTask(id string) (task.Snapshot, error) {
	return e.tasks.Poll(id)
}

// AwaitTask blocks until the task is terminal or timeout elapses.
func (e *Engine) AwaitTask(ctx context.Context, id string, timeout time.Duration) (task.Snapshot, error) {
	return e.tasks.Await(ctx, id, timeout)
}

// CancelTask requests cooperative cancellation.
func (e *Engine) CancelTask(id string) error {
	return e.tasks.Cancel(id)
}

// requireActive resolves the sandbox, rejects anything not Active, and
// records the activity.
func (e *Engine) requireActive(idOrName string) (sandbox.Sandbox, error) {
	sb, err := e.manager.GetSandbox(idOrName)
	if err != nil {
		return sandbox.Sandbox{}, err
	}
	if sb.State != sandbox.StateActive {
		return sandbox.Sandbox{}, sanderr.Newf(sanderr.CodeSandboxNotActive,
			"sandbox %s is %s", sb.ID, sb.State).WithSandbox(sb.ID)
	}
	if touchErr := e.manager.Touch(sb.ID); touchErr != nil {
		e.logger.Warn("could not touch sandbox", zap.String("sandbox_id", sb.ID), zap.Error(touchErr))
	}
	return sb, nil
}

// infraError folds runtime-level failures into the taxonomy with the
// sandbox attached. Context errors pass through so the task manager can
// classify deadline against cancellation.
func (e *Engine) infraError(err error, sandboxID string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var structured *sanderr.Error
	if errors.As(err, &structured) {
		return err
	}
	return sanderr.New(sanderr.CodeInternal, "runtime operation failed").WithSandbox(sandboxID).WithCause(err)
}

func (e *Engine) installCommand(pkg, indexURL string) []string {
	var cmd []string
	switch e.config.Installer {
	case "uv":
		cmd = []string{"uv", "pip", "install", "--system"}
	default:
		cmd = []string{"pip", "install"}
	}
	if indexURL != "" {
		cmd = append(cmd, "--index-url", indexURL)
	}
	return append(cmd, pkg)
}

func (e *Engine) capOutput(result runtime.ExecResult) ExecOutput {
	out := ExecOutput{ExitCode: result.ExitCode}
	limit := e.config.MaxOutputBytes

	stdout := result.Stdout
	if len(stdout) > limit {
		stdout = stdout[:limit]
		out.Truncated = true
	}
	stderr := result.Stderr
	if len(stderr) > limit {
		stderr = stderr[:limit]
		out.Truncated = true
	}
	out.Stdout = string(stdout)
	out.Stderr = string(stderr)
	return out
}

// diskUsage measures the sandbox's working directory in bytes.
func (e *Engine) diskUsage(ctx context.Context, sb sandbox.Sandbox) (int64, error) {
	result, err := e.client.Exec(ctx, sb.Container, []string{"du", "-sb", sb.WorkDir}, "")
	if err != nil {
		return 0, e.infraError(err, sb.ID)
	}
	if result.ExitCode != 0 {
		// An unmeasurable workdir should not block uploads.
		return 0, nil
	}
	fields := strings.Fields(string(result.Stdout))
	if len(fields) == 0 {
		return 0, nil
	}
	var used int64
	if _, scanErr := fmt.Sscanf(fields[0], "%d", &used); scanErr != nil {
		return 0, nil
	}
	return used, nil
}

// resolveSandboxPath confines a caller-supplied path to the sandbox's
// working directory. Relative paths are joined to the work dir; any
// result escaping it is a PathConflict.
func resolveSandboxPath(workDir, p string) (string, error) {
	if p == "" {
		return "", sanderr.New(sanderr.CodePathConflict, "empty path")
	}

	resolved := p
	if !path.IsAbs(resolved) {
		resolved = path.Join(workDir, resolved)
	} else {
		resolved = path.Clean(resolved)
	}

	if resolved != workDir && !strings.HasPrefix(resolved, workDir+"/") {
		return "", sanderr.Newf(sanderr.CodePathConflict,
			"path %q escapes sandbox working directory %s", p, workDir)
	}
	return resolved, nil
}
