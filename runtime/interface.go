package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ContainerRef identifies a container at the runtime.
type ContainerRef struct {
	ID   string
	Name string
}

// ContainerSpec describes the container to create.
type ContainerSpec struct {
	Name           string
	Image          string
	WorkDir        string
	MountDir       string // host directory mounted at WorkDir, empty for none
	MemoryMB       int
	CPUs           float64
	NetworkEnabled bool
	Env            map[string]string
}

// ExecResult holds the outcome of a command run inside a container.
// A non-zero ExitCode is not an error at this layer.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Status reports container liveness from inspect.
type Status struct {
	Running bool
}

// Client is the narrow interface the engine uses to drive the container
// runtime. Implementations must translate runtime-level failures into
// sanderr codes; they never interpret in-container exit codes.
type Client interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (ContainerRef, error)
	// RemoveContainer is idempotent: a container already gone is success.
	RemoveContainer(ctx context.Context, ref ContainerRef) error
	Exec(ctx context.Context, ref ContainerRef, command []string, workdir string) (ExecResult, error)
	CopyIn(ctx context.Context, ref ContainerRef, path string, data []byte) error
	CopyOut(ctx context.Context, ref ContainerRef, path string) ([]byte, error)
	Inspect(ctx context.Context, ref ContainerRef) (Status, error)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	// A context kill surfaces as an ExitError ("signal: killed"); report
	// the context error instead of a fabricated exit code.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", "", 0, ctxErr
	}

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
			err = nil
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)
