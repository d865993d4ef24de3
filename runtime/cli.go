// Package runtime wraps the container runtime behind a narrow client
// interface.
//
// The CLIClient drives the runtime through its command-line binary. It
// creates long-lived containers (pid 1 is a sleep) with security
// constraints applied: memory and CPU ceilings, dropped capabilities,
// no-new-privileges, and network disabled unless explicitly enabled.
package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// CLIClient implements Client by shelling out to a docker-compatible binary.
type CLIClient struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
	fs        FileSystem
}

// CLIClientOption defines a functional option for CLIClient
type CLIClientOption func(*CLIClient)

// WithCommandRunner sets the CommandRunner for CLIClient
func WithCommandRunner(cmdRunner CommandRunner) CLIClientOption {
	return func(c *CLIClient) {
		c.cmdRunner = cmdRunner
	}
}

// WithFileSystem sets the FileSystem for CLIClient
func WithFileSystem(fs FileSystem) CLIClientOption {
	return func(c *CLIClient) {
		c.fs = fs
	}
}

// NewCLIClient creates a client for the given runtime binary.
func NewCLIClient(logger *zap.Logger, binary string, opts ...CLIClientOption) *CLIClient {
	client := &CLIClient{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// CreateContainer creates and starts a long-lived container.
func (c *CLIClient) CreateContainer(ctx context.Context, spec ContainerSpec) (ContainerRef, error) {
	args := []string{
		c.binary, "create",
		"--name", spec.Name,
		"--workdir", spec.WorkDir,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", spec.CPUs))
	}
	if spec.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if spec.MountDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", spec.MountDir, spec.WorkDir))
	}
	for key, value := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}
	// Keep pid 1 parked so exec sessions have a running container to join.
	args = append(args, spec.Image, "sleep", "infinity")

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return ContainerRef{}, classifyRunError(err)
	}
	if exitCode != 0 {
		return ContainerRef{}, classifyCLIFailure("create container", stderr)
	}

	ref := ContainerRef{ID: strings.TrimSpace(stdout), Name: spec.Name}

	_, stderr, exitCode, err = c.cmdRunner.RunCommand(ctx, []string{c.binary, "start", spec.Name})
	if err != nil || exitCode != 0 {
		// Never leave a created-but-unstarted container behind.
		if rmErr := c.RemoveContainer(ctx, ref); rmErr != nil {
			c.logger.Error("failed to remove container after start failure",
				zap.String("container", spec.Name), zap.Error(rmErr))
		}
		if err != nil {
			return ContainerRef{}, classifyRunError(err)
		}
		return ContainerRef{}, classifyCLIFailure("start container", stderr)
	}

	c.logger.Debug("container started",
		zap.String("container", spec.Name),
		zap.String("container_id", ref.ID),
		zap.String("image", spec.Image))
	return ref, nil
}

// RemoveContainer force-removes the container. Already gone is success.
func (c *CLIClient) RemoveContainer(ctx context.Context, ref ContainerRef) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.binary, "rm", "-f", ref.Name})
	if err != nil {
		return classifyRunError(err)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return nil
		}
		return classifyCLIFailure("remove container", stderr)
	}
	return nil
}

// Exec runs a command inside the container and captures its output.
func (c *CLIClient) Exec(ctx context.Context, ref ContainerRef, command []string, workdir string) (ExecResult, error) {
	args := []string{c.binary, "exec"}
	if workdir != "" {
		args = append(args, "--workdir", workdir)
	}
	args = append(args, ref.Name)
	args = append(args, command...)

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return ExecResult{}, classifyRunError(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The runner may have reaped a killed process without reporting
		// it; a result produced past the deadline is not a result.
		return ExecResult{}, ctxErr
	}
	if exitCode != 0 && isNoSuchContainer(stderr) {
		return ExecResult{}, containerGone(ref)
	}
	if exitCode != 0 && isDaemonUnreachable(stderr) {
		return ExecResult{}, classifyCLIFailure("exec", stderr)
	}

	return ExecResult{
		Stdout:   []byte(stdout),
		Stderr:   []byte(stderr),
		ExitCode: exitCode,
	}, nil
}

// CopyIn streams bytes into the container at the given path.
func (c *CLIClient) CopyIn(ctx context.Context, ref ContainerRef, path string, data []byte) error {
	tempDir, err := c.fs.MkdirTemp("", "sandboxd-copyin-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := c.fs.RemoveAll(tempDir); rmErr != nil {
			c.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	src := filepath.Join(tempDir, filepath.Base(path))
	if writeErr := c.fs.WriteFile(src, data, FilePermission); writeErr != nil {
		return fmt.Errorf("failed to stage upload: %w", writeErr)
	}

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{
		c.binary, "cp", src, fmt.Sprintf("%s:%s", ref.Name, path),
	})
	if err != nil {
		return classifyRunError(err)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return containerGone(ref)
		}
		return classifyCLIFailure("copy into container", stderr)
	}
	return nil
}

// CopyOut reads a file from the container.
func (c *CLIClient) CopyOut(ctx context.Context, ref ContainerRef, path string) ([]byte, error) {
	tempDir, err := c.fs.MkdirTemp("", "sandboxd-copyout-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := c.fs.RemoveAll(tempDir); rmErr != nil {
			c.logger.Error("failed to remove temp directory", zap.String("path", tempDir), zap.Error(rmErr))
		}
	}()

	dest := filepath.Join(tempDir, filepath.Base(path))
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{
		c.binary, "cp", fmt.Sprintf("%s:%s", ref.Name, path), dest,
	})
	if err != nil {
		return nil, classifyRunError(err)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return nil, containerGone(ref)
		}
		if isNoSuchPath(stderr) {
			return nil, pathMissing(path)
		}
		return nil, classifyCLIFailure("copy out of container", stderr)
	}

	data, err := c.fs.ReadFile(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to read copied file: %w", err)
	}
	return data, nil
}

// Inspect reports whether the container is running.
func (c *CLIClient) Inspect(ctx context.Context, ref ContainerRef) (Status, error) {
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{
		c.binary, "inspect", "-f", "{{.State.Running}}", ref.Name,
	})
	if err != nil {
		return Status{}, classifyRunError(err)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return Status{}, containerGone(ref)
		}
		return Status{}, classifyCLIFailure("inspect container", stderr)
	}

	return Status{Running: strings.TrimSpace(stdout) == "true"}, nil
}
