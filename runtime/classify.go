package runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/isdmx/sandboxd/sanderr"
)

// Stderr fragments emitted by the docker and podman CLIs. Matching on
// them is the only way to tell "daemon down" from "container gone" when
// driving the runtime through its binary.
var daemonUnreachableMarkers = []string{
	"cannot connect to the docker daemon",
	"is the docker daemon running",
	"unable to connect to podman",
	"connection refused",
	"error validating server",
}

var noSuchContainerMarkers = []string{
	"no such container",
	"no container with name",
}

var noSuchPathMarkers = []string{
	"could not find the file",
	"no such file or directory",
}

func matchesAny(stderr string, markers []string) bool {
	lowered := strings.ToLower(stderr)
	for _, marker := range markers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func isDaemonUnreachable(stderr string) bool { return matchesAny(stderr, daemonUnreachableMarkers) }
func isNoSuchContainer(stderr string) bool   { return matchesAny(stderr, noSuchContainerMarkers) }
func isNoSuchPath(stderr string) bool        { return matchesAny(stderr, noSuchPathMarkers) }

// classifyRunError maps failures to launch the CLI itself. A missing or
// non-executable binary means the runtime is unavailable, not broken input.
func classifyRunError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return sanderr.New(sanderr.CodeRuntimeUnavailable, "container runtime unreachable").WithCause(err)
}

// classifyCLIFailure maps a non-zero CLI exit into the error taxonomy.
func classifyCLIFailure(operation, stderr string) error {
	trimmed := strings.TrimSpace(stderr)
	if isDaemonUnreachable(trimmed) {
		return sanderr.Newf(sanderr.CodeRuntimeUnavailable, "%s: runtime daemon unreachable: %s", operation, trimmed)
	}
	return sanderr.Newf(sanderr.CodeInternal, "%s failed: %s", operation, trimmed)
}

func containerGone(ref ContainerRef) error {
	return sanderr.Newf(sanderr.CodeNotFound, "container %s not found", ref.Name)
}

func pathMissing(path string) error {
	return sanderr.Newf(sanderr.CodeNotFound, "path %s not found in container", path)
}
