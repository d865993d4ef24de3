// Package runtime wraps the container runtime behind a narrow client
// interface.
//
// The runtime package is the only part of the engine that talks to the
// container runtime. It exposes create/remove/exec/copy/inspect
// primitives and classifies runtime failures into the sanderr taxonomy:
// an unreachable daemon becomes RuntimeUnavailable, a missing container
// becomes NotFound, and in-container failures stay ordinary exit codes
// inside ExecResult. Docker and Podman backends are supported through
// their command-line interfaces.
//
// Usage:
//
//	client, err := runtime.NewClient(logger, &runtime.Config{Backend: "docker"})
//	ref, err := client.CreateContainer(ctx, runtime.ContainerSpec{
//	    Name:  "sandbox-demo",
//	    Image: "python:3.11-slim",
//	})
package runtime
