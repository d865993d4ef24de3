// Package main is the entry point for the sandboxd MCP server.
//
// The sandboxd server implements a configurable Model Context Protocol (MCP)
// server that manages isolated, disposable sandboxes and runs code, shell
// commands, package installs, and file transfers inside them as cancellable
// asynchronous tasks. The server supports both stdio and HTTP transports and
// enforces resource limits, network isolation, and path traversal protection.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/engine"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/runtime"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/task"
)

func newRuntimeClient(cfg *config.Config, log *zap.Logger) (runtime.Client, error) {
	return runtime.NewClient(log, &runtime.Config{
		Backend: cfg.Runtime.Backend,
		Binary:  cfg.Runtime.Binary,
	})
}

func newTaskManager(cfg *config.Config, log *zap.Logger) *task.Manager {
	return task.NewManager(log, task.Config{
		Workers:        cfg.Tasks.Workers,
		QueueSize:      cfg.Tasks.QueueSize,
		DefaultTimeout: cfg.DefaultTaskTimeout(),
		MaxTimeout:     cfg.MaxTaskTimeout(),
		Retention:      cfg.TaskRetention(),
	})
}

func newSandboxManager(cfg *config.Config, log *zap.Logger, store *sandbox.Store, client runtime.Client, tasks *task.Manager) *sandbox.Manager {
	return sandbox.NewManager(log, store, client, tasks, sandbox.ManagerConfig{
		Image:        cfg.Runtime.Image,
		MaxSandboxes: cfg.Sandbox.MaxSandboxes,
		DefaultLimits: sandbox.Limits{
			MemoryMB:  cfg.Sandbox.MemoryMB,
			CPUs:      cfg.Sandbox.CPUs,
			DiskBytes: cfg.DiskBytes(),
		},
		WorkDir:         cfg.Sandbox.WorkDir,
		DataDir:         cfg.Runtime.DataDir,
		NetworkEnabled:  cfg.Runtime.NetworkEnabled,
		IdleTimeout:     cfg.IdleTimeout(),
		ReclaimInterval: cfg.ReclaimInterval(),
		DestroyGrace:    cfg.DestroyGrace(),
		RecordRetention: cfg.RecordRetention(),
		CreateRetries:   cfg.Sandbox.CreateRetries,
		RetryBackoff:    cfg.RetryBackoff(),
	})
}

func newEngine(cfg *config.Config, log *zap.Logger, manager *sandbox.Manager, tasks *task.Manager, client runtime.Client) *engine.Engine {
	return engine.New(log, manager, tasks, client, engine.Config{
		Interpreter:    cfg.Exec.Interpreter,
		Installer:      cfg.Packages.Installer,
		IndexURL:       cfg.Packages.IndexURL,
		MaxOutputBytes: cfg.MaxOutputBytes(),
	})
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Sandbox record store
			sandbox.NewStore,

			// Container runtime client based on config
			newRuntimeClient,

			// Task scheduler
			newTaskManager,

			// Sandbox lifecycle manager
			newSandboxManager,

			// Execution engine
			newEngine,

			// MCP Server
			mcpserver.New,
		),

		// Background reclamation and orderly shutdown
		fx.Invoke(
			func(lc fx.Lifecycle, manager *sandbox.Manager, tasks *task.Manager) {
				lc.Append(fx.Hook{
					OnStart: func(_ context.Context) error {
						go manager.Run(context.Background())
						return nil
					},
					OnStop: func(ctx context.Context) error {
						manager.Stop()
						err := manager.Close(ctx)
						tasks.Close()
						return err
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
