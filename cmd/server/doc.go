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
