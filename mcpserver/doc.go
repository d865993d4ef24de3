// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes tools
// for sandbox lifecycle (create_sandbox, list_sandboxes, destroy_sandbox),
// execution (execute_code, execute_command, install_packages), file transfer
// (upload_file, download_file, list_directory) and task control (poll_task,
// await_task, cancel_task). It uses the mark3labs/mcp-go library to handle
// the protocol details.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, manager, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
