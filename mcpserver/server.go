package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/engine"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/sanderr"
	"github.com/isdmx/sandboxd/task"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	manager   *sandbox.Manager
	engine    *engine.Engine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, manager *sandbox.Manager, eng *engine.Engine) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		manager: manager,
		engine:  eng,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("runtime.backend", cfg.Runtime.Backend),
		zap.String("runtime.image", cfg.Runtime.Image),
		zap.Bool("runtime.network_enabled", cfg.Runtime.NetworkEnabled),
		zap.Int("sandbox.max_sandboxes", cfg.Sandbox.MaxSandboxes),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Float64("sandbox.cpus", cfg.Sandbox.CPUs),
		zap.Int("tasks.workers", cfg.Tasks.Workers),
		zap.String("packages.installer", cfg.Packages.Installer),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("sandboxd", "A sandbox lifecycle and code execution server")

	s.registerSandboxTools()
	s.registerExecutionTools()
	s.registerFileTools()
	s.registerTaskTools()

	return s, nil
}

// sandboxView is the wire shape of a sandbox record.
type sandboxView struct {
	SandboxID  string   `json:"sandbox_id"`
	Name       string   `json:"name,omitempty"`
	State      string   `json:"state"`
	CreatedAt  string   `json:"created_at"`
	LastActive string   `json:"last_active"`
	MemoryMB   int      `json:"memory_mb"`
	CPUs       float64  `json:"cpus"`
	Packages   []string `json:"packages,omitempty"`
}

// taskView is the wire shape of a task snapshot.
type taskView struct {
	TaskID      string `json:"task_id"`
	SandboxID   string `json:"sandbox_id"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	SubmittedAt string `json:"submitted_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
	Result      any    `json:"result,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newSandboxView(sb sandbox.Sandbox) sandboxView {
	return sandboxView{
		SandboxID:  sb.ID,
		Name:       sb.Name,
		State:      string(sb.State),
		CreatedAt:  sb.CreatedAt.Format(time.RFC3339),
		LastActive: sb.LastActive.Format(time.RFC3339),
		MemoryMB:   sb.Limits.MemoryMB,
		CPUs:       sb.Limits.CPUs,
		Packages:   sb.Packages,
	}
}

func newTaskView(snap task.Snapshot) taskView {
	v := taskView{
		TaskID:      snap.ID,
		SandboxID:   snap.SandboxID,
		Kind:        string(snap.Kind),
		State:       string(snap.State),
		SubmittedAt: snap.SubmittedAt.Format(time.RFC3339),
	}
	if !snap.FinishedAt.IsZero() {
		v.FinishedAt = snap.FinishedAt.Format(time.RFC3339)
	}
	if snap.Result != nil {
		v.Result = encodeResult(snap.Result)
	}
	if snap.Err != nil {
		v.Error = snap.Err.Error()
		v.ErrorCode = string(sanderr.CodeOf(snap.Err))
	}
	return v
}

// encodeResult makes task results JSON-safe. File contents cross the
// protocol as base64.
func encodeResult(result any) any {
	if file, ok := result.(engine.FileData); ok {
		return map[string]any{
			"path":       file.Path,
			"content":    base64.StdEncoding.EncodeToString(file.Content),
			"size_bytes": len(file.Content),
		}
	}
	return result
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	text := err.Error()
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

func (s *MCPServer) registerSandboxTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create an isolated sandbox for code execution",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Optional human-readable name, unique among live sandboxes",
				},
				"image": map[string]any{
					"type":        "string",
					"description": "Container image override (optional)",
				},
				"memory_mb": map[string]any{
					"type":        "number",
					"description": "Memory limit in MB (optional)",
				},
				"cpus": map[string]any{
					"type":        "number",
					"description": "CPU limit (optional)",
				},
			},
		},
	}, s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sandboxes",
		Description: "List sandboxes and their states",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"state": map[string]any{
					"type":        "string",
					"description": "Filter by state (optional)",
					"enum":        []string{"creating", "active", "destroying", "destroyed", "failed"},
				},
			},
		},
	}, s.handleListSandboxes)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "destroy_sandbox",
		Description: "Destroy a sandbox and release its resources. Idempotent.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
			},
			Required: []string{"sandbox"},
		},
	}, s.handleDestroySandbox)
}

func (s *MCPServer) registerExecutionTools() {
	waitProp := map[string]any{
		"type":        "boolean",
		"description": "Wait for the result (default true). When false, returns the task id for polling.",
	}
	timeoutProp := map[string]any{
		"type":        "number",
		"description": "Task timeout in seconds (optional)",
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_code",
		Description: "Execute source code inside a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"timeout_sec": timeoutProp,
				"wait":        waitProp,
			},
			Required: []string{"sandbox", "code"},
		},
	}, s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a shell command inside a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"timeout_sec": timeoutProp,
				"wait":        waitProp,
			},
			Required: []string{"sandbox", "command"},
		},
	}, s.handleExecuteCommand)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "install_packages",
		Description: "Install packages inside a sandbox, reporting per-package success",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
				"packages": map[string]any{
					"type":        "array",
					"description": "Package names to install",
					"items":       map[string]any{"type": "string"},
				},
				"index_url": map[string]any{
					"type":        "string",
					"description": "Package index mirror URL (optional)",
				},
				"timeout_sec": timeoutProp,
				"wait":        waitProp,
			},
			Required: []string{"sandbox", "packages"},
		},
	}, s.handleInstallPackages)
}

func (s *MCPServer) registerFileTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "upload_file",
		Description: "Upload a file into a sandbox's working directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Destination path, relative to the working directory",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Base64-encoded file content",
				},
				"wait": map[string]any{
					"type":        "boolean",
					"description": "Wait for the result (default true)",
				},
			},
			Required: []string{"sandbox", "path", "content"},
		},
	}, s.handleUploadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "download_file",
		Description: "Download a file from a sandbox's working directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Source path, relative to the working directory",
				},
			},
			Required: []string{"sandbox", "path"},
		},
	}, s.handleDownloadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_directory",
		Description: "List a directory inside a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox": map[string]any{
					"type":        "string",
					"description": "Sandbox id or name",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path, defaults to the working directory",
				},
			},
			Required: []string{"sandbox"},
		},
	}, s.handleListDirectory)
}

func (s *MCPServer) registerTaskTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "poll_task",
		Description: "Get the current state and result of a task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "Task id",
				},
			},
			Required: []string{"task_id"},
		},
	}, s.handlePollTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "await_task",
		Description: "Block until a task reaches a terminal state",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "Task id",
				},
				"timeout_sec": map[string]any{
					"type":        "number",
					"description": "Wait timeout in seconds; on expiry the task is marked timed out",
				},
			},
			Required: []string{"task_id"},
		},
	}, s.handleAwaitTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "cancel_task",
		Description: "Cancel a pending or running task",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "Task id",
				},
			},
			Required: []string{"task_id"},
		},
	}, s.handleCancelTask)
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	image := request.GetString("image", "")
	limits := sandbox.Limits{
		MemoryMB: int(request.GetFloat("memory_mb", 0)),
		CPUs:     request.GetFloat("cpus", 0),
	}

	s.logger.Info("sandbox creation requested", zap.String("name", name))

	sb, err := s.manager.CreateSandbox(ctx, name, limits, image)
	if err != nil {
		s.logger.Error("sandbox creation failed", zap.String("name", name), zap.Error(err))
		return errorResult(err), nil
	}

	return jsonResult(newSandboxView(sb))
}

func (s *MCPServer) handleListSandboxes(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := sandbox.Filter{}
	if state := request.GetString("state", ""); state != "" {
		filter.States = []sandbox.State{sandbox.State(state)}
	}

	views := make([]sandboxView, 0)
	for _, sb := range s.manager.ListSandboxes(filter) {
		views = append(views, newSandboxView(sb))
	}
	return jsonResult(map[string]any{"sandboxes": views, "count": len(views)})
}

func (s *MCPServer) handleDestroySandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}

	s.logger.Info("sandbox destruction requested", zap.String("sandbox", id))

	if err := s.manager.DestroySandbox(ctx, id); err != nil {
		s.logger.Error("sandbox destruction failed", zap.String("sandbox", id), zap.Error(err))
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"sandbox": id, "destroyed": true})
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	snap, err := s.engine.RunCode(id, code, s.requestTimeout(request))
	if err != nil {
		return errorResult(err), nil
	}
	return s.resolveSubmission(ctx, request, snap)
}

func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	snap, err := s.engine.RunCommand(id, command, s.requestTimeout(request))
	if err != nil {
		return errorResult(err), nil
	}
	return s.resolveSubmission(ctx, request, snap)
}

func (s *MCPServer) handleInstallPackages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}
	packages := request.GetStringSlice("packages", nil)
	if len(packages) == 0 {
		return nil, fmt.Errorf("packages parameter is required")
	}
	indexURL := request.GetString("index_url", "")

	snap, err := s.engine.InstallPackages(id, packages, indexURL, s.requestTimeout(request))
	if err != nil {
		return errorResult(err), nil
	}
	return s.resolveSubmission(ctx, request, snap)
}

func (s *MCPServer) handleUploadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}
	path, err := request.RequireString("path")
	if err != nil {
		return nil, fmt.Errorf("path parameter is required: %w", err)
	}
	contentB64, err := request.RequireString("content")
	if err != nil {
		return nil, fmt.Errorf("content parameter is required: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}

	snap, err := s.engine.UploadFile(id, path, data, 0)
	if err != nil {
		return errorResult(err), nil
	}
	return s.resolveSubmission(ctx, request, snap)
}

func (s *MCPServer) handleDownloadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}
	path, err := request.RequireString("path")
	if err != nil {
		return nil, fmt.Errorf("path parameter is required: %w", err)
	}

	snap, err := s.engine.DownloadFile(id, path, 0)
	if err != nil {
		return errorResult(err), nil
	}
	return s.awaitAndRender(ctx, snap.ID)
}

func (s *MCPServer) handleListDirectory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox")
	if err != nil {
		return nil, fmt.Errorf("sandbox parameter is required: %w", err)
	}
	path := request.GetString("path", "")

	snap, err := s.engine.ListDirectory(id, path, 0)
	if err != nil {
		return errorResult(err), nil
	}
	return s.awaitAndRender(ctx, snap.ID)
}

func (s *MCPServer) handlePollTask(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return nil, fmt.Errorf("task_id parameter is required: %w", err)
	}

	snap, err := s.engine.PollTask(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(newTaskView(snap))
}

func (s *MCPServer) handleAwaitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return nil, fmt.Errorf("task_id parameter is required: %w", err)
	}
	timeout := time.Duration(request.GetFloat("timeout_sec", 0) * float64(time.Second))

	snap, err := s.engine.AwaitTask(ctx, id, timeout)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(newTaskView(snap))
}

func (s *MCPServer) handleCancelTask(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("task_id")
	if err != nil {
		return nil, fmt.Errorf("task_id parameter is required: %w", err)
	}

	if err := s.engine.CancelTask(id); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"task_id": id, "cancelled": true})
}

// requestTimeout reads the optional per-call timeout override.
func (s *MCPServer) requestTimeout(request mcp.CallToolRequest) time.Duration {
	return time.Duration(request.GetFloat("timeout_sec", 0) * float64(time.Second))
}

// resolveSubmission either awaits the submitted task or hands back its
// id, depending on the wait flag. Waiting is the default so simple
// clients get results in one round trip.
func (s *MCPServer) resolveSubmission(ctx context.Context, request mcp.CallToolRequest, snap task.Snapshot) (*mcp.CallToolResult, error) {
	if !request.GetBool("wait", true) {
		return jsonResult(newTaskView(snap))
	}
	return s.awaitAndRender(ctx, snap.ID)
}

func (s *MCPServer) awaitAndRender(ctx context.Context, taskID string) (*mcp.CallToolResult, error) {
	snap, err := s.engine.AwaitTask(ctx, taskID, 0)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(newTaskView(snap))
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
