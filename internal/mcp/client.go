// Package mcp implements the MCP side of the orchestration pipeline: one
// subprocess-hosted JSON-RPC client per server, and the manager that owns
// every client's lifecycle, routes tool executions, and publishes server
// and tool lifecycle events.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/model"
)

// disconnectGracePeriod bounds the graceful close phase before the server
// process is force-terminated.
const disconnectGracePeriod = 10 * time.Second

// citationsToolName is the optional tool a server may expose to report its
// citation map. Absence is not an error.
const citationsToolName = "get_citations"

// ServerUnreachableError is returned when the transport to a server fails.
type ServerUnreachableError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e *ServerUnreachableError) Error() string {
	return fmt.Sprintf("mcp server unreachable: %s: %v", e.Path, e.Err)
}

func (e *ServerUnreachableError) Unwrap() error {
	return e.Err
}

// NewServerUnreachableError creates a new ServerUnreachableError
func NewServerUnreachableError(path string, err error) *ServerUnreachableError {
	return &ServerUnreachableError{Path: path, Err: err}
}

// Interface guard for ServerUnreachableError
var _ error = &ServerUnreachableError{}

// Client wraps one MCP session over a subprocess-hosted server. The MCP
// protocol requires exactly one concurrent request per session, so the
// client serializes its request pipeline internally.
type Client struct {
	serverPath string
	python     string
	clock      clockwork.Clock

	mcpClient *sdk.Client
	session   *sdk.ClientSession
	cmd       *exec.Cmd

	// requestMu serializes tools/call and tools/list requests.
	requestMu sync.Mutex

	tools []*sdk.Tool
}

// NewClient creates a client for the server at serverPath, to be launched
// with the given python interpreter. Connect must be called before use.
func NewClient(serverPath, python string, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		serverPath: serverPath,
		python:     python,
		clock:      clock,
	}
}

// ServerPath returns the path of the server script this client launches.
func (c *Client) ServerPath() string {
	return c.serverPath
}

// Connect spawns the server subprocess, initializes the MCP session over
// stdio, and lists the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	mcpClient := sdk.NewClient(&sdk.Implementation{
		Name:    "hatchling",
		Version: "1.0.0",
	}, nil)

	cmd := exec.CommandContext(ctx, c.python, c.serverPath)
	transport := &sdk.CommandTransport{
		Command: cmd,
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return NewServerUnreachableError(c.serverPath, err)
	}

	c.mcpClient = mcpClient
	c.session = session
	c.cmd = cmd

	if err := c.refreshTools(ctx); err != nil {
		_ = c.Close()
		return err
	}

	zap.L().Debug("Connected to MCP server",
		zap.String("server", c.serverPath),
		zap.Int("tool_count", len(c.tools)))
	return nil
}

// refreshTools lists tools from the live session.
func (c *Client) refreshTools(ctx context.Context) error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if c.session == nil {
		return NewServerUnreachableError(c.serverPath, fmt.Errorf("session is not initialized"))
	}
	result, err := c.session.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return NewServerUnreachableError(c.serverPath, err)
	}
	c.tools = result.Tools
	return nil
}

// Ping re-lists tools to probe whether the session is still alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.refreshTools(ctx)
}

// Tools returns the server's tools materialized as catalog entries.
func (c *Client) Tools() []*catalog.ToolInfo {
	infos := make([]*catalog.ToolInfo, 0, len(c.tools))
	for _, tool := range c.tools {
		infos = append(infos, catalog.NewToolInfo(
			tool.Name,
			tool.Description,
			toolSchemaMap(tool),
			c.serverPath,
		))
	}
	return infos
}

// toolSchemaMap normalizes the SDK's input schema into a plain map.
func toolSchemaMap(tool *sdk.Tool) map[string]any {
	if tool.InputSchema == nil {
		return map[string]any{}
	}
	if schemaMap, ok := any(tool.InputSchema).(map[string]any); ok {
		return schemaMap
	}
	// The SDK may carry a typed schema; normalize through JSON.
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		zap.L().Warn("Tool input schema could not be serialized, using empty schema",
			zap.String("tool", tool.Name))
		return map[string]any{}
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		zap.L().Warn("Tool input schema is not an object, using empty schema",
			zap.String("tool", tool.Name))
		return map[string]any{}
	}
	return schemaMap
}

// Execute serializes a tools/call request and returns its content. Errors
// the server reports as MCP error results come back with IsError=true;
// transport failures return a ServerUnreachableError.
func (c *Client) Execute(ctx context.Context, toolName string, arguments map[string]any) (*model.ToolResult, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if c.session == nil {
		return nil, NewServerUnreachableError(c.serverPath, fmt.Errorf("session is not initialized"))
	}

	start := c.clock.Now()
	result, err := c.session.CallTool(ctx, &sdk.CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	})
	if err != nil {
		return nil, NewServerUnreachableError(c.serverPath, err)
	}

	toolResult := &model.ToolResult{
		FunctionName: toolName,
		Arguments:    arguments,
		IsError:      result.IsError,
		Content:      contentToResult(result.Content),
	}

	zap.L().Debug("Tool call completed",
		zap.String("tool", toolName),
		zap.Bool("is_error", result.IsError),
		zap.Duration("duration", c.clock.Since(start)))
	return toolResult, nil
}

// contentToResult extracts the textual content elements of an MCP result.
func contentToResult(content []sdk.Content) []model.ResultContent {
	out := make([]model.ResultContent, 0, len(content))
	for _, c := range content {
		if text, ok := c.(*sdk.TextContent); ok {
			out = append(out, model.ResultContent{Type: "text", Text: text.Text})
		}
	}
	return out
}

// GetCitations returns the server's citation map when it exposes the
// optional get_citations tool; servers without it return (nil, nil).
func (c *Client) GetCitations(ctx context.Context) (map[string]string, error) {
	hasCitations := false
	for _, tool := range c.tools {
		if tool.Name == citationsToolName {
			hasCitations = true
			break
		}
	}
	if !hasCitations {
		return nil, nil
	}

	result, err := c.Execute(ctx, citationsToolName, map[string]any{})
	if err != nil {
		return nil, err
	}
	if result.IsError || len(result.Content) == 0 {
		return nil, nil
	}

	var citations map[string]string
	if err := json.Unmarshal([]byte(result.Content[0].Text), &citations); err != nil {
		return nil, fmt.Errorf("failed to parse citations from %s: %w", c.serverPath, err)
	}
	return citations, nil
}

// Close attempts a graceful session close; after the grace period the
// server process is force-terminated.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- c.session.Close()
	}()

	var closeErr error
	select {
	case err := <-done:
		closeErr = err
	case <-c.clock.After(disconnectGracePeriod):
		closeErr = fmt.Errorf("graceful close of %s timed out after %s", c.serverPath, disconnectGracePeriod)
	}

	if closeErr != nil {
		zap.L().Warn("Graceful disconnect failed, terminating server process",
			zap.String("server", c.serverPath),
			zap.Error(closeErr))
		c.kill()
		return closeErr
	}

	// The session owns the transport; the subprocess exits with it. Kill
	// anything still lingering.
	c.kill()
	return nil
}

// kill force-terminates the subprocess if it is still running.
func (c *Client) kill() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	if c.cmd.ProcessState == nil {
		// if the process state is nil, the process is still running
		if err := c.cmd.Process.Kill(); err != nil {
			zap.L().Debug("Failed to kill server subprocess",
				zap.String("server", c.serverPath),
				zap.Error(err))
		}
	}
}
