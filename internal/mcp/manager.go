package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/core"
	"github.com/hatchling-dev/hatchling/internal/hatch"
	"github.com/hatchling-dev/hatchling/internal/model"
)

// ServerClient is the per-server client surface the manager consumes.
// *Client implements it; tests substitute fakes.
type ServerClient interface {
	ServerPath() string
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Tools() []*catalog.ToolInfo
	Execute(ctx context.Context, toolName string, arguments map[string]any) (*model.ToolResult, error)
	GetCitations(ctx context.Context) (map[string]string, error)
	Close() error
}

// Interface guard for Client
var _ ServerClient = &Client{}

// serverState tracks whether a connected server is currently reachable.
type serverState int

const (
	serverStateUp serverState = iota
	serverStateUnreachable
)

type serverEntry struct {
	client ServerClient
	state  serverState
}

// Manager owns the lifecycle of every MCP client, publishes server and tool
// lifecycle events, and routes tool executions to the owning client. One
// instance per session; tests create isolated instances.
type Manager struct {
	bus     *bus.Bus
	catalog *catalog.Catalog
	env     hatch.Environment
	clock   clockwork.Clock

	// newClient is the client factory; replaced in tests.
	newClient func(serverPath, python string) ServerClient

	// mu guards servers and toolIndex so concurrent connects and
	// disconnects cannot interleave catalog updates.
	mu        sync.Mutex
	servers   map[string]*serverEntry
	toolIndex map[string]ServerClient
}

// NewManager creates a manager publishing on b and maintaining cat.
func NewManager(b *bus.Bus, cat *catalog.Catalog, env hatch.Environment, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		bus:       b,
		catalog:   cat,
		env:       env,
		clock:     clock,
		servers:   make(map[string]*serverEntry),
		toolIndex: make(map[string]ServerClient),
	}
	m.newClient = func(serverPath, python string) ServerClient {
		return NewClient(serverPath, python, clock)
	}
	return m
}

// ConnectToServers connects to the given server paths. A nil paths slice
// consults the environment manager. Paths already connected and up are
// skipped; paths marked unreachable are probed and restored when the probe
// succeeds. A tool-name collision across servers is a configuration error
// and aborts the connect.
func (m *Manager) ConnectToServers(ctx context.Context, paths []string) error {
	if paths == nil {
		discovered, err := m.env.ListServerEntryPoints()
		if err != nil {
			return fmt.Errorf("failed to list server entry points: %w", err)
		}
		paths = discovered
	}

	python, err := m.env.ResolvePythonExecutable()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range paths {
		entry, known := m.servers[path]
		if known {
			if entry.state == serverStateUp {
				zap.L().Debug("Server already connected, skipping", zap.String("server", path))
				continue
			}
			m.probeUnreachableLocked(ctx, path, entry)
			continue
		}

		if err := m.connectOneLocked(ctx, path, python); err != nil {
			// Collisions are fatal configuration errors; transport
			// failures were already surfaced as events.
			var dup *catalog.DuplicateToolNameError
			if errors.As(err, &dup) {
				return err
			}
		}
	}
	return nil
}

// connectOneLocked spawns and registers one server. Caller holds mu.
func (m *Manager) connectOneLocked(ctx context.Context, path, python string) error {
	client := m.newClient(path, python)
	if err := client.Connect(ctx); err != nil {
		zap.L().Warn("Failed to connect to MCP server",
			zap.String("server", path),
			zap.Error(err))
		m.bus.Publish(bus.EventMCPServerUnreachable, map[string]any{
			bus.KeyServerPath: path,
			bus.KeyError:      err.Error(),
		})
		return err
	}

	tools := client.Tools()
	for _, info := range tools {
		if err := m.catalog.Register(info); err != nil {
			// Tool name collisions across servers are refused at
			// registration time; undo this server entirely.
			for _, registered := range tools {
				if registered == info {
					break
				}
				m.catalog.Remove(registered.Name)
				delete(m.toolIndex, registered.Name)
			}
			if closeErr := client.Close(); closeErr != nil {
				zap.L().Debug("Failed to close client after registration error",
					zap.String("server", path), zap.Error(closeErr))
			}
			return err
		}
		m.toolIndex[info.Name] = client
	}

	m.servers[path] = &serverEntry{client: client, state: serverStateUp}

	m.bus.Publish(bus.EventMCPServerUp, map[string]any{
		bus.KeyServerPath: path,
		bus.KeyToolCount:  len(tools),
	})
	for _, info := range tools {
		m.bus.Publish(bus.EventMCPToolEnabled, map[string]any{
			bus.KeyToolName:   info.Name,
			bus.KeyServerPath: path,
			bus.KeyReason:     string(catalog.ReasonServerUp),
		})
	}

	zap.L().Info("MCP server connected",
		zap.String("server", path),
		zap.Int("tool_count", len(tools)))
	return nil
}

// probeUnreachableLocked pings a server previously marked unreachable and
// restores its tools when the session answers. Only tools disabled because
// of unreachability are re-enabled.
func (m *Manager) probeUnreachableLocked(ctx context.Context, path string, entry *serverEntry) {
	if err := entry.client.Ping(ctx); err != nil {
		zap.L().Debug("Unreachable server still not answering",
			zap.String("server", path),
			zap.Error(err))
		m.bus.Publish(bus.EventMCPServerUnreachable, map[string]any{
			bus.KeyServerPath: path,
			bus.KeyError:      err.Error(),
		})
		return
	}

	entry.state = serverStateUp
	restored := m.catalog.MarkServerReachable(path)

	m.bus.Publish(bus.EventMCPServerReachable, map[string]any{
		bus.KeyServerPath: path,
		bus.KeyToolCount:  len(restored),
	})
	for _, name := range restored {
		m.bus.Publish(bus.EventMCPToolEnabled, map[string]any{
			bus.KeyToolName:   name,
			bus.KeyServerPath: path,
			bus.KeyReason:     string(catalog.ReasonServerReachable),
		})
	}
}

// DisconnectAll disables every server's tools, then disconnects each
// client. Graceful close failures escalate to forceful termination and
// MCP_SERVER_UNREACHABLE; successful disconnects emit MCP_SERVER_DOWN.
func (m *Manager) DisconnectAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for path, entry := range m.servers {
		disabled := m.catalog.MarkServerDown(path)
		for _, name := range disabled {
			m.bus.Publish(bus.EventMCPToolDisabled, map[string]any{
				bus.KeyToolName:   name,
				bus.KeyServerPath: path,
				bus.KeyReason:     string(catalog.ReasonServerDown),
			})
		}

		if err := entry.client.Close(); err != nil {
			errs = append(errs, err)
			m.bus.Publish(bus.EventMCPServerUnreachable, map[string]any{
				bus.KeyServerPath: path,
				bus.KeyError:      err.Error(),
			})
		} else {
			m.bus.Publish(bus.EventMCPServerDown, map[string]any{
				bus.KeyServerPath: path,
			})
		}

		for _, info := range m.catalog.ToolsForServer(path) {
			delete(m.toolIndex, info.Name)
		}
		m.catalog.RemoveServer(path)
		delete(m.servers, path)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors disconnecting servers: %v", errs)
	}
	return nil
}

// ExecuteTool resolves the tool's owning client and invokes it. Transport
// failures mark the server unreachable, disable its tools, and propagate
// the error for the dispatcher to convert into an event.
func (m *Manager) ExecuteTool(ctx context.Context, name string, arguments map[string]any) (*model.ToolResult, error) {
	m.mu.Lock()
	client, ok := m.toolIndex[name]
	m.mu.Unlock()

	if !ok {
		if suggestion := m.closestToolName(name); suggestion != "" {
			return nil, fmt.Errorf("%w (did you mean %q?)", catalog.NewToolNotFoundError(name), suggestion)
		}
		return nil, catalog.NewToolNotFoundError(name)
	}

	start := m.clock.Now()
	result, err := client.Execute(ctx, name, arguments)
	core.LogToolExecution(name, m.clock.Since(start).Seconds(), err)
	if err != nil {
		var unreachable *ServerUnreachableError
		if errors.As(err, &unreachable) {
			m.markServerUnreachable(client.ServerPath(), err)
		}
		return nil, err
	}
	return result, nil
}

// markServerUnreachable transitions a server and its tools after a
// transport failure.
func (m *Manager) markServerUnreachable(path string, cause error) {
	m.mu.Lock()
	entry, ok := m.servers[path]
	if ok {
		entry.state = serverStateUnreachable
	}
	m.mu.Unlock()

	disabled := m.catalog.MarkServerUnreachable(path)
	for _, name := range disabled {
		m.bus.Publish(bus.EventMCPToolDisabled, map[string]any{
			bus.KeyToolName:   name,
			bus.KeyServerPath: path,
			bus.KeyReason:     string(catalog.ReasonServerUnreachable),
		})
	}
	m.bus.Publish(bus.EventMCPServerUnreachable, map[string]any{
		bus.KeyServerPath: path,
		bus.KeyError:      cause.Error(),
	})
}

// closestToolName returns the catalog name nearest to the given name, or ""
// when the catalog is empty or nothing is close enough to suggest.
func (m *Manager) closestToolName(name string) string {
	const maxSuggestionDistance = 3

	best := ""
	bestDistance := maxSuggestionDistance + 1
	for _, candidate := range m.catalog.Names() {
		distance := levenshtein.ComputeDistance(name, candidate)
		if distance < bestDistance {
			best = candidate
			bestDistance = distance
		}
	}
	return best
}

// EnableTool re-enables a user-disabled tool. Enabling a tool whose server
// is not currently up is refused and produces no event.
func (m *Manager) EnableTool(name string) error {
	info, err := m.catalog.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entry, known := m.servers[info.ServerPath]
	up := known && entry.state == serverStateUp
	m.mu.Unlock()

	if !up {
		zap.L().Warn("Refusing to enable tool: server is not up",
			zap.String("tool", name),
			zap.String("server", info.ServerPath))
		return nil
	}

	changed, err := m.catalog.Enable(name, catalog.ReasonUserEnabled)
	if err != nil || !changed {
		return err
	}
	m.bus.Publish(bus.EventMCPToolEnabled, map[string]any{
		bus.KeyToolName:   name,
		bus.KeyServerPath: info.ServerPath,
		bus.KeyReason:     string(catalog.ReasonUserEnabled),
	})
	return nil
}

// DisableTool disables a tool at the user's request.
func (m *Manager) DisableTool(name string) error {
	info, err := m.catalog.Get(name)
	if err != nil {
		return err
	}
	changed, err := m.catalog.Disable(name, catalog.ReasonUserDisabled)
	if err != nil || !changed {
		return err
	}
	m.bus.Publish(bus.EventMCPToolDisabled, map[string]any{
		bus.KeyToolName:   name,
		bus.KeyServerPath: info.ServerPath,
		bus.KeyReason:     string(catalog.ReasonUserDisabled),
	})
	return nil
}

// ToolStatus returns a tool's current (status, reason).
func (m *Manager) ToolStatus(name string) (catalog.Status, catalog.Reason, error) {
	info, err := m.catalog.Get(name)
	if err != nil {
		return "", "", err
	}
	status, reason := info.State()
	return status, reason, nil
}

// Citations collects the citation maps of every connected server.
func (m *Manager) Citations(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	clients := make([]ServerClient, 0, len(m.servers))
	for _, entry := range m.servers {
		if entry.state == serverStateUp {
			clients = append(clients, entry.client)
		}
	}
	m.mu.Unlock()

	merged := make(map[string]string)
	for _, client := range clients {
		citations, err := client.GetCitations(ctx)
		if err != nil {
			zap.L().Debug("Failed to collect citations",
				zap.String("server", client.ServerPath()),
				zap.Error(err))
			continue
		}
		for k, v := range citations {
			merged[k] = v
		}
	}
	return merged, nil
}
