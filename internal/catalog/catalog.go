// Package catalog holds the authoritative map of tools exposed by connected
// MCP servers, each tool's enable/disable state machine, and a lazily
// populated per-provider serialization cache.
package catalog

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
)

// Status is a tool's enable/disable state.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Reason records why a tool entered its current status. Status and reason
// are always updated together.
type Reason string

const (
	ReasonServerUp          Reason = "from_server_up"
	ReasonUserEnabled       Reason = "from_user_enabled"
	ReasonServerReachable   Reason = "from_server_reachable"
	ReasonServerDown        Reason = "from_server_down"
	ReasonServerUnreachable Reason = "from_server_unreachable"
	ReasonUserDisabled      Reason = "from_user_disabled"
	ReasonSystemError       Reason = "from_system_error"
)

// ToolInfo describes one tool in the catalog. Name is unique across the
// whole catalog; a collision across servers is a configuration error
// reported at registration time.
type ToolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
	ServerPath  string

	mu          sync.Mutex
	status      Status
	reason      Reason
	lastUpdated time.Time

	// formatCache holds per-provider serializations, populated lazily by
	// the owning provider on first enumeration.
	formatCache *xsync.MapOf[bus.ProviderID, any]
}

// NewToolInfo creates a ToolInfo in the enabled state with reason
// from_server_up.
func NewToolInfo(name, description string, schema map[string]any, serverPath string) *ToolInfo {
	return &ToolInfo{
		Name:        name,
		Description: description,
		Schema:      schema,
		ServerPath:  serverPath,
		status:      StatusEnabled,
		reason:      ReasonServerUp,
		lastUpdated: time.Now(),
		formatCache: xsync.NewMapOf[bus.ProviderID, any](),
	}
}

// State returns the tool's current (status, reason) pair.
func (t *ToolInfo) State() (Status, Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.reason
}

// LastUpdated returns the time of the last state transition.
func (t *ToolInfo) LastUpdated() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUpdated
}

// setState updates (status, reason, lastUpdated) atomically.
func (t *ToolInfo) setState(status Status, reason Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.reason = reason
	t.lastUpdated = time.Now()
}

// DuplicateToolNameError is returned when a tool with the same name is
// registered by a second server.
type DuplicateToolNameError struct {
	Name           string `json:"name"`
	ExistingServer string `json:"existing_server"`
	NewServer      string `json:"new_server"`
}

func (e *DuplicateToolNameError) Error() string {
	return fmt.Sprintf("tool name collision: %s is provided by both %s and %s",
		e.Name, e.ExistingServer, e.NewServer)
}

// NewDuplicateToolNameError creates a new DuplicateToolNameError
func NewDuplicateToolNameError(name, existingServer, newServer string) *DuplicateToolNameError {
	return &DuplicateToolNameError{Name: name, ExistingServer: existingServer, NewServer: newServer}
}

// Interface guard for DuplicateToolNameError
var _ error = &DuplicateToolNameError{}

// ToolNotFoundError is returned when a tool is not present in the catalog.
type ToolNotFoundError struct {
	Name string `json:"name"`
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// NewToolNotFoundError creates a new ToolNotFoundError
func NewToolNotFoundError(name string) *ToolNotFoundError {
	return &ToolNotFoundError{Name: name}
}

// Interface guard for ToolNotFoundError
var _ error = &ToolNotFoundError{}

// Catalog is the authoritative tool map plus a server-to-tools index.
// Individual mutations are atomic; reads may run concurrently.
type Catalog struct {
	tools   *xsync.MapOf[string, *ToolInfo]
	servers *xsync.MapOf[string, mapset.Set[string]]
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		tools:   xsync.NewMapOf[string, *ToolInfo](),
		servers: xsync.NewMapOf[string, mapset.Set[string]](),
	}
}

// Register inserts a tool. Registration fails with DuplicateToolNameError
// when another server already provides the name.
func (c *Catalog) Register(info *ToolInfo) error {
	existing, loaded := c.tools.LoadOrStore(info.Name, info)
	if loaded {
		return NewDuplicateToolNameError(info.Name, existing.ServerPath, info.ServerPath)
	}

	names, _ := c.servers.LoadOrStore(info.ServerPath, mapset.NewSet[string]())
	names.Add(info.Name)

	zap.L().Debug("Tool registered",
		zap.String("tool", info.Name),
		zap.String("server", info.ServerPath))
	return nil
}

// Remove deletes a tool from the catalog and the server index.
func (c *Catalog) Remove(name string) {
	info, ok := c.tools.LoadAndDelete(name)
	if !ok {
		return
	}
	if names, ok := c.servers.Load(info.ServerPath); ok {
		names.Remove(name)
	}
}

// RemoveServer deletes every tool belonging to the server. ToolInfo is
// created on server-up and removed on server-down.
func (c *Catalog) RemoveServer(serverPath string) {
	names, ok := c.servers.LoadAndDelete(serverPath)
	if !ok {
		return
	}
	for name := range names.Iter() {
		c.tools.Delete(name)
	}
}

// Get returns the tool with the given name.
func (c *Catalog) Get(name string) (*ToolInfo, error) {
	info, ok := c.tools.Load(name)
	if !ok {
		return nil, NewToolNotFoundError(name)
	}
	return info, nil
}

// Has reports whether the catalog contains a tool with the given name.
func (c *Catalog) Has(name string) bool {
	_, ok := c.tools.Load(name)
	return ok
}

// Names returns every tool name in the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, c.tools.Size())
	c.tools.Range(func(name string, _ *ToolInfo) bool {
		names = append(names, name)
		return true
	})
	return names
}

// EnabledTools returns every currently enabled tool.
func (c *Catalog) EnabledTools() []*ToolInfo {
	var enabled []*ToolInfo
	c.tools.Range(func(_ string, info *ToolInfo) bool {
		if status, _ := info.State(); status == StatusEnabled {
			enabled = append(enabled, info)
		}
		return true
	})
	return enabled
}

// ToolsForServer returns the tools registered by the given server.
func (c *Catalog) ToolsForServer(serverPath string) []*ToolInfo {
	names, ok := c.servers.Load(serverPath)
	if !ok {
		return nil
	}
	tools := make([]*ToolInfo, 0, names.Cardinality())
	for name := range names.Iter() {
		if info, ok := c.tools.Load(name); ok {
			tools = append(tools, info)
		}
	}
	return tools
}

// Enable transitions a tool to enabled with the given reason. The
// transition is refused (false, nil) when the tool is already enabled.
// Unknown tools return an error.
func (c *Catalog) Enable(name string, reason Reason) (bool, error) {
	info, err := c.Get(name)
	if err != nil {
		return false, err
	}
	if status, _ := info.State(); status == StatusEnabled {
		return false, nil
	}
	info.setState(StatusEnabled, reason)
	return true, nil
}

// Disable transitions a tool to disabled with the given reason. Returns
// false when the tool was already disabled.
func (c *Catalog) Disable(name string, reason Reason) (bool, error) {
	info, err := c.Get(name)
	if err != nil {
		return false, err
	}
	if status, _ := info.State(); status == StatusDisabled {
		return false, nil
	}
	info.setState(StatusDisabled, reason)
	return true, nil
}

// MarkServerUnreachable disables every tool of the server with reason
// from_server_unreachable and returns the names that transitioned.
func (c *Catalog) MarkServerUnreachable(serverPath string) []string {
	return c.disableServerTools(serverPath, ReasonServerUnreachable)
}

// MarkServerDown disables every tool of the server with reason
// from_server_down and returns the names that transitioned.
func (c *Catalog) MarkServerDown(serverPath string) []string {
	return c.disableServerTools(serverPath, ReasonServerDown)
}

// MarkServerReachable restores only those of the server's tools whose
// disable reason was from_server_unreachable. Tools the user disabled
// stay disabled.
func (c *Catalog) MarkServerReachable(serverPath string) []string {
	var restored []string
	for _, info := range c.ToolsForServer(serverPath) {
		status, reason := info.State()
		if status == StatusDisabled && reason == ReasonServerUnreachable {
			info.setState(StatusEnabled, ReasonServerReachable)
			restored = append(restored, info.Name)
		}
	}
	return restored
}

func (c *Catalog) disableServerTools(serverPath string, reason Reason) []string {
	var disabled []string
	for _, info := range c.ToolsForServer(serverPath) {
		if status, _ := info.State(); status == StatusDisabled {
			continue
		}
		info.setState(StatusDisabled, reason)
		disabled = append(disabled, info.Name)
	}
	return disabled
}

// ProviderFormat returns the tool serialized for the given provider,
// converting and caching on first use. Subsequent calls are O(1).
func (c *Catalog) ProviderFormat(name string, provider bus.ProviderID, convert func(*ToolInfo) (any, error)) (any, error) {
	info, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	if cached, ok := info.formatCache.Load(provider); ok {
		return cached, nil
	}
	formatted, err := convert(info)
	if err != nil {
		return nil, fmt.Errorf("failed to convert tool %s for provider %s: %w", name, provider, err)
	}
	info.formatCache.Store(provider, formatted)
	return formatted, nil
}
