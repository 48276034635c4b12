// Package history maintains the canonical conversation record and a cached
// provider-specific view derived from it. The canonical list is
// provider-agnostic; the cached view follows whichever provider last
// produced events.
package history

import (
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/model"
)

// EntryKind tags one canonical history entry.
type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
)

// Entry is one canonical history record. Exactly one of Text, ToolCall, or
// ToolResult is meaningful depending on Kind. Canonical order is insertion
// order; entries are append-only within a session.
type Entry struct {
	Kind       EntryKind
	Text       string
	ToolCall   *model.ToolCall
	ToolResult *model.ToolResult
}

// History is the dual-view message log. It subscribes to stream and MCP
// execution events; AddUser is the only external mutator.
type History struct {
	mu sync.Mutex

	entries []Entry

	providers      map[bus.ProviderID]model.Provider
	activeProvider bus.ProviderID
	cached         []any

	// assistantBuffer accumulates CONTENT until FINISH flushes it. It is
	// per-stream state, reset on every flush.
	assistantBuffer strings.Builder
}

// New creates an empty history deriving views through the given providers.
func New(providers map[bus.ProviderID]model.Provider) *History {
	return &History{
		providers: providers,
	}
}

// SubscribedKinds implements bus.Subscriber.
func (h *History) SubscribedKinds() mapset.Set[bus.EventKind] {
	return mapset.NewSet(
		bus.EventContent,
		bus.EventFinish,
		bus.EventError,
		bus.EventMCPToolCallDispatched,
		bus.EventMCPToolCallResult,
		bus.EventMCPToolCallError,
	)
}

// OnEvent implements bus.Subscriber.
func (h *History) OnEvent(event bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch event.Kind {
	case bus.EventContent:
		h.assistantBuffer.WriteString(event.StringData(bus.KeyContent))

	case bus.EventFinish:
		h.flushAssistantLocked(event.Provider)

	case bus.EventError:
		// A failed or cancelled stream still said what it said; flush it
		// so the buffer never leaks into the next stream's entry.
		h.flushAssistantLocked(event.Provider)

	case bus.EventMCPToolCallDispatched:
		call := toolCallFromEvent(event)
		h.appendLocked(event.Provider, Entry{Kind: EntryToolCall, ToolCall: call})

	case bus.EventMCPToolCallResult, bus.EventMCPToolCallError:
		result := toolResultFromEvent(event)
		h.appendLocked(event.Provider, Entry{Kind: EntryToolResult, ToolResult: result})
	}
}

// flushAssistantLocked moves the in-progress assistant buffer into a
// canonical entry. An empty buffer flushes nothing.
func (h *History) flushAssistantLocked(provider bus.ProviderID) {
	if h.assistantBuffer.Len() == 0 {
		return
	}
	text := h.assistantBuffer.String()
	h.assistantBuffer.Reset()
	h.appendLocked(provider, Entry{Kind: EntryAssistant, Text: text})
}

// appendLocked appends to the canonical list and maintains the cached view.
// When the event's provider differs from the cached view's provider, the
// cached view is regenerated from canonical history before the new entry is
// added.
func (h *History) appendLocked(provider bus.ProviderID, entry Entry) {
	if provider != "" && provider != h.activeProvider {
		h.activeProvider = provider
		h.cached = h.synthesizeLocked(provider, h.entries)
	}

	h.entries = append(h.entries, entry)

	p, ok := h.providers[h.activeProvider]
	if !ok {
		return
	}
	if msg := entryToProviderMessage(p, entry); msg != nil {
		h.cached = append(h.cached, msg)
	}
}

// AddUser appends a user entry to both canonical and cached views.
func (h *History) AddUser(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked("", Entry{Kind: EntryUser, Text: text})
}

// SetActiveProvider pins the cached view to the given provider, rebuilding
// it from canonical history when it changes.
func (h *History) SetActiveProvider(provider bus.ProviderID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if provider == h.activeProvider {
		return
	}
	h.activeProvider = provider
	h.cached = h.synthesizeLocked(provider, h.entries)
}

// MessagesFor returns the provider-format view. The cached view is returned
// for the active provider; other providers get a fresh synthesis that does
// not alter cached state.
func (h *History) MessagesFor(provider bus.ProviderID) []any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if provider == h.activeProvider && h.cached != nil {
		out := make([]any, len(h.cached))
		copy(out, h.cached)
		return out
	}
	return h.synthesizeLocked(provider, h.entries)
}

// Entries returns a copy of the canonical history.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Clear resets the session's history and the in-progress buffer.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.cached = nil
	h.assistantBuffer.Reset()
}

// synthesizeLocked regenerates a provider view from canonical entries using
// the provider's adapter methods.
func (h *History) synthesizeLocked(provider bus.ProviderID, entries []Entry) []any {
	p, ok := h.providers[provider]
	if !ok {
		zap.L().Warn("No provider registered for history view",
			zap.String("provider", string(provider)))
		return nil
	}
	out := make([]any, 0, len(entries))
	for _, entry := range entries {
		if msg := entryToProviderMessage(p, entry); msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

// entryToProviderMessage converts one canonical entry through the
// provider's adapters.
func entryToProviderMessage(p model.Provider, entry Entry) any {
	switch entry.Kind {
	case EntryUser:
		return p.ToProviderMessage(model.MessageRoleUser, entry.Text)
	case EntryAssistant:
		return p.ToProviderMessage(model.MessageRoleAssistant, entry.Text)
	case EntryToolCall:
		if entry.ToolCall == nil {
			return nil
		}
		return p.ToProviderToolCall(*entry.ToolCall)
	case EntryToolResult:
		if entry.ToolResult == nil {
			return nil
		}
		return p.ToProviderToolResult(*entry.ToolResult)
	}
	return nil
}

// toolCallFromEvent rebuilds the dispatched call from event data. The
// dispatcher attaches the parsed call whole; the flat keys are a fallback.
func toolCallFromEvent(event bus.Event) *model.ToolCall {
	if call, ok := event.Data[bus.KeyToolCall].(*model.ToolCall); ok {
		return call
	}
	call := &model.ToolCall{
		ID:           event.StringData(bus.KeyToolCallID),
		FunctionName: event.StringData(bus.KeyFunctionName),
	}
	if args, ok := event.Data[bus.KeyArguments].(map[string]any); ok {
		call.Arguments = args
	}
	return call
}

// toolResultFromEvent rebuilds the tool result from event data.
func toolResultFromEvent(event bus.Event) *model.ToolResult {
	if result, ok := event.Data[bus.KeyResult].(*model.ToolResult); ok {
		return result
	}
	return &model.ToolResult{
		ToolCallID:   event.StringData(bus.KeyToolCallID),
		FunctionName: event.StringData(bus.KeyFunctionName),
		IsError:      event.BoolData(bus.KeyIsError),
		Error:        event.StringData(bus.KeyError),
	}
}
