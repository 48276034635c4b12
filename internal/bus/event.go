// Package bus implements the typed publish/subscribe event bus that every
// Hatchling subsystem uses to communicate.
package bus

import (
	"time"
)

// ProviderID identifies a chat provider. The set is closed; new providers
// extend it.
type ProviderID string

const (
	ProviderOpenAI ProviderID = "openai"
	ProviderOllama ProviderID = "ollama"
)

func (p ProviderID) String() string {
	return string(p)
}

// ValidProviderIDs returns the closed set of known provider identifiers.
func ValidProviderIDs() map[ProviderID]struct{} {
	return map[ProviderID]struct{}{
		ProviderOpenAI: {},
		ProviderOllama: {},
	}
}

// IsValidProviderID reports whether p names a known provider.
func IsValidProviderID(p ProviderID) bool {
	_, ok := ValidProviderIDs()[p]
	return ok
}

// EventKind identifies the type of an event. The set is closed.
type EventKind string

const (
	// Stream events emitted by providers while reading a chat response.
	EventContent EventKind = "content"
	EventRole    EventKind = "role"
	EventFinish  EventKind = "finish"
	EventUsage   EventKind = "usage"
	EventError   EventKind = "error"

	// EventLLMToolCallRequest signals that the LLM wants a tool invoked.
	// The carried data may be a complete call or a reassembled fragment set;
	// subscribers resolve completeness through the provider's ParseToolCall.
	EventLLMToolCallRequest EventKind = "llm_tool_call_request"

	// MCP lifecycle events.
	EventMCPServerUp          EventKind = "mcp_server_up"
	EventMCPServerDown        EventKind = "mcp_server_down"
	EventMCPServerUnreachable EventKind = "mcp_server_unreachable"
	EventMCPServerReachable   EventKind = "mcp_server_reachable"
	EventMCPToolEnabled       EventKind = "mcp_tool_enabled"
	EventMCPToolDisabled      EventKind = "mcp_tool_disabled"

	// MCP execution events.
	EventMCPToolCallDispatched EventKind = "mcp_tool_call_dispatched"
	EventMCPToolCallResult     EventKind = "mcp_tool_call_result"
	EventMCPToolCallError      EventKind = "mcp_tool_call_error"

	// Tool chain events.
	EventToolChainStart          EventKind = "tool_chain_start"
	EventToolChainIterationStart EventKind = "tool_chain_iteration_start"
	EventToolChainIterationEnd   EventKind = "tool_chain_iteration_end"
	EventToolChainEnd            EventKind = "tool_chain_end"
	EventToolChainLimitReached   EventKind = "tool_chain_limit_reached"
	EventToolChainError          EventKind = "tool_chain_error"
)

// Event is an immutable record published on the bus. Data keys are defined
// per kind; Provider and RequestID are set when the event originates from a
// provider stream.
type Event struct {
	Kind      EventKind
	Data      map[string]any
	Provider  ProviderID
	RequestID string
	Timestamp time.Time
}

// Well-known Data keys shared across event kinds.
const (
	KeyContent      = "content"
	KeyRole         = "role"
	KeyFinishReason = "finish_reason"
	KeyError        = "error"

	KeyPromptTokens     = "prompt_tokens"
	KeyCompletionTokens = "completion_tokens"
	KeyTotalTokens      = "total_tokens"

	KeyToolCallID   = "tool_call_id"
	KeyToolCall     = "tool_call"
	KeyFunctionName = "function_name"
	KeyArguments    = "arguments"
	KeyResult       = "result"
	KeyIsError      = "is_error"

	KeyServerPath = "server_path"
	KeyToolCount  = "tool_count"
	KeyToolName   = "tool_name"
	KeyReason     = "reason"

	KeyChainID       = "chain_id"
	KeyRootQuery     = "root_query"
	KeyIteration     = "iteration"
	KeyMaxIterations = "max_iterations"
	KeySuccess       = "success"
	KeyPartial       = "partial"
)

// StringData returns the string value stored under key, or "" when absent
// or of a different type.
func (e Event) StringData(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// BoolData returns the bool value stored under key, or false when absent.
func (e Event) BoolData(key string) bool {
	if v, ok := e.Data[key].(bool); ok {
		return v
	}
	return false
}

// IntData returns the int value stored under key, tolerating the numeric
// types a decoded JSON payload may carry.
func (e Event) IntData(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
