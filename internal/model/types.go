// Package model provides the streaming chat provider abstraction. Each
// provider normalizes its wire protocol (OpenAI-style SSE deltas, Ollama
// NDJSON chunks) into bus events and supplies the adapters used to derive
// provider-specific message histories.
package model

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

func (r MessageRole) String() string {
	return string(r)
}

// ToolCall is a parsed tool invocation request from the model, produced by a
// provider after reassembling fragmented wire data.
type ToolCall struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

// RawArgumentsKey is where unparseable argument payloads are stored inside
// ToolCall.Arguments. The tool itself is responsible for rejecting them.
const RawArgumentsKey = "_raw"

// ResultContent is one content element of a tool result.
type ResultContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID   string          `json:"tool_call_id"`
	FunctionName string          `json:"function_name"`
	Arguments    map[string]any  `json:"arguments"`
	Content      []ResultContent `json:"content"`
	IsError      bool            `json:"is_error"`
	Error        string          `json:"error,omitempty"`
}

// Text joins the textual content of the result. Empty results yield a
// default message so the model always receives something to react to.
func (r ToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		if r.IsError {
			if r.Error != "" {
				return r.Error
			}
			return "Tool execution failed"
		}
		return "Tool executed successfully"
	}
	return strings.Join(parts, "\n")
}

// ChatOptions carries the per-request parameters of a payload. Zero-valued
// fields fall back to the provider's configured defaults.
type ChatOptions struct {
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	ToolChoice  string
}

// Provider is the contract implemented once per bus.ProviderID.
type Provider interface {
	// ID returns the provider identifier.
	ID() bus.ProviderID

	// PreparePayload builds the provider's chat request object from
	// provider-format messages. Streaming is always enabled.
	PreparePayload(messages []any, opts *ChatOptions) (any, error)

	// AddTools attaches tools to the payload. A nil names slice includes
	// every currently enabled tool; explicit names must exist in the
	// catalog (unknown names are a fatal error) and disabled ones are
	// skipped with a warning.
	AddTools(payload any, names []string) error

	// Stream opens the streaming chat request and translates each chunk
	// into bus events. A fresh request id is generated per invocation and
	// attached to every emitted event.
	Stream(ctx context.Context, payload any) error

	// ToProviderTool serializes a catalog tool; used by the catalog's
	// format cache.
	ToProviderTool(info *catalog.ToolInfo) (any, error)

	// ToProviderToolCall serializes a prior assistant tool call for
	// insertion into the next payload.
	ToProviderToolCall(call ToolCall) any

	// ToProviderToolResult serializes a tool output for insertion into the
	// next payload.
	ToProviderToolResult(result ToolResult) any

	// ToProviderMessage serializes a plain text message.
	ToProviderMessage(role MessageRole, text string) any

	// ParseToolCall reassembles a complete call from an
	// LLM_TOOL_CALL_REQUEST event. Returns (nil, nil) while the call is
	// still partial.
	ParseToolCall(event bus.Event) (*ToolCall, error)
}

// toolCallEventData builds the LLM_TOOL_CALL_REQUEST data map for a
// completed call. Arguments travel as their raw JSON string so that
// ParseToolCall owns the single decoding point.
func toolCallEventData(id, name, argumentsJSON string) map[string]any {
	return map[string]any{
		bus.KeyToolCallID:   id,
		bus.KeyFunctionName: name,
		bus.KeyArguments:    argumentsJSON,
	}
}

// parseToolCallEvent is the shared ParseToolCall implementation: both
// providers emit one event per complete call, so an event missing the
// function name is a partial and yields (nil, nil).
func parseToolCallEvent(event bus.Event) (*ToolCall, error) {
	name := event.StringData(bus.KeyFunctionName)
	if name == "" {
		return nil, nil
	}

	call := &ToolCall{
		ID:           event.StringData(bus.KeyToolCallID),
		FunctionName: name,
	}

	switch args := event.Data[bus.KeyArguments].(type) {
	case map[string]any:
		call.Arguments = args
	case string:
		call.Arguments = decodeArguments(args)
	case nil:
		call.Arguments = map[string]any{}
	default:
		// Anything else is normalized through JSON.
		raw, err := json.Marshal(args)
		if err != nil {
			call.Arguments = map[string]any{}
			break
		}
		call.Arguments = decodeArguments(string(raw))
	}

	return call, nil
}

// decodeArguments parses an argument JSON string. Malformed payloads are
// kept under RawArgumentsKey and passed through to the tool.
func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{RawArgumentsKey: raw}
	}
	return args
}
