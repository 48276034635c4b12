package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchling-dev/hatchling/internal/bus"
)

// newOpenAIStreamServer serves the given chunks as an SSE stream from the
// chat completions endpoint.
func newOpenAIStreamServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			_, err := w.Write([]byte("data: " + chunk + "\n\n"))
			require.NoError(t, err)
		}
		_, err := w.Write([]byte("data: [DONE]\n\n"))
		require.NoError(t, err)
	}))
}

func TestOpenAIStream_ContentOnly(t *testing.T) {
	server := newOpenAIStreamServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":"It is "},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"content":"12:00."},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
	})
	defer server.Close()

	b, recorder, cat, cfg := newStreamFixture(bus.ProviderOpenAI, server.URL)
	provider, err := NewOpenAIProvider(cfg, b, cat)
	require.NoError(t, err)

	payload, err := provider.PreparePayload([]any{
		provider.ToProviderMessage(MessageRoleUser, "time?"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, provider.Stream(context.Background(), payload))

	assert.Equal(t, []bus.EventKind{
		bus.EventRole,
		bus.EventContent,
		bus.EventContent,
		bus.EventFinish,
		bus.EventUsage,
	}, recorder.kinds())

	usage := recorder.ofKind(bus.EventUsage)[0]
	assert.Equal(t, 5, usage.IntData(bus.KeyPromptTokens))
	assert.Equal(t, 7, usage.IntData(bus.KeyCompletionTokens))
	assert.Equal(t, 12, usage.IntData(bus.KeyTotalTokens))
}

func TestOpenAIStream_FragmentedToolCall(t *testing.T) {
	// The argument JSON {"x":1,"y":2} arrives split across four fragments.
	server := newOpenAIStreamServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"add","arguments":""}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\""}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1,\""}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"y\":2"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer server.Close()

	b, recorder, cat, cfg := newStreamFixture(bus.ProviderOpenAI, server.URL)
	provider, err := NewOpenAIProvider(cfg, b, cat)
	require.NoError(t, err)

	payload, err := provider.PreparePayload([]any{
		provider.ToProviderMessage(MessageRoleUser, "add 1 and 2"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, provider.Stream(context.Background(), payload))

	requests := recorder.ofKind(bus.EventLLMToolCallRequest)
	require.Len(t, requests, 1)

	call, err := provider.ParseToolCall(requests[0])
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, "call_abc", call.ID)
	assert.Equal(t, "add", call.FunctionName)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, call.Arguments)

	// The assembled request precedes FINISH; FINISH is the last event.
	kinds := recorder.kinds()
	assert.Equal(t, bus.EventRole, kinds[0])
	assert.Equal(t, bus.EventLLMToolCallRequest, kinds[len(kinds)-2])
	assert.Equal(t, bus.EventFinish, kinds[len(kinds)-1])
}

func TestOpenAIStream_FlushOnFinishWithoutBoundary(t *testing.T) {
	// No boundary chunk: the finish chunk itself must flush the accumulator.
	server := newOpenAIStreamServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"clock","arguments":"{}"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer server.Close()

	b, recorder, cat, cfg := newStreamFixture(bus.ProviderOpenAI, server.URL)
	provider, err := NewOpenAIProvider(cfg, b, cat)
	require.NoError(t, err)

	payload, err := provider.PreparePayload([]any{
		provider.ToProviderMessage(MessageRoleUser, "time?"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, provider.Stream(context.Background(), payload))

	requests := recorder.ofKind(bus.EventLLMToolCallRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "call_1", requests[0].StringData(bus.KeyToolCallID))
	assert.Equal(t, "clock", requests[0].StringData(bus.KeyFunctionName))
}

func TestOpenAIStream_ParallelToolCallsFlushInIndexOrder(t *testing.T) {
	server := newOpenAIStreamServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"weather","arguments":"{}"}},{"index":0,"id":"call_a","type":"function","function":{"name":"clock","arguments":"{}"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer server.Close()

	b, recorder, cat, cfg := newStreamFixture(bus.ProviderOpenAI, server.URL)
	provider, err := NewOpenAIProvider(cfg, b, cat)
	require.NoError(t, err)

	payload, err := provider.PreparePayload([]any{
		provider.ToProviderMessage(MessageRoleUser, "time and weather?"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, provider.Stream(context.Background(), payload))

	requests := recorder.ofKind(bus.EventLLMToolCallRequest)
	require.Len(t, requests, 2)
	assert.Equal(t, "call_a", requests[0].StringData(bus.KeyToolCallID))
	assert.Equal(t, "call_b", requests[1].StringData(bus.KeyToolCallID))
}

func TestOpenAIToolCallRoundTrip(t *testing.T) {
	_, _, cat, cfg := newStreamFixture(bus.ProviderOpenAI, "http://localhost:9999")
	provider, err := NewOpenAIProvider(cfg, bus.New(), cat)
	require.NoError(t, err)

	original := ToolCall{
		ID:           "call_abc",
		FunctionName: "add",
		Arguments:    map[string]any{"x": 1.0, "y": 2.0},
	}

	msg, ok := provider.ToProviderToolCall(original).(openai.ChatCompletionMessage)
	require.True(t, ok)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_abc", msg.ToolCalls[0].ID)
	assert.Equal(t, "add", msg.ToolCalls[0].Function.Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.ToolCalls[0].Function.Arguments), &args))
	assert.Equal(t, original.Arguments, args)
}

func TestOpenAIToProviderToolCall_RawArgumentsPassThrough(t *testing.T) {
	_, _, cat, cfg := newStreamFixture(bus.ProviderOpenAI, "http://localhost:9999")
	provider, err := NewOpenAIProvider(cfg, bus.New(), cat)
	require.NoError(t, err)

	msg, ok := provider.ToProviderToolCall(ToolCall{
		ID:           "call_raw",
		FunctionName: "add",
		Arguments:    map[string]any{RawArgumentsKey: `{"x": not json`},
	}).(openai.ChatCompletionMessage)

	require.True(t, ok)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, `{"x": not json`, msg.ToolCalls[0].Function.Arguments)
}

func TestOpenAIToProviderToolResult(t *testing.T) {
	_, _, cat, cfg := newStreamFixture(bus.ProviderOpenAI, "http://localhost:9999")
	provider, err := NewOpenAIProvider(cfg, bus.New(), cat)
	require.NoError(t, err)

	msg, ok := provider.ToProviderToolResult(ToolResult{
		ToolCallID:   "call_abc",
		FunctionName: "clock",
		Content:      []ResultContent{{Type: "text", Text: "12:00"}},
	}).(openai.ChatCompletionMessage)

	require.True(t, ok)
	assert.Equal(t, openai.ChatMessageRoleTool, msg.Role)
	assert.Equal(t, "call_abc", msg.ToolCallID)
	assert.Equal(t, "12:00", msg.Content)
}
