package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/model"
)

// fakeProvider renders messages as tagged strings so view synthesis is easy
// to assert on.
type fakeProvider struct {
	id bus.ProviderID
}

func (p *fakeProvider) ID() bus.ProviderID { return p.id }

func (p *fakeProvider) PreparePayload(messages []any, opts *model.ChatOptions) (any, error) {
	return messages, nil
}

func (p *fakeProvider) AddTools(payload any, names []string) error { return nil }

func (p *fakeProvider) Stream(ctx context.Context, payload any) error { return nil }

func (p *fakeProvider) ToProviderTool(info *catalog.ToolInfo) (any, error) {
	return fmt.Sprintf("%s/tool:%s", p.id, info.Name), nil
}

func (p *fakeProvider) ToProviderToolCall(call model.ToolCall) any {
	return fmt.Sprintf("%s/call:%s", p.id, call.FunctionName)
}

func (p *fakeProvider) ToProviderToolResult(result model.ToolResult) any {
	return fmt.Sprintf("%s/result:%s", p.id, result.FunctionName)
}

func (p *fakeProvider) ToProviderMessage(role model.MessageRole, text string) any {
	return fmt.Sprintf("%s/%s:%s", p.id, role, text)
}

func (p *fakeProvider) ParseToolCall(event bus.Event) (*model.ToolCall, error) {
	return nil, nil
}

func newTestHistory() (*History, map[bus.ProviderID]model.Provider) {
	providers := map[bus.ProviderID]model.Provider{
		bus.ProviderOllama: &fakeProvider{id: bus.ProviderOllama},
		bus.ProviderOpenAI: &fakeProvider{id: bus.ProviderOpenAI},
	}
	return New(providers), providers
}

func contentEvent(provider bus.ProviderID, text string) bus.Event {
	return bus.Event{
		Kind:     bus.EventContent,
		Data:     map[string]any{bus.KeyContent: text},
		Provider: provider,
	}
}

func finishEvent(provider bus.ProviderID) bus.Event {
	return bus.Event{
		Kind:     bus.EventFinish,
		Data:     map[string]any{bus.KeyFinishReason: "stop"},
		Provider: provider,
	}
}

func dispatchedEvent(provider bus.ProviderID, call *model.ToolCall) bus.Event {
	return bus.Event{
		Kind: bus.EventMCPToolCallDispatched,
		Data: map[string]any{
			bus.KeyToolCallID:   call.ID,
			bus.KeyFunctionName: call.FunctionName,
			bus.KeyArguments:    call.Arguments,
			bus.KeyToolCall:     call,
		},
		Provider: provider,
	}
}

func resultEvent(provider bus.ProviderID, result *model.ToolResult) bus.Event {
	return bus.Event{
		Kind: bus.EventMCPToolCallResult,
		Data: map[string]any{
			bus.KeyToolCallID: result.ToolCallID,
			bus.KeyResult:     result,
		},
		Provider: provider,
	}
}

func TestHistory_ContentBuffersUntilFinish(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)

	h.OnEvent(contentEvent(bus.ProviderOllama, "he"))
	h.OnEvent(contentEvent(bus.ProviderOllama, "llo"))
	assert.Empty(t, h.Entries())

	h.OnEvent(finishEvent(bus.ProviderOllama))

	entries := h.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryAssistant, entries[0].Kind)
	assert.Equal(t, "hello", entries[0].Text)
}

func TestHistory_EmptyBufferFlushesNothing(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)

	h.OnEvent(finishEvent(bus.ProviderOllama))

	assert.Empty(t, h.Entries())
}

// Content from a stream that failed or was cancelled must not leak into the
// next stream's assistant entry.
func TestHistory_StreamErrorFlushesBuffer(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)

	h.OnEvent(contentEvent(bus.ProviderOllama, "partial answer that was cancel"))
	h.OnEvent(bus.Event{
		Kind:     bus.EventError,
		Data:     map[string]any{bus.KeyError: "context canceled"},
		Provider: bus.ProviderOllama,
	})

	h.OnEvent(contentEvent(bus.ProviderOllama, "fresh answer"))
	h.OnEvent(finishEvent(bus.ProviderOllama))

	entries := h.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "partial answer that was cancel", entries[0].Text)
	assert.Equal(t, "fresh answer", entries[1].Text)
}

func TestHistory_ToolCallAndResultEntries(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)
	h.AddUser("time?")

	call := &model.ToolCall{ID: "t1", FunctionName: "clock", Arguments: map[string]any{}}
	h.OnEvent(dispatchedEvent(bus.ProviderOllama, call))
	h.OnEvent(resultEvent(bus.ProviderOllama, &model.ToolResult{
		ToolCallID:   "t1",
		FunctionName: "clock",
		Content:      []model.ResultContent{{Type: "text", Text: "12:00"}},
	}))

	entries := h.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, EntryUser, entries[0].Kind)
	assert.Equal(t, EntryToolCall, entries[1].Kind)
	assert.Equal(t, "clock", entries[1].ToolCall.FunctionName)
	assert.Equal(t, EntryToolResult, entries[2].Kind)
	assert.Equal(t, "t1", entries[2].ToolResult.ToolCallID)
}

// The cached view after any event sequence must equal a from-scratch
// synthesis over canonical history.
func TestHistory_CachedViewMatchesFreshSynthesis(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)

	h.AddUser("time?")
	h.OnEvent(contentEvent(bus.ProviderOllama, "checking"))
	h.OnEvent(finishEvent(bus.ProviderOllama))
	call := &model.ToolCall{ID: "t1", FunctionName: "clock"}
	h.OnEvent(dispatchedEvent(bus.ProviderOllama, call))
	h.OnEvent(resultEvent(bus.ProviderOllama, &model.ToolResult{ToolCallID: "t1", FunctionName: "clock"}))
	h.OnEvent(contentEvent(bus.ProviderOllama, "It is 12:00."))
	h.OnEvent(finishEvent(bus.ProviderOllama))

	cached := h.MessagesFor(bus.ProviderOllama)
	expected := []any{
		"ollama/user:time?",
		"ollama/assistant:checking",
		"ollama/call:clock",
		"ollama/result:clock",
		"ollama/assistant:It is 12:00.",
	}
	assert.Equal(t, expected, cached)

	// A non-active provider view is synthesized fresh through its own
	// adapters, without touching the cached view.
	other := h.MessagesFor(bus.ProviderOpenAI)
	assert.Equal(t, []any{
		"openai/user:time?",
		"openai/assistant:checking",
		"openai/call:clock",
		"openai/result:clock",
		"openai/assistant:It is 12:00.",
	}, other)
	assert.Equal(t, expected, h.MessagesFor(bus.ProviderOllama))
}

func TestHistory_ProviderSwitchRegeneratesCachedView(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)

	h.AddUser("hello")
	h.OnEvent(contentEvent(bus.ProviderOllama, "hi"))
	h.OnEvent(finishEvent(bus.ProviderOllama))

	// An event from a different provider switches the cached view.
	h.OnEvent(contentEvent(bus.ProviderOpenAI, "more"))
	h.OnEvent(finishEvent(bus.ProviderOpenAI))

	view := h.MessagesFor(bus.ProviderOpenAI)
	assert.Equal(t, []any{
		"openai/user:hello",
		"openai/assistant:hi",
		"openai/assistant:more",
	}, view)
}

func TestHistory_Clear(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)
	h.AddUser("hello")
	h.OnEvent(contentEvent(bus.ProviderOllama, "partial"))

	h.Clear()

	assert.Empty(t, h.Entries())
	assert.Empty(t, h.MessagesFor(bus.ProviderOllama))

	// The in-progress buffer is gone too; a later finish flushes nothing.
	h.OnEvent(finishEvent(bus.ProviderOllama))
	assert.Empty(t, h.Entries())
}

func TestHistory_FlatKeyFallbackForToolEvents(t *testing.T) {
	h, _ := newTestHistory()
	h.SetActiveProvider(bus.ProviderOllama)

	h.OnEvent(bus.Event{
		Kind: bus.EventMCPToolCallDispatched,
		Data: map[string]any{
			bus.KeyToolCallID:   "t9",
			bus.KeyFunctionName: "clock",
			bus.KeyArguments:    map[string]any{"tz": "UTC"},
		},
		Provider: bus.ProviderOllama,
	})
	h.OnEvent(bus.Event{
		Kind: bus.EventMCPToolCallError,
		Data: map[string]any{
			bus.KeyToolCallID:   "t9",
			bus.KeyFunctionName: "clock",
			bus.KeyIsError:      true,
			bus.KeyError:        "boom",
		},
		Provider: bus.ProviderOllama,
	})

	entries := h.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "t9", entries[0].ToolCall.ID)
	assert.Equal(t, map[string]any{"tz": "UTC"}, entries[0].ToolCall.Arguments)
	assert.True(t, entries[1].ToolResult.IsError)
	assert.Equal(t, "boom", entries[1].ToolResult.Error)
}
