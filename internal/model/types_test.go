package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchling-dev/hatchling/internal/bus"
)

func TestParseToolCallEvent(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]any
		want     *ToolCall
		wantNil  bool
	}{
		{
			name: "arguments as JSON string",
			data: map[string]any{
				bus.KeyToolCallID:   "t1",
				bus.KeyFunctionName: "clock",
				bus.KeyArguments:    `{"tz":"UTC"}`,
			},
			want: &ToolCall{ID: "t1", FunctionName: "clock", Arguments: map[string]any{"tz": "UTC"}},
		},
		{
			name: "arguments as map",
			data: map[string]any{
				bus.KeyToolCallID:   "t2",
				bus.KeyFunctionName: "add",
				bus.KeyArguments:    map[string]any{"x": 1.0},
			},
			want: &ToolCall{ID: "t2", FunctionName: "add", Arguments: map[string]any{"x": 1.0}},
		},
		{
			name: "missing arguments become empty map",
			data: map[string]any{
				bus.KeyToolCallID:   "t3",
				bus.KeyFunctionName: "ping",
			},
			want: &ToolCall{ID: "t3", FunctionName: "ping", Arguments: map[string]any{}},
		},
		{
			name: "malformed arguments kept raw",
			data: map[string]any{
				bus.KeyToolCallID:   "t4",
				bus.KeyFunctionName: "add",
				bus.KeyArguments:    `{"x": not json`,
			},
			want: &ToolCall{ID: "t4", FunctionName: "add",
				Arguments: map[string]any{RawArgumentsKey: `{"x": not json`}},
		},
		{
			name: "empty arguments string",
			data: map[string]any{
				bus.KeyToolCallID:   "t5",
				bus.KeyFunctionName: "ping",
				bus.KeyArguments:    "  ",
			},
			want: &ToolCall{ID: "t5", FunctionName: "ping", Arguments: map[string]any{}},
		},
		{
			name:    "missing function name is a partial",
			data:    map[string]any{bus.KeyToolCallID: "t6"},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := parseToolCallEvent(bus.Event{
				Kind: bus.EventLLMToolCallRequest,
				Data: tt.data,
			})
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, call)
				return
			}
			assert.Equal(t, tt.want, call)
		})
	}
}

func TestToolResult_Text(t *testing.T) {
	tests := []struct {
		name   string
		result ToolResult
		want   string
	}{
		{
			name: "joins content parts",
			result: ToolResult{Content: []ResultContent{
				{Type: "text", Text: "12:00"},
				{Type: "text", Text: "UTC"},
			}},
			want: "12:00\nUTC",
		},
		{
			name:   "empty success gets a default",
			result: ToolResult{},
			want:   "Tool executed successfully",
		},
		{
			name:   "empty error gets a default",
			result: ToolResult{IsError: true},
			want:   "Tool execution failed",
		},
		{
			name:   "error text preferred",
			result: ToolResult{IsError: true, Error: "boom"},
			want:   "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Text())
		})
	}
}
