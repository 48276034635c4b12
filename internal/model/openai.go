package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/config"
)

// OpenAIProvider implements the Provider interface for the OpenAI-compatible
// chat completions SSE protocol. Tool calls arrive fragmented across chunks,
// each fragment keyed by tool_calls[i].index, and are reassembled by a
// per-stream accumulator before a single LLM_TOOL_CALL_REQUEST is emitted.
type OpenAIProvider struct {
	client  *openai.Client
	cfg     *config.Config
	bus     *bus.Bus
	catalog *catalog.Catalog
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg *config.Config, b *bus.Bus, cat *catalog.Catalog) (*OpenAIProvider, error) {
	clientCfg := openai.DefaultConfig(cfg.ResolveOpenAIKey())
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		bus:     b,
		catalog: cat,
	}, nil
}

// Interface guard for OpenAIProvider
var _ Provider = &OpenAIProvider{}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() bus.ProviderID {
	return bus.ProviderOpenAI
}

// PreparePayload builds a chat completions request. Streaming is always
// enabled and usage reporting is requested on the final chunk.
func (p *OpenAIProvider) PreparePayload(messages []any, opts *ChatOptions) (any, error) {
	if opts == nil {
		opts = &ChatOptions{}
	}

	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i, raw := range messages {
		msg, ok := raw.(openai.ChatCompletionMessage)
		if !ok {
			return nil, fmt.Errorf("message %d is not in openai format: %T", i, raw)
		}
		openaiMessages = append(openaiMessages, msg)
	}

	modelName := opts.Model
	if modelName == "" {
		name, err := p.cfg.ModelName()
		if err != nil {
			return nil, err
		}
		modelName = name
	}

	req := &openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: openaiMessages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
		Temperature: float32(p.cfg.Temperature),
		TopP:        float32(p.cfg.TopP),
		MaxTokens:   p.cfg.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if opts.TopP != nil {
		req.TopP = float32(*opts.TopP)
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}

	return req, nil
}

// AddTools attaches tools to the payload and sets tool_choice.
func (p *OpenAIProvider) AddTools(payload any, names []string) error {
	req, ok := payload.(*openai.ChatCompletionRequest)
	if !ok {
		return fmt.Errorf("payload is not an openai chat request: %T", payload)
	}

	formatted, err := collectTools(p.catalog, p.ID(), names, p.ToolProviderFormat)
	if err != nil {
		return err
	}

	for _, f := range formatted {
		tool, ok := f.(openai.Tool)
		if !ok {
			return fmt.Errorf("cached tool format is not an openai tool: %T", f)
		}
		req.Tools = append(req.Tools, tool)
	}

	if len(req.Tools) > 0 {
		choice := p.cfg.ToolChoice
		if choice == "" {
			choice = config.DefaultToolChoice
		}
		req.ToolChoice = choice
	}
	return nil
}

// toolCallFragment accumulates one tool call's fragments across chunks.
type toolCallFragment struct {
	id        string
	typ       string
	name      string
	arguments strings.Builder
}

// Stream opens the SSE stream and translates chunks to bus events.
func (p *OpenAIProvider) Stream(ctx context.Context, payload any) error {
	req, ok := payload.(*openai.ChatCompletionRequest)
	if !ok {
		return fmt.Errorf("payload is not an openai chat request: %T", payload)
	}

	requestID := uuid.NewString()
	p.bus.SetRequestID(requestID)

	stream, err := p.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		p.emitError(requestID, err)
		return fmt.Errorf("failed to open chat completion stream: %w", err)
	}
	defer func() {
		_ = stream.Close()
	}()

	// Per-stream accumulator keyed by tool_calls[i].index.
	fragments := make(map[int]*toolCallFragment)
	roleSeen := false

	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				// A stream that ends with fragments still buffered never
				// sent its boundary chunk; flush them here.
				p.flushToolCalls(requestID, fragments)
				return nil
			}
			p.emitError(requestID, recvErr)
			return fmt.Errorf("stream read failed: %w", recvErr)
		}

		// A final usage-only chunk has no choices.
		if len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				p.emitUsage(requestID, chunk.Usage)
			}
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta

		if !roleSeen && delta.Role != "" {
			roleSeen = true
			p.emit(requestID, bus.EventRole, map[string]any{bus.KeyRole: delta.Role})
		}

		if delta.Content != "" {
			p.emit(requestID, bus.EventContent, map[string]any{bus.KeyContent: delta.Content})
		}

		if len(delta.ToolCalls) > 0 {
			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				frag, exists := fragments[index]
				if !exists {
					frag = &toolCallFragment{}
					fragments[index] = frag
				}
				if tc.ID != "" {
					frag.id = tc.ID
				}
				if tc.Type != "" {
					frag.typ = string(tc.Type)
				}
				if tc.Function.Name != "" {
					frag.name = tc.Function.Name
				}
				frag.arguments.WriteString(tc.Function.Arguments)
			}
		} else if len(fragments) > 0 {
			// A chunk without tool-call fragments while the accumulator is
			// non-empty marks the end-of-tool-call boundary.
			p.flushToolCalls(requestID, fragments)
			fragments = make(map[int]*toolCallFragment)
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			p.flushToolCalls(requestID, fragments)
			fragments = make(map[int]*toolCallFragment)
			p.emit(requestID, bus.EventFinish, map[string]any{
				bus.KeyFinishReason: string(choice.FinishReason),
			})
		}

		if chunk.Usage != nil {
			p.emitUsage(requestID, chunk.Usage)
		}
	}
}

// flushToolCalls emits one LLM_TOOL_CALL_REQUEST per accumulated entry, in
// index order.
func (p *OpenAIProvider) flushToolCalls(requestID string, fragments map[int]*toolCallFragment) {
	if len(fragments) == 0 {
		return
	}
	indexes := make([]int, 0, len(fragments))
	for index := range fragments {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	for _, index := range indexes {
		frag := fragments[index]
		id := frag.id
		if id == "" {
			id = fmt.Sprintf("call_%s", uuid.NewString()[:8])
		}
		zap.L().Debug("Completed tool call assembled from fragments",
			zap.Int("index", index),
			zap.String("tool", frag.name))
		p.emit(requestID, bus.EventLLMToolCallRequest,
			toolCallEventData(id, frag.name, frag.arguments.String()))
	}
}

func (p *OpenAIProvider) emit(requestID string, kind bus.EventKind, data map[string]any) {
	p.bus.PublishEvent(bus.Event{
		Kind:      kind,
		Data:      data,
		Provider:  p.ID(),
		RequestID: requestID,
	})
}

func (p *OpenAIProvider) emitError(requestID string, err error) {
	p.emit(requestID, bus.EventError, map[string]any{bus.KeyError: err.Error()})
}

func (p *OpenAIProvider) emitUsage(requestID string, usage *openai.Usage) {
	p.emit(requestID, bus.EventUsage, map[string]any{
		bus.KeyPromptTokens:     usage.PromptTokens,
		bus.KeyCompletionTokens: usage.CompletionTokens,
		bus.KeyTotalTokens:      usage.TotalTokens,
	})
}

// ToolProviderFormat converts a catalog tool to OpenAI's function schema.
func (p *OpenAIProvider) ToolProviderFormat(info *catalog.ToolInfo) (any, error) {
	params := info.Schema
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  params,
		},
	}, nil
}

// ToProviderTool implements the catalog adapter contract.
func (p *OpenAIProvider) ToProviderTool(info *catalog.ToolInfo) (any, error) {
	return p.ToolProviderFormat(info)
}

// ToProviderToolCall serializes a tool call as the assistant message that
// requested it.
func (p *OpenAIProvider) ToProviderToolCall(call ToolCall) any {
	arguments := "{}"
	if raw, ok := call.Arguments[RawArgumentsKey].(string); ok && len(call.Arguments) == 1 {
		arguments = raw
	} else if len(call.Arguments) > 0 {
		if data, err := json.Marshal(call.Arguments); err == nil {
			arguments = string(data)
		}
	}

	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{
			{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.FunctionName,
					Arguments: arguments,
				},
			},
		},
	}
}

// ToProviderToolResult serializes a tool result as a "tool" role message
// keyed back to the call by tool_call_id.
func (p *OpenAIProvider) ToProviderToolResult(result ToolResult) any {
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: result.ToolCallID,
		Name:       result.FunctionName,
		Content:    result.Text(),
	}
}

// ToProviderMessage serializes a plain text message.
func (p *OpenAIProvider) ToProviderMessage(role MessageRole, text string) any {
	return openai.ChatCompletionMessage{
		Role:    role.String(),
		Content: text,
	}
}

// ParseToolCall reassembles a complete call from an event. The provider
// emits one event per completed accumulator entry, so events missing a
// function name are partials.
func (p *OpenAIProvider) ParseToolCall(event bus.Event) (*ToolCall, error) {
	return parseToolCallEvent(event)
}
