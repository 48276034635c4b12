package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/config"
)

const (
	defaultOllamaTimeout = 10 * time.Minute
	ollamaChatEndpoint   = "/api/chat"
)

// OllamaProvider implements the Provider interface for Ollama's NDJSON chat
// protocol. Each chunk is a whole JSON object; tool calls arrive complete
// inside a single chunk.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
	cfg     *config.Config
	bus     *bus.Bus
	catalog *catalog.Catalog
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(cfg *config.Config, b *bus.Bus, cat *catalog.Catalog) (*OllamaProvider, error) {
	return &OllamaProvider{
		baseURL: cfg.ResolveOllamaHost(),
		client: &http.Client{
			Timeout: defaultOllamaTimeout,
		},
		cfg:     cfg,
		bus:     b,
		catalog: cat,
	}, nil
}

// Interface guard for OllamaProvider
var _ Provider = &OllamaProvider{}

// ID returns the provider identifier
func (p *OllamaProvider) ID() bus.ProviderID {
	return bus.ProviderOllama
}

// Ollama wire types.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolName  string           `json:"tool_name,omitempty"` // required when role is "tool"
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaResponseMessage `json:"message"`
	Done            bool                  `json:"done"`
	DoneReason      string                `json:"done_reason,omitempty"`
	EvalCount       int                   `json:"eval_count,omitempty"`
	PromptEvalCount int                   `json:"prompt_eval_count,omitempty"`
}

type ollamaResponseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Type     string                 `json:"type"` // "function"
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Index     *int   `json:"index,omitempty"` // optional index for parallel calls
	Name      string `json:"name"`
	Arguments any    `json:"arguments"` // can be object or JSON string
}

// PreparePayload builds an Ollama chat request. Streaming is always enabled.
func (p *OllamaProvider) PreparePayload(messages []any, opts *ChatOptions) (any, error) {
	if opts == nil {
		opts = &ChatOptions{}
	}

	ollamaMessages := make([]ollamaMessage, 0, len(messages))
	for i, raw := range messages {
		msg, ok := raw.(ollamaMessage)
		if !ok {
			return nil, fmt.Errorf("message %d is not in ollama format: %T", i, raw)
		}
		ollamaMessages = append(ollamaMessages, msg)
	}

	modelName := opts.Model
	if modelName == "" {
		name, err := p.cfg.ModelName()
		if err != nil {
			return nil, err
		}
		modelName = name
	}

	options := ollamaOptions{
		Temperature: p.cfg.Temperature,
		TopP:        p.cfg.TopP,
		NumPredict:  p.cfg.MaxTokens,
	}
	if opts.Temperature != nil {
		options.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		options.TopP = *opts.TopP
	}
	if opts.MaxTokens != nil {
		options.NumPredict = *opts.MaxTokens
	}

	return &ollamaChatRequest{
		Model:    modelName,
		Messages: ollamaMessages,
		Stream:   true,
		Options:  options,
	}, nil
}

// AddTools attaches tools to the payload in Ollama's "function" format.
func (p *OllamaProvider) AddTools(payload any, names []string) error {
	req, ok := payload.(*ollamaChatRequest)
	if !ok {
		return fmt.Errorf("payload is not an ollama chat request: %T", payload)
	}

	formatted, err := collectTools(p.catalog, p.ID(), names, p.ToolProviderFormat)
	if err != nil {
		return err
	}

	for _, f := range formatted {
		tool, ok := f.(ollamaTool)
		if !ok {
			return fmt.Errorf("cached tool format is not an ollama tool: %T", f)
		}
		req.Tools = append(req.Tools, tool)
	}
	return nil
}

// Stream opens the NDJSON chat stream and translates each chunk to bus
// events. Each invocation generates a fresh request id attached to every
// emitted event.
func (p *OllamaProvider) Stream(ctx context.Context, payload any) error {
	req, ok := payload.(*ollamaChatRequest)
	if !ok {
		return fmt.Errorf("payload is not an ollama chat request: %T", payload)
	}

	requestID := uuid.NewString()
	p.bus.SetRequestID(requestID)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s%s", p.baseURL, ollamaChatEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.emitError(requestID, err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			err = fmt.Errorf("ollama API error: %d (failed to read response body: %w)", resp.StatusCode, readErr)
		} else {
			err = fmt.Errorf("ollama API error: %d - %s", resp.StatusCode, string(body))
		}
		p.emitError(requestID, err)
		return err
	}

	return p.translateStream(resp.Body, requestID)
}

// translateStream decodes NDJSON chunks and emits events in chunk-arrival
// order: ROLE once, CONTENT per non-empty content, one complete
// LLM_TOOL_CALL_REQUEST per tool_calls element, then FINISH and USAGE.
func (p *OllamaProvider) translateStream(body io.Reader, requestID string) error {
	decoder := json.NewDecoder(body)
	roleSeen := false
	chunkCount := 0

	for {
		var chunk ollamaChatResponse
		if decodeErr := decoder.Decode(&chunk); decodeErr != nil {
			if errors.Is(decodeErr, io.EOF) {
				return nil
			}
			zap.L().Error("Failed to decode stream chunk", zap.Error(decodeErr))
			p.emitError(requestID, decodeErr)
			return fmt.Errorf("failed to decode stream chunk: %w", decodeErr)
		}
		chunkCount++

		if !roleSeen && chunk.Message.Role != "" {
			roleSeen = true
			p.emit(requestID, bus.EventRole, map[string]any{bus.KeyRole: chunk.Message.Role})
		}

		if chunk.Message.Content != "" {
			p.emit(requestID, bus.EventContent, map[string]any{bus.KeyContent: chunk.Message.Content})
		}

		// Ollama delivers each tool call whole in a single chunk.
		for _, call := range chunk.Message.ToolCalls {
			id := ollamaToolCallID(call)
			argsJSON := normalizeOllamaArguments(call.Function.Name, call.Function.Arguments)
			zap.L().Debug("Tool call found in stream chunk",
				zap.Int("chunk_num", chunkCount),
				zap.String("tool", call.Function.Name))
			p.emit(requestID, bus.EventLLMToolCallRequest,
				toolCallEventData(id, call.Function.Name, argsJSON))
		}

		if chunk.Done {
			reason := chunk.DoneReason
			if reason == "" {
				reason = "stop"
			}
			p.emit(requestID, bus.EventFinish, map[string]any{bus.KeyFinishReason: reason})

			if chunk.EvalCount > 0 || chunk.PromptEvalCount > 0 {
				p.emit(requestID, bus.EventUsage, map[string]any{
					bus.KeyPromptTokens:     chunk.PromptEvalCount,
					bus.KeyCompletionTokens: chunk.EvalCount,
					bus.KeyTotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				})
			}
			return nil
		}
	}
}

func (p *OllamaProvider) emit(requestID string, kind bus.EventKind, data map[string]any) {
	p.bus.PublishEvent(bus.Event{
		Kind:      kind,
		Data:      data,
		Provider:  p.ID(),
		RequestID: requestID,
	})
}

func (p *OllamaProvider) emitError(requestID string, err error) {
	p.emit(requestID, bus.EventError, map[string]any{bus.KeyError: err.Error()})
}

// ollamaToolCallID assigns a call id. The Ollama wire format carries no id,
// so ids must be minted locally; a uuid suffix keeps them unique across
// chain iterations.
func ollamaToolCallID(call ollamaToolCall) string {
	if call.Function.Index != nil {
		return fmt.Sprintf("call_%d_%s", *call.Function.Index, uuid.NewString()[:8])
	}
	return fmt.Sprintf("call_%s", uuid.NewString()[:8])
}

// normalizeOllamaArguments renders arguments as a JSON string regardless of
// whether the wire delivered an object or a string.
func normalizeOllamaArguments(tool string, arguments any) string {
	switch v := arguments.(type) {
	case string:
		return v
	case nil:
		return "{}"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			zap.L().Warn("Failed to marshal tool call arguments",
				zap.String("tool", tool),
				zap.Error(err))
			return "{}"
		}
		return string(raw)
	}
}

// ToolProviderFormat converts a catalog tool to Ollama's function format.
func (p *OllamaProvider) ToolProviderFormat(info *catalog.ToolInfo) (any, error) {
	params := info.Schema
	if params == nil {
		params = make(map[string]any)
	}
	return ollamaTool{
		Type: "function",
		Function: ollamaToolFunction{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  params,
		},
	}, nil
}

// ToProviderTool implements the catalog adapter contract.
func (p *OllamaProvider) ToProviderTool(info *catalog.ToolInfo) (any, error) {
	return p.ToolProviderFormat(info)
}

// ToProviderToolCall serializes a tool call as an assistant message carrying
// the call, which is how Ollama represents prior tool invocations.
func (p *OllamaProvider) ToProviderToolCall(call ToolCall) any {
	return ollamaMessage{
		Role: MessageRoleAssistant.String(),
		ToolCalls: []ollamaToolCall{
			{
				Type: "function",
				Function: ollamaToolCallFunction{
					Name:      call.FunctionName,
					Arguments: call.Arguments,
				},
			},
		},
	}
}

// ToProviderToolResult serializes a tool result as a "tool" role message;
// Ollama matches results to calls by tool_name.
func (p *OllamaProvider) ToProviderToolResult(result ToolResult) any {
	return ollamaMessage{
		Role:     MessageRoleTool.String(),
		ToolName: result.FunctionName,
		Content:  result.Text(),
	}
}

// ToProviderMessage serializes a plain text message.
func (p *OllamaProvider) ToProviderMessage(role MessageRole, text string) any {
	return ollamaMessage{
		Role:    role.String(),
		Content: text,
	}
}

// ParseToolCall reassembles a complete call from an event. Ollama emits one
// event per complete call, so this never observes partials from its own
// streams.
func (p *OllamaProvider) ParseToolCall(event bus.Event) (*ToolCall, error) {
	return parseToolCallEvent(event)
}
