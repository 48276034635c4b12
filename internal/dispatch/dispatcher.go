// Package dispatch maps LLM-originated tool-call events onto MCP
// invocations and re-emits their outcomes as events.
package dispatch

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/model"
)

// Executor is the manager surface the dispatcher invokes.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, arguments map[string]any) (*model.ToolResult, error)
}

// Dispatcher consumes LLM_TOOL_CALL_REQUEST events. For each complete call
// it emits MCP_TOOL_CALL_DISPATCHED, then executes the call on its own
// goroutine and emits MCP_TOOL_CALL_RESULT or MCP_TOOL_CALL_ERROR. It never
// blocks the provider's stream reader.
type Dispatcher struct {
	bus       *bus.Bus
	executor  Executor
	providers map[bus.ProviderID]model.Provider

	// ctx scopes spawned executions so session cancellation reaches
	// in-flight MCP calls.
	ctx context.Context

	wg sync.WaitGroup
}

// New creates a dispatcher executing against exec and parsing through the
// given providers.
func New(ctx context.Context, b *bus.Bus, exec Executor, providers map[bus.ProviderID]model.Provider) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Dispatcher{
		bus:       b,
		executor:  exec,
		providers: providers,
		ctx:       ctx,
	}
}

// SubscribedKinds implements bus.Subscriber.
func (d *Dispatcher) SubscribedKinds() mapset.Set[bus.EventKind] {
	return mapset.NewSet(bus.EventLLMToolCallRequest)
}

// OnEvent implements bus.Subscriber. Emission of MCP_TOOL_CALL_DISPATCHED
// happens before the manager is called so ordering-sensitive subscribers
// see the dispatch first.
func (d *Dispatcher) OnEvent(event bus.Event) {
	provider, ok := d.providers[event.Provider]
	if !ok {
		zap.L().Warn("Tool call request from unknown provider",
			zap.String("provider", string(event.Provider)))
		return
	}

	call, err := provider.ParseToolCall(event)
	if err != nil {
		zap.L().Error("Failed to parse tool call", zap.Error(err))
		return
	}
	if call == nil {
		// Still partial; the provider will re-emit once complete.
		return
	}

	d.bus.PublishEvent(bus.Event{
		Kind: bus.EventMCPToolCallDispatched,
		Data: map[string]any{
			bus.KeyToolCallID:   call.ID,
			bus.KeyFunctionName: call.FunctionName,
			bus.KeyArguments:    call.Arguments,
			bus.KeyToolCall:     call,
		},
		Provider:  event.Provider,
		RequestID: event.RequestID,
	})

	// Hand off to a task: the execute call suspends on MCP I/O and must
	// not re-enter the provider's event emission.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(event, call)
	}()
}

// execute invokes the manager and emits the outcome.
func (d *Dispatcher) execute(event bus.Event, call *model.ToolCall) {
	result, err := d.executor.ExecuteTool(d.ctx, call.FunctionName, call.Arguments)
	if err != nil {
		zap.L().Warn("Tool call failed",
			zap.String("tool", call.FunctionName),
			zap.Error(err))
		errorResult := &model.ToolResult{
			ToolCallID:   call.ID,
			FunctionName: call.FunctionName,
			Arguments:    call.Arguments,
			IsError:      true,
			Error:        err.Error(),
		}
		d.bus.PublishEvent(bus.Event{
			Kind: bus.EventMCPToolCallError,
			Data: map[string]any{
				bus.KeyToolCallID:   call.ID,
				bus.KeyFunctionName: call.FunctionName,
				bus.KeyError:        err.Error(),
				bus.KeyIsError:      true,
				bus.KeyResult:       errorResult,
			},
			Provider:  event.Provider,
			RequestID: event.RequestID,
		})
		return
	}

	result.ToolCallID = call.ID
	d.bus.PublishEvent(bus.Event{
		Kind: bus.EventMCPToolCallResult,
		Data: map[string]any{
			bus.KeyToolCallID:   call.ID,
			bus.KeyFunctionName: call.FunctionName,
			bus.KeyIsError:      result.IsError,
			bus.KeyResult:       result,
		},
		Provider:  event.Provider,
		RequestID: event.RequestID,
	})
}

// Wait blocks until every in-flight execution has completed. Used by tests
// and session shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
