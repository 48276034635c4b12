// Package chain implements the tool-chain scheduler: it pairs tool-call
// dispatches with their results in strict FIFO order, decides after each
// pair whether to re-prompt the model, and enforces the iteration and
// wall-clock limits on a chain.
package chain

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/history"
	"github.com/hatchling-dev/hatchling/internal/model"
)

const (
	continuationInstruction = "Review the tool results above. If you need more information, " +
		"call the appropriate tools; otherwise answer the original question directly."
	terminationInstruction = "The tool call limit has been reached. Provide your best final " +
		"answer using the results gathered so far. Do not request any more tool calls."
)

// pair is one FIFO-matched dispatch and its result, ready for continuation.
type pair struct {
	provider bus.ProviderID
	call     *model.ToolCall
	result   *model.ToolResult
}

// Scheduler drives the tool chain for one session. It subscribes to
// dispatch, result, and stream lifecycle events; continuations run on a
// worker goroutine, at most one at a time.
type Scheduler struct {
	bus       *bus.Bus
	history   *history.History
	providers map[bus.ProviderID]model.Provider
	clock     clockwork.Clock

	maxIterations int
	maxWallClock  time.Duration

	// continuationMu serializes continuation execution across workers.
	continuationMu sync.Mutex

	mu sync.Mutex
	// queue holds dispatched calls awaiting their result, in dispatch
	// order. Only the head is consumable.
	queue  []*model.ToolCall
	buffer map[string]*model.ToolResult
	// ready holds head-matched pairs not yet consumed by the worker.
	ready   []pair
	running bool

	started           bool
	partial           bool
	limitReason       string
	expectingDispatch bool
	chainID           string
	rootQuery         string
	iteration         int
	startedAt         time.Time
	activeProvider    bus.ProviderID

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a scheduler continuing through the given providers and
// history, bounded by maxIterations and maxWallClock.
func New(b *bus.Bus, h *history.History, providers map[bus.ProviderID]model.Provider, clock clockwork.Clock, maxIterations int, maxWallClock time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		bus:           b,
		history:       h,
		providers:     providers,
		clock:         clock,
		maxIterations: maxIterations,
		maxWallClock:  maxWallClock,
		buffer:        map[string]*model.ToolResult{},
		ctx:           context.Background(),
	}
}

// SubscribedKinds implements bus.Subscriber.
func (s *Scheduler) SubscribedKinds() mapset.Set[bus.EventKind] {
	return mapset.NewSet(
		bus.EventLLMToolCallRequest,
		bus.EventMCPToolCallDispatched,
		bus.EventMCPToolCallResult,
		bus.EventMCPToolCallError,
		bus.EventFinish,
		bus.EventError,
	)
}

// BeginTurn resets per-query state ahead of a new user message. The chain
// itself starts only when the first dispatch of the turn is observed.
func (s *Scheduler) BeginTurn(ctx context.Context, provider bus.ProviderID, rootQuery string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.activeProvider = provider
	s.rootQuery = rootQuery
	s.resetLocked()
}

// Wait blocks until all worker goroutines have drained.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// OnEvent implements bus.Subscriber.
func (s *Scheduler) OnEvent(event bus.Event) {
	switch event.Kind {
	case bus.EventLLMToolCallRequest:
		s.onToolCallRequest(event)
	case bus.EventMCPToolCallDispatched:
		s.onDispatched(event)
	case bus.EventMCPToolCallResult, bus.EventMCPToolCallError:
		s.onResult(event)
	case bus.EventFinish:
		s.onFinish()
	case bus.EventError:
		s.onStreamError(event)
	}
}

// onToolCallRequest marks that a dispatch is imminent so a FINISH racing
// ahead of it is not treated as terminal. Partials are ignored.
func (s *Scheduler) onToolCallRequest(event bus.Event) {
	provider, ok := s.providers[event.Provider]
	if !ok {
		return
	}
	call, err := provider.ParseToolCall(event)
	if err != nil || call == nil {
		return
	}
	s.mu.Lock()
	s.expectingDispatch = true
	s.mu.Unlock()
}

func (s *Scheduler) onDispatched(event bus.Event) {
	call := callFromEvent(event)
	if call == nil || call.ID == "" {
		zap.L().Warn("Dispatch event without a tool call id, ignoring")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expectingDispatch = false
	if !s.started {
		s.startChainLocked(event.Provider, call)
	}
	s.queue = append(s.queue, call)
}

func (s *Scheduler) onResult(event bus.Event) {
	result := resultFromEvent(event)
	if result == nil || result.ToolCallID == "" {
		zap.L().Warn("Result event without a tool call id, ignoring")
		return
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		zap.L().Warn("Result arrived after the chain ended, dropping",
			zap.String("tool_call_id", result.ToolCallID))
		return
	}
	if !s.queuedLocked(result.ToolCallID) {
		zap.L().Warn("Result for a tool call that was never dispatched",
			zap.String("tool_call_id", result.ToolCallID))
	}
	if _, dup := s.buffer[result.ToolCallID]; dup {
		zap.L().Warn("Duplicate result for tool call, overwriting",
			zap.String("tool_call_id", result.ToolCallID))
	}
	s.buffer[result.ToolCallID] = result

	s.drainLocked(event.Provider)
	spawn := len(s.ready) > 0 && !s.running
	if spawn {
		s.running = true
	}
	s.mu.Unlock()

	if spawn {
		s.wg.Add(1)
		go s.work()
	}
}

// drainLocked moves head-matched pairs from queue+buffer into ready. A
// result for a later entry stays buffered until every earlier dispatch has
// been paired.
func (s *Scheduler) drainLocked(provider bus.ProviderID) {
	for len(s.queue) > 0 {
		head := s.queue[0]
		result, ok := s.buffer[head.ID]
		if !ok {
			return
		}
		delete(s.buffer, head.ID)
		s.queue = s.queue[1:]
		if provider == "" {
			provider = s.activeProvider
		}
		s.ready = append(s.ready, pair{provider: provider, call: head, result: result})
	}
}

func (s *Scheduler) queuedLocked(id string) bool {
	for _, call := range s.queue {
		if call.ID == id {
			return true
		}
	}
	return false
}

// work consumes ready pairs in order until none remain. The continuation
// mutex keeps at most one continuation active even if a second worker is
// spawned while this one is finishing.
func (s *Scheduler) work() {
	defer s.wg.Done()

	s.continuationMu.Lock()
	defer s.continuationMu.Unlock()

	for {
		s.mu.Lock()
		if len(s.ready) == 0 {
			s.running = false
			s.maybeEndLocked()
			s.mu.Unlock()
			return
		}
		next := s.ready[0]
		s.ready = s.ready[1:]
		s.mu.Unlock()

		s.runContinuation(next)
	}
}

// runContinuation runs one continuation: emit iteration bounds, check limits,
// compose the next payload, and stream it.
func (s *Scheduler) runContinuation(p pair) {
	provider, ok := s.providers[p.provider]
	if !ok {
		zap.L().Error("No provider for continuation",
			zap.String("provider", string(p.provider)))
		s.fail("no provider registered: " + string(p.provider))
		return
	}

	s.mu.Lock()
	iteration := s.iteration
	chainID := s.chainID
	limitReason := s.limitReasonLocked()
	if limitReason != "" {
		s.partial = true
		s.limitReason = limitReason
	}
	s.iteration++
	ctx := s.ctx
	s.mu.Unlock()

	s.bus.PublishEvent(bus.Event{
		Kind: bus.EventToolChainIterationStart,
		Data: map[string]any{
			bus.KeyChainID:   chainID,
			bus.KeyIteration: iteration,
		},
		Provider: p.provider,
	})

	if limitReason != "" {
		s.bus.PublishEvent(bus.Event{
			Kind: bus.EventToolChainLimitReached,
			Data: map[string]any{
				bus.KeyChainID:       chainID,
				bus.KeyIteration:     iteration,
				bus.KeyMaxIterations: s.maxIterations,
				bus.KeyReason:        limitReason,
			},
			Provider: p.provider,
		})
	}

	err := s.stream(ctx, provider, p, limitReason != "")

	s.bus.PublishEvent(bus.Event{
		Kind: bus.EventToolChainIterationEnd,
		Data: map[string]any{
			bus.KeyChainID:   chainID,
			bus.KeyIteration: iteration,
		},
		Provider: p.provider,
	})

	if err != nil {
		zap.L().Error("Tool chain continuation failed", zap.Error(err))
		s.fail(err.Error())
	}
}

// stream composes and sends the continuation payload. The payload is the
// provider-view history followed by the fresh call, its result, and an
// instruction message; tools are attached unless the chain is terminating.
func (s *Scheduler) stream(ctx context.Context, provider model.Provider, p pair, terminating bool) error {
	messages := s.history.MessagesFor(p.provider)

	// When history subscribes to the dispatch events (the session wires it
	// that way) the view above already ends with this pair; appending it
	// again would send the model duplicate tool messages.
	if !s.historyHasResult(p.result.ToolCallID) {
		messages = append(messages, provider.ToProviderToolCall(*p.call))
		messages = append(messages, provider.ToProviderToolResult(*p.result))
	}

	instruction := continuationInstruction
	if terminating {
		instruction = terminationInstruction
	}
	messages = append(messages, provider.ToProviderMessage(model.MessageRoleUser, instruction))

	payload, err := provider.PreparePayload(messages, nil)
	if err != nil {
		return err
	}
	if !terminating {
		if err := provider.AddTools(payload, nil); err != nil {
			return err
		}
	}
	return provider.Stream(ctx, payload)
}

// historyHasResult reports whether the canonical history already records the
// result for the given tool call.
func (s *Scheduler) historyHasResult(toolCallID string) bool {
	for _, entry := range s.history.Entries() {
		if entry.Kind == history.EntryToolResult && entry.ToolResult != nil &&
			entry.ToolResult.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

// limitReasonLocked returns why the chain must terminate, or "".
func (s *Scheduler) limitReasonLocked() string {
	if s.partial {
		// A prior iteration already hit a limit; stay terminal with the
		// reason that tripped first.
		return s.limitReason
	}
	if s.iteration >= s.maxIterations {
		return "max_iterations"
	}
	if s.maxWallClock > 0 && s.clock.Since(s.startedAt) >= s.maxWallClock {
		return "max_wall_clock"
	}
	return ""
}

// onFinish checks the chain's end conditions. A FINISH while a continuation
// is running is deferred to the worker's own post-stream check.
func (s *Scheduler) onFinish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeEndLocked()
}

// maybeEndLocked ends the chain when nothing remains in flight.
func (s *Scheduler) maybeEndLocked() {
	if !s.started || s.running || s.expectingDispatch {
		return
	}
	if len(s.queue) > 0 || len(s.ready) > 0 {
		return
	}
	s.endLocked(true, s.partial)
}

// onStreamError terminates the chain when the provider stream fails outside
// a continuation. Failures inside a continuation are reported by the worker.
func (s *Scheduler) onStreamError(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.running {
		return
	}
	zap.L().Warn("Stream error during tool chain, terminating chain",
		zap.String("error", event.StringData(bus.KeyError)))
	s.endLocked(false, s.partial)
}

// fail emits TOOL_CHAIN_ERROR and ends the chain unsuccessfully.
func (s *Scheduler) fail(errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.bus.PublishEvent(bus.Event{
		Kind: bus.EventToolChainError,
		Data: map[string]any{
			bus.KeyChainID: s.chainID,
			bus.KeyError:   errText,
		},
	})
	s.endLocked(false, s.partial)
}

func (s *Scheduler) startChainLocked(provider bus.ProviderID, call *model.ToolCall) {
	s.started = true
	s.chainID = uuid.NewString()
	s.iteration = 1
	s.startedAt = s.clock.Now()

	s.bus.PublishEvent(bus.Event{
		Kind: bus.EventToolChainStart,
		Data: map[string]any{
			bus.KeyChainID:       s.chainID,
			bus.KeyRootQuery:     s.rootQuery,
			bus.KeyIteration:     s.iteration,
			bus.KeyMaxIterations: s.maxIterations,
			bus.KeyToolName:      call.FunctionName,
			bus.KeyToolCallID:    call.ID,
		},
		Provider: provider,
	})
}

func (s *Scheduler) endLocked(success, partial bool) {
	data := map[string]any{
		bus.KeyChainID:   s.chainID,
		bus.KeySuccess:   success,
		bus.KeyIteration: s.iteration,
	}
	if partial {
		data[bus.KeyPartial] = true
	}
	s.bus.PublishEvent(bus.Event{
		Kind: bus.EventToolChainEnd,
		Data: data,
	})
	s.resetLocked()
}

// resetLocked zeros all chain state. The root query and context survive so
// a turn may start a fresh chain.
func (s *Scheduler) resetLocked() {
	s.queue = nil
	s.buffer = map[string]*model.ToolResult{}
	s.ready = nil
	s.started = false
	s.partial = false
	s.limitReason = ""
	s.expectingDispatch = false
	s.chainID = ""
	s.iteration = 0
	s.startedAt = time.Time{}
}

// callFromEvent recovers the dispatched call, preferring the typed payload.
func callFromEvent(event bus.Event) *model.ToolCall {
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

// resultFromEvent recovers the tool result, preferring the typed payload.
func resultFromEvent(event bus.Event) *model.ToolResult {
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
