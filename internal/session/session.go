// Package session wires the orchestration pipeline together: the event bus,
// the tool catalog, the providers, the message history, the MCP manager, the
// dispatcher, and the chain scheduler, scoped to one conversation.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/chain"
	"github.com/hatchling-dev/hatchling/internal/config"
	"github.com/hatchling-dev/hatchling/internal/dispatch"
	"github.com/hatchling-dev/hatchling/internal/hatch"
	"github.com/hatchling-dev/hatchling/internal/history"
	"github.com/hatchling-dev/hatchling/internal/mcp"
	"github.com/hatchling-dev/hatchling/internal/model"
)

// Session owns one conversation. Constructing a session validates the
// configuration; Send drives one user turn; subscribers attached to Bus()
// observe everything else.
type Session struct {
	cfg *config.Config

	bus        *bus.Bus
	catalog    *catalog.Catalog
	providers  map[bus.ProviderID]model.Provider
	history    *history.History
	manager    *mcp.Manager
	dispatcher *dispatch.Dispatcher
	scheduler  *chain.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	// streamWG tracks the root stream launched by Send.
	streamWG sync.WaitGroup
}

// New builds a session from the given configuration. Config-level errors
// (unknown provider, missing API key, bad limits) refuse the session before
// any stream begins.
func New(ctx context.Context, cfg *config.Config) (*Session, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	b := bus.New()
	cat := catalog.New()

	providers, err := model.NewProviders(cfg, b, cat)
	if err != nil {
		cancel()
		return nil, err
	}

	hist := history.New(providers)
	env := hatch.NewDirEnvironment(cfg.ServersDir, cfg.PythonExecutable)
	clock := clockwork.NewRealClock()
	manager := mcp.NewManager(b, cat, env, clock)
	dispatcher := dispatch.New(ctx, b, manager, providers)
	scheduler := chain.New(b, hist, providers, clock,
		cfg.MaxToolIterations, cfg.MaxToolWallClock())

	// Subscription order matters: history records a dispatch before the
	// scheduler queues it, and the scheduler sees results last so the
	// history snapshot it reads during continuation is already complete.
	b.Subscribe(hist)
	b.Subscribe(dispatcher)
	b.Subscribe(scheduler)

	return &Session{
		cfg:        cfg,
		bus:        b,
		catalog:    cat,
		providers:  providers,
		history:    hist,
		manager:    manager,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Bus returns the session's event bus for external subscribers.
func (s *Session) Bus() *bus.Bus {
	return s.bus
}

// Catalog returns the session's tool catalog.
func (s *Session) Catalog() *catalog.Catalog {
	return s.catalog
}

// History returns the session's message history.
func (s *Session) History() *history.History {
	return s.history
}

// Manager returns the session's MCP manager.
func (s *Session) Manager() *mcp.Manager {
	return s.manager
}

// Connect launches the configured MCP servers and registers their tools.
func (s *Session) Connect(ctx context.Context) error {
	return s.manager.ConnectToServers(ctx, nil)
}

// Provider returns the provider matching the configured model.
func (s *Session) Provider() (model.Provider, error) {
	id, err := s.cfg.ProviderID()
	if err != nil {
		return nil, err
	}
	provider, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", id)
	}
	return provider, nil
}

// Send drives one user turn: record the user message, reset the chain
// scheduler, prepare the payload from the provider-view history, attach the
// enabled tools, and launch the stream. It returns as soon as the stream is
// started; the response, any tool chains, and stream failures are observed
// via the bus, and WaitForChain blocks until the turn has drained.
func (s *Session) Send(ctx context.Context, text string) error {
	provider, err := s.Provider()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = s.ctx
	}

	s.history.AddUser(text)
	s.history.SetActiveProvider(provider.ID())
	s.scheduler.BeginTurn(ctx, provider.ID(), text)

	payload, err := provider.PreparePayload(s.history.MessagesFor(provider.ID()), nil)
	if err != nil {
		return err
	}
	if err := provider.AddTools(payload, nil); err != nil {
		return err
	}

	s.streamWG.Add(1)
	go func() {
		defer s.streamWG.Done()
		if err := provider.Stream(ctx, payload); err != nil {
			// The provider already published the matching ERROR event.
			zap.L().Warn("Stream failed", zap.Error(err))
		}
	}()
	return nil
}

// WaitForChain blocks until the root stream, any in-flight tool chain, and
// its executions have drained.
func (s *Session) WaitForChain() {
	s.streamWG.Wait()
	s.dispatcher.Wait()
	s.scheduler.Wait()
}

// Interrupt cancels the in-flight stream and any pending MCP calls. The
// scheduler observes the resulting stream error and terminates the chain.
func (s *Session) Interrupt() {
	s.cancel()
}

// Close disconnects every MCP server and releases the session's resources.
func (s *Session) Close() error {
	s.cancel()
	s.streamWG.Wait()
	s.dispatcher.Wait()
	s.scheduler.Wait()
	if err := s.manager.DisconnectAll(context.Background()); err != nil {
		zap.L().Warn("Error while disconnecting MCP servers", zap.Error(err))
		return err
	}
	return nil
}
