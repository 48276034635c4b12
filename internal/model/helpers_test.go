package model

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/config"
)

// eventRecorder captures every stream event in publication order.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) SubscribedKinds() mapset.Set[bus.EventKind] {
	return mapset.NewSet(
		bus.EventRole,
		bus.EventContent,
		bus.EventFinish,
		bus.EventUsage,
		bus.EventError,
		bus.EventLLMToolCallRequest,
	)
}

func (r *eventRecorder) OnEvent(event bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) kinds() []bus.EventKind {
	var kinds []bus.EventKind
	for _, event := range r.all() {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (r *eventRecorder) ofKind(kind bus.EventKind) []bus.Event {
	var out []bus.Event
	for _, event := range r.all() {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

// newStreamFixture builds a bus with a recorder, a catalog, and a config
// pointing the given provider at baseURL.
func newStreamFixture(provider bus.ProviderID, baseURL string) (*bus.Bus, *eventRecorder, *catalog.Catalog, *config.Config) {
	b := bus.New()
	recorder := &eventRecorder{}
	b.Subscribe(recorder)
	cat := catalog.New()

	cfg := &config.Config{
		Temperature:          0.7,
		TopP:                 1.0,
		MaxToolIterations:    10,
		MaxToolWallClockSecs: 300,
	}
	switch provider {
	case bus.ProviderOllama:
		cfg.Model = "ollama:qwen3:1.7b"
		cfg.OllamaHost = baseURL
	case bus.ProviderOpenAI:
		cfg.Model = "openai:gpt-4o-mini"
		cfg.OpenAIAPIKey = "sk-test"
		cfg.OpenAIBaseURL = baseURL + "/v1"
	}
	return b, recorder, cat, cfg
}
