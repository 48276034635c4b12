package tui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hatchling-dev/hatchling/internal/bus"
)

// Printer is the bus subscriber that surfaces a conversation on the
// terminal: streamed content goes to stdout, tool and chain activity goes
// to stderr in a de-emphasized style.
type Printer struct {
	ui *UI

	mu sync.Mutex
	// buffer holds streamed content so the finished message can be
	// re-rendered as markdown on a TTY.
	buffer   strings.Builder
	markdown bool
	// printed tracks whether unterminated content went straight to stdout.
	printed bool
}

// NewPrinter creates a printer on the given UI. When markdown is true and
// stdout is a TTY, finished assistant messages are re-rendered with glamour.
func NewPrinter(ui *UI, markdown bool) *Printer {
	if ui == nil {
		ui = Default()
	}
	return &Printer{
		ui:       ui,
		markdown: markdown && ui.StdoutIsTTY() && ui.ColorEnabled(),
	}
}

// SubscribedKinds implements bus.Subscriber.
func (p *Printer) SubscribedKinds() mapset.Set[bus.EventKind] {
	return mapset.NewSet(
		bus.EventContent,
		bus.EventFinish,
		bus.EventError,
		bus.EventUsage,
		bus.EventMCPToolCallDispatched,
		bus.EventMCPToolCallResult,
		bus.EventMCPToolCallError,
		bus.EventToolChainLimitReached,
	)
}

// OnEvent implements bus.Subscriber.
func (p *Printer) OnEvent(event bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Kind {
	case bus.EventContent:
		content := event.StringData(bus.KeyContent)
		if p.markdown {
			p.buffer.WriteString(content)
			return
		}
		if content != "" {
			p.printed = true
		}
		fmt.Fprint(os.Stdout, content)

	case bus.EventFinish:
		p.flushLocked()

	case bus.EventError:
		p.flushLocked()
		p.ui.Info("Error: %s\n", event.StringData(bus.KeyError))

	case bus.EventUsage:
		p.ui.Dim("[tokens: %d prompt, %d completion]\n",
			event.IntData(bus.KeyPromptTokens),
			event.IntData(bus.KeyCompletionTokens))

	case bus.EventMCPToolCallDispatched:
		p.flushLocked()
		p.ui.Dim("→ %s\n", event.StringData(bus.KeyFunctionName))

	case bus.EventMCPToolCallResult:
		p.ui.Dim("← %s\n", event.StringData(bus.KeyFunctionName))

	case bus.EventMCPToolCallError:
		p.ui.Dim("← %s failed: %s\n",
			event.StringData(bus.KeyFunctionName),
			event.StringData(bus.KeyError))

	case bus.EventToolChainLimitReached:
		p.ui.Dim("[tool limit reached after %d iterations, asking for a final answer]\n",
			event.IntData(bus.KeyIteration))
	}
}

// flushLocked renders and prints any buffered content.
func (p *Printer) flushLocked() {
	if p.buffer.Len() == 0 {
		if p.printed {
			fmt.Fprintln(os.Stdout)
			p.printed = false
		}
		return
	}
	text := p.buffer.String()
	p.buffer.Reset()

	rendered, err := p.ui.RenderMarkdown(text, 80)
	if err != nil {
		rendered = text
	}
	fmt.Fprint(os.Stdout, rendered)
	if !strings.HasSuffix(rendered, "\n") {
		fmt.Fprintln(os.Stdout)
	}
}
