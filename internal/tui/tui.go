// Package tui provides terminal UI utilities using charmbracelet libraries.
// It detects terminal capabilities and disables rich output when piping or
// redirecting.
//
// The package is script-friendly:
//   - Progress messages only appear when stderr is a TTY
//   - Colors are disabled when piping or when NO_COLOR is set
//   - Markdown rendering for model output
//
// Environment variables:
//   - NO_COLOR or HATCHLING_NO_COLOR: disable colors (https://no-color.org/)
//   - TERM=dumb: disable colors
//   - HATCHLING_QUIET: disable all UI output
package tui

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	colorGreen = lipgloss.ANSIColor(2)
	colorBlue  = lipgloss.ANSIColor(4)
	colorGray  = lipgloss.ANSIColor(8)
)

// eraseLine clears the current terminal line after a carriage return.
const eraseLine = "\x1b[2K"

var spinnerFrames = []string{"|", "/", "-", "\\"}

const spinnerInterval = 100 * time.Millisecond

// UI provides terminal UI functionality with automatic TTY detection.
type UI struct {
	stdoutIsTTY bool
	stderrIsTTY bool
	// enabled indicates whether progress output should be shown.
	enabled      bool
	colorEnabled bool
	showProgress bool

	currentSpinner   *spinnerState
	markdownRenderer *glamour.TermRenderer
}

type spinnerState struct {
	started time.Time
	ticker  clockwork.Ticker
	message string
	done    chan struct{}
}

var (
	defaultUI    *UI
	spinnerClock clockwork.Clock = clockwork.NewRealClock()

	// stderrRenderer lets styled output work on stderr even when stdout is
	// piped.
	stderrRenderer = lipgloss.NewRenderer(os.Stderr)

	successStyle = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorGreen).Bold(true)
	dimStyle     = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorGray)
	spinnerStyle = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorBlue)
)

func init() {
	defaultUI = New()
}

// New creates a UI instance with automatic TTY detection.
func New() *UI {
	stdoutIsTTY := IsTerminal(os.Stdout)
	stderrIsTTY := IsTerminal(os.Stderr)
	stdinIsTTY := IsTerminal(os.Stdin)

	// Progress goes to stderr, so stderr decides. Piped stdin means
	// script usage, so the UI stays quiet there too.
	enabled := stderrIsTTY && stdinIsTTY && !isDisabled()
	colorEnabled := stderrIsTTY && !isColorDisabled()

	ui := &UI{
		stdoutIsTTY:  stdoutIsTTY,
		stderrIsTTY:  stderrIsTTY,
		enabled:      enabled,
		colorEnabled: colorEnabled,
	}

	if colorEnabled && stdoutIsTTY {
		width := 80
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			ui.markdownRenderer = renderer
		}
	}

	return ui
}

// IsTerminal checks if a file descriptor is connected to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func isDisabled() bool {
	if val := os.Getenv("HATCHLING_QUIET"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		return true
	}
	return false
}

func isColorDisabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	if os.Getenv("HATCHLING_NO_COLOR") != "" {
		return true
	}
	if os.Getenv("TERM") == "dumb" {
		return true
	}
	return false
}

// Enabled returns whether UI output should be shown.
func (u *UI) Enabled() bool {
	return u.enabled
}

// ColorEnabled returns whether colors should be used.
func (u *UI) ColorEnabled() bool {
	return u.colorEnabled
}

// StdoutIsTTY returns whether stdout is a terminal.
func (u *UI) StdoutIsTTY() bool {
	return u.stdoutIsTTY
}

// SetShowProgress forces progress messages on even when the UI is disabled.
func (u *UI) SetShowProgress(show bool) {
	u.showProgress = show
}

// Progress shows a progress message with an animated spinner.
func (u *UI) Progress(message string) {
	if !u.showProgress && !u.enabled {
		return
	}

	if u.currentSpinner != nil && u.currentSpinner.message == message {
		u.printSpinnerFrame(u.currentSpinner)
		return
	}

	if u.currentSpinner != nil {
		u.stopSpinner()
	}

	state := &spinnerState{
		started: time.Now(),
		message: message,
		done:    make(chan struct{}),
		ticker:  spinnerClock.NewTicker(spinnerInterval),
	}
	u.currentSpinner = state

	u.printSpinnerFrame(state)

	go func() {
		for {
			select {
			case <-state.ticker.Chan():
				u.printSpinnerFrame(state)
			case <-state.done:
				return
			}
		}
	}()
}

func (u *UI) printSpinnerFrame(state *spinnerState) {
	elapsed := time.Since(state.started)
	frame := spinnerFrames[int(elapsed/spinnerInterval)%len(spinnerFrames)]
	if !u.colorEnabled {
		fmt.Fprintf(os.Stderr, "\r%s %s", frame, state.message)
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s %s", spinnerStyle.Render(frame), state.message)
}

func (u *UI) stopSpinner() {
	if u.currentSpinner == nil {
		return
	}
	if u.currentSpinner.ticker != nil {
		u.currentSpinner.ticker.Stop()
	}
	if u.currentSpinner.done != nil {
		close(u.currentSpinner.done)
	}
	fmt.Fprint(os.Stderr, "\r", eraseLine)
	u.currentSpinner = nil
	// Give the animation goroutine time to stop printing.
	time.Sleep(10 * time.Millisecond)
}

// ProgressSuccess stops the spinner and shows a checkmarked message.
func (u *UI) ProgressSuccess(message string) {
	if !u.showProgress && !u.enabled {
		return
	}
	if u.currentSpinner == nil {
		zap.L().Error("ProgressSuccess called without a spinner")
		return
	}

	displayMessage := message
	if displayMessage == "" {
		displayMessage = u.currentSpinner.message
	}
	u.stopSpinner()

	if displayMessage == "" {
		return
	}
	symbol := "✓"
	if u.colorEnabled {
		fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render(symbol), displayMessage)
	} else {
		fmt.Fprintf(os.Stderr, "%s %s\n", symbol, displayMessage)
	}
}

// Info prints an informational message to stderr. It writes even when not a
// TTY, respecting HATCHLING_QUIET.
func (u *UI) Info(format string, args ...any) {
	if isDisabled() {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// Dim prints a de-emphasized message to stderr, used for tool activity.
func (u *UI) Dim(format string, args ...any) {
	if isDisabled() {
		return
	}
	text := fmt.Sprintf(format, args...)
	if u.colorEnabled && u.stderrIsTTY {
		text = dimStyle.Render(text)
	}
	fmt.Fprint(os.Stderr, text)
}

// RenderMarkdown renders markdown content using glamour. Returns the plain
// text when not in a TTY or when rendering fails.
func (u *UI) RenderMarkdown(content string, width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("width must be greater than 0")
	}
	if !u.stdoutIsTTY || !u.colorEnabled {
		return content, nil
	}

	renderer := u.markdownRenderer
	if renderer == nil {
		var err error
		renderer, err = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content, err
		}
	}
	return renderer.Render(content)
}

// Default returns the default UI instance.
func Default() *UI {
	return defaultUI
}

// Reset resets the default UI instance (useful for testing).
func Reset() {
	defaultUI = New()
}

// Info prints an informational message using the default UI.
func Info(format string, args ...any) {
	defaultUI.Info(format, args...)
}

// Progress prints a progress message using the default UI.
func Progress(message string) {
	defaultUI.Progress(message)
}

// ProgressSuccess stops the spinner and shows success using the default UI.
func ProgressSuccess(message string) {
	defaultUI.ProgressSuccess(message)
}

// SetShowProgress forces progress messages on using the default UI.
func SetShowProgress(show bool) {
	defaultUI.SetShowProgress(show)
}

// RenderMarkdown renders markdown content using the default UI.
func RenderMarkdown(content string, width int) (string, error) {
	return defaultUI.RenderMarkdown(content, width)
}
