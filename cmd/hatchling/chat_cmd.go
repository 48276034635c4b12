package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hatchling-dev/hatchling/internal/core"
	"github.com/hatchling-dev/hatchling/internal/session"
	"github.com/hatchling-dev/hatchling/internal/tui"
)

// newChatCmd creates the chat command, both interactive and one-shot.
func newChatCmd(configPath *string) *cobra.Command {
	var (
		modelFlag  string
		noMarkdown bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the configured model, with MCP tools attached",
		Long: `Start a chat session. With a prompt argument the session is one-shot: the
prompt is sent, the answer is printed, and hatchling exits. Without
arguments an interactive loop reads prompts from stdin until "exit",
"quit", or EOF.

During a turn, Ctrl-C cancels the in-flight model stream and any pending
tool calls; the session stays usable for the next prompt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if modelFlag != "" {
				cfg.Model = modelFlag
			}

			sess, err := session.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer core.LogDeferredError(sess.Close)

			sess.Bus().Subscribe(tui.NewPrinter(tui.Default(), !noMarkdown))

			tui.Progress("Connecting to MCP servers...")
			if err := sess.Connect(cmd.Context()); err != nil {
				return err
			}
			tui.ProgressSuccess(fmt.Sprintf("Connected (%d tools)", len(sess.Catalog().Names())))

			if len(args) == 1 {
				return runTurn(sess, args[0])
			}
			return runInteractive(sess)
		},
	}

	cmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model to use (e.g. ollama:qwen3:1.7b, openai:gpt-4o-mini)")
	cmd.Flags().BoolVar(&noMarkdown, "no-markdown", false, "Print model output verbatim instead of rendering markdown")

	return cmd
}

// runTurn sends one prompt and waits for the tool chain to settle. Ctrl-C
// cancels the turn without tearing down the session.
func runTurn(sess *session.Session, prompt string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := sess.Send(ctx, prompt); err != nil {
		return err
	}
	sess.WaitForChain()
	return nil
}

func runInteractive(sess *session.Session) error {
	tui.Info("Type a prompt, or \"exit\" to quit.\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if prompt == "exit" || prompt == "quit" {
			return nil
		}

		if err := runTurn(sess, prompt); err != nil {
			tui.Info("Error: %v\n", err)
		}
	}
}
