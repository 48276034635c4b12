package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hatchling-dev/hatchling/internal/core"
	"github.com/hatchling-dev/hatchling/internal/session"
)

// newToolsCmd creates the tools command group.
func newToolsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and toggle the tools exposed by the configured MCP servers",
	}

	cmd.AddCommand(newToolsListCmd(configPath))
	cmd.AddCommand(newToolsEnableCmd(configPath))
	cmd.AddCommand(newToolsDisableCmd(configPath))

	return cmd
}

// withConnectedSession connects to the configured servers and hands the live
// session to fn, disconnecting afterwards.
func withConnectedSession(cmd *cobra.Command, configPath *string, fn func(*session.Session) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	sess, err := session.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer core.LogDeferredError(sess.Close)

	if err := sess.Connect(cmd.Context()); err != nil {
		return err
	}
	return fn(sess)
}

// newToolsListCmd creates the tools list command.
func newToolsListCmd(configPath *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every tool with its status, reason, and origin server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnectedSession(cmd, configPath, func(sess *session.Session) error {
				names := sess.Catalog().Names()
				sort.Strings(names)

				if jsonOutput {
					type toolRow struct {
						Name        string `json:"name"`
						Status      string `json:"status"`
						Reason      string `json:"reason"`
						Server      string `json:"server"`
						Description string `json:"description,omitempty"`
					}
					rows := make([]toolRow, 0, len(names))
					for _, name := range names {
						info, err := sess.Catalog().Get(name)
						if err != nil {
							continue
						}
						status, reason := info.State()
						rows = append(rows, toolRow{
							Name:        info.Name,
							Status:      string(status),
							Reason:      string(reason),
							Server:      info.ServerPath,
							Description: info.Description,
						})
					}
					encoder := json.NewEncoder(os.Stdout)
					encoder.SetIndent("", "  ")
					return encoder.Encode(rows)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				core.MustFprintf(w, "NAME\tSTATUS\tREASON\tSERVER\n")
				for _, name := range names {
					info, err := sess.Catalog().Get(name)
					if err != nil {
						continue
					}
					status, reason := info.State()
					core.MustFprintf(w, "%s\t%s\t%s\t%s\n", info.Name, status, reason, info.ServerPath)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// newToolsEnableCmd creates the tools enable command.
func newToolsEnableCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <tool>",
		Short: "Enable a tool disabled by the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnectedSession(cmd, configPath, func(sess *session.Session) error {
				if err := sess.Manager().EnableTool(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Enabled %s\n", args[0])
				return nil
			})
		},
	}
}

// newToolsDisableCmd creates the tools disable command.
func newToolsDisableCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <tool>",
		Short: "Disable a tool so the model cannot call it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnectedSession(cmd, configPath, func(sess *session.Session) error {
				if err := sess.Manager().DisableTool(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Disabled %s\n", args[0])
				return nil
			})
		},
	}
}
