package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hatchling-dev/hatchling/internal/config"
	"github.com/hatchling-dev/hatchling/internal/core"
)

// newConfigCmd creates the config command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get, set, and list hatchling configuration values",
		Long: `Manage hatchling configuration. Values are resolved with the following
precedence: environment variables (HATCHLING_*), the project hatchling.yaml,
the user ~/.hatchling/config.yaml, then built-in defaults.`,
	}

	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

// newConfigGetCmd creates the config get command.
func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value and its source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := config.GetConfigValue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%v (%s)\n", value.Value, value.Source)
			return nil
		},
	}
}

// newConfigSetCmd creates the config set command.
func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a configuration value to the user config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], args[1])
			return nil
		},
	}
}

// newConfigListCmd creates the config list command.
func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every configuration value with its source",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := config.ListConfig()
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(values))
			for key := range values {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			core.MustFprintf(w, "KEY\tVALUE\tSOURCE\n")
			for _, key := range keys {
				value := values[key]
				display := fmt.Sprintf("%v", value.Value)
				if key == "openai_api_key" && display != "" {
					display = "********"
				}
				core.MustFprintf(w, "%s\t%s\t%s\n", key, display, value.Source)
			}
			return w.Flush()
		},
	}
}
