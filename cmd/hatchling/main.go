package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hatchling-dev/hatchling/internal/config"
	"github.com/hatchling-dev/hatchling/internal/core"
)

var (
	version = "dev"
	// build time date
	buildDate = "unknown"
)

func main() {
	var (
		configPath string
		prettyLog  bool
	)

	rootCmd := &cobra.Command{
		Use:   "hatchling",
		Short: "Hatchling LLM + MCP chat host",
		Long: `Hatchling couples a streaming LLM chat client to Model Context Protocol
(MCP) tool servers. The model can call tools exposed by local MCP servers;
Hatchling executes them and feeds the results back until the model produces
a final answer.`,
		Version: fmt.Sprintf("%s (built: %s)", version, buildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return core.Init(prettyLog)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a hatchling.yaml config file")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty", false, "Use pretty-printed logs instead of JSON")

	rootCmd.AddCommand(newChatCmd(&configPath))
	rootCmd.AddCommand(newToolsCmd(&configPath))
	rootCmd.AddCommand(newServersCmd(&configPath))
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the effective configuration for a command invocation.
func loadConfig(configPath *string) (*config.Config, error) {
	path := ""
	if configPath != nil {
		path = *configPath
	}
	return config.LoadConfig(path)
}
