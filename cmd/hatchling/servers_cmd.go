package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hatchling-dev/hatchling/internal/core"
	"github.com/hatchling-dev/hatchling/internal/hatch"
)

// newServersCmd creates the servers command group.
func newServersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect the MCP servers found in the servers directory",
	}

	cmd.AddCommand(newServersListCmd(configPath))
	cmd.AddCommand(newServersValidateCmd(configPath))

	return cmd
}

// newServersListCmd creates the servers list command. It scans the servers
// directory without launching anything.
func newServersListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered server entry points and their manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			env := hatch.NewDirEnvironment(cfg.ServersDir, cfg.PythonExecutable)
			paths, err := env.ListServerEntryPoints()
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Fprintf(os.Stdout, "No servers found in %s\n", cfg.ServersDir)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			core.MustFprintf(w, "PATH\tNAME\tVERSION\n")
			for _, path := range paths {
				name, version := "-", "-"
				if manifest, err := hatch.LoadManifest(filepath.Dir(path)); err == nil && manifest != nil {
					name = manifest.Name
					version = manifest.Version
				}
				core.MustFprintf(w, "%s\t%s\t%s\n", path, name, version)
			}
			return w.Flush()
		},
	}
}

// newServersValidateCmd creates the servers validate command.
func newServersValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every server manifest in the servers directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			env := hatch.NewDirEnvironment(cfg.ServersDir, cfg.PythonExecutable)
			paths, err := env.ListServerEntryPoints()
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range paths {
				serverDir := filepath.Dir(path)
				if _, err := os.Stat(filepath.Join(serverDir, hatch.ServerManifestFileName)); err != nil {
					fmt.Fprintf(os.Stdout, "- %s: no manifest\n", path)
					continue
				}
				manifest, err := hatch.LoadManifest(serverDir)
				if err != nil {
					fmt.Fprintf(os.Stdout, "✗ %s: %v\n", path, err)
					failed++
					continue
				}
				if err := hatch.ValidateManifest(manifest, serverDir); err != nil {
					fmt.Fprintf(os.Stdout, "✗ %s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(os.Stdout, "✓ %s (%s %s)\n", path, manifest.Name, manifest.Version)
			}
			if failed > 0 {
				return fmt.Errorf("%d server(s) failed validation", failed)
			}
			return nil
		},
	}
}
