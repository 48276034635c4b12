package hatch

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/hatchling-dev/hatchling/internal/core"
)

// ServerManifestFileName is the name of the server.yaml manifest file.
const ServerManifestFileName = "server.yaml"

// ServerManifest describes an installed MCP server directory.
type ServerManifest struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description,omitempty"`
	Entrypoint  string `yaml:"entrypoint" validate:"required"`
	Author      string `yaml:"author,omitempty"`
	Homepage    string `yaml:"homepage,omitempty"`
}

var validate = validator.New()

// LoadManifest loads and parses a server.yaml manifest from the given directory
func LoadManifest(serverDir string) (*ServerManifest, error) {
	// Open root directory for secure file access
	root, err := os.OpenRoot(serverDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open server directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	// Read manifest file using os.Root (prevents path traversal)
	data, err := root.ReadFile(ServerManifestFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read server.yaml: %w", err)
	}

	var manifest ServerManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse server.yaml: %w", err)
	}

	return &manifest, nil
}

// ValidateManifest validates a server manifest: required fields, a semver
// version, and an entrypoint that exists inside the server directory.
func ValidateManifest(manifest *ServerManifest, serverDir string) error {
	if err := validate.Struct(manifest); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}

	// semver.IsValid expects a leading "v".
	version := manifest.Version
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("invalid server version %q: expected semantic version", manifest.Version)
	}

	root, err := os.OpenRoot(serverDir)
	if err != nil {
		return fmt.Errorf("failed to open server directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	info, err := root.Stat(manifest.Entrypoint)
	if err != nil {
		return fmt.Errorf("failed to validate entrypoint: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("entrypoint %s is a directory, expected a file", manifest.Entrypoint)
	}

	return nil
}
