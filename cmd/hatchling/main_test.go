package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	defer func() {
		if restoreErr := os.Chdir(originalDir); restoreErr != nil {
			t.Logf("Failed to restore working directory: %v", restoreErr)
		}
	}()
	require.NoError(t, os.Chdir(tmpDir))

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Model)
	assert.GreaterOrEqual(t, cfg.MaxToolIterations, 1)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "hatchling.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: ollama:qwen3:1.7b\n"), 0o644))

	cfg, err := loadConfig(&path)
	require.NoError(t, err)
	assert.Equal(t, "ollama:qwen3:1.7b", cfg.Model)
}

func TestLoadConfig_MissingExplicitPathFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := loadConfig(&path)
	assert.Error(t, err)
}
