package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/core"
)

// validTestConfig returns a config that passes Validate.
func validTestConfig() *Config {
	return &Config{
		Model:                "ollama:qwen3:1.7b",
		Temperature:          0.7,
		TopP:                 1.0,
		MaxToolIterations:    10,
		MaxToolWallClockSecs: 300,
	}
}

func TestParseModelIdentifier(t *testing.T) {
	tests := []struct {
		name         string
		modelID      string
		wantProvider bus.ProviderID
		wantModel    string
		wantErr      bool
	}{
		{
			name:         "ollama model",
			modelID:      "ollama:llama3",
			wantProvider: bus.ProviderOllama,
			wantModel:    "llama3",
		},
		{
			name:         "openai model",
			modelID:      "openai:gpt-4o-mini",
			wantProvider: bus.ProviderOpenAI,
			wantModel:    "gpt-4o-mini",
		},
		{
			name:         "model name containing colons",
			modelID:      "ollama:qwen3:1.7b",
			wantProvider: bus.ProviderOllama,
			wantModel:    "qwen3:1.7b",
		},
		{
			name:    "unknown provider",
			modelID: "anthropic:claude",
			wantErr: true,
		},
		{
			name:    "missing separator",
			modelID: "llama3",
			wantErr: true,
		},
		{
			name:    "empty provider",
			modelID: ":llama3",
			wantErr: true,
		},
		{
			name:    "empty model name",
			modelID: "ollama:",
			wantErr: true,
		},
		{
			name:    "empty string",
			modelID: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, modelName, err := ParseModelIdentifier(tt.modelID)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, provider)
			assert.Equal(t, tt.wantModel, modelName)
		})
	}
}

func TestParseModelIdentifier_UnknownProviderErrorType(t *testing.T) {
	_, _, err := ParseModelIdentifier("anthropic:claude")

	var unknownErr *UnknownProviderError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "anthropic", unknownErr.Provider)
}

func TestValidate_Refusals(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "empty model",
			mutate:  func(cfg *Config) { cfg.Model = "" },
			wantErr: "model cannot be empty",
		},
		{
			name:    "openai without api key",
			mutate:  func(cfg *Config) { cfg.Model = "openai:gpt-4o-mini" },
			wantErr: "no API key",
		},
		{
			name:    "zero iterations",
			mutate:  func(cfg *Config) { cfg.MaxToolIterations = 0 },
			wantErr: "max_tool_iterations",
		},
		{
			name:    "zero wall clock",
			mutate:  func(cfg *Config) { cfg.MaxToolWallClockSecs = 0 },
			wantErr: "max_tool_wall_clock",
		},
		{
			name:    "temperature out of range",
			mutate:  func(cfg *Config) { cfg.Temperature = 2.5 },
			wantErr: "temperature",
		},
		{
			name:    "top_p out of range",
			mutate:  func(cfg *Config) { cfg.TopP = 1.5 },
			wantErr: "top_p",
		},
		{
			name:    "bad log format",
			mutate:  func(cfg *Config) { cfg.LogFormat = "xml" },
			wantErr: "log_format",
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.LogLevel = "verbose" },
			wantErr: "log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_OpenAIKeyFromEnv(t *testing.T) {
	t.Setenv("HATCHLING_OPENAI_API_KEY", "sk-test")

	cfg := validTestConfig()
	cfg.Model = "openai:gpt-4o-mini"

	assert.NoError(t, Validate(cfg))
}

func TestLoadConfig_Defaults(t *testing.T) {
	// Run from an empty directory so no project config is picked up.
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer core.LogDeferredError(func() error { return os.Chdir(originalDir) })

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultMaxToolIterations, cfg.MaxToolIterations)
	assert.Equal(t, DefaultMaxToolWallClock, cfg.MaxToolWallClock())
	assert.Equal(t, DefaultToolChoice, cfg.ToolChoice)
	assert.Equal(t, DefaultOllamaHost, cfg.ResolveOllamaHost())
	assert.True(t, filepath.IsAbs(cfg.ServersDir))
}

func TestLoadConfig_ProjectFileOverridesDefaults(t *testing.T) {
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	tmpDir := t.TempDir()
	require.NoError(t, os.Chdir(tmpDir))
	defer core.LogDeferredError(func() error { return os.Chdir(originalDir) })

	content := "model: ollama:llama3\nmax_tool_iterations: 3\nservers_dir: ./servers\n"
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "hatchling.yaml"), []byte(content), 0o644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "ollama:llama3", cfg.Model)
	assert.Equal(t, 3, cfg.MaxToolIterations)
	assert.True(t, filepath.IsAbs(cfg.ServersDir))
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "custom.yaml")
	content := "model: ollama:llama3\nmax_tool_wall_clock: 42\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama:llama3", cfg.Model)
	assert.Equal(t, 42*time.Second, cfg.MaxToolWallClock())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	originalDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer core.LogDeferredError(func() error { return os.Chdir(originalDir) })

	t.Setenv("HATCHLING_MODEL", "ollama:mistral")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "ollama:mistral", cfg.Model)
}

func TestLoadConfig_InvalidConfigRefused(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: nope:model\n"), 0o644))

	_, err := LoadConfig(path)

	require.Error(t, err)
	var unknownErr *UnknownProviderError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestConfig_ProviderAndModelName(t *testing.T) {
	cfg := &Config{Model: "ollama:qwen3:1.7b"}

	provider, err := cfg.ProviderID()
	require.NoError(t, err)
	assert.Equal(t, bus.ProviderOllama, provider)

	name, err := cfg.ModelName()
	require.NoError(t, err)
	assert.Equal(t, "qwen3:1.7b", name)
}
