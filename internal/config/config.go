// Package config provides configuration management for Hatchling, including
// loading configuration with precedence, environment variable overrides,
// and get/set/list operations for configuration values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/core"
)

const (
	DefaultModel             = "ollama:qwen3:1.7b"
	DefaultServersDir        = ".hatchling/servers"
	DefaultMaxToolIterations = 10
	DefaultMaxToolWallClock  = 5 * time.Minute
	DefaultOllamaHost        = "http://localhost:11434"
	DefaultToolChoice        = "auto"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

func ValidLogLevels() map[LogLevel]struct{} {
	return map[LogLevel]struct{}{
		LogLevelDebug: {},
		LogLevelInfo:  {},
		LogLevelWarn:  {},
		LogLevelError: {},
		LogLevelFatal: {},
	}
}

func IsValidLogLevel(level LogLevel) bool {
	_, ok := ValidLogLevels()[level]
	return ok
}

type LogFormat string

const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

func ValidLogFormats() map[LogFormat]struct{} {
	return map[LogFormat]struct{}{
		LogFormatPretty: {},
		LogFormatJSON:   {},
	}
}

func IsValidLogFormat(format LogFormat) bool {
	_, ok := ValidLogFormats()[format]
	return ok
}

// Config represents the hatchling configuration: the active model, the
// per-provider connection settings, sampling parameters, the tool-chain
// limits, the MCP servers directory, and the logging settings.
type Config struct {
	// Model identifier in "provider:model-name" form
	// (e.g. "openai:gpt-4o-mini", "ollama:qwen3:1.7b").
	Model string `yaml:"model,omitempty" mapstructure:"model"`

	// Provider connection settings.
	OpenAIAPIKey  string `yaml:"openai_api_key,omitempty" mapstructure:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url,omitempty" mapstructure:"openai_base_url"`
	OllamaHost    string `yaml:"ollama_host,omitempty" mapstructure:"ollama_host"`

	// Sampling parameters copied into every payload; caller-supplied
	// options override them per request.
	Temperature float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP        float64 `yaml:"top_p,omitempty" mapstructure:"top_p"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	ToolChoice  string  `yaml:"tool_choice,omitempty" mapstructure:"tool_choice"`

	// Tool chain limits.
	MaxToolIterations    int `yaml:"max_tool_iterations,omitempty" mapstructure:"max_tool_iterations"`
	MaxToolWallClockSecs int `yaml:"max_tool_wall_clock,omitempty" mapstructure:"max_tool_wall_clock"`

	// MCP environment settings.
	ServersDir       string `yaml:"servers_dir,omitempty" mapstructure:"servers_dir"`
	PythonExecutable string `yaml:"python_executable,omitempty" mapstructure:"python_executable"`

	// Logging.
	LogFormat LogFormat `yaml:"log_format,omitempty" mapstructure:"log_format"`
	LogLevel  string    `yaml:"log_level,omitempty" mapstructure:"log_level"`
	LogFile   string    `yaml:"log_file,omitempty" mapstructure:"log_file"`
}

// MaxToolWallClock returns the wall-clock limit as a duration.
func (cfg *Config) MaxToolWallClock() time.Duration {
	return time.Duration(cfg.MaxToolWallClockSecs) * time.Second
}

// ProviderID returns the provider named by the model identifier.
func (cfg *Config) ProviderID() (bus.ProviderID, error) {
	provider, _, err := ParseModelIdentifier(cfg.Model)
	if err != nil {
		return "", err
	}
	return provider, nil
}

// ModelName returns the model part of the model identifier.
func (cfg *Config) ModelName() (string, error) {
	_, name, err := ParseModelIdentifier(cfg.Model)
	if err != nil {
		return "", err
	}
	return name, nil
}

// UnknownProviderError is returned when the model identifier names a
// provider outside the closed provider set.
type UnknownProviderError struct {
	Provider string `json:"provider"`
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown model provider: %s (supported: %s)",
		e.Provider, core.JoinMapKeys(bus.ValidProviderIDs()))
}

// NewUnknownProviderError creates a new UnknownProviderError
func NewUnknownProviderError(provider string) *UnknownProviderError {
	return &UnknownProviderError{Provider: provider}
}

// Interface guard for UnknownProviderError
var _ error = &UnknownProviderError{}

// ParseModelIdentifier parses a model identifier string (e.g. "ollama:llama3")
// and returns the provider id and model name. Model names may themselves
// contain colons (e.g. "ollama:qwen3:1.7b").
func ParseModelIdentifier(modelID string) (bus.ProviderID, string, error) {
	parts := strings.SplitN(modelID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model identifier format: expected 'provider:model-name', got '%s'", modelID)
	}
	provider := bus.ProviderID(parts[0])
	if !bus.IsValidProviderID(provider) {
		return "", "", NewUnknownProviderError(parts[0])
	}
	return provider, parts[1], nil
}

// ConfigValue represents a configuration value with its source
type ConfigValue struct {
	Value  any
	Source string // "env", "project", "user", or "default"
}

// GetHatchlingHomeDir returns ~/.hatchling, creating nothing.
func GetHatchlingHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".hatchling"), nil
}

// GetUserConfigPath returns the path to the user-specific config file
// (~/.hatchling/config.yaml)
func GetUserConfigPath() (string, error) {
	hatchlingHome, err := GetHatchlingHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(hatchlingHome, "config.yaml"), nil
}

// GetProjectConfigPath returns the path to the project-specific config file
// (./hatchling.yaml) relative to the current working directory
func GetProjectConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return filepath.Join(cwd, "hatchling.yaml"), nil
}

// setupViper configures Viper with defaults, config file locations, and
// environment variables. If configPath is provided (non-empty), loads from
// that specific path instead of using precedence.
func setupViper(configPath string) error {
	viper.Reset()
	setViperDefaults()
	viper.SetEnvPrefix("HATCHLING")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// If specific path provided, load only that file
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	// Otherwise use precedence: user config first, then project config
	userPath, userErr := GetUserConfigPath()
	if userErr == nil {
		if _, userStatErr := os.Stat(userPath); userStatErr == nil {
			viper.SetConfigFile(userPath)
			if userReadErr := viper.ReadInConfig(); userReadErr != nil {
				zap.L().Debug("Failed to read user config file", zap.String("path", userPath), zap.Error(userReadErr))
			}
		}
	}

	projectPath, projectErr := GetProjectConfigPath()
	if projectErr == nil {
		if _, projectStatErr := os.Stat(projectPath); projectStatErr == nil {
			viper.SetConfigFile(projectPath)
			if projectReadErr := viper.MergeInConfig(); projectReadErr != nil {
				zap.L().Debug("Failed to merge project config file", zap.String("path", projectPath), zap.Error(projectReadErr))
			}
		}
	}

	return nil
}

// setViperDefaults sets default values in Viper
func setViperDefaults() {
	viper.SetDefault("model", DefaultModel)
	viper.SetDefault("ollama_host", DefaultOllamaHost)
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("top_p", 1.0)
	viper.SetDefault("max_tokens", 0)
	viper.SetDefault("tool_choice", DefaultToolChoice)
	viper.SetDefault("max_tool_iterations", DefaultMaxToolIterations)
	viper.SetDefault("max_tool_wall_clock", int(DefaultMaxToolWallClock.Seconds()))
	viper.SetDefault("servers_dir", "")
	viper.SetDefault("python_executable", "")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file", "")
}

// LoadConfig loads configuration with precedence: project config > user
// config > defaults. Environment variables override config file values.
// If configPath is provided, loads from that specific path instead.
func LoadConfig(configPath string) (*Config, error) {
	if err := setupViper(configPath); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := postProcessConfig(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// postProcessConfig resolves the servers directory.
func postProcessConfig(cfg *Config) error {
	serversDir := cfg.ServersDir

	// If serversDir is empty (not set in config), use global ~/.hatchling/servers
	if serversDir == "" {
		hatchlingHome, err := GetHatchlingHomeDir()
		if err != nil {
			return err
		}
		serversDir = filepath.Join(hatchlingHome, "servers")
		zap.L().Debug("servers_dir not set in config, using global servers directory",
			zap.String("servers_dir", serversDir))
	}

	if !filepath.IsAbs(serversDir) {
		abs, err := filepath.Abs(serversDir)
		if err != nil {
			return fmt.Errorf("failed to resolve servers directory path: %w", err)
		}
		serversDir = abs
	}

	cfg.ServersDir = filepath.Clean(serversDir)
	return nil
}

// Validate checks the configuration. Config-level errors (unknown provider,
// missing API key for the active provider) refuse the session before any
// stream begins.
func Validate(cfg *Config) error {
	if cfg.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	provider, _, err := ParseModelIdentifier(cfg.Model)
	if err != nil {
		return err
	}

	if provider == bus.ProviderOpenAI && cfg.OpenAIAPIKey == "" && core.GetEnv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("openai provider selected but no API key configured (set openai_api_key or OPENAI_API_KEY)")
	}

	if cfg.MaxToolIterations < 1 {
		return fmt.Errorf("max_tool_iterations must be at least 1, got %d", cfg.MaxToolIterations)
	}
	if cfg.MaxToolWallClockSecs < 1 {
		return fmt.Errorf("max_tool_wall_clock must be at least 1 second, got %d", cfg.MaxToolWallClockSecs)
	}

	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", cfg.Temperature)
	}
	if cfg.TopP < 0 || cfg.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %g", cfg.TopP)
	}

	if cfg.LogFormat != "" && !IsValidLogFormat(cfg.LogFormat) {
		return fmt.Errorf("log_format must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogFormats()), cfg.LogFormat)
	}
	if cfg.LogLevel != "" && !IsValidLogLevel(LogLevel(cfg.LogLevel)) {
		return fmt.Errorf("log_level must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogLevels()), cfg.LogLevel)
	}

	return nil
}

// ResolveOpenAIKey returns the configured API key, falling back to the
// environment.
func (cfg *Config) ResolveOpenAIKey() string {
	if cfg.OpenAIAPIKey != "" {
		return cfg.OpenAIAPIKey
	}
	return core.GetEnv("OPENAI_API_KEY")
}

// ResolveOllamaHost returns the configured Ollama host, falling back to the
// environment and then the default.
func (cfg *Config) ResolveOllamaHost() string {
	if cfg.OllamaHost != "" {
		return cfg.OllamaHost
	}
	if host := core.GetEnv("OLLAMA_HOST"); host != "" {
		return host
	}
	return DefaultOllamaHost
}

// getValueSource determines the source of a config value
func getValueSource(key string) string {
	// Check if environment variable is set
	envKey := "HATCHLING_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if os.Getenv(envKey) != "" {
		return "env"
	}

	// Check project config
	projectPath, err := GetProjectConfigPath()
	if err == nil {
		if _, projectStatErr := os.Stat(projectPath); projectStatErr == nil {
			projectViper := viper.New()
			projectViper.SetConfigFile(projectPath)
			if projectReadErr := projectViper.ReadInConfig(); projectReadErr == nil {
				if projectViper.IsSet(key) {
					return "project"
				}
			}
		}
	}

	// Check user config
	userPath, userErr := GetUserConfigPath()
	if userErr == nil {
		if _, userStatErr := os.Stat(userPath); userStatErr == nil {
			userViper := viper.New()
			userViper.SetConfigFile(userPath)
			if userReadErr := userViper.ReadInConfig(); userReadErr == nil {
				if userViper.IsSet(key) {
					return "user"
				}
			}
		}
	}

	return "default"
}

// GetConfigValue retrieves a configuration value by key, checking environment
// variables first. Returns the value and its source ("env", "project",
// "user", or "default").
func GetConfigValue(key string) (*ConfigValue, error) {
	if err := setupViper(""); err != nil {
		return nil, err
	}

	value := viper.Get(key)
	if value == nil {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}

	source := getValueSource(key)
	return &ConfigValue{Value: value, Source: source}, nil
}

// SetConfigValue sets a configuration value and saves it to the appropriate
// config file.
func SetConfigValue(key, value string) error {
	projectPath, projectErr := GetProjectConfigPath()
	var configPath string

	if projectErr == nil {
		if _, projectStatErr := os.Stat(projectPath); projectStatErr == nil {
			configPath = projectPath
		}
	}

	if configPath == "" {
		userPath, userErr := GetUserConfigPath()
		if userErr != nil {
			return fmt.Errorf("failed to get user config path: %w", userErr)
		}
		configDir := filepath.Dir(userPath)
		// #nosec G301 -- config directory permissions 0755 are acceptable for user config directory
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = userPath
	}

	if err := setupViper(configPath); err != nil {
		// A missing file is fine for a first write.
		if _, statErr := os.Stat(configPath); statErr == nil {
			return fmt.Errorf("failed to load existing config: %w", err)
		}
		viper.Reset()
		setViperDefaults()
	}

	viper.Set(key, value)

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// #nosec G306 -- config file permissions 0644 are acceptable for user config files
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ListConfig returns all configuration keys and values with their sources
func ListConfig() (map[string]*ConfigValue, error) {
	if err := setupViper(""); err != nil {
		return nil, err
	}

	result := make(map[string]*ConfigValue)

	allSettings := viper.AllSettings()
	for key := range allSettings {
		if _, ok := allSettings[key].(map[string]interface{}); ok {
			continue
		}
		configVal, err := GetConfigValue(key)
		if err != nil {
			continue
		}
		result[key] = configVal
	}

	return result, nil
}
