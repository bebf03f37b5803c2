// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for parley.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation with range clamping for engine tunables.
//
// Configuration file location:
//   - ~/.parley/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete parley configuration.
type Config struct {
	// General settings
	Version      string `toml:"version"`
	DefaultModel string `toml:"default_model"`

	// Chat defaults applied to new conversations
	Chat ChatConfig `toml:"chat"`

	// Engine tunables for the turn orchestrator
	Engine EngineConfig `toml:"engine"`

	// Provider (Ollama) configuration
	Provider ProviderConfig `toml:"provider"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Tools configuration
	Tools ToolsConfig `toml:"tools"`

	// UI configuration
	UI UIConfig `toml:"ui"`
}

// ChatConfig contains defaults for new conversations.
type ChatConfig struct {
	// Temperature is the default sampling temperature (0.0-2.0)
	Temperature float64 `toml:"temperature"`
	// SystemPrompt is prepended to every conversation when non-empty
	SystemPrompt string `toml:"system_prompt"`
	// MultiModel enables multi-model dispatch for new conversations
	MultiModel bool `toml:"multi_model"`
	// ActiveModels lists the models queried when MultiModel is on
	ActiveModels []string `toml:"active_models"`
}

// EngineConfig contains turn orchestration tunables.
type EngineConfig struct {
	// MaxToolDepth bounds consecutive tool executions within one turn.
	// Valid range is 1-32; values outside are clamped.
	MaxToolDepth int `toml:"max_tool_depth"`
	// ToolWatchdogSecs is the inactivity limit while a turn has executed
	// at least one tool. When no event arrives for this long the turn fails.
	ToolWatchdogSecs int `toml:"tool_watchdog_secs"`
	// BatchWindowMs is the chunk batcher flush interval in milliseconds.
	// Valid range is 16-1000; values outside are clamped.
	BatchWindowMs int `toml:"batch_window_ms"`
}

// ProviderConfig contains local Ollama configuration.
type ProviderConfig struct {
	// OllamaURL is the URL of the Ollama server
	OllamaURL string `toml:"ollama_url"`
	// StreamTimeoutSecs is the per-request stream open timeout
	StreamTimeoutSecs int `toml:"stream_timeout_secs"`
	// MaxRetries is the number of stream open attempts
	MaxRetries int `toml:"max_retries"`
	// RequestsPerSecond rate-limits outbound chat requests
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// StorageConfig contains conversation persistence configuration.
type StorageConfig struct {
	// Backend selects the store implementation: "json" or "sqlite"
	Backend string `toml:"backend"`
	// Dir is the storage directory (empty = ~/.parley/conversations)
	Dir string `toml:"dir"`
	// MaxConversations bounds how many conversations are retained
	MaxConversations int `toml:"max_conversations"`
}

// ToolsConfig contains tool execution configuration.
type ToolsConfig struct {
	// WebSearchEnabled registers the built-in web_search tool
	WebSearchEnabled bool `toml:"web_search_enabled"`
	// ReadFileEnabled registers the built-in read_file tool
	ReadFileEnabled bool `toml:"read_file_enabled"`
	// TimeoutSecs is the per-execution tool timeout
	TimeoutSecs int `toml:"timeout_secs"`
	// WorkDir confines the read_file tool (empty = current directory)
	WorkDir string `toml:"work_dir"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme"`
	// ShowStats displays token counts and timing in the UI
	ShowStats bool `toml:"show_stats"`
	// ShowReasoning displays model reasoning deltas while streaming
	ShowReasoning bool `toml:"show_reasoning"`
	// Markdown renders completed assistant messages as markdown
	Markdown bool `toml:"markdown"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version:      "1.0.0",
		DefaultModel: "qwen2.5:14b",

		Chat: ChatConfig{
			Temperature:  0.7,
			SystemPrompt: "",
			MultiModel:   false,
			ActiveModels: nil,
		},

		Engine: EngineConfig{
			MaxToolDepth:     8,
			ToolWatchdogSecs: 60,
			BatchWindowMs:    100,
		},

		Provider: ProviderConfig{
			OllamaURL:         "http://127.0.0.1:11434",
			StreamTimeoutSecs: 5,
			MaxRetries:        3,
			RequestsPerSecond: 4,
		},

		Storage: StorageConfig{
			Backend:          "json",
			Dir:              "",
			MaxConversations: 100,
		},

		Tools: ToolsConfig{
			WebSearchEnabled: true,
			ReadFileEnabled:  false,
			TimeoutSecs:      30,
			WorkDir:          "",
		},

		UI: UIConfig{
			Theme:         "dark",
			ShowStats:     true,
			ShowReasoning: true,
			Markdown:      true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the parley configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".parley"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults.
// Environment overrides are applied last, then clamping and validation.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := LoadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaults.DefaultModel
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = defaults.Chat.Temperature
	}
	if cfg.Engine.MaxToolDepth == 0 {
		cfg.Engine.MaxToolDepth = defaults.Engine.MaxToolDepth
	}
	if cfg.Engine.ToolWatchdogSecs == 0 {
		cfg.Engine.ToolWatchdogSecs = defaults.Engine.ToolWatchdogSecs
	}
	if cfg.Engine.BatchWindowMs == 0 {
		cfg.Engine.BatchWindowMs = defaults.Engine.BatchWindowMs
	}
	if cfg.Provider.OllamaURL == "" {
		cfg.Provider.OllamaURL = defaults.Provider.OllamaURL
	}
	if cfg.Provider.StreamTimeoutSecs == 0 {
		cfg.Provider.StreamTimeoutSecs = defaults.Provider.StreamTimeoutSecs
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = defaults.Provider.MaxRetries
	}
	if cfg.Provider.RequestsPerSecond == 0 {
		cfg.Provider.RequestsPerSecond = defaults.Provider.RequestsPerSecond
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.MaxConversations == 0 {
		cfg.Storage.MaxConversations = defaults.Storage.MaxConversations
	}
	if cfg.Tools.TimeoutSecs == 0 {
		cfg.Tools.TimeoutSecs = defaults.Tools.TimeoutSecs
	}
	if cfg.UI.Theme == "" {
		cfg.UI.Theme = defaults.UI.Theme
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# parley configuration file")
	fmt.Fprintln(file, "# Generated by parley - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Clamp forces engine tunables into their valid ranges. Out-of-range values
// from a hand-edited config are corrected rather than rejected so the
// application always starts with a runnable engine.
func (c *Config) Clamp() {
	if c.Engine.MaxToolDepth < 1 {
		c.Engine.MaxToolDepth = 1
	}
	if c.Engine.MaxToolDepth > 32 {
		c.Engine.MaxToolDepth = 32
	}
	if c.Engine.BatchWindowMs < 16 {
		c.Engine.BatchWindowMs = 16
	}
	if c.Engine.BatchWindowMs > 1000 {
		c.Engine.BatchWindowMs = 1000
	}
	if c.Engine.ToolWatchdogSecs < 5 {
		c.Engine.ToolWatchdogSecs = 5
	}
	if c.Chat.Temperature < 0 {
		c.Chat.Temperature = 0
	}
	if c.Chat.Temperature > 2 {
		c.Chat.Temperature = 2
	}
	if c.Provider.MaxRetries < 1 {
		c.Provider.MaxRetries = 1
	}
	if c.Provider.MaxRetries > 10 {
		c.Provider.MaxRetries = 10
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Provider.OllamaURL != "" {
		if _, err := url.Parse(c.Provider.OllamaURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "provider.ollama_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[strings.ToLower(c.Storage.Backend)] {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: json, sqlite", c.Storage.Backend),
		})
	}

	if c.Storage.MaxConversations < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_conversations",
			Message: "must be at least 1",
		})
	}

	if c.Chat.MultiModel && len(c.ActiveModels()) == 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.active_models",
			Message: "multi_model requires at least one active model",
		})
	}

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme '%s', must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ActiveModels returns the models queried in multi-model mode, falling back
// to the default model when none are configured.
func (c *Config) ActiveModels() []string {
	if len(c.Chat.ActiveModels) > 0 {
		return c.Chat.ActiveModels
	}
	if c.DefaultModel != "" {
		return []string{c.DefaultModel}
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - PARLEY_MODEL: overrides default_model
//   - PARLEY_OLLAMA_URL: overrides provider.ollama_url
//   - PARLEY_MAX_TOOL_DEPTH: overrides engine.max_tool_depth
//   - PARLEY_BATCH_WINDOW_MS: overrides engine.batch_window_ms
//   - PARLEY_STORAGE_BACKEND: overrides storage.backend
//   - PARLEY_STORAGE_DIR: overrides storage.dir
//   - PARLEY_MULTI_MODEL: set to "1" or "true" to enable multi-model dispatch
//   - PARLEY_MODELS: comma-separated list, overrides chat.active_models
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("PARLEY_MODEL"); model != "" {
		c.DefaultModel = model
	}

	if url := os.Getenv("PARLEY_OLLAMA_URL"); url != "" {
		c.Provider.OllamaURL = url
	}

	if depth := os.Getenv("PARLEY_MAX_TOOL_DEPTH"); depth != "" {
		if n, err := strconv.Atoi(depth); err == nil {
			c.Engine.MaxToolDepth = n
		}
	}

	if window := os.Getenv("PARLEY_BATCH_WINDOW_MS"); window != "" {
		if n, err := strconv.Atoi(window); err == nil {
			c.Engine.BatchWindowMs = n
		}
	}

	if backend := os.Getenv("PARLEY_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}

	if dir := os.Getenv("PARLEY_STORAGE_DIR"); dir != "" {
		c.Storage.Dir = dir
	}

	if multi := os.Getenv("PARLEY_MULTI_MODEL"); multi != "" {
		c.Chat.MultiModel = multi == "1" || strings.ToLower(multi) == "true"
	}

	if models := os.Getenv("PARLEY_MODELS"); models != "" {
		var list []string
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				list = append(list, m)
			}
		}
		if len(list) > 0 {
			c.Chat.ActiveModels = list
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Chat.ActiveModels != nil {
		clone.Chat.ActiveModels = append([]string(nil), c.Chat.ActiveModels...)
	}
	return &clone
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
