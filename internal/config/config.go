// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the warden configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm" yaml:"llm"`
	Loop      LoopConfig      `toml:"loop" yaml:"loop"`
	Approval  ApprovalConfig  `toml:"approval" yaml:"approval"`
	Policy    PolicyConfig    `toml:"policy" yaml:"policy"`
	Tools     ToolsConfig     `toml:"tools" yaml:"tools"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Events    EventsConfig    `toml:"events" yaml:"events"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// LLMConfig contains reasoning provider settings.
type LLMConfig struct {
	Provider  string `toml:"provider" yaml:"provider"` // openai, anthropic, gemini
	Model     string `toml:"model" yaml:"model"`
	APIKeyEnv string `toml:"api_key_env" yaml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens" yaml:"max_tokens"`
	BaseURL   string `toml:"base_url" yaml:"base_url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama)
}

// LoopConfig contains step loop limits and failure policy.
type LoopConfig struct {
	MaxSteps             int    `toml:"max_steps" yaml:"max_steps"`
	MaxRetries           int    `toml:"max_retries" yaml:"max_retries"`           // Tool retry attempts after the first
	ProviderRetries      int    `toml:"provider_retries" yaml:"provider_retries"` // Provider retry attempts after the first
	RetryBackoff         string `toml:"retry_backoff" yaml:"retry_backoff"`       // Initial backoff (default "500ms")
	ApprovalMode         string `toml:"approval_mode" yaml:"approval_mode"`       // normal or strict
	HaltOnDeny           bool   `toml:"halt_on_deny" yaml:"halt_on_deny"`
	HaltOnReject         bool   `toml:"halt_on_reject" yaml:"halt_on_reject"`
	HaltOnRetryExhausted bool   `toml:"halt_on_retry_exhausted" yaml:"halt_on_retry_exhausted"`
	TeamMode             bool   `toml:"team_mode" yaml:"team_mode"`
	HistoryWindow        int    `toml:"history_window" yaml:"history_window"` // Events passed to the provider
}

// ApprovalConfig contains approval gate settings.
type ApprovalConfig struct {
	Timeout string `toml:"timeout" yaml:"timeout"` // Pending approval lifetime (default "1h")
}

// PolicyConfig contains the inline policy rules and an optional policy file.
type PolicyConfig struct {
	File            string        `toml:"file" yaml:"file"`   // TOML or YAML rule file, overrides inline rules
	Watch           bool          `toml:"watch" yaml:"watch"` // Reload File on change
	AllowedCommands []string      `toml:"allowed_commands" yaml:"allowed_commands"`
	AllowedFileOps  []string      `toml:"allowed_file_ops" yaml:"allowed_file_ops"`
	AllowedTools    []string      `toml:"allowed_tools" yaml:"allowed_tools"`
	ProtectedPaths  []string      `toml:"protected_paths" yaml:"protected_paths"`
	Patterns        []PatternRule `toml:"patterns" yaml:"patterns"` // Extra dangerous shell patterns
}

// PatternRule is a named regular expression that denies matching shell commands.
type PatternRule struct {
	Name   string `toml:"name" yaml:"name"`
	Regex  string `toml:"regex" yaml:"regex"`
	Reason string `toml:"reason" yaml:"reason"`
}

// ToolsConfig contains tool execution settings.
type ToolsConfig struct {
	ShellTimeout     string `toml:"shell_timeout" yaml:"shell_timeout"`           // default "30s"
	MaxOutputBytes   int    `toml:"max_output_bytes" yaml:"max_output_bytes"`     // default 8000
	SearchMaxResults int    `toml:"search_max_results" yaml:"search_max_results"` // 1..10, default 5
	SearchTimeout    string `toml:"search_timeout" yaml:"search_timeout"`         // default "30s"
	SearchAPIKeyEnv  string `toml:"search_api_key_env" yaml:"search_api_key_env"` // Tavily key, DuckDuckGo when unset
}

// StorageConfig contains journal settings.
type StorageConfig struct {
	Path    string `toml:"path" yaml:"path"`       // Base directory for persistent data
	Journal string `toml:"journal" yaml:"journal"` // Journal file name under Path
	Fsync   bool   `toml:"fsync" yaml:"fsync"`     // Sync after every record
}

// ServerConfig contains HTTP binding settings.
type ServerConfig struct {
	Addr       string  `toml:"addr" yaml:"addr"`
	TokenEnv   string  `toml:"token_env" yaml:"token_env"`
	MaxConns   int     `toml:"max_conns" yaml:"max_conns"`
	RateLimit  float64 `toml:"rate_limit" yaml:"rate_limit"` // Requests per second, 0 disables
	RateBurst  int     `toml:"rate_burst" yaml:"rate_burst"`
	EvictAfter string  `toml:"evict_after" yaml:"evict_after"` // Terminal runs older than this are dropped
	EvictCron  string  `toml:"evict_cron" yaml:"evict_cron"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled" yaml:"enabled"`
	Endpoint string            `toml:"endpoint" yaml:"endpoint"` // OTLP endpoint (e.g., localhost:4318)
	Protocol string            `toml:"protocol" yaml:"protocol"` // http or stdout
	Insecure bool              `toml:"insecure" yaml:"insecure"` // Disable TLS (default false)
	Headers  map[string]string `toml:"headers" yaml:"headers"`   // Auth headers
}

// EventsConfig contains event sink settings.
type EventsConfig struct {
	NATSURL       string `toml:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // json or console
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "openai",
			MaxTokens: 1024,
		},
		Loop: LoopConfig{
			MaxSteps:        20,
			MaxRetries:      1,
			ProviderRetries: 2,
			RetryBackoff:    "500ms",
			ApprovalMode:    "normal",
			HaltOnDeny:      true,
			HistoryWindow:   10,
		},
		Approval: ApprovalConfig{
			Timeout: "1h",
		},
		Policy: PolicyConfig{
			AllowedCommands: []string{"ls", "dir", "pwd", "cat", "python", "pytest", "go"},
			AllowedFileOps:  []string{"read", "list", "search"},
			AllowedTools:    []string{"search"},
			ProtectedPaths:  []string{".git/**", "**/.env"},
		},
		Tools: ToolsConfig{
			ShellTimeout:     "30s",
			MaxOutputBytes:   8000,
			SearchMaxResults: 5,
			SearchTimeout:    "30s",
			SearchAPIKeyEnv:  "TAVILY_API_KEY",
		},
		Storage: StorageConfig{
			Path:    "~/.local/warden",
			Journal: "journal.jsonl",
			Fsync:   true,
		},
		Server: ServerConfig{
			Addr:       "127.0.0.1:8080",
			TokenEnv:   "WARDEN_WEB_TOKEN",
			MaxConns:   64,
			RateLimit:  20,
			RateBurst:  40,
			EvictAfter: "24h",
			EvictCron:  "@every 10m",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Events: EventsConfig{
			SubjectPrefix: "warden.runs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file, or YAML when the
// extension is .yaml or .yml. Missing keys keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads warden.toml from the current directory, falling back to
// defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "warden.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks enumerated values and duration strings.
func (c *Config) Validate() error {
	switch c.Loop.ApprovalMode {
	case "normal", "strict":
	default:
		return fmt.Errorf("invalid approval_mode %q (expected normal or strict)", c.Loop.ApprovalMode)
	}
	if c.Loop.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1")
	}
	if c.Loop.MaxRetries < 0 || c.Loop.ProviderRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	for name, value := range map[string]string{
		"loop.retry_backoff":   c.Loop.RetryBackoff,
		"approval.timeout":     c.Approval.Timeout,
		"tools.shell_timeout":  c.Tools.ShellTimeout,
		"tools.search_timeout": c.Tools.SearchTimeout,
		"server.evict_after":   c.Server.EvictAfter,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	return nil
}

// ApplyEnv overrides provider and model from MODEL_PROVIDER and the
// provider-specific *_MODEL variables.
func (c *Config) ApplyEnv() {
	if p := os.Getenv("MODEL_PROVIDER"); p != "" {
		c.LLM.Provider = strings.ToLower(strings.TrimSpace(p))
	}
	if m := os.Getenv(ModelEnv(c.LLM.Provider)); m != "" {
		c.LLM.Model = m
	}
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// GetSearchAPIKey returns the Tavily key, empty when unset.
func (c *Config) GetSearchAPIKey() string {
	if c.Tools.SearchAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Tools.SearchAPIKeyEnv)
}

// GetServerToken returns the HTTP bearer token.
func (c *Config) GetServerToken() string {
	if c.Server.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Server.TokenEnv)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "gemini", "google":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// ModelEnv returns the environment variable that overrides a provider's model.
func ModelEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_MODEL"
	case "openai":
		return "OPENAI_MODEL"
	case "gemini", "google":
		return "GEMINI_MODEL"
	default:
		return ""
	}
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-latest"
	case "openai":
		return "gpt-4.1-mini"
	case "gemini", "google":
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

// JournalPath returns the absolute journal path with ~ expanded.
func (c *Config) JournalPath() string {
	return filepath.Join(ExpandPath(c.Storage.Path), c.Storage.Journal)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Duration parses a duration string, returning fallback when empty or invalid.
// Values are checked by Validate at load time.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
