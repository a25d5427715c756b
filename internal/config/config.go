// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "mailagent.toml"

// Config represents the mail agent configuration.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	LLM        LLMConfig        `toml:"llm"` // optional; templates are used when model is empty
	Mailbox    MailboxConfig    `toml:"mailbox"`
	Search     SearchConfig     `toml:"search"`
	Delegation DelegationConfig `toml:"delegation"`
	Routing    RoutingConfig    `toml:"routing"`
	Planning   PlanningConfig   `toml:"planning"`
	Export     ExportConfig     `toml:"export"`
	Storage    StorageConfig    `toml:"storage"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Signature string `toml:"signature"` // closing line of drafted replies
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // provider-level retries
	RetryBackoff string `toml:"retry_backoff"` // provider-level max backoff
}

// MailboxConfig selects where emails come from.
type MailboxConfig struct {
	Dir string `toml:"dir"` // empty = built-in sample mailbox
}

// SearchConfig selects the search backend for research.
type SearchConfig struct {
	CorpusDir  string `toml:"corpus_dir"` // empty = canned results
	MaxResults int    `toml:"max_results"`
}

// DelegationConfig controls how sub-agents are invoked.
type DelegationConfig struct {
	Timeout      string `toml:"timeout"`       // per attempt
	MaxRetries   int    `toml:"max_retries"`   // retries after the first attempt
	RetryBackoff string `toml:"retry_backoff"` // pause between attempts
	Concurrency  int    `toml:"concurrency"`   // TODOs dispatched in parallel
}

// RoutingConfig maps TODO categories to capabilities.
type RoutingConfig struct {
	Table    map[string]string `toml:"table"`
	Fallback string            `toml:"fallback"`
}

// PlanningConfig shapes the TODO graph built for each email.
type PlanningConfig struct {
	ResearchCritical bool `toml:"research_critical"`
	ResearchPriority int  `toml:"research_priority"`
	ResponsePriority int  `toml:"response_priority"`
}

// ExportConfig lists where the result document goes.
type ExportConfig struct {
	Path        string `toml:"path"`     // JSON file; empty = none
	NATSURL     string `toml:"nats_url"` // empty = no publish
	NATSSubject string `toml:"nats_subject"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	LogDir string `toml:"log_dir"` // run event logs; empty = not persisted
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "mailagent",
			Signature: "Best regards",
		},
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Search: SearchConfig{
			MaxResults: 2,
		},
		Delegation: DelegationConfig{
			Timeout:     "30s",
			MaxRetries:  2,
			Concurrency: 1,
		},
		Routing: RoutingConfig{
			Table: map[string]string{
				"research": "research",
				"response": "response",
				"respond":  "response",
			},
		},
		Planning: PlanningConfig{
			ResearchPriority: 10,
		},
		Export: ExportConfig{
			Path:        "email_result.json",
			NATSSubject: "mailagent.results",
		},
		Storage: StorageConfig{
			LogDir: "~/.local/mailagent/runs",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads mailagent.toml from the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, DefaultFile))
}

// Validate checks values that would otherwise fail later in a run.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.DelegationTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RetryBackoff(); err != nil {
		errs = append(errs, err)
	}
	if c.Delegation.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("delegation.max_retries must be >= 0, got %d", c.Delegation.MaxRetries))
	}
	if c.Delegation.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("delegation.concurrency must be >= 1, got %d", c.Delegation.Concurrency))
	}
	if c.Search.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("search.max_results must be >= 1, got %d", c.Search.MaxResults))
	}
	if c.Export.NATSURL != "" && c.Export.NATSSubject == "" {
		errs = append(errs, errors.New("export.nats_subject is required when export.nats_url is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DelegationTimeout returns the per-attempt timeout. Empty or "0" disables it.
func (c *Config) DelegationTimeout() (time.Duration, error) {
	return parseDuration("delegation.timeout", c.Delegation.Timeout)
}

// RetryBackoff returns the pause between delegation attempts.
func (c *Config) RetryBackoff() (time.Duration, error) {
	return parseDuration("delegation.retry_backoff", c.Delegation.RetryBackoff)
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// LogDir returns the run log directory with ~ expanded.
func (c *Config) LogDir() string {
	return ExpandHome(c.Storage.LogDir)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
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

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
