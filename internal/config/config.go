// Package config loads ~/.bluelamp/config.yaml and applies environment
// overrides on top of the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/mcp"
)

// DirName is the per-user directory holding config, sessions and keys.
const DirName = ".bluelamp"

// Config is the full BlueLamp configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Security SecurityConfig `yaml:"security"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Session  SessionConfig  `yaml:"session"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// LLMConfig configures the Anthropic adapter.
type LLMConfig struct {
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
	// MaxTokens bounds each completion
	// Default: 8192, Range: 1-64000
	MaxTokens int64 `yaml:"max_tokens"`
	// MaxMessageChars truncates long observations before they are sent
	// Default: 30000, Range: 1000-1000000
	MaxMessageChars int     `yaml:"max_message_chars"`
	CachingPrompt   bool    `yaml:"caching_prompt"`
	Vision          bool    `yaml:"vision"`
	Temperature     float64 `yaml:"temperature"`
	// RateLimitRPS paces requests; 0 disables pacing
	RateLimitRPS       float64         `yaml:"rate_limit_rps"`
	MaxConcurrentCalls int             `yaml:"max_concurrent_calls"`
	Retry              llm.RetryConfig `yaml:"retry"`
}

// AgentConfig selects the starting agent and its budget.
type AgentConfig struct {
	DefaultAgent string `yaml:"default_agent"`
	// MaxIterations is the step budget per session
	// Default: 100, Range: 1-10000
	MaxIterations   int  `yaml:"max_iterations"`
	EnableWebSearch bool `yaml:"enable_web_search"`
	// CondenseMaxEvents keeps the system message and the newest events
	// once a view grows past it. 0 disables condensing.
	CondenseMaxEvents int `yaml:"condense_max_events"`
}

// SecurityConfig holds the confirmation policy.
type SecurityConfig struct {
	ConfirmationMode bool `yaml:"confirmation_mode"`
}

// RuntimeConfig configures the tool runtime.
type RuntimeConfig struct {
	// Workspace is the directory the agents work in; empty means the
	// current directory.
	Workspace      string        `yaml:"workspace"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	// DeniedCommands replaces the built-in deny list when set.
	DeniedCommands []string `yaml:"denied_commands"`
}

// SessionConfig configures the session root and its cleanup.
type SessionConfig struct {
	Root string `yaml:"root"`
	// CacheSize is the number of events per cache page
	// Default: 25, Range: 1-1000
	CacheSize int `yaml:"cache_size"`
	// RetentionCount is the number of sessions kept by cleanup
	// Default: 20, Range: 0-1000
	// 0 = delete every session
	RetentionCount int           `yaml:"retention_count"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// PromptsConfig configures the prompt provider chain.
type PromptsConfig struct {
	CacheDir      string        `yaml:"cache_dir"`
	RemoteURL     string        `yaml:"remote_url"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// MCPConfig lists the MCP tool servers started with each session.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// Home returns ~/.bluelamp.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// DefaultPath returns ~/.bluelamp/config.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Default returns the default configuration.
func Default() Config {
	home := Home()
	retry := llm.DefaultRetryConfig()
	return Config{
		LLM: LLMConfig{
			Model:              llm.ModelSonnet,
			MaxTokens:          8192,
			MaxMessageChars:    30000,
			CachingPrompt:      true,
			Vision:             true,
			RateLimitRPS:       1,
			MaxConcurrentCalls: retry.MaxConcurrentCalls,
			Retry:              retry,
		},
		Agent: AgentConfig{
			DefaultAgent:    "Orchestrator",
			MaxIterations:   100,
			EnableWebSearch: true,
		},
		Security: SecurityConfig{ConfirmationMode: true},
		Runtime: RuntimeConfig{
			CommandTimeout: 120 * time.Second,
			MaxOutputBytes: 100 * 1024,
		},
		Session: SessionConfig{
			Root:           filepath.Join(home, "sessions"),
			CacheSize:      25,
			RetentionCount: 20,
			PollInterval:   time.Second,
		},
		Prompts: PromptsConfig{
			CacheDir:      filepath.Join(home, "prompts"),
			RemoteTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies the environment and
// validates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.Session.Root = ExpandHome(cfg.Session.Root)
	cfg.Prompts.CacheDir = ExpandHome(cfg.Prompts.CacheDir)
	cfg.Runtime.Workspace = ExpandHome(cfg.Runtime.Workspace)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment.
//
// Environment variables:
//   - ANTHROPIC_API_KEY: API key for the LLM adapter
//   - BLUELAMP_MODEL: model name
//   - BLUELAMP_DEFAULT_AGENT: starting agent
//   - BLUELAMP_MAX_ITERATIONS: step budget
//   - BLUELAMP_CONFIRMATION_MODE: ask before running commands and edits
//   - BLUELAMP_WORKSPACE: runtime workspace
//   - BLUELAMP_COMMAND_TIMEOUT: default shell timeout (e.g. 2m)
//   - BLUELAMP_SESSION_ROOT: where sessions are stored
//   - BLUELAMP_RETENTION_COUNT: sessions kept by cleanup
//   - BLUELAMP_PROMPT_CACHE_DIR, BLUELAMP_PROMPT_URL: prompt tiers
func (c *Config) applyEnv() error {
	if err := parseEnvString("ANTHROPIC_API_KEY", &c.LLM.APIKey); err != nil {
		return err
	}
	if err := parseEnvString("BLUELAMP_MODEL", &c.LLM.Model); err != nil {
		return err
	}
	if err := parseEnvString("BLUELAMP_DEFAULT_AGENT", &c.Agent.DefaultAgent); err != nil {
		return err
	}
	if err := parseEnvInt("BLUELAMP_MAX_ITERATIONS", &c.Agent.MaxIterations); err != nil {
		return err
	}
	if err := parseEnvBool("BLUELAMP_CONFIRMATION_MODE", &c.Security.ConfirmationMode); err != nil {
		return err
	}
	if err := parseEnvString("BLUELAMP_WORKSPACE", &c.Runtime.Workspace); err != nil {
		return err
	}
	if err := parseEnvDuration("BLUELAMP_COMMAND_TIMEOUT", &c.Runtime.CommandTimeout); err != nil {
		return err
	}
	if err := parseEnvString("BLUELAMP_SESSION_ROOT", &c.Session.Root); err != nil {
		return err
	}
	if err := parseEnvInt("BLUELAMP_RETENTION_COUNT", &c.Session.RetentionCount); err != nil {
		return err
	}
	if err := parseEnvString("BLUELAMP_PROMPT_CACHE_DIR", &c.Prompts.CacheDir); err != nil {
		return err
	}
	return parseEnvString("BLUELAMP_PROMPT_URL", &c.Prompts.RemoteURL)
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Runtime.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.Prompts.RemoteURL != "" && !strings.HasPrefix(c.Prompts.RemoteURL, "http://") &&
		!strings.HasPrefix(c.Prompts.RemoteURL, "https://") {
		return fmt.Errorf("prompts.remote_url must be an http(s) URL (got %q)", c.Prompts.RemoteURL)
	}
	for i, s := range c.MCP.Servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("mcp.servers[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks the LLM section. The API key is checked separately by
// RequireAPIKey since only some commands reach the LLM.
func (c LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.MaxTokens < 1 || c.MaxTokens > 64000 {
		return fmt.Errorf("llm.max_tokens must be between 1 and 64000 (got %d)", c.MaxTokens)
	}
	if c.MaxMessageChars < 1000 || c.MaxMessageChars > 1000000 {
		return fmt.Errorf("llm.max_message_chars must be between 1000 and 1000000 (got %d)", c.MaxMessageChars)
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1 (got %v)", c.Temperature)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("llm.rate_limit_rps cannot be negative (got %v)", c.RateLimitRPS)
	}
	if c.MaxConcurrentCalls < 0 {
		return fmt.Errorf("llm.max_concurrent_calls cannot be negative (got %d)", c.MaxConcurrentCalls)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		return fmt.Errorf("llm.retry.max_retries must be between 0 and 10 (got %d)", c.Retry.MaxRetries)
	}
	if c.Retry.Timeout <= 0 {
		return fmt.Errorf("llm.retry.timeout must be positive (got %s)", c.Retry.Timeout)
	}
	return nil
}

// RequireAPIKey fails when no API key is configured.
func (c LLMConfig) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set (or llm.api_key in %s)", DefaultPath())
	}
	return nil
}

// ClientConfig converts the section into the adapter's configuration.
func (c LLMConfig) ClientConfig(webSearch bool) llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Model = c.Model
	cfg.APIKey = c.APIKey
	cfg.MaxTokens = c.MaxTokens
	cfg.Temperature = c.Temperature
	cfg.MaxMessageChars = c.MaxMessageChars
	cfg.CachingPrompt = c.CachingPrompt
	cfg.Vision = c.Vision
	cfg.WebSearch = webSearch
	cfg.RateLimitRPS = c.RateLimitRPS
	cfg.Retry = c.Retry
	cfg.Retry.MaxConcurrentCalls = c.MaxConcurrentCalls
	return cfg
}

func (c AgentConfig) Validate() error {
	if c.DefaultAgent == "" {
		return fmt.Errorf("agent.default_agent is required")
	}
	if c.MaxIterations < 1 || c.MaxIterations > 10000 {
		return fmt.Errorf("agent.max_iterations must be between 1 and 10000 (got %d)", c.MaxIterations)
	}
	if c.CondenseMaxEvents != 0 && c.CondenseMaxEvents < 10 {
		return fmt.Errorf("agent.condense_max_events must be 0 (off) or >= 10 (got %d)", c.CondenseMaxEvents)
	}
	return nil
}

func (c RuntimeConfig) Validate() error {
	if c.CommandTimeout < time.Second {
		return fmt.Errorf("runtime.command_timeout must be at least 1s (got %s)", c.CommandTimeout)
	}
	if c.MaxOutputBytes < 1024 {
		return fmt.Errorf("runtime.max_output_bytes must be at least 1024 (got %d)", c.MaxOutputBytes)
	}
	return nil
}

func (c SessionConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("session.root is required")
	}
	if c.CacheSize < 1 || c.CacheSize > 1000 {
		return fmt.Errorf("session.cache_size must be between 1 and 1000 (got %d)", c.CacheSize)
	}
	if c.RetentionCount < 0 || c.RetentionCount > 1000 {
		return fmt.Errorf("session.retention_count must be between 0 and 1000 (got %d)", c.RetentionCount)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive (got %s)", c.PollInterval)
	}
	return nil
}

// String returns a human-readable summary without the API key.
func (c Config) String() string {
	key := "unset"
	if c.LLM.APIKey != "" {
		key = "set"
	}
	return fmt.Sprintf(
		"Config{Model: %s, APIKey: %s, Agent: %s, MaxIterations: %d, "+
			"Confirmation: %t, SessionRoot: %s, Retention: %d, MCPServers: %d}",
		c.LLM.Model, key, c.Agent.DefaultAgent, c.Agent.MaxIterations,
		c.Security.ConfirmationMode, c.Session.Root, c.Session.RetentionCount, len(c.MCP.Servers),
	)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
