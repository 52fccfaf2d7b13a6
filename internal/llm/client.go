package llm

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// Model constants.
//
// Environment variable override:
// - BLUELAMP_MODEL: Override default model (default: Sonnet)
const (
	// ModelSonnet is the default model for every agent
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku is the cost-efficient model, usable for specialists via config
	ModelHaiku = "claude-3-5-haiku-20241022"
)

// GetDefaultModel returns the default model, checking BLUELAMP_MODEL env var first
func GetDefaultModel() string {
	if model := os.Getenv("BLUELAMP_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// Client is the completion interface the agents depend on.
type Client interface {
	// Complete sends messages and tool declarations and returns the
	// assistant's turn.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*ModelResponse, error)
	// FormatMessages adapts provider-neutral messages to what this client
	// can send (vision parts dropped when unsupported, cache flags dropped
	// when caching is off).
	FormatMessages(messages []Message) []Message
	VisionIsActive() bool
	IsCachingPromptActive() bool
	Config() Config
}

// Config holds LLM adapter configuration
type Config struct {
	Model           string  // Model to use (default: claude-sonnet-4-5-20250929)
	APIKey          string  // Anthropic API key (required)
	MaxTokens       int64   // Max output tokens per completion (default: 8192)
	Temperature     float64 // Sampling temperature (default: 0)
	MaxMessageChars int     // Observation truncation limit (default: 30000)
	CachingPrompt   bool    // Enable provider-side prompt caching (default: true)
	Vision          bool    // Send image parts (default: true)
	WebSearch       bool    // Inject the web_search server tool (default: true)

	RateLimitRPS float64 // Request pacing, 0 = unlimited (default: 1)
	Retry        RetryConfig

	Logger *zap.Logger
}

// DefaultConfig returns the default adapter configuration
func DefaultConfig() Config {
	return Config{
		Model:           GetDefaultModel(),
		APIKey:          os.Getenv("ANTHROPIC_API_KEY"),
		MaxTokens:       8192,
		MaxMessageChars: 30000,
		CachingPrompt:   true,
		Vision:          true,
		WebSearch:       true,
		RateLimitRPS:    1,
		Retry:           DefaultRetryConfig(),
	}
}

// Validate checks the configuration for values the adapter cannot run with.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Model == "" {
		return ErrMissingModel
	}
	if c.MaxTokens <= 0 {
		return ErrInvalidMaxTokens
	}
	if c.Retry.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
