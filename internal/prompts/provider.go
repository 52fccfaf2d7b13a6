// Package prompts resolves the system prompt of each agent role.
//
// Prompts come from up to three tiers, tried in order: an on-disk cache,
// an optional remote HTTP source, and the defaults compiled into the
// binary. The tiers are fixed when the provider is built.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownPrompt is returned when no tier has a prompt for a key.
var ErrUnknownPrompt = errors.New("unknown prompt")

// Provider returns the prompt text for an agent key.
type Provider interface {
	GetPrompt(key string) (string, error)
}

//go:embed defaults/*.md
var defaultsFS embed.FS

// Config configures the prompt chain.
type Config struct {
	CacheDir      string
	RemoteURL     string
	RemoteTimeout time.Duration
	Logger        *zap.Logger
}

// New builds the chain described by cfg.
func New(cfg Config) *Chain {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var tiers []Provider
	var cache *CacheDir
	if cfg.CacheDir != "" {
		cache = &CacheDir{Dir: cfg.CacheDir}
		tiers = append(tiers, cache)
	}
	if cfg.RemoteURL != "" {
		timeout := cfg.RemoteTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		tiers = append(tiers, &Remote{
			BaseURL: cfg.RemoteURL,
			Client:  &http.Client{Timeout: timeout},
			Cache:   cache,
		})
	}
	tiers = append(tiers, BakedIn{})
	return NewChain(cfg.Logger, tiers...)
}

// Chain tries each tier in order.
type Chain struct {
	tiers  []Provider
	logger *zap.Logger
}

// NewChain returns a chain over tiers.
func NewChain(logger *zap.Logger, tiers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{tiers: tiers, logger: logger.Named("prompts")}
}

// GetPrompt implements Provider. Tier failures other than an unknown key
// are logged and the next tier is tried.
func (c *Chain) GetPrompt(key string) (string, error) {
	for _, tier := range c.tiers {
		prompt, err := tier.GetPrompt(key)
		if err == nil {
			return prompt, nil
		}
		if !errors.Is(err, ErrUnknownPrompt) {
			c.logger.Warn("prompt tier failed", zap.String("key", key),
				zap.String("tier", fmt.Sprintf("%T", tier)), zap.Error(err))
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
}

func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, `/\.`)
}

// CacheDir serves prompts from <Dir>/<key>.md.
type CacheDir struct {
	Dir string
}

// GetPrompt implements Provider.
func (c *CacheDir) GetPrompt(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrompt, key)
	}
	data, err := os.ReadFile(filepath.Join(c.Dir, key+".md"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
		}
		return "", fmt.Errorf("failed to read cached prompt: %w", err)
	}
	return string(data), nil
}

// Store writes a prompt into the cache.
func (c *CacheDir) Store(key, prompt string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid prompt key %q", key)
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create prompt cache: %w", err)
	}
	return os.WriteFile(filepath.Join(c.Dir, key+".md"), []byte(prompt), 0644)
}

// Remote fetches <BaseURL>/<key> over HTTP and writes hits to Cache.
type Remote struct {
	BaseURL string
	Client  *http.Client
	Cache   *CacheDir
}

// GetPrompt implements Provider.
func (r *Remote) GetPrompt(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrompt, key)
	}
	endpoint, err := url.JoinPath(r.BaseURL, key)
	if err != nil {
		return "", fmt.Errorf("failed to build prompt URL: %w", err)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to fetch prompt: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("prompt server returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	prompt := string(body)
	if r.Cache != nil {
		// A cache write failure still returns the fetched prompt.
		_ = r.Cache.Store(key, prompt)
	}
	return prompt, nil
}

// BakedIn serves the defaults compiled into the binary.
type BakedIn struct{}

// GetPrompt implements Provider.
func (BakedIn) GetPrompt(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrompt, key)
	}
	data, err := defaultsFS.ReadFile("defaults/" + key + ".md")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
	}
	return string(data), nil
}

// Keys lists the keys with a built-in default.
func Keys() []string {
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(keys)
	return keys
}
