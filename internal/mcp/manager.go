// Package mcp connects to Model Context Protocol tool servers and exposes
// their tools to the agents.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/llm"
)

// ErrUnknownTool is returned by Call for tools no server provides.
var ErrUnknownTool = errors.New("unknown MCP tool")

// ServerConfig describes one stdio MCP server.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Validate checks that the server can be launched.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("mcp server %s: command is required", c.Name)
	}
	return nil
}

// Dialer opens a client for a server. The returned client is started but
// not yet initialized.
type Dialer func(ctx context.Context, cfg ServerConfig) (mcpclient.MCPClient, error)

// StdioDialer launches the server as a subprocess.
func StdioDialer(_ context.Context, cfg ServerConfig) (mcpclient.MCPClient, error) {
	return mcpclient.NewStdioMCPClient(cfg.Command, envMapToSlice(cfg.Env), cfg.Args...)
}

// Manager owns the connections to all configured servers.
type Manager struct {
	servers []ServerConfig
	dial    Dialer
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	clients map[string]mcpclient.MCPClient
	owner   map[string]string // tool name -> server name
	tools   []llm.Tool
}

// NewManager returns a manager for servers. A nil dialer uses StdioDialer.
func NewManager(servers []ServerConfig, dial Dialer, logger *zap.Logger) *Manager {
	if dial == nil {
		dial = StdioDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		servers: servers,
		dial:    dial,
		logger:  logger.Named("mcp"),
		clients: make(map[string]mcpclient.MCPClient),
		owner:   make(map[string]string),
	}
}

// Start connects to every server and discovers its tools. A server that
// fails to start is logged and skipped; the error lists every failure.
// Calls after the first are no-ops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	var errs []error
	for _, cfg := range m.servers {
		if err := m.startServer(ctx, cfg); err != nil {
			m.logger.Warn("mcp server unavailable", zap.String("server", cfg.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := m.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "bluelamp",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("initialize failed: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("tools/list failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[cfg.Name] = client
	for i := range listed.Tools {
		t := listed.Tools[i]
		if prev, taken := m.owner[t.Name]; taken {
			m.logger.Warn("duplicate mcp tool ignored",
				zap.String("tool", t.Name), zap.String("server", cfg.Name), zap.String("kept", prev))
			continue
		}
		m.owner[t.Name] = cfg.Name
		m.tools = append(m.tools, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Properties:  t.InputSchema.Properties,
			Required:    t.InputSchema.Required,
		})
	}
	m.logger.Info("mcp server connected", zap.String("server", cfg.Name), zap.Int("tools", len(listed.Tools)))
	return nil
}

// Tools returns the discovered tools sorted by name.
func (m *Manager) Tools() []llm.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]llm.Tool(nil), m.tools...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call invokes a tool and returns its text output. A tool-level error is
// returned as an error carrying the tool's message.
func (m *Manager) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	m.mu.Lock()
	server, ok := m.owner[name]
	client := m.clients[server]
	m.mu.Unlock()
	if !ok || client == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", name, err)
	}
	text := resultText(result)
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]mcpclient.MCPClient)
	m.owner = make(map[string]string)
	m.tools = nil
	m.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func resultText(result *mcpprotocol.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcpprotocol.TextContent:
			parts = append(parts, v.Text)
		case *mcpprotocol.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
