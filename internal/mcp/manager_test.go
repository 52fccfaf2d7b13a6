package mcp

import (
	"context"
	"errors"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("echo", "0.1.0", mcpserver.WithToolCapabilities(true))
	s.AddTool(mcpprotocol.NewTool("echo",
		mcpprotocol.WithDescription("Echo the message back"),
		mcpprotocol.WithString("message", mcpprotocol.Required(), mcpprotocol.Description("Text to echo")),
	), func(ctx context.Context, req mcpprotocol.CallToolRequest) (*mcpprotocol.CallToolResult, error) {
		msg, _ := req.GetArguments()["message"].(string)
		if msg == "fail" {
			return mcpprotocol.NewToolResultError("refused"), nil
		}
		return mcpprotocol.NewToolResultText("echo: " + msg), nil
	})
	return s
}

func inProcessDialer(servers map[string]*mcpserver.MCPServer) Dialer {
	return func(ctx context.Context, cfg ServerConfig) (mcpclient.MCPClient, error) {
		srv, ok := servers[cfg.Name]
		if !ok {
			return nil, errors.New("no such server")
		}
		c, err := mcpclient.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func TestManagerDiscoversAndCallsTools(t *testing.T) {
	ctx := context.Background()
	m := NewManager(
		[]ServerConfig{{Name: "echo", Command: "unused"}},
		inProcessDialer(map[string]*mcpserver.MCPServer{"echo": echoServer()}),
		nil,
	)
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	tools := m.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, []string{"message"}, tools[0].Required)
	assert.Contains(t, tools[0].Properties, "message")

	out, err := m.Call(ctx, "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	_, err = m.Call(ctx, "echo", map[string]any{"message": "fail"})
	assert.ErrorContains(t, err, "refused")

	_, err = m.Call(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestManagerSkipsBrokenServers(t *testing.T) {
	m := NewManager(
		[]ServerConfig{
			{Name: "echo", Command: "unused"},
			{Name: "ghost", Command: "unused"},
			{Name: "", Command: "x"},
		},
		inProcessDialer(map[string]*mcpserver.MCPServer{"echo": echoServer()}),
		nil,
	)
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Len(t, m.Tools(), 1)
	assert.NoError(t, m.Close())
	assert.Empty(t, m.Tools())
}

func TestServerConfigValidate(t *testing.T) {
	assert.Error(t, ServerConfig{Command: "x"}.Validate())
	assert.Error(t, ServerConfig{Name: "x"}.Validate())
	assert.NoError(t, ServerConfig{Name: "x", Command: "y"}.Validate())
}

func TestEnvMapToSlice(t *testing.T) {
	assert.Nil(t, envMapToSlice(nil))
	assert.Equal(t, []string{"A=1", "B=2"}, envMapToSlice(map[string]string{"B": "2", "A": "1"}))
}
