package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnthropicClientRequiresKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = ""
	_, err := NewAnthropicClient(cfg)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestToAnthropicMessagesMergesToolResults(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: []Content{{Type: ContentText, Text: "sys", CacheBreakpoint: true}}},
		{Role: RoleUser, Content: []Content{TextContent("run two commands")}},
		{Role: RoleAssistant, Content: []Content{TextContent("ok")}, ToolCalls: []ToolCall{
			{ID: "a", Name: "execute_bash", Arguments: `{"command":"ls"}`},
			{ID: "b", Name: "execute_bash", Arguments: `not json`},
		}},
		{Role: RoleTool, ToolCallID: "a", Content: []Content{TextContent("file1")}},
		{Role: RoleTool, ToolCallID: "b", Content: []Content{{Type: ContentText, Text: "file2", CacheBreakpoint: true}}},
	}

	system, turns := toAnthropicMessages(msgs)
	require.Len(t, system, 1)
	assert.Equal(t, "sys", system[0].Text)

	// user, assistant, merged tool results
	require.Len(t, turns, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, turns[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, turns[1].Role)
	assert.Len(t, turns[1].Content, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, turns[2].Role)
	require.Len(t, turns[2].Content, 2)
	require.NotNil(t, turns[2].Content[0].OfToolResult)
	assert.Equal(t, "a", turns[2].Content[0].OfToolResult.ToolUseID)
}

func TestToAnthropicToolsInjectsWebSearch(t *testing.T) {
	tools := []Tool{{Name: "think", Description: "think", Properties: map[string]any{"thought": map[string]any{"type": "string"}}, Required: []string{"thought"}}}

	out := toAnthropicTools(tools, true)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "think", out[0].OfTool.Name)
	assert.NotNil(t, out[1].OfWebSearchTool20250305)

	out = toAnthropicTools(tools, false)
	assert.Len(t, out, 1)

	withSearch := append(tools, Tool{Name: WebSearchToolName})
	out = toAnthropicTools(withSearch, true)
	assert.Len(t, out, 2)
}

func TestFormatMessages(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: []Content{
		{Type: ContentText, Text: "look", CacheBreakpoint: true},
		ImageContent("https://example.com/a.png"),
	}}}

	out := formatMessages(msgs, false, false)
	require.Len(t, out[0].Content, 1)
	assert.False(t, out[0].Content[0].CacheBreakpoint)
	// original untouched
	assert.Len(t, msgs[0].Content, 2)
	assert.True(t, msgs[0].Content[0].CacheBreakpoint)

	out = formatMessages(msgs, true, true)
	assert.Len(t, out[0].Content, 2)
	assert.True(t, out[0].Content[0].CacheBreakpoint)
}
