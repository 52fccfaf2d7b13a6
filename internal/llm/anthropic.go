package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/agenterr"
)

// WebSearchToolName is the name Anthropic uses for its server-side search tool.
const WebSearchToolName = "web_search"

// AnthropicClient implements Client on top of the Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	cfg    Config
	retry  *retrier
	logger *zap.Logger
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates an adapter. The API key is required.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("llm")

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0))

	return &AnthropicClient{
		client: &client,
		cfg:    cfg,
		retry:  newRetrier(cfg.Retry, cfg.RateLimitRPS, logger),
		logger: logger,
	}, nil
}

// Config returns the adapter configuration.
func (c *AnthropicClient) Config() Config { return c.cfg }

// VisionIsActive reports whether image parts are sent.
func (c *AnthropicClient) VisionIsActive() bool { return c.cfg.Vision }

// IsCachingPromptActive reports whether cache_control breakpoints are sent.
func (c *AnthropicClient) IsCachingPromptActive() bool { return c.cfg.CachingPrompt }

// FormatMessages drops parts the adapter will not send.
func (c *AnthropicClient) FormatMessages(messages []Message) []Message {
	return formatMessages(messages, c.cfg.Vision, c.cfg.CachingPrompt)
}

func formatMessages(messages []Message, vision, caching bool) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		m = m.Clone()
		content := m.Content[:0]
		for _, part := range m.Content {
			if part.Type == ContentImage && !vision {
				continue
			}
			if !caching {
				part.CacheBreakpoint = false
			}
			content = append(content, part)
		}
		m.Content = content
		out = append(out, m)
	}
	return out
}

// Complete sends one completion request through the retrier.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, tools []Tool) (*ModelResponse, error) {
	params := c.buildParams(c.FormatMessages(messages), tools)

	var resp *anthropic.Message
	err := c.retry.do(ctx, "completion", func(ctx context.Context) error {
		r, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if agenterr.LooksLikeContextWindow(err.Error()) {
			return nil, &agenterr.ContextWindowExceededError{Err: err}
		}
		return nil, fmt.Errorf("API call failed: %w", err)
	}

	out := fromAnthropicMessage(resp)
	c.logger.Debug("completion",
		zap.String("id", out.ID),
		zap.String("stop_reason", out.StopReason),
		zap.Int("tool_calls", len(out.Message.ToolCalls)),
		zap.Int64("input_tokens", out.Usage.InputTokens),
		zap.Int64("output_tokens", out.Usage.OutputTokens))
	return out, nil
}

func (c *AnthropicClient) buildParams(messages []Message, tools []Tool) anthropic.MessageNewParams {
	system, turns := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages:  turns,
		Tools:     toAnthropicTools(tools, c.cfg.WebSearch),
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}
	return params
}

// toAnthropicMessages splits system prompts out and merges consecutive
// user-side turns, since tool results must share one user message.
func toAnthropicMessages(messages []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	var userBlocks []anthropic.ContentBlockParamUnion

	flushUser := func() {
		if len(userBlocks) > 0 {
			turns = append(turns, anthropic.NewUserMessage(userBlocks...))
			userBlocks = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			for _, part := range m.Content {
				block := anthropic.TextBlockParam{Text: part.Text}
				if part.CacheBreakpoint {
					block.CacheControl = anthropic.NewCacheControlEphemeralParam()
				}
				system = append(system, block)
			}
		case RoleUser:
			userBlocks = append(userBlocks, contentBlocks(m.Content)...)
		case RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Text(), false)
			if hasBreakpoint(m.Content) && block.OfToolResult != nil {
				block.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
			userBlocks = append(userBlocks, block)
		case RoleAssistant:
			flushUser()
			blocks := contentBlocks(m.Content)
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock("(no content)"))
			}
			turns = append(turns, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flushUser()
	return system, turns
}

func contentBlocks(parts []Content) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case ContentImage:
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfURL: &anthropic.URLImageSourceParam{URL: part.ImageURL},
					},
				},
			})
		default:
			if part.Text == "" {
				continue
			}
			block := anthropic.NewTextBlock(part.Text)
			if part.CacheBreakpoint && block.OfText != nil {
				block.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func hasBreakpoint(parts []Content) bool {
	for _, p := range parts {
		if p.CacheBreakpoint {
			return true
		}
	}
	return false
}

// toAnthropicTools declares function tools and, when enabled, injects the
// server-side web search tool if no tool by that name is present.
func toAnthropicTools(tools []Tool, webSearch bool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools)+1)
	hasSearch := false
	for i := range tools {
		t := tools[i]
		if t.Name == WebSearchToolName {
			hasSearch = true
		}
		props := t.Properties
		if props == nil {
			props = map[string]interface{}{}
		}
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   t.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	if webSearch && !hasSearch {
		out = append(out, anthropic.ToolUnionParam{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{},
		})
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) *ModelResponse {
	out := &ModelResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Message:    Message{Role: RoleAssistant},
		Usage: Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
		},
	}
	var text string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += b.Text
		case anthropic.ToolUseBlock:
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	if text != "" {
		out.Message.Content = []Content{TextContent(text)}
	}
	return out
}
