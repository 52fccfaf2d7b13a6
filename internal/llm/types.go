package llm

// Role identifies the author of a message in an LLM conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentType distinguishes text parts from image parts.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image_url"
)

// Content is one part of a message body.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
	// CacheBreakpoint asks the provider to cache the prompt up to and
	// including this part.
	CacheBreakpoint bool `json:"cache_prompt,omitempty"`
}

// TextContent returns a text part.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ImageContent returns an image part.
func ImageContent(url string) Content {
	return Content{Type: ContentImage, ImageURL: url}
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// Message is a provider-neutral chat message.
type Message struct {
	Role       Role       `json:"role"`
	Content    []Content  `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == ContentText {
			out += c.Text
		}
	}
	return out
}

// Clone returns a deep copy, so callers can modify content slices without
// touching messages still referenced from event metadata.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = append([]Content(nil), m.Content...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
}

// ModelResponse is the assistant turn returned by a completion.
type ModelResponse struct {
	ID         string  `json:"id"`
	Model      string  `json:"model,omitempty"`
	Message    Message `json:"message"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      Usage   `json:"usage"`
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required,omitempty"`
}
