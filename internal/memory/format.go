package memory

import "github.com/yamatovision/bluelamp/internal/llm"

// filterUnmatchedToolCalls drops tool messages without a matching assistant
// tool call and tool calls without a response. Messages that still need
// changing are copied first.
func filterUnmatchedToolCalls(messages []llm.Message) []llm.Message {
	callIDs := make(map[string]bool)
	responseIDs := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			callIDs[tc.ID] = true
		}
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			responseIDs[m.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleTool {
			if callIDs[m.ToolCallID] {
				out = append(out, m)
			}
			continue
		}
		if len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}

		kept := make([]llm.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if responseIDs[tc.ID] {
				kept = append(kept, tc)
			}
		}
		if len(kept) == len(m.ToolCalls) {
			out = append(out, m)
			continue
		}
		c := m.Clone()
		if len(kept) == 0 {
			c.ToolCalls = nil
			if c.Text() == "" {
				continue
			}
		} else {
			c.ToolCalls = kept
		}
		out = append(out, c)
	}
	return out
}

// separateUserMessages prepends a blank line to a user message that follows
// another user message.
func separateUserMessages(messages []llm.Message) []llm.Message {
	for i := 1; i < len(messages); i++ {
		if messages[i].Role != llm.RoleUser || messages[i-1].Role != llm.RoleUser {
			continue
		}
		for j, c := range messages[i].Content {
			if c.Type != llm.ContentText {
				continue
			}
			m := messages[i].Clone()
			m.Content[j].Text = "\n\n" + c.Text
			messages[i] = m
			break
		}
	}
	return messages
}

// applyCacheBreakpoints marks the end of the system prompt and the end of
// the latest user or tool turn.
func applyCacheBreakpoints(messages []llm.Message) []llm.Message {
	for i := range messages {
		if messages[i].Role == llm.RoleSystem {
			messages[i] = markLast(messages[i])
			break
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser || messages[i].Role == llm.RoleTool {
			messages[i] = markLast(messages[i])
			break
		}
	}
	return messages
}

func markLast(m llm.Message) llm.Message {
	if len(m.Content) == 0 {
		return m
	}
	c := m.Clone()
	c.Content[len(c.Content)-1].CacheBreakpoint = true
	return c
}
