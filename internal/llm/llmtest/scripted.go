// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/yamatovision/bluelamp/internal/llm"
)

// Reply is one scripted completion: either a response or an error.
type Reply struct {
	Response *llm.ModelResponse
	Err      error
}

// Scripted returns its replies in order and records every request.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]llm.Message
	tools   [][]llm.Tool
	cfg     llm.Config
	caching bool
	vision  bool
}

// New returns a client that answers with replies in order.
func New(replies ...Reply) *Scripted {
	cfg := llm.DefaultConfig()
	cfg.APIKey = "test"
	return &Scripted{replies: replies, cfg: cfg}
}

// Push appends more replies.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Complete implements llm.Client.
func (s *Scripted) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	s.tools = append(s.tools, tools)
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("llmtest: no scripted reply for call %d", len(s.calls))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.Response, r.Err
}

func (s *Scripted) FormatMessages(messages []llm.Message) []llm.Message { return messages }
func (s *Scripted) VisionIsActive() bool                                { return s.vision }
func (s *Scripted) IsCachingPromptActive() bool                         { return s.caching }
func (s *Scripted) Config() llm.Config                                  { return s.cfg }

// Calls returns the message lists passed to Complete.
func (s *Scripted) Calls() [][]llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]llm.Message(nil), s.calls...)
}

// Tools returns the tool lists passed to Complete.
func (s *Scripted) Tools() [][]llm.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]llm.Tool(nil), s.tools...)
}

// Remaining reports how many replies are left.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

// Text builds a text-only reply.
func Text(text string) Reply {
	return Reply{Response: &llm.ModelResponse{
		ID:      nextID(),
		Message: llm.Message{Role: llm.RoleAssistant, Content: []llm.Content{llm.TextContent(text)}},
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

// Call is one tool invocation in a scripted reply.
type Call struct {
	Name string
	Args map[string]any
}

// ToolCalls builds a reply with the given tool calls and optional text.
func ToolCalls(text string, calls ...Call) Reply {
	id := nextID()
	msg := llm.Message{Role: llm.RoleAssistant}
	if text != "" {
		msg.Content = []llm.Content{llm.TextContent(text)}
	}
	for i, c := range calls {
		args, _ := json.Marshal(c.Args)
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        fmt.Sprintf("%s_call%d", id, i),
			Name:      c.Name,
			Arguments: string(args),
		})
	}
	return Reply{Response: &llm.ModelResponse{ID: id, Message: msg, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

// Error builds a failing reply.
func Error(err error) Reply { return Reply{Err: err} }

var (
	idMu sync.Mutex
	idN  int
)

func nextID() string {
	idMu.Lock()
	defer idMu.Unlock()
	idN++
	return fmt.Sprintf("resp_%d", idN)
}
