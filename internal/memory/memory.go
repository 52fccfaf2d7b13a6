// Package memory turns an agent's event history into the message list sent
// to the LLM.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/sealed"
)

const (
	errorSuffix    = "\n[Error occurred in processing last action]"
	rejectedSuffix = "\n[Last action has been rejected by the user]"
	truncateMarker = "\n[... Observation truncated due to length ...]\n"
)

// StatusCallback receives error reports, like the controller's.
type StatusCallback func(kind, msg string)

// Config configures a Memory.
type Config struct {
	// Sealer decrypts system prompt content.
	Sealer sealed.Service
	// SystemPrompt synthesizes a system message when the history has none.
	SystemPrompt func() (string, error)
	Logger       *zap.Logger
}

// Options carries the per-call LLM capabilities.
type Options struct {
	MaxMessageChars int
	VisionActive    bool
	CachingActive   bool
	// SystemPrompt is used when the history has no system message. It takes
	// precedence over Config.SystemPrompt.
	SystemPrompt string
}

// Memory assembles LLM messages. It is the only component that decrypts
// system prompts.
type Memory struct {
	sealer       sealed.Service
	systemPrompt func() (string, error)
	logger       *zap.Logger

	mu             sync.Mutex
	statusCallback StatusCallback
}

// New creates a Memory.
func New(cfg Config) *Memory {
	if cfg.Sealer == nil {
		cfg.Sealer = sealed.Null{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Memory{
		sealer:       cfg.Sealer,
		systemPrompt: cfg.SystemPrompt,
		logger:       cfg.Logger.Named("memory"),
	}
}

// SetStatusCallback installs the run loop's error hook.
func (m *Memory) SetStatusCallback(cb StatusCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCallback = cb
}

func (m *Memory) reportError(msg string) {
	m.mu.Lock()
	cb := m.statusCallback
	m.mu.Unlock()
	if cb != nil {
		cb("error", msg)
	}
}

// ProcessEvents builds the message list for history. initialUser is the
// session's first user message, re-inserted when condensation dropped it.
// The history events are never modified.
func (m *Memory) ProcessEvents(history []events.Event, initialUser *events.MessageAction, opts Options) ([]llm.Message, error) {
	evs, err := m.ensureSystemMessage(history, opts.SystemPrompt)
	if err != nil {
		m.reportError(err.Error())
		return nil, err
	}
	evs = m.ensureInitialUserMessage(evs, initialUser)

	b := &builder{
		opts:          opts,
		sealer:        m.sealer,
		pending:       make(map[string]llm.Message),
		toolResponses: make(map[string]llm.Message),
	}
	var messages []llm.Message
	for _, e := range evs {
		var add []llm.Message
		switch v := e.(type) {
		case events.Action:
			add, err = b.action(v)
			if err != nil {
				m.reportError(err.Error())
				return nil, err
			}
		case events.Observation:
			add = b.observation(v)
		}
		add = append(add, b.flushPending()...)
		messages = append(messages, add...)
	}

	messages = filterUnmatchedToolCalls(messages)
	messages = separateUserMessages(messages)
	if opts.CachingActive {
		messages = applyCacheBreakpoints(messages)
	}
	return messages, nil
}

func (m *Memory) ensureSystemMessage(history []events.Event, prompt string) ([]events.Event, error) {
	for _, e := range history {
		if _, ok := e.(*events.SystemMessageAction); ok {
			return history, nil
		}
	}
	if prompt == "" {
		if m.systemPrompt == nil {
			return nil, fmt.Errorf("history has no system message and no prompt source is configured")
		}
		var err error
		prompt, err = m.systemPrompt()
		if err != nil {
			return nil, fmt.Errorf("failed to synthesize system message: %w", err)
		}
	}
	sys := &events.SystemMessageAction{Content: prompt}
	out := make([]events.Event, 0, len(history)+1)
	out = append(out, sys)
	return append(out, history...), nil
}

func (m *Memory) ensureInitialUserMessage(evs []events.Event, initial *events.MessageAction) []events.Event {
	if initial == nil {
		return evs
	}
	if len(evs) > 1 && events.IsUserMessage(evs[1]) {
		if got := evs[1].(*events.MessageAction); got.Content != initial.Content {
			m.logger.Warn("first user message differs from recorded initial user action",
				zap.Int("event_id", got.ID()), zap.Int("initial_id", initial.ID()))
		}
		return evs
	}
	out := make([]events.Event, 0, len(evs)+1)
	out = append(out, evs[0])
	out = append(out, initial)
	if len(evs) > 1 {
		out = append(out, evs[1:]...)
	}
	return out
}

// builder holds the per-call pairing state.
type builder struct {
	opts   Options
	sealer sealed.Service

	// pending assistant messages by response id, in arrival order.
	pending      map[string]llm.Message
	pendingOrder []string
	// tool messages by call id, waiting for their assistant message.
	toolResponses map[string]llm.Message
}

func (b *builder) action(a events.Action) ([]llm.Message, error) {
	switch v := a.(type) {
	case *events.SystemMessageAction:
		content, err := b.sealer.Decrypt(v.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt system message: %w", err)
		}
		return []llm.Message{{Role: llm.RoleSystem, Content: []llm.Content{llm.TextContent(content)}}}, nil

	case *events.MessageAction:
		if v.Source() == events.SourceUser {
			msg := llm.Message{Role: llm.RoleUser, Content: []llm.Content{llm.TextContent(v.Content)}}
			if b.opts.VisionActive {
				for _, url := range v.ImageURLs {
					msg.Content = append(msg.Content, llm.ImageContent(url))
				}
			}
			return []llm.Message{msg}, nil
		}
		return []llm.Message{assistantText(v.Content)}, nil

	case *events.AgentFinishAction:
		return []llm.Message{assistantText(finishText(v.ToolCallMetadata(), v.Thought, v.FinalThought))}, nil

	case *events.AgentRejectAction:
		return []llm.Message{assistantText(finishText(v.ToolCallMetadata(), v.Thought, ""))}, nil

	case *events.CmdRunAction:
		if v.Source() == events.SourceUser {
			return []llm.Message{{
				Role:    llm.RoleUser,
				Content: []llm.Content{llm.TextContent("User executed the command:\n" + v.Command)},
			}}, nil
		}
		return b.toolAction(a), nil

	case *events.FileReadAction, *events.FileEditAction, *events.FileWriteAction,
		*events.AgentDelegateAction, *events.AgentThinkAction, *events.MCPAction:
		return b.toolAction(a), nil
	}
	// Condensation, state changes and null actions carry nothing for the model.
	return nil, nil
}

// toolAction stashes the assistant message that issued a tool call until
// every call in it has a response.
func (b *builder) toolAction(a events.Action) []llm.Message {
	meta := a.ToolCallMetadata()
	if meta == nil || meta.ModelResponse == nil {
		return []llm.Message{assistantText(a.Message())}
	}
	key := meta.ModelResponse.ID
	if key == "" {
		key = "call:" + meta.CallID
	}
	if _, seen := b.pending[key]; seen {
		return nil
	}
	msg := meta.ModelResponse.Message.Clone()
	msg.Role = llm.RoleAssistant
	if msg.Text() == "" {
		msg.Content = nil
	}
	b.pending[key] = msg
	b.pendingOrder = append(b.pendingOrder, key)
	return nil
}

func (b *builder) observation(o events.Observation) []llm.Message {
	text, ok := b.renderObservation(o)
	if !ok {
		return nil
	}
	if meta := o.ToolCallMetadata(); meta != nil && meta.CallID != "" {
		b.toolResponses[meta.CallID] = llm.Message{
			Role:       llm.RoleTool,
			Content:    []llm.Content{llm.TextContent(text)},
			ToolCallID: meta.CallID,
			Name:       meta.FunctionName,
		}
		return nil
	}
	return []llm.Message{{Role: llm.RoleUser, Content: []llm.Content{llm.TextContent(text)}}}
}

func (b *builder) renderObservation(o events.Observation) (string, bool) {
	limit := b.opts.MaxMessageChars
	switch v := o.(type) {
	case *events.NullObservation, *events.AgentStateChangedObservation:
		return "", false
	case *events.CmdOutputObservation:
		return fmt.Sprintf("%s\n[Command finished with exit code %d]", Truncate(v.Content, limit), v.ExitCode), true
	case *events.ErrorObservation:
		return Truncate(v.Content, limit) + errorSuffix, true
	case *events.UserRejectObservation:
		return Truncate(v.Content, limit) + rejectedSuffix, true
	case *events.AgentDelegateObservation:
		text := v.Content
		if len(v.Outputs) > 0 {
			if out, err := json.Marshal(v.Outputs); err == nil {
				text += "\nOutputs: " + string(out)
			}
		}
		return Truncate(text, limit), true
	case *events.FileEditObservation:
		if v.Diff != "" && v.Content == "" {
			return Truncate(v.Diff, limit), true
		}
		return Truncate(v.Content, limit), true
	}
	return Truncate(events.Content(o), limit), true
}

// flushPending emits assistant messages whose tool calls all have
// responses, each followed by its tool messages.
func (b *builder) flushPending() []llm.Message {
	var out []llm.Message
	remaining := b.pendingOrder[:0]
	for _, key := range b.pendingOrder {
		msg := b.pending[key]
		complete := len(msg.ToolCalls) > 0
		for _, tc := range msg.ToolCalls {
			if _, ok := b.toolResponses[tc.ID]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			remaining = append(remaining, key)
			continue
		}
		out = append(out, msg)
		for _, tc := range msg.ToolCalls {
			out = append(out, b.toolResponses[tc.ID])
			delete(b.toolResponses, tc.ID)
		}
		delete(b.pending, key)
	}
	b.pendingOrder = remaining
	return out
}

func assistantText(text string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: []llm.Content{llm.TextContent(text)}}
}

// finishText merges the assistant text of the issuing response into the
// thought, the way the finish tool call is shown to the model.
func finishText(meta *events.ToolCallMetadata, thought, finalThought string) string {
	if meta != nil && meta.ModelResponse != nil {
		if content := meta.ModelResponse.Message.Text(); content != "" && content != thought {
			thought = content + thought
		}
	}
	if finalThought != "" {
		if thought != "" {
			return thought + "\n" + finalThought
		}
		return finalThought
	}
	return thought
}

// Truncate shortens content to at most limit runes plus a marker, keeping
// the head and tail halves. A non-positive limit disables truncation.
func Truncate(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	half := limit / 2
	return string(runes[:half]) + truncateMarker + string(runes[len(runes)-half:])
}
