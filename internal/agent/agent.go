// Package agent defines the agents the controller drives: one LLM-backed
// implementation parameterized by role, the role registry, and the tool
// descriptors each role is given.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/condenser"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/memory"
	"github.com/yamatovision/bluelamp/internal/prompts"
)

// ExitCommand typed by the user finishes the agent without an LLM call.
const ExitCommand = "/exit"

// View is the read-only state an agent steps on.
type View struct {
	History           []events.Event
	InitialUserAction *events.MessageAction
	Interactive       bool
	Iteration         int
	MaxIterations     int
}

// Agent produces the next action from a view of the history.
type Agent interface {
	Name() string
	Role() Role
	Step(ctx context.Context, view *View) (events.Action, error)
	// Reset drops queued actions.
	Reset()
	Tools() []llm.Tool
	SystemPrompt() (string, error)
	LLM() llm.Client
	// Usage returns the tokens spent by this agent's completions.
	Usage() llm.Usage
}

// Deps are the collaborators an agent is built from.
type Deps struct {
	LLM       llm.Client
	Prompts   prompts.Provider
	Memory    *memory.Memory
	Condenser condenser.Condenser
	// MCPTools are appended to every role's tool set.
	MCPTools []llm.Tool
	Logger   *zap.Logger
}

// New builds the agent for role. The role's prompt is resolved here, so a
// missing prompt fails construction rather than the first step.
func New(role Role, deps Deps) (Agent, error) {
	if _, ok := registry[role]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, role)
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("agent %s: llm client is required", role)
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.BakedIn{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Memory == nil {
		deps.Memory = memory.New(memory.Config{Logger: deps.Logger})
	}
	if deps.Condenser == nil {
		deps.Condenser = condenser.NoOp{}
	}

	prompt, err := deps.Prompts.GetPrompt(role.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt for %s: %w", role, err)
	}

	tools := ToolsFor(role, deps.MCPTools)
	return &Base{
		role:      role,
		prompt:    prompt,
		llm:       deps.LLM,
		memory:    deps.Memory,
		condenser: deps.Condenser,
		tools:     tools,
		toolSet:   newToolSet(tools, deps.MCPTools),
		logger:    deps.Logger.Named("agent").With(zap.String("role", string(role))),
	}, nil
}

// NewByName resolves name through the registry and builds the agent.
func NewByName(name string, deps Deps) (Agent, error) {
	role, err := LookupRole(name)
	if err != nil {
		return nil, err
	}
	return New(role, deps)
}

// Base is the LLM-backed agent shared by every role.
type Base struct {
	role      Role
	prompt    string
	llm       llm.Client
	memory    *memory.Memory
	condenser condenser.Condenser
	tools     []llm.Tool
	toolSet   toolSet
	logger    *zap.Logger

	mu      sync.Mutex
	pending []events.Action
	usage   llm.Usage
}

func (a *Base) Name() string                  { return string(a.role) }
func (a *Base) Role() Role                    { return a.role }
func (a *Base) Tools() []llm.Tool             { return append([]llm.Tool(nil), a.tools...) }
func (a *Base) SystemPrompt() (string, error) { return a.prompt, nil }
func (a *Base) LLM() llm.Client               { return a.llm }

// Usage implements Agent.
func (a *Base) Usage() llm.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Reset implements Agent.
func (a *Base) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
}

// Step implements Agent. Tool calls beyond the first from one response are
// queued and returned by later steps without another LLM call.
func (a *Base) Step(ctx context.Context, view *View) (events.Action, error) {
	a.mu.Lock()
	if len(a.pending) > 0 {
		next := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()
		return next, nil
	}
	a.mu.Unlock()

	if last := lastUserMessage(view.History); last != nil && strings.TrimSpace(last.Content) == ExitCommand {
		return &events.AgentFinishAction{Thought: "User requested exit."}, nil
	}

	condensed, err := a.condenser.Condense(view.History)
	if err != nil {
		return nil, fmt.Errorf("failed to condense history: %w", err)
	}
	if condensed.Action != nil {
		return condensed.Action, nil
	}

	cfg := a.llm.Config()
	messages, err := a.memory.ProcessEvents(condensed.View, view.InitialUserAction, memory.Options{
		MaxMessageChars: cfg.MaxMessageChars,
		VisionActive:    a.llm.VisionIsActive(),
		CachingActive:   a.llm.IsCachingPromptActive(),
		SystemPrompt:    a.prompt,
	})
	if err != nil {
		return nil, err
	}
	messages = a.llm.FormatMessages(messages)

	a.logger.Debug("calling llm",
		zap.Int("messages", len(messages)),
		zap.Int("iteration", view.Iteration))
	resp, err := a.llm.Complete(ctx, messages, a.tools)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.usage.Add(resp.Usage)
	a.mu.Unlock()

	actions, err := ResponseToActions(resp, a.toolSet)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.pending = append(a.pending, actions[1:]...)
	a.mu.Unlock()
	return actions[0], nil
}

func lastUserMessage(history []events.Event) *events.MessageAction {
	for i := len(history) - 1; i >= 0; i-- {
		if events.IsUserMessage(history[i]) {
			return history[i].(*events.MessageAction)
		}
	}
	return nil
}
