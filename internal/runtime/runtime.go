// Package runtime executes agent actions against the local workspace and
// appends the resulting observations to the event stream.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/agenterr"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/mcp"
	"github.com/yamatovision/bluelamp/internal/stream"
)

const (
	// DefaultCommandTimeout bounds a shell command without its own timeout.
	DefaultCommandTimeout = 120 * time.Second
	// DefaultMaxOutputBytes caps captured command output.
	DefaultMaxOutputBytes = 100 * 1024

	thoughtLogged = "Your thought has been logged."
)

// StatusCallback receives error reports from the runtime.
type StatusCallback func(kind, msg string)

// EventStream is the part of the stream the runtime needs.
type EventStream interface {
	AddEvent(e events.Event, source events.Source) error
	Subscribe(subscriberID string, callback stream.Callback, callbackID string) error
	Unsubscribe(subscriberID, callbackID string)
}

// ToolServer runs MCP tools. *mcp.Manager implements it.
type ToolServer interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

var _ ToolServer = (*mcp.Manager)(nil)

// Handler executes one action variant. A returned error becomes an
// ErrorObservation.
type Handler func(ctx context.Context, a events.Action) (events.Observation, error)

// Config configures a Runtime.
type Config struct {
	Workspace      string
	CommandTimeout time.Duration
	MaxOutputBytes int
	// DeniedCommands are case-insensitive substrings that block a command.
	DeniedCommands []string
	// Tools serves MCP actions; nil disables them.
	Tools  ToolServer
	Logger *zap.Logger
}

// DefaultDeniedCommands blocks obviously destructive commands.
func DefaultDeniedCommands() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		"> /dev/sd",
		"chmod -R 777 /",
		":(){ :|:& };:",
	}
}

// Runtime routes actions to handlers by action type.
type Runtime struct {
	cfg       Config
	stream    EventStream
	workspace string
	handlers  map[events.ActionType]Handler
	editor    *editor
	logger    *zap.Logger

	mu        sync.Mutex
	status    StatusCallback
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a runtime over es. Connect must be called before it reacts
// to events.
func New(es EventStream, cfg Config) (*Runtime, error) {
	if es == nil {
		return nil, fmt.Errorf("event stream is required")
	}
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	abs, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Runtime{
		cfg:       cfg,
		stream:    es,
		workspace: abs,
		editor:    newEditor(),
		logger:    cfg.Logger.Named("runtime"),
	}
	r.handlers = map[events.ActionType]Handler{
		events.ActionRun:   r.runCommand,
		events.ActionRead:  r.readFile,
		events.ActionEdit:  r.editFile,
		events.ActionWrite: r.writeFile,
		events.ActionThink: r.think,
		events.ActionMCP:   r.callMCP,
	}
	return r, nil
}

// Workspace returns the absolute workspace directory.
func (r *Runtime) Workspace() string { return r.workspace }

// SetStatusCallback installs the error reporting hook.
func (r *Runtime) SetStatusCallback(cb StatusCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = cb
}

func (r *Runtime) reportError(msg string) {
	r.mu.Lock()
	cb := r.status
	r.mu.Unlock()
	if cb != nil {
		cb("error", msg)
	}
}

// Connect checks the workspace, starts MCP servers and subscribes to the
// stream. MCP servers that fail to start are logged and left out.
func (r *Runtime) Connect(ctx context.Context) error {
	info, err := os.Stat(r.workspace)
	if err != nil {
		return fmt.Errorf("workspace %s is not accessible: %w", r.workspace, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", r.workspace)
	}

	if r.cfg.Tools != nil {
		if err := r.cfg.Tools.Start(ctx); err != nil {
			r.logger.Warn("some mcp servers failed to start", zap.Error(err))
		}
	}

	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.connected = true
	r.mu.Unlock()

	if err := r.stream.Subscribe(stream.SubscriberRuntime, r.onEvent, stream.SubscriberRuntime); err != nil {
		return fmt.Errorf("failed to subscribe runtime: %w", err)
	}
	r.logger.Info("runtime connected", zap.String("workspace", r.workspace))
	return nil
}

// Close unsubscribes, cancels running commands and stops MCP servers.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.stream.Unsubscribe(stream.SubscriberRuntime, stream.SubscriberRuntime)
	if r.cfg.Tools != nil {
		return r.cfg.Tools.Close()
	}
	return nil
}

// onEvent executes runnable actions as they are appended. Actions awaiting
// or refused confirmation are left alone.
func (r *Runtime) onEvent(e events.Event) {
	a, ok := e.(events.Action)
	if !ok || !a.Runnable() {
		return
	}
	if c, ok := a.(events.Confirmable); ok {
		switch c.ConfirmationStatus() {
		case events.ConfirmationAwaiting, events.ConfirmationRejected:
			return
		}
	}

	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}

	obs := r.Execute(ctx, a)
	obs.SetCause(a.ID())
	if meta := a.ToolCallMetadata(); meta != nil {
		obs.SetToolCallMetadata(meta)
	}
	if err := r.stream.AddEvent(obs, events.SourceEnvironment); err != nil {
		r.logger.Warn("failed to append observation", zap.Int("cause", a.ID()), zap.Error(err))
	}
}

// Execute runs a and returns its observation. Failures, unknown action
// types included, come back as an ErrorObservation. Path restrictions are
// also reported through the status callback.
func (r *Runtime) Execute(ctx context.Context, a events.Action) events.Observation {
	h, ok := r.handlers[a.ActionType()]
	if !ok {
		return &events.ErrorObservation{
			Content: fmt.Sprintf("Action %s is not supported by the runtime", a.ActionType()),
			ErrorID: "AGENT_ERROR$BAD_ACTION",
		}
	}

	start := time.Now()
	obs, err := h(ctx, a)
	if err != nil {
		var restricted *agenterr.PathRestrictedError
		if errors.As(err, &restricted) {
			r.reportError(err.Error())
		}
		r.logger.Debug("action failed",
			zap.String("action", string(a.ActionType())),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return &events.ErrorObservation{Content: err.Error()}
	}
	r.logger.Debug("action executed",
		zap.String("action", string(a.ActionType())),
		zap.Duration("elapsed", time.Since(start)))
	return obs
}

func (r *Runtime) think(_ context.Context, _ events.Action) (events.Observation, error) {
	return &events.AgentThinkObservation{Content: thoughtLogged}, nil
}

func (r *Runtime) callMCP(ctx context.Context, a events.Action) (events.Observation, error) {
	act := a.(*events.MCPAction)
	if r.cfg.Tools == nil {
		return nil, fmt.Errorf("MCP tool %s is not available: no MCP servers configured", act.Name)
	}
	out, err := r.cfg.Tools.Call(ctx, act.Name, act.Arguments)
	if err != nil {
		return nil, err
	}
	return &events.MCPObservation{Content: out, Name: act.Name, Arguments: act.Arguments}, nil
}
