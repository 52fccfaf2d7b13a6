// Package session wires a stream, a runtime and a root controller into one
// BlueLamp session and drives it to an end state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yamatovision/bluelamp/internal/agent"
	"github.com/yamatovision/bluelamp/internal/condenser"
	"github.com/yamatovision/bluelamp/internal/config"
	"github.com/yamatovision/bluelamp/internal/controller"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/mcp"
	"github.com/yamatovision/bluelamp/internal/memory"
	"github.com/yamatovision/bluelamp/internal/prompts"
	"github.com/yamatovision/bluelamp/internal/runtime"
	"github.com/yamatovision/bluelamp/internal/sealed"
	"github.com/yamatovision/bluelamp/internal/storage"
	"github.com/yamatovision/bluelamp/internal/stream"
)

// MetadataFileName is written once per session next to the events.
const MetadataFileName = "metadata.json"

// Version is recorded in session locks.
const Version = "1.0.0"

// closeGrace bounds how long Close waits for subscriber workers.
const closeGrace = 2 * time.Second

// Metadata describes a session on disk.
type Metadata struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Agent     string    `json:"agent"`
	Workspace string    `json:"workspace,omitempty"`
}

// Config configures New and Restore.
type Config struct {
	Settings config.Config
	// Agent is the starting role; empty uses Settings.Agent.DefaultAgent.
	Agent    string
	Headless bool
	// Store holds the session directories; nil opens Settings.Session.Root.
	Store storage.FileStore
	// LLM overrides the Anthropic client.
	LLM llm.Client
	// KeyFile holds the master key for sealing system prompts. Empty stores
	// them in the clear.
	KeyFile   string
	MCPDialer mcp.Dialer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Session owns every component of one conversation.
type Session struct {
	ID         string
	Metadata   Metadata
	Store      storage.FileStore
	Stream     *stream.EventStream
	Runtime    *runtime.Runtime
	Memory     *memory.Memory
	Controller *controller.Controller

	cfg      Config
	tools    *mcp.Manager
	lockPath string
	started  time.Time
	logger   *zap.Logger

	newSession atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// New creates a fresh session with a generated id.
func New(ctx context.Context, cfg Config) (*Session, error) {
	cfg = withDefaults(cfg)
	name := cfg.Agent
	if name == "" {
		name = cfg.Settings.Agent.DefaultAgent
	}
	if _, err := agent.LookupRole(name); err != nil {
		return nil, err
	}
	now := cfg.Now()
	meta := Metadata{
		SessionID: NewID(name, now),
		CreatedAt: now.UTC(),
		Agent:     name,
	}
	return open(ctx, cfg, meta, nil, true)
}

// Restore reopens session id: the saved controller state is loaded and the
// stream is replayed from disk.
func Restore(ctx context.Context, cfg Config, id string) (*Session, error) {
	cfg = withDefaults(cfg)
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Store = store

	meta, err := ReadMetadata(ctx, store, id)
	if err != nil {
		return nil, err
	}
	state, err := controller.LoadState(ctx, store, id)
	switch {
	case err == nil:
		if state.Agent != "" {
			meta.Agent = state.Agent
		}
	case errors.Is(err, storage.ErrNotFound):
		state = nil
	default:
		return nil, fmt.Errorf("failed to load state for %s: %w", id, err)
	}
	return open(ctx, cfg, meta, state, false)
}

func withDefaults(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MCPDialer == nil {
		cfg.MCPDialer = mcp.StdioDialer
	}
	return cfg
}

func openStore(cfg Config) (storage.FileStore, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	store, err := storage.NewFileStore(context.Background(), &storage.Config{Root: cfg.Settings.Session.Root})
	if err != nil {
		return nil, fmt.Errorf("failed to open session root: %w", err)
	}
	return store, nil
}

func open(ctx context.Context, cfg Config, meta Metadata, state *controller.State, fresh bool) (_ *Session, err error) {
	settings := cfg.Settings
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:      meta.SessionID,
		Store:   store,
		cfg:     cfg,
		started: cfg.Now(),
		logger:  cfg.Logger.Named("session").With(zap.String("sid", meta.SessionID)),
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if local, ok := store.(*storage.LocalStore); ok {
		s.lockPath, err = storage.AcquireSessionLock(filepath.Join(local.Root(), s.ID), Version)
		if err != nil {
			return nil, err
		}
	}

	sealer, err := newSealer(cfg.KeyFile, s.ID)
	if err != nil {
		return nil, err
	}
	s.Stream, err = stream.New(ctx, stream.Config{
		SessionID: s.ID,
		Store:     store,
		Sealer:    sealer,
		CacheSize: settings.Session.CacheSize,
		Logger:    cfg.Logger,
		Now:       cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	client := cfg.LLM
	if client == nil {
		if err := settings.LLM.RequireAPIKey(); err != nil {
			return nil, err
		}
		llmCfg := settings.LLM.ClientConfig(settings.Agent.EnableWebSearch)
		llmCfg.Logger = cfg.Logger
		if client, err = llm.NewAnthropicClient(llmCfg); err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
	}

	var toolServer runtime.ToolServer
	var mcpTools []llm.Tool
	if len(settings.MCP.Servers) > 0 {
		s.tools = mcp.NewManager(settings.MCP.Servers, cfg.MCPDialer, cfg.Logger)
		if err := s.tools.Start(ctx); err != nil {
			s.logger.Warn("some MCP servers failed to start", zap.Error(err))
		}
		mcpTools = s.tools.Tools()
		toolServer = s.tools
	}

	s.Memory = memory.New(memory.Config{Sealer: sealer, Logger: cfg.Logger})
	deps := agent.Deps{
		LLM: client,
		Prompts: prompts.New(prompts.Config{
			CacheDir:      settings.Prompts.CacheDir,
			RemoteURL:     settings.Prompts.RemoteURL,
			RemoteTimeout: settings.Prompts.RemoteTimeout,
			Logger:        cfg.Logger,
		}),
		Memory:   s.Memory,
		MCPTools: mcpTools,
		Logger:   cfg.Logger,
	}
	if n := settings.Agent.CondenseMaxEvents; n > 0 {
		if deps.Condenser, err = condenser.NewRecent(2, n); err != nil {
			return nil, err
		}
	}
	root, err := agent.NewByName(meta.Agent, deps)
	if err != nil {
		return nil, err
	}

	workspace := settings.Runtime.Workspace
	if workspace == "" {
		workspace = "."
	}
	denied := settings.Runtime.DeniedCommands
	if denied == nil {
		denied = runtime.DefaultDeniedCommands()
	}
	s.Runtime, err = runtime.New(s.Stream, runtime.Config{
		Workspace:      workspace,
		CommandTimeout: settings.Runtime.CommandTimeout,
		MaxOutputBytes: settings.Runtime.MaxOutputBytes,
		DeniedCommands: denied,
		Tools:          toolServer,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	meta.Workspace = s.Runtime.Workspace()
	s.Metadata = meta

	confirm := settings.Security.ConfirmationMode && !cfg.Headless
	if state != nil && !cfg.Headless {
		confirm = state.ConfirmationMode
	}
	s.Controller, err = controller.New(controller.Config{
		SessionID:        s.ID,
		Agent:            root,
		Stream:           s.Stream,
		MaxIterations:    settings.Agent.MaxIterations,
		ConfirmationMode: confirm,
		Headless:         cfg.Headless,
		Store:            store,
		State:            state,
		NewAgent: func(name string) (agent.Agent, error) {
			return agent.NewByName(name, deps)
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	if fresh {
		if err := WriteMetadata(ctx, store, meta); err != nil {
			return nil, err
		}
	}
	if err := s.Runtime.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.Controller.Start(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("session opened",
		zap.String("agent", meta.Agent),
		zap.Bool("restored", !fresh),
		zap.Bool("headless", cfg.Headless),
		zap.Int("latest_event_id", s.Stream.GetLatestEventID()))
	return s, nil
}

func newSealer(keyFile, sessionID string) (sealed.Service, error) {
	if keyFile == "" {
		return sealed.Null{}, nil
	}
	key, err := sealed.LoadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	return sealed.NewCipher(key, sessionID)
}

// Send appends a user message.
func (s *Session) Send(text string) error {
	return s.Stream.AddEvent(&events.MessageAction{Content: text}, events.SourceUser)
}

// Uptime is the time since the session was opened.
func (s *Session) Uptime() time.Duration { return s.cfg.Now().Sub(s.started) }

// PollInterval is how often run loops over this session check the state.
func (s *Session) PollInterval() time.Duration {
	if d := s.cfg.Settings.Session.PollInterval; d > 0 {
		return d
	}
	return DefaultPollInterval
}

// RequestNewSession marks that the user asked for a fresh session on exit.
func (s *Session) RequestNewSession() { s.newSession.Store(true) }

// NewSessionRequested reports whether /new ended this session.
func (s *Session) NewSessionRequested() bool { return s.newSession.Load() }

// Close detaches the controller and runtime, waits for their workers to
// drain for up to two seconds, then closes the stream. The session
// directory is kept.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		var g errgroup.Group
		if s.Controller != nil {
			g.Go(s.Controller.Close)
		}
		if s.Runtime != nil {
			g.Go(s.Runtime.Close)
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			errs = append(errs, err)
		case <-time.After(closeGrace):
			s.logger.Warn("subscribers did not stop in time", zap.Duration("grace", closeGrace))
		}

		if s.tools != nil {
			errs = append(errs, s.tools.Close())
		}
		if s.Stream != nil {
			errs = append(errs, s.Stream.Close())
		}
		errs = append(errs, storage.ReleaseSessionLock(s.lockPath))
		s.closeErr = errors.Join(errs...)
		s.logger.Info("session closed", zap.Duration("uptime", s.Uptime()))
	})
	return s.closeErr
}

func metadataFile(id string) string { return path.Join(id, MetadataFileName) }

// WriteMetadata stores meta in <session_id>/metadata.json.
func WriteMetadata(ctx context.Context, store storage.FileStore, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := store.Write(ctx, metadataFile(meta.SessionID), data); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the metadata of session id.
func ReadMetadata(ctx context.Context, store storage.FileStore, id string) (Metadata, error) {
	var meta Metadata
	data, err := store.Read(ctx, metadataFile(id))
	if errors.Is(err, storage.ErrNotFound) {
		return meta, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata for %s: %w", id, err)
	}
	return meta, nil
}
