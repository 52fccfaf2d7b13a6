package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yamatovision/bluelamp/internal/agent"
	"github.com/yamatovision/bluelamp/internal/config"
	"github.com/yamatovision/bluelamp/internal/controller"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/llm/llmtest"
	"github.com/yamatovision/bluelamp/internal/storage"
	"github.com/yamatovision/bluelamp/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fastPoll = 10 * time.Millisecond

func testConfig(t *testing.T, client llm.Client) Config {
	t.Helper()
	settings := config.Default()
	settings.Session.Root = t.TempDir()
	settings.Runtime.Workspace = t.TempDir()
	settings.Prompts.CacheDir = ""
	settings.Security.ConfirmationMode = false
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	return Config{
		Settings: settings,
		LLM:      client,
		KeyFile:  filepath.Join(t.TempDir(), "master.key"),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Millisecond)
			return clock
		},
	}
}

func run(t *testing.T, s *Session) events.AgentState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := RunAgentUntilDone(ctx, s.Controller, s.Runtime, s.Memory, InteractiveEndStates, WithPollInterval(fastPoll))
	require.NoError(t, err)
	return state
}

func allEvents(s *Session) []events.Event {
	var out []events.Event
	for e := range s.Stream.SearchEvents(stream.SearchOptions{EndID: -1}) {
		out = append(out, e)
	}
	return out
}

func TestNewID(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewID("Orchestrator", at)
	assert.Equal(t, a, NewID("Orchestrator", at))
	assert.NotEqual(t, a, NewID("Orchestrator", at.Add(time.Nanosecond)))
	assert.NotEqual(t, a, NewID("DebugDetective", at))
	assert.Len(t, a, 32)
	assert.NotContains(t, a, "-")
}

func TestNewRejectsUnknownAgent(t *testing.T) {
	cfg := testConfig(t, llmtest.New())
	cfg.Agent = "Nobody"
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)
}

func TestNewRequiresAPIKeyWithoutClient(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Settings.LLM.APIKey = ""
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestSessionRoundTripAndRestore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, llmtest.New(llmtest.Text("Hello! What are we building?")))

	s, err := New(ctx, cfg)
	require.NoError(t, err)
	id := s.ID
	sessionDir := filepath.Join(cfg.Settings.Session.Root, id)
	assert.True(t, storage.IsSessionLocked(sessionDir))

	require.NoError(t, s.Submit(context.Background(), "hello"))
	assert.Equal(t, events.StateAwaitingUserInput, run(t, s))
	require.NoError(t, s.Close())

	assert.False(t, storage.IsSessionLocked(sessionDir))
	assert.FileExists(t, filepath.Join(sessionDir, MetadataFileName))
	assert.FileExists(t, filepath.Join(sessionDir, controller.StateFileName))

	meta, err := ReadMetadata(ctx, s.Store, id)
	require.NoError(t, err)
	assert.Equal(t, "Orchestrator", meta.Agent)
	assert.Equal(t, cfg.Settings.Runtime.Workspace, meta.Workspace)

	// The system prompt only reaches disk sealed, inside the first cache page.
	assert.NoFileExists(t, filepath.Join(sessionDir, "events", "0.json"))
	page := fmt.Sprintf("0-%d.json", cfg.Settings.Session.CacheSize)
	raw, err := os.ReadFile(filepath.Join(sessionDir, "event_cache", page))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"system"`)
	assert.NotContains(t, string(raw), "You coordinate a team")

	cfg.LLM = llmtest.New(llmtest.Text("Welcome back."))
	r, err := Restore(ctx, cfg, id)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 1, r.Controller.State().Iteration)
	assert.Equal(t, events.StateAwaitingUserInput, r.Controller.AgentState())
	before := r.Stream.GetLatestEventID()

	require.NoError(t, r.Submit(ctx, "again"))
	assert.Equal(t, events.StateAwaitingUserInput, run(t, r))

	evs := allEvents(r)
	for i, e := range evs {
		require.Equal(t, i, e.ID(), "ids stay consecutive across restore")
	}
	assert.Greater(t, r.Stream.GetLatestEventID(), before)
	sys := 0
	for _, e := range evs {
		if _, ok := e.(*events.SystemMessageAction); ok {
			sys++
		}
	}
	assert.Equal(t, 1, sys)
	assert.Equal(t, 2, r.Controller.State().Iteration)
}

func TestRestoreUnknownSession(t *testing.T) {
	cfg := testConfig(t, llmtest.New())
	_, err := Restore(context.Background(), cfg, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunLoopRecoverableError(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls("", llmtest.Call{Name: agent.ToolEditor, Args: map[string]any{"command": "view", "path": "/etc/passwd"}}),
		llmtest.Text("I will stay inside the workspace."),
	)
	s, err := New(context.Background(), testConfig(t, client))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Submit(context.Background(), "show /etc/passwd"))
	assert.Equal(t, events.StateAwaitingUserInput, run(t, s))
	assert.Empty(t, s.Controller.State().LastError)
}

func TestRunLoopFatalError(t *testing.T) {
	client := llmtest.New(llmtest.Error(errors.New("dial tcp: connection refused")))
	s, err := New(context.Background(), testConfig(t, client))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Submit(context.Background(), "hi"))
	assert.Equal(t, events.StateError, run(t, s))
	assert.Equal(t, "dial tcp: connection refused", s.Controller.State().LastError)
}

// blockingClient answers once release is closed.
type blockingClient struct {
	*llmtest.Scripted
	called  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingClient) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.ModelResponse, error) {
	b.once.Do(func() { close(b.called) })
	<-b.release
	return b.Scripted.Complete(ctx, messages, tools)
}

func TestRunLoopCancelStops(t *testing.T) {
	client := &blockingClient{
		Scripted: llmtest.New(llmtest.Text("too late")),
		called:   make(chan struct{}),
		release:  make(chan struct{}),
	}
	s, err := New(context.Background(), testConfig(t, client))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Submit(context.Background(), "work"))
	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		state events.AgentState
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := RunAgentUntilDone(ctx, s.Controller, s.Runtime, s.Memory, InteractiveEndStates, WithPollInterval(fastPoll))
		done <- result{st, err}
	}()

	<-client.called
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(client.release)

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, events.StateStopped, res.state)
	assert.Equal(t, events.StateStopped, s.Controller.AgentState())
}

func TestRunHeadlessAutoContinues(t *testing.T) {
	client := llmtest.New(
		llmtest.Text("Which framework should I use?"),
		llmtest.ToolCalls("", llmtest.Call{Name: agent.ToolFinish, Args: map[string]any{"message": "done"}}),
	)
	cfg := testConfig(t, client)
	cfg.Headless = true
	cfg.Settings.Security.ConfirmationMode = true
	cfg.Settings.Session.PollInterval = fastPoll
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Controller.State().ConfirmationMode, "headless runs never prompt")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := s.RunHeadless(ctx, "build a todo app")
	require.NoError(t, err)
	assert.Equal(t, events.StateFinished, state)

	calls := client.Calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.True(t, strings.HasPrefix(last.Text(), "Please continue working on the task"))
}

func TestNewSessionFlag(t *testing.T) {
	s, err := New(context.Background(), testConfig(t, llmtest.New()))
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.NewSessionRequested())
	s.RequestNewSession()
	assert.True(t, s.NewSessionRequested())
	assert.Greater(t, s.Uptime(), time.Duration(0))
}

func TestListAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, WriteMetadata(ctx, store, Metadata{
			SessionID: id,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			Agent:     "Orchestrator",
		}))
		require.NoError(t, store.Write(ctx, id+"/events/0.json", []byte("{}")))
	}
	require.NoError(t, store.Write(ctx, "bluelamp.log", []byte("log")))

	list, err := List(ctx, store)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].SessionID, list[1].SessionID, list[2].SessionID})

	res, err := Cleanup(ctx, store, 1, true)
	require.NoError(t, err)
	assert.Len(t, res.Kept, 1)
	assert.Len(t, res.Removed, 2)
	list, _ = List(ctx, store)
	assert.Len(t, list, 3, "dry run deletes nothing")

	res, err = Cleanup(ctx, store, 1, false)
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	list, err = List(ctx, store)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].SessionID)
	_, err = store.Read(ctx, "old/events/0.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = Cleanup(ctx, store, -1, false)
	assert.Error(t, err)
}
