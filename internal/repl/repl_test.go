package repl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamatovision/bluelamp/internal/agent"
	"github.com/yamatovision/bluelamp/internal/config"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/llm/llmtest"
	"github.com/yamatovision/bluelamp/internal/session"
)

// fakeInput replays scripted lines and then reports EOF.
type fakeInput struct {
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

func newInput(lines ...string) *fakeInput {
	f := &fakeInput{lines: make(chan string, len(lines)), closed: make(chan struct{})}
	for _, l := range lines {
		f.lines <- l
	}
	close(f.lines)
	return f
}

func (f *fakeInput) Readline() (string, error) {
	select {
	case l, ok := <-f.lines:
		if !ok {
			return "", io.EOF
		}
		return l, nil
	case <-f.closed:
		return "", io.EOF
	}
}

func (f *fakeInput) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// eofInput reports EOF right away.
type eofInput struct{}

func (eofInput) Readline() (string, error) { return "", io.EOF }
func (eofInput) Close() error              { return nil }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newSession(t *testing.T, client llm.Client, confirm bool) *session.Session {
	t.Helper()
	settings := config.Default()
	settings.Session.Root = t.TempDir()
	settings.Runtime.Workspace = t.TempDir()
	settings.Prompts.CacheDir = ""
	settings.Security.ConfirmationMode = confirm
	settings.Session.PollInterval = 10 * time.Millisecond
	s, err := session.New(context.Background(), session.Config{
		Settings: settings,
		LLM:      client,
		KeyFile:  filepath.Join(t.TempDir(), "master.key"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func runREPL(t *testing.T, s *session.Session, in LineReader) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	r, err := New(&Config{Session: s, Input: in, Out: out})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = r.Run(ctx)
	return out.String(), err
}

func TestNewValidates(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)

	s := newSession(t, llmtest.New(), false)
	_, err = New(&Config{Session: s, Input: eofInput{}})
	assert.Error(t, err, "custom input needs an output")
}

func TestConversationAndExit(t *testing.T) {
	client := llmtest.New(llmtest.Text("Hi there, what are we building?"))
	s := newSession(t, client, false)

	out, err := runREPL(t, s, newInput("hello", "/status", "/settings", "/help", "/exit", "y"))
	require.NoError(t, err)

	assert.Contains(t, out, "what are we building")
	assert.Contains(t, out, "Session Status")
	assert.Contains(t, out, s.ID)
	assert.Contains(t, out, "10 in, 5 out")
	assert.Contains(t, out, "/settings is not available")
	assert.Contains(t, out, "Available Commands")
	assert.Contains(t, out, "Goodbye")
	assert.Equal(t, events.StateStopped, s.Controller.AgentState())
	assert.Len(t, client.Calls(), 1)
}

func TestExitCanBeCancelled(t *testing.T) {
	s := newSession(t, llmtest.New(), false)

	out, err := runREPL(t, s, newInput("/exit", "n"))
	require.NoError(t, err, "EOF after the cancelled exit still leaves cleanly")
	assert.Contains(t, out, "End this session?")
	assert.Equal(t, events.StateStopped, s.Controller.AgentState())
}

func TestEOFExits(t *testing.T) {
	s := newSession(t, llmtest.New(), false)
	out, err := runREPL(t, s, eofInput{})
	require.NoError(t, err)
	assert.Contains(t, out, "Goodbye")
	assert.Equal(t, events.StateStopped, s.Controller.AgentState())
}

func TestNewCommandRequestsNewSession(t *testing.T) {
	s := newSession(t, llmtest.New(), false)
	_, err := runREPL(t, s, newInput("/new", "y"))
	require.NoError(t, err)
	assert.True(t, s.NewSessionRequested())
	assert.Equal(t, events.StateStopped, s.Controller.AgentState())
}

func TestResumeSendsContinue(t *testing.T) {
	client := llmtest.New(llmtest.Text("Continuing."))
	s := newSession(t, client, false)

	_, err := runREPL(t, s, newInput("/resume", "/exit", "y"))
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	last := calls[0][len(calls[0])-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "continue", last.Text())
}

func TestConfirmAlways(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls("", llmtest.Call{Name: agent.ToolExecuteBash, Args: map[string]any{"command": "echo first"}}),
		llmtest.ToolCalls("", llmtest.Call{Name: agent.ToolExecuteBash, Args: map[string]any{"command": "echo second"}}),
		llmtest.Text("Both ran."),
	)
	s := newSession(t, client, true)

	out, err := runREPL(t, s, newInput("run two commands", "always", "/exit", "y"))
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "Run this action?"))
	assert.Contains(t, out, "$ echo first")
	assert.Contains(t, out, "Confirmation prompts are off")
	assert.Contains(t, out, "$ echo second")
	assert.Contains(t, out, "Both ran.")
	assert.False(t, s.Controller.State().ConfirmationMode)
}

func TestConfirmReject(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls("", llmtest.Call{Name: agent.ToolExecuteBash, Args: map[string]any{"command": "rm -rf build"}}),
		llmtest.Text("Okay, I will not."),
	)
	s := newSession(t, client, true)

	out, err := runREPL(t, s, newInput("clean up", "maybe", "n", "/exit", "y"))
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(out, "Run this action?"), "unclear answers ask again")
	assert.Contains(t, out, "The user rejected this action")
	assert.Contains(t, out, "I will not")
	assert.True(t, s.Controller.State().ConfirmationMode)
}

func TestFatalErrorEndsREPL(t *testing.T) {
	client := llmtest.New(llmtest.Error(errors.New("dial tcp: connection refused")))
	s := newSession(t, client, false)

	out, err := runREPL(t, s, newInput("hi"))
	require.ErrorIs(t, err, ErrFatal)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, out, "Fatal error")
	assert.Equal(t, events.StateError, s.Controller.AgentState(), "the session is left resumable")
}

func TestPauseIgnoredWhenIdle(t *testing.T) {
	s := newSession(t, llmtest.New(), false)
	r, err := New(&Config{Session: s, Input: eofInput{}, Out: &syncBuffer{}})
	require.NoError(t, err)
	before := s.Stream.GetLatestEventID()
	r.Pause()
	assert.Equal(t, before, s.Stream.GetLatestEventID())
}

func TestTruncateLines(t *testing.T) {
	assert.Equal(t, "a\nb", truncateLines("a\nb\n", 5))
	got := truncateLines("1\n2\n3\n4", 2)
	assert.Equal(t, "1\n2\n... (2 more lines)", got)
}

func TestConfirmPrompt(t *testing.T) {
	p := confirmPrompt(&events.CmdRunAction{Command: "make test", Thought: "Run the suite"})
	assert.Contains(t, p, "The agent wants to run")
	assert.Contains(t, p, "$ make test")
	assert.Contains(t, p, "Run the suite")

	p = confirmPrompt(&events.FileEditAction{Command: events.EditStrReplace, Path: "main.go", OldStr: "foo", NewStr: "bar"})
	assert.Contains(t, p, "str_replace main.go")
	assert.Contains(t, p, "- foo")
	assert.Contains(t, p, "+ bar")
}
