package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamatovision/bluelamp/internal/agenterr"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/storage"
	"github.com/yamatovision/bluelamp/internal/stream"
)

func newTestStream(t *testing.T) *stream.EventStream {
	t.Helper()
	es, err := stream.New(context.Background(), stream.Config{
		SessionID: "rt-test",
		Store:     storage.NewMemoryStore(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return es
}

func newTestRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	ws := t.TempDir()
	r, err := New(newTestStream(t), Config{Workspace: ws, DeniedCommands: DefaultDeniedCommands()})
	require.NoError(t, err)
	return r, ws
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Workspace: "."})
	assert.Error(t, err)
	_, err = New(newTestStream(t), Config{})
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	r, ws := newTestRuntime(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "marker.txt"), nil, 0644))
	ctx := context.Background()

	tests := []struct {
		name     string
		action   *events.CmdRunAction
		exitCode int
		contains string
		isError  bool
	}{
		{name: "runs in workspace", action: &events.CmdRunAction{Command: "ls"}, contains: "marker.txt"},
		{name: "non-zero exit", action: &events.CmdRunAction{Command: "echo oops >&2; exit 3"}, exitCode: 3, contains: "oops"},
		{name: "timeout", action: &events.CmdRunAction{Command: "sleep 5", Timeout: 0.2}, exitCode: -1, contains: "timed out"},
		{name: "denied", action: &events.CmdRunAction{Command: "sudo rm -rf / --no-preserve-root"}, isError: true, contains: "security policy"},
		{name: "empty", action: &events.CmdRunAction{Command: "  "}, isError: true, contains: "empty command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := r.Execute(ctx, tt.action)
			if tt.isError {
				errObs, ok := obs.(*events.ErrorObservation)
				require.True(t, ok, "got %T", obs)
				assert.Contains(t, errObs.Content, tt.contains)
				return
			}
			out, ok := obs.(*events.CmdOutputObservation)
			require.True(t, ok, "got %T", obs)
			assert.Equal(t, tt.exitCode, out.ExitCode)
			assert.Contains(t, out.Content, tt.contains)
		})
	}
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "abc", truncateOutput("abc", 10))
	assert.True(t, strings.HasPrefix(truncateOutput("abcdef", 3), "abc\n\n[... output truncated"))
}

func TestPathRestriction(t *testing.T) {
	r, ws := newTestRuntime(t)
	var reported []string
	r.SetStatusCallback(func(kind, msg string) { reported = append(reported, kind+": "+msg) })

	obs := r.Execute(context.Background(), &events.FileReadAction{Path: "/etc/passwd"})
	errObs, ok := obs.(*events.ErrorObservation)
	require.True(t, ok)
	assert.Contains(t, errObs.Content, "Invalid path. You can only work with files in "+ws)
	require.Len(t, reported, 1)
	assert.True(t, agenterr.IsRecoverableMessage(reported[0]))

	_, err := r.resolvePath("../outside.txt")
	var restricted *agenterr.PathRestrictedError
	assert.True(t, errors.As(err, &restricted))

	abs, err := r.resolvePath("sub/../inside.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "inside.txt"), abs)
}

func TestReadAndWrite(t *testing.T) {
	r, ws := newTestRuntime(t)
	ctx := context.Background()

	obs := r.Execute(ctx, &events.FileWriteAction{Path: "docs/notes.md", Content: "one\ntwo\nthree"})
	require.IsType(t, &events.FileWriteObservation{}, obs)
	data, err := os.ReadFile(filepath.Join(ws, "docs", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", string(data))

	obs = r.Execute(ctx, &events.FileReadAction{Path: "docs/notes.md", Start: 2, End: 3})
	read, ok := obs.(*events.FileReadObservation)
	require.True(t, ok)
	assert.Equal(t, "two\nthree", read.Content)

	obs = r.Execute(ctx, &events.FileReadAction{Path: "missing.md"})
	assert.Contains(t, obs.(*events.ErrorObservation).Content, "File not found")
}

func TestEditorCommands(t *testing.T) {
	r, ws := newTestRuntime(t)
	ctx := context.Background()
	path := filepath.Join(ws, "main.go")

	obs := r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditCreate, FileText: "package main\n\nfunc main() {}\n"})
	require.IsType(t, &events.FileEditObservation{}, obs)

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditCreate, FileText: "x"})
	assert.Contains(t, obs.(*events.ErrorObservation).Content, "already exists")

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditStrReplace, OldStr: "func main() {}", NewStr: "func main() { run() }"})
	edit, ok := obs.(*events.FileEditObservation)
	require.True(t, ok)
	assert.Contains(t, edit.Diff, "+func main() { run() }")
	assert.Contains(t, edit.Diff, "-func main() {}")

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditStrReplace, OldStr: "nothing here", NewStr: "x"})
	assert.Contains(t, obs.(*events.ErrorObservation).Content, "did not appear verbatim")

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditInsert, InsertLine: 1, NewStr: "// generated"})
	require.IsType(t, &events.FileEditObservation{}, obs)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "package main\n// generated\n\nfunc main() { run() }\n", string(data))

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditUndo})
	require.IsType(t, &events.FileEditObservation{}, obs)
	data, _ = os.ReadFile(path)
	assert.Equal(t, "package main\n\nfunc main() { run() }\n", string(data))

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: events.EditView})
	assert.Contains(t, obs.(*events.FileEditObservation).Content, "     1\tpackage main")

	obs = r.Execute(ctx, &events.FileEditAction{Path: ".", Command: events.EditView})
	assert.Contains(t, obs.(*events.FileEditObservation).Content, "main.go")

	obs = r.Execute(ctx, &events.FileEditAction{Path: "main.go", Command: "explode"})
	assert.Contains(t, obs.(*events.ErrorObservation).Content, "Unrecognized command")
}

func TestThinkAndUnsupported(t *testing.T) {
	r, _ := newTestRuntime(t)
	obs := r.Execute(context.Background(), &events.AgentThinkAction{Thought: "hmm"})
	assert.Equal(t, thoughtLogged, obs.(*events.AgentThinkObservation).Content)

	obs = r.Execute(context.Background(), &events.MessageAction{Content: "hi"})
	assert.Contains(t, obs.(*events.ErrorObservation).Content, "not supported")

	obs = r.Execute(context.Background(), &events.MCPAction{Name: "fetch"})
	assert.Contains(t, obs.(*events.ErrorObservation).Content, "no MCP servers")
}

type fakeTools struct {
	mu      sync.Mutex
	started int
	closed  bool
}

func (f *fakeTools) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return errors.New("one server down")
}

func (f *fakeTools) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	return name + " ok", nil
}

func (f *fakeTools) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestConnectExecutesActionsFromStream(t *testing.T) {
	es := newTestStream(t)
	tools := &fakeTools{}
	r, err := New(es, Config{Workspace: t.TempDir(), Tools: tools})
	require.NoError(t, err)
	require.NoError(t, r.Connect(context.Background()), "mcp start failures are not fatal")
	assert.Equal(t, 1, tools.started)

	meta := &events.ToolCallMetadata{CallID: "c1", FunctionName: "execute_bash"}
	run := &events.CmdRunAction{Command: "echo hi"}
	run.SetToolCallMetadata(meta)
	require.NoError(t, es.AddEvent(run, events.SourceAgent))

	awaiting := &events.CmdRunAction{Command: "echo never", Confirmation: events.ConfirmationAwaiting}
	require.NoError(t, es.AddEvent(awaiting, events.SourceAgent))

	mcpAct := &events.MCPAction{Name: "fetch"}
	require.NoError(t, es.AddEvent(mcpAct, events.SourceAgent))

	var observations []events.Observation
	require.Eventually(t, func() bool {
		observations = nil
		for e := range es.SearchEvents(stream.SearchOptions{EndID: -1}) {
			if o, ok := e.(events.Observation); ok {
				observations = append(observations, o)
			}
		}
		return len(observations) == 2
	}, 5*time.Second, 10*time.Millisecond)

	out := observations[0].(*events.CmdOutputObservation)
	assert.Equal(t, run.ID(), out.Cause())
	assert.Equal(t, "c1", out.ToolCallMetadata().CallID)
	assert.Equal(t, "hi\n", out.Content)

	mcpObs := observations[1].(*events.MCPObservation)
	assert.Equal(t, mcpAct.ID(), mcpObs.Cause())
	assert.Equal(t, "fetch ok", mcpObs.Content)

	require.NoError(t, r.Close())
	assert.True(t, tools.closed)
	assert.NoError(t, r.Close())
}

func TestConnectRejectsMissingWorkspace(t *testing.T) {
	r, err := New(newTestStream(t), Config{Workspace: filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	assert.Error(t, r.Connect(context.Background()))
}
