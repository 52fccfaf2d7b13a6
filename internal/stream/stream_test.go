package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/sealed"
	"github.com/yamatovision/bluelamp/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStream(t *testing.T, store storage.FileStore, sealer sealed.Service) *EventStream {
	t.Helper()
	s, err := New(context.Background(), Config{
		SessionID: "sess",
		Store:     store,
		Sealer:    sealer,
	})
	require.NoError(t, err)
	return s
}

func message(text string) *events.MessageAction {
	return &events.MessageAction{Content: text}
}

// recorder collects delivered event ids for one subscriber.
type recorder struct {
	mu  sync.Mutex
	ids []int
}

func (r *recorder) callback(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, e.ID())
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ids...)
}

func TestAddEventAssignsConsecutiveIDs(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)
	defer s.Close()

	assert.Equal(t, events.InvalidID, s.GetLatestEventID())
	_, err := s.GetLatestEvent()
	assert.ErrorIs(t, err, ErrEventNotFound)

	for i := 0; i < 5; i++ {
		e := message(fmt.Sprintf("m%d", i))
		require.NoError(t, s.AddEvent(e, events.SourceUser))
		assert.Equal(t, i, e.ID())
		assert.Equal(t, events.SourceUser, e.Source())
		assert.NotEmpty(t, e.Timestamp())
	}
	assert.Equal(t, 4, s.GetLatestEventID())

	latest, err := s.GetLatestEvent()
	require.NoError(t, err)
	assert.Equal(t, "m4", latest.(*events.MessageAction).Content)
}

func TestAddEventRejectsEventWithID(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)
	defer s.Close()

	e := message("once")
	require.NoError(t, s.AddEvent(e, events.SourceUser))
	err := s.AddEvent(e, events.SourceUser)
	assert.ErrorIs(t, err, ErrEventHasID)
	assert.Equal(t, 0, s.GetLatestEventID())
}

func TestPagingBoundary(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	s := newTestStream(t, store, nil)
	defer s.Close()

	for i := 0; i < DefaultCacheSize-1; i++ {
		require.NoError(t, s.AddEvent(message("x"), events.SourceUser))
	}
	_, err := store.Read(ctx, "sess/event_cache/0-25.json")
	assert.ErrorIs(t, err, storage.ErrNotFound, "page must not be written before it is full")

	require.NoError(t, s.AddEvent(message("x"), events.SourceUser))
	data, err := store.Read(ctx, "sess/event_cache/0-25.json")
	require.NoError(t, err)
	page, err := events.UnmarshalPage(data)
	require.NoError(t, err)
	require.Len(t, page, DefaultCacheSize)
	assert.Equal(t, 0, page[0].ID())
	assert.Equal(t, 24, page[24].ID())

	require.NoError(t, s.AddEvent(message("next"), events.SourceUser))
	_, err = store.Read(ctx, "sess/events/25.json")
	require.NoError(t, err)

	for _, id := range []int{0, 12, 24, 25} {
		e, err := s.GetEvent(id)
		require.NoError(t, err)
		assert.Equal(t, id, e.ID())
	}
	_, err = s.GetEvent(26)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSecretsAreScrubbedFromStoredEvents(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	s := newTestStream(t, store, nil)
	defer s.Close()

	s.SetSecrets(map[string]string{"API_KEY": "sk-abc", "LONG": "sk-abc-long"})
	s.UpdateSecrets(map[string]string{"TOKEN": "tok-9"})

	action := &events.CmdRunAction{Command: "curl -H sk-abc-long -H sk-abc tok-9"}
	require.NoError(t, s.AddEvent(action, events.SourceAgent))

	assert.Equal(t, "curl -H sk-abc-long -H sk-abc tok-9", action.Command, "caller keeps its original")

	stored, err := s.GetEvent(action.ID())
	require.NoError(t, err)
	assert.Equal(t, "curl -H <secret_hidden> -H <secret_hidden> <secret_hidden>", stored.(*events.CmdRunAction).Command)

	data, err := store.Read(ctx, "sess/events/0.json")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-abc")
	assert.NotContains(t, string(data), "tok-9")
}

func TestSystemMessageIsSealedAndNotPersistedPerEvent(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	cipher, err := sealed.NewCipher(make([]byte, sealed.KeySize), "sess")
	require.NoError(t, err)
	s := newTestStream(t, store, cipher)
	defer s.Close()

	sys := &events.SystemMessageAction{Content: "you are the orchestrator"}
	require.NoError(t, s.AddEvent(sys, events.SourceAgent))
	assert.Equal(t, "you are the orchestrator", sys.Content)

	stored, err := s.GetEvent(0)
	require.NoError(t, err)
	content := stored.(*events.SystemMessageAction).Content
	assert.True(t, sealed.IsSealed(content))
	plain, err := cipher.Decrypt(content)
	require.NoError(t, err)
	assert.Equal(t, "you are the orchestrator", plain)

	_, err = store.Read(ctx, "sess/events/0.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for i := 1; i < DefaultCacheSize; i++ {
		require.NoError(t, s.AddEvent(message("x"), events.SourceUser))
	}
	data, err := store.Read(ctx, "sess/event_cache/0-25.json")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "orchestrator")
}

func TestSubscribersReceiveEventsInOrder(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)

	var a, b, c recorder
	require.NoError(t, s.Subscribe(SubscriberRuntime, a.callback, "one"))
	require.NoError(t, s.Subscribe(SubscriberAgentController, b.callback, "one"))
	require.NoError(t, s.Subscribe(SubscriberAgentController, c.callback, "two"))

	err := s.Subscribe(SubscriberRuntime, a.callback, "one")
	assert.ErrorIs(t, err, ErrDuplicateSubscriber)

	for i := 0; i < 40; i++ {
		require.NoError(t, s.AddEvent(message("x"), events.SourceUser))
	}
	require.NoError(t, s.Close())

	want := make([]int, 40)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, a.snapshot())
	assert.Equal(t, want, b.snapshot())
	assert.Equal(t, want, c.snapshot())

	assert.ErrorIs(t, s.AddEvent(message("late"), events.SourceUser), ErrStreamClosed)
}

func TestCallbackCanAddEvents(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)
	defer s.Close()

	var obs recorder
	require.NoError(t, s.Subscribe(SubscriberRuntime, func(e events.Event) {
		if run, ok := e.(*events.CmdRunAction); ok {
			o := &events.CmdOutputObservation{Content: "ok", Command: run.Command}
			o.SetCause(run.ID())
			assert.NoError(t, s.AddEvent(o, events.SourceEnvironment))
		}
	}, "exec"))
	require.NoError(t, s.Subscribe(SubscriberTest, obs.callback, "watch"))

	require.NoError(t, s.AddEvent(&events.CmdRunAction{Command: "ls"}, events.SourceAgent))

	assert.Eventually(t, func() bool { return len(obs.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	e, err := s.GetEvent(1)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Cause())
}

func TestPanickingCallbackDoesNotStopDispatch(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)

	var good recorder
	require.NoError(t, s.Subscribe("a_bad", func(events.Event) { panic("boom") }, "cb"))
	require.NoError(t, s.Subscribe("b_good", good.callback, "cb"))

	require.NoError(t, s.AddEvent(message("1"), events.SourceUser))
	require.NoError(t, s.AddEvent(message("2"), events.SourceUser))
	require.NoError(t, s.Close())

	assert.Equal(t, []int{0, 1}, good.snapshot())
}

func TestUnsubscribe(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)
	defer s.Close()

	var r recorder
	require.NoError(t, s.Subscribe(SubscriberMain, r.callback, "cb"))
	require.NoError(t, s.AddEvent(message("1"), events.SourceUser))
	assert.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	s.Unsubscribe(SubscriberMain, "cb")
	s.Unsubscribe(SubscriberMain, "cb")
	require.NoError(t, s.AddEvent(message("2"), events.SourceUser))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{0}, r.snapshot())
}

func TestSearchEvents(t *testing.T) {
	s := newTestStream(t, storage.NewMemoryStore(), nil)
	defer s.Close()

	for i := 0; i < 30; i++ {
		src := events.SourceUser
		if i%2 == 1 {
			src = events.SourceAgent
		}
		require.NoError(t, s.AddEvent(message(fmt.Sprint(i)), src))
	}

	collect := func(opts SearchOptions) []int {
		var ids []int
		for e := range s.SearchEvents(opts) {
			ids = append(ids, e.ID())
		}
		return ids
	}

	assert.Equal(t, []int{20, 21, 22}, collect(SearchOptions{StartID: 20, EndID: 22}))
	assert.Equal(t, []int{29, 28}, collect(SearchOptions{StartID: 0, EndID: -1, Reverse: true, Limit: 2}))
	assert.Equal(t, []int{1, 3, 5}, collect(SearchOptions{
		EndID:  -1,
		Limit:  3,
		Filter: func(e events.Event) bool { return e.Source() == events.SourceAgent },
	}))
	assert.Empty(t, collect(SearchOptions{StartID: 40, EndID: -1}))

	var first []int
	for e := range s.SearchEvents(SearchOptions{EndID: -1}) {
		first = append(first, e.ID())
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1}, first)
}

func TestStreamResumesFromStore(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	cipher, err := sealed.NewCipher(make([]byte, sealed.KeySize), "sess")
	require.NoError(t, err)

	s := newTestStream(t, store, cipher)
	for i := 0; i < 27; i++ {
		require.NoError(t, s.AddEvent(message(fmt.Sprint(i)), events.SourceUser))
	}
	require.NoError(t, s.AddEvent(&events.SystemMessageAction{Content: "prompt"}, events.SourceAgent))
	require.NoError(t, s.Close())

	s = newTestStream(t, store, cipher)
	defer s.Close()
	assert.Equal(t, 27, s.GetLatestEventID())

	sys, err := s.GetEvent(27)
	require.NoError(t, err)
	require.IsType(t, &events.SystemMessageAction{}, sys)

	e, err := s.GetEvent(3)
	require.NoError(t, err)
	assert.Equal(t, "3", e.(*events.MessageAction).Content)

	next := message("after restart")
	require.NoError(t, s.AddEvent(next, events.SourceUser))
	assert.Equal(t, 28, next.ID())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Store: storage.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{SessionID: "s"})
	assert.True(t, err != nil && strings.Contains(err.Error(), "store"))
}

func TestReopenAfterUncleanShutdownLosesSystemMessage(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newTestStream(t, store, nil)
	defer first.Close()
	require.NoError(t, first.AddEvent(&events.SystemMessageAction{Content: "you are helpful"}, events.SourceAgent))
	require.NoError(t, first.AddEvent(message("hi"), events.SourceUser))

	// Reopen before first is closed, so its write page never reached disk.
	core, logs := observer.New(zap.WarnLevel)
	second, err := New(context.Background(), Config{SessionID: "sess", Store: store, Logger: zap.New(core)})
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 1, second.GetLatestEventID())
	e, err := second.GetEvent(0)
	require.NoError(t, err)
	assert.IsType(t, &events.NullAction{}, e)
	e, err = second.GetEvent(1)
	require.NoError(t, err)
	assert.Equal(t, "hi", e.(*events.MessageAction).Content)

	lost := logs.FilterMessage("system message lost: the stream was not closed cleanly").All()
	require.Len(t, lost, 1)
	assert.Equal(t, int64(0), lost[0].ContextMap()["id"])
}
