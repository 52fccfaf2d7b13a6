// Package stream implements the session event log: an append-only,
// totally ordered sequence of events with persistence, secret scrubbing
// and ordered fan-out to subscribers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/sealed"
	"github.com/yamatovision/bluelamp/internal/storage"
)

// DefaultCacheSize is the number of events per persisted page.
const DefaultCacheSize = 25

var (
	// ErrEventHasID is returned when an event that was already added to a
	// stream is added again.
	ErrEventHasID = errors.New("event already has an id")
	// ErrEventNotFound is returned for ids that were never assigned.
	ErrEventNotFound = errors.New("event not found")
	// ErrStreamClosed is returned by AddEvent after Close.
	ErrStreamClosed = errors.New("event stream is closed")
	// ErrDuplicateSubscriber is returned when a (subscriber, callback) pair
	// is registered twice.
	ErrDuplicateSubscriber = errors.New("callback already subscribed")
)

// Config configures an EventStream.
type Config struct {
	SessionID string
	Store     storage.FileStore
	// Sealer encrypts system prompt content; nil stores it as is.
	Sealer sealed.Service
	// CacheSize is the page size; zero means DefaultCacheSize.
	CacheSize int
	// PageCacheCost bounds the number of decoded pages kept for reads.
	PageCacheCost int64
	Logger        *zap.Logger
	// Now overrides time.Now for timestamps.
	Now func() time.Time
}

// EventStream is the ordered event log of one session.
type EventStream struct {
	sid       string
	store     storage.FileStore
	sealer    sealed.Service
	cacheSize int
	logger    *zap.Logger
	now       func() time.Time

	// pages caches decoded pages below the write page.
	pages *ristretto.Cache[string, []events.Event]

	mu        sync.Mutex
	curID     int
	pageStart int
	writePage []events.Event
	// unflushed holds full pages whose file write failed.
	unflushed map[int][]events.Event
	secrets   map[string]string
	subs      map[string]map[string]*subscription
	closed    bool

	dispatchQ    *queue[events.Event]
	dispatchDone chan struct{}
}

// New opens the stream of cfg.SessionID, continuing after any events
// already persisted in the store.
func New(ctx context.Context, cfg Config) (*EventStream, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("file store is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.PageCacheCost <= 0 {
		cfg.PageCacheCost = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sealer == nil {
		cfg.Sealer = sealed.Null{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pages, err := ristretto.NewCache(&ristretto.Config[string, []events.Event]{
		NumCounters: cfg.PageCacheCost * 10,
		MaxCost:     cfg.PageCacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}

	s := &EventStream{
		sid:          cfg.SessionID,
		store:        cfg.Store,
		sealer:       cfg.Sealer,
		cacheSize:    cfg.CacheSize,
		logger:       cfg.Logger.Named("stream").With(zap.String("sid", cfg.SessionID)),
		now:          cfg.Now,
		pages:        pages,
		unflushed:    make(map[int][]events.Event),
		secrets:      make(map[string]string),
		subs:         make(map[string]map[string]*subscription),
		dispatchQ:    newQueue[events.Event](),
		dispatchDone: make(chan struct{}),
	}
	if err := s.restore(ctx); err != nil {
		pages.Close()
		return nil, err
	}
	go s.dispatchLoop()
	return s, nil
}

// SessionID returns the id of the session this stream belongs to.
func (s *EventStream) SessionID() string { return s.sid }

func (s *EventStream) eventFile(id int) string {
	return path.Join(s.sid, "events", strconv.Itoa(id)+".json")
}

func (s *EventStream) pageFile(start int) string {
	return path.Join(s.sid, "event_cache", fmt.Sprintf("%d-%d.json", start, start+s.cacheSize))
}

func (s *EventStream) pageKey(start int) string {
	return strconv.Itoa(start)
}

// restore sets the next id from persisted events and reloads the partial
// write page.
func (s *EventStream) restore(ctx context.Context) error {
	next := 0
	names, err := s.store.List(ctx, path.Join(s.sid, "events"))
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	for _, name := range names {
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if id+1 > next {
			next = id + 1
		}
	}

	pageNames, err := s.store.List(ctx, path.Join(s.sid, "event_cache"))
	if err != nil {
		return fmt.Errorf("failed to list event pages: %w", err)
	}
	lastStart := -1
	for _, name := range pageNames {
		startStr, _, ok := strings.Cut(strings.TrimSuffix(name, ".json"), "-")
		if !ok {
			continue
		}
		if start, err := strconv.Atoi(startStr); err == nil && start > lastStart {
			lastStart = start
		}
	}
	if lastStart >= 0 {
		page, err := s.readPage(ctx, lastStart)
		if err != nil {
			return err
		}
		if n := len(page); n > 0 && page[n-1].ID()+1 > next {
			next = page[n-1].ID() + 1
		}
	}

	s.curID = next
	s.pageStart = next / s.cacheSize * s.cacheSize
	if s.pageStart == next {
		return nil
	}

	// The tail page is loaded from its partial page file when Close wrote
	// one, otherwise from the per-event files.
	if page, err := s.readPage(ctx, s.pageStart); err == nil && len(page) == next-s.pageStart {
		s.writePage = page
		return nil
	}
	for id := s.pageStart; id < next; id++ {
		e, err := s.readEventFile(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// System messages have no event file; an unflushed page loses them.
			s.logger.Warn("system message lost: the stream was not closed cleanly",
				zap.Int("id", id))
		case err != nil:
			s.logger.Warn("unreadable event while restoring stream", zap.Int("id", id), zap.Error(err))
		}
		if err != nil {
			e = &events.NullAction{}
			events.Assign(e, id, s.now(), events.SourceEnvironment)
		}
		s.writePage = append(s.writePage, e)
	}
	return nil
}

// SetSecrets replaces the registered secrets.
func (s *EventStream) SetSecrets(secrets map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = make(map[string]string, len(secrets))
	for k, v := range secrets {
		s.secrets[k] = v
	}
}

// UpdateSecrets merges secrets into the registered set.
func (s *EventStream) UpdateSecrets(secrets map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range secrets {
		s.secrets[k] = v
	}
}

// AddEvent assigns the next id to e, stamps it with source and the current
// time, scrubs secrets, persists it and hands it to every subscriber.
//
// The caller's object receives the id but keeps its original content; the
// stored copy is the scrubbed one.
func (s *EventStream) AddEvent(e events.Event, source events.Source) error {
	if events.HasID(e) {
		return fmt.Errorf("%w: %d", ErrEventHasID, e.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}

	id := s.curID
	events.Assign(e, id, s.now(), source)
	stored, err := s.prepare(e)
	if err != nil {
		events.Unassign(e)
		return fmt.Errorf("failed to prepare event: %w", err)
	}
	s.curID++

	ctx := context.Background()
	if _, isSystem := stored.(*events.SystemMessageAction); !isSystem {
		s.persistEvent(ctx, stored)
	}

	s.writePage = append(s.writePage, stored)
	if len(s.writePage) == s.cacheSize {
		s.flushPage(ctx, s.pageStart, s.writePage)
		s.pageStart += s.cacheSize
		s.writePage = nil
	}

	s.dispatchQ.Push(stored)
	return nil
}

// prepare builds the stored copy of e: secrets scrubbed and system
// prompt content sealed.
func (s *EventStream) prepare(e events.Event) (events.Event, error) {
	d, err := events.ToDict(e)
	if err != nil {
		return nil, err
	}
	scrubDict(d, secretValues(s.secrets))
	stored, err := events.FromDict(d)
	if err != nil {
		return nil, err
	}
	if sys, ok := stored.(*events.SystemMessageAction); ok {
		sys.Content, err = s.sealer.Encrypt(sys.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt system message: %w", err)
		}
	}
	return stored, nil
}

func (s *EventStream) persistEvent(ctx context.Context, e events.Event) {
	data, err := events.Marshal(e)
	if err == nil {
		err = s.store.Write(ctx, s.eventFile(e.ID()), data)
	}
	if err != nil {
		s.logger.Error("failed to persist event", zap.Int("id", e.ID()), zap.Error(err))
	}
}

func (s *EventStream) flushPage(ctx context.Context, start int, page []events.Event) {
	full := append([]events.Event(nil), page...)
	data, err := events.MarshalPage(full)
	if err == nil {
		err = s.store.Write(ctx, s.pageFile(start), data)
	}
	if err != nil {
		s.logger.Error("failed to flush event page", zap.Int("start", start), zap.Error(err))
		s.unflushed[start] = full
		return
	}
	s.pages.Set(s.pageKey(start), full, 1)
}

func (s *EventStream) readEventFile(ctx context.Context, id int) (events.Event, error) {
	data, err := s.store.Read(ctx, s.eventFile(id))
	if err != nil {
		return nil, err
	}
	return events.Unmarshal(data)
}

func (s *EventStream) readPage(ctx context.Context, start int) ([]events.Event, error) {
	data, err := s.store.Read(ctx, s.pageFile(start))
	if err != nil {
		return nil, err
	}
	page, err := events.UnmarshalPage(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read event page %d: %w", start, err)
	}
	return page, nil
}

// page returns the flushed page starting at start, or nil.
func (s *EventStream) page(ctx context.Context, start int) []events.Event {
	if page, ok := s.pages.Get(s.pageKey(start)); ok {
		return page
	}
	s.mu.Lock()
	page, ok := s.unflushed[start]
	s.mu.Unlock()
	if ok {
		return page
	}
	page, err := s.readPage(ctx, start)
	if err != nil || len(page) != s.cacheSize {
		return nil
	}
	s.pages.Set(s.pageKey(start), page, 1)
	return page
}

// GetEvent returns the stored event with the given id.
func (s *EventStream) GetEvent(id int) (events.Event, error) {
	s.mu.Lock()
	if id < 0 || id >= s.curID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if id >= s.pageStart {
		e := s.writePage[id-s.pageStart]
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	ctx := context.Background()
	start := id / s.cacheSize * s.cacheSize
	if page := s.page(ctx, start); page != nil {
		return page[id-start], nil
	}
	e, err := s.readEventFile(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
		}
		return nil, err
	}
	return e, nil
}

// GetLatestEventID returns the id of the newest event, or events.InvalidID
// for an empty stream.
func (s *EventStream) GetLatestEventID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curID == 0 {
		return events.InvalidID
	}
	return s.curID - 1
}

// GetLatestEvent returns the newest event.
func (s *EventStream) GetLatestEvent() (events.Event, error) {
	id := s.GetLatestEventID()
	if id == events.InvalidID {
		return nil, ErrEventNotFound
	}
	return s.GetEvent(id)
}

// SearchOptions selects events for SearchEvents.
type SearchOptions struct {
	StartID int
	// EndID is inclusive; a negative value means the latest event.
	EndID   int
	Reverse bool
	Filter  func(events.Event) bool
	// Limit stops after this many matches when positive.
	Limit int
}

// SearchEvents yields events in [StartID, EndID] in id order, or newest
// first with Reverse. Unreadable events are skipped.
func (s *EventStream) SearchEvents(opts SearchOptions) iter.Seq[events.Event] {
	return func(yield func(events.Event) bool) {
		latest := s.GetLatestEventID()
		end := opts.EndID
		if end < 0 || end > latest {
			end = latest
		}
		start := opts.StartID
		if start < 0 {
			start = 0
		}
		if start > end {
			return
		}

		matched := 0
		emit := func(id int) bool {
			e, err := s.GetEvent(id)
			if err != nil {
				s.logger.Debug("skipping unreadable event", zap.Int("id", id), zap.Error(err))
				return true
			}
			if opts.Filter != nil && !opts.Filter(e) {
				return true
			}
			matched++
			if !yield(e) {
				return false
			}
			return opts.Limit <= 0 || matched < opts.Limit
		}

		if opts.Reverse {
			for id := end; id >= start; id-- {
				if !emit(id) {
					return
				}
			}
			return
		}
		for id := start; id <= end; id++ {
			if !emit(id) {
				return
			}
		}
	}
}

// Subscribe registers callback under (subscriberID, callbackID). Each
// registration gets its own worker, so a slow subscriber never delays the
// others.
func (s *EventStream) Subscribe(subscriberID string, callback Callback, callbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	byID := s.subs[subscriberID]
	if byID == nil {
		byID = make(map[string]*subscription)
		s.subs[subscriberID] = byID
	}
	if _, exists := byID[callbackID]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateSubscriber, subscriberID, callbackID)
	}
	name := subscriberID + "/" + callbackID
	byID[callbackID] = &subscription{
		subscriberID: subscriberID,
		callbackID:   callbackID,
		callback:     callback,
		worker:       newWorker(name, s.logger),
	}
	return nil
}

// Unsubscribe removes a registration after its queued callbacks ran.
// Unknown pairs only log a warning.
func (s *EventStream) Unsubscribe(subscriberID, callbackID string) {
	s.mu.Lock()
	sub, ok := s.subs[subscriberID][callbackID]
	if ok {
		delete(s.subs[subscriberID], callbackID)
		if len(s.subs[subscriberID]) == 0 {
			delete(s.subs, subscriberID)
		}
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("unsubscribe of unknown callback",
			zap.String("subscriber", subscriberID), zap.String("callback", callbackID))
		return
	}
	sub.worker.stop()
}

// subscriptions returns the current registrations sorted by subscriber id
// then callback id.
func (s *EventStream) subscriptions() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*subscription
	for _, byID := range s.subs {
		for _, sub := range byID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].subscriberID != out[j].subscriberID {
			return out[i].subscriberID < out[j].subscriberID
		}
		return out[i].callbackID < out[j].callbackID
	})
	return out
}

func (s *EventStream) dispatchLoop() {
	defer close(s.dispatchDone)
	for {
		e, ok := s.dispatchQ.Pop()
		if !ok {
			return
		}
		for _, sub := range s.subscriptions() {
			cb := sub.callback
			name := sub.subscriberID + "/" + sub.callbackID
			if !sub.worker.submit(func() { cb(e) }) {
				// Worker is shutting down; deliver inline.
				safeCall(s.logger, name, func() { cb(e) })
			}
		}
	}
}

// Close drains pending dispatches, stops every subscriber worker and
// writes the partial write page so a later New can resume it.
func (s *EventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.dispatchQ.Close()
	<-s.dispatchDone

	var wg sync.WaitGroup
	for _, sub := range s.subscriptions() {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			sub.worker.stop()
		}(sub)
	}
	wg.Wait()

	s.mu.Lock()
	s.subs = make(map[string]map[string]*subscription)
	var err error
	if len(s.writePage) > 0 {
		data, mErr := events.MarshalPage(s.writePage)
		if mErr == nil {
			mErr = s.store.Write(context.Background(), s.pageFile(s.pageStart), data)
		}
		if mErr != nil {
			err = fmt.Errorf("failed to flush write page: %w", mErr)
		}
	}
	s.mu.Unlock()

	s.pages.Close()
	return err
}
