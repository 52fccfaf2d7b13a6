// Package controller drives one agent through its state machine: stepping,
// user confirmation, delegation to child agents, error routing, the
// iteration budget and stuck detection.
package controller

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/agent"
	"github.com/yamatovision/bluelamp/internal/agenterr"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/storage"
	"github.com/yamatovision/bluelamp/internal/stream"
	"github.com/yamatovision/bluelamp/internal/stuck"
)

const (
	notExecuted     = "The action has not been executed."
	userRejected    = "The user rejected this action."
	trimmingContext = "Trimming prompt to meet context window limitations"
)

// EventStream is the part of the stream a controller needs.
type EventStream interface {
	AddEvent(e events.Event, source events.Source) error
	Subscribe(subscriberID string, callback stream.Callback, callbackID string) error
	Unsubscribe(subscriberID, callbackID string)
	SearchEvents(opts stream.SearchOptions) iter.Seq[events.Event]
	GetLatestEventID() int
}

// StatusCallback receives errors the controller cannot classify itself.
type StatusCallback func(kind, msg string)

// AgentFactory builds the agent for a delegate action's agent name.
type AgentFactory func(name string) (agent.Agent, error)

// Config configures a Controller.
type Config struct {
	SessionID        string
	Agent            agent.Agent
	Stream           EventStream
	MaxIterations    int
	ConfirmationMode bool
	// Headless widens stuck detection to the whole history.
	Headless bool
	// Store receives agent_state.json on every transition when set.
	Store storage.FileStore
	// State resumes a saved controller.
	State *State
	// NewAgent builds delegates; nil disables delegation.
	NewAgent AgentFactory
	Detector *stuck.Detector
	Logger   *zap.Logger
}

// Controller advances one agent. The root controller subscribes to the
// stream; a delegate receives its events from its parent.
type Controller struct {
	cfg        Config
	agent      agent.Agent
	stream     EventStream
	detector   *stuck.Detector
	logger     *zap.Logger
	isDelegate bool

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          *State
	pending        events.Action
	initialUser    *events.MessageAction
	delegate       *Controller
	delegateAction *events.AgentDelegateAction
	childUsage     llm.Usage
	status         StatusCallback
	started        bool
	closed         bool
}

// New creates a root controller. Start subscribes it to the stream.
func New(cfg Config) (*Controller, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Stream == nil {
		return nil, fmt.Errorf("event stream is required")
	}
	return newController(cfg, false), nil
}

func newController(cfg Config, isDelegate bool) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Detector == nil {
		cfg.Detector = stuck.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	state := cfg.State
	if state == nil {
		state = NewState(cfg.SessionID, cfg.MaxIterations, cfg.ConfirmationMode)
	} else {
		state = state.clone()
		state.SessionID = cfg.SessionID
		switch state.AgentState {
		case events.StateLoading:
		default:
			// Whatever was in flight is gone; wait for the user.
			state.AgentState = events.StateAwaitingUserInput
		}
	}
	state.Agent = cfg.Agent.Name()

	return &Controller{
		cfg:        cfg,
		agent:      cfg.Agent,
		stream:     cfg.Stream,
		detector:   cfg.Detector,
		isDelegate: isDelegate,
		logger: cfg.Logger.Named("controller").With(
			zap.String("agent", cfg.Agent.Name()),
			zap.Int("level", state.DelegateLevel)),
		state: state,
	}
}

// Start subscribes the controller and appends the agent's system message
// when the view has none. A restored root first closes any delegation the
// previous process left running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	hasSystem := false
	for e := range c.viewEvents() {
		switch v := e.(type) {
		case *events.SystemMessageAction:
			hasSystem = true
		case *events.MessageAction:
			if c.initialUser == nil && v.Source() == events.SourceUser {
				c.initialUser = v
			}
		}
	}
	if !hasSystem {
		if err := c.addSystemMessage(); err != nil {
			return err
		}
	}

	if !c.isDelegate && c.cfg.State != nil {
		c.closeInterrupted()
	}

	if !c.isDelegate {
		if err := c.stream.Subscribe(stream.SubscriberAgentController, c.OnEvent, c.cfg.SessionID); err != nil {
			return fmt.Errorf("failed to subscribe controller: %w", err)
		}
	}
	c.logger.Info("controller started", zap.String("state", string(c.AgentState())))
	return nil
}

func (c *Controller) addSystemMessage() error {
	prompt, err := c.agent.SystemPrompt()
	if err != nil {
		return fmt.Errorf("failed to load system prompt: %w", err)
	}
	var tools []string
	for _, t := range c.agent.Tools() {
		tools = append(tools, t.Name)
	}
	sys := &events.SystemMessageAction{Content: prompt, Tools: tools, AgentClass: c.agent.Name()}
	if err := c.stream.AddEvent(sys, events.SourceAgent); err != nil {
		return fmt.Errorf("failed to add system message: %w", err)
	}
	if c.isDelegate {
		c.mu.Lock()
		c.state.StartID = sys.ID()
		c.mu.Unlock()
	}
	return nil
}

// Close cancels any running step, detaches from the stream and saves the
// state. It must not be called from a stream callback.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	child := c.delegate
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if child != nil {
		child.Close()
	}
	if started && !c.isDelegate {
		c.stream.Unsubscribe(stream.SubscriberAgentController, c.cfg.SessionID)
	}
	return c.save()
}

// Agent returns the controller's own agent.
func (c *Controller) Agent() agent.Agent { return c.agent }

// State returns a copy of the controller's state.
func (c *Controller) State() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state.clone()
	s.Metrics = c.usageLocked()
	return s
}

// AgentState returns the controller's own state.
func (c *Controller) AgentState() events.AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AgentState
}

// Active returns the innermost controller that is currently stepping.
func (c *Controller) Active() *Controller {
	cur := c
	for {
		cur.mu.Lock()
		next := cur.delegate
		cur.mu.Unlock()
		if next == nil {
			return cur
		}
		cur = next
	}
}

// EffectiveState is the state of the active controller, which is what the
// user interacts with while a delegate runs.
func (c *Controller) EffectiveState() events.AgentState {
	active := c.Active()
	if active == c {
		return c.AgentState()
	}
	s := active.AgentState()
	if s.IsTerminal() {
		// About to hand control back to the parent.
		return events.StateRunning
	}
	return s
}

// PendingConfirmation returns the action awaiting user consent, if any.
func (c *Controller) PendingConfirmation() events.Action {
	active := c.Active()
	active.mu.Lock()
	defer active.mu.Unlock()
	if active.state.AgentState != events.StateAwaitingUserConfirmation {
		return nil
	}
	return active.pending
}

// Usage returns the tokens spent by this controller's agent and every
// finished delegate below it.
func (c *Controller) Usage() llm.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageLocked()
}

func (c *Controller) usageLocked() llm.Usage {
	u := c.agent.Usage()
	u.Add(c.childUsage)
	if c.delegate != nil {
		u.Add(c.delegate.Usage())
	}
	return u
}

// SetStatusCallback installs the error hook on this controller and its
// delegates.
func (c *Controller) SetStatusCallback(cb StatusCallback) {
	c.mu.Lock()
	c.status = cb
	child := c.delegate
	c.mu.Unlock()
	if child != nil {
		child.SetStatusCallback(cb)
	}
}

// SetConfirmationMode turns confirmation prompts on or off for this
// controller and its delegates.
func (c *Controller) SetConfirmationMode(on bool) {
	c.mu.Lock()
	c.state.ConfirmationMode = on
	c.cfg.ConfirmationMode = on
	child := c.delegate
	c.mu.Unlock()
	if child != nil {
		child.SetConfirmationMode(on)
	}
}

// SetLastError records msg on the active controller.
func (c *Controller) SetLastError(msg string) {
	active := c.Active()
	active.mu.Lock()
	active.state.LastError = msg
	active.mu.Unlock()
}

// ClearLastError clears last_error on the active controller.
func (c *Controller) ClearLastError() { c.SetLastError("") }

// Request appends a ChangeAgentStateAction from the environment. The
// transition happens when the controller receives it.
func (c *Controller) Request(s events.AgentState, thought string) error {
	return c.stream.AddEvent(&events.ChangeAgentStateAction{AgentState: s, Thought: thought}, events.SourceEnvironment)
}

// OnEvent is the controller's stream callback. Events go to the active
// delegate if there is one; otherwise they may advance the state machine
// and trigger a step.
func (c *Controller) OnEvent(e events.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	child := c.delegate
	c.mu.Unlock()

	if child != nil {
		child.OnEvent(e)
		c.afterDelegateEvent(child, e)
		return
	}

	stepAnyway := c.handleEvent(e)
	if stepAnyway || shouldStep(e) {
		c.step()
	}
}

// shouldStep reports whether e gives the agent something new to react to.
func shouldStep(e events.Event) bool {
	switch v := e.(type) {
	case *events.MessageAction:
		if v.Source() == events.SourceUser {
			return true
		}
		return !v.WaitForResponse
	case *events.CondensationAction:
		return true
	case *events.AgentStateChangedObservation:
		return false
	case *events.NullObservation:
		return v.Cause() != events.InvalidID
	case events.Observation:
		return true
	}
	return false
}

// handleEvent applies the state effects of e. It reports whether the
// controller should step even if shouldStep says no.
func (c *Controller) handleEvent(e events.Event) bool {
	switch v := e.(type) {
	case *events.ChangeAgentStateAction:
		return c.handleStateChange(v)
	case *events.MessageAction:
		if v.Source() == events.SourceUser {
			c.handleUserMessage(v)
		} else if v.WaitForResponse {
			c.setState(events.StateAwaitingUserInput, "")
		}
	case *events.AgentFinishAction:
		if v.Source() == events.SourceAgent {
			c.mu.Lock()
			c.state.Outputs = v.Outputs
			c.mu.Unlock()
			c.setState(events.StateFinished, "")
		}
	case *events.AgentRejectAction:
		if v.Source() == events.SourceAgent {
			c.mu.Lock()
			c.state.Outputs = v.Outputs
			c.mu.Unlock()
			c.setState(events.StateRejected, "")
		}
	case *events.AgentDelegateAction:
		if v.Source() == events.SourceAgent {
			c.startDelegate(v)
		}
	case events.Observation:
		c.mu.Lock()
		if c.pending != nil && v.Cause() == c.pending.ID() {
			c.pending = nil
		}
		c.mu.Unlock()
	case events.Action:
		if v.Source() != events.SourceAgent || !v.Runnable() {
			return false
		}
		c.mu.Lock()
		c.pending = v
		c.mu.Unlock()
		if conf, ok := v.(events.Confirmable); ok && conf.ConfirmationStatus() == events.ConfirmationAwaiting {
			c.setState(events.StateAwaitingUserConfirmation, "")
		}
	}
	return false
}

func (c *Controller) handleUserMessage(m *events.MessageAction) {
	c.mu.Lock()
	if c.initialUser == nil {
		c.initialUser = m
	}
	current := c.state.AgentState
	if current == events.StateError && c.state.Iteration >= c.state.MaxIterations {
		c.state.MaxIterations += c.cfg.MaxIterations
	}
	c.mu.Unlock()

	switch current {
	case events.StateLoading, events.StateAwaitingUserInput, events.StatePaused,
		events.StateFinished, events.StateRejected, events.StateError:
		if current == events.StateError {
			c.ClearLastError()
		}
		c.setState(events.StateRunning, "")
	}
}

// handleStateChange applies a requested transition. It reports whether the
// controller should step afterwards.
func (c *Controller) handleStateChange(a *events.ChangeAgentStateAction) bool {
	c.mu.Lock()
	current := c.state.AgentState
	pending := c.pending
	c.mu.Unlock()

	switch a.AgentState {
	case events.StateUserConfirmed:
		if current != events.StateAwaitingUserConfirmation || pending == nil {
			c.logger.Warn("confirmation without a pending action", zap.String("state", string(current)))
			return false
		}
		c.setState(events.StateUserConfirmed, "")
		c.releasePending(pending)
		c.setState(events.StateRunning, "")
		return false

	case events.StateUserRejected:
		if current != events.StateAwaitingUserConfirmation || pending == nil {
			c.logger.Warn("rejection without a pending action", zap.String("state", string(current)))
			return false
		}
		c.setState(events.StateUserRejected, "")
		obs := &events.UserRejectObservation{Content: userRejected}
		obs.SetCause(pending.ID())
		obs.SetToolCallMetadata(pending.ToolCallMetadata())
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.addEvent(obs, events.SourceUser)
		c.setState(events.StateRunning, "")
		return false

	case events.StateRunning:
		c.setState(events.StateRunning, a.Thought)
		return current == events.StatePaused

	case events.StateError:
		c.mu.Lock()
		if c.state.LastError == "" {
			c.state.LastError = a.Thought
		}
		c.mu.Unlock()
		c.setState(events.StateError, a.Thought)
		return false
	}

	c.setState(a.AgentState, a.Thought)
	return false
}

// releasePending appends a confirmed copy of the action awaiting consent.
func (c *Controller) releasePending(pending events.Action) {
	copied, err := events.CloneAsNew(pending)
	if err != nil {
		c.logger.Error("failed to copy confirmed action", zap.Error(err))
		return
	}
	if conf, ok := copied.(events.Confirmable); ok {
		conf.SetConfirmationStatus(events.ConfirmationConfirmed)
	}
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	c.addEvent(copied, events.SourceAgent)
}

// setState moves to s, appends an AgentStateChangedObservation and saves
// the state. Nothing leaves STOPPED. Stopping or failing with a tool
// action in flight closes its tool call with an ErrorObservation.
func (c *Controller) setState(s events.AgentState, reason string) {
	c.mu.Lock()
	old := c.state.AgentState
	// STOPPED is final for this controller.
	if old == s || old == events.StateStopped {
		c.mu.Unlock()
		return
	}
	var orphan events.Action
	if (s == events.StateStopped || s == events.StateError) && c.pending != nil {
		orphan = c.pending
		c.pending = nil
	}
	c.state.AgentState = s
	lastErr := c.state.LastError
	c.mu.Unlock()

	if orphan != nil {
		obs := &events.ErrorObservation{Content: notExecuted}
		obs.SetCause(orphan.ID())
		obs.SetToolCallMetadata(orphan.ToolCallMetadata())
		c.addEvent(obs, events.SourceEnvironment)
	}

	fields := []zap.Field{zap.String("from", string(old)), zap.String("to", string(s))}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if s == events.StateError {
		fields = append(fields, zap.String("last_error", lastErr))
		c.logger.Warn("agent state changed", fields...)
	} else {
		c.logger.Info("agent state changed", fields...)
	}

	if reason == "" && s == events.StateError {
		reason = lastErr
	}
	c.addEvent(&events.AgentStateChangedObservation{AgentState: s, Reason: reason}, events.SourceEnvironment)
	if err := c.save(); err != nil {
		c.logger.Warn("failed to save state", zap.Error(err))
	}
}

func (c *Controller) save() error {
	if c.cfg.Store == nil || c.isDelegate {
		return nil
	}
	return SaveState(context.Background(), c.cfg.Store, c.State())
}

func (c *Controller) addEvent(e events.Event, source events.Source) {
	if err := c.stream.AddEvent(e, source); err != nil && !errors.Is(err, stream.ErrStreamClosed) {
		c.logger.Error("failed to add event", zap.Error(err))
	}
}

// step asks the agent for one action after the budget and stuck checks.
func (c *Controller) step() {
	c.mu.Lock()
	if c.closed || c.state.AgentState != events.StateRunning || c.delegate != nil || c.pending != nil {
		c.mu.Unlock()
		return
	}
	if c.state.Iteration >= c.state.MaxIterations {
		c.state.LastError = fmt.Sprintf("%v: reached the maximum of %d iterations",
			agenterr.ErrBudgetExhausted, c.state.MaxIterations)
		c.mu.Unlock()
		c.setState(events.StateError, "")
		return
	}
	c.mu.Unlock()

	history := c.History()
	if c.detector.IsStuck(history, c.cfg.Headless) {
		c.SetLastError(agenterr.ErrAgentStuckInLoop.Error())
		c.setState(events.StateError, "")
		return
	}

	c.mu.Lock()
	c.state.Iteration++
	view := &agent.View{
		History:           history,
		InitialUserAction: c.initialUser,
		Interactive:       !c.cfg.Headless,
		Iteration:         c.state.Iteration,
		MaxIterations:     c.state.MaxIterations,
	}
	confirm := c.state.ConfirmationMode
	ctx := c.ctx
	c.mu.Unlock()

	action, err := c.agent.Step(ctx, view)
	if err != nil {
		c.handleStepError(ctx, err, history)
		return
	}
	if action == nil {
		return
	}
	if confirm && needsConfirmation(action) {
		action.(events.Confirmable).SetConfirmationStatus(events.ConfirmationAwaiting)
	}
	c.addEvent(action, events.SourceAgent)
}

func needsConfirmation(a events.Action) bool {
	switch a.(type) {
	case *events.CmdRunAction, *events.FileEditAction:
		return true
	}
	return false
}

// handleStepError routes a failed step: malformed tool calls and path
// errors go back to the agent, context overflow trims the view, anything
// else is reported or ends in ERROR.
func (c *Controller) handleStepError(ctx context.Context, err error, history []events.Event) {
	if ctx.Err() != nil {
		return
	}
	msg := err.Error()

	if agenterr.IsMalformedAction(err) {
		c.ClearLastError()
		c.addEvent(&events.ErrorObservation{Content: msg, ErrorID: "AGENT_ERROR$BAD_ACTION"}, events.SourceAgent)
		return
	}

	if agenterr.IsContextWindow(err) || agenterr.LooksLikeContextWindow(msg) {
		c.trimView(history)
		c.addEvent(&events.AgentCondensationObservation{Content: trimmingContext}, events.SourceEnvironment)
		return
	}

	c.mu.Lock()
	cb := c.status
	c.state.LastError = msg
	c.mu.Unlock()

	if agenterr.IsRecoverableMessage(msg) {
		c.addEvent(&events.ErrorObservation{Content: msg}, events.SourceAgent)
	}
	if cb != nil {
		cb("error", msg)
		return
	}
	c.setState(events.StateError, "")
}

// trimView moves start_id to the middle of the current view.
func (c *Controller) trimView(history []events.Event) {
	if len(history) < 3 {
		return
	}
	mid := history[len(history)/2].ID()
	c.mu.Lock()
	if mid > c.state.StartID {
		c.state.StartID = mid
	}
	c.mu.Unlock()
	c.logger.Info("trimmed view for context window", zap.Int("start_id", mid))
}

// viewEvents yields the events in [start_id, end_id].
func (c *Controller) viewEvents() iter.Seq[events.Event] {
	c.mu.Lock()
	opts := stream.SearchOptions{StartID: c.state.StartID, EndID: c.state.EndID}
	c.mu.Unlock()
	return c.stream.SearchEvents(opts)
}

// History returns the agent's view: events from start_id on, without the
// ranges owned by delegates and without state change bookkeeping.
func (c *Controller) History() []events.Event {
	c.mu.Lock()
	ranges := make([][2]int, 0, len(c.state.Delegates)+1)
	for from, to := range c.state.Delegates {
		ranges = append(ranges, [2]int{from, to})
	}
	if c.delegateAction != nil {
		ranges = append(ranges, [2]int{c.delegateAction.ID(), int(^uint(0) >> 1)})
	}
	c.mu.Unlock()

	var out []events.Event
	for e := range c.viewEvents() {
		switch e.(type) {
		case *events.ChangeAgentStateAction, *events.AgentStateChangedObservation:
			continue
		}
		if hidden(e.ID(), ranges) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hidden(id int, ranges [][2]int) bool {
	for _, r := range ranges {
		if id > r[0] && id < r[1] {
			return true
		}
	}
	return false
}
