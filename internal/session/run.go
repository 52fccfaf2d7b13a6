package session

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/agenterr"
	"github.com/yamatovision/bluelamp/internal/controller"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/memory"
	"github.com/yamatovision/bluelamp/internal/runtime"
	"github.com/yamatovision/bluelamp/internal/stream"
)

// DefaultPollInterval is how often the run loop checks the state.
const DefaultPollInterval = time.Second

// stopWait bounds how long a cancelled run waits for STOPPED to land.
const stopWait = 2 * time.Second

type runOptions struct {
	poll    time.Duration
	logger  *zap.Logger
	onFatal func(msg string)
}

// RunOption configures RunAgentUntilDone.
type RunOption func(*runOptions)

// WithPollInterval sets the state polling interval.
func WithPollInterval(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithLogger sets the run loop's logger.
func WithLogger(l *zap.Logger) RunOption {
	return func(o *runOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// OnFatal is called with the message of every error that moves the
// controller to ERROR through the status callback.
func OnFatal(fn func(msg string)) RunOption {
	return func(o *runOptions) { o.onFatal = fn }
}

// RunAgentUntilDone installs one status callback on ctrl, rt and mem and
// waits until the effective state is one of endStates. Recoverable errors
// are logged and cleared; anything else is recorded as last_error and moves
// the controller to ERROR. Cancelling ctx requests STOPPED and returns
// ctx.Err() once it landed or after two seconds.
func RunAgentUntilDone(ctx context.Context, ctrl *controller.Controller, rt *runtime.Runtime, mem *memory.Memory, endStates []events.AgentState, opts ...RunOption) (events.AgentState, error) {
	o := runOptions{poll: DefaultPollInterval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("run")

	onStatus := func(kind, msg string) {
		if agenterr.IsRecoverableMessage(msg) {
			logger.Info("recoverable error", zap.String("kind", kind), zap.String("msg", msg))
			ctrl.ClearLastError()
			return
		}
		logger.Error("fatal error", zap.String("kind", kind), zap.String("msg", msg))
		ctrl.SetLastError(msg)
		if o.onFatal != nil {
			o.onFatal(msg)
		}
		if err := ctrl.Request(events.StateError, msg); err != nil {
			logger.Warn("failed to request error state", zap.Error(err))
		}
	}
	ctrl.SetStatusCallback(onStatus)
	if rt != nil {
		rt.SetStatusCallback(onStatus)
	}
	if mem != nil {
		mem.SetStatusCallback(onStatus)
	}

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		if s := ctrl.EffectiveState(); slices.Contains(endStates, s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return stop(ctrl, logger), ctx.Err()
		case <-ticker.C:
		}
	}
}

func stop(ctrl *controller.Controller, logger *zap.Logger) events.AgentState {
	if ctrl.AgentState().IsTerminal() {
		return ctrl.AgentState()
	}
	if err := ctrl.Request(events.StateStopped, "interrupted"); err != nil {
		logger.Warn("failed to request stop", zap.Error(err))
		return ctrl.AgentState()
	}
	deadline := time.After(stopWait)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if s := ctrl.AgentState(); s == events.StateStopped {
			return s
		}
		select {
		case <-deadline:
			logger.Warn("stop request did not land", zap.String("state", string(ctrl.AgentState())))
			return ctrl.AgentState()
		case <-tick.C:
		}
	}
}

// InteractiveEndStates are the states where the REPL takes over. A fresh
// session sits in LOADING until the first message.
var InteractiveEndStates = []events.AgentState{
	events.StateLoading,
	events.StateAwaitingUserInput,
	events.StateAwaitingUserConfirmation,
	events.StatePaused,
	events.StateFinished,
	events.StateRejected,
	events.StateError,
	events.StateStopped,
}

// HeadlessEndStates end a --task run.
var HeadlessEndStates = []events.AgentState{
	events.StateAwaitingUserInput,
	events.StateFinished,
	events.StateRejected,
	events.StateError,
	events.StateStopped,
}

// AutoContinue is sent when a headless agent waits for the user.
const AutoContinue = "Please continue working on the task on whatever approach you think is suitable. " +
	"If you think you have solved the task, please finish the interaction."

// maxAutoContinues bounds the auto replies of one headless run.
const maxAutoContinues = 20

// RunHeadless sends task and runs until the root agent finishes, fails or
// stops. Questions to the user are answered with AutoContinue.
func (s *Session) RunHeadless(ctx context.Context, task string, opts ...RunOption) (events.AgentState, error) {
	if err := s.Submit(ctx, task); err != nil {
		return s.Controller.AgentState(), err
	}
	opts = append([]RunOption{WithLogger(s.cfg.Logger), WithPollInterval(s.PollInterval())}, opts...)
	for replies := 0; ; replies++ {
		state, err := RunAgentUntilDone(ctx, s.Controller, s.Runtime, s.Memory, HeadlessEndStates, opts...)
		if err != nil || state != events.StateAwaitingUserInput {
			return state, err
		}
		if replies >= maxAutoContinues {
			s.logger.Warn("headless run kept asking for input", zap.Int("replies", replies))
			return state, nil
		}
		if err := s.Submit(ctx, AutoContinue); err != nil {
			return state, err
		}
	}
}

// WaitTransition blocks until an AgentStateChangedObservation newer than
// event id after is in the stream, ctx is done or two seconds have passed.
func (s *Session) WaitTransition(ctx context.Context, after int) {
	changed := func() bool {
		for range s.Stream.SearchEvents(stream.SearchOptions{
			StartID: after + 1,
			EndID:   -1,
			Filter: func(e events.Event) bool {
				_, ok := e.(*events.AgentStateChangedObservation)
				return ok
			},
			Limit: 1,
		}) {
			return true
		}
		return false
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	timeout := time.After(stopWait)
	for !changed() {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			return
		case <-tick.C:
		}
	}
}

// Submit sends a user message and waits for the controller to react to it.
func (s *Session) Submit(ctx context.Context, text string) error {
	after := s.Stream.GetLatestEventID()
	if err := s.Send(text); err != nil {
		return err
	}
	s.WaitTransition(ctx, after)
	return nil
}
