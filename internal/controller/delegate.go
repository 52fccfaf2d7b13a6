package controller

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yamatovision/bluelamp/internal/events"
)

// startDelegate spawns a child controller for a. The child gets its own
// system message and the task as its first user message; until it ends,
// every event goes to it and the parent does not step.
func (c *Controller) startDelegate(a *events.AgentDelegateAction) {
	if c.cfg.NewAgent == nil {
		c.failDelegate(a, fmt.Errorf("delegation is not available"))
		return
	}
	child, err := c.cfg.NewAgent(a.Agent)
	if err != nil {
		c.failDelegate(a, err)
		return
	}

	c.mu.Lock()
	cfg := c.cfg
	cfg.Agent = child
	cfg.ConfirmationMode = c.state.ConfirmationMode
	cfg.MaxIterations = c.state.MaxIterations
	cfg.State = nil
	cfg.Store = nil
	status := c.status
	ctx := c.ctx
	c.mu.Unlock()

	sub := newController(cfg, true)
	sub.state.DelegateLevel = c.level() + 1
	sub.state.StartID = c.stream.GetLatestEventID() + 1
	sub.status = status
	sub.logger = cfg.Logger.Named("controller").With(
		zap.String("agent", child.Name()),
		zap.Int("level", sub.state.DelegateLevel))

	c.mu.Lock()
	c.delegate = sub
	c.delegateAction = a
	c.mu.Unlock()

	if err := sub.Start(ctx); err != nil {
		c.mu.Lock()
		c.delegate = nil
		c.delegateAction = nil
		c.mu.Unlock()
		c.failDelegate(a, err)
		return
	}
	c.logger.Info("delegating",
		zap.String("delegate", child.Name()),
		zap.Int("action_id", a.ID()),
		zap.Int("start_id", sub.state.StartID))
	c.addEvent(&events.MessageAction{Content: a.Inputs.TaskMessage()}, events.SourceUser)
}

// failDelegate closes the delegate tool call with an error.
func (c *Controller) failDelegate(a *events.AgentDelegateAction, err error) {
	c.logger.Warn("failed to start delegate", zap.String("delegate", a.Agent), zap.Error(err))
	obs := &events.ErrorObservation{Content: fmt.Sprintf("Failed to start delegate %s: %v", a.Agent, err)}
	obs.SetCause(a.ID())
	obs.SetToolCallMetadata(a.ToolCallMetadata())
	c.addEvent(obs, events.SourceAgent)
}

func (c *Controller) level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.DelegateLevel
}

// afterDelegateEvent ends the delegation once the child reached a terminal
// state. A stop request stops the parent as well.
func (c *Controller) afterDelegateEvent(child *Controller, e events.Event) {
	if !child.AgentState().IsTerminal() {
		return
	}
	c.endDelegate(child)
	if req, ok := e.(*events.ChangeAgentStateAction); ok && req.AgentState == events.StateStopped {
		c.setState(events.StateStopped, req.Thought)
	}
}

// endDelegate reports the child's result to the parent's history as an
// AgentDelegateObservation answering the delegate action.
func (c *Controller) endDelegate(child *Controller) {
	cs := child.State()
	name := child.agent.Name()

	var content string
	switch cs.AgentState {
	case events.StateFinished:
		content = fmt.Sprintf("%s completed", name)
	case events.StateRejected:
		content = fmt.Sprintf("%s rejected the task", name)
	default:
		reason := cs.LastError
		if reason == "" {
			reason = "agent " + string(cs.AgentState)
		}
		content = fmt.Sprintf("%s encountered an error: %s", name, reason)
	}

	c.mu.Lock()
	action := c.delegateAction
	c.delegate = nil
	c.delegateAction = nil
	c.state.Iteration += cs.Iteration
	c.childUsage.Add(cs.Metrics)
	c.mu.Unlock()
	child.Close()

	obs := &events.AgentDelegateObservation{Content: content, Outputs: cs.Outputs}
	obs.SetCause(action.ID())
	obs.SetToolCallMetadata(action.ToolCallMetadata())
	c.addEvent(obs, events.SourceAgent)

	c.mu.Lock()
	if events.HasID(obs) {
		c.state.Delegates[action.ID()] = obs.ID()
	}
	c.mu.Unlock()
	c.logger.Info("delegate ended",
		zap.String("delegate", name),
		zap.String("state", string(cs.AgentState)),
		zap.Int("iterations", cs.Iteration))
	if err := c.save(); err != nil {
		c.logger.Warn("failed to save state", zap.Error(err))
	}
}

// closeInterrupted answers a delegate action that a previous process left
// open. The child's events stay in the stream but drop out of the view.
func (c *Controller) closeInterrupted() {
	c.mu.Lock()
	ranges := make([][2]int, 0, len(c.state.Delegates))
	for from, to := range c.state.Delegates {
		ranges = append(ranges, [2]int{from, to})
	}
	c.mu.Unlock()

	var candidates []*events.AgentDelegateAction
	answered := make(map[int]bool)
	for e := range c.viewEvents() {
		if hidden(e.ID(), ranges) {
			continue
		}
		if cause := e.Cause(); cause != events.InvalidID {
			answered[cause] = true
		}
		if a, ok := e.(*events.AgentDelegateAction); ok && !c.isRecordedDelegate(a.ID()) {
			candidates = append(candidates, a)
		}
	}

	var open *events.AgentDelegateAction
	for _, a := range candidates {
		if !answered[a.ID()] {
			open = a
			break
		}
	}
	if open == nil {
		return
	}

	obs := &events.AgentDelegateObservation{Content: fmt.Sprintf("%s was interrupted", open.Agent)}
	obs.SetCause(open.ID())
	obs.SetToolCallMetadata(open.ToolCallMetadata())
	c.addEvent(obs, events.SourceAgent)
	if !events.HasID(obs) {
		return
	}
	c.mu.Lock()
	c.state.Delegates[open.ID()] = obs.ID()
	c.mu.Unlock()
	c.logger.Info("closed interrupted delegate",
		zap.String("delegate", open.Agent),
		zap.Int("action_id", open.ID()),
		zap.Int("observation_id", obs.ID()))
	if err := c.save(); err != nil {
		c.logger.Warn("failed to save state", zap.Error(err))
	}
}

func (c *Controller) isRecordedDelegate(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.state.Delegates[id]
	return ok
}
