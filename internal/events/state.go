package events

// AgentState is the controller state machine's current value.
type AgentState string

const (
	// StateLoading means initialized, not yet stepping
	StateLoading AgentState = "loading"
	// StateRunning means the agent is being stepped
	StateRunning AgentState = "running"
	// StateAwaitingUserInput means waiting for a new user message
	StateAwaitingUserInput AgentState = "awaiting_user_input"
	// StateAwaitingUserConfirmation means a pending action needs consent
	StateAwaitingUserConfirmation AgentState = "awaiting_user_confirmation"
	// StatePaused means a cooperative pause was requested
	StatePaused AgentState = "paused"
	// StateUserConfirmed is transient: the pending action is released
	StateUserConfirmed AgentState = "user_confirmed"
	// StateUserRejected is transient: the pending action is rejected
	StateUserRejected AgentState = "user_rejected"
	// StateFinished means the agent emitted AgentFinishAction
	StateFinished AgentState = "finished"
	// StateRejected means the agent refused the task (AgentRejectAction)
	StateRejected AgentState = "rejected"
	// StateStopped means the user ended the session
	StateStopped AgentState = "stopped"
	// StateError means an unrecoverable failure; last_error is populated
	StateError AgentState = "error"
)

// IsTerminal reports whether a controller in this state will never step
// again without outside intervention.
func (s AgentState) IsTerminal() bool {
	switch s {
	case StateFinished, StateRejected, StateStopped, StateError:
		return true
	}
	return false
}

// ConfirmationState tracks user consent for sensitive actions.
type ConfirmationState string

const (
	ConfirmationConfirmed ConfirmationState = "confirmed"
	ConfirmationRejected  ConfirmationState = "rejected"
	ConfirmationAwaiting  ConfirmationState = "awaiting_confirmation"
)
