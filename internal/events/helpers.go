package events

// Content returns the content field of an observation.
func Content(o Observation) string {
	switch v := o.(type) {
	case *CmdOutputObservation:
		return v.Content
	case *FileReadObservation:
		return v.Content
	case *FileEditObservation:
		return v.Content
	case *FileWriteObservation:
		return v.Content
	case *AgentDelegateObservation:
		return v.Content
	case *ErrorObservation:
		return v.Content
	case *UserRejectObservation:
		return v.Content
	case *NullObservation:
		return v.Content
	case *AgentCondensationObservation:
		return v.Content
	case *AgentStateChangedObservation:
		return v.Content
	case *AgentThinkObservation:
		return v.Content
	case *MCPObservation:
		return v.Content
	}
	return ""
}

// IsNull reports whether e is a NullAction or NullObservation.
func IsNull(e Event) bool {
	switch e.(type) {
	case *NullAction, *NullObservation:
		return true
	}
	return false
}

// IsUserMessage reports whether e is a MessageAction typed by the user.
func IsUserMessage(e Event) bool {
	m, ok := e.(*MessageAction)
	return ok && m.Source() == SourceUser
}

// IsAgentMessage reports whether e is a MessageAction from the agent.
func IsAgentMessage(e Event) bool {
	m, ok := e.(*MessageAction)
	return ok && m.Source() == SourceAgent
}

// Thought returns the thought carried by a tool-bearing action, if any.
func Thought(a Action) string {
	switch v := a.(type) {
	case *CmdRunAction:
		return v.Thought
	case *FileReadAction:
		return v.Thought
	case *FileEditAction:
		return v.Thought
	case *FileWriteAction:
		return v.Thought
	case *AgentDelegateAction:
		return v.Thought
	case *AgentFinishAction:
		return v.Thought
	case *AgentRejectAction:
		return v.Thought
	case *AgentThinkAction:
		return v.Thought
	case *MCPAction:
		return v.Thought
	}
	return ""
}

// SetThought sets the thought on actions that carry one. It reports whether
// the action accepted it.
func SetThought(a Action, thought string) bool {
	switch v := a.(type) {
	case *CmdRunAction:
		v.Thought = thought
	case *FileReadAction:
		v.Thought = thought
	case *FileEditAction:
		v.Thought = thought
	case *FileWriteAction:
		v.Thought = thought
	case *AgentDelegateAction:
		v.Thought = thought
	case *AgentFinishAction:
		v.Thought = thought
	case *AgentRejectAction:
		v.Thought = thought
	case *MCPAction:
		v.Thought = thought
	default:
		return false
	}
	return true
}
