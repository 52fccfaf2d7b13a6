package events

import "fmt"

// ObservationType is the wire name of an observation variant.
type ObservationType string

const (
	ObservationRun               ObservationType = "run"
	ObservationRead              ObservationType = "read"
	ObservationEdit              ObservationType = "edit"
	ObservationWrite             ObservationType = "write"
	ObservationDelegate          ObservationType = "delegate"
	ObservationError             ObservationType = "error"
	ObservationUserRejected      ObservationType = "user_rejected"
	ObservationNull              ObservationType = "null"
	ObservationCondensation      ObservationType = "agent_condensation"
	ObservationAgentStateChanged ObservationType = "agent_state_changed"
	ObservationThink             ObservationType = "think"
	ObservationMCP               ObservationType = "mcp"
)

// Observation is an event that represents a result or a world change.
type Observation interface {
	Event
	ObservationType() ObservationType
}

// CmdOutputObservation is the result of a shell command.
type CmdOutputObservation struct {
	Base
	Content  string `json:"content"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	PID      int    `json:"pid,omitempty"`
}

func (o *CmdOutputObservation) ObservationType() ObservationType { return ObservationRun }
func (o *CmdOutputObservation) Message() string {
	return fmt.Sprintf("Command `%s` executed with exit code %d.", o.Command, o.ExitCode)
}

// FileReadObservation carries file content.
type FileReadObservation struct {
	Base
	Content string `json:"content"`
	Path    string `json:"path"`
}

func (o *FileReadObservation) ObservationType() ObservationType { return ObservationRead }
func (o *FileReadObservation) Message() string                  { return "I read the file " + o.Path + "." }

// FileEditObservation is the result of a str_replace_editor command.
type FileEditObservation struct {
	Base
	Content    string `json:"content"`
	Path       string `json:"path"`
	Diff       string `json:"diff,omitempty"`
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content,omitempty"`
}

func (o *FileEditObservation) ObservationType() ObservationType { return ObservationEdit }
func (o *FileEditObservation) Message() string                  { return "I edited the file " + o.Path + "." }

// FileWriteObservation confirms a file write.
type FileWriteObservation struct {
	Base
	Content string `json:"content"`
	Path    string `json:"path"`
}

func (o *FileWriteObservation) ObservationType() ObservationType { return ObservationWrite }
func (o *FileWriteObservation) Message() string                  { return "I wrote to the file " + o.Path + "." }

// AgentDelegateObservation carries a finished child's outputs back to the parent.
type AgentDelegateObservation struct {
	Base
	Content string         `json:"content"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

func (o *AgentDelegateObservation) ObservationType() ObservationType { return ObservationDelegate }
func (o *AgentDelegateObservation) Message() string                  { return o.Content }

// ErrorObservation reports an error the agent should see.
type ErrorObservation struct {
	Base
	Content string `json:"content"`
	ErrorID string `json:"error_id,omitempty"`
}

func (o *ErrorObservation) ObservationType() ObservationType { return ObservationError }
func (o *ErrorObservation) Message() string                  { return o.Content }

// UserRejectObservation means the user declined a pending action.
type UserRejectObservation struct {
	Base
	Content string `json:"content"`
}

func (o *UserRejectObservation) ObservationType() ObservationType { return ObservationUserRejected }
func (o *UserRejectObservation) Message() string                  { return o.Content }

// NullObservation carries nothing for the agent.
type NullObservation struct {
	Base
	Content string `json:"content"`
}

func (o *NullObservation) ObservationType() ObservationType { return ObservationNull }
func (o *NullObservation) Message() string                  { return "No observation" }

// AgentCondensationObservation records that history was trimmed to fit the
// context window.
type AgentCondensationObservation struct {
	Base
	Content string `json:"content"`
}

func (o *AgentCondensationObservation) ObservationType() ObservationType {
	return ObservationCondensation
}
func (o *AgentCondensationObservation) Message() string { return o.Content }

// AgentStateChangedObservation is emitted on every controller transition.
type AgentStateChangedObservation struct {
	Base
	Content    string     `json:"content"`
	AgentState AgentState `json:"agent_state"`
	Reason     string     `json:"reason,omitempty"`
}

func (o *AgentStateChangedObservation) ObservationType() ObservationType {
	return ObservationAgentStateChanged
}
func (o *AgentStateChangedObservation) Message() string { return "" }

// AgentThinkObservation acknowledges a logged thought.
type AgentThinkObservation struct {
	Base
	Content string `json:"content"`
}

func (o *AgentThinkObservation) ObservationType() ObservationType { return ObservationThink }
func (o *AgentThinkObservation) Message() string                  { return o.Content }

// MCPObservation is the result of an MCP tool call.
type MCPObservation struct {
	Base
	Content   string         `json:"content"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (o *MCPObservation) ObservationType() ObservationType { return ObservationMCP }
func (o *MCPObservation) Message() string                  { return o.Content }
