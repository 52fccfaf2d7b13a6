package events

import (
	"fmt"
	"strings"
)

// ActionType is the wire name of an action variant.
type ActionType string

const (
	ActionMessage          ActionType = "message"
	ActionSystem           ActionType = "system"
	ActionRun              ActionType = "run"
	ActionRead             ActionType = "read"
	ActionEdit             ActionType = "edit"
	ActionWrite            ActionType = "write"
	ActionDelegate         ActionType = "delegate"
	ActionFinish           ActionType = "finish"
	ActionReject           ActionType = "reject"
	ActionChangeAgentState ActionType = "change_agent_state"
	ActionThink            ActionType = "think"
	ActionMCP              ActionType = "call_tool_mcp"
	ActionCondensation     ActionType = "condensation"
	ActionNull             ActionType = "null"
)

// Action is an event that represents an intent.
type Action interface {
	Event
	ActionType() ActionType
	// Runnable reports whether the runtime executes this action.
	Runnable() bool
}

// Confirmable is implemented by actions that may require user consent.
type Confirmable interface {
	Action
	ConfirmationStatus() ConfirmationState
	SetConfirmationStatus(ConfirmationState)
}

// MessageAction is a user or agent utterance.
type MessageAction struct {
	Base
	Content         string   `json:"content"`
	ImageURLs       []string `json:"image_urls,omitempty"`
	WaitForResponse bool     `json:"wait_for_response"`
}

func (a *MessageAction) ActionType() ActionType { return ActionMessage }
func (a *MessageAction) Runnable() bool         { return false }
func (a *MessageAction) Message() string        { return a.Content }

// SystemMessageAction carries the agent's system prompt. Its content is
// encrypted by the stream and never persisted to per-event files.
type SystemMessageAction struct {
	Base
	Content    string   `json:"content"`
	Tools      []string `json:"tools,omitempty"`
	AgentClass string   `json:"agent_class,omitempty"`
}

func (a *SystemMessageAction) ActionType() ActionType { return ActionSystem }
func (a *SystemMessageAction) Runnable() bool         { return false }
func (a *SystemMessageAction) Message() string {
	return fmt.Sprintf("System prompt for %s", a.AgentClass)
}

// CmdRunAction runs a shell command in the workspace.
type CmdRunAction struct {
	Base
	Command      string            `json:"command"`
	IsInput      bool              `json:"is_input,omitempty"`
	Thought      string            `json:"thought,omitempty"`
	Blocking     bool              `json:"blocking,omitempty"`
	Timeout      float64           `json:"timeout,omitempty"` // seconds, 0 = runtime default
	Confirmation ConfirmationState `json:"confirmation_state"`
}

func (a *CmdRunAction) ActionType() ActionType { return ActionRun }
func (a *CmdRunAction) Runnable() bool         { return true }
func (a *CmdRunAction) Message() string        { return "Running command: " + a.Command }

func (a *CmdRunAction) ConfirmationStatus() ConfirmationState     { return a.Confirmation }
func (a *CmdRunAction) SetConfirmationStatus(s ConfirmationState) { a.Confirmation = s }

// FileReadAction reads a file. End <= 0 reads to end of file.
type FileReadAction struct {
	Base
	Path    string `json:"path"`
	Start   int    `json:"start,omitempty"`
	End     int    `json:"end,omitempty"`
	Thought string `json:"thought,omitempty"`
}

func (a *FileReadAction) ActionType() ActionType { return ActionRead }
func (a *FileReadAction) Runnable() bool         { return true }
func (a *FileReadAction) Message() string        { return "Reading file: " + a.Path }

// Edit commands supported by FileEditAction.
const (
	EditView       = "view"
	EditCreate     = "create"
	EditStrReplace = "str_replace"
	EditInsert     = "insert"
	EditUndo       = "undo_edit"
)

// FileEditAction edits a file through one of the str_replace_editor commands.
type FileEditAction struct {
	Base
	Path         string            `json:"path"`
	Command      string            `json:"command"`
	FileText     string            `json:"file_text,omitempty"`
	OldStr       string            `json:"old_str,omitempty"`
	NewStr       string            `json:"new_str,omitempty"`
	InsertLine   int               `json:"insert_line,omitempty"`
	Thought      string            `json:"thought,omitempty"`
	Confirmation ConfirmationState `json:"confirmation_state"`
}

func (a *FileEditAction) ActionType() ActionType { return ActionEdit }
func (a *FileEditAction) Runnable() bool         { return true }
func (a *FileEditAction) Message() string {
	return fmt.Sprintf("Editing file %s (%s)", a.Path, a.Command)
}

func (a *FileEditAction) ConfirmationStatus() ConfirmationState     { return a.Confirmation }
func (a *FileEditAction) SetConfirmationStatus(s ConfirmationState) { a.Confirmation = s }

// FileWriteAction replaces a file's content.
type FileWriteAction struct {
	Base
	Path    string `json:"path"`
	Content string `json:"content"`
	Thought string `json:"thought,omitempty"`
}

func (a *FileWriteAction) ActionType() ActionType { return ActionWrite }
func (a *FileWriteAction) Runnable() bool         { return true }
func (a *FileWriteAction) Message() string        { return "Writing file: " + a.Path }

// DelegateInputs is the typed payload of a delegate_to_* tool call.
type DelegateInputs struct {
	Task               string `json:"task"`
	CompletionCriteria string `json:"completion_criteria"`
	Requirements       string `json:"requirements,omitempty"`
	Context            string `json:"context,omitempty"`
}

// TaskMessage renders the inputs as the child's initial user message.
func (in DelegateInputs) TaskMessage() string {
	var b strings.Builder
	b.WriteString(in.Task)
	if in.CompletionCriteria != "" {
		b.WriteString("\n\nCompletion criteria: ")
		b.WriteString(in.CompletionCriteria)
	}
	if in.Requirements != "" {
		b.WriteString("\n\nRequirements: ")
		b.WriteString(in.Requirements)
	}
	if in.Context != "" {
		b.WriteString("\n\nContext: ")
		b.WriteString(in.Context)
	}
	return b.String()
}

// AgentDelegateAction hands a scoped task to a child agent.
type AgentDelegateAction struct {
	Base
	Agent   string         `json:"agent"`
	Inputs  DelegateInputs `json:"inputs"`
	Thought string         `json:"thought,omitempty"`
}

func (a *AgentDelegateAction) ActionType() ActionType { return ActionDelegate }
func (a *AgentDelegateAction) Runnable() bool         { return false }
func (a *AgentDelegateAction) Message() string {
	return fmt.Sprintf("Delegating to %s: %s", a.Agent, a.Inputs.Task)
}

// AgentFinishAction ends the current agent's turn.
type AgentFinishAction struct {
	Base
	Outputs      map[string]any `json:"outputs,omitempty"`
	Thought      string         `json:"thought,omitempty"`
	FinalThought string         `json:"final_thought,omitempty"`
}

func (a *AgentFinishAction) ActionType() ActionType { return ActionFinish }
func (a *AgentFinishAction) Runnable() bool         { return false }
func (a *AgentFinishAction) Message() string {
	if a.FinalThought != "" {
		return a.FinalThought
	}
	if a.Thought != "" {
		return a.Thought
	}
	return "All done! What's next on the agenda?"
}

// AgentRejectAction means the agent refuses the task.
type AgentRejectAction struct {
	Base
	Outputs map[string]any `json:"outputs,omitempty"`
	Thought string         `json:"thought,omitempty"`
}

func (a *AgentRejectAction) ActionType() ActionType { return ActionReject }
func (a *AgentRejectAction) Runnable() bool         { return false }
func (a *AgentRejectAction) Message() string        { return "Task is rejected by the agent." }

// ChangeAgentStateAction is the side channel for user and environment
// driven state transitions.
type ChangeAgentStateAction struct {
	Base
	AgentState AgentState `json:"agent_state"`
	Thought    string     `json:"thought,omitempty"`
}

func (a *ChangeAgentStateAction) ActionType() ActionType { return ActionChangeAgentState }
func (a *ChangeAgentStateAction) Runnable() bool         { return false }
func (a *ChangeAgentStateAction) Message() string {
	return "Agent state changed to " + string(a.AgentState)
}

// AgentThinkAction logs a thought.
type AgentThinkAction struct {
	Base
	Thought string `json:"thought"`
}

func (a *AgentThinkAction) ActionType() ActionType { return ActionThink }
func (a *AgentThinkAction) Runnable() bool         { return true }
func (a *AgentThinkAction) Message() string        { return "I am thinking...: " + a.Thought }

// MCPAction calls a tool exposed by an MCP server.
type MCPAction struct {
	Base
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Thought   string         `json:"thought,omitempty"`
}

func (a *MCPAction) ActionType() ActionType { return ActionMCP }
func (a *MCPAction) Runnable() bool         { return true }
func (a *MCPAction) Message() string        { return "Calling MCP tool: " + a.Name }

// CondensationAction records that a range of history was summarized away.
type CondensationAction struct {
	Base
	ForgottenEventIDs []int  `json:"forgotten_event_ids,omitempty"`
	Summary           string `json:"summary,omitempty"`
	SummaryOffset     int    `json:"summary_offset,omitempty"`
}

func (a *CondensationAction) ActionType() ActionType { return ActionCondensation }
func (a *CondensationAction) Runnable() bool         { return false }
func (a *CondensationAction) Message() string {
	return fmt.Sprintf("Summary: %s", a.Summary)
}

// NullAction does nothing.
type NullAction struct {
	Base
}

func (a *NullAction) ActionType() ActionType { return ActionNull }
func (a *NullAction) Runnable() bool         { return false }
func (a *NullAction) Message() string        { return "No action" }
