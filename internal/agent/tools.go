package agent

import (
	"fmt"
	"strings"

	"github.com/yamatovision/bluelamp/internal/llm"
)

// Tool names understood by ResponseToActions.
const (
	ToolExecuteBash = "execute_bash"
	ToolEditor      = "str_replace_editor"
	ToolWriteFile   = "write_file"
	ToolThink       = "think"
	ToolFinish      = "finish"
)

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// BashTool runs shell commands in the workspace.
func BashTool() llm.Tool {
	return llm.Tool{
		Name: ToolExecuteBash,
		Description: `Execute a bash command in the workspace.
* One command at a time; chain dependent commands with && or ;.
* Long-running commands should run in the background with output redirected to a file.
* Set is_input to true to send text to a running process instead of starting a new command.`,
		Properties: map[string]any{
			"command":  stringProp("The bash command to execute."),
			"is_input": stringProp("If 'true', the command is input to the running process."),
			"timeout": map[string]any{
				"type":        "number",
				"description": "Optional timeout in seconds for this command.",
			},
		},
		Required: []string{"command"},
	}
}

// EditorTool views, creates and edits files.
func EditorTool() llm.Tool {
	return llm.Tool{
		Name: ToolEditor,
		Description: `Custom editing tool for viewing, creating and editing files.
* view shows a file with line numbers, or lists a directory.
* create fails if the file already exists.
* str_replace replaces exactly one occurrence of old_str; include enough context to make it unique.
* insert adds new_str after insert_line.
* undo_edit reverts the last edit of the file.
* All paths are relative to the workspace or absolute inside it.`,
		Properties: map[string]any{
			"command": map[string]any{
				"type":        "string",
				"enum":        []string{"view", "create", "str_replace", "insert", "undo_edit"},
				"description": "The command to run.",
			},
			"path":      stringProp("Path to the file or directory."),
			"file_text": stringProp("Content of the file for create."),
			"old_str":   stringProp("Text to replace for str_replace."),
			"new_str":   stringProp("Replacement text for str_replace, or text to insert."),
			"insert_line": map[string]any{
				"type":        "integer",
				"description": "Line after which new_str is inserted.",
			},
			"view_range": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "integer"},
				"description": "Optional [start, end] line range for view; end -1 means the end of the file.",
			},
		},
		Required: []string{"command", "path"},
	}
}

// WriteFileTool overwrites a file in one call.
func WriteFileTool() llm.Tool {
	return llm.Tool{
		Name:        ToolWriteFile,
		Description: "Write content to a file, creating parent directories and replacing any existing content.",
		Properties: map[string]any{
			"path":    stringProp("Path to the file."),
			"content": stringProp("Full content of the file."),
		},
		Required: []string{"path", "content"},
	}
}

// ThinkTool logs a thought without side effects.
func ThinkTool() llm.Tool {
	return llm.Tool{
		Name:        ToolThink,
		Description: "Use the tool to think about something. It will not obtain new information or change anything; it only logs the thought.",
		Properties: map[string]any{
			"thought": stringProp("The thought to log."),
		},
		Required: []string{"thought"},
	}
}

// FinishTool ends the agent's work.
func FinishTool() llm.Tool {
	return llm.Tool{
		Name:        ToolFinish,
		Description: "Signals the completion of the current task. Include a summary of what was done and anything left open.",
		Properties: map[string]any{
			"message": stringProp("Final message to the user or the delegating agent."),
			"task_completed": map[string]any{
				"type":        "string",
				"enum":        []string{"true", "false", "partial"},
				"description": "Whether the task was completed.",
			},
		},
		Required: []string{"message"},
	}
}

// DelegateTool hands a task to role.
func DelegateTool(role Role) llm.Tool {
	return llm.Tool{
		Name:        role.DelegateTool(),
		Description: fmt.Sprintf("Delegate a task to the %s agent. %s", role.Title(), registry[role].summary),
		Properties: map[string]any{
			"task":                stringProp("What the agent must do."),
			"completion_criteria": stringProp("How the agent knows it is done."),
			"requirements":        stringProp("Constraints the result must satisfy."),
			"context":             stringProp("Background the agent needs."),
		},
		Required: []string{"task", "completion_criteria"},
	}
}

// CommonTools are available to every role.
func CommonTools() []llm.Tool {
	return []llm.Tool{BashTool(), EditorTool(), WriteFileTool(), ThinkTool(), FinishTool()}
}

// ToolsFor returns the tool set of role followed by extra (MCP) tools.
// Specialists never see delegation tools.
func ToolsFor(role Role, extra []llm.Tool) []llm.Tool {
	tools := CommonTools()
	for _, d := range role.Delegates() {
		tools = append(tools, DelegateTool(d))
	}
	tools = append(tools, extra...)
	if role.IsSpecialist() {
		tools = withoutDelegates(tools)
	}
	return tools
}

func withoutDelegates(tools []llm.Tool) []llm.Tool {
	out := tools[:0:0]
	for _, t := range tools {
		if !strings.HasPrefix(t.Name, DelegateToolPrefix) {
			out = append(out, t)
		}
	}
	return out
}
