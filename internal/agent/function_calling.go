package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/yamatovision/bluelamp/internal/agenterr"
	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
)

// toolSet indexes the tools an agent was given.
type toolSet struct {
	byName map[string]llm.Tool
	mcp    map[string]bool
}

func newToolSet(tools []llm.Tool, mcpTools []llm.Tool) toolSet {
	ts := toolSet{byName: make(map[string]llm.Tool), mcp: make(map[string]bool)}
	for _, t := range tools {
		ts.byName[t.Name] = t
	}
	for _, t := range mcpTools {
		ts.mcp[t.Name] = true
	}
	return ts
}

// ResponseToActions converts an assistant turn into actions, one per tool
// call in order. The first action carries the assistant text as its
// thought; every action carries the shared response as tool call metadata.
// A turn without tool calls becomes a MessageAction that waits for the user.
func ResponseToActions(resp *llm.ModelResponse, ts toolSet) ([]events.Action, error) {
	thought := strings.TrimSpace(resp.Message.Text())
	calls := resp.Message.ToolCalls
	if len(calls) == 0 {
		return []events.Action{&events.MessageAction{Content: thought, WaitForResponse: true}}, nil
	}

	// Tool call ids pair actions with observations in memory; fill missing
	// ones in the response itself so both sides agree.
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "toolu_" + uuid.NewString()
		}
	}

	actions := make([]events.Action, 0, len(calls))
	for i, tc := range calls {
		action, err := toolCallToAction(tc, ts)
		if err != nil {
			return nil, err
		}
		if i == 0 && thought != "" {
			if !events.SetThought(action, thought) {
				// Actions without a thought field get it as a separate turn text.
				if think, ok := action.(*events.AgentThinkAction); ok {
					think.Thought = thought + "\n" + think.Thought
				}
			}
		}
		action.SetToolCallMetadata(&events.ToolCallMetadata{
			CallID:               tc.ID,
			FunctionName:         tc.Name,
			ModelResponse:        resp,
			TotalCallsInResponse: len(calls),
		})
		actions = append(actions, action)
	}
	return actions, nil
}

func toolCallToAction(tc llm.ToolCall, ts toolSet) (events.Action, error) {
	tool, known := ts.byName[tc.Name]
	if !known {
		return nil, &agenterr.FunctionCallNotExistsError{Tool: tc.Name}
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, &agenterr.FunctionCallValidationError{
				Tool: tc.Name,
				Msg:  fmt.Sprintf("failed to parse tool call arguments: %s", tc.Arguments),
			}
		}
	}
	for _, req := range tool.Required {
		if _, ok := args[req]; !ok {
			return nil, &agenterr.FunctionCallValidationError{
				Tool: tc.Name,
				Msg:  fmt.Sprintf("missing required argument %q", req),
			}
		}
	}

	if ts.mcp[tc.Name] {
		return &events.MCPAction{Name: tc.Name, Arguments: args}, nil
	}

	switch tc.Name {
	case ToolExecuteBash:
		return &events.CmdRunAction{
			Command:  str(args, "command"),
			IsInput:  boolArg(args, "is_input"),
			Timeout:  floatArg(args, "timeout"),
			Blocking: floatArg(args, "timeout") > 0,
		}, nil

	case ToolEditor:
		return editorAction(tc.Name, args)

	case ToolWriteFile:
		return &events.FileWriteAction{Path: str(args, "path"), Content: str(args, "content")}, nil

	case ToolThink:
		return &events.AgentThinkAction{Thought: str(args, "thought")}, nil

	case ToolFinish:
		outputs := map[string]any{}
		for k, v := range args {
			outputs[k] = v
		}
		return &events.AgentFinishAction{Outputs: outputs, FinalThought: str(args, "message")}, nil
	}

	if strings.HasPrefix(tc.Name, DelegateToolPrefix) {
		role, err := LookupRole(tc.Name)
		if err != nil {
			return nil, &agenterr.FunctionCallNotExistsError{Tool: tc.Name}
		}
		return &events.AgentDelegateAction{
			Agent: string(role),
			Inputs: events.DelegateInputs{
				Task:               str(args, "task"),
				CompletionCriteria: str(args, "completion_criteria"),
				Requirements:       str(args, "requirements"),
				Context:            str(args, "context"),
			},
		}, nil
	}
	return nil, &agenterr.FunctionCallNotExistsError{Tool: tc.Name}
}

func editorAction(name string, args map[string]any) (events.Action, error) {
	command := str(args, "command")
	path := str(args, "path")
	switch command {
	case events.EditView:
		read := &events.FileReadAction{Path: path}
		if r, ok := args["view_range"].([]any); ok && len(r) == 2 {
			read.Start = int(toFloat(r[0]))
			read.End = int(toFloat(r[1]))
		}
		return read, nil
	case events.EditCreate, events.EditStrReplace, events.EditInsert, events.EditUndo:
		return &events.FileEditAction{
			Path:       path,
			Command:    command,
			FileText:   str(args, "file_text"),
			OldStr:     str(args, "old_str"),
			NewStr:     str(args, "new_str"),
			InsertLine: int(floatArg(args, "insert_line")),
		}, nil
	}
	return nil, &agenterr.FunctionCallValidationError{
		Tool: name,
		Msg:  fmt.Sprintf("unknown editor command %q", command),
	}
}

func str(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func floatArg(args map[string]any, key string) float64 {
	return toFloat(args[key])
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
