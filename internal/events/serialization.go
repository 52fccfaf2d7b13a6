package events

import (
	"encoding/json"
	"fmt"
)

var actionFactories = map[ActionType]func() Action{
	ActionMessage:          func() Action { return &MessageAction{} },
	ActionSystem:           func() Action { return &SystemMessageAction{} },
	ActionRun:              func() Action { return &CmdRunAction{} },
	ActionRead:             func() Action { return &FileReadAction{} },
	ActionEdit:             func() Action { return &FileEditAction{} },
	ActionWrite:            func() Action { return &FileWriteAction{} },
	ActionDelegate:         func() Action { return &AgentDelegateAction{} },
	ActionFinish:           func() Action { return &AgentFinishAction{} },
	ActionReject:           func() Action { return &AgentRejectAction{} },
	ActionChangeAgentState: func() Action { return &ChangeAgentStateAction{} },
	ActionThink:            func() Action { return &AgentThinkAction{} },
	ActionMCP:              func() Action { return &MCPAction{} },
	ActionCondensation:     func() Action { return &CondensationAction{} },
	ActionNull:             func() Action { return &NullAction{} },
}

var observationFactories = map[ObservationType]func() Observation{
	ObservationRun:               func() Observation { return &CmdOutputObservation{} },
	ObservationRead:              func() Observation { return &FileReadObservation{} },
	ObservationEdit:              func() Observation { return &FileEditObservation{} },
	ObservationWrite:             func() Observation { return &FileWriteObservation{} },
	ObservationDelegate:          func() Observation { return &AgentDelegateObservation{} },
	ObservationError:             func() Observation { return &ErrorObservation{} },
	ObservationUserRejected:      func() Observation { return &UserRejectObservation{} },
	ObservationNull:              func() Observation { return &NullObservation{} },
	ObservationCondensation:      func() Observation { return &AgentCondensationObservation{} },
	ObservationAgentStateChanged: func() Observation { return &AgentStateChangedObservation{} },
	ObservationThink:             func() Observation { return &AgentThinkObservation{} },
	ObservationMCP:               func() Observation { return &MCPObservation{} },
}

// ToDict converts an event to its map form:
//
//	action:      {id, timestamp, source, action, args, message, cause?, tool_call_metadata?}
//	observation: {id, timestamp, source, observation, content, extras, message, cause?, tool_call_metadata?}
func ToDict(e Event) (map[string]interface{}, error) {
	fields, err := structToMap(e)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T: %w", e, err)
	}

	out := map[string]interface{}{
		"id":        e.ID(),
		"timestamp": e.Timestamp(),
		"source":    string(e.Source()),
		"message":   e.Message(),
	}
	if cause := e.Cause(); cause != InvalidID {
		out["cause"] = cause
	}
	if tc := e.ToolCallMetadata(); tc != nil {
		m, err := structToMap(tc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert tool call metadata: %w", err)
		}
		out["tool_call_metadata"] = m
	}

	switch v := e.(type) {
	case Action:
		out["action"] = string(v.ActionType())
		out["args"] = fields
	case Observation:
		out["observation"] = string(v.ObservationType())
		content, _ := fields["content"].(string)
		delete(fields, "content")
		out["content"] = content
		out["extras"] = fields
	default:
		return nil, fmt.Errorf("unknown event kind %T", e)
	}
	return out, nil
}

// FromDict is the inverse of ToDict.
func FromDict(d map[string]interface{}) (Event, error) {
	var e Event
	switch {
	case d["action"] != nil:
		name, _ := d["action"].(string)
		factory, ok := actionFactories[ActionType(name)]
		if !ok {
			return nil, fmt.Errorf("unknown action type %q", name)
		}
		a := factory()
		if args, ok := d["args"].(map[string]interface{}); ok {
			if err := mapToStruct(args, a); err != nil {
				return nil, fmt.Errorf("failed to parse %s args: %w", name, err)
			}
		}
		e = a
	case d["observation"] != nil:
		name, _ := d["observation"].(string)
		factory, ok := observationFactories[ObservationType(name)]
		if !ok {
			return nil, fmt.Errorf("unknown observation type %q", name)
		}
		o := factory()
		fields := map[string]interface{}{}
		if extras, ok := d["extras"].(map[string]interface{}); ok {
			for k, v := range extras {
				fields[k] = v
			}
		}
		fields["content"] = d["content"]
		if err := mapToStruct(fields, o); err != nil {
			return nil, fmt.Errorf("failed to parse %s observation: %w", name, err)
		}
		e = o
	default:
		return nil, fmt.Errorf("event dict has neither action nor observation")
	}

	b := e.base()
	if id, ok := intField(d, "id"); ok && id >= 0 {
		b.id = id
		b.assigned = true
	}
	b.timestamp, _ = d["timestamp"].(string)
	if src, ok := d["source"].(string); ok {
		b.source = Source(src)
	}
	if cause, ok := intField(d, "cause"); ok {
		b.SetCause(cause)
	}
	if tc, ok := d["tool_call_metadata"].(map[string]interface{}); ok {
		var meta ToolCallMetadata
		if err := mapToStruct(tc, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse tool call metadata: %w", err)
		}
		b.toolCall = &meta
	}
	return e, nil
}

// Marshal encodes an event as JSON in its dict form.
func Marshal(e Event) ([]byte, error) {
	d, err := ToDict(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// Unmarshal decodes an event from its JSON dict form.
func Unmarshal(data []byte) (Event, error) {
	var d map[string]interface{}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return FromDict(d)
}

// MarshalPage encodes consecutive events as one JSON array.
func MarshalPage(page []Event) ([]byte, error) {
	dicts := make([]map[string]interface{}, 0, len(page))
	for _, e := range page {
		d, err := ToDict(e)
		if err != nil {
			return nil, err
		}
		dicts = append(dicts, d)
	}
	return json.Marshal(dicts)
}

// UnmarshalPage decodes a page written by MarshalPage.
func UnmarshalPage(data []byte) ([]Event, error) {
	var dicts []map[string]interface{}
	if err := json.Unmarshal(data, &dicts); err != nil {
		return nil, fmt.Errorf("failed to decode event page: %w", err)
	}
	out := make([]Event, 0, len(dicts))
	for _, d := range dicts {
		e, err := FromDict(d)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func intField(d map[string]interface{}, key string) (int, bool) {
	switch v := d[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
