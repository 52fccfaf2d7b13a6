// Package events defines the Action and Observation records that make up a
// session's event stream, and their dict/JSON serialization.
//
// The set of event types is closed: every Event embeds Base, which carries
// the stream-assigned id, timestamp and source. Only the stream assigns ids
// (via Assign); a freshly constructed event reports InvalidID.
package events

import (
	"time"

	"github.com/yamatovision/bluelamp/internal/llm"
)

// InvalidID is reported by events that have not been added to a stream.
const InvalidID = -1

// Source identifies who produced an event.
type Source string

const (
	// SourceUser marks events typed by the user
	SourceUser Source = "user"
	// SourceAgent marks events produced by an agent or its controller
	SourceAgent Source = "agent"
	// SourceEnvironment marks events produced by the runtime or the loop
	SourceEnvironment Source = "environment"
)

// ToolCallMetadata binds an Action to the LLM tool call that produced it,
// and an Observation to the same call.
type ToolCallMetadata struct {
	CallID               string             `json:"call_id"`
	FunctionName         string             `json:"function_name"`
	ModelResponse        *llm.ModelResponse `json:"model_response,omitempty"`
	TotalCallsInResponse int                `json:"total_calls_in_response"`
}

// Base holds the fields every event shares. It is embedded by value in
// each concrete event type.
type Base struct {
	id        int
	assigned  bool
	timestamp string
	source    Source
	cause     int
	hasCause  bool
	toolCall  *ToolCallMetadata
}

// ID returns the stream-assigned id, or InvalidID.
func (b *Base) ID() int {
	if !b.assigned {
		return InvalidID
	}
	return b.id
}

// Timestamp returns the RFC 3339 insertion time, empty before insertion.
func (b *Base) Timestamp() string { return b.timestamp }

// Source returns the producer recorded at insertion.
func (b *Base) Source() Source { return b.source }

// Cause returns the id of the causing event, or InvalidID.
func (b *Base) Cause() int {
	if !b.hasCause {
		return InvalidID
	}
	return b.cause
}

// SetCause links the event to the event that caused it.
func (b *Base) SetCause(id int) {
	if id < 0 {
		b.hasCause = false
		b.cause = 0
		return
	}
	b.cause = id
	b.hasCause = true
}

// ToolCallMetadata returns the tool call binding, or nil.
func (b *Base) ToolCallMetadata() *ToolCallMetadata { return b.toolCall }

// SetToolCallMetadata sets or clears (nil) the tool call binding.
func (b *Base) SetToolCallMetadata(m *ToolCallMetadata) { b.toolCall = m }

func (b *Base) base() *Base { return b }

// Event is implemented by every Action and Observation.
type Event interface {
	ID() int
	Timestamp() string
	Source() Source
	Cause() int
	SetCause(id int)
	ToolCallMetadata() *ToolCallMetadata
	SetToolCallMetadata(m *ToolCallMetadata)
	// Message is a short human-readable rendering.
	Message() string
	base() *Base
}

// Assign stamps an event with its stream id, insertion time and source.
func Assign(e Event, id int, at time.Time, source Source) {
	b := e.base()
	b.id = id
	b.assigned = true
	b.timestamp = at.UTC().Format(time.RFC3339Nano)
	b.source = source
}

// HasID reports whether an event has already been added to a stream.
func HasID(e Event) bool {
	return e.base().assigned
}

// Clone returns an independent copy of e, including its id.
func Clone(e Event) (Event, error) {
	d, err := ToDict(e)
	if err != nil {
		return nil, err
	}
	return FromDict(d)
}

// CloneAsNew returns a copy of e without id, timestamp or source, ready to
// be added to a stream again. Cause and tool call metadata are kept.
func CloneAsNew(e Event) (Event, error) {
	c, err := Clone(e)
	if err != nil {
		return nil, err
	}
	Unassign(c)
	return c, nil
}

// Unassign clears the id, timestamp and source set by Assign.
func Unassign(e Event) {
	b := e.base()
	b.id = 0
	b.assigned = false
	b.timestamp = ""
	b.source = ""
}
