// Package condenser shrinks an agent's history before it is sent to the
// LLM.
package condenser

import (
	"fmt"

	"github.com/yamatovision/bluelamp/internal/events"
)

// Result is either a condensed view or a CondensationAction the agent must
// return instead of calling the LLM.
type Result struct {
	View   []events.Event
	Action *events.CondensationAction
}

// Condenser decides what part of a history the LLM sees.
type Condenser interface {
	Condense(history []events.Event) (Result, error)
}

// NoOp returns the history with earlier condensations applied.
type NoOp struct{}

// Condense implements Condenser.
func (NoOp) Condense(history []events.Event) (Result, error) {
	return Result{View: ApplyCondensations(history)}, nil
}

// Recent keeps the first KeepFirst events and the newest ones, forgetting
// the middle once the view grows past MaxEvents.
type Recent struct {
	KeepFirst int
	MaxEvents int
}

// NewRecent returns a Recent condenser. keepFirst covers the system prompt
// and the initial user message.
func NewRecent(keepFirst, maxEvents int) (*Recent, error) {
	if keepFirst < 0 {
		return nil, fmt.Errorf("keep_first must be non-negative, got %d", keepFirst)
	}
	if maxEvents <= keepFirst+1 {
		return nil, fmt.Errorf("max_events (%d) must exceed keep_first (%d) by at least 2", maxEvents, keepFirst)
	}
	return &Recent{KeepFirst: keepFirst, MaxEvents: maxEvents}, nil
}

// Condense implements Condenser.
func (r *Recent) Condense(history []events.Event) (Result, error) {
	view := ApplyCondensations(history)
	if len(view) <= r.MaxEvents {
		return Result{View: view}, nil
	}
	// Drop down to half the budget so condensation does not fire every step.
	keepTail := (r.MaxEvents - r.KeepFirst) / 2
	if keepTail < 1 {
		keepTail = 1
	}
	var forgotten []int
	for _, e := range view[r.KeepFirst : len(view)-keepTail] {
		if e.ID() != events.InvalidID {
			forgotten = append(forgotten, e.ID())
		}
	}
	if len(forgotten) == 0 {
		return Result{View: view}, nil
	}
	return Result{Action: &events.CondensationAction{
		ForgottenEventIDs: forgotten,
		Summary:           fmt.Sprintf("%d earlier events were condensed.", len(forgotten)),
		SummaryOffset:     r.KeepFirst,
	}}, nil
}

// ApplyCondensations removes CondensationActions and the events they
// forgot. The newest summary is inserted at its offset as an
// AgentCondensationObservation.
func ApplyCondensations(history []events.Event) []events.Event {
	forgotten := make(map[int]bool)
	var latest *events.CondensationAction
	for _, e := range history {
		if c, ok := e.(*events.CondensationAction); ok {
			for _, id := range c.ForgottenEventIDs {
				forgotten[id] = true
			}
			latest = c
		}
	}
	if latest == nil {
		return history
	}

	view := make([]events.Event, 0, len(history))
	for _, e := range history {
		if _, ok := e.(*events.CondensationAction); ok {
			continue
		}
		if forgotten[e.ID()] {
			continue
		}
		view = append(view, e)
	}
	if latest.Summary != "" {
		offset := latest.SummaryOffset
		if offset < 0 || offset > len(view) {
			offset = len(view)
		}
		summary := &events.AgentCondensationObservation{Content: latest.Summary}
		view = append(view[:offset], append([]events.Event{summary}, view[offset:]...)...)
	}
	return view
}
