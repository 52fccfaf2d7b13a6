// Package stuck recognizes unproductive loops in an agent's history.
package stuck

import (
	"reflect"

	"github.com/yamatovision/bluelamp/internal/events"
)

// Pattern names the loop shape that fired.
type Pattern string

const (
	PatternNone             Pattern = ""
	PatternRepeatingPair    Pattern = "repeating_action_observation"
	PatternRepeatingError   Pattern = "repeating_action_error"
	PatternMonologue        Pattern = "monologue"
	PatternAlternating      Pattern = "alternating_action_observation"
	PatternCondensationLoop Pattern = "context_window_condensation_loop"
)

const (
	repeatingPairWindow    = 4
	repeatingErrorWindow   = 3
	monologueLength        = 3
	alternatingWindow      = 6
	condensationLoopLength = 10
)

// Detector checks a history for loops. It keeps no state between calls.
type Detector struct{}

// New returns a Detector.
func New() *Detector { return &Detector{} }

// IsStuck reports whether history ends in a loop. In interactive mode only
// events after the last user message are considered.
func (d *Detector) IsStuck(history []events.Event, headless bool) bool {
	return d.Check(history, headless) != PatternNone
}

// Check returns the first loop pattern found, or PatternNone.
func (d *Detector) Check(history []events.Event, headless bool) Pattern {
	filtered := filterHistory(history, headless)
	if len(filtered) < 3 {
		return PatternNone
	}

	actions, observations := lastSteps(filtered, repeatingPairWindow)
	if repeatingPair(actions, observations) {
		return PatternRepeatingPair
	}
	if repeatingError(actions, observations) {
		return PatternRepeatingError
	}
	if monologue(filtered) {
		return PatternMonologue
	}
	if len(filtered) >= alternatingWindow && alternating(filtered) {
		return PatternAlternating
	}
	if len(filtered) >= condensationLoopLength && condensationLoop(filtered) {
		return PatternCondensationLoop
	}
	return PatternNone
}

func filterHistory(history []events.Event, headless bool) []events.Event {
	start := 0
	if !headless {
		for i := len(history) - 1; i >= 0; i-- {
			if events.IsUserMessage(history[i]) {
				start = i + 1
				break
			}
		}
	}
	var out []events.Event
	for _, e := range history[start:] {
		if events.IsUserMessage(e) || events.IsNull(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// lastSteps collects up to n of the newest actions and observations, newest
// first.
func lastSteps(filtered []events.Event, n int) ([]events.Action, []events.Observation) {
	var actions []events.Action
	var observations []events.Observation
	for i := len(filtered) - 1; i >= 0; i-- {
		switch v := filtered[i].(type) {
		case events.Action:
			if len(actions) < n {
				actions = append(actions, v)
			}
		case events.Observation:
			if len(observations) < n {
				observations = append(observations, v)
			}
		}
		if len(actions) == n && len(observations) == n {
			break
		}
	}
	return actions, observations
}

func repeatingPair(actions []events.Action, observations []events.Observation) bool {
	if len(actions) < repeatingPairWindow || len(observations) < repeatingPairWindow {
		return false
	}
	for i := 1; i < repeatingPairWindow; i++ {
		if !Equal(actions[0], actions[i]) || !Equal(observations[0], observations[i]) {
			return false
		}
	}
	return true
}

func repeatingError(actions []events.Action, observations []events.Observation) bool {
	if len(actions) < repeatingErrorWindow || len(observations) < repeatingErrorWindow {
		return false
	}
	for i := 0; i < repeatingErrorWindow; i++ {
		if !Equal(actions[0], actions[i]) {
			return false
		}
		if _, ok := observations[i].(*events.ErrorObservation); !ok {
			return false
		}
	}
	return true
}

func monologue(filtered []events.Event) bool {
	var idx []int
	for i, e := range filtered {
		if events.IsAgentMessage(e) {
			idx = append(idx, i)
		}
	}
	if len(idx) < monologueLength {
		return false
	}
	idx = idx[len(idx)-monologueLength:]
	first := filtered[idx[0]]
	for _, i := range idx[1:] {
		if !Equal(first, filtered[i]) {
			return false
		}
	}
	for _, e := range filtered[idx[0]+1 : idx[len(idx)-1]] {
		if _, ok := e.(events.Observation); ok {
			return false
		}
	}
	return true
}

// alternating detects A-B-A-B-A-B over the last six actions and
// observations.
func alternating(filtered []events.Event) bool {
	actions, observations := lastSteps(filtered, alternatingWindow)
	if len(actions) < alternatingWindow || len(observations) < alternatingWindow {
		return false
	}
	for i := 2; i < alternatingWindow; i++ {
		if !Equal(actions[i], actions[i-2]) || !Equal(observations[i], observations[i-2]) {
			return false
		}
	}
	return true
}

// condensationLoop reports whether the last ten events of the filtered
// history are all condensation observations.
func condensationLoop(filtered []events.Event) bool {
	if len(filtered) < condensationLoopLength {
		return false
	}
	for _, e := range filtered[len(filtered)-condensationLoopLength:] {
		if _, ok := e.(*events.AgentCondensationObservation); !ok {
			return false
		}
	}
	return true
}

// Equal compares two events by payload, ignoring id, timestamp, cause and
// tool call metadata. Command output compares command and exit code only.
func Equal(a, b events.Event) bool {
	if oa, ok := a.(*events.CmdOutputObservation); ok {
		ob, ok := b.(*events.CmdOutputObservation)
		return ok && oa.Command == ob.Command && oa.ExitCode == ob.ExitCode
	}
	da, err := events.ToDict(a)
	if err != nil {
		return false
	}
	db, err := events.ToDict(b)
	if err != nil {
		return false
	}
	for _, k := range []string{"id", "timestamp", "cause", "tool_call_metadata", "message"} {
		delete(da, k)
		delete(db, k)
	}
	return reflect.DeepEqual(da, db)
}
