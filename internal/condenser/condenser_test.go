package condenser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamatovision/bluelamp/internal/events"
)

func makeHistory(n int) []events.Event {
	out := make([]events.Event, 0, n)
	for i := 0; i < n; i++ {
		var e events.Event
		switch i {
		case 0:
			e = &events.SystemMessageAction{Content: "sys"}
		case 1:
			e = &events.MessageAction{Content: "task"}
		default:
			e = &events.AgentThinkObservation{Content: "step"}
		}
		src := events.SourceAgent
		if i == 1 {
			src = events.SourceUser
		}
		events.Assign(e, i, time.Unix(0, 0), src)
		out = append(out, e)
	}
	return out
}

func ids(view []events.Event) []int {
	var out []int
	for _, e := range view {
		out = append(out, e.ID())
	}
	return out
}

func TestNoOpPassesHistoryThrough(t *testing.T) {
	h := makeHistory(5)
	res, err := NoOp{}.Condense(h)
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.Equal(t, h, res.View)
}

func TestRecentReturnsCondensationAction(t *testing.T) {
	r, err := NewRecent(2, 10)
	require.NoError(t, err)

	res, err := r.Condense(makeHistory(10))
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.Len(t, res.View, 10)

	h := makeHistory(12)
	res, err = r.Condense(h)
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7}, res.Action.ForgottenEventIDs)
	assert.Equal(t, 2, res.Action.SummaryOffset)

	// Once the action is in the history the view shrinks.
	events.Assign(res.Action, 12, time.Unix(0, 0), events.SourceAgent)
	res, err = r.Condense(append(h, res.Action))
	require.NoError(t, err)
	require.Nil(t, res.Action)
	assert.Equal(t, []int{0, 1, events.InvalidID, 8, 9, 10, 11}, ids(res.View))
	assert.IsType(t, &events.AgentCondensationObservation{}, res.View[2])
}

func TestNewRecentValidates(t *testing.T) {
	_, err := NewRecent(-1, 10)
	assert.Error(t, err)
	_, err = NewRecent(4, 5)
	assert.Error(t, err)
}
