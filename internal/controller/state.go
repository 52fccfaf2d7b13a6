package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/yamatovision/bluelamp/internal/events"
	"github.com/yamatovision/bluelamp/internal/llm"
	"github.com/yamatovision/bluelamp/internal/storage"
)

// StateFileName is the name of the saved state inside a session directory.
const StateFileName = "agent_state.json"

// DefaultMaxIterations is the step budget when none is configured.
const DefaultMaxIterations = 100

// State is the serializable part of a controller.
type State struct {
	SessionID     string            `json:"session_id"`
	Agent         string            `json:"agent,omitempty"`
	AgentState    events.AgentState `json:"agent_state"`
	Iteration     int               `json:"iteration"`
	MaxIterations int               `json:"max_iterations"`
	LastError     string            `json:"last_error,omitempty"`
	DelegateLevel int               `json:"delegate_level"`
	// StartID and EndID bound the view over the stream. EndID is
	// events.InvalidID while the view is open-ended.
	StartID int `json:"start_id"`
	EndID   int `json:"end_id"`
	// Delegates maps a delegate action id to the id of its observation.
	Delegates        map[int]int    `json:"delegates,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	ConfirmationMode bool           `json:"confirmation_mode"`
	Metrics          llm.Usage      `json:"metrics"`
}

// NewState returns the state of a fresh controller.
func NewState(sessionID string, maxIterations int, confirmationMode bool) *State {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &State{
		SessionID:        sessionID,
		AgentState:       events.StateLoading,
		MaxIterations:    maxIterations,
		EndID:            events.InvalidID,
		Delegates:        make(map[int]int),
		ConfirmationMode: confirmationMode,
	}
}

func (s *State) clone() *State {
	c := *s
	c.Delegates = make(map[int]int, len(s.Delegates))
	for k, v := range s.Delegates {
		c.Delegates[k] = v
	}
	if s.Outputs != nil {
		c.Outputs = make(map[string]any, len(s.Outputs))
		for k, v := range s.Outputs {
			c.Outputs[k] = v
		}
	}
	return &c
}

func stateFile(sessionID string) string {
	return path.Join(sessionID, StateFileName)
}

// SaveState writes s to <session_id>/agent_state.json.
func SaveState(ctx context.Context, store storage.FileStore, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := store.Write(ctx, stateFile(s.SessionID), data); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState reads the state saved for sessionID. A missing file returns an
// error wrapping storage.ErrNotFound.
func LoadState(ctx context.Context, store storage.FileStore, sessionID string) (*State, error) {
	data, err := store.Read(ctx, stateFile(sessionID))
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if s.Delegates == nil {
		s.Delegates = make(map[int]int)
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	s.SessionID = sessionID
	return &s, nil
}
