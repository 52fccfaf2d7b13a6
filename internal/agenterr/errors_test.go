package agenterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRecoverableMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"invalid path", "Invalid path. You can only work with files in /workspace", true},
		{"workspace only", "You can only work with files in /tmp/ws", true},
		{"restricted", "Path access restricted: /etc", true},
		{"malformed with path", "LLMMalformedActionError: Invalid path /etc/passwd", true},
		{"transport", "completion failed after 4 attempts: 503", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverableMessage(tt.msg))
		})
	}
}

func TestIsMalformedAction(t *testing.T) {
	assert.True(t, IsMalformedAction(&FunctionCallNotExistsError{Tool: "nope"}))
	assert.True(t, IsMalformedAction(fmt.Errorf("step: %w", &FunctionCallValidationError{Tool: "x", Msg: "bad"})))
	assert.True(t, IsMalformedAction(&LLMMalformedActionError{Msg: "bad path"}))
	assert.False(t, IsMalformedAction(errors.New("boom")))
	assert.False(t, IsMalformedAction(ErrAgentStuckInLoop))
}

func TestContextWindow(t *testing.T) {
	raw := errors.New("400 Bad Request: prompt is too long: 210000 tokens > 200000 maximum")
	assert.True(t, LooksLikeContextWindow(raw.Error()))
	assert.False(t, LooksLikeContextWindow("401 unauthorized"))

	wrapped := fmt.Errorf("completion: %w", &ContextWindowExceededError{Err: raw})
	assert.True(t, IsContextWindow(wrapped))
	assert.ErrorIs(t, wrapped, raw)
	assert.False(t, IsContextWindow(raw))
}

func TestPathRestrictedErrorIsRecoverable(t *testing.T) {
	err := &PathRestrictedError{Path: "/etc/passwd", Workspace: "/workspace"}
	assert.True(t, IsRecoverableMessage(err.Error()))
}
