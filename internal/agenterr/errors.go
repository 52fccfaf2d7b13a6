// Package agenterr defines the error taxonomy shared by the agent, the
// controller and the run loop.
//
// Errors fall into a few behavioral classes:
//   - malformed actions (bad tool call from the model): recoverable, the agent
//     sees an ErrorObservation and tries again
//   - path restrictions reported by the runtime: recoverable
//   - context window overflow: handled by trimming history
//   - stuck loops and iteration budget exhaustion: force the ERROR state
//
// Everything else is treated as fatal by the run loop.
package agenterr

import (
	"errors"
	"fmt"
	"strings"
)

// LLMMalformedActionError means the model produced an action that cannot be
// executed as given (for example a path outside the workspace).
type LLMMalformedActionError struct {
	Msg string
}

func (e *LLMMalformedActionError) Error() string {
	return "LLMMalformedActionError: " + e.Msg
}

// FunctionCallValidationError means a tool call's arguments were not valid
// JSON or missed a required parameter.
type FunctionCallValidationError struct {
	Tool string
	Msg  string
}

func (e *FunctionCallValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, e.Msg)
}

// FunctionCallNotExistsError means the model called a tool that is not in
// the agent's tool set.
type FunctionCallNotExistsError struct {
	Tool string
}

func (e *FunctionCallNotExistsError) Error() string {
	return fmt.Sprintf("tool %s is not registered. (arguments ignored)", e.Tool)
}

// ContextWindowExceededError wraps a provider error caused by a prompt that
// no longer fits the model's context window.
type ContextWindowExceededError struct {
	Err error
}

func (e *ContextWindowExceededError) Error() string {
	return "context window exceeded: " + e.Err.Error()
}

func (e *ContextWindowExceededError) Unwrap() error { return e.Err }

// PathRestrictedError is returned by the runtime when a file operation
// targets a path outside the workspace.
type PathRestrictedError struct {
	Path      string
	Workspace string
}

func (e *PathRestrictedError) Error() string {
	return fmt.Sprintf("Invalid path. You can only work with files in %s (requested %s)", e.Workspace, e.Path)
}

// ErrAgentStuckInLoop is returned when the stuck detector fires.
var ErrAgentStuckInLoop = errors.New("Agent stuck in loop")

// ErrBudgetExhausted is returned when the iteration budget runs out.
var ErrBudgetExhausted = errors.New("budget exhausted")

// recoverableMarkers are substrings of error messages that the run loop
// treats as recoverable.
var recoverableMarkers = []string{
	"Invalid path",
	"You can only work with files in",
	"Path access restricted",
}

// IsRecoverableMessage reports whether an error string reported through a
// status callback should be logged and cleared rather than ending the run.
func IsRecoverableMessage(msg string) bool {
	for _, m := range recoverableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsMalformedAction reports whether err is one of the tool call errors the
// controller turns into an ErrorObservation.
func IsMalformedAction(err error) bool {
	var malformed *LLMMalformedActionError
	var validation *FunctionCallValidationError
	var notExists *FunctionCallNotExistsError
	return errors.As(err, &malformed) || errors.As(err, &validation) || errors.As(err, &notExists)
}

// IsContextWindow reports whether err was caused by context window overflow.
func IsContextWindow(err error) bool {
	var cw *ContextWindowExceededError
	return errors.As(err, &cw)
}

// contextWindowMarkers are provider messages indicating a prompt that is too
// large for the model.
var contextWindowMarkers = []string{
	"prompt is too long",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"input length and `max_tokens` exceed context limit",
}

// LooksLikeContextWindow reports whether a raw provider error message
// describes a context window overflow.
func LooksLikeContextWindow(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range contextWindowMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
