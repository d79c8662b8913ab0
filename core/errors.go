package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the user.
type ErrorKind string

const (
	ErrorTransport           ErrorKind = "transport"            // network failure mid-stream; retryable
	ErrorProtocol            ErrorKind = "protocol"             // malformed frame; dropped and logged only
	ErrorBackend             ErrorKind = "backend"              // explicit error frame from the backend
	ErrorConnectionExhausted ErrorKind = "connection_exhausted" // reconnect attempts exceeded the cap
	ErrorApproval            ErrorKind = "approval"             // approve/deny submission failed for one tool
)

var (
	ErrStreamActive          = errors.New("a stream is already active")
	ErrBulkInProgress        = errors.New("a bulk approval is in progress")
	ErrNotApprovable         = errors.New("tool call is not awaiting approval")
	ErrNothingToApprove      = errors.New("no approvable tool calls")
	ErrQueuedMessageNotFound = errors.New("queued message not found")
	ErrSessionNotFound       = errors.New("stream session not found")
	ErrConversationNotCached = errors.New("conversation is not parked")
	ErrNoConversation        = errors.New("conversation id is required")
	ErrNothingToRetry        = errors.New("no failed turn to retry")
	ErrNothingToCancel       = errors.New("no active stream to cancel")
	ErrEmptyMessage          = errors.New("message content is empty")
	ErrNoSocket              = errors.New("no socket connection configured")
	ErrControllerStopped     = errors.New("conversation controller stopped")
	ErrMalformedFrame        = errors.New("malformed frame")
)

// ConversationError wraps a failure with its taxonomy kind.
type ConversationError struct {
	Kind   ErrorKind
	CallID string
	Err    error
}

func (e *ConversationError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("%s error for tool call %s: %v", e.Kind, e.CallID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ConversationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the user can retry the failed operation as-is.
func (e *ConversationError) Retryable() bool {
	return e.Kind == ErrorTransport
}

func newConversationError(kind ErrorKind, callID string, err error) *ConversationError {
	return &ConversationError{Kind: kind, CallID: callID, Err: err}
}

// ErrorView is the user-facing projection of the last surfaced error.
type ErrorView struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	CallID    string    `json:"call_id,omitempty"`
	Retryable bool      `json:"retryable"`
}

func errorViewOf(err error) *ErrorView {
	if err == nil {
		return nil
	}
	var ce *ConversationError
	if errors.As(err, &ce) {
		return &ErrorView{
			Kind:      ce.Kind,
			Message:   ce.Err.Error(),
			CallID:    ce.CallID,
			Retryable: ce.Retryable(),
		}
	}
	return &ErrorView{Kind: ErrorTransport, Message: err.Error(), Retryable: true}
}
