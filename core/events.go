package core

import (
	"encoding/json"
	"time"
)

// EventType is the `type` discriminant of a backend stream frame.
type EventType string

const (
	EventReady                EventType = "ready"
	EventToken                EventType = "token"
	EventTokenUsage           EventType = "token.usage"
	EventTTFT                 EventType = "ttft"
	EventToolExecuting        EventType = "tool.executing"
	EventToolResult           EventType = "tool.result"
	EventToolAwaitingApproval EventType = "tool.awaiting_approval"
	EventToolApproved         EventType = "tool.approved"
	EventToolDenied           EventType = "tool.denied"
	EventToolError            EventType = "tool.error"
	EventToolsPending         EventType = "tools.pending"
	EventCompleted            EventType = "completed"
	EventWorkflowComplete     EventType = "workflow_complete"
	EventError                EventType = "error"
	EventHeartbeat            EventType = "heartbeat"
)

// Event is a decoded domain event. The set of implementations is closed:
// only the types in this file satisfy it.
type Event interface {
	Type() EventType
	event()
}

// ReadyEvent announces the run id of a freshly started stream.
type ReadyEvent struct {
	RunID string
}

// TokenEvent carries one chunk of assistant text.
type TokenEvent struct {
	Text           string
	ConversationID string
}

// TokenUsageEvent reports token accounting for the run.
type TokenUsageEvent struct {
	Usage  TokenUsage
	Source string
}

// TTFTEvent reports the time to first token of a run.
type TTFTEvent struct {
	Duration time.Duration
	RunID    string
}

// ToolExecutingEvent reports a tool call that started running.
type ToolExecutingEvent struct {
	Execution ToolExecution
}

// ToolResultEvent reports the successful result of a tool call.
type ToolResultEvent struct {
	CallID string
	Result json.RawMessage
}

// ToolAwaitingApprovalEvent reports a tool call blocked on a user decision.
type ToolAwaitingApprovalEvent struct {
	Execution ToolExecution
}

// ToolApprovedEvent confirms an approval on the backend side.
type ToolApprovedEvent struct {
	CallID string
}

// ToolDeniedEvent confirms a denial on the backend side.
type ToolDeniedEvent struct {
	CallID string
}

// ToolErrorEvent reports a failed tool call.
type ToolErrorEvent struct {
	CallID string
	Error  string
}

// ToolsPendingEvent seeds one or more tool calls in pending state.
type ToolsPendingEvent struct {
	Tools []ToolExecution
}

// CompletedEvent marks the end of a run.
type CompletedEvent struct{}

// WorkflowCompleteEvent marks the end of an agent workflow.
// Status is "completed" or "awaiting_approval".
type WorkflowCompleteEvent struct {
	Result json.RawMessage
	Status string
}

// ErrorEvent is an explicit backend error frame.
type ErrorEvent struct {
	Message string
}

// HeartbeatEvent keeps an idle stream alive.
type HeartbeatEvent struct{}

func (ReadyEvent) Type() EventType                { return EventReady }
func (TokenEvent) Type() EventType                { return EventToken }
func (TokenUsageEvent) Type() EventType           { return EventTokenUsage }
func (TTFTEvent) Type() EventType                 { return EventTTFT }
func (ToolExecutingEvent) Type() EventType        { return EventToolExecuting }
func (ToolResultEvent) Type() EventType           { return EventToolResult }
func (ToolAwaitingApprovalEvent) Type() EventType { return EventToolAwaitingApproval }
func (ToolApprovedEvent) Type() EventType         { return EventToolApproved }
func (ToolDeniedEvent) Type() EventType           { return EventToolDenied }
func (ToolErrorEvent) Type() EventType            { return EventToolError }
func (ToolsPendingEvent) Type() EventType         { return EventToolsPending }
func (CompletedEvent) Type() EventType            { return EventCompleted }
func (WorkflowCompleteEvent) Type() EventType     { return EventWorkflowComplete }
func (ErrorEvent) Type() EventType                { return EventError }
func (HeartbeatEvent) Type() EventType            { return EventHeartbeat }

func (ReadyEvent) event()                {}
func (TokenEvent) event()                {}
func (TokenUsageEvent) event()           {}
func (TTFTEvent) event()                 {}
func (ToolExecutingEvent) event()        {}
func (ToolResultEvent) event()           {}
func (ToolAwaitingApprovalEvent) event() {}
func (ToolApprovedEvent) event()         {}
func (ToolDeniedEvent) event()           {}
func (ToolErrorEvent) event()            {}
func (ToolsPendingEvent) event()         {}
func (CompletedEvent) event()            {}
func (WorkflowCompleteEvent) event()     {}
func (ErrorEvent) event()                {}
func (HeartbeatEvent) event()            {}

// isTerminal reports whether the event ends a stream's logical exchange.
func isTerminal(ev Event) bool {
	switch ev.(type) {
	case CompletedEvent, WorkflowCompleteEvent, ErrorEvent:
		return true
	}
	return false
}

// isToolEvent reports whether the event only touches tool state.
func isToolEvent(ev Event) bool {
	switch ev.(type) {
	case ToolExecutingEvent, ToolResultEvent, ToolAwaitingApprovalEvent,
		ToolApprovedEvent, ToolDeniedEvent, ToolErrorEvent, ToolsPendingEvent:
		return true
	}
	return false
}

// SocketEventName is the name of an event on the long-lived socket channel.
type SocketEventName string

const (
	SocketConnected    SocketEventName = "connected"
	SocketDisconnect   SocketEventName = "disconnect"
	SocketConnectError SocketEventName = "connect_error"
	SocketError        SocketEventName = "error"
	SocketPong         SocketEventName = "pong"
	SocketAgentUpdate  SocketEventName = "agent_update"

	SocketPing              SocketEventName = "ping"
	SocketJoinConversation  SocketEventName = "join_conversation"
	SocketLeaveConversation SocketEventName = "leave_conversation"
)

// socketEnvelope is the JSON frame exchanged on the socket in both directions.
type socketEnvelope struct {
	Event SocketEventName `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"` // Unix milliseconds at send time
}

type conversationPayload struct {
	ConversationID string `json:"conversation_id"`
}
