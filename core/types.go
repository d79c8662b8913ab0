/*
Package core contains the conversation reconciliation engine for the OpsChat client.

This file defines the data types shared across the engine: the outbound request
bodies sent to the agent backend, the conversation transcript model (messages
and their ordered segments), tool executions and the queued-message record.
These types are the contract between the engine and its external collaborators:
the backend agent on one side and the renderer on the other.

Key type categories:
- Outbound request types (TurnRequest, ApprovalRequest, CancelRequest)
- Transcript types (Message, Segment)
- Tool lifecycle types (ToolStatus, ToolExecution)
- Queue and metrics types (QueuedMessage, TokenUsage)
*/
package core

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// WireMessage is a single history entry sent with a new turn.
type WireMessage struct {
	Role    Role   `json:"role"`    // "user", "assistant" or "system"
	Content string `json:"content"` // Plain text content of the message
}

// TurnRequest starts a new conversation turn on the backend.
// The response body is a server-sent event stream of agent frames.
type TurnRequest struct {
	ConversationID string        `json:"conversation_id"` // Conversation the turn belongs to (may be empty for a new conversation)
	Messages       []WireMessage `json:"messages"`        // Full message history including the new user message
}

// ApprovalRequest submits an approve/deny decision for one tool call.
// CallID is carried in the request path, not the body.
type ApprovalRequest struct {
	CallID         string `json:"-"`
	Approve        bool   `json:"approve"`          // true to approve, false to deny
	Reason         string `json:"reason,omitempty"` // Optional free-text justification
	ConversationID string `json:"conversation_id"`  // Conversation owning the tool call
}

// CancelRequest asks the backend to abort the server-side work of a run.
type CancelRequest struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
}

// SegmentKind distinguishes text runs from tool-call references.
type SegmentKind string

const (
	SegmentText SegmentKind = "text"
	SegmentTool SegmentKind = "tool"
)

// Segment is one ordered unit of message content.
// For tool segments ID equals the tool call id and Tool is resolved from the
// registry when a snapshot is taken; the transcript itself only keeps the reference.
type Segment struct {
	Kind SegmentKind    `json:"kind"`
	ID   string         `json:"id"`
	Text string         `json:"text,omitempty"`
	Tool *ToolExecution `json:"tool_execution,omitempty"`
}

// Message is a single conversation entry.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Segments    []Segment `json:"segments"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"is_streaming"`
}

// clone returns a copy of the message that shares no slices with the original.
func (m Message) clone() Message {
	out := m
	out.Segments = make([]Segment, len(m.Segments))
	copy(out.Segments, m.Segments)
	return out
}

// ToolStatus is the lifecycle state of a tool execution.
type ToolStatus string

const (
	ToolPending          ToolStatus = "pending"
	ToolAwaitingApproval ToolStatus = "awaiting_approval"
	ToolApproved         ToolStatus = "approved"
	ToolExecuting        ToolStatus = "executing"
	ToolCompleted        ToolStatus = "completed"
	ToolError            ToolStatus = "error"
	ToolDenied           ToolStatus = "denied"
)

// Terminal reports whether no further lifecycle transition is expected.
func (s ToolStatus) Terminal() bool {
	switch s {
	case ToolCompleted, ToolError, ToolDenied:
		return true
	}
	return false
}

// stage orders the lifecycle so redelivered frames cannot move a call backwards.
func (s ToolStatus) stage() int {
	switch s {
	case ToolPending:
		return 0
	case ToolAwaitingApproval:
		return 1
	case ToolApproved:
		return 2
	case ToolExecuting:
		return 3
	}
	return 4
}

// ToolExecution tracks one tool call by its call id.
type ToolExecution struct {
	CallID           string          `json:"call_id"`
	Tool             string          `json:"tool"`
	Title            string          `json:"title,omitempty"`
	Args             json.RawMessage `json:"args,omitempty"`
	Status           ToolStatus      `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	ApprovalError    string          `json:"approval_error,omitempty"` // Last failed approve/deny submission for this call
}

// QueuedMessage is a user message waiting for the active stream to finish.
type QueuedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage holds token counts reported by the backend for a run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// Add returns the element-wise sum of two usage records.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		CachedTokens:     u.CachedTokens + o.CachedTokens,
	}
}

// AgentStatus is the latest out-of-band agent progress pushed over the socket.
type AgentStatus struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	Step           string    `json:"step,omitempty"`
	Message        string    `json:"message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
