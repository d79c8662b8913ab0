package core

import (
	"encoding/json"
	"errors"
	"time"
)

// ConnectionState is the lifecycle state of the socket connection.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFailed       ConnectionState = "reconnect_failed"
)

// ConnectionStatus is the socket slice of the observable state.
type ConnectionStatus struct {
	State     ConnectionState `json:"state"`
	Attempt   int             `json:"attempt"`
	NextRetry time.Duration   `json:"next_retry,omitempty"`
	RTT       time.Duration   `json:"rtt,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// State is the reconciled conversation state.
//
// Stream-sourced events touch the transcript, tools, run and usage slices;
// socket-sourced events touch only Connection and Agent. Because the slices
// are disjoint, the two sources commute.
type State struct {
	ConversationID string
	Transcript     *MessageTranscript
	Tools          *ToolExecutionRegistry
	RunID          string
	LastUsage      TokenUsage
	TotalUsage     TokenUsage
	TTFT           time.Duration
	WorkflowStatus string
	Connection     ConnectionStatus
	Agent          *AgentStatus
	LastError      *ErrorView

	// Agent updates received before the conversation id is known, by id.
	heldAgents map[string]AgentStatus
}

// NewState creates an empty state for conversationID.
func NewState(conversationID string) *State {
	return &State{
		ConversationID: conversationID,
		Transcript:     NewMessageTranscript(),
		Tools:          NewToolExecutionRegistry(),
		Connection:     ConnectionStatus{State: ConnDisconnected},
	}
}

// Clone returns an independent copy of the state.
func (s *State) Clone() *State {
	out := *s
	out.Transcript = s.Transcript.Clone()
	out.Tools = s.Tools.Clone()
	if s.Agent != nil {
		agent := *s.Agent
		out.Agent = &agent
	}
	if s.heldAgents != nil {
		out.heldAgents = make(map[string]AgentStatus, len(s.heldAgents))
		for id, update := range s.heldAgents {
			out.heldAgents[id] = update
		}
	}
	if s.LastError != nil {
		view := *s.LastError
		out.LastError = &view
	}
	return &out
}

// Outcome reports what a reduced event means to the caller.
type Outcome struct {
	Terminal bool
	// Err is set for explicit backend error frames.
	Err error
	// AdoptedConversation is set when a token frame named the conversation
	// the backend created for a turn started without one.
	AdoptedConversation string
}

// Apply reduces one stream event into the state.
//
// active tells whether the event came from the stream that currently owns the
// conversation. Events from a stream that already ended only contribute tool
// updates; everything else from it is stale and ignored.
func (s *State) Apply(ev Event, active bool) Outcome {
	if !active && !isToolEvent(ev) {
		return Outcome{}
	}

	switch e := ev.(type) {
	case ReadyEvent:
		s.RunID = e.RunID

	case TokenEvent:
		var out Outcome
		if s.ConversationID == "" && e.ConversationID != "" {
			s.ConversationID = e.ConversationID
			out.AdoptedConversation = e.ConversationID
			if held, ok := s.heldAgents[e.ConversationID]; ok {
				s.Agent = &held
			}
			s.heldAgents = nil
		}
		if e.Text != "" {
			s.Transcript.ApplyToken(e.Text)
		}
		return out

	case TokenUsageEvent:
		s.LastUsage = e.Usage
		s.TotalUsage = s.TotalUsage.Add(e.Usage)

	case TTFTEvent:
		s.TTFT = e.Duration

	case ToolExecutingEvent:
		s.applyTool(e.Execution)

	case ToolAwaitingApprovalEvent:
		s.applyTool(e.Execution)

	case ToolResultEvent:
		s.applyTool(ToolExecution{CallID: e.CallID, Status: ToolCompleted, Result: e.Result})

	case ToolApprovedEvent:
		s.applyTool(ToolExecution{CallID: e.CallID, Status: ToolApproved})

	case ToolDeniedEvent:
		s.applyTool(ToolExecution{CallID: e.CallID, Status: ToolDenied})

	case ToolErrorEvent:
		s.applyTool(ToolExecution{CallID: e.CallID, Status: ToolError, Error: e.Error})

	case ToolsPendingEvent:
		for _, exec := range s.Tools.SeedPending(e.Tools) {
			s.Transcript.ApplyToolEvent(exec.CallID)
		}

	case CompletedEvent:
		s.Transcript.FinalizeCurrentMessage()
		return Outcome{Terminal: true}

	case WorkflowCompleteEvent:
		s.WorkflowStatus = e.Status
		if cur, ok := s.Transcript.Current(); ok && cur.Content == "" {
			var text string
			if json.Unmarshal(e.Result, &text) == nil && text != "" {
				s.Transcript.ApplyToken(text)
			}
		}
		s.Transcript.FinalizeCurrentMessage()
		return Outcome{Terminal: true}

	case ErrorEvent:
		s.Transcript.FinalizeCurrentMessage()
		s.Transcript.AppendSystemMessage(e.Message)
		err := newConversationError(ErrorBackend, "", errors.New(e.Message))
		s.LastError = errorViewOf(err)
		return Outcome{Terminal: true, Err: err}

	case HeartbeatEvent:
	}
	return Outcome{}
}

func (s *State) applyTool(update ToolExecution) {
	exec := s.Tools.Upsert(update)
	s.Transcript.ApplyToolEvent(exec.CallID)
}

// ApplyConnection records a socket lifecycle change.
func (s *State) ApplyConnection(status ConnectionStatus) {
	s.Connection = status
}

// ApplyAgentUpdate records out-of-band agent progress for the bound conversation.
// It reports false when the update belongs to another conversation.
//
// While no conversation id is known yet the latest update per id is held;
// adopting an id from the stream promotes the matching one, so the result
// does not depend on which source arrived first.
func (s *State) ApplyAgentUpdate(update AgentStatus) bool {
	if s.ConversationID == "" {
		if s.heldAgents == nil {
			s.heldAgents = make(map[string]AgentStatus)
		}
		s.heldAgents[update.ConversationID] = update
		return true
	}
	if update.ConversationID != s.ConversationID {
		return false
	}
	s.Agent = &update
	return true
}

// Messages returns the transcript with tool segments resolved from the registry.
func (s *State) Messages() []Message {
	msgs := s.Transcript.Messages()
	for i := range msgs {
		for j := range msgs[i].Segments {
			seg := &msgs[i].Segments[j]
			if seg.Kind != SegmentTool {
				continue
			}
			if exec, ok := s.Tools.Get(seg.ID); ok {
				seg.Tool = &exec
			}
		}
	}
	return msgs
}
