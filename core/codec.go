/*
Package core provides frame decoding for the OpsChat conversation engine.

This file implements the EventCodec: it turns raw server-sent-event bytes and
individual frame payloads into the closed set of typed domain events. The codec
holds no conversation state. Malformed frames are reported as errors to the
caller, which drops them; frames with an unrecognized type are ignored so newer
backends can add event types without breaking older clients.
*/
package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// maxFrameSize bounds a single SSE line; tool results can be large.
const maxFrameSize = 1024 * 1024

// frame is the superset of all fields any stream frame may carry.
// Pointer fields distinguish "absent" from "zero" for validation.
type frame struct {
	Type             *string         `json:"type"`
	RunID            string          `json:"run_id"`
	Text             *string         `json:"text"`
	ConversationID   string          `json:"conversation_id"`
	PromptTokens     *int            `json:"prompt_tokens"`
	CompletionTokens *int            `json:"completion_tokens"`
	TotalTokens      *int            `json:"total_tokens"`
	CachedTokens     *int            `json:"cached_tokens"`
	Source           string          `json:"source"`
	Duration         *float64        `json:"duration"`
	CallID           string          `json:"call_id"`
	Tool             string          `json:"tool"`
	Title            string          `json:"title"`
	Args             json.RawMessage `json:"args"`
	Timestamp        json.RawMessage `json:"timestamp"`
	Result           json.RawMessage `json:"result"`
	Error            json.RawMessage `json:"error"`
	Tools            []toolFrame     `json:"tools"`
	Status           string          `json:"status"`
}

type toolFrame struct {
	CallID           string          `json:"call_id"`
	Tool             string          `json:"tool"`
	Title            string          `json:"title"`
	Args             json.RawMessage `json:"args"`
	Timestamp        json.RawMessage `json:"timestamp"`
	RequiresApproval bool            `json:"requires_approval"`
}

// DecodeFrame parses one frame payload (the JSON after `data:`).
// It returns (nil, nil) for well-formed frames of an unknown type and an
// error wrapping ErrMalformedFrame for anything that fails validation.
func DecodeFrame(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if f.Type == nil {
		// Legacy shapes predating the typed protocol
		switch {
		case f.RunID != "":
			return ReadyEvent{RunID: f.RunID}, nil
		case f.Status == "completed":
			return WorkflowCompleteEvent{Result: nonNull(f.Result), Status: f.Status}, nil
		}
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch EventType(*f.Type) {
	case EventReady:
		if f.RunID == "" {
			return nil, missingField(EventReady, "run_id")
		}
		return ReadyEvent{RunID: f.RunID}, nil

	case EventToken:
		if f.Text == nil {
			return nil, missingField(EventToken, "text")
		}
		return TokenEvent{Text: *f.Text, ConversationID: f.ConversationID}, nil

	case EventTokenUsage:
		if f.PromptTokens == nil || f.CompletionTokens == nil || f.TotalTokens == nil {
			return nil, missingField(EventTokenUsage, "prompt_tokens/completion_tokens/total_tokens")
		}
		usage := TokenUsage{
			PromptTokens:     *f.PromptTokens,
			CompletionTokens: *f.CompletionTokens,
			TotalTokens:      *f.TotalTokens,
		}
		if f.CachedTokens != nil {
			usage.CachedTokens = *f.CachedTokens
		}
		return TokenUsageEvent{Usage: usage, Source: f.Source}, nil

	case EventTTFT:
		if f.Duration == nil || *f.Duration < 0 {
			return nil, missingField(EventTTFT, "duration")
		}
		return TTFTEvent{
			Duration: time.Duration(*f.Duration * float64(time.Millisecond)),
			RunID:    f.RunID,
		}, nil

	case EventToolExecuting, EventToolAwaitingApproval:
		if f.CallID == "" {
			return nil, missingField(EventType(*f.Type), "call_id")
		}
		exec := ToolExecution{
			CallID:    f.CallID,
			Tool:      f.Tool,
			Title:     f.Title,
			Args:      nonNull(f.Args),
			Timestamp: parseTimestamp(f.Timestamp),
		}
		if EventType(*f.Type) == EventToolExecuting {
			exec.Status = ToolExecuting
			return ToolExecutingEvent{Execution: exec}, nil
		}
		exec.Status = ToolAwaitingApproval
		exec.RequiresApproval = true
		return ToolAwaitingApprovalEvent{Execution: exec}, nil

	case EventToolResult:
		if f.CallID == "" {
			return nil, missingField(EventToolResult, "call_id")
		}
		return ToolResultEvent{CallID: f.CallID, Result: nonNull(f.Result)}, nil

	case EventToolApproved:
		if f.CallID == "" {
			return nil, missingField(EventToolApproved, "call_id")
		}
		return ToolApprovedEvent{CallID: f.CallID}, nil

	case EventToolDenied:
		if f.CallID == "" {
			return nil, missingField(EventToolDenied, "call_id")
		}
		return ToolDeniedEvent{CallID: f.CallID}, nil

	case EventToolError:
		if f.CallID == "" {
			return nil, missingField(EventToolError, "call_id")
		}
		return ToolErrorEvent{CallID: f.CallID, Error: errorText(f.Error, "tool failed")}, nil

	case EventToolsPending:
		tools := make([]ToolExecution, 0, len(f.Tools))
		for _, t := range f.Tools {
			if t.CallID == "" {
				continue
			}
			tools = append(tools, ToolExecution{
				CallID:           t.CallID,
				Tool:             t.Tool,
				Title:            t.Title,
				Args:             nonNull(t.Args),
				Status:           ToolPending,
				Timestamp:        parseTimestamp(t.Timestamp),
				RequiresApproval: t.RequiresApproval,
			})
		}
		if len(tools) == 0 {
			return nil, missingField(EventToolsPending, "tools")
		}
		return ToolsPendingEvent{Tools: tools}, nil

	case EventCompleted:
		return CompletedEvent{}, nil

	case EventWorkflowComplete:
		switch f.Status {
		case "completed", "awaiting_approval":
		default:
			return nil, fmt.Errorf("%w: workflow_complete status %q", ErrMalformedFrame, f.Status)
		}
		return WorkflowCompleteEvent{Result: nonNull(f.Result), Status: f.Status}, nil

	case EventError:
		if len(f.Error) == 0 {
			return nil, missingField(EventError, "error")
		}
		return ErrorEvent{Message: errorText(f.Error, "backend error")}, nil

	case EventHeartbeat:
		return HeartbeatEvent{}, nil
	}

	return nil, nil
}

func missingField(t EventType, field string) error {
	return fmt.Errorf("%w: %s frame missing %s", ErrMalformedFrame, t, field)
}

// nonNull drops JSON null so merges treat it as "no value".
func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// errorText extracts a message from a string or {"message": "..."} error payload.
func errorText(raw json.RawMessage, fallback string) string {
	raw = nonNull(raw)
	if raw == nil {
		return fallback
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return fallback
		}
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// parseTimestamp accepts RFC3339 strings or unix epoch numbers (seconds or milliseconds).
// Unparseable or absent values yield the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = nonNull(raw)
	if raw == nil {
		return time.Time{}
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// SSEDecoder splits a server-sent-event byte stream into frame payloads.
// Consecutive `data:` lines are joined with newlines and dispatched on a blank
// line or at end of stream; `event:`, `id:`, `retry:` and comment lines are ignored.
type SSEDecoder struct {
	scanner *bufio.Scanner
	data    []string
}

// NewSSEDecoder wraps r for frame-by-frame reading.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &SSEDecoder{scanner: scanner}
}

// Next returns the next frame payload. It returns io.EOF after the last
// frame of a cleanly closed stream and the underlying error otherwise.
func (d *SSEDecoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if payload, ok := d.flush(); ok {
				return payload, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		d.data = append(d.data, strings.TrimPrefix(value, " "))
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if payload, ok := d.flush(); ok {
		return payload, nil
	}
	return nil, io.EOF
}

func (d *SSEDecoder) flush() ([]byte, bool) {
	if len(d.data) == 0 {
		return nil, false
	}
	payload := []byte(strings.Join(d.data, "\n"))
	d.data = d.data[:0]
	return payload, true
}

// Codec decodes frames and logs the ones it drops.
type Codec struct {
	logger         *logrus.Entry
	truncateLength int
}

// NewCodec creates a codec that logs dropped frames through logger.
//
// Parameters:
//   - logger: Entry dropped frames are logged to at debug level
//   - truncateLength: Longest frame excerpt written to the log; 0 logs it whole
func NewCodec(logger *logrus.Entry, truncateLength int) *Codec {
	return &Codec{logger: logger, truncateLength: truncateLength}
}

// Decode returns the event carried by payload, or false when the frame is
// malformed or of an unknown type. Protocol errors never propagate further.
func (c *Codec) Decode(payload []byte) (Event, bool) {
	ev, err := DecodeFrame(payload)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"errorKind": ErrorProtocol,
			"frame":     truncate(string(payload), c.truncateLength),
		}).Debug("Dropping malformed frame")
		return nil, false
	}
	if ev == nil {
		c.logger.WithField("frame", truncate(string(payload), c.truncateLength)).Debug("Ignoring frame of unknown type")
		return nil, false
	}
	return ev, true
}

// DecodeSocketEvent parses one socket envelope.
func DecodeSocketEvent(data []byte) (SocketEventName, json.RawMessage, error) {
	var env socketEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("%w: socket frame missing event", ErrMalformedFrame)
	}
	return env.Event, env.Data, nil
}

// decodeAgentUpdate validates an agent_update payload.
func decodeAgentUpdate(data json.RawMessage) (AgentStatus, error) {
	var payload struct {
		ConversationID string          `json:"conversation_id"`
		Status         string          `json:"status"`
		Step           string          `json:"step"`
		Message        string          `json:"message"`
		Timestamp      json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return AgentStatus{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if payload.ConversationID == "" || payload.Status == "" {
		return AgentStatus{}, fmt.Errorf("%w: agent_update missing conversation_id or status", ErrMalformedFrame)
	}
	return AgentStatus{
		ConversationID: payload.ConversationID,
		Status:         payload.Status,
		Step:           payload.Step,
		Message:        payload.Message,
		UpdatedAt:      parseTimestamp(payload.Timestamp),
	}, nil
}

// truncate shortens text for log output.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
