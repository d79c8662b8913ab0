package core

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDecodeFrame(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  Event
	}{
		{"ready", `{"type":"ready","run_id":"r1"}`, ReadyEvent{RunID: "r1"}},
		{"token", `{"type":"token","text":"Hi","conversation_id":"c-1"}`, TokenEvent{Text: "Hi", ConversationID: "c-1"}},
		{"empty token", `{"type":"token","text":""}`, TokenEvent{}},
		{
			"token usage",
			`{"type":"token.usage","prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"cached_tokens":2,"source":"planner"}`,
			TokenUsageEvent{Usage: TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CachedTokens: 2}, Source: "planner"},
		},
		{"ttft", `{"type":"ttft","duration":412.5,"run_id":"r1"}`, TTFTEvent{Duration: 412500 * time.Microsecond, RunID: "r1"}},
		{
			"tool executing",
			`{"type":"tool.executing","call_id":"c1","tool":"kubectl","title":"List pods","args":{"ns":"default"},"timestamp":"2026-03-01T10:00:00Z"}`,
			ToolExecutingEvent{Execution: ToolExecution{
				CallID: "c1", Tool: "kubectl", Title: "List pods",
				Args: []byte(`{"ns":"default"}`), Status: ToolExecuting, Timestamp: ts,
			}},
		},
		{
			"tool awaiting approval",
			`{"type":"tool.awaiting_approval","call_id":"c2","tool":"kubectl","timestamp":1772359200}`,
			ToolAwaitingApprovalEvent{Execution: ToolExecution{
				CallID: "c2", Tool: "kubectl", Status: ToolAwaitingApproval, RequiresApproval: true, Timestamp: ts,
			}},
		},
		{"tool result", `{"type":"tool.result","call_id":"c1","result":["pod-a"]}`, ToolResultEvent{CallID: "c1", Result: []byte(`["pod-a"]`)}},
		{"tool result null", `{"type":"tool.result","call_id":"c1","result":null}`, ToolResultEvent{CallID: "c1"}},
		{"tool approved", `{"type":"tool.approved","call_id":"c2"}`, ToolApprovedEvent{CallID: "c2"}},
		{"tool denied", `{"type":"tool.denied","call_id":"c2"}`, ToolDeniedEvent{CallID: "c2"}},
		{"tool error string", `{"type":"tool.error","call_id":"c1","error":"boom"}`, ToolErrorEvent{CallID: "c1", Error: "boom"}},
		{"tool error object", `{"type":"tool.error","call_id":"c1","error":{"message":"denied by rbac"}}`, ToolErrorEvent{CallID: "c1", Error: "denied by rbac"}},
		{"tool error missing", `{"type":"tool.error","call_id":"c1"}`, ToolErrorEvent{CallID: "c1", Error: "tool failed"}},
		{
			"tools pending skips entries without call id",
			`{"type":"tools.pending","tools":[{"call_id":"a","tool":"t","requires_approval":true},{"tool":"x"}]}`,
			ToolsPendingEvent{Tools: []ToolExecution{{CallID: "a", Tool: "t", Status: ToolPending, RequiresApproval: true}}},
		},
		{"completed", `{"type":"completed"}`, CompletedEvent{}},
		{
			"workflow complete",
			`{"type":"workflow_complete","status":"awaiting_approval","result":"needs approval"}`,
			WorkflowCompleteEvent{Status: "awaiting_approval", Result: []byte(`"needs approval"`)},
		},
		{"error", `{"type":"error","error":"model overloaded"}`, ErrorEvent{Message: "model overloaded"}},
		{"heartbeat", `{"type":"heartbeat"}`, HeartbeatEvent{}},
		{"legacy ready", `{"run_id":"r9"}`, ReadyEvent{RunID: "r9"}},
		{"legacy completed", `{"status":"completed","result":"done"}`, WorkflowCompleteEvent{Status: "completed", Result: []byte(`"done"`)}},
		{"unknown type ignored", `{"type":"plan.updated","steps":[]}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeFrame() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ``},
		{"not json", `data that is not json`},
		{"no type", `{"text":"hello"}`},
		{"ready without run id", `{"type":"ready"}`},
		{"token without text", `{"type":"token"}`},
		{"usage missing totals", `{"type":"token.usage","prompt_tokens":1}`},
		{"ttft negative", `{"type":"ttft","duration":-1}`},
		{"tool executing without call id", `{"type":"tool.executing","tool":"kubectl"}`},
		{"tools pending empty", `{"type":"tools.pending","tools":[]}`},
		{"workflow complete bad status", `{"type":"workflow_complete","status":"running"}`},
		{"error without error", `{"type":"error"}`},
		{"wrong field type", `{"type":"token","text":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeFrame([]byte(tt.input))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("DecodeFrame() error = %v, want ErrMalformedFrame", err)
			}
			if ev != nil {
				t.Errorf("DecodeFrame() event = %#v, want nil", ev)
			}
		})
	}
}

func TestCodecDecodeDropsBadFrames(t *testing.T) {
	codec := NewCodec(testEntry(), 20)

	if _, ok := codec.Decode([]byte(`{"type":"ready"}`)); ok {
		t.Error("malformed frame should be dropped")
	}
	if _, ok := codec.Decode([]byte(`{"type":"something.new"}`)); ok {
		t.Error("unknown frame should be dropped")
	}
	ev, ok := codec.Decode([]byte(`{"type":"completed"}`))
	if !ok || ev.Type() != EventCompleted {
		t.Errorf("Decode() = %v, %v, want completed", ev, ok)
	}
}

func TestSSEDecoder(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single frame", "data: {\"a\":1}\n\n", []string{`{"a":1}`}},
		{"multiple frames", "data: one\n\ndata: two\n\n", []string{"one", "two"}},
		{"multi line data joined", "data: line1\ndata: line2\n\n", []string{"line1\nline2"}},
		{"comments and fields ignored", ": keepalive\nevent: message\nid: 7\nretry: 100\ndata: x\n\n", []string{"x"}},
		{"crlf line endings", "data: x\r\n\r\ndata: y\r\n\r\n", []string{"x", "y"}},
		{"no space after colon", "data:x\n\n", []string{"x"}},
		{"trailing frame without blank line", "data: a\n\ndata: b", []string{"a", "b"}},
		{"blank lines only", "\n\n\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewSSEDecoder(strings.NewReader(tt.input))
			var got []string
			for {
				payload, err := d.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				got = append(got, string(payload))
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("frames = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSEDecoderFrameTooLarge(t *testing.T) {
	huge := "data: " + strings.Repeat("x", maxFrameSize+1) + "\n\n"
	d := NewSSEDecoder(strings.NewReader(huge))
	if _, err := d.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want scanner error", err)
	}
}

func TestDecodeSocketEvent(t *testing.T) {
	name, data, err := DecodeSocketEvent([]byte(`{"event":"agent_update","data":{"conversation_id":"c1","status":"running","step":"plan"}}`))
	if err != nil {
		t.Fatalf("DecodeSocketEvent() error = %v", err)
	}
	if name != SocketAgentUpdate {
		t.Errorf("name = %q, want agent_update", name)
	}
	update, err := decodeAgentUpdate(data)
	if err != nil {
		t.Fatalf("decodeAgentUpdate() error = %v", err)
	}
	if update.ConversationID != "c1" || update.Status != "running" || update.Step != "plan" {
		t.Errorf("update = %+v", update)
	}

	if _, _, err := DecodeSocketEvent([]byte(`{"data":{}}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("missing event name: error = %v", err)
	}
	if _, err := decodeAgentUpdate([]byte(`{"status":"running"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("missing conversation id: error = %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339", `"2026-03-01T10:00:00Z"`, want},
		{"epoch seconds", `1772359200`, want},
		{"epoch millis", `1772359200000`, want},
		{"numeric string", `"1772359200"`, want},
		{"garbage", `"yesterday"`, time.Time{}},
		{"null", `null`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseTimestamp([]byte(tt.raw)); !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
