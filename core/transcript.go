package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageTranscript is the ordered conversation history.
//
// Finalized messages are append-only. The single in-progress assistant message
// lives outside the finalized list until FinalizeCurrentMessage moves it in.
// The only mutation a finalized message may still receive is a reference to a
// late tool call (see ApplyToolEvent); its text never changes.
type MessageTranscript struct {
	messages []Message
	current  *Message
	newID    func() string
	now      func() time.Time
}

// NewMessageTranscript creates an empty transcript.
func NewMessageTranscript() *MessageTranscript {
	return &MessageTranscript{
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// AppendUserMessage appends a finalized user message.
func (t *MessageTranscript) AppendUserMessage(text string) Message {
	return t.appendFinal(RoleUser, text)
}

// AppendSystemMessage appends a finalized system message, used for inline errors.
func (t *MessageTranscript) AppendSystemMessage(text string) Message {
	return t.appendFinal(RoleSystem, text)
}

func (t *MessageTranscript) appendFinal(role Role, text string) Message {
	msg := Message{
		ID:        t.newID(),
		Role:      role,
		Content:   text,
		Segments:  []Segment{{Kind: SegmentText, ID: t.newID(), Text: text}},
		Timestamp: t.now(),
	}
	t.messages = append(t.messages, msg)
	return msg.clone()
}

// BeginAssistantMessage opens a new in-progress assistant message.
// An already open message is finalized first.
func (t *MessageTranscript) BeginAssistantMessage() Message {
	t.FinalizeCurrentMessage()
	t.current = &Message{
		ID:          t.newID(),
		Role:        RoleAssistant,
		Timestamp:   t.now(),
		IsStreaming: true,
	}
	return t.current.clone()
}

// Streaming reports whether an assistant message is in progress.
func (t *MessageTranscript) Streaming() bool {
	return t.current != nil
}

// ApplyToken extends the in-progress assistant message, opening one if needed.
// The token joins the trailing text segment or starts a new one after a tool segment.
func (t *MessageTranscript) ApplyToken(text string) {
	if t.current == nil {
		t.BeginAssistantMessage()
	}
	msg := t.current
	msg.Content += text
	if n := len(msg.Segments); n > 0 && msg.Segments[n-1].Kind == SegmentText {
		msg.Segments[n-1].Text += text
		return
	}
	msg.Segments = append(msg.Segments, Segment{Kind: SegmentText, ID: t.newID(), Text: text})
}

// ApplyToolEvent makes sure a segment references callID.
//
// The segment goes to the in-progress assistant message when there is one;
// otherwise to the most recent assistant message that has any segments, so tool
// updates arriving after the token stream ended still land with their message.
// With no assistant message at all a new in-progress one is opened.
func (t *MessageTranscript) ApplyToolEvent(callID string) {
	target := t.current
	if target == nil {
		for i := len(t.messages) - 1; i >= 0; i-- {
			if t.messages[i].Role == RoleAssistant && len(t.messages[i].Segments) > 0 {
				target = &t.messages[i]
				break
			}
		}
	}
	if target == nil {
		t.BeginAssistantMessage()
		target = t.current
	}
	for _, seg := range target.Segments {
		if seg.Kind == SegmentTool && seg.ID == callID {
			return
		}
	}
	target.Segments = append(target.Segments, Segment{Kind: SegmentTool, ID: callID})
}

// FinalizeCurrentMessage closes the in-progress message and appends it.
// Messages with no content at all are discarded rather than appended.
func (t *MessageTranscript) FinalizeCurrentMessage() (Message, bool) {
	if t.current == nil {
		return Message{}, false
	}
	msg := *t.current
	t.current = nil
	msg.IsStreaming = false
	if len(msg.Segments) == 0 {
		return Message{}, false
	}
	t.messages = append(t.messages, msg)
	return msg.clone(), true
}

// DiscardMessage removes the finalized message with the given id.
// It is only used to drop a partial reply before its turn is resent.
func (t *MessageTranscript) DiscardMessage(id string) bool {
	for i, m := range t.messages {
		if m.ID == id {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Current returns a copy of the in-progress message.
func (t *MessageTranscript) Current() (Message, bool) {
	if t.current == nil {
		return Message{}, false
	}
	return t.current.clone(), true
}

// Messages returns copies of all finalized messages followed by the in-progress one.
func (t *MessageTranscript) Messages() []Message {
	out := make([]Message, 0, len(t.messages)+1)
	for _, m := range t.messages {
		out = append(out, m.clone())
	}
	if t.current != nil {
		out = append(out, t.current.clone())
	}
	return out
}

// Len returns the number of finalized messages.
func (t *MessageTranscript) Len() int {
	return len(t.messages)
}

// History returns the finalized user and assistant messages as wire history.
func (t *MessageTranscript) History() []WireMessage {
	history := make([]WireMessage, 0, len(t.messages))
	for _, m := range t.messages {
		if m.Role == RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, WireMessage{Role: m.Role, Content: m.Content})
	}
	return history
}

// Seed replaces an empty transcript with previously loaded history.
func (t *MessageTranscript) Seed(history []WireMessage) {
	for _, h := range history {
		switch h.Role {
		case RoleUser, RoleAssistant, RoleSystem:
			t.appendFinal(h.Role, h.Content)
		}
	}
}

// Clone returns an independent copy of the transcript.
func (t *MessageTranscript) Clone() *MessageTranscript {
	out := &MessageTranscript{newID: t.newID, now: t.now}
	for _, m := range t.messages {
		out.messages = append(out.messages, m.clone())
	}
	if t.current != nil {
		cur := t.current.clone()
		out.current = &cur
	}
	return out
}
