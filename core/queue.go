package core

import (
	"time"

	"github.com/google/uuid"
)

// OutboundQueue buffers user messages submitted while a stream is active.
// Items leave strictly FIFO through BeginDrain, one at a time.
type OutboundQueue struct {
	items    []QueuedMessage
	draining bool
	newID    func() string
	now      func() time.Time
}

// NewOutboundQueue creates an empty queue.
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// Enqueue appends content and returns the queued item.
func (q *OutboundQueue) Enqueue(content string) QueuedMessage {
	msg := QueuedMessage{ID: q.newID(), Content: content, Timestamp: q.now()}
	q.items = append(q.items, msg)
	return msg
}

// Items returns a copy of the queued items in order.
func (q *OutboundQueue) Items() []QueuedMessage {
	return append([]QueuedMessage{}, q.items...)
}

func (q *OutboundQueue) Len() int {
	return len(q.items)
}

// Remove deletes the queued item with id.
func (q *OutboundQueue) Remove(id string) (QueuedMessage, error) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, nil
		}
	}
	return QueuedMessage{}, ErrQueuedMessageNotFound
}

// Promote takes the item with id out of the queue so it can run immediately.
func (q *OutboundQueue) Promote(id string) (QueuedMessage, error) {
	return q.Remove(id)
}

// BeginDrain dequeues the head for a new turn. It reports false when the queue
// is empty or another drain has not ended yet.
func (q *OutboundQueue) BeginDrain() (QueuedMessage, bool) {
	if q.draining || len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	q.draining = true
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// EndDrain releases the drain guard once the dequeued item owns a stream.
func (q *OutboundQueue) EndDrain() {
	q.draining = false
}

func (q *OutboundQueue) Draining() bool {
	return q.draining
}

// Restore replaces the queue contents, used when switching back to a conversation.
func (q *OutboundQueue) Restore(items []QueuedMessage) {
	q.items = append([]QueuedMessage(nil), items...)
	q.draining = false
}
