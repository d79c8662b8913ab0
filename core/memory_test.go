package core

import (
	"testing"
	"time"
)

func TestTranscriptCacheTakeRemovesEntry(t *testing.T) {
	cache := NewTranscriptCache(time.Hour, 0, testLogger())
	defer cache.Close()

	state := NewState("conv-1")
	state.Transcript.AppendUserMessage("hello")
	cache.Put("conv-1", state, []QueuedMessage{{ID: "q1", Content: "later"}})
	cache.Put("", state, nil)

	// Mutations after parking must not reach the cache.
	state.Transcript.AppendUserMessage("after")

	if stats := cache.Stats(); stats["parkedConversations"] != 1 || stats["parkedMessages"] != 1 {
		t.Errorf("Stats() = %v", stats)
	}
	entry, ok := cache.Take("conv-1")
	if !ok {
		t.Fatal("Take() missed a parked conversation")
	}
	if entry.State.Transcript.Len() != 1 || len(entry.Queue) != 1 {
		t.Errorf("entry = %d messages, %d queued", entry.State.Transcript.Len(), len(entry.Queue))
	}
	if _, ok := cache.Take("conv-1"); ok {
		t.Error("Take() should remove the entry")
	}
}

func TestTranscriptCacheExpiry(t *testing.T) {
	cache := NewTranscriptCache(10*time.Minute, 0, testLogger())
	defer cache.Close()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Put("old", NewState("old"), nil)
	cache.Put("stale", NewState("stale"), nil)
	now = now.Add(8 * time.Minute)
	cache.Put("fresh", NewState("fresh"), nil)
	now = now.Add(5 * time.Minute)

	if _, ok := cache.Take("old"); ok {
		t.Error("expired entry should be treated as missing")
	}
	if n := cache.removeExpired(); n != 1 {
		t.Errorf("removeExpired() = %d, want 1", n)
	}
	if _, ok := cache.Take("fresh"); !ok {
		t.Error("fresh entry should survive cleanup")
	}
	if cache.Delete("stale") {
		t.Error("stale entry should already be gone")
	}
}
