/*
Package core provides in-memory conversation caching for the OpsChat conversation engine.

This file implements the TranscriptCache, which keeps the reconciled state of
conversations the user switched away from, so switching back restores the
transcript, tool calls and queued messages without a reload. Nothing here is
durable: entries expire after a maximum age and vanish with the process.

Key components:
- CachedConversation: the parked state of one conversation
- TranscriptCache: thread-safe storage with background expiry
*/
package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CachedConversation is the parked state of a conversation that is not bound.
type CachedConversation struct {
	State  *State          // Transcript, tools and usage at the time of the switch
	Queue  []QueuedMessage // Messages still waiting to be sent
	Parked time.Time       // When the conversation was parked, used for expiry
}

// TranscriptCache stores parked conversations keyed by conversation id.
type TranscriptCache struct {
	entries         map[string]*CachedConversation
	mutex           sync.RWMutex
	maxAge          time.Duration
	cleanupInterval time.Duration
	logger          *logrus.Entry
	now             func() time.Time
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewTranscriptCache creates a cache and starts its background cleanup.
//
// Parameters:
//   - maxAge: Duration after which a parked conversation is dropped
//   - cleanupInterval: How often to look for expired entries
//   - logger: Logger instance for operational monitoring
func NewTranscriptCache(maxAge time.Duration, cleanupInterval time.Duration, logger *logrus.Logger) *TranscriptCache {
	cache := &TranscriptCache{
		entries:         make(map[string]*CachedConversation),
		maxAge:          maxAge,
		cleanupInterval: cleanupInterval,
		logger:          logger.WithField("component", "transcript_cache"),
		now:             time.Now,
		stop:            make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go cache.cleanupLoop()
	}
	return cache
}

// Put parks a conversation. The state is cloned so later mutations of the
// live state do not leak into the cache.
func (c *TranscriptCache) Put(conversationID string, state *State, queue []QueuedMessage) {
	if conversationID == "" || state == nil {
		return
	}
	entry := &CachedConversation{
		State:  state.Clone(),
		Queue:  append([]QueuedMessage(nil), queue...),
		Parked: c.now(),
	}

	c.mutex.Lock()
	c.entries[conversationID] = entry
	c.mutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"conversationId": conversationID,
		"messages":       state.Transcript.Len(),
		"queued":         len(queue),
	}).Debug("Parked conversation")
}

// Take removes and returns the parked conversation for conversationID.
// Expired entries are treated as missing.
func (c *TranscriptCache) Take(conversationID string) (*CachedConversation, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[conversationID]
	if !exists {
		return nil, false
	}
	delete(c.entries, conversationID)
	if c.maxAge > 0 && c.now().Sub(entry.Parked) > c.maxAge {
		return nil, false
	}
	return entry, true
}

// Delete drops a parked conversation.
func (c *TranscriptCache) Delete(conversationID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, exists := c.entries[conversationID]
	delete(c.entries, conversationID)
	return exists
}

// Stats returns counts for status reporting.
func (c *TranscriptCache) Stats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	totalMessages := 0
	for _, entry := range c.entries {
		totalMessages += entry.State.Transcript.Len()
	}
	return map[string]interface{}{
		"parkedConversations": len(c.entries),
		"parkedMessages":      totalMessages,
	}
}

// Close stops the cleanup goroutine.
func (c *TranscriptCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TranscriptCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired drops every entry parked longer than maxAge.
func (c *TranscriptCache) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expired := 0
	for id, entry := range c.entries {
		if c.maxAge > 0 && now.Sub(entry.Parked) > c.maxAge {
			delete(c.entries, id)
			expired++
		}
	}

	if expired > 0 {
		c.logger.WithFields(logrus.Fields{
			"expiredConversations":   expired,
			"remainingConversations": len(c.entries),
			"cleanupInterval":        c.cleanupInterval,
		}).Info("Cleaned up expired conversations")
	}
	return expired
}
