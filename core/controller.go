/*
Package core provides the conversation orchestrator for the OpsChat conversation engine.

This file implements the ConversationController, the only component that
decides when streams start and stop. All conversation state is owned by a
single loop goroutine: user actions, stream frames, stream terminations and
socket events are posted into one inbox and applied in arrival order, so the
reducer never needs locks and ordering-by-arrival is authoritative.

Rules enforced here:
- At most one stream session is active per conversation
- Messages submitted while busy are queued and drained FIFO, one at a time
- Cancel finalizes the in-progress message and clears any bulk approval
- Every session failure finalizes in-flight state before the error is shown
*/
package core

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const inboxSize = 256

// SocketBinder is the part of the socket connection the controller drives.
type SocketBinder interface {
	Bind(conversationID string)
	Reconnect(ctx context.Context) error
	Status() ConnectionStatus
}

// ControllerOptions wires a controller to its collaborators.
type ControllerOptions struct {
	ConversationID string
	History        []WireMessage // Previously loaded history for ConversationID
	Transport      Transport
	Socket         SocketBinder // Optional; nil runs without out-of-band events
	Cache          *TranscriptCache
	Tracker        *SessionTracker
	Codec          *Codec
	Logger         *logrus.Logger
	RequestTimeout time.Duration
}

// SubmitResult tells the caller what happened to a submitted message.
type SubmitResult struct {
	Queued    bool   `json:"queued"`
	QueuedID  string `json:"queued_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Snapshot is the observable conversation state handed to renderers.
type Snapshot struct {
	Version          uint64           `json:"version"`
	ConversationID   string           `json:"conversation_id"`
	Messages         []Message        `json:"messages"`
	Streaming        bool             `json:"streaming"`
	ActiveSession    string           `json:"active_session,omitempty"`
	RunID            string           `json:"run_id,omitempty"`
	Queue            []QueuedMessage  `json:"queue"`
	Tools            []ToolExecution  `json:"tools"`
	Approvable       []ToolExecution  `json:"approvable_tools"`
	ApprovalsEnabled bool             `json:"approvals_enabled"`
	Bulk             *BulkProgress    `json:"bulk,omitempty"`
	Connection       ConnectionStatus `json:"connection"`
	Agent            *AgentStatus     `json:"agent,omitempty"`
	LastUsage        TokenUsage       `json:"last_usage"`
	TotalUsage       TokenUsage       `json:"total_usage"`
	TTFTMillis       int64            `json:"ttft_ms,omitempty"`
	WorkflowStatus   string           `json:"workflow_status,omitempty"`
	LastError        *ErrorView       `json:"last_error,omitempty"`
	CanRetry         bool             `json:"can_retry"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type sessionRecord struct {
	session    *StreamSession
	generation uint64
	turnText   string
	cancelled  bool
}

// ConversationController orchestrates one bound conversation.
type ConversationController struct {
	baseLogger *logrus.Logger
	logger     *logrus.Entry
	transport  Transport
	socket     SocketBinder
	codec      *Codec
	cache      *TranscriptCache
	tracker    *SessionTracker
	timeout    time.Duration

	inbox   chan func()
	stopped chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	loopCtx        context.Context
	state          *State
	queue          *OutboundQueue
	bulk           *ApprovalCoordinator
	active         *StreamSession
	sessions       map[string]*sessionRecord
	generation     uint64
	lastFailedTurn string
	failedReplyID  string
	version        uint64
	updatedAt      time.Time
	subscribers    map[int]chan Snapshot
	nextSubscriber int
}

// NewConversationController creates a controller. Call Run to start its loop.
//
// Parameters:
//   - opts: Transport, optional socket and cache, initial conversation and
//     history, and the logger
//
// Returns:
//   - *ConversationController: Controller whose loop is not yet running
func NewConversationController(opts ControllerOptions) *ConversationController {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewSessionTracker()
	}
	codec := opts.Codec
	if codec == nil {
		codec = NewCodec(opts.Logger.WithField("component", "codec"), 500)
	}

	state := NewState(opts.ConversationID)
	state.Transcript.Seed(opts.History)
	if opts.Socket != nil {
		state.Connection = opts.Socket.Status()
	}

	return &ConversationController{
		baseLogger:  opts.Logger,
		logger:      opts.Logger.WithField("component", "controller"),
		transport:   opts.Transport,
		socket:      opts.Socket,
		codec:       codec,
		cache:       opts.Cache,
		tracker:     tracker,
		timeout:     opts.RequestTimeout,
		inbox:       make(chan func(), inboxSize),
		stopped:     make(chan struct{}),
		loopCtx:     context.Background(),
		state:       state,
		queue:       NewOutboundQueue(),
		bulk:        NewApprovalCoordinator(),
		sessions:    make(map[string]*sessionRecord),
		updatedAt:   time.Now(),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Run processes the inbox until ctx is done. In-flight sessions are cancelled
// on the way out.
func (c *ConversationController) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("conversation controller already running")
	}
	c.loopCtx = ctx
	c.log().Info("Conversation controller started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
		}
	}
}

// Stopped is closed once the loop has exited.
func (c *ConversationController) Stopped() <-chan struct{} {
	return c.stopped
}

func (c *ConversationController) shutdown() {
	cancelled := c.tracker.CancelAll()
	c.active = nil
	close(c.stopped)
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.log().WithField("cancelledSessions", cancelled).Info("Conversation controller stopped")
}

// post hands fn to the loop without waiting for it to run.
func (c *ConversationController) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.stopped:
	}
}

// do runs fn on the loop and waits for it.
func (c *ConversationController) do(fn func()) error {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { defer close(done); fn() }:
	case <-c.stopped:
		return ErrControllerStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrControllerStopped
		}
	}
}

func (c *ConversationController) log() *logrus.Entry {
	return c.logger.WithField("conversationId", c.state.ConversationID)
}

// Submit sends content as a new turn, or queues it while a stream is active.
//
// Parameters:
//   - content: User message text; blank content is rejected
//
// Returns:
//   - SubmitResult: The started session id, or the queued message id
//   - error: ErrEmptyMessage, or ErrControllerStopped once the loop exited
func (c *ConversationController) Submit(content string) (SubmitResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return SubmitResult{}, ErrEmptyMessage
	}
	var result SubmitResult
	err := c.do(func() { result = c.submit(content) })
	return result, err
}

func (c *ConversationController) submit(content string) SubmitResult {
	defer c.publish()

	if c.active != nil || c.queue.Len() > 0 {
		item := c.queue.Enqueue(content)
		c.log().WithFields(logrus.Fields{
			"queuedId": item.ID,
			"queued":   c.queue.Len(),
		}).Info("Stream busy; message queued")
		c.drainQueue()
		return SubmitResult{Queued: true, QueuedID: item.ID}
	}
	sess := c.startTurn(content, true)
	return SubmitResult{SessionID: sess.ID}
}

// Cancel stops the active stream and finalizes the in-progress message.
// Queued messages stay queued.
func (c *ConversationController) Cancel() error {
	var err error
	if doErr := c.do(func() {
		err = c.cancelActive()
		c.publish()
	}); doErr != nil {
		return doErr
	}
	return err
}

func (c *ConversationController) cancelActive() error {
	sess := c.active
	if sess == nil {
		return ErrNothingToCancel
	}
	if rec, ok := c.sessions[sess.ID]; ok {
		rec.cancelled = true
	}
	sess.Cancel()
	c.state.Transcript.FinalizeCurrentMessage()
	if c.bulk.Active() {
		c.bulk.Clear()
	}
	c.active = nil

	c.log().WithFields(logrus.Fields{
		"sessionId":   sess.ID,
		"sessionKind": sess.Kind,
		"runId":       sess.RunID(),
	}).Info("Stream cancelled")
	return nil
}

// CancelSession cancels one in-flight session by id.
//
// Parameters:
//   - sessionID: Session to cancel; the active one or one still unwinding
//
// Returns:
//   - error: ErrSessionNotFound when no such session is in flight
//
// Cancelling the active session behaves like Cancel. Any other session is
// already detached from the transcript and is only stopped.
func (c *ConversationController) CancelSession(sessionID string) error {
	var err error
	if doErr := c.do(func() {
		if c.active != nil && c.active.ID == sessionID {
			err = c.cancelActive()
			c.publish()
			return
		}
		if rec, ok := c.sessions[sessionID]; ok {
			rec.cancelled = true
		}
		if !c.tracker.Cancel(sessionID) {
			err = ErrSessionNotFound
			return
		}
		c.log().WithField("sessionId", sessionID).Info("Detached stream cancelled")
	}); doErr != nil {
		return doErr
	}
	return err
}

// Retry resends the turn whose stream failed with a transport error.
// The partial reply of the failed attempt is dropped first, so the backend
// receives the same history as the first time.
//
// Returns:
//   - SubmitResult: The new session id
//   - error: ErrNothingToRetry without a failed turn, ErrStreamActive while streaming
func (c *ConversationController) Retry() (SubmitResult, error) {
	var (
		result SubmitResult
		err    error
	)
	if doErr := c.do(func() {
		if c.active != nil {
			err = ErrStreamActive
			return
		}
		if c.lastFailedTurn == "" {
			err = ErrNothingToRetry
			return
		}
		if c.failedReplyID != "" {
			c.state.Transcript.DiscardMessage(c.failedReplyID)
		}
		c.log().WithField("discardedReplyId", c.failedReplyID).Info("Retrying failed turn")
		sess := c.startTurn(c.lastFailedTurn, false)
		result = SubmitResult{SessionID: sess.ID}
		c.publish()
	}); doErr != nil {
		return SubmitResult{}, doErr
	}
	return result, err
}

// Approve submits one approve or deny decision for callID.
//
// Parameters:
//   - callID: Tool call awaiting approval
//   - approve: true to approve, false to deny
//   - reason: Optional note forwarded to the backend
//
// Returns:
//   - error: ErrStreamActive, ErrBulkInProgress, ErrNotApprovable or ErrNoConversation
func (c *ConversationController) Approve(callID string, approve bool, reason string) error {
	var err error
	if doErr := c.do(func() {
		if c.active != nil {
			err = ErrStreamActive
			return
		}
		if c.bulk.Active() {
			err = ErrBulkInProgress
			return
		}
		err = c.startApproval(callID, approve, reason)
		c.publish()
	}); doErr != nil {
		return doErr
	}
	return err
}

// BulkDecide applies decision to every approvable tool call, one at a time
// in insertion order.
//
// Parameters:
//   - decision: Approve or deny, applied to every call
//   - reason: Optional note forwarded with each decision
//
// Returns:
//   - *BulkProgress: Progress right after the first submission started
//   - error: ErrNothingToApprove, ErrStreamActive or ErrBulkInProgress
func (c *ConversationController) BulkDecide(decision BulkDecision, reason string) (*BulkProgress, error) {
	var (
		progress *BulkProgress
		err      error
	)
	if doErr := c.do(func() {
		progress, err = c.bulkDecide(decision, reason)
		c.publish()
	}); doErr != nil {
		return nil, doErr
	}
	return progress, err
}

func (c *ConversationController) bulkDecide(decision BulkDecision, reason string) (*BulkProgress, error) {
	if c.bulk.Active() {
		return nil, ErrBulkInProgress
	}
	if c.active != nil {
		return nil, ErrStreamActive
	}
	if c.state.ConversationID == "" {
		return nil, ErrNoConversation
	}
	approvable := c.state.Tools.Approvable()
	ids := make([]string, 0, len(approvable))
	for _, exec := range approvable {
		ids = append(ids, exec.CallID)
	}
	if err := c.bulk.Begin(decision, reason, ids); err != nil {
		return nil, err
	}
	c.log().WithFields(logrus.Fields{
		"decision": decision,
		"total":    len(ids),
	}).Info("Bulk approval started")

	c.advanceBulk()
	return c.bulk.Progress(), nil
}

// advanceBulk starts the approval session for the next call in the bulk snapshot.
func (c *ConversationController) advanceBulk() {
	for {
		callID, ok := c.bulk.Next()
		if !ok {
			if p := c.bulk.Progress(); p != nil && p.FailedCallID == "" {
				c.log().WithFields(logrus.Fields{
					"decision": p.Decision,
					"done":     p.Done,
					"total":    p.Total,
				}).Info("Bulk approval finished")
			}
			return
		}
		err := c.startApproval(callID, c.bulk.Decision() == BulkApprove, c.bulk.Reason())
		if err == nil {
			return
		}
		if errors.Is(err, ErrNotApprovable) {
			// Resolved elsewhere since the snapshot was taken.
			c.log().WithField("callId", callID).Info("Skipping tool call no longer awaiting approval")
			c.bulk.StepDone(callID)
			continue
		}
		c.bulk.Fail(callID, err)
		c.state.LastError = errorViewOf(newConversationError(ErrorApproval, callID, err))
		return
	}
}

func (c *ConversationController) startApproval(callID string, approve bool, reason string) error {
	if c.state.ConversationID == "" {
		return ErrNoConversation
	}
	if _, err := c.state.Tools.Decide(callID, approve); err != nil {
		return err
	}
	c.state.LastError = nil

	req := ApprovalRequest{
		CallID:         callID,
		Approve:        approve,
		Reason:         reason,
		ConversationID: c.state.ConversationID,
	}
	sess := NewApprovalSession(req, c.sessionOptions())
	c.launch(sess, "")

	c.log().WithFields(logrus.Fields{
		"callId":    callID,
		"approve":   approve,
		"sessionId": sess.ID,
	}).Info("Approval decision submitted")
	return nil
}

// PromoteQueued runs a queued message now, cancelling the active stream first.
//
// Parameters:
//   - id: Queued message id
//
// Returns:
//   - SubmitResult: The started session id
//   - error: ErrQueuedMessageNotFound for an unknown id
func (c *ConversationController) PromoteQueued(id string) (SubmitResult, error) {
	var (
		result SubmitResult
		err    error
	)
	if doErr := c.do(func() {
		var item QueuedMessage
		item, err = c.queue.Promote(id)
		if err != nil {
			return
		}
		if c.active != nil {
			_ = c.cancelActive()
		}
		c.log().WithField("queuedId", id).Info("Promoting queued message")
		sess := c.startTurn(item.Content, true)
		result = SubmitResult{SessionID: sess.ID}
		c.publish()
	}); doErr != nil {
		return SubmitResult{}, doErr
	}
	return result, err
}

// RemoveQueued drops a queued message.
func (c *ConversationController) RemoveQueued(id string) error {
	var err error
	if doErr := c.do(func() {
		_, err = c.queue.Remove(id)
		if err == nil {
			c.publish()
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// SwitchConversation binds the controller to another conversation. The
// current one is parked in the cache unless it is empty; the target is
// restored from the cache or seeded from history.
//
// Parameters:
//   - conversationID: Conversation to bind; must not be empty
//   - history: Messages to seed with when the target is not parked
//
// Returns:
//   - error: ErrNoConversation for an empty id
func (c *ConversationController) SwitchConversation(conversationID string, history []WireMessage) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	var err error
	if doErr := c.do(func() {
		err = c.switchConversation(conversationID, history)
		c.publish()
	}); doErr != nil {
		return doErr
	}
	return err
}

func (c *ConversationController) switchConversation(conversationID string, history []WireMessage) error {
	if conversationID == c.state.ConversationID {
		return nil
	}
	if c.active != nil {
		_ = c.cancelActive()
	}
	c.bulk.Reset()

	previous := c.state
	if previous.ConversationID != "" && c.cache != nil {
		if previous.Transcript.Len() == 0 && c.queue.Len() == 0 {
			c.cache.Delete(previous.ConversationID)
		} else {
			c.cache.Put(previous.ConversationID, previous, c.queue.Items())
		}
	}

	var (
		next   *State
		queued []QueuedMessage
	)
	if cached, ok := c.takeCached(conversationID); ok {
		next = cached.State
		queued = cached.Queue
	} else {
		next = NewState(conversationID)
		next.Transcript.Seed(history)
	}
	next.Connection = previous.Connection
	next.Agent = nil

	c.state = next
	c.queue.Restore(queued)
	c.generation++
	c.lastFailedTurn = ""
	c.failedReplyID = ""

	if c.socket != nil {
		c.socket.Bind(conversationID)
	}
	c.logger.WithFields(logrus.Fields{
		"previousConversationId": previous.ConversationID,
		"conversationId":         conversationID,
		"messages":               next.Transcript.Len(),
	}).Info("Switched conversation")
	return nil
}

func (c *ConversationController) takeCached(conversationID string) (*CachedConversation, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Take(conversationID)
}

// Reconnect asks the socket to reconnect with a fresh attempt budget.
func (c *ConversationController) Reconnect(ctx context.Context) error {
	if c.socket == nil {
		return ErrNoSocket
	}
	return c.socket.Reconnect(ctx)
}

// HandleConnectionEvent feeds a socket event into the loop.
func (c *ConversationController) HandleConnectionEvent(ev ConnectionEvent) {
	c.post(func() { c.onConnectionEvent(ev) })
}

func (c *ConversationController) onConnectionEvent(ev ConnectionEvent) {
	c.state.ApplyConnection(ev.Status)

	switch ev.Name {
	case SocketAgentUpdate:
		if !c.state.ApplyAgentUpdate(ev.Agent) {
			c.log().WithField("updateConversationId", ev.Agent.ConversationID).Debug("Ignoring agent update for another conversation")
			return
		}
	case SocketError:
		c.log().WithError(ev.Err).Warn("Socket reported an error")
	}

	var ce *ConversationError
	if errors.As(ev.Err, &ce) && ce.Kind == ErrorConnectionExhausted {
		c.state.LastError = errorViewOf(ev.Err)
	} else if ev.Status.State == ConnConnected && c.state.LastError != nil && c.state.LastError.Kind == ErrorConnectionExhausted {
		c.state.LastError = nil
	}
	c.publish()
}

// Snapshot returns the current observable state.
func (c *ConversationController) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.do(func() { snap = c.snapshot() })
	return snap, err
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only ever see the most recent one. The returned func
// unsubscribes.
func (c *ConversationController) Subscribe() (<-chan Snapshot, func(), error) {
	ch := make(chan Snapshot, 1)
	var id int
	if err := c.do(func() {
		id = c.nextSubscriber
		c.nextSubscriber++
		c.subscribers[id] = ch
		ch <- c.snapshot()
	}); err != nil {
		return nil, func() {}, err
	}
	unsubscribe := func() {
		_ = c.do(func() {
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe, nil
}

// Sessions lists in-flight stream sessions.
func (c *ConversationController) Sessions() []SessionInfo {
	return c.tracker.Active()
}

func (c *ConversationController) snapshot() Snapshot {
	snap := Snapshot{
		Version:          c.version,
		ConversationID:   c.state.ConversationID,
		Messages:         c.state.Messages(),
		Streaming:        c.active != nil,
		RunID:            c.state.RunID,
		Queue:            c.queue.Items(),
		Tools:            c.state.Tools.All(),
		Approvable:       c.state.Tools.Approvable(),
		ApprovalsEnabled: c.active == nil && !c.bulk.Active(),
		Bulk:             c.bulk.Progress(),
		Connection:       c.state.Connection,
		LastUsage:        c.state.LastUsage,
		TotalUsage:       c.state.TotalUsage,
		TTFTMillis:       c.state.TTFT.Milliseconds(),
		WorkflowStatus:   c.state.WorkflowStatus,
		CanRetry:         c.active == nil && c.lastFailedTurn != "",
		UpdatedAt:        c.updatedAt,
	}
	if c.active != nil {
		snap.ActiveSession = c.active.ID
	}
	if agent := c.state.Agent; agent != nil && agent.ConversationID == c.state.ConversationID {
		held := *agent
		snap.Agent = &held
	}
	if c.state.LastError != nil {
		view := *c.state.LastError
		snap.LastError = &view
	}
	return snap
}

// publish pushes the latest snapshot to subscribers, replacing any unread one.
func (c *ConversationController) publish() {
	c.version++
	c.updatedAt = time.Now()
	if len(c.subscribers) == 0 {
		return
	}
	snap := c.snapshot()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (c *ConversationController) startTurn(content string, appendUser bool) *StreamSession {
	if appendUser {
		c.state.Transcript.AppendUserMessage(content)
	}
	c.state.Transcript.BeginAssistantMessage()
	c.state.LastError = nil
	c.state.WorkflowStatus = ""
	c.state.RunID = ""
	c.lastFailedTurn = ""
	c.failedReplyID = ""
	if !c.bulk.Active() {
		c.bulk.Reset()
	}

	req := TurnRequest{
		ConversationID: c.state.ConversationID,
		Messages:       c.state.Transcript.History(),
	}
	sess := NewTurnSession(req, c.sessionOptions())
	c.launch(sess, content)

	c.log().WithFields(logrus.Fields{
		"sessionId": sess.ID,
		"history":   len(req.Messages),
	}).Info("Turn started")
	return sess
}

// drainQueue starts a turn for the queue head when no stream is active.
func (c *ConversationController) drainQueue() {
	if c.active != nil {
		return
	}
	next, ok := c.queue.BeginDrain()
	if !ok {
		return
	}
	defer c.queue.EndDrain()

	c.log().WithFields(logrus.Fields{
		"queuedId":  next.ID,
		"remaining": c.queue.Len(),
	}).Info("Draining queued message")
	c.startTurn(next.Content, true)
}

func (c *ConversationController) launch(sess *StreamSession, turnText string) {
	c.sessions[sess.ID] = &sessionRecord{
		session:    sess,
		generation: c.generation,
		turnText:   turnText,
	}
	c.active = sess
	c.tracker.Add(sess)
	sess.Start(c.loopCtx)

	go func() {
		<-sess.Done()
		c.tracker.Remove(sess.ID)
		c.post(func() { delete(c.sessions, sess.ID) })
	}()
}

func (c *ConversationController) sessionOptions() SessionOptions {
	return SessionOptions{
		Transport:      c.transport,
		Codec:          c.codec,
		RequestTimeout: c.timeout,
		Logger: c.baseLogger.WithFields(logrus.Fields{
			"component":      "stream",
			"conversationId": c.state.ConversationID,
		}),
		Handlers: StreamHandlers{
			OnEvent: func(id string, ev Event) {
				c.post(func() { c.onStreamEvent(id, ev) })
			},
			OnComplete: func(id string, info CompletionInfo) {
				c.post(func() { c.onStreamComplete(id, info) })
			},
			OnError: func(id string, err error) {
				c.post(func() { c.onStreamError(id, err) })
			},
		},
	}
}

func (c *ConversationController) onStreamEvent(sessionID string, ev Event) {
	rec, ok := c.sessions[sessionID]
	if !ok || rec.cancelled || rec.generation != c.generation {
		return
	}
	active := c.active != nil && c.active.ID == sessionID
	out := c.state.Apply(ev, active)

	if out.AdoptedConversation != "" {
		c.log().Info("Conversation id assigned by backend")
		if c.socket != nil {
			c.socket.Bind(out.AdoptedConversation)
		}
	}
	c.publish()
}

func (c *ConversationController) onStreamComplete(sessionID string, info CompletionInfo) {
	rec, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	if rec.cancelled || c.active == nil || c.active.ID != sessionID {
		return
	}
	c.active = nil
	c.state.Transcript.FinalizeCurrentMessage()

	sess := rec.session
	c.log().WithFields(logrus.Fields{
		"sessionId":   sessionID,
		"sessionKind": sess.Kind,
		"implicit":    info.Implicit,
	}).Info("Stream completed")

	if sess.Kind == SessionApproval {
		c.bulk.StepDone(sess.CallID)
		if c.bulk.Active() {
			c.advanceBulk()
			if c.active != nil {
				c.publish()
				return
			}
		}
	}
	c.drainQueue()
	c.publish()
}

func (c *ConversationController) onStreamError(sessionID string, err error) {
	rec, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	if rec.cancelled || c.active == nil || c.active.ID != sessionID {
		c.log().WithError(err).WithField("sessionId", sessionID).Debug("Ignoring error from inactive stream")
		return
	}
	c.active = nil
	partial, hasPartial := c.state.Transcript.FinalizeCurrentMessage()

	kind := ErrorTransport
	message := err.Error()
	var ce *ConversationError
	if errors.As(err, &ce) {
		kind = ce.Kind
		message = ce.Err.Error()
	}

	sess := rec.session
	switch {
	case sess.Kind == SessionApproval && kind == ErrorApproval:
		c.state.Tools.RevertDecision(sess.CallID, message)
	case sess.Kind == SessionTurn && kind == ErrorTransport:
		c.lastFailedTurn = rec.turnText
		c.failedReplyID = ""
		if hasPartial {
			c.failedReplyID = partial.ID
		}
	}
	if sess.Kind == SessionApproval {
		c.bulk.Fail(sess.CallID, err)
	}
	c.state.LastError = errorViewOf(err)

	c.log().WithError(err).WithFields(logrus.Fields{
		"sessionId":   sessionID,
		"sessionKind": sess.Kind,
		"errorKind":   kind,
	}).Warn("Stream failed")
	c.publish()
}
