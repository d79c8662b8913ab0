/*
Package core provides the streaming exchange for the OpsChat conversation engine.

This file implements StreamSession, which owns exactly one request/response
exchange with the backend: either a new conversation turn or an approval
decision. The session reads the server-sent event body on its own goroutine,
decodes frames through the Codec and forwards every event in arrival order.

Terminal guarantees:
- Exactly one of OnComplete or OnError fires per session
- A terminal frame (completed, workflow_complete, error) fires it immediately
- A clean close without a terminal frame counts as an implicit completion
- A read failure mid-stream is reported as a transport error
- A stream that stays silent for longer than the request timeout is closed
  and reported as a transport error; every frame, heartbeats included,
  restarts the idle clock
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionKind distinguishes the two exchange types.
type SessionKind string

const (
	SessionTurn     SessionKind = "turn"
	SessionApproval SessionKind = "approval"
)

// CompletionInfo describes how a session completed.
type CompletionInfo struct {
	Implicit  bool // stream closed without a terminal frame
	Cancelled bool // stream was closed by Cancel
}

// StreamHandlers receive the output of a session. Calls are made from the
// session goroutine in order: every OnEvent precedes the single terminal call
// it caused, and later OnEvent calls may follow for late frames.
type StreamHandlers struct {
	OnEvent    func(sessionID string, ev Event)
	OnComplete func(sessionID string, info CompletionInfo)
	OnError    func(sessionID string, err error)
}

// StreamSession owns one streaming exchange.
type StreamSession struct {
	ID     string
	Kind   SessionKind
	CallID string // set for approval sessions

	conversationID string
	turn           TurnRequest
	approval       ApprovalRequest

	transport  Transport
	codec      *Codec
	handlers   StreamHandlers
	logger     *logrus.Entry
	timeout    time.Duration
	cancelWait time.Duration

	mu        sync.Mutex
	runID     string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	terminal  sync.Once
	done      chan struct{}
}

// SessionOptions carries the shared dependencies of new sessions.
type SessionOptions struct {
	Transport      Transport
	Codec          *Codec
	Handlers       StreamHandlers
	Logger         *logrus.Entry
	RequestTimeout time.Duration
}

// NewTurnSession creates a session that starts a new conversation turn.
//
// Parameters:
//   - req: Conversation id and history to send
//   - opts: Transport, codec, handlers, logger and idle timeout
//
// Returns:
//   - *StreamSession: Session that does nothing until Start
func NewTurnSession(req TurnRequest, opts SessionOptions) *StreamSession {
	s := newSession(SessionTurn, req.ConversationID, opts)
	s.turn = req
	return s
}

// NewApprovalSession creates a session that submits one approval decision.
func NewApprovalSession(req ApprovalRequest, opts SessionOptions) *StreamSession {
	s := newSession(SessionApproval, req.ConversationID, opts)
	s.CallID = req.CallID
	s.approval = req
	s.logger = s.logger.WithField("callId", req.CallID)
	return s
}

func newSession(kind SessionKind, conversationID string, opts SessionOptions) *StreamSession {
	id := uuid.NewString()
	return &StreamSession{
		ID:             id,
		Kind:           kind,
		conversationID: conversationID,
		transport:      opts.Transport,
		codec:          opts.Codec,
		handlers:       opts.Handlers,
		timeout:        opts.RequestTimeout,
		cancelWait:     10 * time.Second,
		logger: opts.Logger.WithFields(logrus.Fields{
			"sessionId":   id,
			"sessionKind": kind,
		}),
		done: make(chan struct{}),
	}
}

// RunID returns the backend run id once the ready frame arrived.
func (s *StreamSession) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Done is closed when the session goroutine exits.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// errStreamIdle is the cancel cause when no frame arrived within the timeout.
var errStreamIdle = errors.New("stream idle timeout")

// Start opens the exchange and begins reading on a new goroutine.
//
// Parameters:
//   - parent: Context whose cancellation also closes the stream
//
// The request timeout bounds the silence between frames, not the length of
// the whole exchange.
func (s *StreamSession) Start(parent context.Context) {
	ctx, cancelCause := context.WithCancelCause(parent)
	cancel := func() { cancelCause(context.Canceled) }
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, cancelCause)
}

func (s *StreamSession) run(ctx context.Context, cancel context.CancelCauseFunc) {
	defer close(s.done)
	defer cancel(context.Canceled)

	resetIdle := func() {}
	if s.timeout > 0 {
		idle := time.AfterFunc(s.timeout, func() { cancel(errStreamIdle) })
		defer idle.Stop()
		resetIdle = func() { idle.Reset(s.timeout) }
	}

	startTime := time.Now()
	s.logger.Info("Opening stream")

	var (
		body io.ReadCloser
		err  error
	)
	switch s.Kind {
	case SessionApproval:
		body, err = s.transport.SubmitApproval(ctx, s.approval)
	default:
		body, err = s.transport.StartTurn(ctx, s.turn)
	}
	if err != nil {
		if s.cancelled.Load() {
			s.complete(CompletionInfo{Cancelled: true})
			return
		}
		if errors.Is(context.Cause(ctx), errStreamIdle) {
			err = fmt.Errorf("no response within %s: %w", s.timeout, err)
		}
		s.logger.WithError(err).Error("Failed to open stream")
		kind := ErrorTransport
		if s.Kind == SessionApproval {
			kind = ErrorApproval
		}
		s.fail(newConversationError(kind, s.CallID, err))
		return
	}
	defer body.Close()

	// Readers that ignore context (pipes, some proxies) still unblock on cancel
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	decoder := NewSSEDecoder(body)
	frames := 0
	for {
		payload, readErr := decoder.Next()
		if readErr != nil {
			if errors.Is(context.Cause(ctx), errStreamIdle) {
				readErr = fmt.Errorf("no frame for %s: %w", s.timeout, errStreamIdle)
			}
			s.finish(readErr, frames, time.Since(startTime))
			return
		}
		resetIdle()
		ev, ok := s.codec.Decode(payload)
		if !ok {
			continue
		}
		frames++
		if ready, isReady := ev.(ReadyEvent); isReady {
			s.mu.Lock()
			s.runID = ready.RunID
			s.mu.Unlock()
			s.logger.WithField("runId", ready.RunID).Debug("Run started")
		}
		if s.cancelled.Load() {
			continue
		}
		s.handlers.OnEvent(s.ID, ev)

		switch e := ev.(type) {
		case CompletedEvent, WorkflowCompleteEvent:
			s.complete(CompletionInfo{})
		case ErrorEvent:
			s.fail(newConversationError(ErrorBackend, s.CallID, errors.New(e.Message)))
		}
	}
}

// finish reports the end of the byte stream.
func (s *StreamSession) finish(readErr error, frames int, elapsed time.Duration) {
	fields := logrus.Fields{"frames": frames, "elapsed": elapsed}
	switch {
	case s.cancelled.Load():
		s.logger.WithFields(fields).Info("Stream closed after cancel")
		s.complete(CompletionInfo{Cancelled: true})
	case errors.Is(readErr, io.EOF):
		s.logger.WithFields(fields).Info("Stream closed")
		s.complete(CompletionInfo{Implicit: true})
	default:
		s.logger.WithError(readErr).WithFields(fields).Warn("Stream failed mid-flight")
		s.fail(newConversationError(ErrorTransport, s.CallID, fmt.Errorf("stream interrupted: %w", readErr)))
	}
}

func (s *StreamSession) complete(info CompletionInfo) {
	s.terminal.Do(func() {
		if info.Implicit {
			s.logger.Warn("Stream ended without a terminal frame; treating as completed")
		}
		s.handlers.OnComplete(s.ID, info)
	})
}

func (s *StreamSession) fail(err error) {
	s.terminal.Do(func() {
		s.handlers.OnError(s.ID, err)
	})
}

// Cancel closes the stream and asks the backend to stop the run.
// The stop request is sent in the background and only when a run id is known.
func (s *StreamSession) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	runID := s.runID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if runID == "" {
		s.logger.Info("Stream cancelled before a run id was assigned")
		return
	}
	logger := s.logger.WithField("runId", runID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cancelWait)
		defer cancel()
		req := CancelRequest{ConversationID: s.conversationID, RunID: runID}
		if err := s.transport.CancelRun(ctx, req); err != nil {
			logger.WithError(err).Warn("Failed to notify backend of cancellation")
			return
		}
		logger.Info("Backend notified of cancellation")
	}()
}

// Cancelled reports whether Cancel was called.
func (s *StreamSession) Cancelled() bool {
	return s.cancelled.Load()
}
