package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// SubmitMessageRequest is the body of POST /messages.
type SubmitMessageRequest struct {
	Content string `json:"content"`
}

// ApprovalDecisionRequest is the body of POST /tools/:callId/approval.
type ApprovalDecisionRequest struct {
	Approve *bool  `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// BulkDecisionRequest is the body of POST /tools/bulk.
type BulkDecisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// SwitchConversationRequest is the body of POST /conversation.
type SwitchConversationRequest struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []WireMessage `json:"messages,omitempty"`
}

// Server exposes the conversation controller to an external renderer.
type Server struct {
	controller *ConversationController
	cache      *TranscriptCache
	config     *Config
	logger     *logrus.Logger
	started    time.Time
}

// NewServer creates the bridge API over controller.
//
// Parameters:
//   - controller: Running conversation controller
//   - cache: Parked conversations, reported on /status; may be nil
//   - config: Application configuration
//   - logger: Logger instance for request logging
//
// Returns:
//   - *Server: Server ready for RegisterRoutes
func NewServer(controller *ConversationController, cache *TranscriptCache, config *Config, logger *logrus.Logger) *Server {
	return &Server{
		controller: controller,
		cache:      cache,
		config:     config,
		logger:     logger,
		started:    time.Now(),
	}
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	requestID := c.Request().Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrNoConversation):
		return http.StatusBadRequest
	case errors.Is(err, ErrQueuedMessageNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrConversationNotCached):
		return http.StatusNotFound
	case errors.Is(err, ErrStreamActive), errors.Is(err, ErrBulkInProgress),
		errors.Is(err, ErrNotApprovable), errors.Is(err, ErrNothingToApprove),
		errors.Is(err, ErrNothingToRetry), errors.Is(err, ErrNothingToCancel):
		return http.StatusConflict
	case errors.Is(err, ErrControllerStopped), errors.Is(err, ErrNoSocket):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c echo.Context, logger *logrus.Entry, err error) error {
	status := statusFor(err)
	entry := logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (s *Server) handleGetState(c echo.Context) error {
	logger := s.requestLogger(c, "/state")
	snap, err := s.controller.Snapshot()
	if err != nil {
		return s.fail(c, logger, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// handleStateStream pushes every new snapshot as a server-sent event until the
// client goes away or the controller stops.
func (s *Server) handleStateStream(c echo.Context) error {
	logger := s.requestLogger(c, "/state/stream")

	updates, unsubscribe, err := s.controller.Subscribe()
	if err != nil {
		return s.fail(c, logger, err)
	}
	defer unsubscribe()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	c.Response().WriteHeader(http.StatusOK)

	logger.Info("State stream opened")
	sent := 0
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			logger.WithField("snapshots", sent).Info("State stream closed by client")
			return nil
		case snap, ok := <-updates:
			if !ok {
				logger.WithField("snapshots", sent).Info("State stream ended")
				return nil
			}
			if err := s.sendStreamMessage(c, snap); err != nil {
				logger.WithError(err).Debug("State stream write failed")
				return nil
			}
			sent++
		}
	}
}

func (s *Server) sendStreamMessage(c echo.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func (s *Server) handleSubmitMessage(c echo.Context) error {
	logger := s.requestLogger(c, "/messages")

	var req SubmitMessageRequest
	if err := c.Bind(&req); err != nil {
		logger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	logger.WithFields(logrus.Fields{
		"messageLength": len(req.Content),
		"message":       truncate(req.Content, s.config.LogTruncateLength),
	}).Debug("Submit request details")

	result, err := s.controller.Submit(req.Content)
	if err != nil {
		return s.fail(c, logger, err)
	}
	logger.WithFields(logrus.Fields{
		"queued":    result.Queued,
		"sessionId": result.SessionID,
	}).Info("Message accepted")

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	return c.JSON(status, result)
}

func (s *Server) handleCancel(c echo.Context) error {
	logger := s.requestLogger(c, "/cancel")
	if err := s.controller.Cancel(); err != nil {
		return s.fail(c, logger, err)
	}
	logger.Info("Active stream cancelled")
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": true})
}

func (s *Server) handleRetry(c echo.Context) error {
	logger := s.requestLogger(c, "/retry")
	result, err := s.controller.Retry()
	if err != nil {
		return s.fail(c, logger, err)
	}
	logger.WithField("sessionId", result.SessionID).Info("Failed turn retried")
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleApproval(c echo.Context) error {
	callID := c.Param("callId")
	logger := s.requestLogger(c, "/tools/:callId/approval").WithField("callId", callID)

	var req ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil || req.Approve == nil {
		logger.Warn("Approval request without a decision")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "approve must be true or false"})
	}

	if err := s.controller.Approve(callID, *req.Approve, req.Reason); err != nil {
		return s.fail(c, logger, err)
	}
	logger.WithField("approve", *req.Approve).Info("Approval decision accepted")
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"call_id": callID,
		"approve": *req.Approve,
	})
}

func (s *Server) handleBulkDecision(c echo.Context) error {
	logger := s.requestLogger(c, "/tools/bulk")

	var req BulkDecisionRequest
	if err := c.Bind(&req); err != nil {
		logger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	decision, err := ParseBulkDecision(req.Decision)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	progress, err := s.controller.BulkDecide(decision, req.Reason)
	if err != nil {
		return s.fail(c, logger, err)
	}
	logger.WithFields(logrus.Fields{
		"decision": decision,
		"total":    progress.Total,
	}).Info("Bulk decision started")
	return c.JSON(http.StatusAccepted, progress)
}

func (s *Server) handlePromoteQueued(c echo.Context) error {
	id := c.Param("id")
	logger := s.requestLogger(c, "/queue/:id/promote").WithField("queuedId", id)
	result, err := s.controller.PromoteQueued(id)
	if err != nil {
		return s.fail(c, logger, err)
	}
	logger.Info("Queued message promoted")
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleRemoveQueued(c echo.Context) error {
	id := c.Param("id")
	logger := s.requestLogger(c, "/queue/:id").WithField("queuedId", id)
	if err := s.controller.RemoveQueued(id); err != nil {
		return s.fail(c, logger, err)
	}
	logger.Info("Queued message removed")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelSession(c echo.Context) error {
	id := c.Param("id")
	logger := s.requestLogger(c, "/sessions/:id/cancel").WithField("sessionId", id)
	if err := s.controller.CancelSession(id); err != nil {
		return s.fail(c, logger, err)
	}
	logger.Info("Session cancelled")
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": true, "sessionId": id})
}

// handleDiscardConversation forgets a parked conversation so switching back
// to it starts from the supplied history instead.
func (s *Server) handleDiscardConversation(c echo.Context) error {
	id := c.Param("id")
	logger := s.requestLogger(c, "/conversation/:id").WithField("conversationId", id)
	if s.cache == nil || !s.cache.Delete(id) {
		return s.fail(c, logger, ErrConversationNotCached)
	}
	logger.Info("Parked conversation discarded")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSwitchConversation(c echo.Context) error {
	logger := s.requestLogger(c, "/conversation")

	var req SwitchConversationRequest
	if err := c.Bind(&req); err != nil {
		logger.WithError(err).Error("Failed to parse request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := s.controller.SwitchConversation(req.ConversationID, req.Messages); err != nil {
		return s.fail(c, logger, err)
	}
	logger.WithFields(logrus.Fields{
		"conversationId": req.ConversationID,
		"history":        len(req.Messages),
	}).Info("Conversation switched")
	return c.JSON(http.StatusOK, map[string]string{"conversation_id": req.ConversationID})
}

func (s *Server) handleReconnect(c echo.Context) error {
	logger := s.requestLogger(c, "/reconnect")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()
	if err := s.controller.Reconnect(ctx); err != nil {
		if errors.Is(err, ErrNoSocket) {
			return s.fail(c, logger, err)
		}
		// The manager keeps retrying in the background after a failed attempt
		logger.WithError(err).Warn("Reconnect attempt failed")
		return c.JSON(http.StatusAccepted, map[string]string{"error": err.Error()})
	}
	logger.Info("Socket reconnected")
	return c.JSON(http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleStatus(c echo.Context) error {
	logger := s.requestLogger(c, "/status")
	logger.Debug("Health check requested")

	sessions := s.controller.Sessions()
	response := map[string]interface{}{
		"status":         "healthy",
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"sessions":       sessions,
		"sessionCount":   len(sessions),
		"backendUrl":     s.config.BackendURL,
		"socketUrl":      s.config.SocketURL,
		"controllerDown": false,
	}
	if s.cache != nil {
		response["cache"] = s.cache.Stats()
	}
	if snap, err := s.controller.Snapshot(); err == nil {
		response["conversationId"] = snap.ConversationID
		response["connection"] = snap.Connection
	} else {
		response["status"] = "degraded"
		response["controllerDown"] = true
	}
	return c.JSON(http.StatusOK, response)
}

// RegisterRoutes registers all HTTP routes for the server
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")

	e.GET("/state", s.handleGetState)
	e.GET("/state/stream", s.handleStateStream)
	e.GET("/status", s.handleStatus)

	e.POST("/messages", s.handleSubmitMessage)
	e.POST("/cancel", s.handleCancel)
	e.POST("/sessions/:id/cancel", s.handleCancelSession)
	e.POST("/retry", s.handleRetry)

	e.POST("/tools/bulk", s.handleBulkDecision)
	e.POST("/tools/:callId/approval", s.handleApproval)

	e.POST("/queue/:id/promote", s.handlePromoteQueued)
	e.DELETE("/queue/:id", s.handleRemoveQueued)

	e.POST("/conversation", s.handleSwitchConversation)
	e.DELETE("/conversation/:id", s.handleDiscardConversation)
	e.POST("/reconnect", s.handleReconnect)

	s.logger.Info("Routes registered successfully")
}
