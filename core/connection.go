/*
Package core provides socket connection management for the OpsChat conversation engine.

This file implements the ConnectionManager, which owns the long-lived
bidirectional socket used for out-of-band agent events. It is an explicitly
constructed instance (never a package global) with a Connect/Disconnect
lifecycle so it can be injected into the controller and replaced in tests.

The manager provides:
- Exponential backoff reconnect with jitter and a bounded attempt count
- Periodic ping/pong heartbeat with round-trip measurement
- Zombie detection: slow pongs or a silent socket force a reconnect
- Conversation binding that survives reconnects
*/
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// socketStateChanged marks events that only carry a new ConnectionStatus.
const socketStateChanged SocketEventName = "state_changed"

var errNotConnected = errors.New("socket not connected")

// ConnectionConfig tunes the socket lifecycle.
type ConnectionConfig struct {
	URL               string        // Socket endpoint, e.g. ws://localhost:8080/ws
	Backoff           Backoff       // Reconnect delay policy
	HeartbeatInterval time.Duration // Interval between pings
	PongLatencyLimit  time.Duration // Round trip above which the socket is treated as a zombie
	StaleTimeout      time.Duration // Silence while connected after which a reconnect is forced
	DialTimeout       time.Duration // Handshake timeout per attempt
}

// ConnectionEvent is delivered to the event handler for every socket event
// and every lifecycle change. Status is the manager state after the event.
type ConnectionEvent struct {
	Name   SocketEventName
	Status ConnectionStatus
	Agent  AgentStatus
	Err    error
}

// SocketConn is the subset of *websocket.Conn the manager relies on.
type SocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// SocketDialer opens socket connections.
type SocketDialer interface {
	Dial(ctx context.Context, url string) (SocketConn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewWebsocketDialer creates a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header: http.Header{},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (SocketConn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}
	return conn, nil
}

type timer interface {
	Stop() bool
}

type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

// ConnectionManager owns the socket connection lifecycle.
type ConnectionManager struct {
	cfg     ConnectionConfig
	dialer  SocketDialer
	clock   clock
	logger  *logrus.Entry
	handler func(ConnectionEvent)

	mu             sync.Mutex
	writeMu        sync.Mutex
	state          ConnectionState
	conn           SocketConn
	gen            uint64
	dialSeq        uint64
	attempt        int
	nextRetry      time.Duration
	rtt            time.Duration
	lastErr        string
	lastSeen       time.Time
	conversationID string
	userClosed     bool
	reconnectTimer timer
	heartbeatTimer timer
}

// NewConnectionManager creates a manager in the disconnected state.
//
// Parameters:
//   - cfg: Socket URL, backoff policy and heartbeat timing
//   - dialer: Opens socket connections; NewWebsocketDialer in production
//   - logger: Logger instance for lifecycle logging
//
// Returns:
//   - *ConnectionManager: Manager ready for SetEventHandler and Connect
func NewConnectionManager(cfg ConnectionConfig, dialer SocketDialer, logger *logrus.Logger) *ConnectionManager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		cfg:    cfg,
		dialer: dialer,
		clock:  realClock{},
		logger: logger.WithField("component", "connection"),
		state:  ConnDisconnected,
	}
}

// SetEventHandler registers the receiver of connection events.
// It must be set before Connect.
func (m *ConnectionManager) SetEventHandler(handler func(ConnectionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Status returns the current connection status.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *ConnectionManager) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		State:     m.state,
		Attempt:   m.attempt,
		NextRetry: m.nextRetry,
		RTT:       m.rtt,
		LastError: m.lastErr,
	}
}

// BoundConversation returns the conversation id the socket is bound to.
func (m *ConnectionManager) BoundConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Connect dials the socket. A failed first attempt is returned and also
// schedules background retries under the backoff policy.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == ConnConnected || m.state == ConnConnecting {
		m.mu.Unlock()
		return nil
	}
	m.userClosed = false
	m.attempt = 0
	m.stopReconnectLocked()
	m.mu.Unlock()

	return m.dial(ctx)
}

// Reconnect drops any current socket and dials again with a fresh attempt
// budget. It is the user-triggered way out of the reconnect_failed state.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.userClosed = false
	m.attempt = 0
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.state = ConnDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("User requested reconnect")
	return m.dial(ctx)
}

// Disconnect closes the socket without scheduling a reconnect.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	conn := m.conn
	convID := m.conversationID
	wasConnected := m.state == ConnConnected
	m.gen++
	m.conn = nil
	m.state = ConnDisconnected
	m.nextRetry = 0
	status := m.statusLocked()
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if wasConnected && convID != "" {
		m.writeMu.Lock()
		_ = writeEnvelope(conn, SocketLeaveConversation, conversationPayload{ConversationID: convID})
		m.writeMu.Unlock()
	}
	_ = conn.Close()
	m.logger.Info("Socket disconnected by user")
	m.emit(ConnectionEvent{Name: SocketDisconnect, Status: status})
}

// Bind scopes the socket to conversationID. The previous binding is released
// with leave_conversation before the new one is joined; the binding is
// re-joined automatically after every reconnect.
func (m *ConnectionManager) Bind(conversationID string) {
	m.mu.Lock()
	old := m.conversationID
	if old == conversationID {
		m.mu.Unlock()
		return
	}
	m.conversationID = conversationID
	connected := m.state == ConnConnected
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{
		"previousConversationId": old,
		"conversationId":         conversationID,
	})
	if !connected {
		logger.Debug("Binding recorded; will join on connect")
		return
	}
	if old != "" {
		if err := m.send(SocketLeaveConversation, conversationPayload{ConversationID: old}); err != nil {
			logger.WithError(err).Warn("Failed to leave previous conversation")
		}
	}
	if conversationID != "" {
		if err := m.send(SocketJoinConversation, conversationPayload{ConversationID: conversationID}); err != nil {
			logger.WithError(err).Warn("Failed to join conversation")
			return
		}
	}
	logger.Info("Socket rebound to conversation")
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.userClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = ConnConnecting
	m.nextRetry = 0
	m.dialSeq++
	seq := m.dialSeq
	attempt := m.attempt
	status := m.statusLocked()
	m.mu.Unlock()
	m.emit(ConnectionEvent{Name: socketStateChanged, Status: status})

	m.logger.WithFields(logrus.Fields{"url": m.cfg.URL, "attempt": attempt}).Info("Connecting socket")

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		if m.superseded(seq) {
			return err
		}
		m.onConnectError(err)
		return err
	}

	m.mu.Lock()
	if m.userClosed || seq != m.dialSeq {
		m.mu.Unlock()
		m.logger.WithField("attempt", attempt).Debug("Dropping superseded socket")
		_ = conn.Close()
		return nil
	}
	previous := m.conn
	m.stopHeartbeatLocked()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = ConnConnected
	m.attempt = 0
	m.lastErr = ""
	m.lastSeen = m.clock.Now()
	convID := m.conversationID
	status = m.statusLocked()
	m.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	if convID != "" {
		if err := m.send(SocketJoinConversation, conversationPayload{ConversationID: convID}); err != nil {
			m.logger.WithError(err).WithField("conversationId", convID).Warn("Failed to rejoin conversation")
		}
	}
	m.scheduleHeartbeat(gen)
	go m.readLoop(conn, gen)

	m.logger.WithField("conversationId", convID).Info("Socket connected")
	m.emit(ConnectionEvent{Name: SocketConnected, Status: status})
	return nil
}

// superseded reports whether a newer dial started after the one numbered seq.
func (m *ConnectionManager) superseded(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return seq != m.dialSeq
}

func (m *ConnectionManager) onConnectError(err error) {
	m.mu.Lock()
	m.state = ConnDisconnected
	m.lastErr = err.Error()
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.WithError(err).Warn("Socket connect failed")
	m.emit(ConnectionEvent{Name: SocketConnectError, Status: status, Err: err})
	m.scheduleReconnect()
}

// scheduleReconnect arms the next attempt or gives up once the cap is passed.
func (m *ConnectionManager) scheduleReconnect() {
	m.mu.Lock()
	if m.userClosed {
		m.mu.Unlock()
		return
	}
	m.attempt++
	if m.cfg.Backoff.Exhausted(m.attempt) {
		m.state = ConnFailed
		m.nextRetry = 0
		status := m.statusLocked()
		m.mu.Unlock()

		err := newConversationError(ErrorConnectionExhausted, "",
			fmt.Errorf("gave up after %d reconnect attempts", m.cfg.Backoff.MaxAttempts))
		m.logger.WithError(err).Error("Reconnect attempts exhausted")
		m.emit(ConnectionEvent{Name: socketStateChanged, Status: status, Err: err})
		return
	}
	delay := m.cfg.Backoff.Delay(m.attempt - 1)
	m.state = ConnReconnecting
	m.nextRetry = delay
	m.stopReconnectLocked()
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		_ = m.dial(context.Background())
	})
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"attempt": status.Attempt,
		"delay":   delay,
	}).Info("Reconnect scheduled")
	m.emit(ConnectionEvent{Name: socketStateChanged, Status: status})
}

func (m *ConnectionManager) readLoop(conn SocketConn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastSeen = m.clock.Now()
		m.mu.Unlock()

		name, payload, err := DecodeSocketEvent(data)
		if err != nil {
			m.logger.WithError(err).WithField("errorKind", ErrorProtocol).Debug("Dropping malformed socket frame")
			continue
		}

		switch name {
		case SocketPong:
			m.handlePong(gen, payload)
		case SocketAgentUpdate:
			update, err := decodeAgentUpdate(payload)
			if err != nil {
				m.logger.WithError(err).WithField("errorKind", ErrorProtocol).Debug("Dropping malformed agent update")
				continue
			}
			m.emit(ConnectionEvent{Name: SocketAgentUpdate, Status: m.Status(), Agent: update})
		case SocketError:
			m.emit(ConnectionEvent{Name: SocketError, Status: m.Status(), Err: errors.New(errorText(payload, "socket error"))})
		default:
			m.logger.WithField("event", name).Debug("Ignoring socket event")
		}
	}
}

func (m *ConnectionManager) handlePong(gen uint64, payload json.RawMessage) {
	var pong pingPayload
	if err := json.Unmarshal(payload, &pong); err != nil || pong.Timestamp <= 0 {
		return
	}
	rtt := m.clock.Now().Sub(time.UnixMilli(pong.Timestamp))

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.rtt = rtt
	status := m.statusLocked()
	m.mu.Unlock()

	if m.cfg.PongLatencyLimit > 0 && rtt > m.cfg.PongLatencyLimit {
		m.forceReconnect(gen, fmt.Sprintf("pong round trip %s exceeds %s", rtt, m.cfg.PongLatencyLimit))
		return
	}
	m.emit(ConnectionEvent{Name: SocketPong, Status: status})
}

// handleDrop reacts to an unexpected read failure on the current socket.
func (m *ConnectionManager) handleDrop(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.userClosed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = ConnDisconnected
	m.lastErr = err.Error()
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.WithError(err).Warn("Socket dropped")
	m.emit(ConnectionEvent{Name: SocketDisconnect, Status: status, Err: err})
	m.scheduleReconnect()
}

// forceReconnect tears down a socket that still looks open but is not healthy.
func (m *ConnectionManager) forceReconnect(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.gen++
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = ConnDisconnected
	m.lastErr = reason
	status := m.statusLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.WithField("reason", reason).Warn("Forcing socket reconnect")
	m.emit(ConnectionEvent{Name: SocketDisconnect, Status: status, Err: errors.New(reason)})
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleHeartbeat(gen uint64) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.stopHeartbeatLocked()
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.heartbeat(gen)
	})
}

func (m *ConnectionManager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	silence := now.Sub(m.lastSeen)
	m.mu.Unlock()

	if m.cfg.StaleTimeout > 0 && silence > m.cfg.StaleTimeout {
		m.forceReconnect(gen, fmt.Sprintf("no socket traffic for %s", silence.Round(time.Second)))
		return
	}
	if err := m.send(SocketPing, pingPayload{Timestamp: now.UnixMilli()}); err != nil {
		m.handleDrop(gen, err)
		return
	}
	m.scheduleHeartbeat(gen)
}

// send writes one envelope on the current socket.
func (m *ConnectionManager) send(name SocketEventName, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeEnvelope(conn, name, payload)
}

func writeEnvelope(conn SocketConn, name SocketEventName, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return conn.WriteJSON(socketEnvelope{Event: name, Data: data})
}

func (m *ConnectionManager) emit(ev ConnectionEvent) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (m *ConnectionManager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *ConnectionManager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
}
