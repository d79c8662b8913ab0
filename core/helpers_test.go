package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func testEntry() *logrus.Entry {
	return testLogger().WithField("component", "test")
}

// frameJSON renders one stream frame payload.
func frameJSON(t *testing.T, v map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return string(data)
}

// sseBody joins payloads into a server-sent event body.
func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&b, "data: %s\n\n", p)
	}
	return b.String()
}

func body(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// fakeTransport records requests and serves scripted bodies.
type fakeTransport struct {
	mu        sync.Mutex
	turns     []TurnRequest
	approvals []ApprovalRequest
	cancels   []CancelRequest

	turnBody     func(req TurnRequest) (io.ReadCloser, error)
	approvalBody func(req ApprovalRequest) (io.ReadCloser, error)
	cancelErr    error
	cancelled    chan CancelRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{cancelled: make(chan CancelRequest, 16)}
}

func (f *fakeTransport) StartTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.turns = append(f.turns, req)
	fn := f.turnBody
	f.mu.Unlock()
	if fn == nil {
		return body(""), nil
	}
	return fn(req)
}

func (f *fakeTransport) SubmitApproval(ctx context.Context, req ApprovalRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.approvals = append(f.approvals, req)
	fn := f.approvalBody
	f.mu.Unlock()
	if fn == nil {
		return body(""), nil
	}
	return fn(req)
}

func (f *fakeTransport) CancelRun(ctx context.Context, req CancelRequest) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, req)
	err := f.cancelErr
	f.mu.Unlock()
	f.cancelled <- req
	return err
}

func (f *fakeTransport) turnRequests() []TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TurnRequest(nil), f.turns...)
}

func (f *fakeTransport) approvalRequests() []ApprovalRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ApprovalRequest(nil), f.approvals...)
}

// pipeTurns makes every turn stream from a pipe the test writes to.
func (f *fakeTransport) pipeTurns() chan *io.PipeWriter {
	writers := make(chan *io.PipeWriter, 8)
	f.mu.Lock()
	f.turnBody = func(TurnRequest) (io.ReadCloser, error) {
		r, w := io.Pipe()
		writers <- w
		return r, nil
	}
	f.mu.Unlock()
	return writers
}

func writeFrames(t *testing.T, w *io.PipeWriter, payloads ...string) {
	t.Helper()
	if _, err := io.WriteString(w, sseBody(payloads...)); err != nil {
		t.Fatalf("write frames: %v", err)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeClock runs timers only when the test fires them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// pending returns armed timers in creation order.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireLast runs the most recently armed timer and returns its delay.
func (c *fakeClock) fireLast(tb testing.TB) time.Duration {
	tb.Helper()
	pending := c.pending()
	if len(pending) == 0 {
		tb.Fatal("no pending timer")
	}
	t := pending[len(pending)-1]
	c.mu.Lock()
	t.fired = true
	c.mu.Unlock()
	t.fn()
	return t.delay
}

// fakeSocket is an in-memory SocketConn.
type fakeSocket struct {
	mu     sync.Mutex
	reads  chan []byte
	closed chan struct{}
	once   sync.Once
	writes []socketEnvelope
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.reads:
		return 1, data, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	select {
	case <-s.closed:
		return errors.New("write on closed connection")
	default:
	}
	env, ok := v.(socketEnvelope)
	if !ok {
		return fmt.Errorf("unexpected write %T", v)
	}
	s.mu.Lock()
	s.writes = append(s.writes, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) written() []socketEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]socketEnvelope(nil), s.writes...)
}

func (s *fakeSocket) push(t *testing.T, name SocketEventName, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env, err := json.Marshal(socketEnvelope{Event: name, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	s.reads <- env
}

// fakeDialer hands out scripted connections or errors.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeSocket
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (SocketConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no scripted connection")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
