package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	turnPath     = "/api/agent/stream"
	approvalPath = "/api/agent/tools/%s/approval"
	cancelPath   = "/api/agent/cancel"
)

// Transport opens request/response exchanges against the agent backend.
// StartTurn and SubmitApproval return the raw server-sent event body.
type Transport interface {
	StartTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error)
	SubmitApproval(ctx context.Context, req ApprovalRequest) (io.ReadCloser, error)
	CancelRun(ctx context.Context, req CancelRequest) error
}

// BackendClient is the HTTP implementation of Transport.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewBackendClient creates a client for the backend at baseURL.
// The HTTP client has no overall timeout; streams are bounded by their context.
//
// Parameters:
//   - baseURL: Backend base URL; a trailing slash is tolerated
//   - logger: Logger instance for request logging
//
// Returns:
//   - *BackendClient: Client implementing Transport
func NewBackendClient(baseURL string, logger *logrus.Logger) *BackendClient {
	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.WithField("component", "backend_client"),
	}
}

// StartTurn posts a new turn and returns the event stream body.
//
// Parameters:
//   - ctx: Context whose cancellation closes the stream
//   - req: Conversation id and full message history for the turn
//
// Returns:
//   - io.ReadCloser: Server-sent event body; the caller closes it
//   - error: Network failure or a non-2xx response
func (c *BackendClient) StartTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	return c.openStream(ctx, turnPath, req)
}

// SubmitApproval posts one approve or deny decision. The call id travels in
// the path only; the response streams the resumed run.
//
// Parameters:
//   - ctx: Context whose cancellation closes the stream
//   - req: Decision for a single tool call
//
// Returns:
//   - io.ReadCloser: Server-sent event body of the resumed run
//   - error: Missing call id, network failure or a non-2xx response
func (c *BackendClient) SubmitApproval(ctx context.Context, req ApprovalRequest) (io.ReadCloser, error) {
	if req.CallID == "" {
		return nil, fmt.Errorf("approval request without call id")
	}
	return c.openStream(ctx, fmt.Sprintf(approvalPath, url.PathEscape(req.CallID)), req)
}

// CancelRun asks the backend to stop a run. It is best effort; the local
// stream is already closed when this is called.
func (c *BackendClient) CancelRun(ctx context.Context, req CancelRequest) error {
	resp, err := c.post(ctx, cancelPath, req, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *BackendClient) openStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	resp, err := c.post(ctx, path, body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// post sends a JSON body and returns the response for any 2xx status.
func (c *BackendClient) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	c.logger.WithFields(logrus.Fields{
		"path":        path,
		"payloadSize": len(payload),
	}).Debug("Sending backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("request to %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}
