package verifyapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const DefaultEndpoint = "/api/verify"

// Client performs one verify action. Implementations never retry.
type Client interface {
	Verify(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient posts every action as JSON to a single verify endpoint.
type HTTPClient struct {
	baseURL    string
	endpoint   string
	httpClient *http.Client
}

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.httpClient = c }
}

func WithEndpoint(path string) Option {
	return func(h *HTTPClient) { h.endpoint = path }
}

// NewHTTPClient creates a client for the verification backend at baseURL.
// No client-side timeout is set; callers bound calls through the context.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Verify(ctx context.Context, req Request) (*Response, error) {
	action := req.Action()
	url := c.baseURL + c.endpoint

	payload, err := encodeRequest(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Action: action, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Action: action, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	slog.Debug("Sending verify request", append(describe(req), "request_id", requestID)...)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Action: action, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Action: action, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	slog.Debug("Verify response received", "action", action, "status_code", resp.StatusCode, "request_id", requestID, "size", len(body))

	normalized, parseErr := normalizeResponse(body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := ""
		if parseErr == nil {
			msg = normalized.ServerMessage()
		}
		if msg == "" {
			msg = fmt.Sprintf("API error %d", resp.StatusCode)
		}
		slog.Warn("Verify request rejected", "action", action, "status_code", resp.StatusCode, "error", msg, "request_id", requestID)
		return nil, &Error{Kind: KindStatus, Action: action, StatusCode: resp.StatusCode, Message: msg}
	}

	if parseErr != nil {
		return nil, &Error{Kind: KindParse, Action: action, StatusCode: resp.StatusCode, Message: truncate(string(body), 200), Err: parseErr}
	}

	return normalized, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Typed helpers, one per action.

func StartSession(ctx context.Context, c Client, req StartRequest) (*Response, error) {
	return c.Verify(ctx, req)
}

func LogConsent(ctx context.Context, c Client, req LogConsentRequest) (*Response, error) {
	return c.Verify(ctx, req)
}

func UpdateGuest(ctx context.Context, c Client, req UpdateGuestRequest) (*Response, error) {
	return c.Verify(ctx, req)
}

func GetSession(ctx context.Context, c Client, sessionToken string) (*Response, error) {
	return c.Verify(ctx, GetSessionRequest{SessionToken: sessionToken})
}

func UploadDocument(ctx context.Context, c Client, req UploadDocumentRequest) (*Response, error) {
	return c.Verify(ctx, req)
}

func VerifyFace(ctx context.Context, c Client, req VerifyFaceRequest) (*Response, error) {
	return c.Verify(ctx, req)
}
