// Package api is the outbound client for the Summit Link event-platform
// REST API. The sync engine treats the server as a black box that can
// succeed, fail, or be unreachable; this package reduces every outcome to
// that taxonomy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/summitlink/syncd/internal/mutation"
)

const defaultTimeout = 15 * time.Second

// TransientError marks a failure worth retrying: the request never reached
// the server, timed out, or the server answered 429/5xx.
type TransientError struct {
	Status int // 0 when the failure happened below HTTP
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient server error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable network/server failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client communicates with the event-platform API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the given base URL and bearer token. Every
// request carries a fixed timeout; a timeout is reported as transient.
func New(baseURL, token string) *Client {
	return NewWithTimeout(baseURL, token, defaultTimeout)
}

// NewWithTimeout creates a client with an explicit request timeout
// (used by tests to keep failure cases fast).
func NewWithTimeout(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// --- Mutating calls (one per queueable operation) ---

func (c *Client) ScanConnection(ctx context.Context, p mutation.QRScanPayload) error {
	return c.send(ctx, http.MethodPost, "/connections/scan", p)
}

func (c *Client) CreateConnection(ctx context.Context, p mutation.CreateConnectionPayload) error {
	return c.send(ctx, http.MethodPost, "/connections", p)
}

func (c *Client) SendMessage(ctx context.Context, p mutation.MessagePayload) error {
	return c.send(ctx, http.MethodPost, "/messages", p)
}

func (c *Client) CreateRSVP(ctx context.Context, p mutation.RSVPPayload) error {
	return c.send(ctx, http.MethodPost, "/sessions/"+url.PathEscape(p.SessionID)+"/rsvps", nil)
}

func (c *Client) DeleteRSVP(ctx context.Context, p mutation.RSVPDeletePayload) error {
	return c.send(ctx, http.MethodDelete, "/rsvps/"+url.PathEscape(p.RSVPID), nil)
}

func (c *Client) UpdateConnectionNote(ctx context.Context, p mutation.ConnectionNotePayload) error {
	body := map[string]any{"note": p.Note}
	return c.send(ctx, http.MethodPatch, "/connections/"+url.PathEscape(p.ConnectionID), body)
}

func (c *Client) UpdateConnection(ctx context.Context, p mutation.ConnectionUpdatePayload) error {
	return c.send(ctx, http.MethodPatch, "/connections/"+url.PathEscape(p.ConnectionID), p.Fields)
}

// --- Read calls (cache-aside fetch functions) ---

// Fetch retrieves a dataset by path and returns the raw JSON snapshot.
// Snapshots are opaque to the engine; they are cached and rendered as-is.
func (c *Client) Fetch(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}
	return json.RawMessage(data), nil
}

func (c *Client) ListSessions(ctx context.Context) (json.RawMessage, error) {
	return c.Fetch(ctx, "/sessions")
}

func (c *Client) ListConnections(ctx context.Context) (json.RawMessage, error) {
	return c.Fetch(ctx, "/connections")
}

func (c *Client) ListConversations(ctx context.Context) (json.RawMessage, error) {
	return c.Fetch(ctx, "/conversations")
}

func (c *Client) GetThread(ctx context.Context, conversationID string) (json.RawMessage, error) {
	return c.Fetch(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages")
}

// --- Internals ---

func (c *Client) send(ctx context.Context, method, path string, body any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures: all retryable.
		return nil, &TransientError{Err: err}
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &TransientError{Status: resp.StatusCode}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("server rejected request (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
