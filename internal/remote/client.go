// Package remote implements the HTTP client for the remote record store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/syncqueue"
)

const maxBodySize = 4 << 20 // 4 MB

// Client talks to the remote record store over JSON HTTP. It satisfies
// syncqueue.RemoteStore; transport failures and 5xx answers are reported
// as network-class errors so the queue backs off instead of dead-lettering.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ syncqueue.RemoteStore = (*Client)(nil)

// NewClient creates a client for the store at baseURL. apiKey may be empty
// for unauthenticated deployments.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

type pushRequest struct {
	EntityType      string          `json:"entity_type"`
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	Tombstone       bool            `json:"tombstone,omitempty"`
}

type conflictResponse struct {
	CurrentVersion int64           `json:"current_version"`
	CurrentPayload json.RawMessage `json:"current_payload,omitempty"`
}

type pullResponse struct {
	Deltas    []models.RemoteDelta `json:"deltas"`
	NextToken string               `json:"next_token"`
}

// Push writes one record, answering a conflict when the remote copy is
// newer than expectedVersion. A nil payload records a tombstone.
func (c *Client) Push(ctx context.Context, entityType models.EntityType, id string, payload json.RawMessage, expectedVersion int64) (syncqueue.PushResult, error) {
	body, err := json.Marshal(&pushRequest{
		EntityType:      string(entityType),
		ID:              id,
		Payload:         payload,
		ExpectedVersion: expectedVersion,
		Tombstone:       payload == nil,
	})
	if err != nil {
		return syncqueue.PushResult{}, fmt.Errorf("remote: encoding push: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/records/push", body)
	if err != nil {
		return syncqueue.PushResult{}, err
	}

	switch {
	case status == http.StatusConflict:
		var conflict conflictResponse
		if err := json.Unmarshal(respBody, &conflict); err != nil {
			return syncqueue.PushResult{}, fmt.Errorf("remote: parsing conflict: %w", err)
		}
		return syncqueue.PushResult{Conflict: &syncqueue.Conflict{
			CurrentVersion: conflict.CurrentVersion,
			CurrentPayload: conflict.CurrentPayload,
		}}, nil
	case status >= 200 && status < 300:
		return syncqueue.PushResult{OK: true}, nil
	default:
		return syncqueue.PushResult{}, statusError(status)
	}
}

// Pull returns the deltas recorded after the change token, plus the token
// to resume from.
func (c *Client) Pull(ctx context.Context, since string) ([]models.RemoteDelta, string, error) {
	path := "/v1/changes"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	if status < 200 || status >= 300 {
		return nil, "", statusError(status)
	}

	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("remote: parsing changes: %w", err)
	}
	return resp.Deltas, resp.NextToken, nil
}

// do performs one request and returns the status and body. Transport
// failures are wrapped as network-class errors.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("remote: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", syncqueue.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %v", syncqueue.ErrUnavailable, err)
	}
	return resp.StatusCode, respBody, nil
}

// statusError classifies a non-2xx answer: 5xx and 429 are transient, the
// rest are permanent rejections that count against the retry budget.
func statusError(status int) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", syncqueue.ErrUnavailable, status)
	}
	return fmt.Errorf("remote: unexpected status %d", status)
}

// WithTimeout sets the underlying transport timeout. The sync queue also
// applies per-call deadlines; this bounds dials that hang before headers.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.http.Timeout = d
	return c
}
