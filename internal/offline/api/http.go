package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seedtrace/seedtrace/internal/common"
)

const defaultTimeout = 12 * time.Second

// TokenProvider supplies the current access token; it returns "" when the
// session has none.
type TokenProvider func() string

// HTTPClient implements Client over the server's JSON endpoints.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	token   TokenProvider
}

// NewHTTPClient returns a client for the given base URL. A nil token
// provider sends unauthenticated requests.
func NewHTTPClient(baseURL string, token TokenProvider) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: defaultTimeout},
		token:   token,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return common.ErrUnauthorized
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %s", common.ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type syncResponse struct {
	Results []ChangeResult `json:"results"`
}

func (c *HTTPClient) PushChanges(ctx context.Context, batch SyncBatch) ([]ChangeResult, error) {
	var resp syncResponse
	if err := c.do(ctx, http.MethodPost, "/offline/sync", batch, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

type timeResponse struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

func (c *HTTPClient) ServerTime(ctx context.Context) (time.Time, error) {
	var resp timeResponse
	if err := c.do(ctx, http.MethodGet, "/time", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.Timestamp).UTC(), nil
}

func (c *HTTPClient) ReportSyncFailure(ctx context.Context, incident Incident) error {
	return c.do(ctx, http.MethodPost, "/incidents/sync-failure", incident, nil)
}

// Ping probes the time endpoint; any well-formed response means reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	var resp timeResponse
	return c.do(ctx, http.MethodGet, "/time", nil, &resp)
}
