// Package transport is the shared HTTP client used by both the Worker
// Node and the Client Iterable to talk to the Execution Server. It
// implements the retry policy from spec §7 (Transport): 1s backoff up to
// a configured cap, with a timeout error surfaced once the cap is
// exhausted. Grounded on the original Python worker's
// _get_data/_send_data retry loops (original_source/server/worker.py),
// rewritten to be context-aware.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backoff is the sleep between retries, matching the 1s cadence used
// throughout the original implementation and spec §7.
const Backoff = 1 * time.Second

// ErrRetriesExhausted is returned once MaxRetries consecutive attempts
// have all failed or returned "not ready".
type ErrRetriesExhausted struct {
	Path string
	Last error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("transport: %s: retries exhausted: %v", e.Path, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }

// Client wraps an *http.Client with the ES's base URL and retry policy.
type Client struct {
	HTTP       *http.Client
	BaseURL    string
	MaxRetries int // <=0 means retry forever
}

// New returns a Client with a sane default timeout per attempt.
func New(baseURL string, maxRetries int) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		BaseURL:    baseURL,
		MaxRetries: maxRetries,
	}
}

func (c *Client) exhausted(attempts int) bool {
	return c.MaxRetries > 0 && attempts >= c.MaxRetries
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get fetches path, retrying on transport errors and on a 204 ("not
// ready yet") response until it gets a 200, the cap is exhausted, or ctx
// is done.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	attempts := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusOK:
				if readErr != nil {
					return nil, readErr
				}
				return body, nil
			case resp.StatusCode == http.StatusNoContent:
				lastErr = fmt.Errorf("not ready yet")
			default:
				return nil, fmt.Errorf("transport: GET %s: unexpected status %d", path, resp.StatusCode)
			}
		}

		attempts++
		if c.exhausted(attempts) {
			return nil, &ErrRetriesExhausted{Path: path, Last: lastErr}
		}
		if err := sleepOrDone(ctx, Backoff); err != nil {
			return nil, err
		}
	}
}

// Post sends body to path, retrying on transport errors and on any
// non-200 status until it gets a 200, the cap is exhausted, or ctx is done.
func (c *Client) Post(ctx context.Context, path string, body []byte) error {
	attempts := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("transport: POST %s: unexpected status %d", path, resp.StatusCode)
		}

		attempts++
		if c.exhausted(attempts) {
			return &ErrRetriesExhausted{Path: path, Last: lastErr}
		}
		if err := sleepOrDone(ctx, Backoff); err != nil {
			return err
		}
	}
}
