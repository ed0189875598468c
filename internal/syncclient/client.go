// Package syncclient is the HTTP client for the chittysync daemon API,
// used by the CLI and by sibling services that prefer HTTP over the spool.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittysync/internal/chittysync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// SubmitResult covers both outcomes of a submission: a synchronous Ack, or
// acceptance into the dead letter queue for retry.
type SubmitResult struct {
	Ack    *chittysync.Ack
	Queued bool
	Key    string
	Kind   string
}

type DeadLetterFeed struct {
	Entries []chittysync.DeadLetterEntry `json:"entries"`
	Count   int                          `json:"count"`
}

type ConflictFeed struct {
	Conflicts []chittysync.ConflictRecord `json:"conflicts"`
	Count     int                         `json:"count"`
}

type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

type ClockStatus struct {
	SessionID   string                 `json:"sessionId"`
	VectorClock chittysync.VectorClock `json:"vectorClock"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Submit posts one operation. A 202 means the daemon parked it for retry;
// callers get Queued=true rather than an error.
func (c *Client) Submit(ctx context.Context, op chittysync.Operation) (SubmitResult, error) {
	var raw json.RawMessage
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/sync/operations", op, &raw)
	if err != nil {
		return SubmitResult{}, err
	}
	if status == http.StatusAccepted {
		var queued struct {
			Key  string `json:"key"`
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &queued); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Queued: true, Key: queued.Key, Kind: queued.Kind}, nil
	}
	var ack chittysync.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Ack: &ack, Key: ack.Key}, nil
}

func (c *Client) Metrics(ctx context.Context) (chittysync.Metrics, error) {
	var out chittysync.Metrics
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/sync/metrics", nil, &out)
	return out, err
}

func (c *Client) Clock(ctx context.Context) (ClockStatus, error) {
	var out ClockStatus
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/sync/clock", nil, &out)
	return out, err
}

func (c *Client) DeadLetters(ctx context.Context) (DeadLetterFeed, error) {
	var out DeadLetterFeed
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/sync/dead-letter", nil, &out)
	return out, err
}

func (c *Client) Drain(ctx context.Context) (DrainResult, error) {
	var out DrainResult
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/sync/dead-letter/drain", map[string]any{}, &out)
	return out, err
}

func (c *Client) Conflicts(ctx context.Context) (ConflictFeed, error) {
	var out ConflictFeed
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/sync/conflicts", nil, &out)
	return out, err
}

func (c *Client) ResolveConflict(ctx context.Context, id, winnerSource, resolvedBy string) (chittysync.ConflictRecord, error) {
	var out chittysync.ConflictRecord
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/sync/conflicts/"+id+"/resolve", map[string]string{
		"winnerSource": winnerSource,
		"resolvedBy":   resolvedBy,
	}, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.StatusCode, nil
			}
			if raw, ok := out.(*json.RawMessage); ok {
				*raw = append((*raw)[:0], payloadBytes...)
				return resp.StatusCode, nil
			}
			return resp.StatusCode, json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
