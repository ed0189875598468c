package chittysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type AccessTokenProvider func(ctx context.Context) (string, error)

type HTTPRecordStoreOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
}

// HTTPRecordStore talks to the document-store gateway over HTTP. It performs
// no retries of its own: transient failures surface as typed StoreErrors and
// the coordinator decides whether to retry through the dead letter queue.
type HTTPRecordStore struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
}

func NewHTTPRecordStore(opts HTTPRecordStoreOptions) *HTTPRecordStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.chitty.cc"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2024-05-01"
	}
	return &HTTPRecordStore{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

func (c *HTTPRecordStore) FindByIdempotencyKey(ctx context.Context, key string) (Record, error) {
	var out Record
	path := "/v1/records/lookup?key=" + url.QueryEscape(key)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (c *HTTPRecordStore) Create(ctx context.Context, record Record) (Record, error) {
	var out Record
	if err := c.doJSON(ctx, http.MethodPost, "/v1/records", record, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (c *HTTPRecordStore) Update(ctx context.Context, id string, record Record) (Record, error) {
	var out Record
	path := "/v1/records/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodPatch, path, record, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

func (c *HTTPRecordStore) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("http record store is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("record store token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &StoreError{Kind: StoreUnauthorized, Message: "access token is empty"}
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Chitty-Version", c.apiVersion)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &StoreError{Kind: StoreUnavailable, Message: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &StoreError{Kind: StoreUnavailable, Message: readErr.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		return json.Unmarshal(respBody, out)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return storeErrorFromResponse(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
}

func storeErrorFromResponse(status int, retryAfterHeader string, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if text, ok := parsed["message"].(string); ok && strings.TrimSpace(text) != "" {
			message = text
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
			message = fmt.Sprintf("retry after %s: %s", retryAfter, message)
		}
		return &StoreError{Kind: StoreRateLimited, StatusCode: status, Message: message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &StoreError{Kind: StoreUnauthorized, StatusCode: status, Message: message}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &StoreError{Kind: StoreValidationFailed, StatusCode: status, Message: message}
	default:
		return &StoreError{Kind: StoreUnavailable, StatusCode: status, Message: message}
	}
}

func parseRetryAfterSeconds(header string) time.Duration {
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
