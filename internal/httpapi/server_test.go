package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chittyos/chittysync/internal/chittysync"
)

const testSecret = "test-secret"

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, service string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, service, scopes, "chittysync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, service string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"service": service,
		"scopes":  scopes,
		"exp":     exp.Unix(),
		"aud":     aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newTestCoordinator(t *testing.T, opts chittysync.CoordinatorOptions) *chittysync.Coordinator {
	t.Helper()
	if opts.SessionID == "" {
		opts.SessionID = "s1"
	}
	opts.DisableDrain = true
	coordinator, err := chittysync.NewCoordinator(opts)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return coordinator
}

func authHeaders(t *testing.T, scopes ...string) map[string]string {
	t.Helper()
	token := mustTestJWT(t, testSecret, "intake-svc", scopes, time.Now().Add(time.Hour))
	return map[string]string{"Authorization": "Bearer " + token}
}

func operationBody(name string) map[string]any {
	return map[string]any{
		"kind":      "create-entity",
		"payload":   map[string]any{"name": name},
		"sessionId": "s1",
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{JWTSecret: testSecret}, nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRejections(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{JWTSecret: testSecret}, nil)

	noAuth := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/metrics"})
	if noAuth.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", noAuth.Code)
	}

	wrongScope := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/metrics",
		headers: authHeaders(t, "sync:write"),
	})
	if wrongScope.Code != http.StatusForbidden {
		t.Fatalf("wrong scope: expected 403, got %d", wrongScope.Code)
	}

	badAudience := mustTestJWTWithAudience(t, testSecret, "intake-svc", []string{"sync:read"}, "other-service", time.Now().Add(time.Hour))
	wrongAud := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/metrics",
		headers: map[string]string{"Authorization": "Bearer " + badAudience},
	})
	if wrongAud.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience: expected 401, got %d", wrongAud.Code)
	}

	expired := mustTestJWT(t, testSecret, "intake-svc", []string{"sync:read"}, time.Now().Add(-time.Minute))
	stale := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/metrics",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if stale.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: expected 401, got %d", stale.Code)
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{}, nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", resp.Code)
	}
}

func TestSubmitLifecycle(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{JWTSecret: testSecret}, nil)
	headers := authHeaders(t, "sync:write", "sync:read")

	created := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: headers,
		body:    operationBody("Acme"),
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", created.Code, created.Body.String())
	}
	var ack chittysync.Ack
	if err := json.NewDecoder(created.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Created || ack.RecordID == "" || ack.Clock["s1"] != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	updated := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: headers,
		body:    operationBody("Acme Corp"),
	})
	if updated.Code != http.StatusCreated {
		t.Fatalf("different payload is a new record: expected 201, got %d (%s)", updated.Code, updated.Body.String())
	}

	clockResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/clock",
		headers: headers,
	})
	if clockResp.Code != http.StatusOK {
		t.Fatalf("clock: expected 200, got %d", clockResp.Code)
	}
	var clockBody struct {
		SessionID   string                 `json:"sessionId"`
		VectorClock chittysync.VectorClock `json:"vectorClock"`
	}
	if err := json.NewDecoder(clockResp.Body).Decode(&clockBody); err != nil {
		t.Fatalf("decode clock: %v", err)
	}
	if clockBody.SessionID != "s1" || clockBody.VectorClock["s1"] != 2 {
		t.Fatalf("unexpected clock: %+v", clockBody)
	}
}

func TestSubmitUpdatesExistingKey(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{JWTSecret: testSecret}, nil)
	headers := authHeaders(t, "sync:write")

	first := operationBody("Acme")
	first["key"] = "case-123"
	created := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: headers,
		body:    first,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", created.Code, created.Body.String())
	}

	second := operationBody("Acme Corp")
	second["key"] = "case-123"
	updated := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: headers,
		body:    second,
	})
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200 for an in-place update, got %d (%s)", updated.Code, updated.Body.String())
	}
	var ack chittysync.Ack
	if err := json.NewDecoder(updated.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Created || !ack.Applied {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{JWTSecret: testSecret}, nil)

	body := operationBody("Acme")
	body["payload"] = map[string]any{"unexpected": true}
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: authHeaders(t, "sync:write"),
		body:    body,
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", resp.Code, resp.Body.String())
	}

	badKind := operationBody("Acme")
	badKind["kind"] = "obliterate-entity"
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: authHeaders(t, "sync:write"),
		body:    badKind,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
}

type downStore struct{}

func (downStore) FindByIdempotencyKey(ctx context.Context, key string) (chittysync.Record, error) {
	return chittysync.Record{}, &chittysync.StoreError{Kind: chittysync.StoreUnavailable, StatusCode: 503, Message: "gateway down"}
}

func (downStore) Create(ctx context.Context, record chittysync.Record) (chittysync.Record, error) {
	return chittysync.Record{}, &chittysync.StoreError{Kind: chittysync.StoreUnavailable, StatusCode: 503, Message: "gateway down"}
}

func (downStore) Update(ctx context.Context, id string, record chittysync.Record) (chittysync.Record, error) {
	return chittysync.Record{}, &chittysync.StoreError{Kind: chittysync.StoreUnavailable, StatusCode: 503, Message: "gateway down"}
}

func TestSubmitQueuedAndDeadLetterSurface(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{Store: downStore{}}), ServerConfig{JWTSecret: testSecret}, nil)

	queued := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: authHeaders(t, "sync:write"),
		body:    operationBody("Acme"),
	})
	if queued.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", queued.Code, queued.Body.String())
	}
	var queuedBody struct {
		Status string `json:"status"`
		Key    string `json:"key"`
		Kind   string `json:"kind"`
	}
	if err := json.NewDecoder(queued.Body).Decode(&queuedBody); err != nil {
		t.Fatalf("decode queued response: %v", err)
	}
	if queuedBody.Status != "queued" || queuedBody.Kind != "upstream_error" || queuedBody.Key == "" {
		t.Fatalf("unexpected queued response: %+v", queuedBody)
	}

	letters := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/dead-letter",
		headers: authHeaders(t, "sync:read"),
	})
	if letters.Code != http.StatusOK {
		t.Fatalf("dead-letter: expected 200, got %d", letters.Code)
	}
	var feed struct {
		Count   int                          `json:"count"`
		Entries []chittysync.DeadLetterEntry `json:"entries"`
	}
	if err := json.NewDecoder(letters.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if feed.Count != 1 || feed.Entries[0].Attempts != 1 {
		t.Fatalf("unexpected feed: %+v", feed)
	}

	drain := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/dead-letter/drain",
		headers: authHeaders(t, "sync:trigger"),
		body:    map[string]any{},
	})
	if drain.Code != http.StatusAccepted {
		t.Fatalf("drain: expected 202, got %d (%s)", drain.Code, drain.Body.String())
	}
}

func TestConflictResolutionFlow(t *testing.T) {
	resolver, err := chittysync.NewConflictResolver(chittysync.StrategyManual)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	store := chittysync.NewMemoryRecordStore()
	coordinator := newTestCoordinator(t, chittysync.CoordinatorOptions{Store: store, Resolver: resolver})
	server := NewServer(coordinator, ServerConfig{JWTSecret: testSecret}, nil)

	op := chittysync.Operation{
		Kind:      chittysync.Kind{Verb: chittysync.VerbCreate, Record: chittysync.RecordEntity},
		Payload:   map[string]any{"name": "Acme Corp"},
		SessionID: "s1",
		Clock:     chittysync.VectorClock{"s1": 1},
	}
	if _, err := store.Create(context.Background(), chittysync.Record{
		Key:     op.IdempotencyKey(),
		Kind:    op.Kind,
		Payload: map[string]any{"name": "Acme"},
		Source:  "s2",
		Clock:   chittysync.VectorClock{"s2": 1},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	submit := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/operations",
		headers: authHeaders(t, "sync:write"),
		body: map[string]any{
			"kind":        "create-entity",
			"payload":     map[string]any{"name": "Acme Corp"},
			"sessionId":   "s1",
			"vectorClock": map[string]any{"s1": 1},
		},
	})
	if submit.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d (%s)", submit.Code, submit.Body.String())
	}
	var ack chittysync.Ack
	if err := json.NewDecoder(submit.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.ConflictRaised || ack.ConflictID == "" {
		t.Fatalf("expected a conflict: %+v", ack)
	}

	list := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/conflicts",
		headers: authHeaders(t, "sync:read"),
	})
	if list.Code != http.StatusOK {
		t.Fatalf("conflicts: expected 200, got %d", list.Code)
	}

	resolve := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/conflicts/" + ack.ConflictID + "/resolve",
		headers: authHeaders(t, "sync:write"),
		body:    map[string]any{"winnerSource": "s1", "resolvedBy": "ops@example.com"},
	})
	if resolve.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d (%s)", resolve.Code, resolve.Body.String())
	}

	missing := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/conflicts/conflict_missing/resolve",
		headers: authHeaders(t, "sync:write"),
		body:    map[string]any{"winnerSource": "s1"},
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing conflict: expected 404, got %d", missing.Code)
	}
}

func TestPeerWebsocketFeedsSessionClock(t *testing.T) {
	coordinator := newTestCoordinator(t, chittysync.CoordinatorOptions{})
	server := httptest.NewServer(NewServer(coordinator, ServerConfig{JWTSecret: testSecret}, nil))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + strings.TrimPrefix(server.URL, "http://") + "/v1/sync/peer"
	headers := authHeaders(t, "sync:peer")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{headers["Authorization"]}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	envelope := chittysync.PeerEnvelope{
		Operation: chittysync.Operation{ID: "op_peer", SessionID: "s2"},
		Clock:     chittysync.VectorClock{"s2": 7},
		SentAt:    time.Now().UTC(),
	}
	if err := wsjson.Write(ctx, conn, envelope); err != nil {
		t.Fatalf("write envelope: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for coordinator.ClockSnapshot()["s2"] != 7 {
		if time.Now().After(deadline) {
			t.Fatalf("peer clock never observed: %v", coordinator.ClockSnapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestThrottleCapsPerCaller(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	}, nil)
	headers := authHeaders(t, "sync:read")

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/metrics", headers: headers})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/metrics", headers: headers})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A different caller has its own window.
	otherToken := mustTestJWT(t, testSecret, "other-svc", []string{"sync:read"}, time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/metrics",
		headers: map[string]string{"Authorization": "Bearer " + otherToken},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for distinct caller, got %d", resp.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := NewServer(newTestCoordinator(t, chittysync.CoordinatorOptions{}), ServerConfig{JWTSecret: testSecret}, nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/unknown"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
