// Package httpapi exposes the sync coordinator over HTTP: operation
// submission, dead letter inspection, conflict resolution, and a websocket
// endpoint where sibling instances exchange clock updates.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chittyos/chittysync/internal/chittysync"
)

type ServerConfig struct {
	// JWTSecret verifies API bearer tokens. Empty disables authentication.
	JWTSecret    string
	MaxBodyBytes int64
	// RateLimitMax caps requests per caller per RateLimitWindow. Zero
	// disables throttling.
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	coordinator *chittysync.Coordinator
	cfg         ServerConfig
	throttle    *requestThrottle
	logger      *slog.Logger
}

type requestThrottle struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]throttleEntry
}

type throttleEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coordinator *chittysync.Coordinator, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	var throttle *requestThrottle
	if cfg.RateLimitMax > 0 {
		throttle = &requestThrottle{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]throttleEntry{},
		}
	}
	return &Server{coordinator: coordinator, cfg: cfg, throttle: throttle, logger: logger}
}

func (t *requestThrottle) allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok || now.After(entry.resetAt) {
		t.entries[key] = throttleEntry{count: 1, resetAt: now.Add(t.window)}
		return true
	}
	if entry.count >= t.max {
		return false
	}
	entry.count++
	t.entries[key] = entry
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"session": s.coordinator.SessionID(),
		})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "sync" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[2] == "operations" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "submit"
	case len(parts) == 3 && parts[2] == "dead-letter" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "dead_letter"
	case len(parts) == 4 && parts[2] == "dead-letter" && parts[3] == "drain" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "dead_letter_drain"
	case len(parts) == 3 && parts[2] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "conflicts"
	case len(parts) == 5 && parts[2] == "conflicts" && parts[4] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "conflict_resolve"
	case len(parts) == 3 && parts[2] == "metrics" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "metrics"
	case len(parts) == 3 && parts[2] == "clock" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "clock"
	case len(parts) == 3 && parts[2] == "peer" && r.Method == http.MethodGet:
		requiredScope = "sync:peer"
		route = "peer"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims := tokenClaims{Service: "anonymous"}
	if s.cfg.JWTSecret != "" {
		var authErr *authError
		claims, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "sync_" + uuid.NewString()
	}

	if s.throttle != nil && !s.throttle.allow(claims.Service, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.throttle.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "submit":
		s.handleSubmit(w, r, correlationID)
	case "dead_letter":
		s.handleDeadLetter(w, correlationID)
	case "dead_letter_drain":
		s.handleDeadLetterDrain(w, r, correlationID)
	case "conflicts":
		s.handleConflicts(w, correlationID)
	case "conflict_resolve":
		s.handleConflictResolve(w, r, parts[3], claims.Service, correlationID)
	case "metrics":
		writeJSON(w, http.StatusOK, s.coordinator.Metrics())
	case "clock":
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId":   s.coordinator.SessionID(),
			"vectorClock": s.coordinator.ClockSnapshot(),
		})
	case "peer":
		s.handlePeer(w, r, claims.Service)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, correlationID string) {
	var op chittysync.Operation
	if !s.decodeJSONBody(w, r, correlationID, &op) {
		return
	}
	if op.CorrelationID == "" {
		op.CorrelationID = correlationID
	}

	ack, err := s.coordinator.Submit(r.Context(), op)
	if err == nil {
		status := http.StatusOK
		if ack.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, ack)
		return
	}

	var syncErr *chittysync.SyncError
	switch {
	case errors.As(err, &syncErr) && syncErr.Permanent:
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", syncErr.Error(), correlationID)
	case errors.As(err, &syncErr) && syncErr.Queued:
		// Parked for retry; the write is accepted, not lost.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "queued",
			"key":           syncErr.Key,
			"kind":          string(syncErr.Kind),
			"correlationId": op.CorrelationID,
		})
	case errors.Is(err, chittysync.ErrSubmitTimeout):
		writeError(w, http.StatusServiceUnavailable, "admission_timeout", err.Error(), correlationID)
	case errors.Is(err, chittysync.ErrCoordinatorClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
	case errors.Is(err, chittysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, correlationID string) {
	entries := s.coordinator.DeadLetters()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleDeadLetterDrain(w http.ResponseWriter, r *http.Request, correlationID string) {
	attempted, succeeded := s.coordinator.DrainOnce(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"attempted":     attempted,
		"succeeded":     succeeded,
		"correlationId": correlationID,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, correlationID string) {
	records := s.coordinator.Conflicts()
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": records,
		"count":     len(records),
	})
}

func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request, conflictID, service, correlationID string) {
	var body struct {
		WinnerSource string `json:"winnerSource"`
		ResolvedBy   string `json:"resolvedBy"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = service
	}
	record, err := s.coordinator.ResolveConflict(r.Context(), conflictID, body.WinnerSource, body.ResolvedBy)
	if err != nil {
		if errors.Is(err, chittysync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		if errors.Is(err, chittysync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handlePeer upgrades to a websocket and folds every envelope the peer sends
// into the session clock. The connection lives until the peer closes it.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request, service string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("peer websocket accept failed", "peer", service, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	for {
		var envelope chittysync.PeerEnvelope
		if err := wsjson.Read(r.Context(), conn, &envelope); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				s.logger.Warn("peer websocket read failed", "peer", service, "error", err)
			}
			return
		}
		clock := s.coordinator.ObservePeer(envelope)
		s.logger.Debug("peer clock observed",
			"peer", service,
			"operationId", envelope.Operation.ID,
			"clockNodes", len(clock))
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
