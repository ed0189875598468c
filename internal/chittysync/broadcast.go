package chittysync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// PeerEnvelope is the wire shape for sibling-service notifications.
type PeerEnvelope struct {
	Operation Operation   `json:"operation"`
	Clock     VectorClock `json:"vectorClock"`
	SentAt    time.Time   `json:"sentAt"`
}

// PeerBroadcaster fans a successful operation out to sibling services.
// Delivery is best-effort: the coordinator never awaits it on the critical
// path and failures are logged, not escalated.
type PeerBroadcaster interface {
	Notify(ctx context.Context, envelope PeerEnvelope) error
}

type NoopBroadcaster struct{}

func (NoopBroadcaster) Notify(ctx context.Context, envelope PeerEnvelope) error {
	return nil
}

// WebsocketBroadcaster keeps one lazily-dialed websocket per peer and
// redials on the next notify after a send failure.
type WebsocketBroadcaster struct {
	peers       []string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewWebsocketBroadcaster(peers []string, logger *slog.Logger) *WebsocketBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	trimmed := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer != "" {
			trimmed = append(trimmed, peer)
		}
	}
	return &WebsocketBroadcaster{
		peers:       trimmed,
		dialTimeout: 5 * time.Second,
		logger:      logger,
		conns:       map[string]*websocket.Conn{},
	}
}

func (b *WebsocketBroadcaster) Notify(ctx context.Context, envelope PeerEnvelope) error {
	var lastErr error
	for _, peer := range b.peers {
		if err := b.send(ctx, peer, envelope); err != nil {
			b.logger.Warn("peer broadcast failed",
				"peer", peer,
				"correlationId", envelope.Operation.CorrelationID,
				"error", err)
			lastErr = err
		}
	}
	return lastErr
}

func (b *WebsocketBroadcaster) send(ctx context.Context, peer string, envelope PeerEnvelope) error {
	conn, err := b.conn(ctx, peer)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, envelope); err != nil {
		b.drop(peer, conn)
		return err
	}
	return nil
}

func (b *WebsocketBroadcaster) conn(ctx context.Context, peer string) (*websocket.Conn, error) {
	b.mu.Lock()
	if conn, ok := b.conns[peer]; ok {
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, peer, nil)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.conns[peer]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate dial")
		return existing, nil
	}
	b.conns[peer] = conn
	return conn, nil
}

func (b *WebsocketBroadcaster) drop(peer string, conn *websocket.Conn) {
	b.mu.Lock()
	if b.conns[peer] == conn {
		delete(b.conns, peer)
	}
	b.mu.Unlock()
	_ = conn.Close(websocket.StatusInternalError, "send failed")
}

func (b *WebsocketBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lastErr error
	for peer, conn := range b.conns {
		if err := conn.Close(websocket.StatusNormalClosure, "shutting down"); err != nil &&
			!errors.Is(err, context.Canceled) {
			lastErr = err
		}
		delete(b.conns, peer)
	}
	return lastErr
}
