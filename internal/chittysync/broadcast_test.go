package chittysync

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newPeerStub(t *testing.T, received chan PeerEnvelope) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			var envelope PeerEnvelope
			if err := wsjson.Read(r.Context(), conn, &envelope); err != nil {
				return
			}
			received <- envelope
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(server.URL, "http://")
}

func TestWebsocketBroadcasterDeliversEnvelope(t *testing.T) {
	received := make(chan PeerEnvelope, 1)
	server := newPeerStub(t, received)

	broadcaster := NewWebsocketBroadcaster([]string{wsURL(server)}, slog.Default())
	defer broadcaster.Close()

	envelope := PeerEnvelope{
		Operation: Operation{
			ID:        "op_1",
			Kind:      Kind{VerbCreate, RecordEntity},
			SessionID: "s1",
		},
		Clock:  VectorClock{"s1": 1},
		SentAt: time.Now().UTC(),
	}
	if err := broadcaster.Notify(context.Background(), envelope); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case got := <-received:
		if got.Operation.ID != "op_1" || got.Clock["s1"] != 1 {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the envelope")
	}
}

func TestWebsocketBroadcasterRedialsAfterPeerRestart(t *testing.T) {
	received := make(chan PeerEnvelope, 4)
	first := newPeerStub(t, received)
	peer := wsURL(first)

	broadcaster := NewWebsocketBroadcaster([]string{peer}, slog.Default())
	defer broadcaster.Close()

	if err := broadcaster.Notify(context.Background(), PeerEnvelope{SentAt: time.Now()}); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	<-received

	first.Close()

	// The first write after the peer dies may still land in the socket
	// buffer, so keep notifying until the broken connection is detected,
	// dropped, and the redial against the dead address fails.
	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err := broadcaster.Notify(ctx, PeerEnvelope{SentAt: time.Now()})
		cancel()
		if err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("notify kept succeeding after peer shutdown")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWebsocketBroadcasterReportsUnreachablePeers(t *testing.T) {
	broadcaster := NewWebsocketBroadcaster([]string{"ws://127.0.0.1:1"}, slog.Default())
	defer broadcaster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := broadcaster.Notify(ctx, PeerEnvelope{SentAt: time.Now()}); err == nil {
		t.Fatal("expected an error for an unreachable peer")
	}
}

func TestNoopBroadcasterNeverFails(t *testing.T) {
	if err := (NoopBroadcaster{}).Notify(context.Background(), PeerEnvelope{}); err != nil {
		t.Fatalf("noop notify: %v", err)
	}
}
