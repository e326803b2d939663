package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

const pushFrame = `{"signals":[{"id":"s1","type":"ice-candidate","from":2,"to":7,"candidate":{"candidate":"c1"}}],"participants":[{"id":2,"displayName":"bob"},{"id":7,"displayName":"me"}]}`

type pushServer struct {
	mu       sync.Mutex
	dials    int
	queries  []string
	received chan []byte
	conns    []*websocket.Conn
}

func newPushServer(t *testing.T) (*pushServer, string) {
	t.Helper()
	ps := &pushServer{received: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/meetings/standup/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.dials++
		ps.queries = append(ps.queries, r.URL.RawQuery)
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(pushFrame))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ps.received <- data
		}
	}))
	t.Cleanup(srv.Close)
	return ps, srv.URL
}

func (ps *pushServer) dialCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.dials
}

func (ps *pushServer) dropLatest() {
	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()
	_ = conn.Close()
}

func pollUntil(t *testing.T, tr *WSTransport, cond func(mesh.Payload) bool) mesh.Payload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		payload, err := tr.Poll(context.Background())
		if err == nil && cond(payload) {
			return payload
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out polling websocket transport (last err=%v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketURL(t *testing.T) {
	self := mesh.Participant{ID: 7, DisplayName: "me"}
	cases := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8080/", "ws://127.0.0.1:8080/api/meetings/standup/ws?name=me&peer=7"},
		{"https://meet.example.com", "wss://meet.example.com/api/meetings/standup/ws?name=me&peer=7"},
	}
	for _, tc := range cases {
		got, err := WebSocketURL(tc.base, "standup", self)
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("WebSocketURL(%q)=%q, want %q", tc.base, got, tc.want)
		}
	}
	if _, err := WebSocketURL("ftp://example.com", "standup", self); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestWSTransport_PushSendAndReconnect(t *testing.T) {
	ps, base := newPushServer(t)
	tr := NewWSTransport(WSConfig{BaseURL: base, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx := context.Background()

	if _, err := tr.Poll(ctx); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Poll before join err=%v, want ErrNotJoined", err)
	}
	if err := tr.Join(ctx, "standup", mesh.Participant{ID: 7, DisplayName: "me"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	payload := pollUntil(t, tr, func(p mesh.Payload) bool { return len(p.Signals) == 1 })
	if payload.Signals[0].Candidate.Candidate != "c1" || len(payload.Roster) != 2 {
		t.Fatalf("payload=%+v", payload)
	}
	if again, err := tr.Poll(ctx); err != nil || len(again.Signals) != 0 || again.Roster != nil {
		t.Fatalf("second poll=%+v err=%v, want empty", again, err)
	}

	err := tr.Send(ctx, mesh.Signal{Type: mesh.SignalICECandidate, From: 7, To: 2, Candidate: &webrtc.ICECandidateInit{Candidate: "c2"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-ps.received:
		msg, err := ParseSignalMessage(data)
		if err != nil || msg.Candidate.Candidate != "c2" {
			t.Fatalf("server received %s err=%v", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive the signal")
	}

	ps.dropLatest()
	pollUntil(t, tr, func(p mesh.Payload) bool { return len(p.Signals) == 1 })
	if got := ps.dialCount(); got != 2 {
		t.Fatalf("dials=%d, want 2", got)
	}

	if err := tr.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := tr.Send(ctx, mesh.Signal{}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Send after leave err=%v, want ErrNotJoined", err)
	}
	ps.mu.Lock()
	q := ps.queries[0]
	ps.mu.Unlock()
	if !strings.Contains(q, "peer=7") {
		t.Fatalf("query=%q, want peer=7", q)
	}
}

func TestWSTransport_JoinFailsOnRejectedUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewWSTransport(WSConfig{BaseURL: srv.URL, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	err := tr.Join(context.Background(), "standup", mesh.Participant{ID: 7})
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusForbidden {
		t.Fatalf("err=%v, want 403 StatusError", err)
	}
}
