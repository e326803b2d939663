package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsCloseTimeout = time.Second
	wsMaxFrame     = 4 << 20
)

type WSConfig struct {
	BaseURL string
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// WSTransport receives payloads pushed by the meeting server over a
// WebSocket and sends signals as text frames on the same socket.
//
// Poll never blocks on the network: it returns whatever arrived since the
// previous call. When the socket drops, the next Poll redials.
type WSTransport struct {
	base   string
	dialer *websocket.Dialer
	log    *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	meetingID string
	self      mesh.Participant
	conn      *websocket.Conn
	done      chan struct{}
	readErr   error
	signals   []mesh.Signal
	roster    []mesh.Participant
}

func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WSTransport{
		base:   trimSlash(cfg.BaseURL),
		dialer: cfg.Dialer,
		log:    cfg.Logger,
	}
}

// WebSocketURL maps an http(s) meeting server URL to the push endpoint.
func WebSocketURL(base, meetingID string, self mesh.Participant) (string, error) {
	u, err := url.Parse(trimSlash(base))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.String() + MeetingPath(meetingID) + "/ws?" + peerQuery(self), nil
}

func (t *WSTransport) Join(ctx context.Context, meetingID string, self mesh.Participant) error {
	t.mu.Lock()
	t.meetingID = meetingID
	t.self = self
	t.mu.Unlock()
	return t.dial(ctx)
}

func (t *WSTransport) dial(ctx context.Context) error {
	t.mu.Lock()
	meetingID, self := t.meetingID, t.self
	t.mu.Unlock()
	if meetingID == "" {
		return ErrNotJoined
	}

	target, err := WebSocketURL(t.base, meetingID, self)
	if err != nil {
		return err
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return &StatusError{StatusCode: resp.StatusCode, Code: "dial_failed", Message: err.Error()}
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(wsMaxFrame)

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.readErr = nil
	t.mu.Unlock()

	go t.readLoop(conn, done)
	t.log.Debug("meeting websocket connected", "meeting_id", meetingID)
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.readErr = err
			}
			t.mu.Unlock()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		resp, err := ParsePollResponse(data)
		if err != nil {
			t.log.Warn("dropping malformed push frame", "err", err)
			continue
		}
		payload, err := resp.ToMesh()
		if err != nil {
			t.log.Warn("dropped undecodable signals from push", "err", err)
		}

		t.mu.Lock()
		t.signals = append(t.signals, payload.Signals...)
		t.roster = payload.Roster
		t.mu.Unlock()
	}
}

func (t *WSTransport) Poll(ctx context.Context) (mesh.Payload, error) {
	t.mu.Lock()
	if t.meetingID == "" {
		t.mu.Unlock()
		return mesh.Payload{}, ErrNotJoined
	}
	dead := t.conn == nil || t.readErr != nil
	readErr := t.readErr
	payload := mesh.Payload{Signals: t.signals, Roster: t.roster}
	t.signals, t.roster = nil, nil
	t.mu.Unlock()

	if dead {
		t.closeConn()
		if err := t.dial(ctx); err != nil {
			return payload, errors.Join(readErr, err)
		}
		if readErr != nil {
			t.log.Info("meeting websocket reconnected", "previous_err", readErr)
		}
	}
	return payload, nil
}

func (t *WSTransport) Send(ctx context.Context, sig mesh.Signal) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotJoined
	}

	data, err := json.Marshal(NewSignalMessage(sig))
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	joined := t.meetingID != ""
	t.meetingID = ""
	t.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	t.closeConn()
	return nil
}

func (t *WSTransport) closeConn() {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.done = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
		time.Now().Add(wsCloseTimeout),
	)
	t.writeMu.Unlock()
	_ = conn.Close()
	if done != nil {
		<-done
	}
}
