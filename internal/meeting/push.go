package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

const (
	pushWriteTimeout = 5 * time.Second
	pushCloseTimeout = time.Second
)

// handlePush upgrades to a WebSocket, joins the caller and pushes a poll
// payload every push interval. Inbound text frames are signal messages from
// the caller. Closing the socket leaves the meeting.
func (a *API) handlePush(c *gin.Context) {
	meetingID := c.Param("meetingID")
	id, err := mesh.ParsePeerID(c.Query("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	self := mesh.Participant{ID: id, DisplayName: strings.TrimSpace(c.Query("name"))}

	// Join before upgrading so failures are plain HTTP errors.
	if err := a.svc.Join(c.Request.Context(), meetingID, self); err != nil {
		writeError(c, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return a.origins.Allow(r.Header.Get("Origin"), r.Host)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote an error response.
		a.log.Warn("websocket upgrade failed", "meeting_id", meetingID, "peer_id", id.String(), "err", err)
		_ = a.svc.Leave(context.Background(), meetingID, id)
		return
	}
	conn.SetReadLimit(int64(a.svc.MaxSignalBytes()))
	a.metrics.Inc(metrics.PushConnections)

	ctx, cancel := context.WithCancel(context.Background())
	go a.readSignals(ctx, cancel, conn, meetingID, id)
	a.pushLoop(ctx, conn, meetingID, id)
	cancel()

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(pushCloseTimeout),
	)
	_ = conn.Close()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), pushWriteTimeout)
	defer leaveCancel()
	if err := a.svc.Leave(leaveCtx, meetingID, id); err != nil {
		a.log.Warn("leave after websocket close failed", "meeting_id", meetingID, "peer_id", id.String(), "err", err)
	}
}

func (a *API) readSignals(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, meetingID string, id mesh.PeerID) {
	defer cancel()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				a.log.Debug("websocket read ended", "meeting_id", meetingID, "peer_id", id.String(), "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := a.svc.PostSignal(ctx, meetingID, data, id); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("signal rejected", "meeting_id", meetingID, "peer_id", id.String(), "err", err)
		}
	}
}

// pushLoop writes until ctx ends or a write fails. It is the only writer on
// conn until it returns.
func (a *API) pushLoop(ctx context.Context, conn *websocket.Conn, meetingID string, id mesh.PeerID) {
	ticker := time.NewTicker(a.pushInterval)
	defer ticker.Stop()

	for {
		resp, err := a.svc.Poll(ctx, meetingID, id)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn("push poll failed", "meeting_id", meetingID, "peer_id", id.String(), "err", err)
			}
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
