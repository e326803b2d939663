package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

// MeetingPath is the API prefix for one meeting.
func MeetingPath(meetingID string) string {
	return "/api/meetings/" + url.PathEscape(meetingID)
}

type HTTPConfig struct {
	// BaseURL is the meeting server origin, e.g. https://meet.example.com.
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPTransport polls the meeting API. It implements mesh.Transport and
// mesh.Membership.
type HTTPTransport struct {
	base   string
	client *http.Client
	log    *slog.Logger

	mu        sync.Mutex
	meetingID string
	self      mesh.Participant
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPTransport{
		base:   trimSlash(cfg.BaseURL),
		client: cfg.Client,
		log:    cfg.Logger,
	}
}

func (t *HTTPTransport) Join(ctx context.Context, meetingID string, self mesh.Participant) error {
	body, err := json.Marshal(ParticipantFromMesh(self))
	if err != nil {
		return err
	}
	if err := t.do(ctx, http.MethodPost, MeetingPath(meetingID)+"/participants", body, nil); err != nil {
		return err
	}
	t.mu.Lock()
	t.meetingID = meetingID
	t.self = self
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) Leave(ctx context.Context) error {
	meetingID, self, ok := t.membership()
	if !ok {
		return ErrNotJoined
	}
	path := MeetingPath(meetingID) + "/participants/" + self.ID.String()
	err := t.do(ctx, http.MethodDelete, path, nil, nil)

	t.mu.Lock()
	t.meetingID = ""
	t.mu.Unlock()
	return err
}

func (t *HTTPTransport) Poll(ctx context.Context) (mesh.Payload, error) {
	meetingID, self, ok := t.membership()
	if !ok {
		return mesh.Payload{}, ErrNotJoined
	}
	path := MeetingPath(meetingID) + "/poll?peer=" + self.ID.String()

	var raw []byte
	if err := t.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == CodeNotInMeeting {
			// Expired server side, e.g. after the process was suspended.
			if rerr := t.Join(ctx, meetingID, self); rerr != nil {
				return mesh.Payload{}, errors.Join(err, rerr)
			}
			t.log.Info("rejoined meeting after expiry", "meeting_id", meetingID)
		}
		return mesh.Payload{}, err
	}
	resp, err := ParsePollResponse(raw)
	if err != nil {
		return mesh.Payload{}, err
	}
	payload, err := resp.ToMesh()
	if err != nil {
		t.log.Warn("dropped undecodable signals from poll", "meeting_id", meetingID, "err", err)
	}
	return payload, nil
}

func (t *HTTPTransport) Send(ctx context.Context, sig mesh.Signal) error {
	meetingID, _, ok := t.membership()
	if !ok {
		return ErrNotJoined
	}
	body, err := json.Marshal(NewSignalMessage(sig))
	if err != nil {
		return err
	}
	return t.do(ctx, http.MethodPost, MeetingPath(meetingID)+"/signals", body, nil)
}

// FetchICEServers asks the meeting server for the ICE servers to use,
// including short-lived TURN credentials when the server mints them.
func (t *HTTPTransport) FetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var raw []byte
	if err := t.do(ctx, http.MethodGet, "/api/ice", nil, &raw); err != nil {
		return nil, err
	}
	var resp ICEResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	return resp.ICEServers, nil
}

// ICEResponse is the body of GET /api/ice.
type ICEResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (t *HTTPTransport) membership() (string, mesh.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meetingID, t.self, t.meetingID != ""
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, out *[]byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			serr.Code, serr.Message = er.Code, er.Message
		}
		return serr
	}
	if out != nil {
		*out = data
	}
	return nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// peerQuery formats the query string identifying a participant.
func peerQuery(self mesh.Participant) string {
	q := url.Values{}
	q.Set("peer", strconv.FormatUint(uint64(self.ID), 10))
	if self.DisplayName != "" {
		q.Set("name", self.DisplayName)
	}
	return q.Encode()
}
