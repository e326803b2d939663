package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultSendTimeout  = 5 * time.Second
	defaultLeaveTimeout = 5 * time.Second
)

type Config struct {
	Transport Transport
	Connector Connector
	// Media is optional. Without it, or when it fails, sessions only receive.
	Media    MediaSource
	Observer Observer

	PollInterval time.Duration
	// ConnectTimeout tears down sessions that have not connected in time.
	// Zero disables it.
	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type managerState int

const (
	stateIdle managerState = iota
	stateJoining
	stateJoined
	stateLeft
)

// Manager owns every PeerSession of the local participant in one meeting.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      managerState
	meetingID  string
	self       Participant
	tracks     LocalTracks
	sessions   map[PeerID]*PeerSession
	lastRoster []Participant
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil || cfg.Connector == nil {
		return nil, ErrMissingDependencies
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[PeerID]*PeerSession),
	}, nil
}

// Join registers with the meeting and starts polling the transport every
// PollInterval. The first poll happens one interval after Join returns.
// While a Join is in flight, other calls fail with ErrAlreadyJoined.
func (m *Manager) Join(ctx context.Context, meetingID string, self Participant) error {
	if self.ID == 0 {
		return fmt.Errorf("%w: self id must be non-zero", ErrInvalidPeerID)
	}

	m.mu.Lock()
	if m.state == stateJoining || m.state == stateJoined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	prev := m.state
	m.state = stateJoining
	m.mu.Unlock()

	var tracks LocalTracks
	if m.cfg.Media != nil {
		t, err := m.cfg.Media.LocalTracks()
		if err != nil {
			m.log.Warn("local media unavailable, joining receive-only", "err", err)
		} else {
			tracks = t
		}
	}

	if mem, ok := m.cfg.Transport.(Membership); ok {
		if err := mem.Join(ctx, meetingID, self); err != nil {
			m.mu.Lock()
			m.state = prev
			m.mu.Unlock()
			return fmt.Errorf("join meeting %q: %w", meetingID, err)
		}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.state = stateJoined
	m.meetingID = meetingID
	m.self = self
	m.tracks = tracks
	m.lastRoster = nil
	m.cancelPoll = cancel
	m.pollDone = done
	m.mu.Unlock()

	m.log.Info("joined meeting",
		"meeting_id", meetingID,
		"self_id", self.ID.String(),
		"display_name", self.DisplayName,
		"audio", tracks.Audio != nil,
		"video", tracks.Video != nil,
	)

	go m.pollLoop(pollCtx, done)
	return nil
}

// LeaveAll stops polling, then tears down every session before returning.
func (m *Manager) LeaveAll(ctx context.Context) {
	m.mu.Lock()
	if m.state != stateJoined {
		m.mu.Unlock()
		return
	}
	m.state = stateLeft
	cancel, done := m.cancelPoll, m.pollDone
	m.cancelPoll, m.pollDone = nil, nil
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	sessions := sortedSessions(m.sessions)
	m.sessions = make(map[PeerID]*PeerSession)
	meetingID := m.meetingID
	m.mu.Unlock()

	for _, s := range sessions {
		s.Teardown()
	}

	if mem, ok := m.cfg.Transport.(Membership); ok {
		leaveCtx, cancel := context.WithTimeout(ctx, defaultLeaveTimeout)
		defer cancel()
		if err := mem.Leave(leaveCtx); err != nil {
			m.log.Warn("leave meeting failed", "meeting_id", meetingID, "err", err)
		}
	}
	m.log.Info("left meeting", "meeting_id", meetingID, "sessions_closed", len(sessions))
}

func (m *Manager) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := m.cfg.Transport.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.Inc(metrics.TransportPollErrors)
			m.log.Warn("transport poll failed", "err", err)
			continue
		}
		m.HandleTransportPayload(ctx, payload)
	}
}

// HandleTransportPayload applies every signal in order, waits for them to
// finish, and only then reconciles the roster. It is safe to call from
// several goroutines; per-peer work stays ordered.
func (m *Manager) HandleTransportPayload(ctx context.Context, payload Payload) {
	m.mu.Lock()
	joined := m.state == stateJoined
	m.mu.Unlock()
	if !joined {
		if n := len(payload.Signals); n > 0 {
			m.metrics.Add(metrics.SignalsDroppedAfterLeave, uint64(n))
		}
		m.log.Debug("ignoring transport payload outside a meeting", "signals", len(payload.Signals))
		return
	}

	var pending []<-chan struct{}
	for _, sig := range payload.Signals {
		done, err := m.onSignal(ctx, sig)
		if err != nil {
			m.logSignalError(sig, err)
			continue
		}
		pending = append(pending, done)
	}
	if !waitAll(ctx, pending) {
		return
	}

	waitAll(ctx, m.reconcileRoster(payload.Roster))
}

// ReplaceOutboundVideo swaps the outbound video of every live session and of
// sessions created later.
func (m *Manager) ReplaceOutboundVideo(track webrtc.TrackLocal) error {
	m.mu.Lock()
	m.tracks.Video = track
	sessions := sortedSessions(m.sessions)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.ReplaceOutboundVideo(track); err != nil {
			m.log.Warn("replace outbound video failed", "peer_id", s.ID().String(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sessions returns a snapshot of every live session ordered by peer ID.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := sortedSessions(m.sessions)
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) session(id PeerID) *PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// sessionFor returns the session for peer, creating it when missing.
func (m *Manager) sessionFor(peer Participant) (*PeerSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateJoined {
		return nil, false, ErrLeft
	}
	if s, ok := m.sessions[peer.ID]; ok {
		s.learnDisplayName(peer.DisplayName)
		return s, false, nil
	}

	s, err := newPeerSession(sessionConfig{
		self:           m.self,
		peer:           peer,
		tracks:         m.tracks,
		connector:      m.cfg.Connector,
		connectTimeout: m.cfg.ConnectTimeout,
		send:           m.send,
		observer:       m.cfg.Observer,
		onClosed:       m.forget,
		log:            m.log,
		metrics:        m.metrics,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session for peer %s: %w", peer.ID, err)
	}
	m.sessions[peer.ID] = s
	m.metrics.Inc(metrics.SessionsCreated)
	m.log.Info("peer session created", "peer_id", peer.ID.String(), "display_name", peer.DisplayName)
	return s, true, nil
}

func (m *Manager) forget(s *PeerSession) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()
}

func (m *Manager) selfParticipant() Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// send hands a signal to the transport once. Failures are logged, not retried.
func (m *Manager) send(sig Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	if err := m.cfg.Transport.Send(ctx, sig); err != nil {
		m.metrics.Inc(metrics.TransportSendErrors)
		m.log.Warn("signal send failed",
			"peer_id", sig.To.String(),
			"signal_type", string(sig.Type),
			"err", err,
		)
	}
}

func sortedSessions(in map[PeerID]*PeerSession) []*PeerSession {
	out := make([]*PeerSession, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// waitAll reports false if ctx ended first.
func waitAll(ctx context.Context, pending []<-chan struct{}) bool {
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
