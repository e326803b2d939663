package mesh

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

// SessionInfo is a point-in-time view of a PeerSession.
type SessionInfo struct {
	PeerID               PeerID
	DisplayName          string
	State                ConnectionState
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
	PendingCandidates    int
}

type sessionConfig struct {
	self           Participant
	peer           Participant
	tracks         LocalTracks
	connector      Connector
	connectTimeout time.Duration

	send     func(Signal)
	observer Observer
	onClosed func(*PeerSession)

	log     *slog.Logger
	metrics *metrics.Metrics
}

// PeerSession owns the connection to one remote participant.
//
// Negotiation steps run on the session's task queue. Teardown may be called
// from anywhere and is idempotent.
type PeerSession struct {
	id       PeerID
	self     Participant
	pc       PeerConnection
	send     func(Signal)
	observer Observer
	onClosed func(*PeerSession)
	log      *slog.Logger
	metrics  *metrics.Metrics

	queue      taskQueue
	candidates candidateBuffer

	mu            sync.Mutex
	displayName   string
	state         ConnectionState
	videoSender   TrackSender
	localDescSet  bool
	remoteDescSet bool
	closed        bool
	connectTimer  *time.Timer
}

func newPeerSession(cfg sessionConfig) (*PeerSession, error) {
	pc, err := cfg.connector.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &PeerSession{
		id:          cfg.peer.ID,
		self:        cfg.self,
		pc:          pc,
		send:        cfg.send,
		observer:    cfg.observer,
		onClosed:    cfg.onClosed,
		log:         cfg.log.With("peer_id", cfg.peer.ID.String()),
		metrics:     cfg.metrics,
		displayName: cfg.peer.DisplayName,
		state:       StateNew,
	}

	if err := s.attachTracks(cfg.tracks); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(s.handleRemoteTrack)
	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleStateChange)

	if cfg.connectTimeout > 0 {
		s.connectTimer = time.AfterFunc(cfg.connectTimeout, s.handleConnectTimeout)
	}
	return s, nil
}

func (s *PeerSession) attachTracks(tracks LocalTracks) error {
	if tracks.Audio != nil {
		if _, err := s.pc.AddTrack(tracks.Audio); err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
	} else if err := s.pc.AddRecvOnlyTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	if tracks.Video != nil {
		sender, err := s.pc.AddTrack(tracks.Video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		s.videoSender = sender
	} else if err := s.pc.AddRecvOnlyTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}
	return nil
}

func (s *PeerSession) ID() PeerID {
	return s.id
}

func (s *PeerSession) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

func (s *PeerSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PeerSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		PeerID:               s.id,
		DisplayName:          s.displayName,
		State:                s.state,
		LocalDescriptionSet:  s.localDescSet,
		RemoteDescriptionSet: s.remoteDescSet,
		PendingCandidates:    s.candidates.len(),
	}
}

func (s *PeerSession) learnDisplayName(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	if s.displayName == "" {
		s.displayName = name
	}
	s.mu.Unlock()
}

// ReplaceOutboundVideo swaps the track behind the video sender. It is a no-op
// when the session was created without local video.
func (s *PeerSession) ReplaceOutboundVideo(track webrtc.TrackLocal) error {
	s.mu.Lock()
	sender := s.videoSender
	closed := s.closed
	s.mu.Unlock()

	if closed || sender == nil {
		return nil
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track for peer %s: %w", s.id, err)
	}
	return nil
}

// Teardown closes the connection, drops buffered candidates and emits a
// single TrackRemoved. Later calls do nothing.
func (s *PeerSession) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	timer := s.connectTimer
	s.connectTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.candidates.discard()
	if err := s.pc.Close(); err != nil {
		s.log.Debug("peer connection close failed", "err", err)
	}
	s.metrics.Inc(metrics.SessionsTornDown)
	s.log.Info("peer session torn down")

	s.observer.emit(TrackRemoved{PeerID: s.id})
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func (s *PeerSession) handleRemoteTrack(track RemoteTrack) {
	if s.Closed() {
		return
	}
	s.log.Info("remote track added", "track_id", track.ID(), "stream_id", track.StreamID(), "kind", track.Kind().String())
	s.observer.emit(TrackAdded{
		PeerID:      s.id,
		DisplayName: s.DisplayName(),
		StreamID:    track.StreamID(),
		Track:       track,
	})
}

func (s *PeerSession) handleLocalCandidate(c webrtc.ICECandidateInit) {
	if s.Closed() {
		return
	}
	cand := c
	s.send(Signal{
		Type:      SignalICECandidate,
		From:      s.self.ID,
		FromName:  s.self.DisplayName,
		To:        s.id,
		Candidate: &cand,
	})
}

func (s *PeerSession) handleStateChange(state ConnectionState) {
	s.mu.Lock()
	if s.closed || !s.state.canMoveTo(state) {
		s.mu.Unlock()
		return
	}
	s.state = state
	var timer *time.Timer
	if state == StateConnected {
		timer = s.connectTimer
		s.connectTimer = nil
	}
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	s.log.Info("peer connection state changed", "state", state.String())
	s.observer.emit(ConnectionStateChanged{PeerID: s.id, State: state})

	switch state {
	case StateConnected:
		s.queue.submit(func() { s.flushCandidates("connected") })
	case StateDisconnected, StateFailed, StateClosed:
		s.Teardown()
	}
}

func (s *PeerSession) handleConnectTimeout() {
	s.mu.Lock()
	stale := s.closed || s.state == StateConnected
	s.mu.Unlock()
	if stale {
		return
	}
	s.metrics.Inc(metrics.ConnectTimeouts)
	s.log.Warn("peer session did not connect in time")
	s.handleStateChange(StateFailed)
}

// The methods below run on the session's task queue.

func (s *PeerSession) createOffer() error {
	if s.Closed() {
		return ErrSessionClosed
	}
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.mu.Lock()
	s.localDescSet = true
	s.mu.Unlock()

	s.send(Signal{
		Type:        SignalOffer,
		From:        s.self.ID,
		FromName:    s.self.DisplayName,
		To:          s.id,
		Description: &offer,
	})
	s.metrics.Inc(metrics.OffersSent)
	return nil
}

func (s *PeerSession) acceptOffer(offer webrtc.SessionDescription) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.markRemoteDescription()
	// Later candidates skip the buffer from here on, so drain it first.
	s.flushCandidates("offer")

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	s.mu.Lock()
	s.localDescSet = true
	s.mu.Unlock()

	s.send(Signal{
		Type:        SignalAnswer,
		From:        s.self.ID,
		FromName:    s.self.DisplayName,
		To:          s.id,
		Description: &answer,
	})
	s.metrics.Inc(metrics.AnswersSent)
	return nil
}

func (s *PeerSession) acceptAnswer(answer webrtc.SessionDescription) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.markRemoteDescription()
	s.flushCandidates("answer")
	return nil
}

func (s *PeerSession) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteDescSet {
		s.candidates.enqueue(c)
		s.mu.Unlock()
		s.metrics.Inc(metrics.CandidatesBuffered)
		s.log.Debug("buffered remote candidate until remote description is set")
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	s.metrics.Inc(metrics.CandidatesApplied)
	return nil
}

func (s *PeerSession) markRemoteDescription() {
	s.mu.Lock()
	s.remoteDescSet = true
	s.mu.Unlock()
}

func (s *PeerSession) flushCandidates(reason string) {
	s.mu.Lock()
	ready := s.remoteDescSet && !s.closed
	s.mu.Unlock()
	if !ready {
		return
	}

	n, err := s.candidates.drainInto(s.pc.AddICECandidate)
	if n > 0 {
		s.metrics.Add(metrics.CandidatesFlushed, uint64(n))
		s.log.Debug("flushed buffered remote candidates", "count", n, "reason", reason)
	}
	if err != nil {
		s.log.Warn("applying buffered candidates failed", "reason", reason, "err", err)
	}
}
