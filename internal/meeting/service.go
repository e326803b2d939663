package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
	"github.com/wilsonzlin/meshmeet/internal/ratelimit"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

const (
	DefaultParticipantTTL = 30 * time.Second
	DefaultMaxSignalBytes = 64 << 10
)

type ServiceConfig struct {
	Store          Store
	ParticipantTTL time.Duration
	// MaxSignalsPerSecond limits each sender; zero disables the limit.
	MaxSignalsPerSecond int
	MaxSignalBytes      int
	Clock               ratelimit.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service implements the meeting operations shared by the HTTP and
// WebSocket endpoints.
type Service struct {
	store          Store
	participantTTL time.Duration
	maxSignalBytes int
	clock          ratelimit.Clock
	limiter        *ratelimit.KeyedLimiter
	log            *slog.Logger
	metrics        *metrics.Metrics
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("meeting: store is required")
	}
	if cfg.ParticipantTTL <= 0 {
		cfg.ParticipantTTL = DefaultParticipantTTL
	}
	if cfg.MaxSignalBytes <= 0 {
		cfg.MaxSignalBytes = DefaultMaxSignalBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:          cfg.Store,
		participantTTL: cfg.ParticipantTTL,
		maxSignalBytes: cfg.MaxSignalBytes,
		clock:          cfg.Clock,
		limiter: ratelimit.NewKeyedLimiter(ratelimit.KeyedLimiterConfig{
			Clock:     cfg.Clock,
			PerSecond: int64(cfg.MaxSignalsPerSecond),
		}),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (s *Service) MaxSignalBytes() int {
	return s.maxSignalBytes
}

// Join adds p to the meeting, or refreshes it when already present.
func (s *Service) Join(ctx context.Context, meetingID string, p mesh.Participant) error {
	if err := signaling.ValidateMeetingID(meetingID); err != nil {
		return err
	}
	if p.ID == 0 {
		return fmt.Errorf("%w: participant id must be non-zero", ErrInvalidPeerID)
	}
	joined, err := s.store.Join(ctx, meetingID, p, s.clock.Now())
	if err != nil {
		return err
	}
	if joined {
		s.metrics.Inc(metrics.ParticipantsJoined)
		s.log.Info("participant joined", "meeting_id", meetingID, "peer_id", p.ID.String(), "display_name", p.DisplayName)
	}
	return nil
}

// Leave is idempotent.
func (s *Service) Leave(ctx context.Context, meetingID string, id mesh.PeerID) error {
	if err := signaling.ValidateMeetingID(meetingID); err != nil {
		return err
	}
	left, err := s.store.Leave(ctx, meetingID, id)
	if err != nil {
		return err
	}
	s.limiter.Forget(limiterKey(meetingID, id))
	if left {
		s.metrics.Inc(metrics.ParticipantsLeft)
		s.log.Info("participant left", "meeting_id", meetingID, "peer_id", id.String())
	}
	return nil
}

// Poll refreshes id, drains its mailbox and returns the current roster.
func (s *Service) Poll(ctx context.Context, meetingID string, id mesh.PeerID) (signaling.PollResponse, error) {
	if err := signaling.ValidateMeetingID(meetingID); err != nil {
		return signaling.PollResponse{}, err
	}
	now := s.clock.Now()
	if err := s.store.Touch(ctx, meetingID, id, now); err != nil {
		return signaling.PollResponse{}, err
	}
	signals, err := s.store.Drain(ctx, meetingID, id, now)
	if err != nil {
		return signaling.PollResponse{}, err
	}
	roster, err := s.store.Participants(ctx, meetingID)
	if err != nil {
		return signaling.PollResponse{}, err
	}

	resp := signaling.PollResponse{
		Signals:      signals,
		Participants: make([]signaling.ParticipantMessage, 0, len(roster)),
	}
	for _, p := range roster {
		resp.Participants = append(resp.Participants, signaling.ParticipantFromMesh(p))
	}
	if n := len(signals); n > 0 {
		s.metrics.Add(metrics.SignalsDelivered, uint64(n))
	}
	return resp, nil
}

// PostSignal validates raw and queues it for its recipient. A non-zero
// sender pins the message's from field to an authenticated connection.
func (s *Service) PostSignal(ctx context.Context, meetingID string, raw []byte, sender mesh.PeerID) (err error) {
	defer func() {
		switch {
		case err == nil:
			s.metrics.Inc(metrics.SignalsPosted)
		case errors.Is(err, ErrRateLimited):
			s.metrics.Inc(metrics.SignalsRateLimited)
		default:
			s.metrics.Inc(metrics.SignalsRejected)
		}
	}()

	if err := signaling.ValidateMeetingID(meetingID); err != nil {
		return err
	}
	if len(raw) > s.maxSignalBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrSignalTooLarge, len(raw), s.maxSignalBytes)
	}
	msg, err := signaling.ParseSignalMessage(raw)
	if err != nil {
		return err
	}
	from := mesh.PeerID(msg.From)
	if sender != 0 && from != sender {
		return fmt.Errorf("%w: from=%s connection=%s", ErrSenderMismatch, from, sender)
	}
	ok, err := s.store.Contains(ctx, meetingID, from)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInMeeting
	}
	if !s.limiter.Allow(limiterKey(meetingID, from)) {
		return ErrRateLimited
	}
	if err := s.store.Enqueue(ctx, meetingID, msg, s.clock.Now()); err != nil {
		return err
	}
	s.log.Debug("signal queued",
		"meeting_id", meetingID,
		"peer_id", from.String(),
		"to", mesh.PeerID(msg.To).String(),
		"signal_type", msg.Type,
	)
	return nil
}

// ExpireStale removes participants that have not polled within the
// participant TTL.
func (s *Service) ExpireStale(ctx context.Context) ([]Departure, error) {
	gone, err := s.store.Expire(ctx, s.clock.Now().Add(-s.participantTTL))
	for _, d := range gone {
		s.limiter.Forget(limiterKey(d.MeetingID, d.Participant.ID))
		s.metrics.Inc(metrics.ParticipantsExpired)
		s.log.Info("participant expired",
			"meeting_id", d.MeetingID,
			"peer_id", d.Participant.ID.String(),
			"display_name", d.Participant.DisplayName,
		)
	}
	return gone, err
}

// RunJanitor calls ExpireStale every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.participantTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.ExpireStale(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("expiring stale participants failed", "err", err)
		}
	}
}

func limiterKey(meetingID string, id mesh.PeerID) string {
	return meetingID + "/" + id.String()
}
