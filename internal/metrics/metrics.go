package metrics

import "sync"

// Participant-side counters.
const (
	SessionsCreated          = "sessions_created"
	SessionsTornDown         = "sessions_torn_down"
	OffersSent               = "offers_sent"
	AnswersSent              = "answers_sent"
	CandidatesApplied        = "candidates_applied"
	CandidatesBuffered       = "candidates_buffered"
	CandidatesFlushed        = "candidates_flushed"
	NegotiationErrors        = "negotiation_errors"
	TransportPollErrors      = "transport_poll_errors"
	TransportSendErrors      = "transport_send_errors"
	SignalsDroppedAfterLeave = "signals_dropped_after_leave"
	ConnectTimeouts          = "connect_timeouts"
	RemoteTracksStarted      = "remote_tracks_started"
	RemoteRTPPackets         = "remote_rtp_packets"
	RemoteRTPBytes           = "remote_rtp_bytes"
	LocalSamplesWritten      = "local_samples_written"
)

// Meeting server counters.
const (
	ParticipantsJoined  = "participants_joined"
	ParticipantsLeft    = "participants_left"
	ParticipantsExpired = "participants_expired"
	SignalsPosted       = "signals_posted"
	SignalsRateLimited  = "signals_rate_limited"
	SignalsRejected     = "signals_rejected"
	SignalsDelivered    = "signals_delivered"
	PushConnections     = "push_connections"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything, so components can take an
// optional registry without guarding every call site.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
