package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

var errFakeClosed = errors.New("fake peer connection closed")

type fakeSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	s.replaced = append(s.replaced, track)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) replacements() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.replaced...)
}

type fakeRemoteTrack struct {
	id, streamID string
	kind         webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return t.streamID }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakePC mimics the pion state rules that matter to negotiation: answers need
// a local offer, and candidates need a remote description.
type fakePC struct {
	mu sync.Mutex

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	applied        []webrtc.ICECandidateInit
	earlyCandidate int
	failAnswers    int
	senders        []*fakeSender
	recvOnly       []webrtc.RTPCodecType
	closeCalls     int

	onTrack     func(RemoteTrack)
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(ConnectionState)
}

func (pc *fakePC) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	s := &fakeSender{}
	pc.senders = append(pc.senders, s)
	return s, nil
}

func (pc *fakePC) AddRecvOnlyTransceiver(kind webrtc.RTPCodecType) error {
	pc.mu.Lock()
	pc.recvOnly = append(pc.recvOnly, kind)
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closeCalls > 0 {
		return webrtc.SessionDescription{}, errFakeClosed
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (pc *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closeCalls > 0 {
		return webrtc.SessionDescription{}, errFakeClosed
	}
	if pc.remote == nil || pc.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("create answer without remote offer")
	}
	if pc.failAnswers > 0 {
		pc.failAnswers--
		return webrtc.SessionDescription{}, errors.New("codec negotiation failed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (pc *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closeCalls > 0 {
		return errFakeClosed
	}
	pc.local = &desc
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closeCalls > 0 {
		return errFakeClosed
	}
	if desc.Type == webrtc.SDPTypeAnswer && (pc.local == nil || pc.local.Type != webrtc.SDPTypeOffer) {
		return errors.New("invalid state: answer without local offer")
	}
	pc.remote = &desc
	return nil
}

func (pc *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closeCalls > 0 {
		return errFakeClosed
	}
	if pc.remote == nil {
		pc.earlyCandidate++
		return errors.New("remote description not set")
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func (pc *fakePC) OnTrack(fn func(RemoteTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	pc.onCandidate = fn
	pc.mu.Unlock()
}

func (pc *fakePC) OnConnectionStateChange(fn func(ConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

// Close reports the closed state synchronously, as pion does.
func (pc *fakePC) Close() error {
	pc.mu.Lock()
	pc.closeCalls++
	first := pc.closeCalls == 1
	onState := pc.onState
	pc.mu.Unlock()
	if first && onState != nil {
		onState(StateClosed)
	}
	return nil
}

func (pc *fakePC) fireState(state ConnectionState) {
	pc.mu.Lock()
	fn := pc.onState
	pc.mu.Unlock()
	fn(state)
}

func (pc *fakePC) fireTrack(t RemoteTrack) {
	pc.mu.Lock()
	fn := pc.onTrack
	pc.mu.Unlock()
	fn(t)
}

func (pc *fakePC) fireLocalCandidate(candidate string) {
	pc.mu.Lock()
	fn := pc.onCandidate
	pc.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

func (pc *fakePC) appliedCandidates() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]string, 0, len(pc.applied))
	for _, c := range pc.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (pc *fakePC) closes() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closeCalls
}

func (pc *fakePC) earlyCandidates() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.earlyCandidate
}

type fakeConnector struct {
	mu  sync.Mutex
	pcs []*fakePC

	// prepare, when set, adjusts every new connection before it is used.
	prepare func(*fakePC)
}

func (c *fakeConnector) NewPeerConnection() (PeerConnection, error) {
	pc := &fakePC{}
	c.mu.Lock()
	if c.prepare != nil {
		c.prepare(pc)
	}
	c.pcs = append(c.pcs, pc)
	c.mu.Unlock()
	return pc, nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pcs)
}

// hub is an in-memory meeting: a roster plus one mailbox per participant.
type hub struct {
	mu        sync.Mutex
	roster    []Participant
	mailboxes map[PeerID][]Signal
}

func newHub() *hub {
	return &hub{mailboxes: make(map[PeerID][]Signal)}
}

func (h *hub) transport(self PeerID) *hubTransport {
	return &hubTransport{hub: h, self: self}
}

func (h *hub) poll(self PeerID) Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	signals := h.mailboxes[self]
	delete(h.mailboxes, self)
	return Payload{Signals: signals, Roster: append([]Participant{}, h.roster...)}
}

func (h *hub) pending(to PeerID) []Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signal(nil), h.mailboxes[to]...)
}

type hubTransport struct {
	hub  *hub
	self PeerID

	mu      sync.Mutex
	sent    []Signal
	joined  int
	left    int
	sendErr error

	// joinErr fails the next Join. joinGate holds every Join until released.
	joinErr  error
	joinGate *joinGate
}

type joinGate struct {
	entered chan struct{}
	release chan struct{}
}

func (t *hubTransport) joins() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

func (t *hubTransport) Poll(ctx context.Context) (Payload, error) {
	return t.hub.poll(t.self), nil
}

func (t *hubTransport) Send(ctx context.Context, sig Signal) error {
	t.mu.Lock()
	t.sent = append(t.sent, sig)
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.hub.mu.Lock()
	t.hub.mailboxes[sig.To] = append(t.hub.mailboxes[sig.To], sig)
	t.hub.mu.Unlock()
	return nil
}

func (t *hubTransport) Join(ctx context.Context, meetingID string, self Participant) error {
	t.mu.Lock()
	t.joined++
	gate := t.joinGate
	err := t.joinErr
	t.joinErr = nil
	t.mu.Unlock()
	if gate != nil {
		gate.entered <- struct{}{}
		<-gate.release
	}
	if err != nil {
		return err
	}
	t.hub.mu.Lock()
	t.hub.roster = append(t.hub.roster, self)
	t.hub.mu.Unlock()
	return nil
}

func (t *hubTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	t.left++
	t.mu.Unlock()
	return nil
}

func (t *hubTransport) sentOfType(typ SignalType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if s.Type == typ {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

func trackAddedFrom(id PeerID) func(Event) bool {
	return func(e Event) bool {
		ev, ok := e.(TrackAdded)
		return ok && ev.PeerID == id
	}
}

func trackRemovedFrom(id PeerID) func(Event) bool {
	return func(e Event) bool {
		ev, ok := e.(TrackRemoved)
		return ok && ev.PeerID == id
	}
}

type testPeer struct {
	id        PeerID
	mgr       *Manager
	transport *hubTransport
	connector *fakeConnector
	events    *recorder
	metrics   *metrics.Metrics
}

type staticMedia struct {
	tracks LocalTracks
	err    error
}

func (m staticMedia) LocalTracks() (LocalTracks, error) {
	return m.tracks, m.err
}

func newTestPeer(t *testing.T, h *hub, id PeerID, media MediaSource) *testPeer {
	t.Helper()

	p := &testPeer{
		id:        id,
		transport: h.transport(id),
		connector: &fakeConnector{},
		events:    &recorder{},
		metrics:   metrics.New(),
	}
	mgr, err := NewManager(Config{
		Transport: p.transport,
		Connector: p.connector,
		Media:     media,
		Observer:  p.events.observe,
		// Tests drive polling by hand.
		PollInterval: time.Hour,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      p.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	p.mgr = mgr

	if err := mgr.Join(context.Background(), "meeting-1", Participant{ID: id, DisplayName: fmt.Sprintf("peer-%d", id)}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(func() { mgr.LeaveAll(context.Background()) })
	return p
}

func (p *testPeer) pollOnce(h *hub) {
	p.mgr.HandleTransportPayload(context.Background(), h.poll(p.id))
}

func (p *testPeer) pc(t *testing.T, peer PeerID) *fakePC {
	t.Helper()
	s := p.mgr.session(peer)
	if s == nil {
		t.Fatalf("peer %d has no session for %d", p.id, peer)
	}
	return s.pc.(*fakePC)
}

func newTestVideoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "stream-"+id)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
