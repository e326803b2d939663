package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

// Connector creates one pion PeerConnection per remote participant.
type Connector struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewConnector(api *webrtc.API, iceServers []webrtc.ICEServer, log *slog.Logger) *Connector {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Connector{api: api, iceServers: iceServers, log: log}
}

func (c *Connector) NewPeerConnection() (mesh.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PeerConnection{pc: pc, log: c.log}, nil
}

// PeerConnection adapts *webrtc.PeerConnection to mesh.PeerConnection.
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

func Wrap(pc *webrtc.PeerConnection, log *slog.Logger) *PeerConnection {
	if log == nil {
		log = slog.Default()
	}
	return &PeerConnection{pc: pc, log: log}
}

// Raw exposes the underlying pion connection.
func (p *PeerConnection) Raw() *webrtc.PeerConnection {
	return p.pc
}

func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) (mesh.TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Interceptors only see RTCP that somebody reads.
	go drainRTCP(sender)
	return sender, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *PeerConnection) AddRecvOnlyTransceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *PeerConnection) OnTrack(fn func(mesh.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

// OnICECandidate skips pion's end-of-gathering nil candidate.
func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(mesh.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		mapped, ok := MapConnectionState(state)
		if !ok {
			p.log.Debug("ignoring unknown peer connection state", "state", state.String())
			return
		}
		fn(mapped)
	})
}

func (p *PeerConnection) Close() error {
	err := p.pc.Close()
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return nil
	}
	return err
}

func MapConnectionState(state webrtc.PeerConnectionState) (mesh.ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return mesh.StateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return mesh.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return mesh.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return mesh.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return mesh.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return mesh.StateClosed, true
	default:
		return 0, false
	}
}
