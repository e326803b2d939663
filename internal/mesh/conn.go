package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canMoveTo reports whether a session in s may record next. State only moves
// forward along new, connecting, connected; any live state may end in
// disconnected, failed or closed. Repeats and stale reports are dropped.
func (s ConnectionState) canMoveTo(next ConnectionState) bool {
	return next.rank() > s.rank()
}

func (s ConnectionState) rank() int {
	switch s {
	case StateNew:
		return 0
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	default:
		return 3
	}
}

// TrackSender is the outbound half of a media track on a PeerConnection.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is a track received from a peer. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the subset of a WebRTC peer connection a session drives.
// Callbacks may be invoked from any goroutine.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	AddRecvOnlyTransceiver(kind webrtc.RTPCodecType) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnTrack(fn func(RemoteTrack))
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(ConnectionState))

	Close() error
}

type Connector interface {
	NewPeerConnection() (PeerConnection, error)
}

type ConnectorFunc func() (PeerConnection, error)

func (f ConnectorFunc) NewPeerConnection() (PeerConnection, error) {
	return f()
}

// Transport carries signals and roster snapshots between participants.
type Transport interface {
	Poll(ctx context.Context) (Payload, error)
	Send(ctx context.Context, sig Signal) error
}

// Membership is implemented by transports that need an explicit join/leave
// with the meeting service.
type Membership interface {
	Join(ctx context.Context, meetingID string, self Participant) error
	Leave(ctx context.Context) error
}

// LocalTracks are the outbound media attached to every new session. Either
// field may be nil.
type LocalTracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

type MediaSource interface {
	LocalTracks() (LocalTracks, error)
}
