package media

import (
	"errors"
	"io"

	"github.com/pion/interceptor"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

// rtpReader is satisfied by *webrtc.TrackRemote.
type rtpReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

var ErrUnreadableTrack = errors.New("remote track cannot be read")

// Consume reads RTP from a remote track until it ends, counting packets and
// bytes. Reading keeps pion's receive buffers from filling up when nothing
// renders the track.
func Consume(track mesh.RemoteTrack, m *metrics.Metrics) error {
	r, ok := track.(rtpReader)
	if !ok {
		return ErrUnreadableTrack
	}
	m.Inc(metrics.RemoteTracksStarted)

	buf := make([]byte, 1500)
	for {
		n, _, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		m.Inc(metrics.RemoteRTPPackets)
		m.Add(metrics.RemoteRTPBytes, uint64(n))
	}
}
