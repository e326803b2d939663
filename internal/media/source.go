// Package media supplies the local tracks a participant sends and drains the
// remote tracks it receives. Capture devices are out of scope: the source
// sends silence and placeholder video frames so peers still see live tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
)

const (
	DefaultStreamID = "meshmeet"

	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = time.Second / 30
)

var ErrNoDisplayTrack = errors.New("display track unavailable")

// opusSilence is one 20ms Opus frame carrying silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// placeholderVP8 is written as a VP8 sample to keep the video stream flowing.
var placeholderVP8 = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

type Options struct {
	NoAudio bool
	NoVideo bool
	// StreamID groups the local tracks; remote peers see it in TrackAdded.
	StreamID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Source owns the local tracks. It implements mesh.MediaSource.
type Source struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	streamID string
	audio    *webrtc.TrackLocalStaticSample
	video    *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	display *webrtc.TrackLocalStaticSample
}

func NewSource(opts Options) (*Source, error) {
	if opts.StreamID == "" {
		opts.StreamID = DefaultStreamID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Source{
		log:      opts.Logger,
		metrics:  opts.Metrics,
		streamID: opts.StreamID,
	}

	if !opts.NoAudio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", opts.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("new audio track: %w", err)
		}
		s.audio = track
	}
	if !opts.NoVideo {
		track, err := newVideoTrack("camera", opts.StreamID)
		if err != nil {
			return nil, fmt.Errorf("new video track: %w", err)
		}
		s.video = track
	}
	return s, nil
}

func newVideoTrack(id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, streamID,
	)
}

// LocalTracks leaves a kind nil when it was disabled.
func (s *Source) LocalTracks() (mesh.LocalTracks, error) {
	var tracks mesh.LocalTracks
	if s.audio != nil {
		tracks.Audio = s.audio
	}
	if s.video != nil {
		tracks.Video = s.video
	}
	return tracks, nil
}

// CameraTrack returns the regular video track, or nil with --no-video.
func (s *Source) CameraTrack() webrtc.TrackLocal {
	if s.video == nil {
		return nil
	}
	return s.video
}

// DisplayTrack returns the screen-share track, creating it on first use.
func (s *Source) DisplayTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.display == nil {
		track, err := newVideoTrack("display", s.streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDisplayTrack, err)
		}
		s.display = track
	}
	return s.display, nil
}

// Run writes samples to every local track until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	audioTicker := time.NewTicker(audioFrameDuration)
	defer audioTicker.Stop()
	videoTicker := time.NewTicker(videoFrameDuration)
	defer videoTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-audioTicker.C:
			if s.audio != nil {
				s.write(s.audio, opusSilence, audioFrameDuration)
			}
		case <-videoTicker.C:
			if s.video != nil {
				s.write(s.video, placeholderVP8, videoFrameDuration)
			}
			s.mu.Lock()
			display := s.display
			s.mu.Unlock()
			if display != nil {
				s.write(display, placeholderVP8, videoFrameDuration)
			}
		}
	}
}

func (s *Source) write(track *webrtc.TrackLocalStaticSample, data []byte, d time.Duration) {
	if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: d}); err != nil {
		s.log.Debug("write local sample failed", "track_id", track.ID(), "err", err)
		return
	}
	s.metrics.Inc(metrics.LocalSamplesWritten)
}
