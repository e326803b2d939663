package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/config"
	"github.com/wilsonzlin/meshmeet/internal/httpserver"
	"github.com/wilsonzlin/meshmeet/internal/media"
	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/metrics"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
	"github.com/wilsonzlin/meshmeet/internal/webrtcpeer"
)

const (
	iceFetchTimeout = 10 * time.Second
	leaveTimeout    = 10 * time.Second
)

// joinTransport is what the manager needs from a signaling transport.
type joinTransport interface {
	mesh.Transport
	mesh.Membership
}

func runJoin(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	logger.Info("starting meshmeet participant",
		"meeting_id", cfg.MeetingID,
		"peer_id", cfg.PeerID.String(),
		"display_name", cfg.DisplayName,
		"transport", cfg.Transport,
		"server_url", cfg.ServerURL,
		"poll_interval", cfg.PollInterval,
		"connect_timeout", cfg.ConnectTimeout,
		"no_audio", cfg.NoAudio,
		"no_video", cfg.NoVideo,
	)
	logClientStartupWarnings(logger, cfg)

	m := metrics.New()

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. No sockets are opened until the first PeerConnection.
	api, err := webrtcpeer.NewAPI(cfg.WebRTC, webrtcpeer.Options{Logger: logger.With("component", "pion")})
	if err != nil {
		return configError{err: fmt.Errorf("configure webrtc: %w", err)}
	}

	transport, iceSource := newJoinTransport(cfg, logger)

	iceServers := cfg.PeerConnectionICEServers()
	if len(iceServers) == 0 && iceSource != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
		fetched, err := iceSource.FetchICEServers(fetchCtx)
		cancel()
		if err != nil {
			logger.Warn("fetching ICE servers from meeting server failed, continuing with host candidates only", "err", err)
		} else {
			iceServers = fetched
			logger.Info("using ICE servers from meeting server", "ice_servers", len(iceServers))
		}
	}

	source, err := media.NewSource(media.Options{
		NoAudio:  cfg.NoAudio,
		NoVideo:  cfg.NoVideo,
		StreamID: "meshmeet-" + cfg.PeerID.String(),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("create local media: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err := source.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("local media pump stopped", "err", err)
		}
	}()

	mgr, err := mesh.NewManager(mesh.Config{
		Transport:      transport,
		Connector:      webrtcpeer.NewConnector(api, iceServers, logger),
		Media:          source,
		Observer:       newEventLogger(runCtx, logger, m),
		PollInterval:   cfg.PollInterval,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	var debugSrv *httpserver.Server
	debugErrCh := make(chan error, 1)
	if cfg.DebugAddr != "" {
		debugSrv, err = startDebugServer(cfg.DebugAddr, logger, m, mgr, source, debugErrCh)
		if err != nil {
			return err
		}
	}

	self := mesh.Participant{ID: cfg.PeerID, DisplayName: cfg.DisplayName}
	if err := mgr.Join(ctx, cfg.MeetingID, self); err != nil {
		if debugSrv != nil {
			_ = debugSrv.Close()
		}
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-debugErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("debug server exited: %w", err)
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	mgr.LeaveAll(leaveCtx)
	cancelRun()

	if debugSrv != nil {
		if err := debugSrv.Shutdown(leaveCtx); err != nil {
			logger.Warn("debug server shutdown failed", "err", err)
		}
	}
	return runErr
}

// iceFetcher is implemented by transports that talk to the meeting server.
type iceFetcher interface {
	FetchICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

func newJoinTransport(cfg config.ClientConfig, logger *slog.Logger) (joinTransport, iceFetcher) {
	log := logger.With("component", "signaling", "transport", string(cfg.Transport))
	switch cfg.Transport {
	case config.TransportMQTT:
		return signaling.NewMQTTTransport(signaling.MQTTConfig{
			Broker: cfg.MQTTBroker,
			Logger: log,
		}), nil
	case config.TransportWS:
		// The push socket carries signals only; ICE servers still come from
		// the REST endpoint.
		ws := signaling.NewWSTransport(signaling.WSConfig{
			BaseURL: cfg.ServerURL,
			Logger:  log,
		})
		rest := signaling.NewHTTPTransport(signaling.HTTPConfig{
			BaseURL: cfg.ServerURL,
			Logger:  log,
		})
		return ws, rest
	default:
		t := signaling.NewHTTPTransport(signaling.HTTPConfig{
			BaseURL: cfg.ServerURL,
			Logger:  log,
		})
		return t, t
	}
}

// newEventLogger logs manager events and drains every remote track so pion's
// receive buffers never fill up.
func newEventLogger(ctx context.Context, logger *slog.Logger, m *metrics.Metrics) mesh.Observer {
	return func(e mesh.Event) {
		switch ev := e.(type) {
		case mesh.TrackAdded:
			logger.Info("remote track",
				"peer_id", ev.PeerID.String(),
				"display_name", ev.DisplayName,
				"stream_id", ev.StreamID,
				"kind", ev.Track.Kind().String(),
			)
			go func() {
				if err := media.Consume(ev.Track, m); err != nil && ctx.Err() == nil {
					logger.Debug("remote track ended", "peer_id", ev.PeerID.String(), "err", err)
				}
			}()
		case mesh.TrackRemoved:
			logger.Info("peer media removed", "peer_id", ev.PeerID.String())
		case mesh.ParticipantsChanged:
			names := make([]string, 0, len(ev.Participants))
			for _, p := range ev.Participants {
				names = append(names, p.ID.String()+":"+p.DisplayName)
			}
			logger.Info("participants changed", "count", len(ev.Participants), "participants", names)
		case mesh.ConnectionStateChanged:
			logger.Debug("connection state", "peer_id", ev.PeerID.String(), "state", ev.State.String())
		}
	}
}

func startDebugServer(addr string, logger *slog.Logger, m *metrics.Metrics, mgr *mesh.Manager, source *media.Source, errCh chan<- error) (*httpserver.Server, error) {
	srv := httpserver.New(httpserver.Options{
		ListenAddr: addr,
		Logger:     logger.With("component", "debug_http"),
		Build:      resolveBuildInfo(buildCommit, buildTime),
	})
	srv.Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv.Handle("GET /sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusOK, sessionsView(mgr.Sessions()))
	}))
	srv.Handle("POST /screen-share", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		track, err := source.DisplayTrack()
		if err == nil {
			err = mgr.ReplaceOutboundVideo(track)
		}
		writeReplaceResult(w, err)
	}))
	srv.Handle("DELETE /screen-share", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		camera := source.CameraTrack()
		if camera == nil {
			httpserver.WriteJSON(w, http.StatusConflict, map[string]any{"error": "no camera track"})
			return
		}
		writeReplaceResult(w, mgr.ReplaceOutboundVideo(camera))
	}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listener: %w", err)
	}
	go func() {
		errCh <- srv.Serve(ln)
	}()
	return srv, nil
}

func writeReplaceResult(w http.ResponseWriter, err error) {
	if err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionJSON struct {
	PeerID               string `json:"peerId"`
	DisplayName          string `json:"displayName"`
	State                string `json:"state"`
	LocalDescriptionSet  bool   `json:"localDescriptionSet"`
	RemoteDescriptionSet bool   `json:"remoteDescriptionSet"`
	PendingCandidates    int    `json:"pendingCandidates"`
}

func sessionsView(infos []mesh.SessionInfo) []sessionJSON {
	out := make([]sessionJSON, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionJSON{
			PeerID:               info.PeerID.String(),
			DisplayName:          info.DisplayName,
			State:                info.State.String(),
			LocalDescriptionSet:  info.LocalDescriptionSet,
			RemoteDescriptionSet: info.RemoteDescriptionSet,
			PendingCandidates:    info.PendingCandidates,
		})
	}
	return out
}
