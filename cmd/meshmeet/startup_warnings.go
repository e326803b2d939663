package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/meshmeet/internal/config"
)

func logClientStartupWarnings(logger *slog.Logger, cfg config.ClientConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.PollIntervalTooShort() {
		logger.Warn("startup warning: poll interval is very short (every participant hits the meeting server this often)",
			"warning_code", "poll_interval_short",
			"poll_interval", cfg.PollInterval,
			"mode", cfg.Mode,
		)
	}

	if cfg.NoAudio && cfg.NoVideo {
		logger.Warn("startup warning: both audio and video are disabled; joining receive-only",
			"warning_code", "receive_only",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ConnectTimeout == 0 {
		logger.Warn("startup warning: connect timeout disabled while --mode=prod (stalled peer sessions are never retried)",
			"warning_code", "connect_timeout_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.PeerConnectionICEServers()) == 0 && cfg.Transport == config.TransportMQTT {
		logger.Warn("startup warning: no ICE servers configured and the MQTT transport cannot fetch them (peers behind NAT may not connect)",
			"warning_code", "no_ice_servers",
			"transport", cfg.Transport,
			"mode", cfg.Mode,
		)
	}
}

func logServerStartupWarnings(logger *slog.Logger, cfg config.ServerConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.Redis.Enabled() {
		logger.Warn("startup warning: in-memory meeting store while --mode=prod (meetings are lost on restart and cannot span replicas)",
			"warning_code", "memory_store_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured while --mode=prod (clients only gather host candidates)",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalsPerSecond == 0 {
		logger.Warn("startup security warning: signal rate limit disabled while --mode=prod",
			"warning_code", "signal_rate_limit_disabled_in_prod",
			"max_signals_per_second", cfg.MaxSignalsPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Signals are SDP plus candidates; a few KiB each.
	if cfg.MaxSignalBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNAL_BYTES is very large (increases per-request allocation and mailbox memory)",
			"warning_code", "max_signal_bytes_large",
			"max_signal_bytes", cfg.MaxSignalBytes,
			"mode", cfg.Mode,
		)
	}
}
