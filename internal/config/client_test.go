package config

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func baseClientEnv() map[string]string {
	return map[string]string{
		envVarPeerID:  "7",
		envVarMeeting: "standup",
	}
}

func TestClientDefaultsDev(t *testing.T) {
	cfg, err := loadClient(lookupMap(baseClientEnv()), nil)
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.PeerID != mesh.PeerID(7) {
		t.Fatalf("PeerID=%v, want 7", cfg.PeerID)
	}
	if cfg.MeetingID != "standup" {
		t.Fatalf("MeetingID=%q, want standup", cfg.MeetingID)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Fatalf("ServerURL=%q, want %q", cfg.ServerURL, DefaultServerURL)
	}
	if cfg.Transport != TransportHTTP {
		t.Fatalf("Transport=%q, want http", cfg.Transport)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("PollInterval=%v, want 1s", cfg.PollInterval)
	}
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("ConnectTimeout=%v, want %v", cfg.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.DisplayName == "" || !strings.Contains(cfg.DisplayName, "-") {
		t.Fatalf("DisplayName=%q, want generated two-word name", cfg.DisplayName)
	}
	if cfg.WebRTC.UDPPortRange != nil {
		t.Fatalf("expected UDPPortRange unset, got %+v", *cfg.WebRTC.UDPPortRange)
	}
	if !cfg.WebRTC.UDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("UDPListenIP=%v, want 0.0.0.0", cfg.WebRTC.UDPListenIP)
	}
	if cfg.WebRTC.NAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("NAT1To1IPCandidateType=%q, want host", cfg.WebRTC.NAT1To1IPCandidateType)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want none", cfg.ICEServers)
	}
}

func TestClientRequiresPeerID(t *testing.T) {
	_, err := loadClient(lookupMap(map[string]string{envVarMeeting: "m"}), nil)
	if !errors.Is(err, ErrMissingPeerID) {
		t.Fatalf("err=%v, want ErrMissingPeerID", err)
	}

	for _, raw := range []string{"0", "-3", "alice"} {
		_, err := loadClient(lookupMap(map[string]string{envVarMeeting: "m"}), []string{"--peer-id", raw})
		if !errors.Is(err, mesh.ErrInvalidPeerID) {
			t.Fatalf("peer-id %q: err=%v, want ErrInvalidPeerID", raw, err)
		}
	}
}

func TestClientFlagsOverrideEnv(t *testing.T) {
	env := baseClientEnv()
	env[envVarName] = "from-env"
	cfg, err := loadClient(lookupMap(env), []string{
		"--name", "Ada",
		"--peer-id", "42",
		"--poll-interval", "500ms",
		"--server-url", "https://meet.example.com/",
		"--no-video",
	})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.DisplayName != "Ada" {
		t.Fatalf("DisplayName=%q, want Ada", cfg.DisplayName)
	}
	if cfg.PeerID != 42 {
		t.Fatalf("PeerID=%v, want 42", cfg.PeerID)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval=%v, want 500ms", cfg.PollInterval)
	}
	if cfg.ServerURL != "https://meet.example.com" {
		t.Fatalf("ServerURL=%q, want trailing slash trimmed", cfg.ServerURL)
	}
	if !cfg.NoVideo || cfg.NoAudio {
		t.Fatalf("NoVideo=%v NoAudio=%v, want true false", cfg.NoVideo, cfg.NoAudio)
	}
}

func TestClientProdModeDefaults(t *testing.T) {
	cfg, err := loadClient(lookupMap(baseClientEnv()), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}

	cfg, err = loadClient(lookupMap(baseClientEnv()), []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want explicit text", cfg.LogFormat)
	}
}

func TestClientTransport(t *testing.T) {
	env := baseClientEnv()
	env[envVarTransport] = "mqtt"
	cfg, err := loadClient(lookupMap(env), []string{"--mqtt-broker", "tcp://broker.local:1883"})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.Transport != TransportMQTT || cfg.MQTTBroker != "tcp://broker.local:1883" {
		t.Fatalf("Transport=%q MQTTBroker=%q", cfg.Transport, cfg.MQTTBroker)
	}

	if _, err := loadClient(lookupMap(env), []string{"--mqtt-broker", "http://broker.local"}); err == nil {
		t.Fatalf("expected error for http mqtt broker")
	}
	if _, err := loadClient(lookupMap(baseClientEnv()), []string{"--transport", "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
	if _, err := loadClient(lookupMap(baseClientEnv()), []string{"--server-url", "ftp://x"}); err == nil {
		t.Fatalf("expected error for ftp server url")
	}
}

func TestClientRejectsBadDurations(t *testing.T) {
	if _, err := loadClient(lookupMap(baseClientEnv()), []string{"--poll-interval", "0s"}); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
	if _, err := loadClient(lookupMap(baseClientEnv()), []string{"--connect-timeout", "-1s"}); err == nil {
		t.Fatalf("expected error for negative connect timeout")
	}
	cfg, err := loadClient(lookupMap(baseClientEnv()), []string{"--connect-timeout", "0"})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.ConnectTimeout != 0 {
		t.Fatalf("ConnectTimeout=%v, want disabled", cfg.ConnectTimeout)
	}
	if cfg.PollIntervalTooShort() {
		t.Fatalf("default poll interval reported as too short")
	}

	cfg, err = loadClient(lookupMap(baseClientEnv()), []string{"--poll-interval", "100ms"})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if !cfg.PollIntervalTooShort() {
		t.Fatalf("100ms poll interval not reported as too short")
	}
}


func TestWebRTCUDPPortRange(t *testing.T) {
	env := baseClientEnv()
	env[envVarWebRTCUDPPortMin] = "40000"
	if _, err := loadClient(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error when only min is set")
	}

	env[envVarWebRTCUDPPortMax] = "40003"
	_, err := loadClient(lookupMap(env), nil)
	if err == nil || !strings.Contains(err.Error(), "too small") {
		t.Fatalf("err=%v, expected mention of too small range", err)
	}

	env[envVarWebRTCUDPPortMax] = "40099"
	cfg, err := loadClient(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.WebRTC.UDPPortRange == nil || cfg.WebRTC.UDPPortRange.Min != 40000 || cfg.WebRTC.UDPPortRange.Max != 40099 {
		t.Fatalf("UDPPortRange=%+v", cfg.WebRTC.UDPPortRange)
	}

	env[envVarWebRTCUDPPortMin] = "70000"
	if _, err := loadClient(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error for out of range port")
	}
}

func TestWebRTCNAT1To1AndListenIP(t *testing.T) {
	env := baseClientEnv()
	env[envVarWebRTCNAT1To1IPs] = "203.0.113.10, 203.0.113.11"
	env[envVarWebRTCNAT1To1IPCandidateType] = "srflx"
	env[envVarWebRTCUDPListenIP] = "10.0.0.123"
	cfg, err := loadClient(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if got := len(cfg.WebRTC.NAT1To1IPs); got != 2 {
		t.Fatalf("len(NAT1To1IPs)=%d, want 2", got)
	}
	if cfg.WebRTC.NAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("NAT1To1IPCandidateType=%q, want srflx", cfg.WebRTC.NAT1To1IPCandidateType)
	}
	if !cfg.WebRTC.UDPListenIP.Equal(net.ParseIP("10.0.0.123")) {
		t.Fatalf("UDPListenIP=%v", cfg.WebRTC.UDPListenIP)
	}

	for key, bad := range map[string]string{
		envVarWebRTCNAT1To1IPs:             "nope",
		envVarWebRTCNAT1To1IPCandidateType: "relay",
		envVarWebRTCUDPListenIP:            "bad.ip",
	} {
		env := baseClientEnv()
		env[key] = bad
		if _, err := loadClient(lookupMap(env), nil); err == nil {
			t.Fatalf("%s=%q: expected error", key, bad)
		}
	}
}

func TestClientICEServersFromEnv(t *testing.T) {
	env := baseClientEnv()
	env[envStunURLs] = "stun:stun.example.com:3478"
	env[envTurnURLs] = "turn:turn.example.com:3478"
	if _, err := loadClient(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}

	env[envTurnUsername] = "u"
	env[envTurnCredential] = "p"
	cfg, err := loadClient(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if got := len(cfg.PeerConnectionICEServers()); got != 2 {
		t.Fatalf("PeerConnectionICEServers=%d, want 2", got)
	}
}
