package config

import (
	"testing"
	"time"
)

func TestServerDefaults(t *testing.T) {
	cfg, err := loadServer(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("loadServer: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("Redis enabled without address")
	}
	if cfg.ParticipantTTL != DefaultParticipantTTL || cfg.MailboxTTL != DefaultMailboxTTL {
		t.Fatalf("ttls=%v/%v", cfg.ParticipantTTL, cfg.MailboxTTL)
	}
	if cfg.WSPushInterval != time.Second {
		t.Fatalf("WSPushInterval=%v, want 1s", cfg.WSPushInterval)
	}
	if cfg.MaxSignalsPerSecond != DefaultMaxSignalsPerSecond || cfg.MaxSignalBytes != DefaultMaxSignalBytes {
		t.Fatalf("limits=%d/%d", cfg.MaxSignalsPerSecond, cfg.MaxSignalBytes)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled by default")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want none", cfg.AllowedOrigins)
	}
}

func TestServerRedisFromEnvAndFlags(t *testing.T) {
	cfg, err := loadServer(lookupMap(map[string]string{
		envVarRedisAddr:     "redis:6379",
		envVarRedisPassword: "hunter2",
		envVarRedisDB:       "3",
	}), []string{"--redis-db", "5"})
	if err != nil {
		t.Fatalf("loadServer: %v", err)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Addr != "redis:6379" || cfg.Redis.Password != "hunter2" {
		t.Fatalf("Redis=%+v", cfg.Redis)
	}
	if cfg.Redis.DB != 5 {
		t.Fatalf("Redis.DB=%d, want flag value 5", cfg.Redis.DB)
	}

	if _, err := loadServer(lookupMap(map[string]string{envVarRedisDB: "x"}), nil); err == nil {
		t.Fatalf("expected error for non-numeric redis db")
	}
}

func TestServerRejectsNonPositiveDurations(t *testing.T) {
	for _, args := range [][]string{
		{"--participant-ttl", "0s"},
		{"--mailbox-ttl", "-1s"},
		{"--ws-push-interval", "0s"},
		{"--shutdown-timeout", "0s"},
		{"--max-signal-bytes", "0"},
		{"--max-signals-per-second", "-1"},
	} {
		if _, err := loadServer(func(string) (string, bool) { return "", false }, args); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestServerTURNREST(t *testing.T) {
	env := map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
		envTurnURLs:                "turn:turn.example.com:3478",
	}
	cfg, err := loadServer(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadServer: %v", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST not enabled")
	}
	if cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix || cfg.TURNREST.TTLSeconds != DefaultTURNRESTTTLSeconds {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "" {
		t.Fatalf("ICEServers=%+v, want one TURN server without static creds", cfg.ICEServers)
	}

	env[envVarTURNRESTUsernamePrefix] = "bad:prefix"
	if _, err := loadServer(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error for ':' in username prefix")
	}

	delete(env, envVarTURNRESTSharedSecret)
	delete(env, envVarTURNRESTUsernamePrefix)
	if _, err := loadServer(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error for TURN without creds when TURN REST is off")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}

	got, err = parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}

	for _, raw := range []string{"ftp://example.com", "https://example.com/path", "https://user@example.com"} {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}
