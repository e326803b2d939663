package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/origin"
)

const (
	envVarListenAddr          = "MESHMEET_LISTEN_ADDR"
	envVarRedisAddr           = "MESHMEET_REDIS_ADDR"
	envVarRedisPassword       = "MESHMEET_REDIS_PASSWORD"
	envVarRedisDB             = "MESHMEET_REDIS_DB"
	envVarParticipantTTL      = "MESHMEET_PARTICIPANT_TTL"
	envVarMailboxTTL          = "MESHMEET_MAILBOX_TTL"
	envVarWSPushInterval      = "MESHMEET_WS_PUSH_INTERVAL"
	envVarMaxSignalsPerSecond = "MESHMEET_MAX_SIGNALS_PER_SECOND"
	envVarMaxSignalBytes      = "MESHMEET_MAX_SIGNAL_BYTES"
	envVarAllowedOrigins      = "MESHMEET_ALLOWED_ORIGINS"
	envVarShutdownTimeout     = "MESHMEET_SHUTDOWN_TIMEOUT"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "MESHMEET_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "MESHMEET_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "MESHMEET_TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultParticipantTTL      = 30 * time.Second
	DefaultMailboxTTL          = 5 * time.Minute
	DefaultWSPushInterval      = time.Second
	DefaultMaxSignalsPerSecond = 50
	DefaultMaxSignalBytes      = 64 << 10
	DefaultShutdown            = 15 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "meshmeet"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled is false when the meeting store should live in memory.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// ServerConfig configures `meshmeet serve`.
type ServerConfig struct {
	Logging

	ListenAddr      string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	Redis RedisConfig

	ParticipantTTL time.Duration
	MailboxTTL     time.Duration
	WSPushInterval time.Duration

	MaxSignalsPerSecond int
	MaxSignalBytes      int

	// ICEServers is handed to clients by GET /api/ice. TURN entries may lack
	// credentials when TURNREST fills them in per request.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

func LoadServer(args []string) (ServerConfig, error) {
	return loadServer(os.LookupEnv, args)
}

func loadServer(lookup lookupFunc, args []string) (ServerConfig, error) {
	logFlags := newLoggingFlags(lookup)
	ice := newICEFlags(lookup)

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return ServerConfig{}, err
	}
	maxSignalsPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalsPerSecond, DefaultMaxSignalsPerSecond)
	if err != nil {
		return ServerConfig{}, err
	}
	maxSignalBytes, err := envIntOrDefault(lookup, envVarMaxSignalBytes, DefaultMaxSignalBytes)
	if err != nil {
		return ServerConfig{}, err
	}
	turnRESTTTLSeconds, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return ServerConfig{}, err
	}
	participantTTL, err := envDurationOrDefault(lookup, envVarParticipantTTL, DefaultParticipantTTL)
	if err != nil {
		return ServerConfig{}, err
	}
	mailboxTTL, err := envDurationOrDefault(lookup, envVarMailboxTTL, DefaultMailboxTTL)
	if err != nil {
		return ServerConfig{}, err
	}
	wsPushInterval, err := envDurationOrDefault(lookup, envVarWSPushInterval, DefaultWSPushInterval)
	if err != nil {
		return ServerConfig{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return ServerConfig{}, err
	}

	fs := flag.NewFlagSet("meshmeet serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags.register(fs)
	ice.register(fs)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address; empty keeps meetings in memory (env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.DurationVar(&participantTTL, "participant-ttl", participantTTL, "Expire participants not seen for this long (env "+envVarParticipantTTL+")")
	fs.DurationVar(&mailboxTTL, "mailbox-ttl", mailboxTTL, "Drop undelivered signals after this long (env "+envVarMailboxTTL+")")
	fs.DurationVar(&wsPushInterval, "ws-push-interval", wsPushInterval, "Interval between WebSocket payload pushes (env "+envVarWSPushInterval+")")
	fs.IntVar(&maxSignalsPerSecond, "max-signals-per-second", maxSignalsPerSecond, "Per-sender signal rate limit, 0 disables (env "+envVarMaxSignalsPerSecond+")")
	fs.IntVar(&maxSignalBytes, "max-signal-bytes", maxSignalBytes, "Maximum encoded signal size (env "+envVarMaxSignalBytes+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "coturn use-auth-secret shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential lifetime (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := logFlags.resolve(setFlags)
	if err != nil {
		return ServerConfig{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return ServerConfig{}, fmt.Errorf("%s/--listen-addr must be non-empty", envVarListenAddr)
	}
	if participantTTL <= 0 {
		return ServerConfig{}, fmt.Errorf("%s/--participant-ttl must be > 0", envVarParticipantTTL)
	}
	if mailboxTTL <= 0 {
		return ServerConfig{}, fmt.Errorf("%s/--mailbox-ttl must be > 0", envVarMailboxTTL)
	}
	if wsPushInterval <= 0 {
		return ServerConfig{}, fmt.Errorf("%s/--ws-push-interval must be > 0", envVarWSPushInterval)
	}
	if maxSignalsPerSecond < 0 {
		return ServerConfig{}, fmt.Errorf("%s/--max-signals-per-second must be >= 0", envVarMaxSignalsPerSecond)
	}
	if maxSignalBytes <= 0 {
		return ServerConfig{}, fmt.Errorf("%s/--max-signal-bytes must be > 0", envVarMaxSignalBytes)
	}
	if shutdownTimeout <= 0 {
		return ServerConfig{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if redisDB < 0 {
		return ServerConfig{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return ServerConfig{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
		}
		if turnREST.UsernamePrefix == "" {
			return ServerConfig{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnREST.UsernamePrefix, ":") {
			return ServerConfig{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	iceServers, err := ice.resolve(turnREST.Enabled())
	if err != nil {
		return ServerConfig{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	return ServerConfig{
		Logging:             logging,
		ListenAddr:          strings.TrimSpace(listenAddr),
		ShutdownTimeout:     shutdownTimeout,
		AllowedOrigins:      allowedOrigins,
		Redis:               RedisConfig{Addr: strings.TrimSpace(redisAddr), Password: redisPassword, DB: redisDB},
		ParticipantTTL:      participantTTL,
		MailboxTTL:          mailboxTTL,
		WSPushInterval:      wsPushInterval,
		MaxSignalsPerSecond: maxSignalsPerSecond,
		MaxSignalBytes:      maxSignalBytes,
		ICEServers:          iceServers,
		TURNREST:            turnREST,
	}, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
