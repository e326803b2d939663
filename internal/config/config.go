package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarMode      = "MESHMEET_MODE"
	envVarLogFormat = "MESHMEET_LOG_FORMAT"
	envVarLogLevel  = "MESHMEET_LOG_LEVEL"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logging is shared by every command.
type Logging struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

type lookupFunc func(string) (string, bool)

// loggingFlags holds the raw mode/log values between flag registration and
// parsing. Log defaults follow --mode unless the env or a flag sets them.
type loggingFlags struct {
	mode, format, level string
	envFormatSet        bool
	envLevelSet         bool
}

func newLoggingFlags(lookup lookupFunc) *loggingFlags {
	lf := &loggingFlags{mode: string(DefaultMode)}
	if envMode, _ := lookup(envVarMode); envMode != "" {
		lf.mode = envMode
	}

	envLogFormat, ok := lookup(envVarLogFormat)
	lf.envFormatSet = ok && envLogFormat != ""
	lf.format = envLogFormat
	if !lf.envFormatSet {
		lf.format = defaultLogFormatForMode(lf.mode)
	}

	envLogLevel, ok := lookup(envVarLogLevel)
	lf.envLevelSet = ok && envLogLevel != ""
	lf.level = envLogLevel
	if !lf.envLevelSet {
		lf.level = defaultLogLevelForMode(lf.mode)
	}
	return lf
}

func (lf *loggingFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&lf.mode, "mode", lf.mode, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&lf.format, "log-format", lf.format, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&lf.level, "log-level", lf.level, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
}

func (lf *loggingFlags) resolve(setFlags map[string]bool) (Logging, error) {
	mode, err := parseMode(lf.mode)
	if err != nil {
		return Logging{}, err
	}
	if !lf.envFormatSet && !setFlags["log-format"] {
		lf.format = defaultLogFormatForMode(string(mode))
	}
	if !lf.envLevelSet && !setFlags["log-level"] {
		lf.level = defaultLogLevelForMode(string(mode))
	}
	format, err := parseLogFormat(lf.format)
	if err != nil {
		return Logging{}, err
	}
	level, err := parseLogLevel(lf.level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Mode: mode, LogFormat: format, LogLevel: level}, nil
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup lookupFunc, key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

// envParsed parses key with parse, or returns fallback when it is unset or
// blank.
func envParsed[T any](lookup lookupFunc, key string, fallback T, parse func(string) (T, error)) (T, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := parse(strings.TrimSpace(raw))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envIntOrDefault(lookup lookupFunc, key string, fallback int) (int, error) {
	return envParsed(lookup, key, fallback, strconv.Atoi)
}

func envInt64OrDefault(lookup lookupFunc, key string, fallback int64) (int64, error) {
	return envParsed(lookup, key, fallback, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func envDurationOrDefault(lookup lookupFunc, key string, fallback time.Duration) (time.Duration, error) {
	return envParsed(lookup, key, fallback, time.ParseDuration)
}

func envBoolOrDefault(lookup lookupFunc, key string, fallback bool) (bool, error) {
	return envParsed(lookup, key, fallback, strconv.ParseBool)
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
