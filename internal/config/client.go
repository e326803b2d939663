package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

const (
	envVarServerURL      = "MESHMEET_SERVER_URL"
	envVarMeeting        = "MESHMEET_MEETING"
	envVarPeerID         = "MESHMEET_PEER_ID"
	envVarName           = "MESHMEET_NAME"
	envVarTransport      = "MESHMEET_TRANSPORT"
	envVarMQTTBroker     = "MESHMEET_MQTT_BROKER"
	envVarPollInterval   = "MESHMEET_POLL_INTERVAL"
	envVarConnectTimeout = "MESHMEET_CONNECT_TIMEOUT"
	envVarNoAudio        = "MESHMEET_NO_AUDIO"
	envVarNoVideo        = "MESHMEET_NO_VIDEO"
	envVarDebugAddr      = "MESHMEET_DEBUG_ADDR"

	DefaultServerURL      = "http://127.0.0.1:8080"
	DefaultMQTTBroker     = "tcp://127.0.0.1:1883"
	DefaultPollInterval   = mesh.DefaultPollInterval
	DefaultConnectTimeout = 30 * time.Second
	DefaultTransport      = TransportHTTP

	// Polling faster than this mostly burns server requests.
	minRecommendedPollInterval = 250 * time.Millisecond
)

type TransportKind string

const (
	TransportHTTP TransportKind = "http"
	TransportWS   TransportKind = "ws"
	TransportMQTT TransportKind = "mqtt"
)

var ErrMissingPeerID = errors.New("--peer-id is required")

// ClientConfig configures `meshmeet join`.
type ClientConfig struct {
	Logging

	ServerURL   string
	MeetingID   string
	PeerID      mesh.PeerID
	DisplayName string

	Transport  TransportKind
	MQTTBroker string

	PollInterval   time.Duration
	ConnectTimeout time.Duration

	ICEServers []webrtc.ICEServer
	WebRTC     WebRTCConfig

	NoAudio bool
	NoVideo bool

	// DebugAddr serves /healthz and /metrics when non-empty.
	DebugAddr string
}

// PeerConnectionICEServers drops TURN entries without credentials.
func (c ClientConfig) PeerConnectionICEServers() []webrtc.ICEServer {
	return usableICEServers(c.ICEServers)
}

// PollIntervalTooShort reports whether polling is aggressive enough to be
// worth a startup warning.
func (c ClientConfig) PollIntervalTooShort() bool {
	return c.PollInterval < minRecommendedPollInterval
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup lookupFunc, args []string) (ClientConfig, error) {
	logFlags := newLoggingFlags(lookup)
	ice := newICEFlags(lookup)
	rtc, err := newWebRTCFlags(lookup)
	if err != nil {
		return ClientConfig{}, err
	}

	serverURL := envOrDefault(lookup, envVarServerURL, DefaultServerURL)
	meetingID := envOrDefault(lookup, envVarMeeting, "")
	peerIDStr := envOrDefault(lookup, envVarPeerID, "")
	name := envOrDefault(lookup, envVarName, "")
	transportStr := envOrDefault(lookup, envVarTransport, string(DefaultTransport))
	mqttBroker := envOrDefault(lookup, envVarMQTTBroker, DefaultMQTTBroker)
	debugAddr := envOrDefault(lookup, envVarDebugAddr, "")

	pollInterval, err := envDurationOrDefault(lookup, envVarPollInterval, DefaultPollInterval)
	if err != nil {
		return ClientConfig{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, envVarConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	noAudio, err := envBoolOrDefault(lookup, envVarNoAudio, false)
	if err != nil {
		return ClientConfig{}, err
	}
	noVideo, err := envBoolOrDefault(lookup, envVarNoVideo, false)
	if err != nil {
		return ClientConfig{}, err
	}

	fs := flag.NewFlagSet("meshmeet join", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags.register(fs)
	ice.register(fs)
	rtc.register(fs)
	fs.StringVar(&serverURL, "server-url", serverURL, "Meeting server base URL (env "+envVarServerURL+")")
	fs.StringVar(&meetingID, "meeting", meetingID, "Meeting ID to join (env "+envVarMeeting+")")
	fs.StringVar(&peerIDStr, "peer-id", peerIDStr, "Numeric participant ID, unique in the meeting (env "+envVarPeerID+")")
	fs.StringVar(&name, "name", name, "Display name; generated when empty (env "+envVarName+")")
	fs.StringVar(&transportStr, "transport", transportStr, "Signaling transport: http, ws or mqtt (env "+envVarTransport+")")
	fs.StringVar(&mqttBroker, "mqtt-broker", mqttBroker, "MQTT broker URL for --transport mqtt (env "+envVarMQTTBroker+")")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "Signaling poll interval (env "+envVarPollInterval+")")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "Tear down peer sessions not connected within this duration, 0 disables (env "+envVarConnectTimeout+")")
	fs.BoolVar(&noAudio, "no-audio", noAudio, "Do not send audio (env "+envVarNoAudio+")")
	fs.BoolVar(&noVideo, "no-video", noVideo, "Do not send video (env "+envVarNoVideo+")")
	fs.StringVar(&debugAddr, "debug-addr", debugAddr, "Optional listen address for /healthz and /metrics (env "+envVarDebugAddr+")")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := logFlags.resolve(setFlags)
	if err != nil {
		return ClientConfig{}, err
	}

	if strings.TrimSpace(peerIDStr) == "" {
		return ClientConfig{}, ErrMissingPeerID
	}
	peerID, err := mesh.ParsePeerID(peerIDStr)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("%s/--peer-id: %w", envVarPeerID, err)
	}

	meetingID = strings.TrimSpace(meetingID)
	if err := signaling.ValidateMeetingID(meetingID); err != nil {
		return ClientConfig{}, fmt.Errorf("%s/--meeting: %w", envVarMeeting, err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = petname.Generate(2, "-")
	}

	transport, err := parseTransportKind(transportStr)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("%s/--transport: %w", envVarTransport, err)
	}

	switch transport {
	case TransportMQTT:
		if err := validateURL(mqttBroker, "tcp", "ssl", "ws", "wss", "mqtt", "mqtts"); err != nil {
			return ClientConfig{}, fmt.Errorf("%s/--mqtt-broker: %w", envVarMQTTBroker, err)
		}
	default:
		if err := validateURL(serverURL, "http", "https"); err != nil {
			return ClientConfig{}, fmt.Errorf("%s/--server-url: %w", envVarServerURL, err)
		}
	}
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")

	if pollInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--poll-interval must be > 0", envVarPollInterval)
	}
	if connectTimeout < 0 {
		return ClientConfig{}, fmt.Errorf("%s/--connect-timeout must be >= 0", envVarConnectTimeout)
	}

	iceServers, err := ice.resolve(false)
	if err != nil {
		return ClientConfig{}, err
	}
	webrtcCfg, err := rtc.resolve()
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		Logging:        logging,
		ServerURL:      serverURL,
		MeetingID:      meetingID,
		PeerID:         peerID,
		DisplayName:    name,
		Transport:      transport,
		MQTTBroker:     strings.TrimSpace(mqttBroker),
		PollInterval:   pollInterval,
		ConnectTimeout: connectTimeout,
		ICEServers:     iceServers,
		WebRTC:         webrtcCfg,
		NoAudio:        noAudio,
		NoVideo:        noVideo,
		DebugAddr:      strings.TrimSpace(debugAddr),
	}, nil
}


func parseTransportKind(raw string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(TransportHTTP):
		return TransportHTTP, nil
	case string(TransportWS), "websocket":
		return TransportWS, nil
	case string(TransportMQTT):
		return TransportMQTT, nil
	default:
		return "", fmt.Errorf("invalid transport %q (expected http, ws or mqtt)", raw)
	}
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%q: unsupported scheme %q (expected one of %s)", raw, u.Scheme, strings.Join(schemes, ", "))
}
