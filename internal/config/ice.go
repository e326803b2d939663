package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MESHMEET_ICE_SERVERS_JSON"

	envStunURLs       = "MESHMEET_STUN_URLS"
	envTurnURLs       = "MESHMEET_TURN_URLS"
	envTurnUsername   = "MESHMEET_TURN_USERNAME"
	envTurnCredential = "MESHMEET_TURN_CREDENTIAL"
)

type iceFlags struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func newICEFlags(lookup lookupFunc) *iceFlags {
	return &iceFlags{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

func (f *iceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.serversJSON, "ice-servers-json", f.serversJSON, "ICE servers as a JSON array of RTCIceServer (env "+envICEServersJSON+")")
	fs.StringVar(&f.stunURLs, "stun-urls", f.stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&f.turnURLs, "turn-urls", f.turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", f.turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", f.turnCredential, "TURN credential (env "+envTurnCredential+")")
}

// resolve prefers the JSON list over the URL lists.
func (f *iceFlags) resolve(deferTURNCredentials bool) ([]webrtc.ICEServer, error) {
	raw := strings.TrimSpace(f.serversJSON)
	if raw == "" {
		return ParseICEServerURLs(f.stunURLs, f.turnURLs, f.turnUsername, f.turnCredential, deferTURNCredentials)
	}
	servers, err := ParseICEServersJSON(raw, deferTURNCredentials)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer entries.
// deferTURNCredentials accepts TURN entries without credentials, for servers
// that mint them per request.
func ParseICEServersJSON(raw string, deferTURNCredentials bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(entry.URLs, ",")),
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := checkICEServer(server, deferTURNCredentials); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServerURLs builds at most two entries: one for every STUN URL and
// one for every TURN URL sharing a single username/credential pair.
func ParseICEServerURLs(stunURLs, turnURLs, turnUsername, turnCredential string, deferTURNCredentials bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	urls := splitCommaSeparated(turnURLs)
	if len(urls) == 0 {
		return servers, nil
	}
	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(turnUsername)}
	if c := strings.TrimSpace(turnCredential); c != "" {
		server.Credential = c
	}
	if !deferTURNCredentials && !hasTURNCredentials(server) {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	if err := checkICEServer(server, deferTURNCredentials); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, server), nil
}

func checkICEServer(server webrtc.ICEServer, deferTURNCredentials bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range server.URLs {
		if _, ok := iceScheme(u); !ok {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if deferTURNCredentials || !HasTURNURL(server) {
		return nil
	}
	if strings.TrimSpace(server.Username) == "" {
		return errors.New("turn urls require username")
	}
	if !hasTURNCredentials(server) {
		return errors.New("turn urls require credential")
	}
	return nil
}

// iceScheme returns the lower-cased scheme of a STUN or TURN URL.
func iceScheme(raw string) (string, bool) {
	scheme, _, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return "", false
	}
	scheme = strings.ToLower(scheme)
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme, true
	default:
		return "", false
	}
}

func HasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if scheme, _ := iceScheme(u); scheme == "turn" || scheme == "turns" {
			return true
		}
	}
	return false
}

func hasTURNCredentials(server webrtc.ICEServer) bool {
	cred, _ := server.Credential.(string)
	return strings.TrimSpace(server.Username) != "" && strings.TrimSpace(cred) != ""
}

// usableICEServers drops TURN entries that lack credentials; pion rejects
// them when building a PeerConnection.
func usableICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if HasTURNURL(server) && !hasTURNCredentials(server) {
			continue
		}
		out = append(out, server)
	}
	return out
}
