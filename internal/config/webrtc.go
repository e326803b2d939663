package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	envVarWebRTCUDPPortMin             = "MESHMEET_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "MESHMEET_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "MESHMEET_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "MESHMEET_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "MESHMEET_WEBRTC_UDP_LISTEN_IP"

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

// Every remote participant needs its own ICE agent, so a range below this
// starves larger meetings.
const recommendedWebRTCUDPPortRangeSize = 16

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCConfig holds the ICE transport knobs applied to every PeerConnection.
type WebRTCConfig struct {
	// UDPPortRange is nil when pion may pick any ephemeral port.
	UDPPortRange *UDPPortRange

	// NAT1To1IPs are advertised instead of the local address.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	// UDPListenIP restricts ICE to one local interface. Unspecified means all.
	UDPListenIP net.IP
}

type webrtcFlags struct {
	portMin, portMax uint
	nat1To1IPs       string
	candidateType    string
	listenIP         string
}

func newWebRTCFlags(lookup lookupFunc) (*webrtcFlags, error) {
	wf := &webrtcFlags{
		nat1To1IPs:    envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		candidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
		listenIP:      envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
	}
	for _, p := range []struct {
		env string
		dst *uint
	}{
		{envVarWebRTCUDPPortMin, &wf.portMin},
		{envVarWebRTCUDPPortMax, &wf.portMax},
	} {
		raw, ok := lookup(p.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		port, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.env, err)
		}
		*p.dst = uint(port)
	}
	return wf, nil
}

func (wf *webrtcFlags) register(fs *flag.FlagSet) {
	fs.UintVar(&wf.portMin, flagWebRTCUDPPortMin, wf.portMin, "Lowest UDP port for WebRTC ICE (env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&wf.portMax, flagWebRTCUDPPortMax, wf.portMax, "Highest UDP port for WebRTC ICE (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&wf.nat1To1IPs, flagWebRTCNAT1To1IPs, wf.nat1To1IPs, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&wf.candidateType, flagWebRTCNAT1To1IPCandidateType, wf.candidateType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&wf.listenIP, flagWebRTCUDPListenIP, wf.listenIP, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
}

func (wf *webrtcFlags) resolve() (WebRTCConfig, error) {
	var portRange *UDPPortRange
	if wf.portMin != 0 || wf.portMax != 0 {
		if wf.portMin == 0 || wf.portMax == 0 {
			return WebRTCConfig{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(wf.portMin)
		if err != nil {
			return WebRTCConfig{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(wf.portMax)
		if err != nil {
			return WebRTCConfig{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return WebRTCConfig{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCConfig{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIP := net.ParseIP(strings.TrimSpace(wf.listenIP))
	if listenIP == nil {
		return WebRTCConfig{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, wf.listenIP)
	}

	var natIPs []string
	if strings.TrimSpace(wf.nat1To1IPs) != "" {
		ips, err := parseIPList(wf.nat1To1IPs)
		if err != nil {
			return WebRTCConfig{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, wf.nat1To1IPs, err)
		}
		natIPs = ips
	}

	if strings.TrimSpace(wf.candidateType) == "" {
		wf.candidateType = string(NAT1To1CandidateTypeHost)
	}
	candidateType, err := parseCandidateType(wf.candidateType)
	if err != nil {
		return WebRTCConfig{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, wf.candidateType, err)
	}

	return WebRTCConfig{
		UDPPortRange:           portRange,
		NAT1To1IPs:             natIPs,
		NAT1To1IPCandidateType: candidateType,
		UDPListenIP:            listenIP,
	}, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
