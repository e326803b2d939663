package meeting

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meshmeet/internal/turnrest"
)

// ICEProvider serves the configured ICE servers, minting TURN REST
// credentials per request when a generator is configured.
type ICEProvider struct {
	servers []webrtc.ICEServer
	turn    *turnrest.Generator
}

func NewICEProvider(servers []webrtc.ICEServer, turn *turnrest.Generator) *ICEProvider {
	return &ICEProvider{servers: servers, turn: turn}
}

// Servers never returns nil so responses encode as [].
func (p *ICEProvider) Servers(participant string) ([]webrtc.ICEServer, error) {
	if p == nil || len(p.servers) == 0 {
		return []webrtc.ICEServer{}, nil
	}
	if p.turn == nil {
		return append([]webrtc.ICEServer{}, p.servers...), nil
	}

	var (
		creds turnrest.Credentials
		err   error
	)
	if participant == "" {
		creds, err = p.turn.GenerateRandom()
	} else {
		creds, err = p.turn.Generate(participant)
	}
	if err != nil {
		return nil, err
	}
	return turnrest.Apply(p.servers, creds), nil
}
