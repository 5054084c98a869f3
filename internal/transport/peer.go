package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/mesh"
)

// DefaultSTUNServers are used when no ICE servers are configured. No TURN:
// links are direct peer-to-peer or they do not form.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures the PeerConnections a Factory creates.
type Options struct {
	// ICEServers lists STUN/TURN URLs; nil means DefaultSTUNServers and an
	// empty non-nil slice means host candidates only.
	ICEServers []string
	// IncludeLoopback gathers loopback candidates, for peers on one machine.
	IncludeLoopback bool
}

// newPeerConnection creates a PeerConnection with the configured ICE servers.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	servers := opts.ICEServers
	if servers == nil {
		servers = DefaultSTUNServers
	}

	config := webrtc.Configuration{}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel with a fixed id. Both
// ends create the same channel independently, so OnDataChannel is never
// needed and the two sides agree on the channel set by construction.
func newDataChannel(pc *webrtc.PeerConnection, cfg mesh.ChannelConfig, id uint16) (*webrtc.DataChannel, error) {
	ordered := cfg.IsOrdered()
	negotiated := true

	init := &webrtc.DataChannelInit{
		Ordered:           &ordered,
		Negotiated:        &negotiated,
		ID:                &id,
		MaxRetransmits:    cfg.MaxRetransmits,
		MaxPacketLifeTime: cfg.MaxPacketLifeTime,
	}
	if cfg.Protocol != "" {
		init.Protocol = &cfg.Protocol
	}
	return pc.CreateDataChannel(cfg.Label, init)
}
