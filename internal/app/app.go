// Package app contains the top-level orchestration for the host, guest and
// signaling roles.
package app

import (
	"context"
	"net"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/mesh"
	"github.com/1ureka/meshroom/internal/signaling"
	"github.com/1ureka/meshroom/internal/transport"
	"github.com/1ureka/meshroom/internal/util"
)

// sessions returns the transport factory described by cfg.
func sessions(cfg *config.Config) mesh.SessionFactory {
	return transport.Factory(transport.Options{
		ICEServers:      cfg.ICEServers,
		IncludeLoopback: cfg.IncludeLoopback,
	})
}

// announce logs membership changes of p.
func announce(p *mesh.NetworkPeer) {
	p.OnConnecting(func(name string) { util.LogDebug("connecting to %s", name) })
	p.OnConnected(func(name string) { util.LogSuccess("%s connected", name) })
	p.OnDisconnected(func(name string) { util.LogWarning("%s disconnected", name) })
}

// RunSignal serves signaling rooms on cfg.Listen until ctx is cancelled.
func RunSignal(ctx context.Context, cfg *config.Config) error {
	server := signaling.NewServer(signaling.ServerOptions{RoomTTL: cfg.RoomTTL})
	return server.ListenAndServe(ctx, cfg.Listen, func(addr net.Addr) {
		util.LogSuccess("signaling server listening on %s", addr)
	})
}
