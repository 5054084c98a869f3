package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/mesh"
	"github.com/1ureka/meshroom/internal/signaling"
	"github.com/1ureka/meshroom/internal/util"
)

// guestRun is a guest in a room and its signaling connection.
type guestRun struct {
	conn  *signaling.Conn
	guest *mesh.GuestPeer
}

// joinRoom looks up the room's host and bootstraps a link to it.
func joinRoom(ctx context.Context, cfg *config.Config) (*guestRun, error) {
	client := signaling.NewClient(cfg.SignalURL)
	hostName, err := client.LookupHost(ctx, cfg.RoomCode)
	if err != nil {
		return nil, err
	}

	conn, err := client.Dial(ctx, cfg.RoomCode, cfg.Name)
	if err != nil {
		return nil, err
	}

	util.LogInfo("joining %s's room...", hostName)
	guest, err := mesh.Join(ctx, mesh.JoinOptions{
		Name:     cfg.Name,
		HostName: hostName,
		Channels: cfg.Channels,
		Sessions: sessions(cfg),
		Signaler: conn,
		Timeout:  cfg.JoinTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &guestRun{conn: conn, guest: guest}, nil
}

func (r *guestRun) close() {
	r.guest.Close()
	r.conn.Close()
}

// RunGuest orchestrates the full guest lifecycle:
//  1. Look up the room's host and connect to it
//  2. Link to every other guest through the host's relay
//  3. Run the chat console until Ctrl+C, /quit or the host leaving
func RunGuest(ctx context.Context, cfg *config.Config, in io.Reader) error {
	r, err := joinRoom(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	defer r.close()

	util.LogSuccess("connected to host %s", r.guest.HostName())
	announce(r.guest.NetworkPeer)

	con := newConsole(r.guest, in, nil)
	con.roster = r.guest.Roster

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return con.run(gctx) })
	g.Go(func() error {
		if err := r.guest.WaitMeshReady(gctx); err != nil {
			return nil
		}
		util.LogSuccess("mesh ready: %v", r.guest.Roster())
		return nil
	})
	g.Go(func() error {
		select {
		case <-r.guest.HostLost():
			return mesh.ErrBootstrapFailed
		case <-gctx.Done():
			return nil
		}
	})
	util.StartStatsReporter(gctx, cfg.StatsInterval)

	err = g.Wait()
	switch {
	case errors.Is(err, errQuit):
		return nil
	case errors.Is(err, mesh.ErrBootstrapFailed):
		return errors.New("the host left the room")
	}
	return err
}
