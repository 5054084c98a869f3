package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/mesh"
	"github.com/1ureka/meshroom/internal/signaling"
	"github.com/1ureka/meshroom/internal/util"
)

// hostRun is an open room and the host serving it.
type hostRun struct {
	client *signaling.Client
	room   signaling.Room
	conn   *signaling.Conn
	host   *mesh.HostPeer
}

// openHost creates a room on the signaling server and the host for it.
func openHost(ctx context.Context, cfg *config.Config) (*hostRun, error) {
	client := signaling.NewClient(cfg.SignalURL)
	room, err := client.CreateRoom(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	r := &hostRun{client: client, room: room}

	r.conn, err = client.Dial(ctx, room.Code, cfg.Name)
	if err != nil {
		r.close()
		return nil, err
	}

	r.host, err = mesh.NewHost(mesh.HostOptions{
		Name:         cfg.Name,
		Channels:     cfg.Channels,
		Sessions:     sessions(cfg),
		Signaler:     r.conn,
		QueryTimeout: cfg.QueryTimeout,
	})
	if err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

// close disconnects every guest and deletes the room.
func (r *hostRun) close() {
	if r.host != nil {
		r.host.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.CloseRoom(ctx, r.room.Code); err != nil {
		util.LogWarning("failed to close room: %v", err)
	}
}

// RunHost orchestrates the full host lifecycle:
//  1. Create a room on the signaling server
//  2. Accept guests and relay their mesh negotiation
//  3. Run the chat console until Ctrl+C or /quit
//  4. Disconnect every guest and delete the room
func RunHost(ctx context.Context, cfg *config.Config, in io.Reader) error {
	r, err := openHost(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open room: %w", err)
	}
	defer r.close()

	pterm.DefaultBox.WithTitle("meshroom").Println(
		fmt.Sprintf("Room : %s\nHost : %s\n\nGuests join with: meshroom join %s", r.room.Code, cfg.Name, r.room.Code),
	)
	announce(r.host.NetworkPeer)

	con := newConsole(r.host, in, nil)
	con.ready = r.host.QueryReadiness
	con.roster = r.host.Roster

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveUntilLost(gctx, r.host, r.conn.Done()) })
	g.Go(func() error { return con.run(gctx) })
	util.StartStatsReporter(gctx, cfg.StatsInterval)

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// serveUntilLost accepts guests until ctx ends or lost is closed. Losing the
// signaling connection only stops admissions; the mesh keeps running.
func serveUntilLost(ctx context.Context, host guestServer, lost <-chan struct{}) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lost:
			util.LogWarning("lost the signaling connection; no new guests can join")
			cancel()
		case <-serveCtx.Done():
		}
	}()

	return host.Serve(serveCtx)
}

type guestServer interface {
	Serve(ctx context.Context) error
}
