package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/meshroom/internal/protocol"
)

// DefaultJoinTimeout bounds the guest's bootstrap against the host.
const DefaultJoinTimeout = 10 * time.Second

// pollRetryDelay is the pause after a failed poll of the signaling queue.
const pollRetryDelay = time.Second

// retryDelay is the pause before negotiating again with a guest after a
// negotiation with it failed.
const retryDelay = time.Second

// GuestSignaler is the guest's side of the out-of-band signaling queue.
type GuestSignaler interface {
	// PushToHost queues a bootstrap signal for the host.
	PushToHost(ctx context.Context, sig protocol.Signal) error
	// PollFromHost waits for signals the host queued for this guest. It may
	// return an empty slice when nothing arrived within its own wait window.
	PollFromHost(ctx context.Context) ([]protocol.Signal, error)
}

// JoinOptions configures Join.
type JoinOptions struct {
	Name     string
	HostName string
	// Channels must list the same configs, in the same order, as every other
	// participant.
	Channels []ChannelConfig
	Sessions SessionFactory
	Signaler GuestSignaler
	// Timeout bounds the bootstrap and every later negotiation with another
	// guest; zero means DefaultJoinTimeout.
	Timeout time.Duration
}

// GuestState is the guest's progress through mesh formation.
type GuestState int

const (
	GuestIdle GuestState = iota
	GuestAwaitingHost
	GuestMeshForming
	GuestReady
	GuestFailed
)

func (s GuestState) String() string {
	switch s {
	case GuestIdle:
		return "idle"
	case GuestAwaitingHost:
		return "awaiting-host"
	case GuestMeshForming:
		return "mesh-forming"
	case GuestReady:
		return "ready"
	case GuestFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GuestPeer is a participant that joined through the host. After the host
// link is up it follows the host's roster, opening a direct link to every
// other member and relaying their negotiation through the host-room channel.
type GuestPeer struct {
	*NetworkPeer

	signaler GuestSignaler
	out      *outbox
	attempt  string // bootstrap session id carried by every signal

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	hostUp    chan struct{}
	hostLost  chan struct{}
	hostOnce  sync.Once
	lostOnce  sync.Once
	closeOnce sync.Once

	// Written by the event loop; stateMu lets other goroutines read.
	stateMu sync.Mutex
	state   GuestState
	roster  []string
	changed chan struct{} // closed and replaced on every state change

	// Owned by the event loop: peers disconnected through Disconnect, left
	// alone until the roster changes.
	kicked map[string]struct{}
}

// Join bootstraps a session to the host and returns once it is connected.
// Mesh formation with the other guests continues in the background; use
// WaitMeshReady to wait for it.
//
// The bootstrap ends at the first of: the host link connecting, the host
// session failing (ErrBootstrapFailed), the timeout (ErrBootstrapTimeout) or
// ctx ending. Signals already sent are not withdrawn on failure.
func Join(ctx context.Context, opts JoinOptions) (*GuestPeer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}

	g := &GuestPeer{
		signaler: opts.Signaler,
		attempt:  uuid.NewString(),
		hostUp:   make(chan struct{}),
		hostLost: make(chan struct{}),
		pollDone: make(chan struct{}),
		changed:  make(chan struct{}),
		kicked:   make(map[string]struct{}),
	}
	g.NetworkPeer = newNetworkPeer(peerConfig{
		name:     opts.Name,
		hostName: opts.HostName,
		channels: opts.Channels,
		sessions: opts.Sessions,

		negotiationTimeout: timeout,
	}, g)
	g.out = newOutbox(g.log)

	pollCtx, cancel := context.WithCancel(context.Background())
	g.pollCancel = cancel
	go g.poll(pollCtx)

	var err error
	g.loop.call(func() {
		g.setState(GuestAwaitingHost)
		err = g.initiate(g.hostName)
	})
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("join %s: %w", opts.HostName, err)
	}

	bootCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	select {
	case <-g.hostUp:
		return g, nil
	case <-g.hostLost:
		g.Close()
		return nil, fmt.Errorf("join %s: %w", opts.HostName, ErrBootstrapFailed)
	case <-bootCtx.Done():
		g.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("join %s after %s: %w", opts.HostName, timeout, ErrBootstrapTimeout)
	}
}

func (o JoinOptions) validate() error {
	switch {
	case o.Name == "" || o.HostName == "":
		return fmt.Errorf("%w: guest and host names are required", ErrInvalidName)
	case o.Name == o.HostName:
		return fmt.Errorf("%w: guest name %q equals the host's", ErrInvalidName, o.Name)
	case o.Sessions == nil:
		return errors.New("join: no session factory")
	case o.Signaler == nil:
		return errors.New("join: no signaler")
	}
	return ValidateChannels(o.Channels)
}

// State returns the current mesh-formation state.
func (g *GuestPeer) State() GuestState {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

// Roster returns the last roster received from the host.
func (g *GuestPeer) Roster() []string {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return slices.Clone(g.roster)
}

// WaitMeshReady blocks until the guest is linked to every roster member.
// It returns ErrBootstrapFailed once the host link is lost and ErrClosed
// after Close.
func (g *GuestPeer) WaitMeshReady(ctx context.Context) error {
	for {
		g.stateMu.Lock()
		state, changed := g.state, g.changed
		g.stateMu.Unlock()

		switch state {
		case GuestReady:
			return nil
		case GuestFailed:
			return ErrBootstrapFailed
		}

		select {
		case <-changed:
		case <-g.Done():
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect closes the link to peerName. Unlike on the host, the link is
// not re-formed, in either direction, until the roster changes.
func (g *GuestPeer) Disconnect(peerName string) {
	g.loop.post(func() {
		if peerName != g.hostName {
			g.kicked[peerName] = struct{}{}
		}
		g.disconnect(peerName)
	})
}

// HostLost is closed once the host link is gone for good. The guest can no
// longer learn about membership changes and should leave.
func (g *GuestPeer) HostLost() <-chan struct{} { return g.hostLost }

// Close leaves the mesh, closing the host link and every guest link.
func (g *GuestPeer) Close() {
	g.closeOnce.Do(func() {
		g.pollCancel()
		g.NetworkPeer.Close()
		g.out.close()
		<-g.pollDone
	})
}

func (g *GuestPeer) setState(s GuestState) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.state == s {
		return
	}
	g.log.Debugf("state %s -> %s", g.state, s)
	g.state = s
	close(g.changed)
	g.changed = make(chan struct{})
}

// ---------------------------------------------------------------------------
// Bootstrap signaling
// ---------------------------------------------------------------------------

// poll drains the host's replies from the signaling queue until the host
// link is up or the guest closes.
func (g *GuestPeer) poll(ctx context.Context) {
	defer close(g.pollDone)
	for {
		signals, err := g.signaler.PollFromHost(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			g.log.Warnf("poll host signals: %v", err)
			select {
			case <-time.After(pollRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		for _, sig := range signals {
			g.loop.post(func() { g.hostSignal(sig) })
		}
	}
}

func (g *GuestPeer) hostSignal(sig protocol.Signal) {
	if sig.From != "" && sig.From != g.hostName {
		g.log.Warnf("dropping bootstrap signal from %q: not the host", sig.From)
		return
	}
	if sig.Session != g.attempt {
		g.log.Debugf("dropping signal from an earlier bootstrap")
		return
	}

	var err error
	switch {
	case sig.Answer != nil:
		err = g.acceptDescription(g.hostName, *sig.Answer)
	case sig.Candidate != nil:
		err = g.acceptCandidate(g.hostName, sig.Candidate)
	case sig.GatheringDone:
		err = g.acceptCandidate(g.hostName, nil)
	case sig.Offer != nil:
		err = errors.New("unexpected offer from the host")
	default:
		err = errors.New("empty signal")
	}
	if err != nil {
		g.log.Warnf("host signal: %v", err)
	}
}

// ---------------------------------------------------------------------------
// role
// ---------------------------------------------------------------------------

func (g *GuestPeer) routeDescription(remote string, desc protocol.SessionDescription) {
	if remote == g.hostName {
		sig := protocol.Signal{From: g.name, Session: g.attempt}
		if desc.Type == protocol.SDPOffer {
			sig.Offer = &desc
		} else {
			sig.Answer = &desc
		}
		g.out.push(string(desc.Type), func(ctx context.Context) error {
			return g.signaler.PushToHost(ctx, sig)
		})
		return
	}

	g.sendRoom(g.hostName, &protocol.RoomMessage{
		Type:        protocol.TypeDescription,
		From:        g.name,
		Recipient:   remote,
		Description: &desc,
	})
}

func (g *GuestPeer) routeCandidate(remote string, c *protocol.Candidate) {
	if remote == g.hostName {
		sig := protocol.Signal{
			From:          g.name,
			Session:       g.attempt,
			Candidate:     c,
			GatheringDone: c == nil,
		}
		g.out.push("candidate", func(ctx context.Context) error {
			return g.signaler.PushToHost(ctx, sig)
		})
		return
	}

	g.sendRoom(g.hostName, &protocol.RoomMessage{
		Type:          protocol.TypeCandidate,
		From:          g.name,
		Recipient:     remote,
		Candidate:     c,
		GatheringDone: c == nil,
	})
}

func (g *GuestPeer) linkUp(remote string) {
	if remote == g.hostName {
		g.hostOnce.Do(func() { close(g.hostUp) })
		g.pollCancel()
		g.setState(GuestMeshForming)
	}
	g.evaluate()
}

func (g *GuestPeer) linkDown(remote string) {
	if remote == g.hostName {
		g.log.Errorf("lost the host link")
		g.fail()
		return
	}
	// Re-open a dropped link while its peer is still a member.
	g.reconcile()
	g.evaluate()
}

func (g *GuestPeer) pendingFailed(remote string) {
	if remote == g.hostName {
		g.fail()
		return
	}
	g.evaluate()

	time.AfterFunc(retryDelay, func() {
		g.loop.post(func() {
			if g.State() == GuestFailed {
				return
			}
			g.reconcile()
			g.evaluate()
		})
	})
}

func (g *GuestPeer) roomOpened(remote string) {
	g.log.Debugf("host-room to %s open", remote)
}

func (g *GuestPeer) roomMessage(from string, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		g.log.Warnf("host-room from %s: %v", from, err)
		return
	}

	switch msg.Type {
	case protocol.TypeRoster:
		g.applyRoster(msg.Roster)
	case protocol.TypeDescription, protocol.TypeCandidate:
		g.relayed(msg)
	case protocol.TypeQuery:
		members := append(g.ConnectedPeerNames(), g.name)
		slices.Sort(members)
		g.sendRoom(g.hostName, &protocol.RoomMessage{
			Type:    protocol.TypeQueryReply,
			From:    g.name,
			QueryID: msg.QueryID,
			Members: members,
		})
	default:
		g.log.Warnf("unexpected host-room message type %d", msg.Type)
	}
}

// relayed handles negotiation messages another guest sent through the host.
func (g *GuestPeer) relayed(msg *protocol.RoomMessage) {
	if msg.From == "" || msg.From == g.name || msg.From == g.hostName {
		g.log.Warnf("dropping relayed message with sender %q", msg.From)
		return
	}
	if msg.Recipient != "" && msg.Recipient != g.name {
		g.log.Warnf("dropping relayed message for %s", msg.Recipient)
		return
	}
	if _, ok := g.kicked[msg.From]; ok {
		g.log.Debugf("ignoring negotiation from disconnected peer %s", msg.From)
		return
	}

	var err error
	switch {
	case msg.Type == protocol.TypeDescription && msg.Description != nil:
		err = g.acceptDescription(msg.From, *msg.Description)
	case msg.Type == protocol.TypeCandidate && msg.GatheringDone:
		err = g.acceptCandidate(msg.From, nil)
	case msg.Type == protocol.TypeCandidate && msg.Candidate != nil:
		err = g.acceptCandidate(msg.From, msg.Candidate)
	default:
		err = errors.New("empty relayed message")
	}
	if err != nil {
		g.log.Warnf("relayed from %s: %v", msg.From, err)
	}
}

// ---------------------------------------------------------------------------
// Mesh formation
// ---------------------------------------------------------------------------

func (g *GuestPeer) applyRoster(roster []string) {
	roster = slices.Clone(roster)
	slices.Sort(roster)
	roster = slices.Compact(roster)

	g.stateMu.Lock()
	changed := !slices.Equal(g.roster, roster)
	g.roster = roster
	g.stateMu.Unlock()

	if changed {
		clear(g.kicked)
	}
	g.log.Debugf("roster %v", roster)
	g.reconcile()
	g.evaluate()
}

// reconcile opens the links this guest is responsible for and tears down
// links and negotiations with names that left the roster.
func (g *GuestPeer) reconcile() {
	g.stateMu.Lock()
	roster := g.roster
	g.stateMu.Unlock()
	if roster == nil {
		return
	}

	for _, name := range roster {
		if name == g.name || name == g.hostName {
			continue
		}
		if g.IsConnectedTo(name) || g.isPending(name) {
			continue
		}
		if _, ok := g.kicked[name]; ok {
			continue
		}
		if !ShouldInitiate(g.name, name) {
			continue
		}
		if err := g.initiate(name); err != nil {
			g.log.Warnf("connect to %s: %v", name, err)
		}
	}

	for _, name := range g.ConnectedPeerNames() {
		if name != g.hostName && !slices.Contains(roster, name) {
			g.log.Infof("%s left the roster, disconnecting", name)
			g.disconnect(name)
		}
	}
	for name, pend := range g.pending {
		if name != g.hostName && !slices.Contains(roster, name) {
			g.log.Debugf("%s left the roster, abandoning negotiation", name)
			g.abandon(pend)
		}
	}
}

// evaluate moves between MeshForming and Ready as links come and go.
func (g *GuestPeer) evaluate() {
	g.stateMu.Lock()
	state, roster := g.state, g.roster
	g.stateMu.Unlock()

	if state != GuestMeshForming && state != GuestReady {
		return
	}

	want := make([]string, 0, len(roster))
	for _, name := range roster {
		if name != g.name {
			want = append(want, name)
		}
	}
	if roster != nil && slices.Equal(want, g.ConnectedPeerNames()) {
		g.setState(GuestReady)
	} else {
		g.setState(GuestMeshForming)
	}
}

func (g *GuestPeer) fail() {
	g.lostOnce.Do(func() { close(g.hostLost) })
	g.pollCancel()
	g.setState(GuestFailed)
}
