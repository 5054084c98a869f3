package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/meshroom/internal/protocol"
)

// DefaultQueryTimeout bounds a readiness query.
const DefaultQueryTimeout = 5 * time.Second

// HostSignaler is the host's side of the out-of-band signaling queue.
type HostSignaler interface {
	// PollFromGuests waits for bootstrap signals from joining guests. It may
	// return an empty slice when nothing arrived within its own wait window.
	PollFromGuests(ctx context.Context) ([]protocol.Signal, error)
	// RespondToGuest queues a bootstrap signal for the named guest.
	RespondToGuest(ctx context.Context, guest string, sig protocol.Signal) error
}

// HostOptions configures NewHost.
type HostOptions struct {
	Name     string
	Channels []ChannelConfig
	Sessions SessionFactory
	Signaler HostSignaler
	// QueryTimeout bounds QueryReadiness; zero means DefaultQueryTimeout.
	QueryTimeout time.Duration
}

// HostPeer accepts guests from the signaling queue, keeps every guest
// informed of the membership and relays guest-to-guest negotiation until
// each pair is linked directly.
type HostPeer struct {
	*NetworkPeer

	signaler     HostSignaler
	out          *outbox
	queryTimeout time.Duration
	closeOnce    sync.Once

	// Owned by the event loop.
	query    *readinessQuery
	attempts map[string]string // guest → bootstrap session id of its last offer

	rosterMu sync.RWMutex
	roster   []string // last roster broadcast
}

// NewHost creates a host. Call Serve to start accepting guests.
func NewHost(opts HostOptions) (*HostPeer, error) {
	switch {
	case opts.Name == "":
		return nil, fmt.Errorf("%w: host name is required", ErrInvalidName)
	case opts.Sessions == nil:
		return nil, errors.New("host: no session factory")
	case opts.Signaler == nil:
		return nil, errors.New("host: no signaler")
	}
	if err := ValidateChannels(opts.Channels); err != nil {
		return nil, err
	}

	h := &HostPeer{
		signaler:     opts.Signaler,
		queryTimeout: opts.QueryTimeout,
		roster:       []string{opts.Name},
		attempts:     make(map[string]string),
	}
	if h.queryTimeout <= 0 {
		h.queryTimeout = DefaultQueryTimeout
	}
	h.NetworkPeer = newNetworkPeer(peerConfig{
		name:     opts.Name,
		hostName: opts.Name,
		isHost:   true,
		channels: opts.Channels,
		sessions: opts.Sessions,
	}, h)
	h.out = newOutbox(h.log)
	return h, nil
}

// Serve polls the signaling queue for joining guests until ctx ends or the
// host is closed. Poll errors are logged and retried.
func (h *HostPeer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	h.log.Infof("accepting guests")
	for {
		signals, err := h.signaler.PollFromGuests(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.log.Warnf("poll guest signals: %v", err)
			select {
			case <-time.After(pollRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		for _, sig := range signals {
			h.loop.post(func() { h.guestSignal(sig) })
		}
	}
}

// Roster returns the member list last broadcast to the guests, host first
// included, sorted.
func (h *HostPeer) Roster() []string {
	h.rosterMu.RLock()
	defer h.rosterMu.RUnlock()
	return slices.Clone(h.roster)
}

// Close disconnects every guest. An outstanding QueryReadiness returns
// ErrClosed.
func (h *HostPeer) Close() {
	h.closeOnce.Do(func() {
		h.NetworkPeer.Close()
		h.out.close()
	})
}

// ---------------------------------------------------------------------------
// Bootstrap signaling
// ---------------------------------------------------------------------------

func (h *HostPeer) guestSignal(sig protocol.Signal) {
	guest := sig.From
	if guest == "" {
		h.log.Warnf("dropping bootstrap signal without sender")
		return
	}

	var err error
	switch {
	case sig.Offer != nil:
		if guest == h.name || h.IsConnectedTo(guest) || h.isPending(guest) {
			h.log.Warnf("rejecting offer from %s: %v", guest, ErrDuplicateJoin)
			return
		}
		h.failQuery(guest + " is joining")
		h.log.Infof("%s is joining", guest)
		h.attempts[guest] = sig.Session
		err = h.acceptDescription(guest, *sig.Offer)
	case sig.Session != h.attempts[guest]:
		h.log.Debugf("dropping signal from %s: not its current bootstrap", guest)
	case sig.Candidate != nil:
		err = h.acceptCandidate(guest, sig.Candidate)
	case sig.GatheringDone:
		err = h.acceptCandidate(guest, nil)
	case sig.Answer != nil:
		err = errors.New("unexpected answer")
	default:
		err = errors.New("empty signal")
	}
	if err != nil {
		h.log.Warnf("signal from %s: %v", guest, err)
	}
}

// ---------------------------------------------------------------------------
// role
// ---------------------------------------------------------------------------

func (h *HostPeer) routeDescription(remote string, desc protocol.SessionDescription) {
	sig := protocol.Signal{From: h.name}
	if desc.Type == protocol.SDPAnswer {
		sig.Answer = &desc
	} else {
		sig.Offer = &desc
	}
	h.respond(remote, string(desc.Type), sig)
}

func (h *HostPeer) routeCandidate(remote string, c *protocol.Candidate) {
	h.respond(remote, "candidate", protocol.Signal{From: h.name, Candidate: c, GatheringDone: c == nil})
}

func (h *HostPeer) respond(guest, what string, sig protocol.Signal) {
	sig.Session = h.attempts[guest]
	h.out.push(what+" to "+guest, func(ctx context.Context) error {
		return h.signaler.RespondToGuest(ctx, guest, sig)
	})
}

func (h *HostPeer) linkUp(remote string) {
	h.failQuery(remote + " connected")
	if h.roomReady(remote) {
		h.broadcastRoster()
	}
}

func (h *HostPeer) linkDown(remote string) {
	delete(h.attempts, remote)
	h.failQuery(remote + " disconnected")
	h.broadcastRoster()
}

func (h *HostPeer) pendingFailed(remote string) {
	delete(h.attempts, remote)
	h.log.Warnf("bootstrap of %s failed", remote)
}

func (h *HostPeer) roomOpened(remote string) {
	if h.IsConnectedTo(remote) {
		h.broadcastRoster()
	}
}

func (h *HostPeer) roomMessage(from string, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		h.log.Warnf("host-room from %s: %v", from, err)
		return
	}

	switch {
	case msg.Relayed():
		h.relay(from, msg)
	case msg.Type == protocol.TypeQueryReply:
		h.queryReply(from, msg)
	default:
		h.log.Warnf("unexpected host-room message type %d from %s", msg.Type, from)
	}
}

// relay forwards a guest's negotiation message to its recipient, tagged with
// the true sender.
func (h *HostPeer) relay(from string, msg *protocol.RoomMessage) {
	to := msg.Recipient
	switch {
	case to == "" || to == h.name:
		h.log.Warnf("dropping relayed message from %s: no guest recipient", from)
		return
	case to == from:
		h.log.Warnf("dropping relayed message from %s addressed to itself", from)
		return
	case !h.IsConnectedTo(to):
		h.log.Warnf("dropping relayed message from %s: %s is not connected", from, to)
		return
	}

	msg.From = from
	h.sendRoom(to, msg)
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// members lists the host and every guest whose host-room channel is open,
// sorted. A guest enters the roster only once it can receive relayed
// negotiation.
func (h *HostPeer) members() []string {
	members := []string{h.name}
	for _, name := range h.ConnectedPeerNames() {
		if h.roomReady(name) {
			members = append(members, name)
		}
	}
	slices.Sort(members)
	return members
}

// broadcastRoster pushes the current members to every guest when they
// changed since the last broadcast.
func (h *HostPeer) broadcastRoster() {
	roster := h.members()

	h.rosterMu.Lock()
	if slices.Equal(roster, h.roster) {
		h.rosterMu.Unlock()
		return
	}
	h.roster = roster
	h.rosterMu.Unlock()

	h.log.Infof("roster %v", roster)
	for _, name := range roster {
		if name == h.name {
			continue
		}
		h.sendRoom(name, &protocol.RoomMessage{
			Type:   protocol.TypeRoster,
			From:   h.name,
			Roster: roster,
		})
	}
}
