// Package mesh forms and maintains a full mesh of peer sessions among a small
// set of named participants. One participant, the host, bootstraps every
// guest over an external signaling queue and then relays guest-to-guest
// negotiation over the host-room channel until each pair has its own link.
package mesh

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// Lifecycle scopes for NetworkPeer callbacks.
const (
	eventConnecting   = "connecting"
	eventConnected    = "connected"
	eventDisconnected = "disconnected"
)

// role is implemented by GuestPeer and HostPeer. The registry calls it from
// the event loop whenever something role-specific has to happen.
type role interface {
	// routeDescription delivers a local offer or answer to remote.
	routeDescription(remote string, desc protocol.SessionDescription)
	// routeCandidate delivers a local candidate (nil: gathering complete).
	routeCandidate(remote string, c *protocol.Candidate)
	// linkUp runs after a session to remote was promoted.
	linkUp(remote string)
	// linkDown runs after the link to remote was removed.
	linkDown(remote string)
	// pendingFailed runs when a session under negotiation terminated.
	pendingFailed(remote string)
	// roomOpened runs when the host-room channel to remote opens.
	roomOpened(remote string)
	// roomMessage receives a host-room payload from remote.
	roomMessage(from string, payload []byte)
}

// link is a connected session and its channels, keyed by label.
type link struct {
	remote   string
	session  Session
	channels map[string]Channel
}

// peerConfig is the part of a role's options the registry needs.
type peerConfig struct {
	name     string
	hostName string
	isHost   bool
	channels []ChannelConfig
	sessions SessionFactory
	// negotiationTimeout bounds a negotiation that is not the guest's own
	// bootstrap; zero means no bound.
	negotiationTimeout time.Duration
}

// NetworkPeer is the connection registry shared by both roles. It owns one
// session per remote peer name, dispatches inbound channel messages to the
// handlers registered for their label and reports link lifecycle changes.
//
// Handler registrations are keyed by channel label, not by session: a peer
// that drops and reconnects under the same name is served by the handlers
// that were already registered.
type NetworkPeer struct {
	name     string
	hostName string
	isHost   bool
	channels []ChannelConfig
	sessions SessionFactory
	role     role
	log      util.Scope
	loop     *eventLoop

	negotiationTimeout time.Duration

	// Owned by the event loop.
	pending map[string]*pendingSession
	closing bool

	// Written by the event loop only; the lock lets other goroutines read.
	mu    sync.RWMutex
	links map[string]*link

	handlers  *subscribers[Handler]
	lifecycle *subscribers[func(peerName string)]
	closeOnce sync.Once
}

func newNetworkPeer(cfg peerConfig, r role) *NetworkPeer {
	kind := "guest"
	if cfg.isHost {
		kind = "host"
	}
	return &NetworkPeer{
		name:      cfg.name,
		hostName:  cfg.hostName,
		isHost:    cfg.isHost,
		channels:  slices.Clone(cfg.channels),
		sessions:  cfg.sessions,
		role:      r,

		negotiationTimeout: cfg.negotiationTimeout,
		log:       util.Scope(kind + ":" + cfg.name),
		loop:      newEventLoop(),
		pending:   make(map[string]*pendingSession),
		links:     make(map[string]*link),
		handlers:  newSubscribers[Handler](),
		lifecycle: newSubscribers[func(string)](),
	}
}

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// Name returns this participant's name.
func (p *NetworkPeer) Name() string { return p.name }

// HostName returns the name of the mesh host (the own name on the host).
func (p *NetworkPeer) HostName() string { return p.hostName }

// Handle registers fn for messages arriving on the channel with the given
// label, from any peer. Several handlers may share a label; each receives
// every message. The returned func removes this registration.
//
// Handlers run on the event loop: they must not block, and must not call
// QueryReadiness.
func (p *NetworkPeer) Handle(label string, fn Handler) (unregister func()) {
	return p.handlers.add(label, fn)
}

// ClearHandlers removes every handler registered for label.
func (p *NetworkPeer) ClearHandlers(label string) {
	p.handlers.clear(label)
}

// OnConnecting registers fn to run when a negotiation with a peer starts.
func (p *NetworkPeer) OnConnecting(fn func(peerName string)) (unregister func()) {
	return p.lifecycle.add(eventConnecting, fn)
}

// OnConnected registers fn to run when a peer's session is connected and
// its channels are usable.
func (p *NetworkPeer) OnConnected(fn func(peerName string)) (unregister func()) {
	return p.lifecycle.add(eventConnected, fn)
}

// OnDisconnected registers fn to run when a connected peer's session ends.
func (p *NetworkPeer) OnDisconnected(fn func(peerName string)) (unregister func()) {
	return p.lifecycle.add(eventDisconnected, fn)
}

// Send writes payload to peerName's channel. It returns false, after
// logging, when the peer is not connected, the channel does not exist on
// that link or is not open, or the write fails.
func (p *NetworkPeer) Send(peerName, label string, payload []byte) bool {
	if label == HostRoomLabel {
		p.log.Errorf("send to %s: channel %q is reserved", peerName, HostRoomLabel)
		return false
	}
	return p.send(peerName, label, payload)
}

// Broadcast writes payload to label on every connected peer whose link
// carries that channel (hostOnly channels are absent from guest↔guest
// links). It returns the number of peers the payload was written to.
func (p *NetworkPeer) Broadcast(label string, payload []byte) int {
	if label == HostRoomLabel {
		p.log.Errorf("broadcast: channel %q is reserved", HostRoomLabel)
		return 0
	}

	sent := 0
	for _, name := range p.ConnectedPeerNames() {
		if !p.hasChannel(name, label) {
			continue
		}
		if p.send(name, label, payload) {
			sent++
		}
	}
	return sent
}

// ConnectedPeerNames returns the sorted names of all connected peers.
func (p *NetworkPeer) ConnectedPeerNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.links))
	for name := range p.links {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsConnectedTo reports whether a connected session to peerName exists.
func (p *NetworkPeer) IsConnectedTo(peerName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.links[peerName]
	return ok
}

// Disconnect requests teardown of the session to peerName. Registry state
// is removed when the session reports its termination, so a concurrent Send
// observes either a live link or a clean failure.
func (p *NetworkPeer) Disconnect(peerName string) {
	p.loop.post(func() { p.disconnect(peerName) })
}

// Done is closed once the peer has been closed and its event loop drained.
func (p *NetworkPeer) Done() <-chan struct{} {
	return p.loop.Done()
}

// Close tears down every session. Connected peers are reported through the
// OnDisconnected callbacks before Close returns.
func (p *NetworkPeer) Close() {
	p.closeOnce.Do(func() {
		p.loop.call(func() {
			p.closing = true
			for _, pend := range p.pending {
				p.forget(pend)
				closeSession(pend.session, p.log)
			}
			for _, l := range p.snapshotLinks() {
				p.dropLink(l)
			}
		})
		p.loop.stop()
		<-p.loop.Done()
	})
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func (p *NetworkPeer) hasChannel(peerName, label string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.links[peerName]
	if !ok {
		return false
	}
	_, ok = l.channels[label]
	return ok
}

func (p *NetworkPeer) send(peerName, label string, payload []byte) bool {
	p.mu.RLock()
	l, ok := p.links[peerName]
	p.mu.RUnlock()

	if !ok {
		p.log.Warnf("send %q to %s: not connected", label, peerName)
		return false
	}
	return p.writeChannel(peerName, l.channels, label, payload)
}

func (p *NetworkPeer) writeChannel(peerName string, channels map[string]Channel, label string, payload []byte) bool {
	ch, ok := channels[label]
	if !ok {
		p.log.Warnf("send to %s: no channel %q on this link", peerName, label)
		return false
	}
	if !ch.Ready() {
		p.log.Warnf("send to %s: channel %q is not open", peerName, label)
		return false
	}
	if err := ch.Send(payload); err != nil {
		p.log.Warnf("send to %s on %q failed: %v", peerName, label, err)
		return false
	}
	util.Stats.AddSent(len(payload))
	return true
}

// sendRoom writes a control message on the host-room channel to peerName.
// Event loop only: it falls back to a pending session's channel, since a
// host-room channel can open before its session is reported connected.
func (p *NetworkPeer) sendRoom(peerName string, msg *protocol.RoomMessage) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		p.log.Errorf("%v", err)
		return false
	}
	if p.IsConnectedTo(peerName) {
		return p.send(peerName, HostRoomLabel, data)
	}
	if pend, ok := p.pending[peerName]; ok {
		return p.writeChannel(peerName, pend.channels, HostRoomLabel, data)
	}
	p.log.Warnf("host-room message to %s: not connected", peerName)
	return false
}

// roomReady reports whether the host-room channel to peerName is open.
func (p *NetworkPeer) roomReady(peerName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.links[peerName]
	if !ok {
		return false
	}
	ch, ok := l.channels[HostRoomLabel]
	return ok && ch.Ready()
}

// ---------------------------------------------------------------------------
// Negotiation (event loop only)
// ---------------------------------------------------------------------------

// newPending creates the session and channels for a negotiation with remote.
func (p *NetworkPeer) newPending(remote string, initiator bool) (*pendingSession, error) {
	if remote == "" || remote == p.name {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, remote)
	}
	if _, ok := p.pending[remote]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPendingExists, remote)
	}
	if p.IsConnectedTo(remote) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, remote)
	}

	session, err := p.sessions(remote)
	if err != nil {
		return nil, fmt.Errorf("create session to %s: %w", remote, err)
	}
	hostLink := p.isHost || remote == p.hostName
	channels, err := openChannels(session, p.channels, hostLink)
	if err != nil {
		closeSession(session, p.log)
		return nil, err
	}

	pend := &pendingSession{
		remote:    remote,
		initiator: initiator,
		session:   session,
		channels:  channels,
	}
	p.pending[remote] = pend
	p.wire(remote, session, channels)

	// The guest's bootstrap toward the host is bounded by Join itself.
	if p.negotiationTimeout > 0 && (p.isHost || remote != p.hostName) {
		pend.deadline = time.AfterFunc(p.negotiationTimeout, func() {
			p.loop.post(func() { p.negotiationExpired(pend) })
		})
	}

	p.log.Debugf("negotiating with %s (initiator=%t, channels=%d)", remote, initiator, len(channels))
	p.emit(eventConnecting, remote)
	return pend, nil
}

// wire forwards every session and channel callback into the event loop.
func (p *NetworkPeer) wire(remote string, s Session, channels map[string]Channel) {
	s.OnCandidate(func(c *protocol.Candidate) {
		p.loop.post(func() { p.localCandidate(remote, s, c) })
	})
	s.OnStateChange(func(state ConnectionState) {
		p.loop.post(func() { p.stateChanged(remote, s, state) })
	})
	for label, ch := range channels {
		ch.OnMessage(func(payload []byte) {
			p.loop.post(func() { p.channelMessage(remote, s, label, payload) })
		})
	}
	if room, ok := channels[HostRoomLabel]; ok {
		room.OnOpen(func() {
			p.loop.post(func() {
				if p.current(remote, s) {
					p.role.roomOpened(remote)
				}
			})
		})
	}
}

// initiate starts a negotiation toward remote as the offering side.
func (p *NetworkPeer) initiate(remote string) error {
	pend, err := p.newPending(remote, true)
	if err != nil {
		return err
	}

	offer, err := pend.session.CreateOffer()
	if err != nil {
		p.abandon(pend)
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}

	pend.phase = phaseOffered
	p.role.routeDescription(remote, offer)
	p.flushLocal(pend)
	return nil
}

// acceptDescription applies a remote offer or answer from remote.
func (p *NetworkPeer) acceptDescription(remote string, desc protocol.SessionDescription) error {
	switch desc.Type {
	case protocol.SDPOffer:
		return p.acceptOffer(remote, desc)
	case protocol.SDPAnswer:
		return p.acceptAnswer(remote, desc)
	default:
		return fmt.Errorf("description from %s has unknown type %q", remote, desc.Type)
	}
}

func (p *NetworkPeer) acceptOffer(remote string, offer protocol.SessionDescription) error {
	if existing, ok := p.pending[remote]; ok {
		if existing.initiator {
			return fmt.Errorf("%w: crossed offer from %s", ErrPendingExists, remote)
		}
		// The offerer gave up on the earlier attempt and started over.
		p.log.Debugf("new offer from %s replaces the negotiation in phase %s", remote, existing.phase)
		p.abandon(existing)
	}
	if p.supersedes(remote) {
		p.mu.RLock()
		l, ok := p.links[remote]
		p.mu.RUnlock()
		if ok {
			// The offerer already saw this link end; its end reaches us later.
			p.log.Infof("new offer from %s replaces the existing link", remote)
			p.dropLink(l)
		}
	}

	pend, err := p.newPending(remote, false)
	if err != nil {
		return err
	}

	if err := pend.session.SetRemoteDescription(offer); err != nil {
		p.abandon(pend)
		return fmt.Errorf("apply offer from %s: %w", remote, err)
	}
	pend.remoteSet = true
	p.flushRemote(pend)

	answer, err := pend.session.CreateAnswer()
	if err != nil {
		p.abandon(pend)
		return fmt.Errorf("create answer for %s: %w", remote, err)
	}

	pend.phase = phaseNegotiated
	p.role.routeDescription(remote, answer)
	p.flushLocal(pend)
	return nil
}

func (p *NetworkPeer) acceptAnswer(remote string, answer protocol.SessionDescription) error {
	pend, ok := p.pending[remote]
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrUnknownPeer, remote)
	}
	if !pend.initiator || pend.phase != phaseOffered {
		return fmt.Errorf("unexpected answer from %s in phase %s", remote, pend.phase)
	}

	if err := pend.session.SetRemoteDescription(answer); err != nil {
		p.abandon(pend)
		return fmt.Errorf("apply answer from %s: %w", remote, err)
	}
	pend.remoteSet = true
	pend.phase = phaseNegotiated
	p.flushRemote(pend)
	return nil
}

// acceptCandidate ingests a remote candidate (nil: end of candidates).
func (p *NetworkPeer) acceptCandidate(remote string, c *protocol.Candidate) error {
	if pend, ok := p.pending[remote]; ok {
		if pend.bufferRemote(c) {
			return nil
		}
		return pend.session.AddCandidate(c)
	}

	// Trickled candidates may still arrive after the session connected.
	p.mu.RLock()
	l, ok := p.links[remote]
	p.mu.RUnlock()
	if ok {
		return l.session.AddCandidate(c)
	}
	return fmt.Errorf("%w: candidate from %s", ErrUnknownPeer, remote)
}

func (p *NetworkPeer) flushLocal(pend *pendingSession) {
	for _, c := range pend.takeLocal() {
		p.role.routeCandidate(pend.remote, c)
	}
}

func (p *NetworkPeer) flushRemote(pend *pendingSession) {
	for _, c := range pend.takeRemote() {
		if err := pend.session.AddCandidate(c); err != nil {
			p.log.Warnf("add buffered candidate from %s: %v", pend.remote, err)
		}
	}
}

// supersedes reports whether an offer from remote may replace a live link:
// only between guests, and only from the side that initiates the pair.
func (p *NetworkPeer) supersedes(remote string) bool {
	return !p.isHost && remote != p.hostName && ShouldInitiate(remote, p.name)
}

// abandon drops a pending session after a local negotiation error.
func (p *NetworkPeer) abandon(pend *pendingSession) {
	p.forget(pend)
	closeSession(pend.session, p.log)
}

// forget removes pend from the pending set if it is still the current
// negotiation with its peer, and stops its deadline.
func (p *NetworkPeer) forget(pend *pendingSession) {
	pend.stopDeadline()
	if p.pending[pend.remote] == pend {
		delete(p.pending, pend.remote)
	}
}

// negotiationExpired gives up on a negotiation that did not connect in time.
func (p *NetworkPeer) negotiationExpired(pend *pendingSession) {
	if p.pending[pend.remote] != pend {
		return
	}
	p.forget(pend)
	closeSession(pend.session, p.log)
	p.log.Warnf("negotiation with %s timed out in phase %s", pend.remote, pend.phase)
	p.role.pendingFailed(pend.remote)
}

func (p *NetworkPeer) localCandidate(remote string, s Session, c *protocol.Candidate) {
	if pend, ok := p.pending[remote]; ok && pend.session == s && pend.bufferLocal(c) {
		return
	}
	if !p.current(remote, s) {
		return
	}
	p.role.routeCandidate(remote, c)
}

// current reports whether s is the live (pending or linked) session to remote.
func (p *NetworkPeer) current(remote string, s Session) bool {
	if pend, ok := p.pending[remote]; ok && pend.session == s {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.links[remote]
	return ok && l.session == s
}

// hasPending reports whether any negotiation is in progress.
func (p *NetworkPeer) hasPending() bool {
	return len(p.pending) > 0
}

func (p *NetworkPeer) isPending(remote string) bool {
	_, ok := p.pending[remote]
	return ok
}

// disconnect closes the session to peerName; the termination notification
// does the bookkeeping.
func (p *NetworkPeer) disconnect(peerName string) {
	p.mu.RLock()
	l, ok := p.links[peerName]
	p.mu.RUnlock()

	switch {
	case ok:
		closeSession(l.session, p.log)
	case p.isPending(peerName):
		closeSession(p.pending[peerName].session, p.log)
	default:
		p.log.Debugf("disconnect %s: no session", peerName)
	}
}

// ---------------------------------------------------------------------------
// State machine (event loop only)
// ---------------------------------------------------------------------------

func (p *NetworkPeer) stateChanged(remote string, s Session, state ConnectionState) {
	if pend, ok := p.pending[remote]; ok && pend.session == s {
		p.pendingStateChanged(pend, state)
		return
	}

	p.mu.RLock()
	l, ok := p.links[remote]
	p.mu.RUnlock()
	if ok && l.session == s {
		p.linkStateChanged(l, state)
		return
	}

	p.log.Debugf("ignoring state %s from a stale session to %s", state, remote)
}

func (p *NetworkPeer) pendingStateChanged(pend *pendingSession, state ConnectionState) {
	switch state {
	case StateNew:
	case StateConnecting:
		if pend.phase == phaseConnecting {
			p.log.Errorf("session to %s reported connecting twice", pend.remote)
			return
		}
		pend.phase = phaseConnecting
	case StateConnected:
		p.forget(pend)
		p.promote(pend)
	case StateDisconnected, StateClosed, StateFailed:
		p.forget(pend)
		closeSession(pend.session, p.log)
		p.log.Warnf("negotiation with %s ended: %s", pend.remote, state)
		p.role.pendingFailed(pend.remote)
	default:
		p.forget(pend)
		closeSession(pend.session, p.log)
		p.log.Errorf("unknown state %d from %s", int(state), pend.remote)
	}
}

// promote installs a connected session as the link to its peer.
func (p *NetworkPeer) promote(pend *pendingSession) {
	p.mu.Lock()
	if _, exists := p.links[pend.remote]; exists {
		p.mu.Unlock()
		p.log.Errorf("promote %s: %v", pend.remote, ErrAlreadyConnected)
		closeSession(pend.session, p.log)
		return
	}
	p.links[pend.remote] = &link{
		remote:   pend.remote,
		session:  pend.session,
		channels: pend.channels,
	}
	p.mu.Unlock()

	util.Stats.AddLink()
	p.log.Infof("connected to %s", pend.remote)
	p.emit(eventConnected, pend.remote)
	p.role.linkUp(pend.remote)
}

func (p *NetworkPeer) linkStateChanged(l *link, state ConnectionState) {
	switch state {
	case StateFailed:
		p.log.Errorf("session to %s failed, treating as disconnect", l.remote)
		p.dropLink(l)
	case StateDisconnected, StateClosed:
		p.dropLink(l)
	default:
		p.log.Errorf("unexpected state %s on connected session to %s", state, l.remote)
	}
}

// dropLink removes a link but keeps every handler registration, so a later
// session under the same name is served without re-registration.
func (p *NetworkPeer) dropLink(l *link) {
	p.mu.Lock()
	if p.links[l.remote] != l {
		p.mu.Unlock()
		return
	}
	delete(p.links, l.remote)
	p.mu.Unlock()

	closeSession(l.session, p.log)
	util.Stats.RemoveLink()
	p.log.Infof("disconnected from %s", l.remote)
	p.emit(eventDisconnected, l.remote)
	if !p.closing {
		p.role.linkDown(l.remote)
	}
}

func (p *NetworkPeer) snapshotLinks() []*link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		out = append(out, l)
	}
	return out
}

// ---------------------------------------------------------------------------
// Dispatch (event loop only)
// ---------------------------------------------------------------------------

func (p *NetworkPeer) channelMessage(remote string, s Session, label string, payload []byte) {
	if !p.current(remote, s) {
		return
	}
	util.Stats.AddRecv(len(payload))

	if label == HostRoomLabel {
		p.role.roomMessage(remote, payload)
		return
	}
	for _, fn := range p.handlers.snapshot(label) {
		fn(remote, payload)
	}
}

func (p *NetworkPeer) emit(event, peerName string) {
	for _, fn := range p.lifecycle.snapshot(event) {
		fn(peerName)
	}
}

func closeSession(s Session, log util.Scope) {
	if err := s.Close(); err != nil {
		log.Debugf("close session: %v", err)
	}
}
