package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/meshroom/internal/protocol"
)

// Compile-time interface checks.
var (
	_ Session       = (*fakeSession)(nil)
	_ Channel       = (*fakeChannel)(nil)
	_ GuestSignaler = (*fakeGuestSignaler)(nil)
	_ HostSignaler  = (*fakeHostSignaler)(nil)
)

// ---------------------------------------------------------------------------
// In-process session network
// ---------------------------------------------------------------------------

// fakeNet pairs fakeSessions by the token carried in their descriptions.
// Every session delivers its callbacks from its own goroutine, in order,
// after a random delay in [0, 5ms), so events from different peers
// interleave the way they do over a real network.
type fakeNet struct {
	mu      sync.Mutex
	nextID  int
	offers  map[string]*fakeSession
	answers map[string]*fakeSession
	blocked map[[2]string]bool

	// offered counts offers per (local, remote) pair.
	offered map[[2]string]int
	// early counts candidates added before the remote description.
	early int
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		offers:  make(map[string]*fakeSession),
		answers: make(map[string]*fakeSession),
		blocked: make(map[[2]string]bool),
		offered: make(map[[2]string]int),
	}
}

// factory returns the SessionFactory used by the participant local.
func (n *fakeNet) factory(local string) SessionFactory {
	return func(remote string) (Session, error) {
		return &fakeSession{
			net:      n,
			local:    local,
			remote:   remote,
			inbox:    newEventLoop(),
			channels: make(map[uint16]*fakeChannel),
		}, nil
	}
}

// block keeps sessions between a and b from ever connecting.
func (n *fakeNet) block(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]string{a, b}] = true
	n.blocked[[2]string{b, a}] = true
}

// unblock lets later sessions between a and b connect again.
func (n *fakeNet) unblock(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, [2]string{a, b})
	delete(n.blocked, [2]string{b, a})
}

func (n *fakeNet) offersBetween(from, to string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offered[[2]string{from, to}]
}

func (n *fakeNet) earlyCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.early
}

type fakeSession struct {
	net    *fakeNet
	local  string
	remote string
	inbox  *eventLoop

	mu            sync.Mutex
	token         string
	remoteSet     bool
	peer          *fakeSession
	state         ConnectionState
	channels      map[uint16]*fakeChannel
	onCandidate   func(*protocol.Candidate)
	onStateChange func(ConnectionState)
}

// deliver runs fn on the session's own goroutine after a short random delay.
func (s *fakeSession) deliver(fn func()) {
	s.inbox.post(func() {
		time.Sleep(time.Duration(rand.Int64N(5)) * time.Millisecond)
		fn()
	})
}

func (s *fakeSession) CreateOffer() (protocol.SessionDescription, error) {
	s.net.mu.Lock()
	s.net.nextID++
	token := fmt.Sprintf("%s>%s#%d", s.local, s.remote, s.net.nextID)
	s.net.offers[token] = s
	s.net.offered[[2]string{s.local, s.remote}]++
	s.net.mu.Unlock()

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.gather()
	return protocol.SessionDescription{Type: protocol.SDPOffer, SDP: token}, nil
}

func (s *fakeSession) CreateAnswer() (protocol.SessionDescription, error) {
	s.mu.Lock()
	token, remoteSet := s.token, s.remoteSet
	s.mu.Unlock()
	if !remoteSet {
		return protocol.SessionDescription{}, errors.New("no remote offer")
	}

	s.net.mu.Lock()
	s.net.answers[token] = s
	s.net.mu.Unlock()

	s.gather()
	return protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: token}, nil
}

func (s *fakeSession) SetRemoteDescription(desc protocol.SessionDescription) error {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		return errors.New("remote description already set")
	}
	s.remoteSet = true
	s.mu.Unlock()

	if desc.Type == protocol.SDPOffer {
		s.mu.Lock()
		s.token = desc.SDP
		s.mu.Unlock()
		return nil
	}

	s.net.mu.Lock()
	answerer := s.net.answers[desc.SDP]
	blocked := s.net.blocked[[2]string{s.local, s.remote}]
	s.net.mu.Unlock()
	if answerer == nil {
		return fmt.Errorf("unknown answer %q", desc.SDP)
	}
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if desc.SDP != token {
		return fmt.Errorf("answer %q does not match offer %q", desc.SDP, token)
	}
	if blocked {
		return nil
	}
	connect(s, answerer)
	return nil
}

// connect links two sessions, opens their channels and walks both through
// connecting and connected.
func connect(a, b *fakeSession) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()

	for _, s := range []*fakeSession{a, b} {
		s.setState(StateConnecting)
		s.deliver(s.openChannels)
		s.setState(StateConnected)
	}
}

func (s *fakeSession) gather() {
	s.deliver(func() {
		s.emitCandidate(&protocol.Candidate{Candidate: "candidate:" + s.local})
		s.emitCandidate(nil)
	})
}

func (s *fakeSession) emitCandidate(c *protocol.Candidate) {
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *fakeSession) AddCandidate(*protocol.Candidate) error {
	s.mu.Lock()
	remoteSet := s.remoteSet
	s.mu.Unlock()
	if !remoteSet {
		s.net.mu.Lock()
		s.net.early++
		s.net.mu.Unlock()
		return errors.New("remote description not set")
	}
	return nil
}

func (s *fakeSession) OnCandidate(fn func(*protocol.Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnStateChange(fn func(ConnectionState)) {
	s.mu.Lock()
	s.onStateChange = fn
	s.mu.Unlock()
}

func (s *fakeSession) CreateChannel(cfg ChannelConfig, id uint16) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.channels[id]; dup {
		return nil, fmt.Errorf("channel id %d already used", id)
	}
	ch := &fakeChannel{session: s, label: cfg.Label, id: id}
	s.channels[id] = ch
	return ch, nil
}

func (s *fakeSession) labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.label)
	}
	slices.Sort(out)
	return out
}

// setState records state and reports it asynchronously. Terminal states are
// final.
func (s *fakeSession) setState(state ConnectionState) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.mu.Unlock()

	s.deliver(func() {
		s.mu.Lock()
		fn := s.onStateChange
		s.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
	return true
}

func (s *fakeSession) openChannels() {
	s.mu.Lock()
	channels := make([]*fakeChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	closed := s.state.Terminal()
	s.mu.Unlock()
	if closed {
		return
	}

	for _, ch := range channels {
		ch.mu.Lock()
		ch.ready = true
		fn := ch.onOpen
		ch.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// detach forgets the remote end, so the remote never hears that s closed.
func (s *fakeSession) detach() {
	s.mu.Lock()
	s.peer = nil
	s.mu.Unlock()
}

// Close ends the session and reports a disconnect to the remote end.
func (s *fakeSession) Close() error {
	notify := s.setState(StateClosed)

	s.mu.Lock()
	peer := s.peer
	for _, ch := range s.channels {
		ch.mu.Lock()
		ch.ready = false
		ch.mu.Unlock()
	}
	s.mu.Unlock()

	if notify && peer != nil {
		peer.setState(StateDisconnected)
	}
	s.deliver(s.inbox.stop)
	return nil
}

type fakeChannel struct {
	session *fakeSession
	label   string
	id      uint16

	mu        sync.Mutex
	ready     bool
	onMessage func([]byte)
	onOpen    func()
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeChannel) Send(payload []byte) error {
	if !c.Ready() {
		return errors.New("channel not open")
	}

	c.session.mu.Lock()
	peer := c.session.peer
	c.session.mu.Unlock()
	if peer == nil {
		return errors.New("no peer")
	}

	data := slices.Clone(payload)
	peer.deliver(func() {
		peer.mu.Lock()
		target := peer.channels[c.id]
		peer.mu.Unlock()
		if target == nil || target.label != c.label {
			return
		}
		target.mu.Lock()
		fn := target.onMessage
		target.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	})
	return nil
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// In-process signaling queue
// ---------------------------------------------------------------------------

// fakeQueue is a signaling queue with one inbox for the host and one per
// guest name.
type fakeQueue struct {
	mu      sync.Mutex
	toHost  []protocol.Signal
	toGuest map[string][]protocol.Signal
	changed chan struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		toGuest: make(map[string][]protocol.Signal),
		changed: make(chan struct{}),
	}
}

func (q *fakeQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// wait pops from the inbox selected by take, blocking until it is non-empty.
func (q *fakeQueue) wait(ctx context.Context, take func() []protocol.Signal) ([]protocol.Signal, error) {
	for {
		q.mu.Lock()
		signals := take()
		changed := q.changed
		q.mu.Unlock()
		if len(signals) > 0 {
			return signals, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *fakeQueue) host() *fakeHostSignaler { return &fakeHostSignaler{q: q} }

func (q *fakeQueue) guest(name string) *fakeGuestSignaler {
	return &fakeGuestSignaler{q: q, name: name}
}

type fakeHostSignaler struct{ q *fakeQueue }

func (h *fakeHostSignaler) PollFromGuests(ctx context.Context) ([]protocol.Signal, error) {
	return h.q.wait(ctx, func() []protocol.Signal {
		out := h.q.toHost
		h.q.toHost = nil
		return out
	})
}

func (h *fakeHostSignaler) RespondToGuest(_ context.Context, guest string, sig protocol.Signal) error {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	h.q.toGuest[guest] = append(h.q.toGuest[guest], sig)
	h.q.notifyLocked()
	return nil
}

type fakeGuestSignaler struct {
	q    *fakeQueue
	name string
}

func (g *fakeGuestSignaler) PushToHost(_ context.Context, sig protocol.Signal) error {
	g.q.mu.Lock()
	defer g.q.mu.Unlock()
	g.q.toHost = append(g.q.toHost, sig)
	g.q.notifyLocked()
	return nil
}

func (g *fakeGuestSignaler) PollFromHost(ctx context.Context) ([]protocol.Signal, error) {
	return g.q.wait(ctx, func() []protocol.Signal {
		out := g.q.toGuest[g.name]
		delete(g.q.toGuest, g.name)
		return out
	})
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var testChannels = []ChannelConfig{
	{Label: "chat"},
	{Label: "state", Ordered: ptr(false), MaxRetransmits: ptr[uint16](0)},
	{Label: "control", HostOnly: true},
}

func ptr[T any](v T) *T { return &v }

// testMesh is a host serving one fake network and signaling queue.
type testMesh struct {
	t      *testing.T
	net    *fakeNet
	queue  *fakeQueue
	host   *HostPeer
	cancel context.CancelFunc
}

func newTestMesh(t *testing.T, hostName string) *testMesh {
	t.Helper()

	m := &testMesh{t: t, net: newFakeNet(), queue: newFakeQueue()}
	host, err := NewHost(HostOptions{
		Name:         hostName,
		Channels:     testChannels,
		Sessions:     m.net.factory(hostName),
		Signaler:     m.queue.host(),
		QueryTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	m.host = host

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go host.Serve(ctx)

	t.Cleanup(func() {
		cancel()
		host.Close()
	})
	return m
}

// join starts a guest and fails the test if its bootstrap fails.
func (m *testMesh) join(name string) *GuestPeer {
	m.t.Helper()
	g, err := m.tryJoin(name, 5*time.Second)
	if err != nil {
		m.t.Fatalf("join %s: %v", name, err)
	}
	return g
}

func (m *testMesh) tryJoin(name string, timeout time.Duration) (*GuestPeer, error) {
	g, err := Join(context.Background(), JoinOptions{
		Name:     name,
		HostName: m.host.Name(),
		Channels: testChannels,
		Sessions: m.net.factory(name),
		Signaler: m.queue.guest(name),
		Timeout:  timeout,
	})
	if err == nil {
		m.t.Cleanup(g.Close)
	}
	return g, err
}

// waitReady waits until every guest is ready and knows about all the others.
func waitReady(t *testing.T, guests ...*GuestPeer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, g := range guests {
		for !meshedWith(g, guests) {
			if time.Now().After(deadline) {
				t.Fatalf("%s not ready (state=%s, peers=%v, roster=%v)",
					g.Name(), g.State(), g.ConnectedPeerNames(), g.Roster())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func meshedWith(g *GuestPeer, guests []*GuestPeer) bool {
	if g.State() != GuestReady {
		return false
	}
	roster := g.Roster()
	for _, other := range guests {
		if !slices.Contains(roster, other.Name()) {
			return false
		}
	}
	return true
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// sessionTo returns the fake session p uses for remote.
func sessionTo(t *testing.T, p *NetworkPeer, remote string) *fakeSession {
	t.Helper()
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.links[remote]
	if !ok {
		t.Fatalf("%s has no link to %s", p.Name(), remote)
	}
	return l.session.(*fakeSession)
}

// linkSession returns the session p uses for remote, or nil.
func linkSession(p *NetworkPeer, remote string) Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if l, ok := p.links[remote]; ok {
		return l.session
	}
	return nil
}

// inbox collects handler deliveries.
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler(from string, payload []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, from+":"+string(payload))
	b.mu.Unlock()
}

func (b *inbox) has(msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.msgs, msg)
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
