package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/meshroom/internal/mesh"
	"github.com/1ureka/meshroom/internal/protocol"
)

// loopback uses host candidates only, so tests need no network access
// beyond the local interfaces.
var loopback = Options{ICEServers: []string{}, IncludeLoopback: true}

// link wires two sessions directly: descriptions and candidates are handed
// over in-process in place of a signaling queue.
type link struct {
	offerer, answerer *Session
	up                chan struct{}
	upA, upB          sync.Once
}

func newLink(t *testing.T, configs []mesh.ChannelConfig) (*link, map[string]mesh.Channel, map[string]mesh.Channel) {
	t.Helper()

	a, err := NewSession("b", loopback)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	b, err := NewSession("a", loopback)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	chA := make(map[string]mesh.Channel)
	chB := make(map[string]mesh.Channel)
	for i, cfg := range configs {
		ca, err := a.CreateChannel(cfg, uint16(i))
		if err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		cb, err := b.CreateChannel(cfg, uint16(i))
		if err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		chA[cfg.Label], chB[cfg.Label] = ca, cb
	}

	// Candidates may be gathered before the other side has a remote
	// description; collect and replay them afterwards.
	var mu sync.Mutex
	var fromA, fromB []*protocol.Candidate
	a.OnCandidate(func(c *protocol.Candidate) {
		mu.Lock()
		fromA = append(fromA, c)
		mu.Unlock()
	})
	b.OnCandidate(func(c *protocol.Candidate) {
		mu.Lock()
		fromB = append(fromB, c)
		mu.Unlock()
	})

	l := &link{offerer: a, answerer: b, up: make(chan struct{})}
	var connected sync.WaitGroup
	connected.Add(2)
	a.OnStateChange(func(s mesh.ConnectionState) {
		if s == mesh.StateConnected {
			l.upA.Do(connected.Done)
		}
	})
	b.OnStateChange(func(s mesh.ConnectionState) {
		if s == mesh.StateConnected {
			l.upB.Do(connected.Done)
		}
	})
	go func() {
		connected.Wait()
		close(l.up)
	}()

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}

	// Trickle whatever was gathered so far, then keep forwarding.
	deadline := time.Now().Add(10 * time.Second)
	sentA, sentB := 0, 0
	for {
		mu.Lock()
		pendingA, pendingB := fromA[sentA:], fromB[sentB:]
		sentA, sentB = len(fromA), len(fromB)
		mu.Unlock()
		for _, c := range pendingA {
			if err := b.AddCandidate(c); err != nil {
				t.Fatalf("AddCandidate: %v", err)
			}
		}
		for _, c := range pendingB {
			if err := a.AddCandidate(c); err != nil {
				t.Fatalf("AddCandidate: %v", err)
			}
		}

		select {
		case <-l.up:
			return l, chA, chB
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("sessions never connected")
		}
	}
}

func waitOpen(t *testing.T, ch mesh.Channel) {
	t.Helper()
	opened := make(chan struct{})
	ch.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatalf("channel %q never opened", ch.Label())
	}
}

func TestSessionLoopback(t *testing.T) {
	configs := []mesh.ChannelConfig{
		{Label: "host-room"},
		{Label: "chat"},
		{Label: "state", Ordered: new(bool), MaxRetransmits: new(uint16)},
	}
	l, chA, chB := newLink(t, configs)

	for _, label := range []string{"host-room", "chat", "state"} {
		waitOpen(t, chA[label])
		waitOpen(t, chB[label])
	}

	got := make(chan []byte, 1)
	chB["chat"].OnMessage(func(p []byte) { got <- p })
	chB["state"].OnMessage(func([]byte) { t.Error("message crossed onto the state channel") })

	want := []byte("hello over chat")
	if err := chA["chat"].Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case p := <-got:
		if !bytes.Equal(p, want) {
			t.Errorf("received %q, want %q", p, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message never arrived")
	}

	if s := l.offerer.State(); s != mesh.StateConnected {
		t.Errorf("offerer state = %s, want connected", s)
	}
}

func TestSessionCloseReportsTerminalStateOnce(t *testing.T) {
	s, err := NewSession("peer", loopback)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var mu sync.Mutex
	var states []mesh.ConnectionState
	s.OnStateChange(func(st mesh.ConnectionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if _, err := s.CreateChannel(mesh.ChannelConfig{Label: "chat"}, 1); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	s.Close()
	s.Close()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	terminal := 0
	for _, st := range states {
		if st.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("reported %d terminal states (%v), want 1", terminal, states)
	}
	if s.State() != mesh.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestSendBeforeOpenIsQueued(t *testing.T) {
	s, err := NewSession("peer", loopback)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ch, err := s.CreateChannel(mesh.ChannelConfig{Label: "chat"}, 1)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if ch.Ready() {
		t.Fatal("channel ready before negotiation")
	}
	for range sendBufferSize {
		if err := ch.Send([]byte("x")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := ch.Send([]byte("x")); err != errQueueFull {
		t.Errorf("Send on a full queue = %v, want errQueueFull", err)
	}
}

func TestSetRemoteDescriptionRejectsUnknownType(t *testing.T) {
	s, err := NewSession("peer", loopback)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.SetRemoteDescription(protocol.SessionDescription{Type: "pranswer"}); err == nil {
		t.Error("accepted an unsupported description type")
	}
}
