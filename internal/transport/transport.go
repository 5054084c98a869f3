// Package transport implements mesh sessions on top of pion WebRTC: one
// PeerConnection per remote peer, carrying pre-negotiated DataChannels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/mesh"
	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// Compile-time interface checks.
var (
	_ mesh.Session = (*Session)(nil)
	_ mesh.Channel = (*Channel)(nil)
)

// Session wraps a single PeerConnection and its DataChannels.
//
// Its lifecycle follows the PeerConnection state. The first terminal state
// is reported once and sticks: a Disconnected connection that pion would
// later recover is already gone as far as the mesh is concerned.
type Session struct {
	pc     *webrtc.PeerConnection
	remote string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       mesh.ConnectionState
	onState     func(mesh.ConnectionState)
	onCandidate func(*protocol.Candidate)
	channels    []*Channel
}

// Factory returns a mesh.SessionFactory creating pion sessions.
func Factory(opts Options) mesh.SessionFactory {
	return func(remote string) (mesh.Session, error) {
		return NewSession(remote, opts)
	}
}

// NewSession creates a Session backed by a new PeerConnection. Channels are
// added with CreateChannel before the offer or answer is created.
func NewSession(remote string, opts Options) (*Session, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("create peer connection to %s: %w", remote, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		pc:     pc,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		state:  mesh.StateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection to %s: %s", remote, state.String())
		s.report(convertState(state))
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn == nil {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		fn(toCandidate(c.ToJSON()))
	})

	return s, nil
}

func convertState(state webrtc.PeerConnectionState) mesh.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return mesh.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return mesh.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return mesh.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return mesh.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return mesh.StateClosed
	default:
		return mesh.StateNew
	}
}

// report forwards a state change unless a terminal state was already
// reported. A terminal state also stops every channel writer.
func (s *Session) report(state mesh.ConnectionState) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.onState
	s.mu.Unlock()

	if state.Terminal() {
		s.cancel()
	}
	if fn != nil {
		fn(state)
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it locally, which starts
// candidate gathering.
func (s *Session) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: protocol.SDPOffer, SDP: offer.SDP}, nil
}

// CreateAnswer generates an SDP answer to the applied remote offer and
// applies it locally.
func (s *Session) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote SDP.
func (s *Session) SetRemoteDescription(desc protocol.SessionDescription) error {
	var typ webrtc.SDPType
	switch desc.Type {
	case protocol.SDPOffer:
		typ = webrtc.SDPTypeOffer
	case protocol.SDPAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", desc.Type)
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP})
}

// AddCandidate adds a remote ICE candidate. pion needs no end-of-candidates
// marker, so nil is accepted and ignored.
func (s *Session) AddCandidate(c *protocol.Candidate) error {
	if c == nil {
		return nil
	}
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func toCandidate(init webrtc.ICECandidateInit) *protocol.Candidate {
	return &protocol.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// OnCandidate sets the local candidate callback; nil marks the end of
// gathering.
func (s *Session) OnCandidate(fn func(*protocol.Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

// OnStateChange sets the connection state callback.
func (s *Session) OnStateChange(fn func(mesh.ConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Channels & lifecycle
// ---------------------------------------------------------------------------

// CreateChannel creates a pre-negotiated DataChannel with the given id.
func (s *Session) CreateChannel(cfg mesh.ChannelConfig, id uint16) (mesh.Channel, error) {
	dc, err := newDataChannel(s.pc, cfg, id)
	if err != nil {
		return nil, fmt.Errorf("data channel %q: %w", cfg.Label, err)
	}
	ch := newChannel(s.ctx, dc)

	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch, nil
}

// State returns the last reported connection state.
func (s *Session) State() mesh.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close shuts down every DataChannel and the PeerConnection, and reports
// Closed if no terminal state was reported yet.
func (s *Session) Close() error {
	s.mu.Lock()
	channels := s.channels
	s.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		errs = append(errs, ch.dc.Close())
	}
	errs = append(errs, s.pc.Close())
	s.report(mesh.StateClosed)
	return errors.Join(errs...)
}
