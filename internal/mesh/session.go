package mesh

import (
	"github.com/1ureka/meshroom/internal/protocol"
)

// ConnectionState is the lifecycle of a single peer-to-peer session.
// Disconnected, Closed and Failed are terminal: a session never leaves them,
// and reconnecting requires a new session.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateClosed || s == StateFailed
}

// Session is the transport primitive for one peer-to-peer link: offer/answer
// negotiation, asynchronous candidate discovery and pre-negotiated channels.
//
// Callbacks may fire on any goroutine. Close must eventually report a
// terminal state through the OnStateChange callback.
type Session interface {
	// CreateOffer produces an offer and applies it as the local description.
	CreateOffer() (protocol.SessionDescription, error)
	// CreateAnswer produces an answer to the applied remote offer and applies
	// it as the local description.
	CreateAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(desc protocol.SessionDescription) error
	// AddCandidate ingests a remote candidate; nil marks the end of candidates.
	AddCandidate(c *protocol.Candidate) error

	// OnCandidate reports local candidates; nil marks gathering complete.
	OnCandidate(fn func(c *protocol.Candidate))
	OnStateChange(fn func(state ConnectionState))

	// CreateChannel opens a pre-negotiated channel with a fixed id, so both
	// endpoints build matching channel sets without in-band negotiation.
	CreateChannel(cfg ChannelConfig, id uint16) (Channel, error)

	Close() error
}

// Channel is one labelled logical channel inside a Session.
type Channel interface {
	Label() string
	// Ready reports whether the channel is open for sending.
	Ready() bool
	Send(payload []byte) error
	OnMessage(fn func(payload []byte))
	OnOpen(fn func())
}

// SessionFactory creates a fresh Session for a remote peer.
type SessionFactory func(remote string) (Session, error)
