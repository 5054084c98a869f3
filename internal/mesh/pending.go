package mesh

import (
	"time"

	"github.com/1ureka/meshroom/internal/protocol"
)

// pendingPhase is the negotiation progress of a pendingSession.
type pendingPhase int

const (
	// phaseNew: session and channels exist, no description exchanged yet.
	phaseNew pendingPhase = iota
	// phaseOffered: our offer went out, waiting for the answer.
	phaseOffered
	// phaseNegotiated: both descriptions are applied, waiting for the
	// transport to connect.
	phaseNegotiated
	// phaseConnecting: the transport reported it is connecting.
	phaseConnecting
)

func (p pendingPhase) String() string {
	switch p {
	case phaseNew:
		return "new"
	case phaseOffered:
		return "offered"
	case phaseNegotiated:
		return "negotiated"
	case phaseConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// pendingSession is a session under negotiation with one remote peer. It is
// owned by the event loop and discarded once the session connects (it is
// promoted to a link) or terminates.
type pendingSession struct {
	remote    string
	initiator bool
	session   Session
	channels  map[string]Channel
	phase     pendingPhase
	remoteSet bool
	deadline  *time.Timer // nil when the negotiation is unbounded

	// Local candidates gathered before our description was routed, and
	// remote candidates received before the remote description was applied.
	// A nil entry is the end-of-candidates marker.
	localCandidates  []*protocol.Candidate
	remoteCandidates []*protocol.Candidate
}

// bufferLocal holds c back while our description has not been routed yet,
// so the remote side never sees a candidate before the description it
// belongs to. It reports whether c was buffered.
func (ps *pendingSession) bufferLocal(c *protocol.Candidate) bool {
	if ps.phase != phaseNew {
		return false
	}
	ps.localCandidates = append(ps.localCandidates, c)
	return true
}

// takeLocal drains the buffered local candidates.
func (ps *pendingSession) takeLocal() []*protocol.Candidate {
	out := ps.localCandidates
	ps.localCandidates = nil
	return out
}

// bufferRemote holds c back until the remote description is applied. It
// reports whether c was buffered.
func (ps *pendingSession) bufferRemote(c *protocol.Candidate) bool {
	if ps.remoteSet {
		return false
	}
	ps.remoteCandidates = append(ps.remoteCandidates, c)
	return true
}

// takeRemote drains the buffered remote candidates.
func (ps *pendingSession) takeRemote() []*protocol.Candidate {
	out := ps.remoteCandidates
	ps.remoteCandidates = nil
	return out
}

func (ps *pendingSession) stopDeadline() {
	if ps.deadline != nil {
		ps.deadline.Stop()
	}
}
