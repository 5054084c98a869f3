// Package protocol defines the messages exchanged while a mesh forms: bootstrap
// signals carried by the signaling queue, and control messages carried by the
// host-room channel.
package protocol

// SDPType names the role of a session description.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription is an SDP blob tagged with its role.
type SessionDescription struct {
	Type SDPType `json:"type" msgpack:"type"`
	SDP  string  `json:"sdp" msgpack:"sdp"`
}

// Candidate mirrors an ICE candidate init record.
type Candidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`
}

// Signal is the bootstrap envelope carried by the signaling queue between a
// joining guest and the host. Exactly one of Offer, Answer, Candidate or
// GatheringDone is meaningful per message.
//
// GatheringDone stands in for a null candidate: the sender has finished
// discovering local candidates. Session identifies one bootstrap attempt: the
// guest picks it, the host echoes it, and either side drops signals left in
// the queue by an earlier attempt under the same name.
type Signal struct {
	From          string              `json:"from"`
	Session       string              `json:"session,omitempty"`
	Offer         *SessionDescription `json:"offer,omitempty"`
	Answer        *SessionDescription `json:"answer,omitempty"`
	Candidate     *Candidate          `json:"candidate,omitempty"`
	GatheringDone bool                `json:"gatheringDone,omitempty"`
}

// Host-room message types.
const (
	TypeRoster      uint8 = 0x01 // host → guest: current member list
	TypeDescription uint8 = 0x02 // relayed offer or answer
	TypeCandidate   uint8 = 0x03 // relayed candidate (or end-of-candidates)
	TypeQuery       uint8 = 0x04 // host → guest: report connected peers
	TypeQueryReply  uint8 = 0x05 // guest → host: connected peers
)

// RoomMessage is the control message carried by the host-room channel.
//
// Guests address relayed messages with Recipient; the host forwards them
// unchanged except for From, which it sets to the true sender.
type RoomMessage struct {
	Type          uint8               `msgpack:"type"`
	From          string              `msgpack:"from,omitempty"`
	Recipient     string              `msgpack:"recipient,omitempty"`
	Roster        []string            `msgpack:"roster,omitempty"`
	Description   *SessionDescription `msgpack:"description,omitempty"`
	Candidate     *Candidate          `msgpack:"candidate,omitempty"`
	GatheringDone bool                `msgpack:"gatheringDone,omitempty"`
	QueryID       string              `msgpack:"queryId,omitempty"`
	Members       []string            `msgpack:"members,omitempty"`
}
