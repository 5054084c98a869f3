// Package signaling is the out-of-band queue a guest and the host use to
// exchange bootstrap signals before they have a direct link. A Server keeps
// one room per host; participants reach it over HTTP and a WebSocket.
package signaling

import (
	"errors"
	"regexp"

	"github.com/1ureka/meshroom/internal/protocol"
)

// Envelope is the frame a participant sends over its WebSocket. The server
// routes it and rewrites Signal.From to the sender's connection name.
//
// Frames from the host are delivered to To; frames from guests always go to
// the host and To is ignored.
type Envelope struct {
	To     string          `json:"to,omitempty"`
	Signal protocol.Signal `json:"signal"`
}

// Room describes a signaling room.
type Room struct {
	Code     string `json:"code"`
	HostName string `json:"hostName"`
}

type createRoomRequest struct {
	HostName string `json:"hostName"`
}

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidName  = errors.New("names must be 4-16 alphanumeric characters")
	ErrConnClosed   = errors.New("signaling connection closed")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]{4,16}$`)

// ValidName reports whether name is acceptable as a participant name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}
