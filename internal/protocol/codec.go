package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a RoomMessage for transmission on the host-room channel.
func Encode(msg *RoomMessage) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode room message (type=%d): %w", msg.Type, err)
	}
	return data, nil
}

// Decode deserializes a host-room payload and rejects unknown message types.
func Decode(data []byte) (*RoomMessage, error) {
	var msg RoomMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode room message (%d bytes): %w", len(data), err)
	}
	if msg.Type < TypeRoster || msg.Type > TypeQueryReply {
		return nil, fmt.Errorf("unknown room message type %d", msg.Type)
	}
	return &msg, nil
}

// Relayed reports whether the message is a guest-addressed signaling message
// (description or candidate) that the host forwards rather than interprets.
func (m *RoomMessage) Relayed() bool {
	return m.Type == TypeDescription || m.Type == TypeCandidate
}
