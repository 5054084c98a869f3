package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sender serializes outgoing frames to the WebSocket.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes an envelope, guarded by a mutex. The write is bounded by ctx's
// deadline, or by writeWait when ctx has none.
func (s *sender) send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(env)
}
