package signaling

import (
	"github.com/gorilla/websocket"

	"github.com/1ureka/meshroom/internal/protocol"
)

// receiver reads signals off the WebSocket into a channel until the
// connection fails.
type receiver struct {
	conn  *websocket.Conn
	inbox chan protocol.Signal
	stop  <-chan struct{}
	done  chan struct{}
	err   error // set before done is closed
}

func newReceiver(conn *websocket.Conn, stop <-chan struct{}) *receiver {
	return &receiver{
		conn:  conn,
		inbox: make(chan protocol.Signal, outboxSize),
		stop:  stop,
		done:  make(chan struct{}),
	}
}

func (r *receiver) watch() {
	defer close(r.done)
	for {
		var sig protocol.Signal
		if err := r.conn.ReadJSON(&sig); err != nil {
			r.err = err
			return
		}
		select {
		case r.inbox <- sig:
		case <-r.stop:
			r.err = ErrConnClosed
			return
		}
	}
}
