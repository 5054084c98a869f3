package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshroom/internal/protocol"
)

// DefaultPollWindow is how long a poll waits for the first signal before
// returning an empty batch.
const DefaultPollWindow = 8 * time.Second

// Conn is one participant's WebSocket to a room. It serves as the host's
// and as a guest's side of the signaling queue.
type Conn struct {
	name       string
	ws         *websocket.Conn
	sender     *sender
	receiver   *receiver
	pollWindow time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, name string) *Conn {
	stop := make(chan struct{})
	c := &Conn{
		name:       name,
		ws:         ws,
		sender:     &sender{conn: ws},
		receiver:   newReceiver(ws, stop),
		pollWindow: DefaultPollWindow,
		stop:       stop,
	}
	go c.receiver.watch()
	return c
}

// Name returns the participant name the connection was opened with.
func (c *Conn) Name() string { return c.name }

// PushToHost queues sig for the room's host.
func (c *Conn) PushToHost(ctx context.Context, sig protocol.Signal) error {
	return c.sender.send(ctx, Envelope{Signal: sig})
}

// RespondToGuest queues sig for the named guest. Host connections only.
func (c *Conn) RespondToGuest(ctx context.Context, guest string, sig protocol.Signal) error {
	return c.sender.send(ctx, Envelope{To: guest, Signal: sig})
}

// PollFromHost waits for signals the host sent to this guest.
func (c *Conn) PollFromHost(ctx context.Context) ([]protocol.Signal, error) {
	return c.poll(ctx)
}

// PollFromGuests waits for signals guests sent to this host.
func (c *Conn) PollFromGuests(ctx context.Context) ([]protocol.Signal, error) {
	return c.poll(ctx)
}

// poll blocks up to the poll window for one signal, then drains whatever
// else is already buffered.
func (c *Conn) poll(ctx context.Context) ([]protocol.Signal, error) {
	timer := time.NewTimer(c.pollWindow)
	defer timer.Stop()

	var batch []protocol.Signal
	select {
	case sig := <-c.receiver.inbox:
		batch = append(batch, sig)
	case <-timer.C:
		return nil, nil
	case <-c.receiver.done:
		if batch = c.drain(nil); len(batch) > 0 {
			return batch, nil
		}
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.drain(batch), nil
}

func (c *Conn) drain(batch []protocol.Signal) []protocol.Signal {
	for {
		select {
		case sig := <-c.receiver.inbox:
			batch = append(batch, sig)
		default:
			return batch
		}
	}
}

func (c *Conn) closedErr() error {
	if c.receiver.err != nil && c.receiver.err != ErrConnClosed {
		return fmt.Errorf("%w: %v", ErrConnClosed, c.receiver.err)
	}
	return ErrConnClosed
}

// Done is closed when the connection stops receiving.
func (c *Conn) Done() <-chan struct{} { return c.receiver.done }

// Close closes the WebSocket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.sender.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.sender.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}
