package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Channel wraps one pre-negotiated DataChannel of a Session.
type Channel struct {
	dc     *webrtc.DataChannel
	sender *sender
	ctx    context.Context

	openSignal chan struct{}
	openOnce   sync.Once

	mu        sync.Mutex
	onOpen    []func()
	onMessage func([]byte)
}

func newChannel(ctx context.Context, dc *webrtc.DataChannel) *Channel {
	c := &Channel{
		dc:         dc,
		ctx:        ctx,
		openSignal: make(chan struct{}),
	}

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.openSignal) })

		c.mu.Lock()
		fns := c.onOpen
		c.onOpen = nil
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	c.sender = newSender(ctx, dc, c.openSignal)
	return c
}

// Label returns the channel label.
func (c *Channel) Label() string { return c.dc.Label() }

// Ready reports whether the DataChannel is open.
func (c *Channel) Ready() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send queues payload for the channel's writer goroutine. The payload must
// not be modified afterwards.
func (c *Channel) Send(payload []byte) error {
	return c.sender.send(c.ctx, payload)
}

// OnMessage sets the inbound message callback.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnOpen registers fn to run once the channel opens; if it is already open
// fn runs right away on a new goroutine.
func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	select {
	case <-c.openSignal:
		c.mu.Unlock()
		go fn()
		return
	default:
	}
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}
