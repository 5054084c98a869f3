package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256        // outgoing message queue capacity
)

// errQueueFull is returned when a channel's send queue is saturated.
var errQueueFull = errors.New("send queue full")

// sender is a goroutine-based message writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	label       string
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		label:       dc.Label(),
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(data); err != nil {
				util.LogError("failed to send on %q (%d bytes): %v", s.label, len(data), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message without blocking. It fails when the queue is full
// or ctx is already cancelled.
func (s *sender) send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.inbox <- data:
		return nil
	default:
		return errQueueFull
	}
}
