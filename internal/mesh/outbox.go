package mesh

import (
	"context"

	"github.com/1ureka/meshroom/internal/util"
)

// outbox serializes pushes to the signaling queue on its own goroutine, so the
// event loop never waits on network I/O and an offer always leaves before the
// candidates gathered for it.
type outbox struct {
	loop   *eventLoop
	ctx    context.Context
	cancel context.CancelFunc
	log    util.Scope
}

func newOutbox(log util.Scope) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{loop: newEventLoop(), ctx: ctx, cancel: cancel, log: log}
}

// push queues fn; failures are logged under what.
func (o *outbox) push(what string, fn func(ctx context.Context) error) {
	o.loop.post(func() {
		if o.ctx.Err() != nil {
			return
		}
		if err := fn(o.ctx); err != nil && o.ctx.Err() == nil {
			o.log.Warnf("signal %s: %v", what, err)
		}
	})
}

// close abandons queued pushes and waits for the goroutine to exit.
func (o *outbox) close() {
	o.cancel()
	o.loop.stop()
	<-o.loop.Done()
}
