package mesh

import "sync"

// eventLoop runs posted events one at a time, in posting order, on a single
// goroutine. Every state transition of a role goes through it, so registry
// state needs no locking beyond what outside readers require.
//
// The queue is unbounded: posting never blocks, which lets events post
// further events (a handler calling Disconnect, a candidate arriving while a
// roster is applied) without deadlocking the loop.
type eventLoop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post enqueues fn. It reports false once the loop has stopped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call posts fn and waits for it to finish. It must not be used from inside
// the loop.
func (l *eventLoop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// stop runs the already queued events and then ends the loop. Events posted
// after stop are dropped.
func (l *eventLoop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the loop has exited.
func (l *eventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *eventLoop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}
