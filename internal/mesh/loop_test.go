package mesh

import (
	"sync"
	"testing"
	"time"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	l := newEventLoop()
	defer l.stop()

	var got []int
	for i := range 100 {
		l.post(func() { got = append(got, i) })
	}
	l.call(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("event %d ran as %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("ran %d events, want 100", len(got))
	}
}

func TestEventLoopPostFromInsideLoop(t *testing.T) {
	l := newEventLoop()
	defer l.stop()

	done := make(chan struct{})
	l.post(func() {
		// Posting from the loop must not block even with a long queue.
		for range 1000 {
			l.post(func() {})
		}
		l.post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested posts never ran")
	}
}

func TestEventLoopStopDrainsQueue(t *testing.T) {
	l := newEventLoop()

	var mu sync.Mutex
	ran := 0
	for range 10 {
		l.post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	l.stop()
	<-l.Done()

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Errorf("ran %d queued events before stopping, want 10", ran)
	}
	if l.post(func() {}) {
		t.Error("post succeeded after stop")
	}
	if l.call(func() {}) {
		t.Error("call succeeded after stop")
	}
}
