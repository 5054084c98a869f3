package app

import (
	"context"
	"testing"
	"time"
)

type blockingServer struct {
	stopped chan struct{}
}

func (s *blockingServer) Serve(ctx context.Context) error {
	<-ctx.Done()
	close(s.stopped)
	return nil
}

func TestServeStopsWhenSignalingIsLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &blockingServer{stopped: make(chan struct{})}
	lost := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- serveUntilLost(ctx, srv, lost) }()

	close(lost)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveUntilLost = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running after the signaling connection was lost")
	}
	if ctx.Err() != nil {
		t.Fatal("losing signaling cancelled the host context")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &blockingServer{stopped: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- serveUntilLost(ctx, srv, make(chan struct{})) }()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serveUntilLost ignored cancellation")
	}
	<-srv.stopped
}
