package app

import (
	"context"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/signaling"
)

func testConfig(t *testing.T, signalURL, name string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Name = name
	cfg.SignalURL = signalURL
	cfg.ICEServers = []string{}
	cfg.IncludeLoopback = true
	cfg.StatsInterval = 0
	return cfg
}

// TestRoomEndToEnd runs a host and two guests over the signaling server and
// real WebRTC sessions on the loopback interface.
func TestRoomEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts real WebRTC sessions")
	}

	srv := signaling.NewServer(signaling.ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h, err := openHost(ctx, testConfig(t, ts.URL, "alice"))
	if err != nil {
		t.Fatalf("openHost: %v", err)
	}
	defer h.close()
	go h.host.Serve(ctx)

	var guests []*guestRun
	for _, name := range []string{"bobby", "carol"} {
		cfg := testConfig(t, ts.URL, name)
		cfg.RoomCode = h.room.Code
		g, err := joinRoom(ctx, cfg)
		if err != nil {
			t.Fatalf("joinRoom(%s): %v", name, err)
		}
		defer g.close()
		guests = append(guests, g)
	}

	for _, g := range guests {
		if err := g.guest.WaitMeshReady(ctx); err != nil {
			t.Fatalf("%s: WaitMeshReady: %v", g.guest.Name(), err)
		}
	}
	if got := h.host.Roster(); !slices.Equal(got, []string{"alice", "bobby", "carol"}) {
		t.Errorf("roster = %v", got)
	}

	ready, err := h.host.QueryReadiness(ctx)
	if err != nil || !ready {
		t.Fatalf("QueryReadiness = %t, %v", ready, err)
	}

	// Guests talk directly.
	got := make(chan string, 1)
	guests[1].guest.Handle(chatLabel, func(from string, payload []byte) {
		got <- from + ":" + string(payload)
	})
	if !guests[0].guest.Send("carol", chatLabel, []byte("hi")) {
		t.Fatal("Send to carol failed")
	}
	select {
	case msg := <-got:
		if msg != "bobby:hi" {
			t.Errorf("carol received %q", msg)
		}
	case <-ctx.Done():
		t.Fatal("carol never received the message")
	}
}
