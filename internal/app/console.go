package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/meshroom/internal/mesh"
	"github.com/1ureka/meshroom/internal/util"
)

// chatLabel is the channel the console talks on.
const chatLabel = "chat"

var errQuit = errors.New("quit")

// chatPeer is the part of a mesh participant the console drives.
type chatPeer interface {
	Name() string
	Handle(label string, fn mesh.Handler) (unregister func())
	Broadcast(label string, payload []byte) int
	ConnectedPeerNames() []string
	Disconnect(peerName string)
}

// console is a line-oriented chat on the chat channel. Lines starting with
// '/' are commands.
type console struct {
	peer chatPeer
	in   io.Reader
	out  io.Writer

	ready  func(ctx context.Context) (bool, error) // host only
	roster func() []string
}

// newConsole reads commands from in and prints to out, stdout when nil.
func newConsole(peer chatPeer, in io.Reader, out io.Writer) *console {
	if out == nil {
		out = os.Stdout
	}
	return &console{peer: peer, in: in, out: out}
}

// run handles input until ctx ends or /quit. End of input leaves the
// console listening.
func (c *console) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unregister := c.peer.Handle(chatLabel, func(from string, payload []byte) {
		fmt.Fprintf(c.out, "%s %s\n", pterm.Cyan(from+":"), payload)
	})
	defer unregister()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := c.exec(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if c.peer.Broadcast(chatLabel, []byte(line)) == 0 {
			util.LogWarning("nobody is connected on %q", chatLabel)
		}
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return errQuit

	case "/peers":
		fmt.Fprintf(c.out, "connected: %s\n", strings.Join(c.peer.ConnectedPeerNames(), ", "))
		if c.roster != nil {
			fmt.Fprintf(c.out, "roster:    %s\n", strings.Join(c.roster(), ", "))
		}

	case "/ready":
		if c.ready == nil {
			util.LogWarning("only the host can query readiness")
			return nil
		}
		ready, err := c.ready(ctx)
		if err != nil {
			util.LogWarning("readiness query failed: %v", err)
			return nil
		}
		fmt.Fprintf(c.out, "mesh ready: %t\n", ready)

	case "/kick":
		if len(fields) != 2 {
			util.LogWarning("usage: /kick <name>")
			return nil
		}
		c.peer.Disconnect(fields[1])

	case "/help":
		fmt.Fprintln(c.out, "/peers  /ready  /kick <name>  /quit; anything else is sent to everyone")

	default:
		util.LogWarning("unknown command %s, try /help", fields[0])
	}
	return nil
}
