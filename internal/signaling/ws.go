package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// connect dials the given WebSocket URL and returns the connection.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to signaling server (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return conn, nil
}
