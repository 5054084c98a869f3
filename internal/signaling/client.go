package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a signaling Server's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateRoom opens a room hosted by hostName.
func (c *Client) CreateRoom(ctx context.Context, hostName string) (Room, error) {
	if !ValidName(hostName) {
		return Room{}, ErrInvalidName
	}
	body, _ := json.Marshal(createRoomRequest{HostName: hostName})

	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms", body, http.StatusCreated, &room); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// LookupHost returns the host name of the room with the given code.
func (c *Client) LookupHost(ctx context.Context, code string) (string, error) {
	var room Room
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(code), nil, http.StatusOK, &room); err != nil {
		return "", fmt.Errorf("look up room %s: %w", code, err)
	}
	return room.HostName, nil
}

// CloseRoom deletes the room; connected participants are disconnected.
func (c *Client) CloseRoom(ctx context.Context, code string) error {
	if err := c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(code), nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("close room %s: %w", code, err)
	}
	return nil
}

// Dial opens name's WebSocket in the room with the given code.
func (c *Client) Dial(ctx context.Context, code, name string) (*Conn, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	wsURL, err := websocketURL(c.base, code, name)
	if err != nil {
		return nil, err
	}
	ws, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return newConn(ws, name), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == want:
	case resp.StatusCode == http.StatusNotFound:
		return ErrRoomNotFound
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad request: %s", strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// websocketURL maps the HTTP base URL onto the room's WebSocket endpoint.
func websocketURL(base, code, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rooms/" + url.PathEscape(code) + "/ws"
	u.RawQuery = url.Values{"name": {name}}.Encode()
	return u.String(), nil
}
