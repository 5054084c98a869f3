package signaling

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

const (
	// DefaultRoomTTL is how long a room lives without connected participants.
	DefaultRoomTTL = 30 * time.Minute
	// maxQueued bounds the signals held for one offline participant.
	maxQueued = 256
	// outboxSize is the per-connection delivery buffer.
	outboxSize = 64
	// maxFrameSize bounds an inbound frame; SDP blobs are a few KiB.
	maxFrameSize = 64 * 1024

	frameRate  = 50 // frames per second per connection
	frameBurst = 200
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	// RoomTTL expires rooms left without participants for longer; zero means
	// DefaultRoomTTL.
	RoomTTL time.Duration
}

// Server hosts signaling rooms. Each room has one host and any number of
// guests; signals for a participant that is not connected are queued until
// it connects or the room expires.
type Server struct {
	ttl time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	code     string
	hostName string
	expires  time.Time
	queues   map[string][]protocol.Signal
	clients  map[string]*client
}

// client is one participant's WebSocket.
type client struct {
	name      string
	conn      *websocket.Conn
	out       chan protocol.Signal
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.conn.Close()
	})
}

// NewServer creates a signaling server. Call Run to expire idle rooms.
func NewServer(opts ServerOptions) *Server {
	ttl := opts.RoomTTL
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &Server{ttl: ttl, rooms: make(map[string]*room)}
}

// Handler returns the HTTP API:
//
//	POST   /rooms                   create a room, body {"hostName": "..."}
//	GET    /rooms/{code}            look up the room's host name
//	DELETE /rooms/{code}            close the room and its connections
//	GET    /rooms/{code}/ws?name=   WebSocket for one participant
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms", s.handleCreate)
	mux.HandleFunc("GET /rooms/{code}", s.handleLookup)
	mux.HandleFunc("DELETE /rooms/{code}", s.handleDelete)
	mux.HandleFunc("GET /rooms/{code}/ws", s.handleWS)
	return mux
}

// Run expires idle rooms until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// ListenAndServe serves the API on addr until ctx is cancelled. ready, if
// non-nil, receives the bound address once the listener is up.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start signaling server: %w", err)
	}
	if ready != nil {
		ready(listener.Addr())
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !ValidName(req.HostName) {
		http.Error(w, ErrInvalidName.Error(), http.StatusBadRequest)
		return
	}

	code, err := newRoomCode()
	if err != nil {
		http.Error(w, "could not allocate a room", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.rooms[code] = &room{
		code:     code,
		hostName: req.HostName,
		expires:  time.Now().Add(s.ttl),
		queues:   make(map[string][]protocol.Signal),
		clients:  make(map[string]*client),
	}
	s.mu.Unlock()

	util.LogInfo("room %s created by %s", code, req.HostName)
	writeJSON(w, http.StatusCreated, Room{Code: code, HostName: req.HostName})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rm, ok := s.rooms[r.PathValue("code")]
	var info Room
	if ok {
		info = Room{Code: rm.code, HostName: rm.hostName}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	s.mu.Lock()
	rm, ok := s.rooms[code]
	delete(s.rooms, code)
	s.mu.Unlock()

	if !ok {
		http.Error(w, ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}
	for _, c := range rm.clients {
		c.close(websocket.CloseGoingAway, "room closed")
	}
	util.LogInfo("room %s closed", code)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	name := r.URL.Query().Get("name")
	if !ValidName(name) {
		http.Error(w, ErrInvalidName.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, ok := s.rooms[code]
	s.mu.Unlock()
	if !ok {
		http.Error(w, ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{
		name: name,
		conn: conn,
		out:  make(chan protocol.Signal, outboxSize),
		done: make(chan struct{}),
	}
	if err := s.attach(code, c); err != nil {
		c.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	util.LogDebug("room %s: %s connected", code, name)

	go s.writeLoop(c)
	s.readLoop(code, c)
	s.detach(code, c)
	c.close(websocket.CloseNormalClosure, "")
	util.LogDebug("room %s: %s disconnected", code, name)
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// attach registers c in the room and hands it every signal queued for it.
func (s *Server) attach(code string, c *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	if _, dup := rm.clients[c.name]; dup {
		return errors.New("already connected")
	}
	rm.clients[c.name] = c
	rm.expires = time.Now().Add(s.ttl)

	queued := rm.queues[c.name]
	delete(rm.queues, c.name)
	for i, sig := range queued {
		select {
		case c.out <- sig:
		default:
			// Keep what does not fit for the next connection.
			rm.queues[c.name] = queued[i:]
			return nil
		}
	}
	return nil
}

func (s *Server) detach(code string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[code]; ok && rm.clients[c.name] == c {
		delete(rm.clients, c.name)
		rm.expires = time.Now().Add(s.ttl)
	}
}

// route delivers sig from sender to its recipient, queueing it when the
// recipient is not connected.
func (s *Server) route(code, sender string, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	rm.expires = time.Now().Add(s.ttl)

	to := rm.hostName
	if sender == rm.hostName {
		to = env.To
		if to == "" || to == rm.hostName {
			return fmt.Errorf("host signal without a guest recipient")
		}
	}

	sig := env.Signal
	sig.From = sender

	if c, ok := rm.clients[to]; ok {
		select {
		case c.out <- sig:
			return nil
		default:
			util.LogWarning("room %s: %s is not keeping up, queueing", code, to)
		}
	}
	if len(rm.queues[to]) >= maxQueued {
		return fmt.Errorf("queue for %s is full", to)
	}
	rm.queues[to] = append(rm.queues[to], sig)
	return nil
}

// readLoop routes the client's frames until the connection fails, the
// client exceeds its frame rate or the room closes.
func (s *Server) readLoop(code string, c *client) {
	limiter := rate.NewLimiter(frameRate, frameBurst)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		if !limiter.Allow() {
			util.LogWarning("room %s: %s exceeded the frame rate", code, c.name)
			c.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if err := s.route(code, c.name, env); err != nil {
			util.LogWarning("room %s: dropping frame from %s: %v", code, c.name, err)
			if errors.Is(err, ErrRoomNotFound) {
				return
			}
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case sig := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(sig); err != nil {
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// sweep deletes rooms that expired before now. A room with a connected
// participant never expires.
func (s *Server) sweep(now time.Time) int {
	s.mu.Lock()
	var expired []*room
	for code, rm := range s.rooms {
		if len(rm.clients) == 0 && now.After(rm.expires) {
			expired = append(expired, rm)
			delete(s.rooms, code)
		}
	}
	s.mu.Unlock()

	for _, rm := range expired {
		for _, c := range rm.clients {
			c.close(websocket.CloseGoingAway, "room expired")
		}
		util.LogInfo("room %s expired", rm.code)
	}
	return len(expired)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	for _, rm := range rooms {
		for _, c := range rm.clients {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
	}
}

// newRoomCode returns a random URL-safe room code.
func newRoomCode() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
