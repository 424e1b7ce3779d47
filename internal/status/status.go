// Package status exposes a read-only operator surface: a JSON snapshot of
// the proxy's live counters and a WebSocket feed of session lifecycle
// events. It always runs on its own listener, separate from the
// client-facing tunnel port, so nothing here ever touches a socket a
// tunneling client connects through.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Counters is the mutex-guarded bookkeeping the dispatch loop updates
// directly, mirrored alongside (not instead of) the Prometheus metrics so
// the status JSON never needs to scrape the Prometheus registry back out.
type Counters struct {
	mu sync.RWMutex

	ActiveSessions   int64
	ConnectionsTotal map[string]uint64
	BytesUp          uint64
	BytesDown        uint64
	DialErrors       uint64
}

func NewCounters() *Counters {
	return &Counters{ConnectionsTotal: make(map[string]uint64)}
}

func (c *Counters) SessionOpened(protocol string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ActiveSessions++
	c.ConnectionsTotal[protocol]++
}

func (c *Counters) SessionClosed(bytesUp, bytesDown uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ActiveSessions--
	c.BytesUp += bytesUp
	c.BytesDown += bytesDown
}

func (c *Counters) DialFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DialErrors++
}

func (c *Counters) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byProtocol := make(map[string]uint64, len(c.ConnectionsTotal))
	for k, v := range c.ConnectionsTotal {
		byProtocol[k] = v
	}
	return Snapshot{
		GeneratedAt:      time.Now(),
		ActiveSessions:   c.ActiveSessions,
		ConnectionsTotal: byProtocol,
		BytesUp:          c.BytesUp,
		BytesDown:        c.BytesDown,
		DialErrors:       c.DialErrors,
	}
}

// Snapshot is the payload served at GET /status.json.
type Snapshot struct {
	GeneratedAt      time.Time         `json:"generatedAt"`
	ActiveSessions   int64             `json:"activeSessions"`
	ConnectionsTotal map[string]uint64 `json:"connectionsTotal"`
	BytesUp          uint64            `json:"bytesUp"`
	BytesDown        uint64            `json:"bytesDown"`
	DialErrors       uint64            `json:"dialErrors"`
	Resources        *ResourceSnapshot `json:"resources,omitempty"`
}

// ResourcePoint is one process resource sample taken by the dispatch
// server's resource tracker.
type ResourcePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
}

// ResourceSnapshot is the process resource history reported alongside the
// connection counters, so an operator watching /status.json can see memory
// and goroutine growth without a separate process monitor.
type ResourceSnapshot struct {
	Current ResourcePoint   `json:"current"`
	History []ResourcePoint `json:"history"`
}

// ResourceProvider is supplied by the dispatch server so the status
// endpoint can report its resource history without the status package
// importing the dispatch package back.
type ResourceProvider func() ResourceSnapshot

// Event is one line of the live feed served at GET /status/events.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // "session_opened", "session_closed", "dial_error"
	Protocol  string    `json:"protocol,omitempty"`
	StreamID  string    `json:"streamId,omitempty"`
	BytesUp   uint64    `json:"bytesUp,omitempty"`
	BytesDown uint64    `json:"bytesDown,omitempty"`
}

// Hub fans Event values out to every currently connected /status/events
// WebSocket client. Publish never blocks on a slow reader: when a client's
// send buffer is full, that event is skipped for that client (with a
// warning) rather than allowed to stall the proxy; the client stays
// registered and receives later events.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan Event
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*hubClient]struct{})}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- evt:
		default:
			h.logger.Warn("status event client too slow, dropping")
		}
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// Server serves the status HTTP surface on its own listener.
type Server struct {
	logger    *slog.Logger
	counters  *Counters
	hub       *Hub
	resources ResourceProvider
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
}

// NewServer builds the status server. resources may be nil, in which case
// /status.json omits the "resources" field entirely.
func NewServer(addr string, counters *Counters, hub *Hub, resources ResourceProvider, logger *slog.Logger) *Server {
	s := &Server{
		logger:    logger,
		counters:  counters,
		hub:       hub,
		resources: resources,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status.json", s.handleStatusJSON)
	mux.HandleFunc("/status/events", s.handleEvents)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.counters.snapshot()
	if s.resources != nil {
		res := s.resources()
		snap.Resources = &res
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("status json encode failed", slog.Any("error", err))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("status event upgrade failed", slog.Any("error", err))
		return
	}
	client := &hubClient{conn: conn, send: make(chan Event, 32)}
	s.hub.register(client)
	defer s.hub.unregister(client)

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for evt := range client.send {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails to bind.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
