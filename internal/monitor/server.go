// Package monitor provides a real-time WebSocket feed of sync engine
// activity: session transitions, mutations, and snapshot deliveries.
//
// The server implements syncer.Emitter, so wiring it into a collection
// service streams every engine event to connected clients. The `drift
// tail` command is the reference consumer.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/driftsync/driftsync/internal/syncer"
)

// Protocol is the monitor wire protocol version. Clients and servers
// interoperate when their major versions match.
const Protocol = "v1.0.0"

// MessageType discriminates monitor frames.
type MessageType string

const (
	// MessageTypeHello is the first frame on every connection and
	// carries the server's protocol version.
	MessageTypeHello MessageType = "hello"

	// MessageTypeEvent carries one engine event.
	MessageTypeEvent MessageType = "event"
)

// Message is the wire envelope for all monitor frames.
type Message struct {
	Type      MessageType   `json:"type"`
	Protocol  string        `json:"protocol,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *syncer.Event `json:"event,omitempty"`
}

// Server manages WebSocket connections and broadcasts engine events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan syncer.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 7430). Port 0 picks a free port;
	// read it back with Addr after Start.
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7430,
		Logger: log.Default(),
	}
}

// NewServer creates a monitor WebSocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan syncer.Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("monitor listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("monitor server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down monitor server: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Emit implements syncer.Emitter. Events are dropped rather than
// blocking the engine when the broadcast buffer is full.
func (s *Server) Emit(ev syncer.Event) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping event")
	}
}

// broadcastLoop fans queued events out to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			msg := Message{
				Type:      MessageTypeEvent,
				Timestamp: time.Now(),
				Event:     &ev,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to encode event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot stall
			// registration.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades the connection, checks protocol
// compatibility and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// A client may announce its protocol up front; reject a major
	// version mismatch before upgrading.
	if proto := r.URL.Query().Get("protocol"); proto != "" {
		if !semver.IsValid(proto) || semver.Major(proto) != semver.Major(Protocol) {
			http.Error(w, fmt.Sprintf("incompatible protocol %s (server %s)", proto, Protocol),
				http.StatusUpgradeRequired)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("client connected (total: %d)", clientCount)

	hello := Message{
		Type:      MessageTypeHello,
		Protocol:  Protocol,
		Timestamp: time.Now(),
	}
	data, _ := json.Marshal(hello)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, data)
	cancel()

	go s.readLoop(conn)
}

// readLoop drains client frames and handles disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", clientCount)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"protocol": Protocol,
		"clients":  s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>drift monitor</title>
</head>
<body>
    <h1>drift monitor</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
