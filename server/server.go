// Package server exposes the agent's control surface: an HTTP API for state,
// resend and log management, and a WebSocket push channel broadcasting state
// and log changes to listening observers. The server is announced over mDNS
// so operator tooling can find the agent.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/venuekit/cardbridge/buildinfo"
)

const mdnsService = "_cardbridge._tcp"

// Message is the push-channel envelope.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// resendRequest is the body of POST /api/resend.
type resendRequest struct {
	URL  string `json:"url,omitempty"`
	Body string `json:"body,omitempty"`
}

// Config wires the server to the agent. The funcs keep the package free of a
// dependency on the agent's concrete types.
type Config struct {
	Port int

	// GetState returns the full observable state (snapshot, settings, log,
	// last notification record).
	GetState func() any

	// Resend triggers a dispatch replay with optional overrides.
	Resend func(url, body string) error

	// ClearLog empties the event log.
	ClearLog func()

	// UpdateSettings applies a settings document pushed by an operator.
	UpdateSettings func(raw json.RawMessage) error
}

// Server manages the HTTP and WebSocket control surface.
type Server struct {
	config     Config
	logger     *log.Logger
	httpServer *http.Server

	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	upgrader   websocket.Upgrader

	mdnsServer *zeroconf.Server
}

// New creates a server instance.
func New(config Config) *Server {
	return &Server{
		config:  config,
		logger:  log.New(os.Stderr, "[server] ", log.LstdFlags),
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

// Router builds the route table. Split out so tests can drive the handlers
// without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/resend", s.handleResend).Methods(http.MethodPost)
	r.HandleFunc("/api/log/clear", s.handleClearLog).Methods(http.MethodPost)
	r.HandleFunc("/api/settings", s.handleSettings).Methods(http.MethodPut)
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Start binds the listener and registers the mDNS service. Blocks until the
// server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	mdns, err := zeroconf.Register(buildinfo.DisplayName, mdnsService, "local.", s.config.Port,
		[]string{"version=" + buildinfo.Version, "path=/ws"}, nil)
	if err != nil {
		s.logger.Printf("mDNS registration failed: %v", err)
	} else {
		s.mdnsServer = mdns
	}

	s.logger.Printf("control surface listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down and disconnects all push-channel clients.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}

	s.clientsMux.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMux.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Printf("shutdown: %v", err)
		}
	}
}

// Broadcast pushes one message to every connected observer. Clients whose
// write fails are dropped.
func (s *Server) Broadcast(msgType string, payload any) {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		s.logger.Printf("broadcast marshal failed: %v", err)
		return
	}

	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Printf("dropping push client: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.GetState())
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.config.Resend(req.URL, req.Body); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	s.config.ClearLog()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	if err := s.config.UpdateSettings(raw); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket upgrades an observer connection and streams pushes until
// the client goes away. Incoming frames are read only to detect disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	s.logger.Printf("push client connected from %s", r.RemoteAddr)

	// Send the current state immediately so observers need no extra fetch,
	// then register for broadcasts.
	if s.config.GetState != nil {
		if data, err := json.Marshal(Message{Type: "state", Payload: s.config.GetState()}); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()

	go func() {
		defer func() {
			s.clientsMux.Lock()
			delete(s.clients, conn)
			s.clientsMux.Unlock()
			conn.Close()
			s.logger.Printf("push client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
