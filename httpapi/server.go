// Package httpapi is the HTTP Command Surface: a status endpoint, an app
// override endpoint, an on-demand price refresh trigger and an optional
// websocket status push backed by a gorilla/websocket broadcast loop.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusFunc builds the current status snapshot for GET / and the
// websocket push, left as `any` since the shape is assembled by the
// Control Loop from every output's live state.
type StatusFunc func() any

// OverrideFunc applies a POST /override/{output} request. ttl of zero
// disables expiry.
type OverrideFunc func(outputName string, on bool, ttl time.Duration) error

// RefreshFunc triggers an out-of-band price cache refresh.
type RefreshFunc func(ctx context.Context) error

// Server is the HTTP Command Surface.
type Server struct {
	server    *http.Server
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}

	accessKey   string
	buildStatus StatusFunc
	setOverride OverrideFunc
	refresh     RefreshFunc
	logger      *log.Logger
}

// New constructs a Server listening on port, guarding every endpoint with a
// bearer accessKey (empty disables the guard, e.g. for a trusted LAN).
func New(port int, accessKey string, buildStatus StatusFunc, setOverride OverrideFunc, refresh RefreshFunc, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast:   make(chan []byte, 256),
		done:        make(chan struct{}),
		accessKey:   accessKey,
		buildStatus: buildStatus,
		setOverride: setOverride,
		refresh:     refresh,
		logger:      logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/", s.authenticated(s.statusHandler))
	mux.HandleFunc("/override/", s.authenticated(s.overrideHandler))
	mux.HandleFunc("/refresh", s.authenticated(s.refreshHandler))
	mux.HandleFunc("/ws", s.authenticated(s.wsHandler))

	return s
}

// Start begins serving and broadcasting in background goroutines.
func (s *Server) Start() {
	go s.handleBroadcasts()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("http command surface: server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server and closes any open websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.server.Shutdown(ctx)
}

// Broadcast pushes the current status to every connected websocket client.
func (s *Server) Broadcast() {
	bs, err := json.Marshal(s.buildStatus())
	if err != nil {
		s.logger.Printf("http command surface: failed to marshal status for broadcast: %v", err)
		return
	}
	select {
	case s.broadcast <- bs:
	default:
	}
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.accessKey == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.accessKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.buildStatus()); err != nil {
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

type overrideRequest struct {
	On         bool `json:"on"`
	TTLSeconds int  `json:"ttlSeconds"`
}

func (s *Server) overrideHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/override/")
	if name == "" {
		http.Error(w, "missing output name", http.StatusBadRequest)
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.setOverride(name, req.On, ttl); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("http command surface: websocket upgrade failed: %v", err)
		return
	}
	s.clients.Store(conn, true)

	s.sendStatus(conn)

	go func() {
		defer func() {
			s.clients.Delete(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Printf("http command surface: websocket read error: %v", err)
				}
				return
			}
		}
	}()
}

func (s *Server) sendStatus(conn *websocket.Conn) {
	bs, err := json.Marshal(s.buildStatus())
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, bs)
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.broadcast:
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					s.clients.Delete(conn)
					conn.Close()
				}
				return true
			})
		}
	}
}
