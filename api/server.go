package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/wricardo/move-car-relay/relay/channel"
	"github.com/wricardo/move-car-relay/relay/protocol"
	"github.com/wricardo/move-car-relay/relay/registry"
	"github.com/wricardo/move-car-relay/transport/websocket"
)

// Options carries the optional handlers mounted by the server.
type Options struct {
	Logger  *slog.Logger
	Metrics http.Handler
	MCP     http.Handler
}

// Server represents the relay HTTP server
type Server struct {
	registry *registry.Registry
	relay    http.Handler
	hub      *websocket.Hub
	router   *mux.Router
	logger   *slog.Logger
}

// NewServer creates the HTTP server. relay serves the router tier.
func NewServer(reg *registry.Registry, relay http.Handler, hub *websocket.Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		registry: reg,
		relay:    relay,
		hub:      hub,
		router:   mux.NewRouter(),
		logger:   opts.Logger,
	}

	s.setupRoutes(opts)
	return s
}

// RoomAttacher joins WebSocket clients to registry channels.
func RoomAttacher(reg *registry.Registry) websocket.AttachFunc {
	return func(roomID string, conn channel.Conn) (websocket.Room, error) {
		return reg.Attach(roomID, conn)
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(opts Options) {
	s.router.UseEncodedPath()
	s.router.Use(s.recoverPanics)

	// Router tier; non-POST requests get the router status
	s.router.Handle(protocol.PushPath, s.relay)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", s.handleListRooms).Methods("GET")
	api.HandleFunc("/rooms/{roomId}", s.handleDeleteRoom).Methods("DELETE")

	// Channel tier
	s.router.HandleFunc("/rooms/{roomId}", s.handleRoom)
	s.router.PathPrefix("/rooms/{roomId}/").HandlerFunc(s.handleRoom)
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics).Methods("GET")
	}
	if opts.MCP != nil {
		s.router.Handle("/mcp", opts.MCP)
	}

	// Everything else is answered by the router
	s.router.NotFoundHandler = s.relay
	s.router.MethodNotAllowedHandler = s.relay
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, protocol.ErrorBody{Error: message})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked", "path", r.URL.Path, "panic", rec)
				respondError(w, http.StatusInternalServerError, protocol.ErrInternal.Error())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func roomIDFrom(r *http.Request) (string, bool) {
	id, err := url.PathUnescape(mux.Vars(r)["roomId"])
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Channel Handlers

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFrom(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	if websocket.IsUpgrade(r) {
		s.hub.ServeWS(w, r, roomID)
		return
	}

	ch, err := s.registry.GetOrCreate(roomID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch.ServeHTTP(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(w, "roomId parameter required", http.StatusBadRequest)
		return
	}

	s.hub.ServeWS(w, r, roomID)
}

// Room Handlers

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.registry.List()

	respondJSON(w, http.StatusOK, struct {
		Count int             `json:"count"`
		Rooms []registry.Info `json:"rooms"`
	}{
		Count: len(rooms),
		Rooms: rooms,
	})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFrom(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	if err := s.registry.Delete(roomID); err != nil {
		if errors.Is(err, registry.ErrChannelNotFound) {
			respondError(w, http.StatusNotFound, protocol.ErrRoomNotFound.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, protocol.ErrInternal.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Room %s closed", roomID),
	})
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
