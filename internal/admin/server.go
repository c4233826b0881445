// Package admin exposes the HTTP dashboard: read-only session diagnostics
// plus the administrative actions (time limit, notices, kicks, shutdown).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/protocol"
	"github.com/codefionn/lancollab/internal/session"
)

// Controller is the control-plane surface the dashboard needs for kicks
type Controller interface {
	ForceDisconnect(username, actor string) bool
}

// Storage reports how much disk the shared files occupy
type Storage interface {
	StorageUsage() int64
}

// Server is the admin HTTP dashboard
type Server struct {
	host       string
	port       int
	sessions   *session.Manager
	controller Controller
	storage    Storage
	shutdown   func() bool

	router *httprouter.Router
	server *http.Server
}

// NewServer creates the dashboard. shutdown is invoked by the shutdown
// action and reports whether it initiated a new shutdown.
func NewServer(host string, port int, sessions *session.Manager, controller Controller, storage Storage, shutdown func() bool) *Server {
	s := &Server{
		host:       host,
		port:       port,
		sessions:   sessions,
		controller: controller,
		storage:    storage,
		shutdown:   shutdown,
		router:     httprouter.New(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/state", s.handleState)
	s.router.GET("/api/health", s.handleHealth)
	s.router.POST("/api/actions/time-limit", s.handleTimeLimit)
	s.router.POST("/api/actions/notice", s.handleNotice)
	s.router.POST("/api/actions/kick", s.handleKick)
	s.router.POST("/api/actions/shutdown", s.handleShutdown)
	s.router.GET("/api/export/events", s.handleExportEvents)
	s.router.GET("/api/events/ws", s.handleEventsWS)
}

// Start runs the HTTP server in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("Admin dashboard listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin dashboard error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshot := s.sessions.Snapshot()
	now := float64(time.Now().UnixNano()) / 1e9
	snapshot["timestamp"] = now
	snapshot["log_tail"] = logger.Tail(40)
	if s.storage != nil {
		snapshot["storage_usage"] = map[string]interface{}{
			"total_bytes": s.storage.StorageUsage(),
		}
	}
	snapshot["health"] = map[string]interface{}{
		"status":            "ok",
		"participant_count": snapshot["participant_count"],
		"timestamp":         now,
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"participant_count": len(s.sessions.ListClients()),
		"timestamp":         float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleTimeLimit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload struct {
		DurationMinutes *float64 `json:"duration_minutes"`
		StartNow        bool     `json:"start_now"`
		StartTimestamp  *float64 `json:"start_timestamp"`
		Actor           string   `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	actor := strings.TrimSpace(payload.Actor)
	if actor == "" {
		actor = "admin"
	}

	duration := payload.DurationMinutes
	if duration != nil && *duration <= 0 {
		duration = nil
	}
	var start *float64
	if duration != nil {
		if payload.StartNow {
			now := float64(time.Now().UnixNano()) / 1e9
			start = &now
		} else {
			start = payload.StartTimestamp
		}
	}

	status := s.sessions.SetTimeLimit(duration, start, actor)
	s.sessions.Broadcast(protocol.ActionTimeLimitUpdate, status)
	logger.Info("Admin updated time limit (actor=%s)", actor)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"time_limit": status,
	})
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload struct {
		Message string `json:"message"`
		Level   string `json:"level"`
		Actor   string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	actor := strings.TrimSpace(payload.Actor)
	if actor == "" {
		actor = "admin"
	}

	notice := s.sessions.RecordAdminNotice(message, strings.ToLower(payload.Level), actor)
	s.sessions.Broadcast(protocol.ActionAdminNotice, notice)
	logger.Info("Admin broadcast notice (actor=%s)", actor)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"notice": notice,
	})
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload struct {
		Username string `json:"username"`
		Actor    string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	username := strings.TrimSpace(payload.Username)
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	actor := strings.TrimSpace(payload.Actor)
	if actor == "" {
		actor = "admin"
	}

	if !s.controller.ForceDisconnect(username, actor) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not connected", username))
		return
	}

	logger.Info("Admin removed client %s", username)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.shutdown == nil {
		writeError(w, http.StatusServiceUnavailable, "shutdown handler not configured")
		return
	}
	initiated := s.shutdown()
	logger.Info("Admin requested server shutdown (initiated=%v)", initiated)
	status := "ok"
	if !initiated {
		status = "in_progress"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"initiated": initiated,
	})
}

func (s *Server) handleExportEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	events := s.sessions.RecentEvents(600)
	w.Header().Set("Content-Disposition", `attachment; filename="session-events.json"`)
	writeJSON(w, http.StatusOK, events)
}

// handleEventsWS streams each appended event log entry over a websocket
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade event feed connection: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.sessions.SubscribeEvents()
	defer cancel()

	// Reads are discarded; the client only closes or pings
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]interface{}{"detail": detail})
}
