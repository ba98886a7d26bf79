// Package api is the local HTTP control surface of routetrackd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/export"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
	"github.com/markus-lassfolk/routetrack/pkg/queue"
	"github.com/markus-lassfolk/routetrack/pkg/session"
	"github.com/markus-lassfolk/routetrack/pkg/syncer"
)

// Sessions is the route session lifecycle
type Sessions interface {
	Start(ctx context.Context, employeeID string) (pkg.RouteSessionRecord, error)
	Pause() (pkg.RouteSessionRecord, error)
	Resume() (pkg.RouteSessionRecord, error)
	Stop(ctx context.Context) (pkg.RouteSessionRecord, session.Metrics, error)
	Current() *pkg.RouteSessionRecord
	Metrics() (session.Metrics, error)
	LastSample() *pkg.PositionSample
}

// Sync is the sync coordinator surface
type Sync interface {
	Status() pkg.SyncStatus
	Sync(ctx context.Context) (*syncer.Report, bool)
	SetOnline(online bool)
	LastReport() *syncer.Report
}

// Queue is the local queue surface
type Queue interface {
	StuckLocations() []pkg.LocationRecord
	StuckSessions() []pkg.RouteSessionRecord
	Requeue(c pkg.Collection, id string) error
	ClearSynced() (int, error)
	GetSession(id string) (*pkg.RouteSessionRecord, error)
	SessionLocations(sessionID string) []pkg.LocationRecord
	Stats() queue.QueueStats
}

// Battery receives battery telemetry
type Battery interface {
	Update(state pkg.BatteryState)
}

// Locator produces a position on demand
type Locator interface {
	PositionOrEstimate(ctx context.Context) *pkg.PositionSample
}

// Config holds API server configuration
type Config struct {
	Listen string `json:"listen"`
	APIKey string `json:"api_key"` // optional; empty allows anonymous access
}

// Deps are the components served by the API. Locator and Metrics may be nil.
type Deps struct {
	Sessions Sessions
	Sync     Sync
	Queue    Queue
	Battery  Battery
	Locator  Locator
	Metrics  http.Handler
}

// Server provides the local HTTP API
type Server struct {
	config Config
	deps   Deps
	logger *logx.Logger
	router *mux.Router
	http   *http.Server
}

// NewServer creates the API server and its routes
func NewServer(config Config, deps Deps, logger *logx.Logger) *Server {
	s := &Server{config: config, deps: deps, logger: logger}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/api/network/{state:online|offline}", s.handleNetwork).Methods(http.MethodPost)

	r.HandleFunc("/api/sessions", s.handleStartSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/current", s.handleCurrentSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/current/{action:pause|resume|stop}", s.handleSessionAction).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/gpx", s.handleSessionGPX).Methods(http.MethodGet)

	r.HandleFunc("/api/queue/stuck", s.handleStuck).Methods(http.MethodGet)
	r.HandleFunc("/api/queue/{collection:locations|sessions}/{id}/requeue", s.handleRequeue).Methods(http.MethodPost)
	r.HandleFunc("/api/queue/purge", s.handlePurge).Methods(http.MethodPost)

	r.HandleFunc("/api/position", s.handlePosition).Methods(http.MethodGet)
	r.HandleFunc("/api/battery", s.handleBattery).Methods(http.MethodPost)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	return r
}

// Start serves the API in the background until Shutdown
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting API server", "address", s.config.Listen)
	go func() {
		// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("API server stopping")
	return s.http.Shutdown(ctx)
}

// authMiddleware checks the optional API key from the X-API-Key header or
// the auth query parameter
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.Header.Get("X-API-Key")
		if authKey == "" {
			authKey = r.URL.Query().Get("auth")
		}

		if authKey != s.config.APIKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Sync       pkg.SyncStatus          `json:"sync"`
	Queue      queue.QueueStats        `json:"queue"`
	Session    *pkg.RouteSessionRecord `json:"session,omitempty"`
	Metrics    *session.Metrics        `json:"metrics,omitempty"`
	LastReport *syncer.Report          `json:"last_report,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Sync:       s.deps.Sync.Status(),
		Queue:      s.deps.Queue.Stats(),
		Session:    s.deps.Sessions.Current(),
		LastReport: s.deps.Sync.LastReport(),
	}
	if m, err := s.deps.Sessions.Metrics(); err == nil {
		resp.Metrics = &m
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, ran := s.deps.Sync.Sync(r.Context())
	if !ran {
		status := s.deps.Sync.Status()
		reason := "sync already in progress"
		if !status.Online {
			reason = "offline"
		}
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ran":    false,
			"reason": reason,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ran":    true,
		"report": report,
	})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	online := mux.Vars(r)["state"] == "online"
	s.deps.Sync.SetOnline(online)
	s.writeJSON(w, http.StatusOK, s.deps.Sync.Status())
}

type startRequest struct {
	EmployeeID string `json:"employee_id"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EmployeeID == "" {
		s.writeError(w, http.StatusBadRequest, "employee_id is required")
		return
	}

	rec, err := s.deps.Sessions.Start(r.Context(), req.EmployeeID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	rec := s.deps.Sessions.Current()
	if rec == nil {
		s.writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	resp := map[string]interface{}{"session": rec}
	if m, err := s.deps.Sessions.Metrics(); err == nil {
		resp["metrics"] = m
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	var (
		rec     pkg.RouteSessionRecord
		metrics *session.Metrics
		err     error
	)

	switch mux.Vars(r)["action"] {
	case "pause":
		rec, err = s.deps.Sessions.Pause()
	case "resume":
		rec, err = s.deps.Sessions.Resume()
	case "stop":
		var m session.Metrics
		rec, m, err = s.deps.Sessions.Stop(r.Context())
		metrics = &m
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	resp := map[string]interface{}{"session": rec}
	if metrics != nil {
		resp["metrics"] = metrics
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionGPX(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.deps.Queue.GetSession(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}

	opts := export.Options{IncludeEstimated: r.URL.Query().Get("estimated") == "1"}
	w.Header().Set("Content-Type", "application/gpx+xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".gpx"))
	if err := export.WriteSessionGPX(w, *rec, s.deps.Queue.SessionLocations(id), opts); err != nil {
		s.logger.Error("Failed to write GPX export", "session_id", id, "error", err)
	}
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": s.deps.Queue.StuckLocations(),
		"sessions":  s.deps.Queue.StuckSessions(),
	})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	col := pkg.Collection(vars["collection"])
	if err := s.deps.Queue.Requeue(col, vars["id"]); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": vars["id"], "collection": col})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.ClearSynced()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if sample := s.deps.Sessions.LastSample(); sample != nil {
		s.writeJSON(w, http.StatusOK, sample)
		return
	}
	if s.deps.Locator != nil {
		if sample := s.deps.Locator.PositionOrEstimate(r.Context()); sample != nil {
			s.writeJSON(w, http.StatusOK, sample)
			return
		}
	}
	s.writeError(w, http.StatusServiceUnavailable, "no position available")
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	var state pkg.BatteryState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid battery payload")
		return
	}
	if state.Level < 0 || state.Level > 1 {
		s.writeError(w, http.StatusBadRequest, "level must be between 0 and 1")
		return
	}
	s.deps.Battery.Update(state)
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoSession):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
