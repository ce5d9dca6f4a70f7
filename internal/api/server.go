package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/internal/session"
	"livelocation/pkg/types"
)

// Sessions is the read-only view of the lifecycle manager the API needs.
type Sessions interface {
	Get(sessionID string) (types.Session, bool)
	ActiveSessions() []types.Session
	Stats() session.Stats
}

// Registry reports presence and connection counts.
type Registry interface {
	IsConnected(identity string) bool
	Stats() map[string]int
}

// HealthChecker is implemented by persistent backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes health and session inspection over HTTP. Lifecycle changes
// only happen over the WebSocket channel.
type Server struct {
	sessions Sessions
	registry Registry
	checks   map[string]HealthChecker
	started  time.Time
	router   *http.ServeMux
	log      *logrus.Entry
}

// NewServer wires the routes. checks may be nil.
func NewServer(sessions Sessions, registry Registry, checks map[string]HealthChecker) *Server {
	s := &Server{
		sessions: sessions,
		registry: registry,
		checks:   checks,
		started:  time.Now(),
		router:   http.NewServeMux(),
		log:      logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/{id}", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionView struct {
	SessionID        string    `json:"sessionId"`
	SharerID         string    `json:"sharerId"`
	RecipientIDs     []string  `json:"recipientIds"`
	JoinedIDs        []string  `json:"joinedIds"`
	StartTime        time.Time `json:"startTime"`
	ExpiresAt        time.Time `json:"expiresAt"`
	DurationMs       int64     `json:"duration"`
	Members          int       `json:"members"`
	ReachableMembers int       `json:"reachableMembers"`
	SharerConnected  bool      `json:"sharerConnected"`
}

type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
	Count    int           `json:"count"`
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks,omitempty"`
	Connections map[string]int    `json:"connections"`
	Sessions    session.Stats     `json:"sessions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := s.sessions.ActiveSessions()
	views := make([]SessionView, 0, len(active))
	for i := range active {
		views = append(views, s.view(&active[i]))
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views, Count: len(views)})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.PathValue("id")
	if sessionID == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok || !sess.Active {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(&sess))
}

func (s *Server) view(sess *types.Session) SessionView {
	members := sess.Members()
	reachable := 0
	for _, id := range members {
		if s.registry.IsConnected(id) {
			reachable++
		}
	}
	joined := sess.JoinedIDs()
	sort.Strings(joined)

	return SessionView{
		SessionID:        sess.ID,
		SharerID:         sess.SharerID,
		RecipientIDs:     sess.RecipientIDs,
		JoinedIDs:        joined,
		StartTime:        sess.StartTime,
		ExpiresAt:        sess.ExpiresAt(),
		DurationMs:       sess.Duration.Milliseconds(),
		Members:          len(members),
		ReachableMembers: reachable,
		SharerConnected:  s.registry.IsConnected(sess.SharerID),
	}
}

// healthCheck returns 503 when any registered backend fails its check.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(s.checks))
	for name, checker := range s.checks {
		if err := checker.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			checks[name] = "error: " + err.Error()
			s.log.WithError(err).WithField("check", name).Warn("Health check failed")
			continue
		}
		checks[name] = "healthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Checks:      checks,
		Connections: s.registry.Stats(),
		Sessions:    s.sessions.Stats(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
