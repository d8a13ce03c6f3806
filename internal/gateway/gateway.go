// Package gateway serves the HTTP API, the health endpoint and the /ws chat
// channel.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/health"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// TaskCanceller is the part of the background manager the API drives.
type TaskCanceller interface {
	Cancel(id string) bool
	Active() []string
}

type Config struct {
	Store  *persistence.TaskStore
	Tasks  TaskCanceller
	Bus    *bus.Bus
	Health func() health.Snapshot

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser requests.
	// Empty list means same-origin only.
	AllowOrigins []string

	RateLimit config.RateLimitConfig

	// OnMessage is called for every accepted /ws message.
	OnMessage func(channel string)

	Tracer trace.Tracer
	Logger *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *InboundValidator
	limiter   *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: task store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("gateway: bus is required")
	}
	validator, err := NewInboundValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		limiter:   NewRateLimiter(cfg.RateLimit),
		clients:   map[*client]struct{}{},
	}, nil
}

// Limiter exposes the shared rate limiter so the caller can run eviction.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.traced(h)
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeName(r.URL.Path)
		ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "gateway "+r.Method+" "+route,
			otel.AttrRoute.String(route),
		)
		defer span.End()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// statusRecorder captures the response code. It forwards Hijack through
// Unwrap so websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func routeName(path string) string {
	switch {
	case path == "/api/tasks":
		return path
	case strings.HasSuffix(path, "/cancel") && strings.HasPrefix(path, "/api/tasks/"):
		return "/api/tasks/{id}/cancel"
	case strings.HasPrefix(path, "/api/tasks/"):
		return "/api/tasks/{id}"
	}
	return path
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	snap := s.cfg.Health()
	status := http.StatusOK
	if !snap.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// --- REST API handlers ---

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filter := persistence.ListFilter{Limit: defaultListLimit}
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := persistence.ParseTaskStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	tasks, err := s.cfg.Store.List(filter)
	if err != nil {
		s.logger.Error("gateway: list tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	if tasks == nil {
		tasks = []persistence.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getTask(w, taskID)
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.cancelTask(w, taskID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, id string) {
	rec, err := s.cfg.Store.Get(id)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error("gateway: get task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "read task failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelTask(w http.ResponseWriter, id string) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task manager unavailable")
		return
	}
	if s.cfg.Tasks.Cancel(id) {
		s.logger.Info("gateway: task cancel requested", "task_id", id)
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancelled": true})
		return
	}
	if _, err := s.cfg.Store.Get(id); errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	writeError(w, http.StatusConflict, fmt.Sprintf("task %s is not running", id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
