// Package api serves the read-only status API: health, build info, the
// tool servers and their capabilities, token usage, and a live event
// stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/session"
	"github.com/nugget/switchboard/internal/tools"
	"github.com/nugget/switchboard/internal/usage"
)

// Source is the live session the API reports on.
type Source interface {
	Servers() []session.ServerStatus
	Tools() []session.ToolStatus
	Collisions() []tools.Collision
	Stats() session.Stats
}

// UsageSource answers usage queries. *usage.Store implements it.
type UsageSource interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPhase(start, end time.Time) (map[string]*usage.Summary, error)
	InvocationCounts(start, end time.Time) ([]usage.InvocationCount, error)
}

// defaultUsageHours is the window /v1/usage reports when hours is unset.
const defaultUsageHours = 24

// maxConns caps concurrent connections to the status API.
const maxConns = 32

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status API server.
type Server struct {
	listen string
	source Source
	usage  UsageSource
	events *events.Bus
	logger *slog.Logger
	router *chi.Mux

	mu         sync.Mutex
	server     *http.Server
	cancelBase context.CancelFunc
	closed     bool
}

// NewServer builds a server listening on listen. usage may be nil, in
// which case /v1/usage answers 503.
func NewServer(listen string, source Source, usage UsageSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listen: listen,
		source: source,
		usage:  usage,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.withLogging)
	s.router.Use(middleware.Recoverer)

	// The event stream is long-lived; everything else is bounded.
	s.router.Get("/v1/events", s.handleEvents)
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/health", s.handleHealth)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/version", s.handleVersion)
			r.Get("/stats", s.handleStats)
			r.Get("/servers", s.handleServers)
			r.Get("/tools", s.handleTools)
			r.Get("/tools/{name}", s.handleTool)
			r.Get("/collisions", s.handleCollisions)
			r.Get("/usage", s.handleUsage)
		})
	})
	return s
}

// SetEvents enables the /v1/events stream.
func (s *Server) SetEvents(bus *events.Bus) {
	s.events = bus
}

// Handler exposes the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called. ctx is the parent of every
// request context. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, maxConns)
	// Cancelling the base context ends open event streams on Shutdown.
	base, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return nil
	}
	s.server = srv
	s.cancelBase = cancel
	s.mu.Unlock()

	s.logger.Info("starting status API", "address", ln.Addr().String())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancelBase
	s.closed = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	status, code := "healthy", http.StatusOK
	if st.ServersReady == 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":        status,
		"servers_ready": st.ServersReady,
		"servers_total": st.ServersTotal,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Stats(), s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"servers": s.source.Servers()}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	list := s.source.Tools()
	if server := r.URL.Query().Get("server"); server != "" {
		filtered := make([]session.ToolStatus, 0, len(list))
		for _, t := range list {
			if t.Server == server {
				filtered = append(filtered, t)
			}
		}
		list = filtered
	}
	writeJSON(w, map[string]any{"tools": list, "count": len(list)}, s.logger)
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, t := range s.source.Tools() {
		if t.Name == name {
			writeJSON(w, t, s.logger)
			return
		}
	}
	s.errorResponse(w, http.StatusNotFound, "tool not found: "+name)
}

func (s *Server) handleCollisions(w http.ResponseWriter, r *http.Request) {
	out := []map[string]string{}
	for _, c := range s.source.Collisions() {
		out = append(out, map[string]string{
			"tool":     c.Name,
			"shadowed": c.Previous,
			"owner":    c.Server,
		})
	}
	writeJSON(w, map[string]any{"collisions": out}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	hours := defaultUsageHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	byPhase, err := s.usage.SummaryByPhase(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}
	calls, err := s.usage.InvocationCounts(start, end)
	if err != nil {
		s.usageError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"hours":    hours,
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
		"by_phase": byPhase,
		"tools":    calls,
	}, s.logger)
}

func (s *Server) usageError(w http.ResponseWriter, err error) {
	s.logger.Error("usage query failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
}

// handleEvents streams bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(events.DefaultBuffer)
	defer sub.Close()
	s.logger.Debug("event stream opened", "subscribers", s.events.SubscriberCount())

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed", "dropped", sub.Dropped())
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Debug("failed to marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				s.logger.Debug("failed to write event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
