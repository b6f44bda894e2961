// Package httpapi serves a read-only status API on the loopback interface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"securetrack/internal/health"
	"securetrack/internal/ipc"
	"securetrack/internal/logging"
	"securetrack/internal/metrics"
	"securetrack/internal/store"
)

// ErrNotLoopback is returned when the listen address is reachable from
// other hosts.
var ErrNotLoopback = errors.New("httpapi: listen address must be loopback")

// Ledger is the read side of the store the API exposes.
type Ledger interface {
	RecentCommandLogs(ctx context.Context, limit int) ([]store.CommandLog, error)
	GetCommandLog(ctx context.Context, id int64) (*store.CommandLog, error)
	IntruderLogs(ctx context.Context, limit int) ([]store.IntruderLog, error)
}

// StatusFunc reports the daemon state.
type StatusFunc func(ctx context.Context) (*ipc.StatusResponse, error)

// Options configures a Server.
type Options struct {
	Listen  string
	Ledger  Ledger
	Status  StatusFunc
	Health  *health.Checker
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Server is the loopback HTTP API.
type Server struct {
	opts   Options
	logger *slog.Logger
	router *mux.Router
	srv    *http.Server
	ln     net.Listener
}

// New builds the router. Start binds the listener.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{opts: opts, logger: logger.With("component", "httpapi")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loopbackOnly, s.requestLog)

	if s.opts.Health != nil {
		r.Handle("/healthz", s.opts.Health.LivenessHandler()).Methods(http.MethodGet)
		r.Handle("/readyz", s.opts.Health.ReadinessHandler()).Methods(http.MethodGet)
	}
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.HTTPHandler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/commands", s.handleCommands).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{id:[0-9]+}", s.handleCommand).Methods(http.MethodGet)
	v1.HandleFunc("/intrusions", s.handleIntrusions).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured loopback address and serves in the
// background.
func (s *Server) Start() error {
	if err := checkLoopback(s.opts.Listen); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	s.logger.Info("http api listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("httpapi: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return ErrNotLoopback
	}
	return nil
}

func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", id)
		next.ServeHTTP(rec, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
		s.logger.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	st, err := s.opts.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.opts.Ledger.RecentCommandLogs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []store.CommandLog{}
	}
	for i := range logs {
		logs[i].Sender = logging.MaskAddress(logs[i].Sender)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": logs})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	entry, err := s.opts.Ledger.GetCommandLog(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entry.Sender = logging.MaskAddress(entry.Sender)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleIntrusions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.opts.Ledger.IntruderLogs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []store.IntruderLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intrusions": logs})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("http handler failed",
		"request_id", logging.RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	if errors.Is(err, ipc.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
