package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/igorsilveira/kefu/pkg/client"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/telemetry"
)

// Source is the channel client as seen by the diagnostics server.
type Source interface {
	State() client.ConnectionState
	Metrics() client.Metrics
	Pending() int
	Identity() protocol.Identity
}

type Config struct {
	Addr      string
	Source    Source
	Logger    *slog.Logger
	AuthToken string
	Version   string
}

// Server exposes health, readiness, status and Prometheus metrics for a
// running client on a local HTTP listener.
type Server struct {
	server    *http.Server
	router    *chi.Mux
	source    Source
	logger    *slog.Logger
	authToken string
	version   string
	started   time.Time
}

type Status struct {
	State            string    `json:"state"`
	Ready            bool      `json:"ready"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	Pending          int       `json:"pending"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
	ReconnectCount   uint64    `json:"reconnect_count"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at,omitzero"`
	Uptime           string    `json:"uptime"`
	Version          string    `json:"version,omitempty"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	s := &Server{
		router:    r,
		source:    cfg.Source,
		logger:    cfg.Logger,
		authToken: cfg.AuthToken,
		version:   cfg.Version,
		started:   time.Now(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/status", s.handleStatus)
		r.Handle("/metrics", promhttp.Handler())
	})
}

func (s *Server) Start(ctx context.Context) error {
	logger := telemetry.FromContext(ctx)

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("diag listen: %w", err)
	}
	logger.Info("diagnostics listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("diagnostics shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) snapshot() Status {
	st := s.source.State()
	m := s.source.Metrics()
	id := s.source.Identity()
	return Status{
		State:            st.String(),
		Ready:            st == client.Connected,
		UserID:           id.UserID,
		SessionID:        id.SessionID,
		Pending:          s.source.Pending(),
		MessagesSent:     m.MessagesSent,
		MessagesReceived: m.MessagesReceived,
		ReconnectCount:   m.ReconnectCount,
		LastHeartbeatAt:  m.LastHeartbeatAt,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Version:          s.version,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := s.source.State()
	if st != client.Connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": st.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != s.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
