// Package httpapi serves health, status and metrics endpoints, plus token
// protected admin endpoints for managing channels, roles and context.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/chatrelay/internal/analytics"
	"github.com/Veraticus/chatrelay/internal/archive"
	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/queue"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultHistoryLimit = 20
)

// Snapshotter summarizes relay analytics.
type Snapshotter interface {
	Snapshot() analytics.Stats
}

// QueueStatter reports queue state.
type QueueStatter interface {
	Stats() queue.Stats
}

// RateStatter reports rate limiter state.
type RateStatter interface {
	Stats() map[string]any
}

// ContextManager clears and lists channel conversations.
type ContextManager interface {
	ClearContext(serverID, channelID string)
	Conversations(serverID string, limit int) []*conversation.Conversation
}

// ChannelManager controls where the bot answers.
type ChannelManager interface {
	Allow(serverID, channelID string) bool
	Disallow(serverID, channelID string) bool
	AllowedChannels(serverID string) []string
}

// RoleManager selects the system prompt per server.
type RoleManager interface {
	Names() []string
	ServerRole(serverID string) string
	SetServerRole(serverID, role string) bool
}

// History reads archived turns.
type History interface {
	Recent(ctx context.Context, channelID string, limit int) ([]archive.Turn, error)
	Ping(ctx context.Context) error
}

// Deps are the components the server reports on and manages. Analytics and
// Queue are required; the rest enable their endpoints when set.
type Deps struct {
	Analytics Snapshotter
	Queue     QueueStatter
	Limiter   RateStatter
	Context   ContextManager
	Channels  ChannelManager
	Roles     RoleManager
	History   History
}

// Server is the HTTP status and admin server.
type Server struct {
	deps       Deps
	logger     *slog.Logger
	validate   *validator.Validate
	adminToken string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAdminToken enables the admin endpoints behind a bearer token.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// New creates a server.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Analytics == nil || deps.Queue == nil {
		return nil, errors.New("analytics and queue are required")
	}
	s := &Server{
		deps:     deps,
		logger:   slog.Default(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	r.Handle("/metrics", promhttp.Handler())

	if s.adminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireToken(s.adminToken))

			if s.deps.Roles != nil {
				r.Get("/roles", s.listRoles)
				r.Get("/servers/{server}/role", s.getRole)
				r.Put("/servers/{server}/role", s.setRole)
			}
			if s.deps.Channels != nil {
				r.Get("/servers/{server}/channels", s.listChannels)
				r.Put("/servers/{server}/channels/{channel}", s.allowChannel)
				r.Delete("/servers/{server}/channels/{channel}", s.disallowChannel)
			}
			if s.deps.Context != nil {
				r.Post("/servers/{server}/channels/{channel}/reset", s.resetContext)
				r.Get("/servers/{server}/conversations", s.listConversations)
			}
			if s.deps.History != nil {
				r.Get("/channels/{channel}/history", s.history)
			}
		})
	}

	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "http server stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.deps.History.Ping(ctx); err != nil {
			loggerFrom(r.Context()).ErrorContext(ctx, "readiness check failed", slog.Any("error", err))
			writeText(w, http.StatusServiceUnavailable, "Archive unavailable")
			return
		}
	}
	writeText(w, http.StatusOK, "OK")
}

type statusResponse struct {
	Analytics analytics.Stats `json:"analytics"`
	Queue     queue.Stats     `json:"queue"`
	RateLimit map[string]any  `json:"rate_limit,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Analytics: s.deps.Analytics.Snapshot(),
		Queue:     s.deps.Queue.Stats(),
	}
	if s.deps.Limiter != nil {
		resp.RateLimit = s.deps.Limiter.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRoles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": s.deps.Roles.Names()})
}

func (s *Server) getRole(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "server")
	writeJSON(w, http.StatusOK, map[string]string{
		"server": server,
		"role":   s.deps.Roles.ServerRole(server),
	})
}

type setRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (s *Server) setRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "role is required")
		return
	}

	server := chi.URLParam(r, "server")
	if !s.deps.Roles.SetServerRole(server, req.Role) {
		writeError(w, http.StatusNotFound, "unknown role "+req.Role)
		return
	}

	loggerFrom(r.Context()).InfoContext(r.Context(), "server role changed",
		slog.String("server", server),
		slog.String("role", req.Role))
	writeJSON(w, http.StatusOK, map[string]string{"server": server, "role": req.Role})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "server")
	writeJSON(w, http.StatusOK, map[string]any{
		"server":   server,
		"channels": s.deps.Channels.AllowedChannels(server),
	})
}

func (s *Server) allowChannel(w http.ResponseWriter, r *http.Request) {
	server, channel := chi.URLParam(r, "server"), chi.URLParam(r, "channel")
	if !s.deps.Channels.Allow(server, channel) {
		writeError(w, http.StatusConflict, "channel already allowed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"server": server, "channel": channel})
}

func (s *Server) disallowChannel(w http.ResponseWriter, r *http.Request) {
	server, channel := chi.URLParam(r, "server"), chi.URLParam(r, "channel")
	if !s.deps.Channels.Disallow(server, channel) {
		writeError(w, http.StatusNotFound, "channel not allowed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetContext(w http.ResponseWriter, r *http.Request) {
	server, channel := chi.URLParam(r, "server"), chi.URLParam(r, "channel")
	s.deps.Context.ClearContext(server, channel)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}
	server := chi.URLParam(r, "server")
	writeJSON(w, http.StatusOK, map[string]any{
		"server":        server,
		"conversations": s.deps.Context.Conversations(server, limit),
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	channel := chi.URLParam(r, "channel")
	turns, err := s.deps.History.Recent(r.Context(), channel, limit)
	if err != nil {
		loggerFrom(r.Context()).ErrorContext(r.Context(), "failed to read history", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "turns": turns})
}

func parseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
