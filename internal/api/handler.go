// Package api exposes the session broker over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/chatbroker/internal/agent"
	"github.com/comigor/chatbroker/internal/config"
	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/session"
	"github.com/comigor/chatbroker/internal/shared"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the public chat routes and the admin routes.
type Handler struct {
	sessions *session.Store
	messages *history.Store
	agent    *agent.Agent
	db       Pinger

	trustedProxies []string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTrustedProxies lists the peer addresses whose X-Forwarded-For header
// is believed. Requests from any other peer are identified by RemoteAddr.
func WithTrustedProxies(addrs ...string) HandlerOption {
	return func(h *Handler) { h.trustedProxies = addrs }
}

// NewHandler creates a new API handler.
func NewHandler(sessions *session.Store, messages *history.Store, a *agent.Agent, db Pinger, opts ...HandlerOption) *Handler {
	h := &Handler{sessions: sessions, messages: messages, agent: a, db: db}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter builds the chi router. mcp, when non-nil, is mounted at /mcp
// behind the admin credentials.
func NewRouter(h *Handler, cfg *config.Config, mcp http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(CORS(cfg.Server.CORSOrigins))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/create_session", h.CreateSession)
		r.Post("/chat", h.Chat)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.BasicAuth("chatbroker-admin", map[string]string{
				cfg.Admin.Username: cfg.Admin.Password,
			}))
			h.RegisterAdminRoutes(r)
		})
	})

	if mcp != nil {
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.BasicAuth("chatbroker-admin", map[string]string{
				cfg.Admin.Username: cfg.Admin.Password,
			}))
			r.Handle("/mcp", mcp)
		})
	}

	return r
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: message, Code: code, Timestamp: time.Now().UTC()})
}

// writeStoreError maps store and exchange sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrAdmissionRejected):
		Error(w, http.StatusTooManyRequests, "COOLDOWN_ACTIVE", "please wait before creating a new session")
	case errors.Is(err, shared.ErrNotFound):
		Error(w, http.StatusNotFound, "NOT_FOUND", "session not found or expired")
	case errors.Is(err, shared.ErrInvalid):
		Error(w, http.StatusForbidden, "SESSION_EXPIRED", "session expired or message limit reached")
	default:
		logger.L.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// clientAddress returns the host part of RemoteAddr. When the peer is a
// trusted proxy, the first X-Forwarded-For hop is used instead.
func (h *Handler) clientAddress(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !slices.Contains(h.trustedProxies, peer) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return peer
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		logger.L.Error("health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
