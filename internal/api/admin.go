package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/session"
)

// RegisterAdminRoutes mounts the inspection and maintenance routes on r.
// Authentication is applied by the caller.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/messages", h.ListMessages)
	r.Delete("/messages/{messageID}", h.DeleteMessage)

	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{sessionID}", h.GetSession)
	r.Delete("/sessions/{sessionID}", h.DeleteSession)
	r.Post("/sessions/{sessionID}/reset", h.ResetSession)
	r.Get("/sessions/{sessionID}/messages", h.SessionMessages)
	r.Delete("/sessions/{sessionID}/messages", h.DeleteSessionMessages)
	r.Get("/sessions/{sessionID}/search", h.SearchSession)

	r.Post("/sweep", h.Sweep)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// MessageList is one page of the cross-session listing.
type MessageList struct {
	Messages []history.Message `json:"messages"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ListMessages pages through every stored message, newest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	opts := history.ListOptions{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 50),
		Search:   r.URL.Query().Get("search"),
	}
	msgs, total, err := h.messages.List(r.Context(), opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, MessageList{Messages: msgs, Total: total, Page: opts.Page, PageSize: opts.PageSize})
}

// DeleteMessage removes one message by id.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "INVALID_ID", "message id must be an integer")
		return
	}
	ok, err := h.messages.Delete(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "NOT_FOUND", "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns the newest sessions with their stored message counts.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []*session.Summary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// SessionDetail describes one session for operators.
type SessionDetail struct {
	*session.Session
	Valid          bool      `json:"valid"`
	ExpiresAt      time.Time `json:"expires_at"`
	Remaining      int       `json:"remaining"`
	StoredMessages int       `json:"stored_messages"`
}

// GetSession returns one session and its liveness.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stored, err := h.messages.Count(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, SessionDetail{
		Session:        sess,
		Valid:          h.sessions.IsValid(sess),
		ExpiresAt:      h.sessions.ExpiresAt(sess),
		Remaining:      h.sessions.Remaining(sess),
		StoredMessages: stored,
	})
}

// DeleteSession removes a session and its transcript.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetSession restores a session's full message budget.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.ResetMessageCount(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// SessionMessages pages through one session's transcript.
func (h *Handler) SessionMessages(w http.ResponseWriter, r *http.Request) {
	asc, _ := strconv.ParseBool(r.URL.Query().Get("asc"))
	opts := history.PageOptions{
		Page:      queryInt(r, "page", 1),
		PageSize:  queryInt(r, "page_size", 0),
		Ascending: asc,
	}
	msgs, err := h.messages.Page(r.Context(), chi.URLParam(r, "sessionID"), opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs, "page": opts.Page})
}

// DeleteSessionMessages clears one session's transcript, keeping the session.
func (h *Handler) DeleteSessionMessages(w http.ResponseWriter, r *http.Request) {
	n, err := h.messages.DeleteAll(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// SearchSession finds messages in one session containing q.
func (h *Handler) SearchSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		Error(w, http.StatusBadRequest, "MISSING_QUERY", "q is required")
		return
	}
	msgs, err := h.messages.Search(r.Context(), chi.URLParam(r, "sessionID"), q)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// Sweep runs one expiry pass immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.sessions.ReapExpired(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"reaped": n})
}
