package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/comigor/chatbroker/internal/agent"
	"github.com/comigor/chatbroker/internal/logger"
)

// Envelope wraps every successful public response.
type Envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Output    any    `json:"output"`
	Remaining *int   `json:"remaining,omitempty"`
}

// CreateSessionOutput is the payload of a created session.
type CreateSessionOutput struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Remaining int       `json:"remaining"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// CreateSession admits a new session for the calling address.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	addr := h.clientAddress(r)
	sess, err := h.sessions.Create(r.Context(), addr)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	JSON(w, http.StatusCreated, Envelope{
		Status:  "success",
		Message: "session created",
		Output: CreateSessionOutput{
			SessionID: sess.ID,
			ExpiresAt: h.sessions.ExpiresAt(sess),
			Remaining: h.sessions.Remaining(sess),
		},
	})
}

// Chat runs one exchange on an existing session.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "MISSING_FIELDS", "session_id and message are required")
		return
	}

	res, err := h.agent.Exchange(r.Context(), req.SessionID, h.clientAddress(r), req.Message)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if res.Degraded {
		logger.L.Warn("exchange answered without a reply", "session_id", res.SessionID)
	}

	remaining := res.Remaining
	JSON(w, http.StatusOK, Envelope{
		Status:    "success",
		Message:   "message processed",
		Output:    chatOutput(res),
		Remaining: &remaining,
	})
}

func chatOutput(res agent.ExchangeResult) map[string]any {
	return map[string]any{
		"text":            res.Reply,
		"session_id":      res.SessionID,
		"conversation_id": res.ConversationID,
		"degraded":        res.Degraded,
	}
}
