package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatbroker/internal/agent"
	"github.com/comigor/chatbroker/internal/config"
	"github.com/comigor/chatbroker/internal/db"
	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/llm"
	"github.com/comigor/chatbroker/internal/session"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubCompleter struct {
	err error
}

func (s *stubCompleter) Complete(_ context.Context, p llm.Prompt) (llm.Reply, error) {
	if s.err != nil {
		return llm.Reply{}, s.err
	}
	return llm.Reply{Text: "echo: " + p.Text, ConversationID: "conv-x"}, nil
}

type testServer struct {
	router   http.Handler
	clock    *manualClock
	sessions *session.Store
	messages *history.Store
	llm      *stubCompleter
	database *db.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{CORSOrigins: []string{"https://app.example.com"}},
		Session: config.SessionConfig{
			Timeout:          time.Minute,
			MaxMessages:      3,
			Cooldown:         30 * time.Second,
			TrustedAddresses: []string{"127.0.0.1"},
		},
		Admin: config.AdminConfig{Username: "admin", Password: "secret"},
	}

	clock := &manualClock{t: time.UnixMilli(1_700_000_000_000).UTC()}
	sessions := session.NewStore(database, session.LimitsFromConfig(cfg.Session), session.WithClock(clock.Now))
	messages := history.NewStore(database, cfg.Session.MaxMessages, history.WithClock(clock.Now))
	completer := &stubCompleter{}
	// httptest requests come from 192.0.2.1; do() sets X-Forwarded-For.
	h := NewHandler(sessions, messages, agent.New(sessions, messages, completer), database,
		WithTrustedProxies("192.0.2.1"))

	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	return &testServer{
		router:   NewRouter(h, cfg, mcp),
		clock:    clock,
		sessions: sessions,
		messages: messages,
		llm:      completer,
		database: database,
	}
}

func (s *testServer) do(t *testing.T, method, path, addr string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if addr != "" {
		req.Header.Set("X-Forwarded-For", addr)
	}
	if admin {
		req.SetBasicAuth("admin", "secret")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

type createResp struct {
	Status string `json:"status"`
	Output struct {
		SessionID string    `json:"session_id"`
		ExpiresAt time.Time `json:"expires_at"`
		Remaining int       `json:"remaining"`
	} `json:"output"`
}

type chatResp struct {
	Status string `json:"status"`
	Output struct {
		Text           string `json:"text"`
		SessionID      string `json:"session_id"`
		ConversationID string `json:"conversation_id"`
		Degraded       bool   `json:"degraded"`
	} `json:"output"`
	Remaining int `json:"remaining"`
}

func (s *testServer) createSession(t *testing.T, addr string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/create_session", addr, nil, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[createResp](t, w).Output.SessionID
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Equal(t, "bar", decode[map[string]string](t, w)["foo"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, "NOT_FOUND", "gone")
	body := decode[ErrorBody](t, w)
	require.Equal(t, "gone", body.Error)
	require.Equal(t, "NOT_FOUND", body.Code)
	require.False(t, body.Timestamp.IsZero())
}

func TestClientAddress(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, WithTrustedProxies("10.0.0.2", "::1"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	require.Equal(t, "192.0.2.1", h.clientAddress(req))

	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	require.Equal(t, "192.0.2.1", h.clientAddress(req), "forwarded header from an untrusted peer is ignored")

	req.RemoteAddr = "10.0.0.2:443"
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	require.Equal(t, "203.0.113.9", h.clientAddress(req))

	req.RemoteAddr = "[::1]:443"
	require.Equal(t, "203.0.113.9", h.clientAddress(req))

	req.Header.Set("X-Forwarded-For", " , ")
	require.Equal(t, "::1", h.clientAddress(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "weird"
	require.Equal(t, "weird", h.clientAddress(req))
}

func TestCreateSession_SpoofedForwardedForIsNotTrusted(t *testing.T) {
	s := newTestServer(t)

	spoof := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/create_session", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", "127.0.0.1")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w := spoof()
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[createResp](t, w).Output.SessionID
	sess, err := s.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.7", sess.SourceAddress)

	w = spoof()
	require.Equal(t, http.StatusTooManyRequests, w.Code, "a loopback header must not bypass the cooldown")
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/create_session", "203.0.113.1", nil, false)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode[createResp](t, w)
	require.Equal(t, "success", resp.Status)
	require.NotEmpty(t, resp.Output.SessionID)
	require.Equal(t, 3, resp.Output.Remaining)
	require.True(t, resp.Output.ExpiresAt.Equal(s.clock.Now().Add(time.Minute)))

	s.clock.Advance(time.Second)
	w = s.do(t, http.MethodPost, "/api/create_session", "203.0.113.1", nil, false)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "COOLDOWN_ACTIVE", decode[ErrorBody](t, w).Code)

	s.clock.Advance(30 * time.Second)
	s.createSession(t, "203.0.113.1")
}

func TestChat(t *testing.T) {
	s := newTestServer(t)
	id := s.createSession(t, "203.0.113.2")

	w := s.do(t, http.MethodPost, "/api/chat", "203.0.113.2", ChatRequest{SessionID: id, Message: "hi"}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[chatResp](t, w)
	require.Equal(t, "echo: hi", resp.Output.Text)
	require.Equal(t, id, resp.Output.SessionID)
	require.Equal(t, "conv-x", resp.Output.ConversationID)
	require.False(t, resp.Output.Degraded)
	require.Equal(t, 2, resp.Remaining)

	s.llm.err = errors.New("provider down")
	w = s.do(t, http.MethodPost, "/api/chat", "203.0.113.2", ChatRequest{SessionID: id, Message: "again"}, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[chatResp](t, w)
	require.True(t, resp.Output.Degraded)
	require.Empty(t, resp.Output.Text)
	require.Equal(t, 1, resp.Remaining)
}

func TestChat_Errors(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/chat", "", ChatRequest{SessionID: "x"}, false)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "MISSING_FIELDS", decode[ErrorBody](t, w).Code)

	w = s.do(t, http.MethodPost, "/api/chat", "", ChatRequest{SessionID: "unknown", Message: "hi"}, false)
	require.Equal(t, http.StatusNotFound, w.Code)

	id := s.createSession(t, "203.0.113.3")
	s.clock.Advance(2 * time.Minute)
	w = s.do(t, http.MethodPost, "/api/chat", "203.0.113.3", ChatRequest{SessionID: id, Message: "late"}, false)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "SESSION_EXPIRED", decode[ErrorBody](t, w).Code)

	w = s.do(t, http.MethodPost, "/api/chat", "203.0.113.3", ChatRequest{SessionID: id, Message: "later"}, false)
	require.Equal(t, http.StatusNotFound, w.Code, "expired sessions are deleted on detection")
}

func TestAdmin_RequiresCredentials(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/sessions", "", nil, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/sessions", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/mcp", "", nil, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodPost, "/mcp", "", nil, true)
	require.Equal(t, http.StatusTeapot, w.Code)
}

func TestAdmin_SessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.createSession(t, "203.0.113.4")
	for _, msg := range []string{"one", "two"} {
		w := s.do(t, http.MethodPost, "/api/chat", "203.0.113.4", ChatRequest{SessionID: id, Message: msg}, false)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do(t, http.MethodGet, "/api/sessions/"+id, "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[map[string]any](t, w)
	require.Equal(t, id, detail["session_id"])
	require.EqualValues(t, 2, detail["message_count"])
	require.EqualValues(t, 3, detail["stored_messages"])
	require.Equal(t, true, detail["valid"])

	w = s.do(t, http.MethodGet, "/api/sessions/"+id+"/messages?page=1&page_size=2", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Messages []history.Message `json:"messages"`
	}](t, w)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "echo: two", page.Messages[0].Content)

	w = s.do(t, http.MethodGet, "/api/sessions/"+id+"/messages?asc=true", "", nil, true)
	page = decode[struct {
		Messages []history.Message `json:"messages"`
	}](t, w)
	require.Equal(t, "echo: one", page.Messages[0].Content)

	w = s.do(t, http.MethodGet, "/api/sessions/"+id+"/search?q=two", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	hits := decode[struct {
		Messages []history.Message `json:"messages"`
	}](t, w)
	require.Len(t, hits.Messages, 2)

	w = s.do(t, http.MethodGet, "/api/sessions/"+id+"/search", "", nil, true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/sessions/"+id+"/reset", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	sess, err := s.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Zero(t, sess.MessageCount)

	w = s.do(t, http.MethodGet, "/api/messages?search=echo", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[MessageList](t, w)
	require.Equal(t, 2, list.Total)

	msgID := list.Messages[0].ID
	w = s.do(t, http.MethodDelete, "/api/messages/"+itoa(msgID), "", nil, true)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, "/api/messages/"+itoa(msgID), "", nil, true)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodDelete, "/api/messages/abc", "", nil, true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/sessions/"+id+"/messages", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 2, decode[map[string]int64](t, w)["deleted"])

	w = s.do(t, http.MethodDelete, "/api/sessions/"+id, "", nil, true)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/sessions/"+id, "", nil, true)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Sweep(t *testing.T) {
	s := newTestServer(t)
	s.createSession(t, "203.0.113.5")
	s.clock.Advance(2 * time.Minute)
	s.createSession(t, "203.0.113.6")

	w := s.do(t, http.MethodPost, "/api/sweep", "", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]int64](t, w)["reaped"])

	w = s.do(t, http.MethodGet, "/api/sessions", "", nil, true)
	list := decode[map[string][]session.Summary](t, w)
	require.Len(t, list["sessions"], 1)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, s.database.Close())
	w = s.do(t, http.MethodGet, "/health", "", nil, false)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
