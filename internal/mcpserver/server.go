// Package mcpserver exposes read-only transcript inspection as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/session"
)

const (
	serverName    = "chatbroker"
	serverVersion = "1.0.0"
)

// Server answers MCP tool calls from the session and message stores.
type Server struct {
	sessions *session.Store
	messages *history.Store
	mcp      *server.MCPServer
}

// New registers the inspection tools.
func New(sessions *session.Store, messages *history.Store) *Server {
	s := &Server{
		sessions: sessions,
		messages: messages,
		mcp:      server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("list_messages",
		mcp.WithDescription("List stored messages across all sessions, newest first"),
		mcp.WithNumber("page", mcp.Description("1-indexed page number")),
		mcp.WithNumber("page_size", mcp.Description("Messages per page")),
		mcp.WithString("search", mcp.Description("Only messages containing this text")),
	), s.listMessages)

	s.mcp.AddTool(mcp.NewTool("session_transcript",
		mcp.WithDescription("Return the retained transcript of a session, oldest first"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
	), s.sessionTranscript)

	s.mcp.AddTool(mcp.NewTool("count_messages",
		mcp.WithDescription("Count the messages currently stored for a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
	), s.countMessages)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List the newest sessions with their message counts"),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return")),
	), s.listSessions)

	return s
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("failed to encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toolError(tool string, err error) (*mcp.CallToolResult, error) {
	logger.L.Warn("MCP tool failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(err.Error()), nil
}

func (s *Server) listMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msgs, total, err := s.messages.List(ctx, history.ListOptions{
		Page:     req.GetInt("page", 1),
		PageSize: req.GetInt("page_size", 50),
		Search:   req.GetString("search", ""),
	})
	if err != nil {
		return toolError("list_messages", err)
	}
	return jsonResult(map[string]any{"messages": msgs, "total": total})
}

func (s *Server) sessionTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	turns, err := s.messages.History(ctx, id)
	if err != nil {
		return toolError("session_transcript", err)
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	return jsonResult(turns)
}

func (s *Server) countMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.messages.Count(ctx, id)
	if err != nil {
		return toolError("count_messages", err)
	}
	return jsonResult(map[string]any{"session_id": id, "count": n})
}

func (s *Server) listSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.sessions.List(ctx, req.GetInt("limit", 100))
	if err != nil {
		return toolError("list_sessions", err)
	}
	if list == nil {
		list = []*session.Summary{}
	}
	return jsonResult(list)
}
