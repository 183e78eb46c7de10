package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/comigor/chatbroker/internal/agent"
	"github.com/comigor/chatbroker/internal/api"
	"github.com/comigor/chatbroker/internal/config"
	"github.com/comigor/chatbroker/internal/db"
	"github.com/comigor/chatbroker/internal/history"
	"github.com/comigor/chatbroker/internal/llm"
	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/mcpserver"
	"github.com/comigor/chatbroker/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.L.Info("no .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.L.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.L.Error("failed to close database", "error", err)
		}
	}()

	sessions := session.NewStore(database, session.LimitsFromConfig(cfg.Session))
	messages := history.NewStore(database, cfg.Session.MaxMessages)

	if cfg.LLM.APIKey == "" {
		logger.L.Warn("llm.api_key is empty; completions will fail and replies will be degraded")
	}
	completer := llm.NewCompleter(llm.NewClient(cfg.LLM), cfg.LLM)
	chatAgent := agent.New(sessions, messages, completer)

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpHandler = mcpserver.New(sessions, messages).Handler()
		logger.L.Info("MCP inspection endpoint enabled", "path", "/mcp")
	}

	handler := api.NewHandler(sessions, messages, chatAgent, database,
		api.WithTrustedProxies(cfg.Server.TrustedProxies...))
	router := api.NewRouter(handler, cfg, mcpHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := session.NewReaper(sessions, cfg.Session.ReapInterval)
	reaper.Start(ctx)
	defer reaper.Stop()

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.LLM.Timeout*time.Duration(cfg.LLM.Retries+1) + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.L.Info("starting server", "address", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.L.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("graceful shutdown failed", "error", err)
	}
}
