package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/api"
	"github.com/axelrubianes-glitch/ChatTeam/internal/chat"
	"github.com/axelrubianes-glitch/ChatTeam/internal/config"
	"github.com/axelrubianes-glitch/ChatTeam/internal/presence"
	"github.com/axelrubianes-glitch/ChatTeam/internal/store"
	"github.com/axelrubianes-glitch/ChatTeam/internal/voice"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize the presence store
	var presenceStore store.PresenceStore
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		presenceStore = redisStore
		logger.Info().Msg("connected to Redis")
	} else {
		presenceStore = store.NewMemoryStore()
		logger.Warn().Msg("REDIS_URL not set, using in-memory presence store")
	}
	defer presenceStore.Close()

	presenceManager := presence.NewManager(presenceStore, logger)
	chatHub := chat.NewHub(presenceManager, logger)
	voiceHub := voice.NewHub(logger)

	// Create router
	router := api.NewRouter(logger, presenceManager, presenceStore, chatHub, voiceHub)

	// Create server
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting ChatTeam server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
