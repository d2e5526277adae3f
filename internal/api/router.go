package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/api/middleware"
	"github.com/axelrubianes-glitch/ChatTeam/internal/chat"
	"github.com/axelrubianes-glitch/ChatTeam/internal/handlers"
	"github.com/axelrubianes-glitch/ChatTeam/internal/presence"
	"github.com/axelrubianes-glitch/ChatTeam/internal/store"
	"github.com/axelrubianes-glitch/ChatTeam/internal/voice"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, pm *presence.Manager, st store.PresenceStore, chatHub *chat.Hub, voiceHub *voice.Hub) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - clients connect from any origin; identity is opaque and
	// carried in payloads, never in cookies.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(pm, st, chatHub, voiceHub, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	// Presence (transactional room lifecycle)
	r.Post("/rooms", h.CreateRoom)
	r.Get("/rooms/{id}", h.GetRoom)
	r.Post("/rooms/{id}/join", h.JoinRoom)
	r.Post("/rooms/{id}/leave", h.LeaveRoom)

	// Realtime channels
	r.Get("/ws/rooms/{id}/chat", h.ChatSocket)
	r.Get("/ws/rooms/{id}/voice", h.VoiceSocket)

	return r
}
