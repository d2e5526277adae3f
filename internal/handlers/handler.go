package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/chat"
	"github.com/axelrubianes-glitch/ChatTeam/internal/presence"
	"github.com/axelrubianes-glitch/ChatTeam/internal/store"
	"github.com/axelrubianes-glitch/ChatTeam/internal/voice"
)

// Room id validation: alphanumeric, hyphens, underscores, 1-50 chars.
var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	presence *presence.Manager
	store    store.PresenceStore
	chat     *chat.Hub
	voice    *voice.Hub
	logger   zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(pm *presence.Manager, st store.PresenceStore, chatHub *chat.Hub, voiceHub *voice.Hub, logger zerolog.Logger) *Handler {
	return &Handler{presence: pm, store: st, chat: chatHub, voice: voiceHub, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// isValidRoomID reports whether the id is acceptable as a room code.
func isValidRoomID(id string) bool {
	return roomIDRegex.MatchString(id)
}
