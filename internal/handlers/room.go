package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/axelrubianes-glitch/ChatTeam/internal/metrics"
	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/presence"
)

// CreateRoomRequest represents the room creation request. The caller supplies
// the short room code; identity is an opaque verified uid handed in.
type CreateRoomRequest struct {
	RoomID string `json:"room_id"`
	Host   struct {
		UID  string `json:"uid"`
		Name string `json:"name"`
	} `json:"host"`
}

// RoomResponse represents a room document plus its current participants.
type RoomResponse struct {
	Room         models.Room          `json:"room"`
	Participants []models.Participant `json:"participants"`
}

// CreateRoom handles room creation (the designated creator path).
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.RoomID = strings.TrimSpace(req.RoomID)
	if !isValidRoomID(req.RoomID) {
		h.Error(w, http.StatusBadRequest, "room_id must be 1-50 characters, alphanumeric with hyphens and underscores only")
		return
	}
	if req.Host.UID == "" {
		h.Error(w, http.StatusBadRequest, "host.uid is required")
		return
	}

	host := models.Participant{UID: req.Host.UID, Name: req.Host.Name}
	if err := h.presence.CreateRoom(r.Context(), req.RoomID, host); err != nil {
		if errors.Is(err, presence.ErrRoomExists) {
			h.Error(w, http.StatusConflict, "room already exists")
			return
		}
		h.logger.Error().Err(err).Str("room_id", req.RoomID).Msg("create room failed")
		h.Error(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	metrics.RoomsCreated.Inc()

	room, parts, err := h.presence.GetRoom(r.Context(), req.RoomID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read room")
		return
	}
	h.JSON(w, http.StatusCreated, RoomResponse{Room: room, Participants: parts})
}

// GetRoom handles fetching one room's presence record.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !isValidRoomID(roomID) {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	room, parts, err := h.presence.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, presence.ErrRoomNotFound) {
			h.Error(w, http.StatusNotFound, "room not found")
			return
		}
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("get room failed")
		h.Error(w, http.StatusInternalServerError, "failed to read room")
		return
	}
	if !room.Active {
		h.Error(w, http.StatusGone, "room ended")
		return
	}
	h.JSON(w, http.StatusOK, RoomResponse{Room: room, Participants: parts})
}

// JoinRequest represents the presence join/leave request body.
type JoinRequest struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// JoinRoom handles the transactional presence join.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !isValidRoomID(roomID) {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UID == "" {
		h.Error(w, http.StatusBadRequest, "uid is required")
		return
	}

	err := h.presence.Join(r.Context(), roomID, models.Participant{UID: req.UID, Name: req.Name})
	switch {
	case errors.Is(err, presence.ErrRoomNotFound):
		h.Error(w, http.StatusNotFound, "room not found")
		return
	case errors.Is(err, presence.ErrRoomEnded):
		h.Error(w, http.StatusGone, "room ended")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("presence join failed")
		h.Error(w, http.StatusInternalServerError, "failed to join room")
		return
	}

	metrics.PresenceJoins.Inc()

	room, parts, err := h.presence.GetRoom(r.Context(), roomID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read room")
		return
	}
	h.JSON(w, http.StatusOK, RoomResponse{Room: room, Participants: parts})
}

// LeaveRoom handles the transactional presence leave. Leaving an absent room
// or leaving twice is a no-op, so the endpoint always answers 204.
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !isValidRoomID(roomID) {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UID == "" {
		h.Error(w, http.StatusBadRequest, "uid is required")
		return
	}

	if err := h.presence.Leave(r.Context(), roomID, req.UID); err != nil {
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("presence leave failed")
		h.Error(w, http.StatusInternalServerError, "failed to leave room")
		return
	}

	metrics.PresenceLeaves.Inc()
	w.WriteHeader(http.StatusNoContent)
}
