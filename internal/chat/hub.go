// Package chat implements the server side of the chat session protocol:
// join/leave with capacity enforcement and in-order message fan-out. Chat
// membership is session-scoped; persistent presence bookkeeping stays with
// the presence manager and is invoked independently by clients.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/metrics"
	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/presence"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

// RoomCapacity is the hard cap of concurrently joined chat sessions per room.
const RoomCapacity = 10

// MaxMessageLen bounds a single chat message body.
const MaxMessageLen = 4096

// Conn is the outbound half of a session transport.
type Conn interface {
	WriteEnvelope(env wire.Envelope) error
}

// Hub tracks every chat room of this process and fans messages out between
// joined sessions.
type Hub struct {
	presence *presence.Manager
	logger   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[*Session]struct{}
}

// NewHub creates a chat hub backed by the given presence manager.
func NewHub(pm *presence.Manager, logger zerolog.Logger) *Hub {
	return &Hub{
		presence: pm,
		logger:   logger,
		rooms:    make(map[string]map[*Session]struct{}),
	}
}

// Session is one transport connection's view of the protocol. It is joined
// to at most one room at a time.
type Session struct {
	hub  *Hub
	conn Conn

	mu     sync.Mutex
	joined bool
	roomID string
	user   wire.User
}

// NewSession binds a transport connection to the hub. The session starts
// un-joined; the first successful room:join moves it to the joined state.
func (h *Hub) NewSession(conn Conn) *Session {
	return &Session{hub: h, conn: conn}
}

// Handle dispatches one inbound envelope. Unknown types are answered with a
// room:error and otherwise ignored.
func (s *Session) Handle(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeRoomJoin:
		s.handleJoin(ctx, env.Payload)
	case wire.TypeChatSend:
		s.handleSend(env.Payload)
	case wire.TypeRoomLeave:
		s.Leave()
	default:
		s.sendError("unknown message type: " + env.Type)
	}
}

// Close detaches the session on transport disconnect. Safe to call multiple
// times and safe to race with an explicit leave.
func (s *Session) Close() {
	s.Leave()
}

func (s *Session) handleJoin(ctx context.Context, payload json.RawMessage) {
	var req wire.RoomJoin
	if err := json.Unmarshal(payload, &req); err != nil {
		s.ack(wire.RoomAck{OK: false, Error: wire.ErrCodeBadRequest})
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" || req.User.UID == "" {
		s.ack(wire.RoomAck{OK: false, Error: wire.ErrCodeBadRequest})
		return
	}

	s.mu.Lock()
	if s.joined {
		roomID := s.roomID
		s.mu.Unlock()
		// Idempotent re-join of the same room; switching rooms on a live
		// session is a protocol violation.
		if roomID == req.RoomID {
			s.ack(wire.RoomAck{OK: true, Count: s.hub.occupancy(roomID)})
		} else {
			s.ack(wire.RoomAck{OK: false, Error: wire.ErrCodeBadRequest})
		}
		return
	}
	s.mu.Unlock()

	// The chat layer only joins rooms whose presence record is live. The
	// creator path runs CreateRoom against the presence manager first and
	// then retries this join.
	if err := s.hub.presence.EnsureRoomExists(ctx, req.RoomID); err != nil {
		if !errors.Is(err, presence.ErrRoomNotFound) && !errors.Is(err, presence.ErrRoomEnded) {
			s.hub.logger.Error().Err(err).Str("room_id", req.RoomID).Msg("presence lookup failed")
		}
		s.reject(req.RoomID, wire.ErrCodeRoomNotFound)
		return
	}

	if !s.hub.join(req.RoomID, s, req.User) {
		s.reject(req.RoomID, wire.ErrCodeRoomFull)
		return
	}

	metrics.ChatSessionsActive.Inc()
	s.hub.broadcastUsers(req.RoomID)
}

func (s *Session) handleSend(payload json.RawMessage) {
	s.mu.Lock()
	joined, roomID, user := s.joined, s.roomID, s.user
	s.mu.Unlock()

	if !joined {
		s.sendError("send before join")
		return
	}

	var req wire.ChatSend
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError("malformed chat:send payload")
		return
	}
	if req.RoomID != roomID {
		s.sendError("cross-room send rejected")
		return
	}
	if req.Text == "" || len(req.Text) > MaxMessageLen {
		s.sendError("message text must be 1-4096 bytes")
		return
	}

	msg := models.ChatMessage{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		UID:       user.UID,
		Name:      user.Name,
		Text:      req.Text,
		Timestamp: time.Now().UnixMilli(),
	}

	metrics.ChatMessagesTotal.Inc()
	s.hub.broadcast(roomID, wire.NewEnvelope(wire.TypeChatMessage, msg), s)
}

// Leave detaches the session from its room and frees capacity immediately.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	s.joined = false
	s.roomID = ""
	s.mu.Unlock()

	s.hub.leave(roomID, s)
	metrics.ChatSessionsActive.Dec()
	s.hub.broadcastUsers(roomID)
}

func (s *Session) ack(ack wire.RoomAck) {
	_ = s.conn.WriteEnvelope(wire.NewEnvelope(wire.TypeRoomAck, ack))
}

func (s *Session) reject(roomID, code string) {
	metrics.ChatJoinRejections.WithLabelValues(code).Inc()
	s.hub.logger.Info().Str("room_id", roomID).Str("code", code).Msg("chat join rejected")
	s.ack(wire.RoomAck{OK: false, Error: code})
}

func (s *Session) sendError(msg string) {
	_ = s.conn.WriteEnvelope(wire.NewEnvelope(wire.TypeRoomError, wire.RoomError{Message: msg}))
}

// join adds the session to a room unless the room is at capacity. The ack is
// written while the hub lock is still held, so no concurrent fan-out can put
// a chat:message on the new session's connection ahead of its ack.
func (h *Hub) join(roomID string, s *Session, user wire.User) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.rooms[roomID]
	if !ok {
		sessions = make(map[*Session]struct{})
		h.rooms[roomID] = sessions
	}
	if len(sessions) >= RoomCapacity {
		return false
	}

	s.mu.Lock()
	s.joined = true
	s.roomID = roomID
	s.user = user
	s.mu.Unlock()

	sessions[s] = struct{}{}
	s.ack(wire.RoomAck{OK: true, Count: len(sessions)})
	return true
}

func (h *Hub) leave(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) occupancy(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// broadcast delivers an envelope to every joined session of the room except
// the sender. The hub lock is held across the writes so fan-out order equals
// receipt order; per-connection writes are serialized by the transport.
func (h *Hub) broadcast(roomID string, env wire.Envelope, except *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sess := range h.rooms[roomID] {
		if sess == except {
			continue
		}
		if err := sess.conn.WriteEnvelope(env); err != nil {
			h.logger.Debug().Err(err).Str("room_id", roomID).Msg("chat write failed")
		}
	}
}

// broadcastUsers pushes the occupancy snapshot to the whole room.
func (h *Hub) broadcastUsers(roomID string) {
	h.mu.Lock()
	users := make([]wire.User, 0, len(h.rooms[roomID]))
	for sess := range h.rooms[roomID] {
		sess.mu.Lock()
		users = append(users, sess.user)
		sess.mu.Unlock()
	}
	env := wire.NewEnvelope(wire.TypeRoomUsers, wire.RoomUsers{RoomID: roomID, Users: users})
	for sess := range h.rooms[roomID] {
		if err := sess.conn.WriteEnvelope(env); err != nil {
			h.logger.Debug().Err(err).Str("room_id", roomID).Msg("chat write failed")
		}
	}
	h.mu.Unlock()
}
