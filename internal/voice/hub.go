// Package voice implements the server side of voice-mesh signaling: endpoint
// discovery, advisory mute relay, and opaque peer-to-peer signal forwarding.
// The actual media links are negotiated directly between endpoints; the hub
// never touches media.
package voice

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/metrics"
	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

// Conn is the outbound half of a session transport.
type Conn interface {
	WriteEnvelope(env wire.Envelope) error
}

// Hub tracks the voice endpoints of every room, keyed by uid.
type Hub struct {
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*Session
}

// NewHub creates a voice signaling hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger, rooms: make(map[string]map[string]*Session)}
}

// Session is one endpoint's signaling connection.
type Session struct {
	hub  *Hub
	conn Conn

	mu     sync.Mutex
	joined bool
	roomID string
	peer   models.VoicePeer
}

// NewSession binds a transport connection to the hub.
func (h *Hub) NewSession(conn Conn) *Session {
	return &Session{hub: h, conn: conn}
}

// Handle dispatches one inbound envelope.
func (s *Session) Handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeVoiceJoin:
		s.handleJoin(env.Payload)
	case wire.TypeVoiceState:
		s.handleState(env.Payload)
	case wire.TypePeerSignal:
		s.handleSignal(env.Payload)
	case wire.TypeVoiceLeave:
		s.Leave()
	}
}

// Close withdraws the endpoint on transport disconnect. Idempotent.
func (s *Session) Close() {
	s.Leave()
}

func (s *Session) handleJoin(payload json.RawMessage) {
	var req wire.VoiceJoin
	if err := json.Unmarshal(payload, &req); err != nil {
		s.ack(wire.VoiceAck{OK: false, Error: wire.ErrCodeBadRequest})
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" || req.UID == "" || req.PeerID == "" {
		s.ack(wire.VoiceAck{OK: false, Error: wire.ErrCodeBadRequest})
		return
	}

	peer := models.VoicePeer{UID: req.UID, Name: req.Name, PeerID: req.PeerID}
	others := s.hub.join(req.RoomID, peer, s)

	s.mu.Lock()
	s.joined = true
	s.roomID = req.RoomID
	s.peer = peer
	s.mu.Unlock()

	metrics.VoicePeersActive.Inc()
	s.ack(wire.VoiceAck{OK: true, Peers: others})
	s.hub.broadcast(req.RoomID, wire.NewEnvelope(wire.TypeVoiceUserJoined, peer), req.UID)

	s.hub.logger.Info().
		Str("room_id", req.RoomID).
		Str("uid", req.UID).
		Str("peer_id", req.PeerID).
		Msg("voice peer joined")
}

func (s *Session) handleState(payload json.RawMessage) {
	s.mu.Lock()
	joined, roomID, uid := s.joined, s.roomID, s.peer.UID
	s.mu.Unlock()
	if !joined {
		return
	}

	var req wire.VoiceState
	if err := json.Unmarshal(payload, &req); err != nil || req.UID != uid {
		return
	}

	// Mute is advisory and last-write-wins; relay without bookkeeping.
	s.hub.broadcast(roomID, wire.NewEnvelope(wire.TypeVoiceState, wire.VoiceState{
		UID:   uid,
		Muted: req.Muted,
	}), uid)
}

func (s *Session) handleSignal(payload json.RawMessage) {
	s.mu.Lock()
	joined, roomID, uid := s.joined, s.roomID, s.peer.UID
	s.mu.Unlock()
	if !joined {
		return
	}

	var sig wire.PeerSignal
	if err := json.Unmarshal(payload, &sig); err != nil || sig.From != uid || sig.To == "" {
		return
	}

	target := s.hub.lookup(roomID, sig.To)
	if target == nil {
		return
	}
	sig.RoomID = ""
	if err := target.conn.WriteEnvelope(wire.NewEnvelope(wire.TypePeerSignal, sig)); err != nil {
		s.hub.logger.Debug().Err(err).Str("room_id", roomID).Str("to", sig.To).Msg("signal relay failed")
	}
}

// Leave withdraws the endpoint and notifies the rest of the room.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	roomID, uid := s.roomID, s.peer.UID
	s.joined = false
	s.roomID = ""
	s.mu.Unlock()

	if s.hub.leave(roomID, uid, s) {
		metrics.VoicePeersActive.Dec()
		s.hub.broadcast(roomID, wire.NewEnvelope(wire.TypeVoiceUserLeft, struct {
			UID string `json:"uid"`
		}{UID: uid}), uid)
	}
}

func (s *Session) ack(ack wire.VoiceAck) {
	_ = s.conn.WriteEnvelope(wire.NewEnvelope(wire.TypeVoiceAck, ack))
}

// join registers the endpoint and returns the peers already present. A
// rejoining uid replaces its previous session (reconnect supersedes).
func (h *Hub) join(roomID string, peer models.VoicePeer, s *Session) []models.VoicePeer {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.rooms[roomID]
	if !ok {
		sessions = make(map[string]*Session)
		h.rooms[roomID] = sessions
	}

	if old, ok := sessions[peer.UID]; ok && old != s {
		old.mu.Lock()
		old.joined = false
		old.mu.Unlock()
		// The superseded session's Leave no-ops, so its gauge share is
		// released here.
		metrics.VoicePeersActive.Dec()
	}

	others := make([]models.VoicePeer, 0, len(sessions))
	for uid, sess := range sessions {
		if uid == peer.UID {
			continue
		}
		sess.mu.Lock()
		others = append(others, sess.peer)
		sess.mu.Unlock()
	}
	sessions[peer.UID] = s
	return others
}

// leave removes the uid's registration if this session still owns it.
func (h *Hub) leave(roomID, uid string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.rooms[roomID]
	if !ok || sessions[uid] != s {
		return false
	}
	delete(sessions, uid)
	if len(sessions) == 0 {
		delete(h.rooms, roomID)
	}
	return true
}

func (h *Hub) lookup(roomID, uid string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID][uid]
}

func (h *Hub) broadcast(roomID string, env wire.Envelope, exceptUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for uid, sess := range h.rooms[roomID] {
		if uid == exceptUID {
			continue
		}
		if err := sess.conn.WriteEnvelope(env); err != nil {
			h.logger.Debug().Err(err).Str("room_id", roomID).Msg("voice write failed")
		}
	}
}
