// Package wire defines the JSON envelope and payloads exchanged over the chat
// and voice WebSocket channels. Server hubs and the Go client share these
// types so the two ends cannot drift.
package wire

import (
	"encoding/json"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
)

// Envelope wraps every message on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal errors are
// programming errors (all payloads are plain structs), so it panics.
func NewEnvelope(msgType string, payload any) Envelope {
	if payload == nil {
		return Envelope{Type: msgType}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{Type: msgType, Payload: b}
}

// Chat channel message types.
const (
	TypeRoomJoin    = "room:join"
	TypeRoomAck     = "room:ack"
	TypeRoomLeave   = "room:leave"
	TypeRoomUsers   = "room:users"
	TypeRoomError   = "room:error"
	TypeChatSend    = "chat:send"
	TypeChatMessage = "chat:message"
)

// Voice channel message types.
const (
	TypeVoiceJoin       = "voice:join"
	TypeVoiceAck        = "voice:ack"
	TypeVoiceLeave      = "voice:leave"
	TypeVoiceState      = "voice:state"
	TypeVoiceUserJoined = "voice:user-joined"
	TypeVoiceUserLeft   = "voice:user-left"
	TypePeerSignal      = "peer:signal"
)

// Join rejection codes carried in acks.
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeRoomFull     = "ROOM_FULL"
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
)

// User identifies the sender on chat payloads.
type User struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// RoomJoin asks to join a chat room. Create marks the caller as the
// designated creator path; it never creates the presence record itself.
type RoomJoin struct {
	RoomID string `json:"roomId"`
	User   User   `json:"user"`
	Create bool   `json:"create,omitempty"`
}

// RoomAck answers a RoomJoin. On success Count carries the room occupancy
// including the new session.
type RoomAck struct {
	OK    bool   `json:"ok"`
	Count int    `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}

// RoomLeave frees the session's chat capacity before disconnect.
type RoomLeave struct {
	RoomID string `json:"roomId"`
	UID    string `json:"uid"`
}

// RoomUsers is the occupancy snapshot pushed after every join and leave.
type RoomUsers struct {
	RoomID string `json:"roomId"`
	Users  []User `json:"users"`
}

// RoomError reports a non-fatal protocol violation back to one session.
type RoomError struct {
	Message string `json:"message"`
}

// ChatSend submits a message for broadcast.
type ChatSend struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	User   User   `json:"user"`
}

// VoiceJoin announces a media endpoint to the room's voice channel.
type VoiceJoin struct {
	RoomID string `json:"roomId"`
	UID    string `json:"uid"`
	Name   string `json:"name"`
	PeerID string `json:"peerId"`
}

// VoiceAck answers a VoiceJoin with the already-present peer set.
type VoiceAck struct {
	OK    bool               `json:"ok"`
	Peers []models.VoicePeer `json:"peers,omitempty"`
	Error string             `json:"error,omitempty"`
}

// VoiceLeave withdraws a media endpoint.
type VoiceLeave struct {
	RoomID string `json:"roomId"`
	UID    string `json:"uid"`
}

// VoiceState carries the advisory mute flag. Speaking state is derived
// locally on each end and never crosses the wire.
type VoiceState struct {
	RoomID string `json:"roomId,omitempty"`
	UID    string `json:"uid"`
	Muted  bool   `json:"muted"`
}

// PeerSignal relays opaque media-connection signaling (SDP, ICE) between two
// endpoints of the same room. The hub never inspects Data.
type PeerSignal struct {
	RoomID string          `json:"roomId,omitempty"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Data   json.RawMessage `json:"data"`
}
