package models

// ChatMessage represents a chat message fanned out to a room.
// Messages live only for the transport session; nothing is persisted.
type ChatMessage struct {
	ID        string `json:"id"` // ULID
	RoomID    string `json:"room_id"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"` // Unix ms
}
