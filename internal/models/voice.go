package models

// VoicePeer identifies a participant's media endpoint for one voice session.
// Distinct from Participant: it lives and dies with the voice session, not
// with room membership.
type VoicePeer struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	PeerID string `json:"peer_id"`
}

// VoiceState is the advisory per-uid voice state. Mute is signaled over the
// voice channel; speaking is derived locally by each session and never sent.
type VoiceState struct {
	Muted    bool `json:"muted"`
	Speaking bool `json:"speaking"`
}
