package models

import "time"

// Room represents a meeting room's presence record.
// Mutated only inside presence store transactions.
type Room struct {
	ID                string     `json:"id"`
	HostUID           string     `json:"host_uid"`
	HostName          string     `json:"host_name"`
	Active            bool       `json:"active"`
	ParticipantsCount int        `json:"participants_count"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActiveAt      time.Time  `json:"last_active_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Participant is a room member tracked by presence bookkeeping.
// Existence of the sub-record, not the count, is authoritative for membership.
type Participant struct {
	UID      string    `json:"uid"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}
