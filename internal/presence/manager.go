// Package presence owns the room lifecycle and participant counting. Every
// mutation of a room document or participant sub-record goes through a store
// transaction; nothing here caches counts or increments them locally.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/store"
)

// Manager coordinates room presence against the transactional store.
type Manager struct {
	store  store.PresenceStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a presence manager on the given store.
func NewManager(s store.PresenceStore, logger zerolog.Logger) *Manager {
	return &Manager{store: s, logger: logger, now: time.Now}
}

// CreateRoom writes a fresh room document with zero participants. It fails
// with ErrRoomExists if an active room already holds the id; an ended room's
// id may be reused.
func (m *Manager) CreateRoom(ctx context.Context, roomID string, host models.Participant) error {
	err := m.store.Transact(ctx, roomID, func(tx store.Tx) error {
		if room, ok := tx.Room(); ok && room.Active {
			return ErrRoomExists
		}
		now := m.now().UTC()
		tx.SetRoom(models.Room{
			ID:                roomID,
			HostUID:           host.UID,
			HostName:          host.Name,
			Active:            true,
			ParticipantsCount: 0,
			CreatedAt:         now,
			LastActiveAt:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("room_id", roomID).
		Str("host_uid", host.UID).
		Msg("room created")
	return nil
}

// EnsureRoomExists is a read-only check that the room exists and is live.
func (m *Manager) EnsureRoomExists(ctx context.Context, roomID string) error {
	room, ok, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	if !room.Active {
		return ErrRoomEnded
	}
	return nil
}

// GetRoom returns the room document and its current participants.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (models.Room, []models.Participant, error) {
	room, ok, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, nil, err
	}
	if !ok {
		return models.Room{}, nil, ErrRoomNotFound
	}
	parts, err := m.store.Participants(ctx, roomID)
	if err != nil {
		return models.Room{}, nil, err
	}
	return room, parts, nil
}

// Join adds a participant to the room inside one transaction. Re-joining an
// already-present uid refreshes lastActiveAt without touching the count.
func (m *Manager) Join(ctx context.Context, roomID string, p models.Participant) error {
	err := m.store.Transact(ctx, roomID, func(tx store.Tx) error {
		room, ok := tx.Room()
		if !ok {
			return ErrRoomNotFound
		}
		if !room.Active {
			return ErrRoomEnded
		}

		now := m.now().UTC()
		if _, present := tx.Participant(p.UID); !present {
			room.ParticipantsCount++
		}
		room.LastActiveAt = now
		tx.SetRoom(room)
		tx.SetParticipant(models.Participant{UID: p.UID, Name: p.Name, JoinedAt: now})
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("room_id", roomID).
		Str("uid", p.UID).
		Msg("participant joined")
	return nil
}

// Leave removes a participant and, when the room drains to zero, closes it.
// Absent room or absent sub-record is a no-op so disconnect and explicit
// leave can race safely.
func (m *Manager) Leave(ctx context.Context, roomID, uid string) error {
	var ended bool
	err := m.store.Transact(ctx, roomID, func(tx store.Tx) error {
		ended = false
		room, ok := tx.Room()
		if !ok {
			return nil
		}
		if _, present := tx.Participant(uid); !present {
			return nil
		}

		tx.DeleteParticipant(uid)

		if room.ParticipantsCount > 0 {
			room.ParticipantsCount--
		}
		room.LastActiveAt = m.now().UTC()
		if room.ParticipantsCount == 0 {
			endedAt := m.now().UTC()
			room.Active = false
			room.EndedAt = &endedAt
			ended = true
		}
		tx.SetRoom(room)
		return nil
	})
	if err != nil {
		return err
	}

	evt := m.logger.Info().Str("room_id", roomID).Str("uid", uid)
	if ended {
		evt.Bool("room_ended", true)
	}
	evt.Msg("participant left")
	return nil
}

// SubscribeParticipants forwards the store's change feed for one room. The
// caller must invoke the returned func on room exit or teardown.
func (m *Manager) SubscribeParticipants(ctx context.Context, roomID string, cb func([]models.Participant)) (func(), error) {
	return m.store.SubscribeParticipants(ctx, roomID, cb)
}
