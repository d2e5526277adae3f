package store

import (
	"context"
	"errors"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
)

// ErrTxConflict is returned when a transaction keeps losing against concurrent
// writers after the bounded retry budget is exhausted.
var ErrTxConflict = errors.New("presence transaction conflict")

// Tx is the view a transaction function gets over one room. Reads reflect the
// snapshot taken at transaction start overlaid with the writes staged so far;
// nothing is visible to other callers until commit.
type Tx interface {
	Room() (models.Room, bool)
	SetRoom(room models.Room)
	Participant(uid string) (models.Participant, bool)
	SetParticipant(p models.Participant)
	DeleteParticipant(uid string)
}

// PresenceStore is the transactional document store holding one record per
// room and one sub-record per participant. Both RedisStore and MemoryStore
// implement this interface.
//
// Transact runs fn atomically with respect to concurrent transactions on the
// same room: on conflict the snapshot is re-taken and fn re-run, bounded by
// the store's retry budget. An error returned by fn aborts the transaction
// and is passed through unchanged.
type PresenceStore interface {
	GetRoom(ctx context.Context, roomID string) (models.Room, bool, error)
	Participants(ctx context.Context, roomID string) ([]models.Participant, error)
	Transact(ctx context.Context, roomID string, fn func(Tx) error) error

	// SubscribeParticipants pushes the current participant list after every
	// committed change to the room, starting with the list as of the call.
	// The returned func cancels the subscription.
	SubscribeParticipants(ctx context.Context, roomID string, onChange func([]models.Participant)) (func(), error)

	Ping(ctx context.Context) error
	Close() error
}

// txState is the shared staged-write buffer used by both backends.
type txState struct {
	room    models.Room
	roomOK  bool
	roomSet bool
	parts   map[string]models.Participant
	setUIDs map[string]struct{}
	deleted map[string]struct{}
	dirty   bool
}

func newTxState(room models.Room, roomOK bool, parts map[string]models.Participant) *txState {
	if parts == nil {
		parts = make(map[string]models.Participant)
	}
	return &txState{
		room:    room,
		roomOK:  roomOK,
		parts:   parts,
		setUIDs: make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

func (t *txState) Room() (models.Room, bool) { return t.room, t.roomOK }

func (t *txState) SetRoom(room models.Room) {
	t.room = room
	t.roomOK = true
	t.roomSet = true
	t.dirty = true
}

func (t *txState) Participant(uid string) (models.Participant, bool) {
	if _, gone := t.deleted[uid]; gone {
		return models.Participant{}, false
	}
	p, ok := t.parts[uid]
	return p, ok
}

func (t *txState) SetParticipant(p models.Participant) {
	delete(t.deleted, p.UID)
	t.parts[p.UID] = p
	t.setUIDs[p.UID] = struct{}{}
	t.dirty = true
}

func (t *txState) DeleteParticipant(uid string) {
	if _, ok := t.parts[uid]; ok {
		delete(t.parts, uid)
		t.deleted[uid] = struct{}{}
		t.dirty = true
	}
}

func (t *txState) participantList() []models.Participant {
	return participantList(t.parts)
}
