package store

import (
	"context"
	"sync"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
)

// MemoryStore implements PresenceStore in process memory. It serializes
// transactions with a mutex, so there are no conflicts to retry. Used by
// tests and by development runs without REDIS_URL.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]*memRoom
	nextID int
}

type memRoom struct {
	room   models.Room
	roomOK bool
	parts  map[string]models.Participant
	subs   map[int]func([]models.Participant)
}

// NewMemoryStore creates an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memRoom)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) entry(roomID string) *memRoom {
	e, ok := s.rooms[roomID]
	if !ok {
		e = &memRoom{
			parts: make(map[string]models.Participant),
			subs:  make(map[int]func([]models.Participant)),
		}
		s.rooms[roomID] = e
	}
	return e
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (models.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok || !e.roomOK {
		return models.Room{}, false, nil
	}
	return e.room, true, nil
}

func (s *MemoryStore) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok {
		return []models.Participant{}, nil
	}
	return participantList(e.parts), nil
}

func (s *MemoryStore) Transact(ctx context.Context, roomID string, fn func(Tx) error) error {
	s.mu.Lock()
	e := s.entry(roomID)

	parts := make(map[string]models.Participant, len(e.parts))
	for uid, p := range e.parts {
		parts[uid] = p
	}
	st := newTxState(e.room, e.roomOK, parts)

	if err := fn(st); err != nil {
		s.mu.Unlock()
		return err
	}

	var notify []func([]models.Participant)
	var snapshot []models.Participant
	if st.dirty {
		e.room = st.room
		e.roomOK = st.roomOK
		e.parts = st.parts
		snapshot = participantList(e.parts)
		for _, cb := range e.subs {
			notify = append(notify, cb)
		}
	}
	s.mu.Unlock()

	// Callbacks run outside the lock so they may re-enter the store.
	for _, cb := range notify {
		cb(snapshot)
	}
	return nil
}

func (s *MemoryStore) SubscribeParticipants(ctx context.Context, roomID string, onChange func([]models.Participant)) (func(), error) {
	s.mu.Lock()
	e := s.entry(roomID)
	id := s.nextID
	s.nextID++
	e.subs[id] = onChange
	initial := participantList(e.parts)
	s.mu.Unlock()

	onChange(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(e.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

func participantList(parts map[string]models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
	}
	return out
}
