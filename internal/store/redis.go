package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
)

// maxTxAttempts bounds the optimistic retry loop on WATCH conflicts.
const maxTxAttempts = 8

// RedisStore implements PresenceStore on Redis. The room document lives at
// room:{id} as JSON, participants in the hash room:{id}:participants, and
// committed changes are announced on the room:{id}:events pub/sub channel.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed presence store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

func participantsKey(roomID string) string {
	return fmt.Sprintf("room:%s:participants", roomID)
}

func eventsKey(roomID string) string {
	return fmt.Sprintf("room:%s:events", roomID)
}

// GetRoom fetches the room document, reporting absence via the bool.
func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (models.Room, bool, error) {
	val, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Room{}, false, nil
	}
	if err != nil {
		return models.Room{}, false, err
	}
	var room models.Room
	if err := json.Unmarshal(val, &room); err != nil {
		return models.Room{}, false, err
	}
	return room, true, nil
}

// Participants returns the current participant sub-records of a room.
func (s *RedisStore) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	vals, err := s.client.HGetAll(ctx, participantsKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0, len(vals))
	for _, raw := range vals {
		var p models.Participant
		if json.Unmarshal([]byte(raw), &p) == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Transact runs fn under WATCH on the room's keys. A concurrent write between
// snapshot and EXEC fails the pipeline and the whole attempt is replayed with
// a fresh snapshot, up to maxTxAttempts. Errors returned by fn abort the
// transaction and surface unchanged; they are never retried.
func (s *RedisStore) Transact(ctx context.Context, roomID string, fn func(Tx) error) error {
	rKey := roomKey(roomID)
	pKey := participantsKey(roomID)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var committed *txState

		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			roomRaw, err := rtx.Get(ctx, rKey).Bytes()
			roomOK := true
			if errors.Is(err, redis.Nil) {
				roomOK = false
			} else if err != nil {
				return err
			}

			var room models.Room
			if roomOK {
				if err := json.Unmarshal(roomRaw, &room); err != nil {
					return err
				}
			}

			partsRaw, err := rtx.HGetAll(ctx, pKey).Result()
			if err != nil {
				return err
			}
			parts := make(map[string]models.Participant, len(partsRaw))
			for uid, raw := range partsRaw {
				var p models.Participant
				if err := json.Unmarshal([]byte(raw), &p); err != nil {
					return err
				}
				parts[uid] = p
			}

			st := newTxState(room, roomOK, parts)
			if err := fn(st); err != nil {
				return err
			}
			if !st.dirty {
				return nil
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if st.roomSet {
					b, err := json.Marshal(st.room)
					if err != nil {
						return err
					}
					pipe.Set(ctx, rKey, b, 0)
				}
				for uid := range st.setUIDs {
					b, err := json.Marshal(st.parts[uid])
					if err != nil {
						return err
					}
					pipe.HSet(ctx, pKey, uid, b)
				}
				for uid := range st.deleted {
					pipe.HDel(ctx, pKey, uid)
				}
				return nil
			})
			if err != nil {
				return err
			}
			committed = st
			return nil
		}, rKey, pKey)

		if errors.Is(err, redis.TxFailedErr) {
			// Lost the race; back off briefly and replay.
			time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
			continue
		}
		if err != nil {
			return err
		}

		if committed != nil {
			s.publishParticipants(ctx, roomID, committed.participantList())
		}
		return nil
	}

	return ErrTxConflict
}

// drainBuffered discards every message already sitting in the subscription
// channel without blocking for new ones.
func drainBuffered(ch <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *RedisStore) publishParticipants(ctx context.Context, roomID string, parts []models.Participant) {
	b, err := json.Marshal(parts)
	if err != nil {
		return
	}
	// Fan-out is best-effort; a lost event is corrected by the next commit.
	_ = s.client.Publish(ctx, eventsKey(roomID), b).Err()
}

// SubscribeParticipants delivers the participant list now and after every
// committed change, until the returned cancel func is called or ctx ends.
func (s *RedisStore) SubscribeParticipants(ctx context.Context, roomID string, onChange func([]models.Participant)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, eventsKey(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	initial, err := s.Participants(ctx, roomID)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	// Events buffered while the initial read ran predate it; deliver the
	// fresher snapshot only after dropping them, or a stale list would
	// overwrite it until the next commit.
	ch := pubsub.Channel()
	drainBuffered(ch)
	onChange(initial)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var parts []models.Participant
				if json.Unmarshal([]byte(msg.Payload), &parts) == nil {
					onChange(parts)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}
