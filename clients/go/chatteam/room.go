package chatteam

import (
	"context"
	"sync"
	"time"

	"github.com/axelrubianes-glitch/ChatTeam/internal/guard"
)

// SubsystemStatus tracks one leg of a room connection.
type SubsystemStatus string

const (
	StatusIdle       SubsystemStatus = "idle"
	StatusConnecting SubsystemStatus = "connecting"
	StatusOK         SubsystemStatus = "ok"
	StatusError      SubsystemStatus = "error"
)

// RoomStatus is a snapshot of the per-subsystem connection state.
type RoomStatus struct {
	Presence SubsystemStatus
	Chat     SubsystemStatus
	Voice    SubsystemStatus
}

// RoomOptions controls EnterRoom.
type RoomOptions struct {
	// Create registers the room before joining. Entering an existing id
	// with Create set fails with ErrRoomExists.
	Create bool
	// Voice joins the voice mesh through Endpoint after chat connects.
	// A voice failure is reported on the connection but never rolls back
	// presence or chat.
	Voice    bool
	Endpoint Endpoint
	// ChatRetries and ChatBackoff shape the chat join retry loop. Zero
	// retries means a single attempt.
	ChatRetries int
	ChatBackoff time.Duration
}

// RoomConn is a fully entered room: presence registered, chat joined, and
// optionally a voice session. Obtained from EnterRoom, released with Leave.
type RoomConn struct {
	client *Client
	roomID string
	me     User

	Chat  *ChatSession
	Voice *VoiceSession

	guard guard.Guard

	mu       sync.Mutex
	status   RoomStatus
	voiceErr error
	left     bool
}

// Status returns the current per-subsystem snapshot.
func (rc *RoomConn) Status() RoomStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.status
}

// VoiceErr reports why voice is degraded, nil when voice is up or was not
// requested.
func (rc *RoomConn) VoiceErr() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.voiceErr
}

func (rc *RoomConn) setStatus(update func(*RoomStatus)) {
	rc.mu.Lock()
	update(&rc.status)
	rc.mu.Unlock()
}

// EnterRoom runs the full join sequence: presence first, then the chat
// channel, then voice when requested. Presence and chat failures abort the
// entry and roll back whatever was established; voice failure leaves a
// degraded but usable connection. If ctx is cancelled mid-sequence the
// established legs are torn down and no connection is returned.
func (c *Client) EnterRoom(ctx context.Context, roomID string, me User, opts RoomOptions) (*RoomConn, error) {
	rc := &RoomConn{
		client: c,
		roomID: roomID,
		me:     me,
		status: RoomStatus{Presence: StatusConnecting, Chat: StatusIdle, Voice: StatusIdle},
	}
	token := rc.guard.Begin()

	if opts.Create {
		if _, err := c.CreateRoom(ctx, roomID, me); err != nil {
			rc.setStatus(func(s *RoomStatus) { s.Presence = StatusError })
			return nil, err
		}
	}
	if _, err := c.JoinRoom(ctx, roomID, me); err != nil {
		rc.setStatus(func(s *RoomStatus) { s.Presence = StatusError })
		return nil, err
	}
	rc.setStatus(func(s *RoomStatus) {
		s.Presence = StatusOK
		s.Chat = StatusConnecting
	})

	if !token.Valid() {
		_ = c.LeaveRoom(context.Background(), roomID, me.UID)
		return nil, context.Canceled
	}

	rc.Chat = c.NewChatSession(roomID, me)
	attempts := opts.ChatRetries + 1
	if _, err := rc.Chat.JoinWithRetry(ctx, attempts, opts.ChatBackoff); err != nil {
		rc.setStatus(func(s *RoomStatus) { s.Chat = StatusError })
		_ = c.LeaveRoom(context.Background(), roomID, me.UID)
		return nil, err
	}
	rc.setStatus(func(s *RoomStatus) { s.Chat = StatusOK })

	if opts.Voice {
		rc.setStatus(func(s *RoomStatus) { s.Voice = StatusConnecting })
		rc.Voice = c.NewVoiceSession(roomID, me, opts.Endpoint)
		if err := rc.Voice.Join(ctx); err != nil {
			rc.Voice = nil
			rc.mu.Lock()
			rc.status.Voice = StatusError
			rc.voiceErr = err
			rc.mu.Unlock()
		} else {
			rc.setStatus(func(s *RoomStatus) { s.Voice = StatusOK })
		}
	}

	if !token.Valid() {
		rc.Leave()
		return nil, context.Canceled
	}
	return rc, nil
}

// Leave tears the connection down in reverse join order: voice links and
// capture, then the chat channel, then the presence record. Idempotent.
func (rc *RoomConn) Leave() {
	rc.mu.Lock()
	if rc.left {
		rc.mu.Unlock()
		return
	}
	rc.left = true
	rc.mu.Unlock()

	rc.guard.Bump()

	if rc.Voice != nil {
		rc.Voice.Leave()
	}
	if rc.Chat != nil {
		rc.Chat.Leave()
	}
	_ = rc.client.LeaveRoom(context.Background(), rc.roomID, rc.me.UID)

	rc.setStatus(func(s *RoomStatus) {
		s.Presence = StatusIdle
		s.Chat = StatusIdle
		s.Voice = StatusIdle
	})
}
