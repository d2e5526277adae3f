package chatteam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axelrubianes-glitch/ChatTeam/internal/guard"
	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

// ChatState is the session's position in the join protocol.
type ChatState int

const (
	ChatDisconnected ChatState = iota
	ChatJoining
	ChatJoined
)

// JoinError is a typed chat join rejection.
type JoinError struct {
	Code string // wire.ErrCodeBadRequest, ErrCodeRoomFull, ErrCodeRoomNotFound
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("chat join rejected: %s", e.Code)
}

// Retryable reports whether polling with backoff may succeed. Only
// ROOM_NOT_FOUND qualifies, and only for callers that are not the designated
// creator (the creator must run CreateRoom instead).
func (e *JoinError) Retryable() bool {
	return e.Code == wire.ErrCodeRoomNotFound
}

// ChatSession runs the per-connection chat protocol: Disconnected → Joining →
// Joined, message fan-in, and explicit leave. One session joins one room.
type ChatSession struct {
	client *Client
	roomID string
	me     User

	// OnMessage receives broadcast messages while joined.
	OnMessage func(models.ChatMessage)
	// OnUsers receives the occupancy snapshot after joins and leaves.
	OnUsers func([]User)

	guard guard.Guard

	mu      sync.Mutex
	state   ChatState
	conn    *websocket.Conn
	writeMu sync.Mutex
	ack     chan wire.RoomAck
	done    chan struct{}
}

// NewChatSession prepares a session for one room. Nothing connects until Join.
func (c *Client) NewChatSession(roomID string, me User) *ChatSession {
	return &ChatSession{client: c, roomID: roomID, me: me}
}

// State returns the current protocol state.
func (s *ChatSession) State() ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join connects the transport, sends the join request, and waits for the
// single acknowledgment. Re-invoking Join supersedes any in-flight attempt
// via the generation guard: a stale ack or disconnect continuation is
// discarded silently.
func (s *ChatSession) Join(ctx context.Context, create bool) (int, error) {
	token := s.guard.Begin()

	s.teardown()

	conn, err := s.client.dial(ctx, s.roomID, "chat")
	if err != nil {
		return 0, err
	}

	ack := make(chan wire.RoomAck, 1)
	done := make(chan struct{})

	s.mu.Lock()
	if !token.Valid() {
		s.mu.Unlock()
		conn.Close()
		return 0, context.Canceled
	}
	s.state = ChatJoining
	s.conn = conn
	s.ack = ack
	s.done = done
	s.mu.Unlock()

	go s.readLoop(conn, token, ack, done)

	if err := s.write(wire.NewEnvelope(wire.TypeRoomJoin, wire.RoomJoin{
		RoomID: s.roomID,
		User:   s.client.user(s.me),
		Create: create,
	})); err != nil {
		s.teardown()
		return 0, err
	}

	select {
	case <-ctx.Done():
		s.teardown()
		return 0, ctx.Err()
	case <-done:
		return 0, errors.New("connection closed during join")
	case res := <-ack:
		if !token.Valid() {
			return 0, context.Canceled
		}
		if !res.OK {
			s.teardown()
			return 0, &JoinError{Code: res.Error}
		}
		s.mu.Lock()
		s.state = ChatJoined
		s.mu.Unlock()
		return res.Count, nil
	}
}

// JoinWithRetry polls Join with linear backoff while the rejection stays
// retryable. For the non-creator path waiting on a room that is about to be
// created.
func (s *ChatSession) JoinWithRetry(ctx context.Context, attempts int, backoff time.Duration) (int, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		count, err := s.Join(ctx, false)
		if err == nil {
			return count, nil
		}
		lastErr = err

		var je *JoinError
		if !errors.As(err, &je) || !je.Retryable() {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(i+1) * backoff):
		}
	}
	return 0, lastErr
}

// Send broadcasts a message to the other joined sessions of the room.
func (s *ChatSession) Send(text string) error {
	s.mu.Lock()
	joined := s.state == ChatJoined
	s.mu.Unlock()
	if !joined {
		return errors.New("send before join")
	}
	return s.write(wire.NewEnvelope(wire.TypeChatSend, wire.ChatSend{
		RoomID: s.roomID,
		Text:   text,
		User:   s.client.user(s.me),
	}))
}

// Leave tells the server to free the session's capacity immediately and
// disconnects. Idempotent.
func (s *ChatSession) Leave() {
	s.mu.Lock()
	joined := s.state == ChatJoined
	s.mu.Unlock()
	if joined {
		_ = s.write(wire.NewEnvelope(wire.TypeRoomLeave, wire.RoomLeave{
			RoomID: s.roomID,
			UID:    s.me.UID,
		}))
	}
	s.guard.Bump()
	s.teardown()
}

// Close is an alias for Leave so sessions satisfy io.Closer-style cleanup.
func (s *ChatSession) Close() {
	s.Leave()
}

func (s *ChatSession) write(env wire.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (s *ChatSession) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = ChatDisconnected
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// readLoop dispatches inbound envelopes until the connection drops. Every
// callback is gated on the generation token so a superseded connection can
// never mutate session state.
func (s *ChatSession) readLoop(conn *websocket.Conn, token guard.Token, ack chan wire.RoomAck, done chan struct{}) {
	defer close(done)
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if token.Valid() {
				// Transport drop from Joined silently returns the session
				// to Disconnected.
				s.mu.Lock()
				if s.conn == conn {
					s.conn = nil
					s.state = ChatDisconnected
				}
				s.mu.Unlock()
			}
			return
		}
		if !token.Valid() {
			return
		}

		switch env.Type {
		case wire.TypeRoomAck:
			var res wire.RoomAck
			if json.Unmarshal(env.Payload, &res) == nil {
				select {
				case ack <- res:
				default:
				}
			}
		case wire.TypeChatMessage:
			if s.OnMessage == nil {
				continue
			}
			var msg models.ChatMessage
			if json.Unmarshal(env.Payload, &msg) == nil {
				s.OnMessage(msg)
			}
		case wire.TypeRoomUsers:
			if s.OnUsers == nil {
				continue
			}
			var users wire.RoomUsers
			if json.Unmarshal(env.Payload, &users) == nil {
				out := make([]User, len(users.Users))
				for i, u := range users.Users {
					out[i] = User{UID: u.UID, Name: u.Name}
				}
				s.OnUsers(out)
			}
		}
	}
}
