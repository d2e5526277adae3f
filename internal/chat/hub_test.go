package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/presence"
	"github.com/axelrubianes-glitch/ChatTeam/internal/store"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

// recorderConn captures everything the hub writes to one session.
type recorderConn struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func (c *recorderConn) WriteEnvelope(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *recorderConn) byType(msgType string) []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Envelope
	for _, env := range c.envs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (c *recorderConn) lastAck(t *testing.T) wire.RoomAck {
	t.Helper()
	acks := c.byType(wire.TypeRoomAck)
	if len(acks) == 0 {
		t.Fatal("no ack received")
	}
	var ack wire.RoomAck
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatal(err)
	}
	return ack
}

func newTestHub(t *testing.T, roomIDs ...string) *Hub {
	t.Helper()
	pm := presence.NewManager(store.NewMemoryStore(), zerolog.Nop())
	for _, id := range roomIDs {
		if err := pm.CreateRoom(context.Background(), id, models.Participant{UID: "host"}); err != nil {
			t.Fatal(err)
		}
	}
	return NewHub(pm, zerolog.Nop())
}

func joinEnvelope(roomID, uid string) wire.Envelope {
	return wire.NewEnvelope(wire.TypeRoomJoin, wire.RoomJoin{
		RoomID: roomID,
		User:   wire.User{UID: uid, Name: uid},
	})
}

func mustJoin(t *testing.T, h *Hub, roomID, uid string) (*Session, *recorderConn) {
	t.Helper()
	conn := &recorderConn{}
	sess := h.NewSession(conn)
	sess.Handle(context.Background(), joinEnvelope(roomID, uid))
	if ack := conn.lastAck(t); !ack.OK {
		t.Fatalf("join of %s failed: %s", uid, ack.Error)
	}
	return sess, conn
}

func TestJoinAckCarriesCount(t *testing.T) {
	h := newTestHub(t, "standup")

	_, conn1 := mustJoin(t, h, "standup", "alice")
	if ack := conn1.lastAck(t); ack.Count != 1 {
		t.Fatalf("expected count 1, got %d", ack.Count)
	}

	_, conn2 := mustJoin(t, h, "standup", "bob")
	if ack := conn2.lastAck(t); ack.Count != 2 {
		t.Fatalf("expected count 2, got %d", ack.Count)
	}
}

func TestJoinMalformedPayload(t *testing.T) {
	h := newTestHub(t, "standup")
	conn := &recorderConn{}
	sess := h.NewSession(conn)

	sess.Handle(context.Background(), wire.Envelope{Type: wire.TypeRoomJoin, Payload: []byte("{")})
	if ack := conn.lastAck(t); ack.OK || ack.Error != wire.ErrCodeBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %+v", ack)
	}
}

func TestJoinMissingFields(t *testing.T) {
	h := newTestHub(t, "standup")

	for _, req := range []wire.RoomJoin{
		{RoomID: "", User: wire.User{UID: "alice"}},
		{RoomID: "standup", User: wire.User{UID: ""}},
		{RoomID: "   ", User: wire.User{UID: "alice"}},
	} {
		conn := &recorderConn{}
		sess := h.NewSession(conn)
		sess.Handle(context.Background(), wire.NewEnvelope(wire.TypeRoomJoin, req))
		if ack := conn.lastAck(t); ack.OK || ack.Error != wire.ErrCodeBadRequest {
			t.Fatalf("expected BAD_REQUEST for %+v, got %+v", req, ack)
		}
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	h := newTestHub(t)
	conn := &recorderConn{}
	sess := h.NewSession(conn)

	sess.Handle(context.Background(), joinEnvelope("nope", "alice"))
	if ack := conn.lastAck(t); ack.OK || ack.Error != wire.ErrCodeRoomNotFound {
		t.Fatalf("expected ROOM_NOT_FOUND, got %+v", ack)
	}
}

func TestJoinEndedRoom(t *testing.T) {
	h := newTestHub(t, "standup")
	ctx := context.Background()

	// Drain the presence record so the room ends.
	if err := h.presence.Join(ctx, "standup", models.Participant{UID: "host"}); err != nil {
		t.Fatal(err)
	}
	if err := h.presence.Leave(ctx, "standup", "host"); err != nil {
		t.Fatal(err)
	}

	conn := &recorderConn{}
	sess := h.NewSession(conn)
	sess.Handle(ctx, joinEnvelope("standup", "alice"))
	if ack := conn.lastAck(t); ack.OK || ack.Error != wire.ErrCodeRoomNotFound {
		t.Fatalf("expected ROOM_NOT_FOUND for ended room, got %+v", ack)
	}
}

func TestRoomCapacity(t *testing.T) {
	h := newTestHub(t, "standup")

	sessions := make([]*Session, RoomCapacity)
	for i := range sessions {
		sessions[i], _ = mustJoin(t, h, "standup", fmt.Sprintf("user-%02d", i))
	}

	conn := &recorderConn{}
	over := h.NewSession(conn)
	over.Handle(context.Background(), joinEnvelope("standup", "overflow"))
	if ack := conn.lastAck(t); ack.OK || ack.Error != wire.ErrCodeRoomFull {
		t.Fatalf("expected ROOM_FULL at capacity, got %+v", ack)
	}

	// A leave frees the slot immediately.
	sessions[0].Leave()
	over.Handle(context.Background(), joinEnvelope("standup", "overflow"))
	if ack := conn.lastAck(t); !ack.OK {
		t.Fatalf("expected join to succeed after a leave, got %+v", ack)
	}
	if got := h.occupancy("standup"); got != RoomCapacity {
		t.Fatalf("expected occupancy %d, got %d", RoomCapacity, got)
	}
}

func TestRejoinSameRoomIdempotent(t *testing.T) {
	h := newTestHub(t, "standup")
	sess, conn := mustJoin(t, h, "standup", "alice")

	sess.Handle(context.Background(), joinEnvelope("standup", "alice"))
	if ack := conn.lastAck(t); !ack.OK || ack.Count != 1 {
		t.Fatalf("re-join of the same room should ack ok with count 1, got %+v", ack)
	}
}

func TestRoomSwitchRejected(t *testing.T) {
	h := newTestHub(t, "standup", "retro")
	sess, conn := mustJoin(t, h, "standup", "alice")

	sess.Handle(context.Background(), joinEnvelope("retro", "alice"))
	if ack := conn.lastAck(t); ack.OK || ack.Error != wire.ErrCodeBadRequest {
		t.Fatalf("switching rooms on a live session must be rejected, got %+v", ack)
	}
}

func TestBroadcastOrderAndNoEcho(t *testing.T) {
	h := newTestHub(t, "standup")
	sender, senderConn := mustJoin(t, h, "standup", "alice")
	_, receiverConn := mustJoin(t, h, "standup", "bob")

	for i := 0; i < 5; i++ {
		sender.Handle(context.Background(), wire.NewEnvelope(wire.TypeChatSend, wire.ChatSend{
			RoomID: "standup",
			Text:   fmt.Sprintf("message %d", i),
		}))
	}

	got := receiverConn.byType(wire.TypeChatMessage)
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i, env := range got {
		var msg models.ChatMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("message %d", i); msg.Text != want {
			t.Fatalf("out of order at %d: expected %q, got %q", i, want, msg.Text)
		}
		if msg.UID != "alice" || msg.ID == "" || msg.Timestamp == 0 {
			t.Fatalf("incomplete message attribution: %+v", msg)
		}
	}

	if echoes := senderConn.byType(wire.TypeChatMessage); len(echoes) != 0 {
		t.Fatalf("sender must not receive its own messages, got %d", len(echoes))
	}
}

// A session's own ack must reach its connection before any chat:message the
// room fans out while the join is in flight.
func TestJoinAckPrecedesBroadcasts(t *testing.T) {
	h := newTestHub(t, "standup")
	sender, _ := mustJoin(t, h, "standup", "sender")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			sender.Handle(context.Background(), wire.NewEnvelope(wire.TypeChatSend, wire.ChatSend{
				RoomID: "standup",
				Text:   fmt.Sprintf("burst %d", i),
			}))
		}
	}()

	for i := 0; i < 40; i++ {
		sess, conn := mustJoin(t, h, "standup", fmt.Sprintf("u%d", i))

		conn.mu.Lock()
		first := conn.envs[0].Type
		conn.mu.Unlock()
		if first != wire.TypeRoomAck {
			t.Fatalf("join %d: first envelope on the wire was %s, want %s", i, first, wire.TypeRoomAck)
		}

		sess.Leave()
	}

	close(stop)
	wg.Wait()
}

func TestNoCrossRoomDelivery(t *testing.T) {
	h := newTestHub(t, "standup", "retro")
	sender, _ := mustJoin(t, h, "standup", "alice")
	_, otherConn := mustJoin(t, h, "retro", "bob")

	sender.Handle(context.Background(), wire.NewEnvelope(wire.TypeChatSend, wire.ChatSend{
		RoomID: "standup",
		Text:   "hello",
	}))

	if got := otherConn.byType(wire.TypeChatMessage); len(got) != 0 {
		t.Fatalf("message leaked across rooms: %d envelopes", len(got))
	}
}

func TestSendBeforeJoin(t *testing.T) {
	h := newTestHub(t, "standup")
	conn := &recorderConn{}
	sess := h.NewSession(conn)

	sess.Handle(context.Background(), wire.NewEnvelope(wire.TypeChatSend, wire.ChatSend{
		RoomID: "standup",
		Text:   "too early",
	}))
	if errs := conn.byType(wire.TypeRoomError); len(errs) != 1 {
		t.Fatalf("expected one room:error, got %d", len(errs))
	}
}

func TestSendValidation(t *testing.T) {
	h := newTestHub(t, "standup")
	sess, conn := mustJoin(t, h, "standup", "alice")
	_, receiverConn := mustJoin(t, h, "standup", "bob")

	long := make([]byte, MaxMessageLen+1)
	for i := range long {
		long[i] = 'x'
	}
	for _, req := range []wire.ChatSend{
		{RoomID: "standup", Text: ""},
		{RoomID: "standup", Text: string(long)},
		{RoomID: "retro", Text: "wrong room"},
	} {
		sess.Handle(context.Background(), wire.NewEnvelope(wire.TypeChatSend, req))
	}

	if got := receiverConn.byType(wire.TypeChatMessage); len(got) != 0 {
		t.Fatalf("invalid sends must not broadcast, got %d", len(got))
	}
	if errs := conn.byType(wire.TypeRoomError); len(errs) != 3 {
		t.Fatalf("expected 3 room:error responses, got %d", len(errs))
	}
}

func TestUsersSnapshotOnJoinAndLeave(t *testing.T) {
	h := newTestHub(t, "standup")
	_, conn1 := mustJoin(t, h, "standup", "alice")
	bob, _ := mustJoin(t, h, "standup", "bob")

	snaps := conn1.byType(wire.TypeRoomUsers)
	if len(snaps) < 2 {
		t.Fatalf("expected a snapshot per membership change, got %d", len(snaps))
	}
	var last wire.RoomUsers
	if err := json.Unmarshal(snaps[len(snaps)-1].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if len(last.Users) != 2 {
		t.Fatalf("expected 2 users in snapshot, got %d", len(last.Users))
	}

	bob.Leave()
	snaps = conn1.byType(wire.TypeRoomUsers)
	if err := json.Unmarshal(snaps[len(snaps)-1].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if len(last.Users) != 1 || last.Users[0].UID != "alice" {
		t.Fatalf("expected only alice after bob left, got %+v", last.Users)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newTestHub(t, "standup")
	sess, _ := mustJoin(t, h, "standup", "alice")

	sess.Close()
	sess.Close()
	if got := h.occupancy("standup"); got != 0 {
		t.Fatalf("expected empty room after close, got %d", got)
	}
}

func TestUnknownTypeAnsweredWithError(t *testing.T) {
	h := newTestHub(t, "standup")
	conn := &recorderConn{}
	sess := h.NewSession(conn)

	sess.Handle(context.Background(), wire.Envelope{Type: "bogus:type"})
	if errs := conn.byType(wire.TypeRoomError); len(errs) != 1 {
		t.Fatalf("expected one room:error, got %d", len(errs))
	}
}
