package voice

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/axelrubianes-glitch/ChatTeam/internal/metrics"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

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

func joinVoice(t *testing.T, h *Hub, roomID, uid string) (*Session, *recorderConn, wire.VoiceAck) {
	t.Helper()
	conn := &recorderConn{}
	sess := h.NewSession(conn)
	sess.Handle(wire.NewEnvelope(wire.TypeVoiceJoin, wire.VoiceJoin{
		RoomID: roomID,
		UID:    uid,
		Name:   uid,
		PeerID: "peer-" + uid,
	}))

	acks := conn.byType(wire.TypeVoiceAck)
	if len(acks) == 0 {
		t.Fatal("no ack received")
	}
	var ack wire.VoiceAck
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatal(err)
	}
	return sess, conn, ack
}

func TestJoinAckListsExistingPeers(t *testing.T) {
	h := NewHub(zerolog.Nop())

	_, _, ack := joinVoice(t, h, "standup", "alice")
	if !ack.OK || len(ack.Peers) != 0 {
		t.Fatalf("first peer should see an empty room, got %+v", ack)
	}

	_, _, ack = joinVoice(t, h, "standup", "bob")
	if !ack.OK || len(ack.Peers) != 1 {
		t.Fatalf("second peer should see one peer, got %+v", ack)
	}
	if ack.Peers[0].UID != "alice" || ack.Peers[0].PeerID != "peer-alice" {
		t.Fatalf("unexpected peer in ack: %+v", ack.Peers[0])
	}
}

func TestJoinValidation(t *testing.T) {
	h := NewHub(zerolog.Nop())

	for _, req := range []wire.VoiceJoin{
		{RoomID: "", UID: "alice", PeerID: "p"},
		{RoomID: "standup", UID: "", PeerID: "p"},
		{RoomID: "standup", UID: "alice", PeerID: ""},
	} {
		conn := &recorderConn{}
		sess := h.NewSession(conn)
		sess.Handle(wire.NewEnvelope(wire.TypeVoiceJoin, req))

		acks := conn.byType(wire.TypeVoiceAck)
		if len(acks) != 1 {
			t.Fatalf("expected one ack for %+v", req)
		}
		var ack wire.VoiceAck
		if err := json.Unmarshal(acks[0].Payload, &ack); err != nil {
			t.Fatal(err)
		}
		if ack.OK || ack.Error != wire.ErrCodeBadRequest {
			t.Fatalf("expected BAD_REQUEST for %+v, got %+v", req, ack)
		}
	}
}

func TestJoinAnnouncedToRoom(t *testing.T) {
	h := NewHub(zerolog.Nop())
	_, aliceConn, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "standup", "bob")

	joined := aliceConn.byType(wire.TypeVoiceUserJoined)
	if len(joined) != 1 {
		t.Fatalf("expected one user-joined at alice, got %d", len(joined))
	}
	var peer struct {
		UID    string `json:"uid"`
		PeerID string `json:"peer_id"`
	}
	if err := json.Unmarshal(joined[0].Payload, &peer); err != nil {
		t.Fatal(err)
	}
	if peer.UID != "bob" || peer.PeerID != "peer-bob" {
		t.Fatalf("unexpected announcement: %+v", peer)
	}

	// The joiner itself gets no echo.
	if got := bobConn.byType(wire.TypeVoiceUserJoined); len(got) != 0 {
		t.Fatalf("joiner must not see its own announcement, got %d", len(got))
	}
}

func TestLeaveAnnouncedToRoom(t *testing.T) {
	h := NewHub(zerolog.Nop())
	_, aliceConn, _ := joinVoice(t, h, "standup", "alice")
	bob, _, _ := joinVoice(t, h, "standup", "bob")

	bob.Leave()
	left := aliceConn.byType(wire.TypeVoiceUserLeft)
	if len(left) != 1 {
		t.Fatalf("expected one user-left at alice, got %d", len(left))
	}
	var gone struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(left[0].Payload, &gone); err != nil {
		t.Fatal(err)
	}
	if gone.UID != "bob" {
		t.Fatalf("expected bob to leave, got %q", gone.UID)
	}

	// Leave is idempotent.
	bob.Leave()
	if got := aliceConn.byType(wire.TypeVoiceUserLeft); len(got) != 1 {
		t.Fatalf("second leave must not re-announce, got %d", len(got))
	}
}

func TestStateRelay(t *testing.T) {
	h := NewHub(zerolog.Nop())
	alice, aliceConn, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "standup", "bob")

	alice.Handle(wire.NewEnvelope(wire.TypeVoiceState, wire.VoiceState{
		RoomID: "standup",
		UID:    "alice",
		Muted:  true,
	}))

	states := bobConn.byType(wire.TypeVoiceState)
	if len(states) != 1 {
		t.Fatalf("expected one state relay at bob, got %d", len(states))
	}
	var st wire.VoiceState
	if err := json.Unmarshal(states[0].Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.UID != "alice" || !st.Muted {
		t.Fatalf("unexpected relayed state: %+v", st)
	}
	if got := aliceConn.byType(wire.TypeVoiceState); len(got) != 0 {
		t.Fatalf("state must not echo to its sender, got %d", len(got))
	}
}

func TestStateSpoofDropped(t *testing.T) {
	h := NewHub(zerolog.Nop())
	alice, _, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "standup", "bob")

	// A session may only report its own uid.
	alice.Handle(wire.NewEnvelope(wire.TypeVoiceState, wire.VoiceState{
		RoomID: "standup",
		UID:    "bob",
		Muted:  true,
	}))
	if got := bobConn.byType(wire.TypeVoiceState); len(got) != 0 {
		t.Fatalf("spoofed state must be dropped, got %d", len(got))
	}
}

func TestSignalRelayTargeted(t *testing.T) {
	h := NewHub(zerolog.Nop())
	alice, _, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "standup", "bob")
	_, carolConn, _ := joinVoice(t, h, "standup", "carol")

	alice.Handle(wire.NewEnvelope(wire.TypePeerSignal, wire.PeerSignal{
		RoomID: "standup",
		From:   "alice",
		To:     "bob",
		Data:   json.RawMessage(`{"kind":"offer","sdp":"v=0"}`),
	}))

	sigs := bobConn.byType(wire.TypePeerSignal)
	if len(sigs) != 1 {
		t.Fatalf("expected one signal at bob, got %d", len(sigs))
	}
	var sig wire.PeerSignal
	if err := json.Unmarshal(sigs[0].Payload, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.From != "alice" || sig.To != "bob" || string(sig.Data) != `{"kind":"offer","sdp":"v=0"}` {
		t.Fatalf("unexpected relayed signal: %+v", sig)
	}

	if got := carolConn.byType(wire.TypePeerSignal); len(got) != 0 {
		t.Fatalf("signal must reach only its target, got %d at carol", len(got))
	}
}

func TestSignalSpoofDropped(t *testing.T) {
	h := NewHub(zerolog.Nop())
	alice, _, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "standup", "bob")

	alice.Handle(wire.NewEnvelope(wire.TypePeerSignal, wire.PeerSignal{
		RoomID: "standup",
		From:   "carol",
		To:     "bob",
		Data:   json.RawMessage(`{}`),
	}))
	if got := bobConn.byType(wire.TypePeerSignal); len(got) != 0 {
		t.Fatalf("spoofed signal must be dropped, got %d", len(got))
	}
}

func TestRejoinReplacesSession(t *testing.T) {
	h := NewHub(zerolog.Nop())
	old, _, _ := joinVoice(t, h, "standup", "alice")
	_, newConn, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "standup", "bob")

	// The superseded session's leave must not evict the live registration.
	old.Leave()
	if got := bobConn.byType(wire.TypeVoiceUserLeft); len(got) != 0 {
		t.Fatalf("stale session leave must not announce, got %d", len(got))
	}

	// The live session still receives room traffic.
	bobSess := h.lookup("standup", "bob")
	if bobSess == nil {
		t.Fatal("bob should still be registered")
	}
	if got := newConn.byType(wire.TypeVoiceUserJoined); len(got) != 1 {
		t.Fatalf("live session should have seen bob join, got %d", len(got))
	}
}

func TestRejoinReleasesGaugeShare(t *testing.T) {
	h := NewHub(zerolog.Nop())
	base := testutil.ToFloat64(metrics.VoicePeersActive)

	stale, _, _ := joinVoice(t, h, "standup", "alice")
	live, _, _ := joinVoice(t, h, "standup", "alice")

	if got := testutil.ToFloat64(metrics.VoicePeersActive); got != base+1 {
		t.Fatalf("gauge after rejoin = %v, want %v", got, base+1)
	}

	// The superseded session's leave is a no-op for the gauge too.
	stale.Leave()
	if got := testutil.ToFloat64(metrics.VoicePeersActive); got != base+1 {
		t.Fatalf("gauge after stale leave = %v, want %v", got, base+1)
	}

	live.Leave()
	if got := testutil.ToFloat64(metrics.VoicePeersActive); got != base {
		t.Fatalf("gauge after live leave = %v, want %v", got, base)
	}
}

func TestNoCrossRoomSignaling(t *testing.T) {
	h := NewHub(zerolog.Nop())
	alice, _, _ := joinVoice(t, h, "standup", "alice")
	_, bobConn, _ := joinVoice(t, h, "retro", "bob")

	alice.Handle(wire.NewEnvelope(wire.TypePeerSignal, wire.PeerSignal{
		RoomID: "standup",
		From:   "alice",
		To:     "bob",
		Data:   json.RawMessage(`{}`),
	}))
	if got := bobConn.byType(wire.TypePeerSignal); len(got) != 0 {
		t.Fatalf("signal crossed rooms, got %d", len(got))
	}
}
