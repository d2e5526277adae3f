package chatteam

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
)

func TestShouldInitiate(t *testing.T) {
	cases := []struct {
		local, remote string
		want          bool
	}{
		{"alice", "bob", true},
		{"bob", "alice", false},
		{"a", "ab", true},
		{"ab", "a", false},
		{"u1", "u2", true},
		{"u2", "u1", false},
	}
	for _, c := range cases {
		if got := ShouldInitiate(c.local, c.remote); got != c.want {
			t.Fatalf("ShouldInitiate(%q, %q) = %v, want %v", c.local, c.remote, got, c.want)
		}
	}

	// Exactly one side of every pair initiates.
	uids := []string{"alice", "bob", "carol", "dave"}
	for _, a := range uids {
		for _, b := range uids {
			if a == b {
				continue
			}
			if ShouldInitiate(a, b) == ShouldInitiate(b, a) {
				t.Fatalf("pair (%q, %q) must have exactly one initiator", a, b)
			}
		}
	}
}

func joinVoiceSession(t *testing.T, c *Client, board *LoopbackBoard, roomID, uid string) *VoiceSession {
	t.Helper()
	sess := c.NewVoiceSession(roomID, User{UID: uid, Name: uid}, board.NewEndpoint())
	if err := sess.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	return sess
}

func sortedLinks(s *VoiceSession) []string {
	links := s.Links()
	sort.Strings(links)
	return links
}

func TestVoiceMeshThreePeers(t *testing.T) {
	c := newTestServer(t)
	board := NewLoopbackBoard()

	// Join out of lexicographic order; the mesh must still converge with one
	// link per pair.
	carol := joinVoiceSession(t, c, board, "standup", "carol")
	defer carol.Leave()
	alice := joinVoiceSession(t, c, board, "standup", "alice")
	defer alice.Leave()
	bob := joinVoiceSession(t, c, board, "standup", "bob")
	defer bob.Leave()

	sessions := map[string]*VoiceSession{"alice": alice, "bob": bob, "carol": carol}
	for uid, sess := range sessions {
		want := make([]string, 0, 2)
		for other := range sessions {
			if other != uid {
				want = append(want, other)
			}
		}
		sort.Strings(want)
		waitFor(t, 3*time.Second, func() bool {
			got := sortedLinks(sess)
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		}, uid+" never linked to both peers")
	}

	// Peer discovery converged too.
	for uid, sess := range sessions {
		if got := len(sess.Peers()); got != 2 {
			t.Fatalf("%s expected 2 known peers, got %d", uid, got)
		}
	}
}

func TestVoiceMutePropagation(t *testing.T) {
	c := newTestServer(t)
	board := NewLoopbackBoard()

	alice := joinVoiceSession(t, c, board, "standup", "alice")
	defer alice.Leave()
	bob := joinVoiceSession(t, c, board, "standup", "bob")
	defer bob.Leave()

	waitFor(t, 3*time.Second, func() bool {
		return len(bob.Peers()) == 1
	}, "bob never discovered alice")

	if err := alice.SetMuted(true); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		st, ok := bob.State("alice")
		return ok && st.Muted
	}, "bob never saw alice mute")

	// Local view flips immediately.
	if st, ok := alice.State("alice"); !ok || !st.Muted {
		t.Fatal("alice's own state should reflect the mute")
	}

	if err := alice.SetMuted(false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		st, ok := bob.State("alice")
		return ok && !st.Muted
	}, "bob never saw alice unmute")
}

func TestVoiceLeaveTearsDownLinks(t *testing.T) {
	c := newTestServer(t)
	board := NewLoopbackBoard()

	alice := joinVoiceSession(t, c, board, "standup", "alice")
	defer alice.Leave()
	bob := joinVoiceSession(t, c, board, "standup", "bob")

	waitFor(t, 3*time.Second, func() bool {
		return len(sortedLinks(alice)) == 1 && len(sortedLinks(bob)) == 1
	}, "mesh never formed")

	bob.Leave()

	waitFor(t, 3*time.Second, func() bool {
		return len(alice.Links()) == 0 && len(alice.Peers()) == 0
	}, "alice kept state for the departed peer")
	if len(bob.Links()) != 0 {
		t.Fatal("leave must clear the local link table")
	}
}

func TestVoiceMediaFailureAbortsJoin(t *testing.T) {
	c := newTestServer(t)
	board := NewLoopbackBoard()

	alice := joinVoiceSession(t, c, board, "standup", "alice")
	defer alice.Leave()

	endpoint := board.NewEndpoint()
	endpoint.FailCapture(&MediaError{Reason: ReasonPermissionDenied, Err: errors.New("denied by user")})

	bob := c.NewVoiceSession("standup", User{UID: "bob"}, endpoint)
	err := bob.Join(context.Background())

	var me *MediaError
	if !errors.As(err, &me) {
		t.Fatalf("expected MediaError, got %v", err)
	}
	if me.Reason != ReasonPermissionDenied {
		t.Fatalf("expected permission denial, got %s", me.Reason)
	}

	// Nothing was registered: alice must never learn about bob.
	time.Sleep(100 * time.Millisecond)
	if got := len(alice.Peers()); got != 0 {
		t.Fatalf("failed join leaked a registration, alice sees %d peers", got)
	}
}

func TestVoiceRejoinMintsFreshPeerID(t *testing.T) {
	c := newTestServer(t)
	board := NewLoopbackBoard()

	bob := joinVoiceSession(t, c, board, "standup", "bob")
	defer bob.Leave()
	alice := joinVoiceSession(t, c, board, "standup", "alice")

	var first string
	waitFor(t, 3*time.Second, func() bool {
		for _, p := range bob.Peers() {
			if p.UID == "alice" {
				first = p.PeerID
				return true
			}
		}
		return false
	}, "bob never discovered alice")
	if first == "" || first == "alice" {
		t.Fatalf("peer id must be a minted session identity, got %q", first)
	}

	alice.Leave()
	waitFor(t, 3*time.Second, func() bool {
		return len(bob.Peers()) == 0
	}, "bob never saw alice leave")

	alice = joinVoiceSession(t, c, board, "standup", "alice")
	defer alice.Leave()

	var second string
	waitFor(t, 3*time.Second, func() bool {
		for _, p := range bob.Peers() {
			if p.UID == "alice" {
				second = p.PeerID
				return true
			}
		}
		return false
	}, "bob never discovered alice's second session")
	if second == first {
		t.Fatalf("rejoin must mint a new peer id, got %q twice", second)
	}
}

func TestVoiceStateAccessors(t *testing.T) {
	var s VoiceSession
	s.peers = map[string]models.VoicePeer{"alice": {UID: "alice", PeerID: "p1"}}
	s.states = map[string]models.VoiceState{"alice": {Muted: true}}
	s.links = map[string]Link{}

	if st, ok := s.State("alice"); !ok || !st.Muted {
		t.Fatal("State lookup failed")
	}
	if _, ok := s.State("ghost"); ok {
		t.Fatal("unknown uid should miss")
	}
	if got := len(s.Peers()); got != 1 {
		t.Fatalf("expected 1 peer, got %d", got)
	}
}
