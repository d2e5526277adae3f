package chatteam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/axelrubianes-glitch/ChatTeam/internal/guard"
	"github.com/axelrubianes-glitch/ChatTeam/internal/models"
	"github.com/axelrubianes-glitch/ChatTeam/internal/wire"
)

// ShouldInitiate decides which side of a pair opens the media link: the
// identity that compares less under lexicographic order initiates, the other
// side only answers. Pure and order-independent, so two endpoints can apply
// it concurrently without coordination and exactly one of them calls.
func ShouldInitiate(localUID, remoteUID string) bool {
	return localUID < remoteUID
}

// SignalingEndpoint is implemented by endpoints that negotiate links over the
// room's signaling channel (the webrtc endpoint). The session relays opaque
// peer:signal payloads both ways.
type SignalingEndpoint interface {
	Endpoint
	BindSignaling(send func(toUID string, data json.RawMessage) error)
	HandleSignal(fromUID string, data json.RawMessage)
}

// VoiceSession coordinates one participant's corner of the voice mesh: the
// known peer set, one Link per remote uid, and advisory mute/speaking state.
type VoiceSession struct {
	client   *Client
	roomID   string
	me       User
	endpoint Endpoint

	// OnState fires when a remote peer's advisory state changes.
	OnState func(uid string, state models.VoiceState)
	// OnSpeaking fires on local speech-detection transitions, for any uid.
	OnSpeaking func(uid string, speaking bool)

	guard guard.Guard

	mu      sync.Mutex
	joined  bool
	conn    *websocket.Conn
	writeMu sync.Mutex
	stream  LocalStream
	peers   map[string]models.VoicePeer // keyed by uid
	links   map[string]Link             // keyed by uid
	states  map[string]models.VoiceState

	detector *SpeakingDetector
}

// NewVoiceSession prepares a voice session for one room over the given media
// endpoint. Nothing connects until Join.
func (c *Client) NewVoiceSession(roomID string, me User, endpoint Endpoint) *VoiceSession {
	return &VoiceSession{
		client:   c,
		roomID:   roomID,
		me:       me,
		endpoint: endpoint,
		peers:    make(map[string]models.VoicePeer),
		links:    make(map[string]Link),
		states:   make(map[string]models.VoiceState),
	}
}

// Join runs the voice join handshake: acquire media, announce the endpoint,
// and receive the current peer set. A media failure aborts before anything is
// registered; a signaling rejection disables voice for the session without
// touching chat or presence.
func (s *VoiceSession) Join(ctx context.Context) error {
	token := s.guard.Begin()

	if _, err := s.endpoint.Open(ctx, s.me.UID); err != nil {
		return err
	}
	// Endpoints are addressed by uid; the peer id is a fresh identity for
	// this voice session only, so observers can tell a rejoin from the
	// session it replaced.
	peerID := uuid.NewString()

	stream, err := s.endpoint.CaptureAudio(ctx)
	if err != nil {
		// Media failure is fatal for the attempt and must not leave a
		// half-registered endpoint behind.
		_ = s.endpoint.Close()
		return err
	}

	if !token.Valid() {
		stream.Close()
		_ = s.endpoint.Close()
		return context.Canceled
	}

	conn, err := s.client.dial(ctx, s.roomID, "voice")
	if err != nil {
		stream.Close()
		_ = s.endpoint.Close()
		return err
	}

	ack := make(chan wire.VoiceAck, 1)

	s.mu.Lock()
	s.conn = conn
	s.stream = stream
	s.mu.Unlock()

	if se, ok := s.endpoint.(SignalingEndpoint); ok {
		se.BindSignaling(s.sendSignal)
	}
	s.endpoint.OnIncomingCall(func(call IncomingCall) {
		if !token.Valid() {
			return
		}
		link, err := call.Answer(stream)
		if err != nil {
			return
		}
		s.adopt(call.From(), link)
	})

	s.startDetector()
	s.detector.AddSource(s.me.UID, stream.Level)

	go s.readLoop(conn, token, ack)

	if err := s.write(wire.NewEnvelope(wire.TypeVoiceJoin, wire.VoiceJoin{
		RoomID: s.roomID,
		UID:    s.me.UID,
		Name:   s.me.Name,
		PeerID: peerID,
	})); err != nil {
		s.teardown(false)
		return err
	}

	select {
	case <-ctx.Done():
		s.teardown(false)
		return ctx.Err()
	case res := <-ack:
		if !token.Valid() {
			return context.Canceled
		}
		if !res.OK {
			s.teardown(false)
			return fmt.Errorf("voice join rejected: %s", res.Error)
		}
		s.mu.Lock()
		s.joined = true
		for _, p := range res.Peers {
			s.peers[p.UID] = p
		}
		peers := make([]models.VoicePeer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		for _, p := range peers {
			s.maybeCall(p)
		}
		return nil
	}
}

// SetMuted toggles the local track and broadcasts the advisory flag. No
// transaction: mute is last-write-wins and self-correcting.
func (s *VoiceSession) SetMuted(muted bool) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return errors.New("voice not joined")
	}
	s.stream.SetEnabled(!muted)
	st := s.states[s.me.UID]
	st.Muted = muted
	s.states[s.me.UID] = st
	s.mu.Unlock()

	return s.write(wire.NewEnvelope(wire.TypeVoiceState, wire.VoiceState{
		RoomID: s.roomID,
		UID:    s.me.UID,
		Muted:  muted,
	}))
}

// State returns the advisory state known for a uid.
func (s *VoiceSession) State(uid string) (models.VoiceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[uid]
	return st, ok
}

// Peers returns the currently known remote peer set.
func (s *VoiceSession) Peers() []models.VoicePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.VoicePeer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Links returns the remote uids with an established media link. Test hook
// and UI indicator.
func (s *VoiceSession) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.links))
	for uid := range s.links {
		out = append(out, uid)
	}
	return out
}

// Leave closes every link, stops capture, broadcasts the leave notice, and
// clears all voice state. Safe to invoke multiple times; disconnect and
// explicit leave may race.
func (s *VoiceSession) Leave() {
	s.guard.Bump()
	s.teardown(true)
}

func (s *VoiceSession) teardown(notify bool) {
	s.mu.Lock()
	if s.conn == nil && !s.joined && len(s.links) == 0 {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	joined := s.joined
	links := s.links
	stream := s.stream
	detector := s.detector
	s.conn = nil
	s.joined = false
	s.stream = nil
	s.detector = nil
	s.links = make(map[string]Link)
	s.peers = make(map[string]models.VoicePeer)
	s.states = make(map[string]models.VoiceState)
	s.mu.Unlock()

	for _, link := range links {
		_ = link.Close()
	}
	if stream != nil {
		stream.Close()
	}
	if detector != nil {
		detector.Stop()
	}
	if notify && joined && conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteJSON(wire.NewEnvelope(wire.TypeVoiceLeave, wire.VoiceLeave{
			RoomID: s.roomID,
			UID:    s.me.UID,
		}))
		s.writeMu.Unlock()
	}
	_ = s.endpoint.Close()
	if conn != nil {
		conn.Close()
	}
}

// maybeCall opens the link to a known peer when tie-break designates the
// local side as initiator and no link exists yet. Links are created lazily
// once both sides are known; the non-initiator waits to answer.
func (s *VoiceSession) maybeCall(peer models.VoicePeer) {
	if !ShouldInitiate(s.me.UID, peer.UID) {
		return
	}

	s.mu.Lock()
	_, exists := s.links[peer.UID]
	stream := s.stream
	s.mu.Unlock()
	if exists || stream == nil {
		return
	}

	link, err := s.endpoint.Call(peer.UID, stream)
	if err != nil {
		return
	}
	s.adopt(peer.UID, link)
}

// adopt records an established link and wires its events.
func (s *VoiceSession) adopt(uid string, link Link) {
	s.mu.Lock()
	if old, ok := s.links[uid]; ok && old != link {
		s.mu.Unlock()
		_ = old.Close()
		s.mu.Lock()
	}
	s.links[uid] = link
	detector := s.detector
	s.mu.Unlock()

	link.OnStream(func(remote RemoteStream) {
		if detector != nil {
			detector.AddSource(uid, remote.Level)
		}
	})
	link.OnClose(func() {
		s.dropPeer(uid, false)
	})
	link.OnError(func(error) {
		_ = link.Close()
	})
}

// dropPeer removes a peer's link and state.
func (s *VoiceSession) dropPeer(uid string, closeLink bool) {
	s.mu.Lock()
	link := s.links[uid]
	delete(s.links, uid)
	delete(s.peers, uid)
	delete(s.states, uid)
	detector := s.detector
	s.mu.Unlock()

	if detector != nil {
		detector.RemoveSource(uid)
	}
	if closeLink && link != nil {
		_ = link.Close()
	}
}

func (s *VoiceSession) startDetector() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detector != nil {
		return
	}
	s.detector = NewSpeakingDetector(DefaultSpeakingInterval, DefaultSpeakingThreshold, func(uid string, speaking bool) {
		s.mu.Lock()
		st := s.states[uid]
		st.Speaking = speaking
		s.states[uid] = st
		cb := s.OnSpeaking
		s.mu.Unlock()
		if cb != nil {
			cb(uid, speaking)
		}
	})
	s.detector.Start()
}

func (s *VoiceSession) sendSignal(toUID string, data json.RawMessage) error {
	return s.write(wire.NewEnvelope(wire.TypePeerSignal, wire.PeerSignal{
		RoomID: s.roomID,
		From:   s.me.UID,
		To:     toUID,
		Data:   data,
	}))
}

func (s *VoiceSession) write(env wire.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("voice not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (s *VoiceSession) readLoop(conn *websocket.Conn, token guard.Token, ack chan wire.VoiceAck) {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if !token.Valid() {
			return
		}

		switch env.Type {
		case wire.TypeVoiceAck:
			var res wire.VoiceAck
			if json.Unmarshal(env.Payload, &res) == nil {
				select {
				case ack <- res:
				default:
				}
			}
		case wire.TypeVoiceUserJoined:
			var p models.VoicePeer
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			s.mu.Lock()
			s.peers[p.UID] = p
			s.mu.Unlock()
			s.maybeCall(p)
		case wire.TypeVoiceUserLeft:
			var left struct {
				UID string `json:"uid"`
			}
			if json.Unmarshal(env.Payload, &left) == nil {
				s.dropPeer(left.UID, true)
			}
		case wire.TypeVoiceState:
			var st wire.VoiceState
			if json.Unmarshal(env.Payload, &st) != nil {
				continue
			}
			s.mu.Lock()
			cur := s.states[st.UID]
			cur.Muted = st.Muted
			s.states[st.UID] = cur
			cb := s.OnState
			s.mu.Unlock()
			if cb != nil {
				cb(st.UID, cur)
			}
		case wire.TypePeerSignal:
			se, ok := s.endpoint.(SignalingEndpoint)
			if !ok {
				continue
			}
			var sig wire.PeerSignal
			if json.Unmarshal(env.Payload, &sig) == nil {
				se.HandleSignal(sig.From, sig.Data)
			}
		}
	}
}
