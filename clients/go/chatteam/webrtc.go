package chatteam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the opaque payload relayed through peer:signal during link
// negotiation. Only the two endpoints interpret it.
type signalMessage struct {
	Kind      string                   `json:"kind"` // offer, answer, candidate
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// WebRTCOption configures a WebRTCEndpoint.
type WebRTCOption func(*WebRTCEndpoint)

// WithICEServers sets the STUN/TURN servers used for connectivity.
func WithICEServers(servers []webrtc.ICEServer) WebRTCOption {
	return func(e *WebRTCEndpoint) { e.config.ICEServers = servers }
}

// WithCapture installs the audio capture hook. The hook owns device access;
// it returns a TrackStream fed from the microphone, or a MediaError naming
// why the device is unavailable.
func WithCapture(fn func(ctx context.Context) (*TrackStream, error)) WebRTCOption {
	return func(e *WebRTCEndpoint) { e.capture = fn }
}

// WebRTCEndpoint negotiates audio links over the room's signaling channel.
// Endpoint ids are participant uids, so signals address peers directly.
type WebRTCEndpoint struct {
	config  webrtc.Configuration
	capture func(ctx context.Context) (*TrackStream, error)

	mu       sync.Mutex
	api      *webrtc.API
	localID  string
	send     func(toUID string, data json.RawMessage) error
	incoming func(IncomingCall)
	links    map[string]*webrtcLink // keyed by remote uid
	closed   bool
}

// NewWebRTCEndpoint builds an endpoint. Without WithCapture, CaptureAudio
// fails with ReasonDeviceNotFound; hosts are expected to wire their platform
// audio source in.
func NewWebRTCEndpoint(opts ...WebRTCOption) *WebRTCEndpoint {
	e := &WebRTCEndpoint{
		links: make(map[string]*webrtcLink),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open initializes the media stack. The audio-level header extension is
// registered so remote amplitude can be read from RTP without decoding.
func (e *WebRTCEndpoint) Open(ctx context.Context, localID string) (string, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return "", fmt.Errorf("register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return "", fmt.Errorf("register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return "", fmt.Errorf("register interceptors: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	e.localID = localID
	return localID, nil
}

func (e *WebRTCEndpoint) CaptureAudio(ctx context.Context) (LocalStream, error) {
	if e.capture == nil {
		return nil, &MediaError{Reason: ReasonDeviceNotFound, Err: errors.New("no capture hook installed")}
	}
	return e.capture(ctx)
}

// BindSignaling installs the outbound signal relay. Must be called before
// Call or HandleSignal.
func (e *WebRTCEndpoint) BindSignaling(send func(toUID string, data json.RawMessage) error) {
	e.mu.Lock()
	e.send = send
	e.mu.Unlock()
}

func (e *WebRTCEndpoint) OnIncomingCall(fn func(IncomingCall)) {
	e.mu.Lock()
	e.incoming = fn
	e.mu.Unlock()
}

// Call opens the initiator side of a link: offer goes out through the
// signaling relay, the link completes asynchronously when the answer and
// candidates arrive.
func (e *WebRTCEndpoint) Call(remoteID string, stream LocalStream) (Link, error) {
	ts, ok := stream.(*TrackStream)
	if !ok {
		return nil, errors.New("stream does not carry a local track")
	}

	link, pc, err := e.newLink(remoteID)
	if err != nil {
		return nil, err
	}

	if _, err := pc.AddTrack(ts.track); err != nil {
		link.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		link.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := e.signal(remoteID, signalMessage{Kind: "offer", SDP: offer.SDP}); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

// HandleSignal routes a relayed negotiation message to its link. Offers from
// unknown peers surface as incoming calls.
func (e *WebRTCEndpoint) HandleSignal(fromUID string, data json.RawMessage) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Kind {
	case "offer":
		e.handleOffer(fromUID, msg.SDP)
	case "answer":
		e.mu.Lock()
		link := e.links[fromUID]
		e.mu.Unlock()
		if link == nil {
			return
		}
		_ = link.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		})
	case "candidate":
		if msg.Candidate == nil {
			return
		}
		e.mu.Lock()
		link := e.links[fromUID]
		e.mu.Unlock()
		if link == nil {
			return
		}
		_ = link.pc.AddICECandidate(*msg.Candidate)
	}
}

func (e *WebRTCEndpoint) handleOffer(fromUID, offerSDP string) {
	e.mu.Lock()
	incoming := e.incoming
	e.mu.Unlock()
	if incoming == nil {
		return
	}

	link, pc, err := e.newLink(fromUID)
	if err != nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		link.Close()
		return
	}

	incoming(&webrtcCall{endpoint: e, link: link, from: fromUID})
}

// Close tears down every link. The endpoint cannot be reopened.
func (e *WebRTCEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	links := e.links
	e.links = make(map[string]*webrtcLink)
	e.mu.Unlock()

	for _, link := range links {
		_ = link.Close()
	}
	return nil
}

// newLink creates the peer connection shared by both call directions and
// wires candidate trickling, remote track reads, and state transitions.
func (e *WebRTCEndpoint) newLink(remoteID string) (*webrtcLink, *webrtc.PeerConnection, error) {
	e.mu.Lock()
	api := e.api
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, nil, errors.New("endpoint closed")
	}
	if api == nil {
		return nil, nil, errors.New("endpoint not open")
	}

	pc, err := api.NewPeerConnection(e.config)
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}

	link := &webrtcLink{endpoint: e, remoteID: remoteID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = e.signal(remoteID, signalMessage{Kind: "candidate", Candidate: &init})
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if t.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		var levelExt uint8
		for _, ext := range recv.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				levelExt = uint8(ext.ID)
				break
			}
		}

		remote := &rtpStream{}
		link.fireStream(remote)

		for {
			pkt, _, err := t.ReadRTP()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				continue
			}
			if levelExt == 0 {
				continue
			}
			if ext := pkt.GetExtension(levelExt); len(ext) > 0 {
				remote.setLevel(audioLevelToAmplitude(ext[0]))
			}
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			link.fireError(errors.New("peer connection failed"))
			_ = link.Close()
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			_ = link.Close()
		}
	})

	e.mu.Lock()
	if old, ok := e.links[remoteID]; ok {
		e.mu.Unlock()
		_ = old.Close()
		e.mu.Lock()
	}
	e.links[remoteID] = link
	e.mu.Unlock()

	return link, pc, nil
}

func (e *WebRTCEndpoint) signal(toUID string, msg signalMessage) error {
	e.mu.Lock()
	send := e.send
	e.mu.Unlock()
	if send == nil {
		return errors.New("signaling not bound")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return send(toUID, data)
}

func (e *WebRTCEndpoint) dropLink(link *webrtcLink) {
	e.mu.Lock()
	if e.links[link.remoteID] == link {
		delete(e.links, link.remoteID)
	}
	e.mu.Unlock()
}

// audioLevelToAmplitude converts the ssrc-audio-level extension byte
// (negative dBov, 0 loudest, 127 silence) to a linear [0, 1] amplitude.
func audioLevelToAmplitude(b byte) float64 {
	dbov := float64(b & 0x7f)
	if dbov >= 127 {
		return 0
	}
	return math.Pow(10, -dbov/20)
}

type webrtcCall struct {
	endpoint *WebRTCEndpoint
	link     *webrtcLink
	from     string
}

func (c *webrtcCall) From() string { return c.from }

func (c *webrtcCall) Answer(stream LocalStream) (Link, error) {
	ts, ok := stream.(*TrackStream)
	if !ok {
		c.link.Close()
		return nil, errors.New("stream does not carry a local track")
	}
	pc := c.link.pc

	if _, err := pc.AddTrack(ts.track); err != nil {
		c.link.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.link.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.link.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.endpoint.signal(c.from, signalMessage{Kind: "answer", SDP: answer.SDP}); err != nil {
		c.link.Close()
		return nil, err
	}
	return c.link, nil
}

type webrtcLink struct {
	endpoint *WebRTCEndpoint
	remoteID string
	pc       *webrtc.PeerConnection

	mu       sync.Mutex
	onStream func(RemoteStream)
	onClose  func()
	onError  func(error)
	stream   RemoteStream
	closed   bool
}

func (l *webrtcLink) RemoteID() string { return l.remoteID }

func (l *webrtcLink) OnStream(fn func(RemoteStream)) {
	l.mu.Lock()
	l.onStream = fn
	stream := l.stream
	l.mu.Unlock()
	if fn != nil && stream != nil {
		fn(stream)
	}
}

func (l *webrtcLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *webrtcLink) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

func (l *webrtcLink) fireStream(s RemoteStream) {
	l.mu.Lock()
	l.stream = s
	fn := l.onStream
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *webrtcLink) fireError(err error) {
	l.mu.Lock()
	fn := l.onError
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *webrtcLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fn := l.onClose
	l.mu.Unlock()

	l.endpoint.dropLink(l)
	err := l.pc.Close()
	if fn != nil {
		fn()
	}
	return err
}

// rtpStream exposes the amplitude decoded from incoming RTP audio-level
// extensions.
type rtpStream struct {
	level atomic.Uint64
}

func (s *rtpStream) setLevel(v float64) {
	s.level.Store(math.Float64bits(v))
}

func (s *rtpStream) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// TrackStream is a LocalStream backed by a webrtc audio track. The capture
// hook writes samples to Track and reports measured amplitude via SetLevel;
// while muted the track still exists but Level reads as 0 and the hook is
// expected to write silence.
type TrackStream struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	level   float64
	onClose func()
}

// NewTrackStream builds a stream around an Opus audio track.
func NewTrackStream(trackID, streamID string) (*TrackStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		trackID,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	return &TrackStream{track: track, enabled: true}, nil
}

// Track returns the underlying track for sample writers.
func (s *TrackStream) Track() *webrtc.TrackLocalStaticSample { return s.track }

// OnCloseFunc registers a hook invoked when the stream closes, typically to
// release the capture device.
func (s *TrackStream) OnCloseFunc(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *TrackStream) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *TrackStream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetLevel records the amplitude measured by the capture hook.
func (s *TrackStream) SetLevel(level float64) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

func (s *TrackStream) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return 0
	}
	return s.level
}

func (s *TrackStream) Close() error {
	s.mu.Lock()
	fn := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}
