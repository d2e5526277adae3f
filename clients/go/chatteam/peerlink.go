package chatteam

import (
	"context"
	"fmt"
	"sync"
)

// MediaReason classifies media-endpoint initialization failures. They are
// user-actionable and never retried automatically.
type MediaReason string

const (
	ReasonPermissionDenied MediaReason = "PermissionDenied"
	ReasonDeviceNotFound   MediaReason = "DeviceNotFound"
	ReasonDeviceBusy       MediaReason = "DeviceBusy"
	ReasonUnsupported      MediaReason = "Unsupported"
)

// MediaError is a typed media failure.
type MediaError struct {
	Reason MediaReason
	Err    error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("media: %s", e.Reason)
}

func (e *MediaError) Unwrap() error { return e.Err }

// LocalStream is the captured local audio. SetEnabled toggles the mute flag
// consulted by the capture pipeline; Level reports current amplitude in
// [0, 1] for the speaking sampler.
type LocalStream interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Level() float64
	Close() error
}

// RemoteStream is the audio received over one link.
type RemoteStream interface {
	Level() float64
}

// Link is one established point-to-point media connection.
type Link interface {
	RemoteID() string
	OnStream(fn func(RemoteStream))
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// IncomingCall is an offer from a remote endpoint. The non-initiating side of
// a pair only ever answers these.
type IncomingCall interface {
	From() string
	Answer(stream LocalStream) (Link, error)
}

// Endpoint is the opaque media-connection primitive the voice coordinator
// drives. Implementations: the pion/webrtc endpoint (production) and the
// in-process loopback pair (tests).
type Endpoint interface {
	// Open readies the endpoint and returns its assigned id.
	Open(ctx context.Context, localID string) (string, error)
	// CaptureAudio acquires the local audio stream; failures carry a
	// *MediaError reason.
	CaptureAudio(ctx context.Context) (LocalStream, error)
	Call(remoteID string, stream LocalStream) (Link, error)
	OnIncomingCall(fn func(IncomingCall))
	Close() error
}

// ---------------------------------------------------------------------------
// Loopback implementation: endpoints registered on a shared board connect
// in-process. Drives mesh tests without any network or media dependency.

// LoopbackBoard pairs loopback endpoints by id.
type LoopbackBoard struct {
	mu        sync.Mutex
	endpoints map[string]*LoopbackEndpoint
}

// NewLoopbackBoard creates an empty board.
func NewLoopbackBoard() *LoopbackBoard {
	return &LoopbackBoard{endpoints: make(map[string]*LoopbackEndpoint)}
}

// NewEndpoint creates an endpoint attached to this board.
func (b *LoopbackBoard) NewEndpoint() *LoopbackEndpoint {
	return &LoopbackEndpoint{board: b}
}

// LoopbackEndpoint is the in-process Endpoint implementation.
type LoopbackEndpoint struct {
	board *LoopbackBoard

	mu       sync.Mutex
	id       string
	incoming func(IncomingCall)
	links    []*loopbackLink
	captureE error
}

// FailCapture makes the next CaptureAudio return the given media error.
func (e *LoopbackEndpoint) FailCapture(err error) {
	e.mu.Lock()
	e.captureE = err
	e.mu.Unlock()
}

func (e *LoopbackEndpoint) Open(ctx context.Context, localID string) (string, error) {
	e.mu.Lock()
	e.id = localID
	e.mu.Unlock()

	e.board.mu.Lock()
	e.board.endpoints[localID] = e
	e.board.mu.Unlock()
	return localID, nil
}

func (e *LoopbackEndpoint) CaptureAudio(ctx context.Context) (LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.captureE != nil {
		return nil, e.captureE
	}
	return NewStaticStream(0), nil
}

func (e *LoopbackEndpoint) Call(remoteID string, stream LocalStream) (Link, error) {
	e.board.mu.Lock()
	remote, ok := e.board.endpoints[remoteID]
	e.board.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: unknown endpoint %q", remoteID)
	}

	e.mu.Lock()
	localID := e.id
	e.mu.Unlock()

	local := &loopbackLink{remoteID: remoteID, local: stream}
	far := &loopbackLink{remoteID: localID, local: nil, peer: local}
	local.peer = far

	e.mu.Lock()
	e.links = append(e.links, local)
	e.mu.Unlock()

	remote.mu.Lock()
	handler := remote.incoming
	remote.links = append(remote.links, far)
	remote.mu.Unlock()

	if handler != nil {
		handler(&loopbackCall{from: localID, link: far, caller: local})
	}
	return local, nil
}

func (e *LoopbackEndpoint) OnIncomingCall(fn func(IncomingCall)) {
	e.mu.Lock()
	e.incoming = fn
	e.mu.Unlock()
}

func (e *LoopbackEndpoint) Close() error {
	e.mu.Lock()
	links := e.links
	e.links = nil
	id := e.id
	e.mu.Unlock()

	e.board.mu.Lock()
	delete(e.board.endpoints, id)
	e.board.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	return nil
}

type loopbackCall struct {
	from   string
	link   *loopbackLink
	caller *loopbackLink
}

func (c *loopbackCall) From() string { return c.from }

func (c *loopbackCall) Answer(stream LocalStream) (Link, error) {
	c.link.local = stream
	// Each side now sees the other's stream.
	c.link.deliver(streamView{c.caller.local})
	c.caller.deliver(streamView{stream})
	return c.link, nil
}

type loopbackLink struct {
	remoteID string
	local    LocalStream
	peer     *loopbackLink

	mu       sync.Mutex
	onStream func(RemoteStream)
	onClose  func()
	onError  func(error)
	pending  []RemoteStream
	closed   bool
}

func (l *loopbackLink) RemoteID() string { return l.remoteID }

func (l *loopbackLink) OnStream(fn func(RemoteStream)) {
	l.mu.Lock()
	l.onStream = fn
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, s := range pending {
		fn(s)
	}
}

func (l *loopbackLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *loopbackLink) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

func (l *loopbackLink) deliver(s RemoteStream) {
	l.mu.Lock()
	fn := l.onStream
	if fn == nil {
		l.pending = append(l.pending, s)
	}
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *loopbackLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	onClose := l.onClose
	peer := l.peer
	l.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	if peer != nil {
		peer.mu.Lock()
		closed := peer.closed
		peer.mu.Unlock()
		if !closed {
			_ = peer.Close()
		}
	}
	return nil
}

// streamView adapts a LocalStream into the RemoteStream the far side sees.
// A muted local stream reads as silence.
type streamView struct {
	src LocalStream
}

func (v streamView) Level() float64 {
	if v.src == nil || !v.src.Enabled() {
		return 0
	}
	return v.src.Level()
}

// StaticStream is a LocalStream with an externally settable level. Useful for
// tests and as a placeholder source.
type StaticStream struct {
	mu      sync.Mutex
	enabled bool
	level   float64
}

// NewStaticStream creates an enabled stream at the given level.
func NewStaticStream(level float64) *StaticStream {
	return &StaticStream{enabled: true, level: level}
}

func (s *StaticStream) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *StaticStream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *StaticStream) SetLevel(level float64) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

func (s *StaticStream) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return 0
	}
	return s.level
}

func (s *StaticStream) Close() error { return nil }
