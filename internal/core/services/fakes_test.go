package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind  { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *fakeTrack) Stop()                   { t.stopped.Store(true) }

type fakeMedia struct {
	mu       sync.Mutex
	audioErr error
	audio    []*fakeTrack
	screens  []*fakeTrack
}

func (m *fakeMedia) AcquireAudio(ctx context.Context) (ports.MediaTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioErr != nil {
		return nil, m.audioErr
	}
	t := newFakeTrack("mic", domain.TrackAudio)
	m.audio = append(m.audio, t)
	return t, nil
}

func (m *fakeMedia) AcquireScreen(ctx context.Context) (ports.MediaTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := newFakeTrack("screen", domain.TrackVideo)
	m.screens = append(m.screens, t)
	return t, nil
}

func (m *fakeMedia) LastAudio() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.audio) == 0 {
		return nil
	}
	return m.audio[len(m.audio)-1]
}

func (m *fakeMedia) LastScreen() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.screens) == 0 {
		return nil
	}
	return m.screens[len(m.screens)-1]
}

type appliedSignal struct {
	Kind    domain.SignalKind
	Payload string
}

// fakeTransport records every call and lets tests drive its states.
type fakeTransport struct {
	opts   ports.TransportOptions
	events ports.TransportEvents
	// auto answers offers and connects on answers, like a real peer would.
	auto bool

	mu             sync.Mutex
	applied        []appliedSignal
	sent           [][]byte
	tracks         []ports.MediaTrack
	conn           domain.ConnectionState
	ice            domain.ConnectionState
	pendingOffer   bool
	renegotiations int
	destroyed      bool
	signalErr      error
}

func (t *fakeTransport) Signal(kind domain.SignalKind, payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, appliedSignal{Kind: kind, Payload: string(payload)})
	if kind == domain.SignalAnswer {
		t.pendingOffer = false
	}
	if t.auto && !t.destroyed {
		t.autoRespond(kind)
	}
	return t.signalErr
}

// autoRespond runs with t.mu held; events fire on their own goroutines.
func (t *fakeTransport) autoRespond(kind domain.SignalKind) {
	answer := domain.LocalSignal{Kind: domain.SignalAnswer, Payload: json.RawMessage(`{"sdp":"answer"}`)}
	switch kind {
	case domain.SignalOffer:
		go func() {
			t.events.OnSignal(answer)
			t.connect()
		}()
	case domain.SignalRenegotiation:
		go t.events.OnSignal(answer)
	case domain.SignalAnswer:
		if t.conn != domain.ConnStateConnected {
			go t.connect()
		}
	}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) AddTrack(track ports.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) RemoveTrack(track ports.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, tr := range t.tracks {
		if tr == track {
			t.tracks = append(t.tracks[:i], t.tracks[i+1:]...)
			break
		}
	}
	return nil
}

func (t *fakeTransport) Renegotiate() error {
	t.mu.Lock()
	t.pendingOffer = true
	t.renegotiations++
	t.mu.Unlock()
	t.events.OnSignal(domain.LocalSignal{Kind: domain.SignalRenegotiation, Payload: json.RawMessage(`{"sdp":"re"}`)})
	return nil
}

func (t *fakeTransport) Destroy() error {
	t.mu.Lock()
	t.destroyed = true
	t.conn, t.ice = domain.ConnStateClosed, domain.ConnStateClosed
	t.mu.Unlock()
	if t.events.OnClose != nil {
		t.events.OnClose()
	}
	return nil
}

func (t *fakeTransport) ConnectionState() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *fakeTransport) ICEConnectionState() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ice
}

func (t *fakeTransport) ICEGatheringState() domain.GatheringState {
	return domain.GatheringComplete
}

func (t *fakeTransport) PendingLocalOffer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingOffer
}

func (t *fakeTransport) setStates(conn, ice domain.ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn, t.ice = conn, ice
}

func (t *fakeTransport) connect() {
	t.setStates(domain.ConnStateConnected, domain.ConnStateConnected)
	t.events.OnConnect()
}

func (t *fakeTransport) Applied() []appliedSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]appliedSignal(nil), t.applied...)
}

func (t *fakeTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

func (t *fakeTransport) Tracks() []ports.MediaTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ports.MediaTrack(nil), t.tracks...)
}

func (t *fakeTransport) Renegotiations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.renegotiations
}

func (t *fakeTransport) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failNext   int
	createErr  error
	auto       bool
	// onCreate runs after a transport is built, outside the factory lock.
	onCreate func(t *fakeTransport)
}

func (f *fakeFactory) Create(opts ports.TransportOptions, events ports.TransportEvents) (ports.Transport, error) {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		err := f.createErr
		f.mu.Unlock()
		return nil, err
	}
	t := &fakeTransport{
		opts:   opts,
		events: events,
		conn:   domain.ConnStateNew,
		ice:    domain.ConnStateNew,
		tracks: append([]ports.MediaTrack(nil), opts.Tracks...),
		auto:   f.auto,
	}
	f.transports = append(f.transports, t)
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	if t.auto && opts.Role == domain.RoleOfferer {
		go events.OnSignal(domain.LocalSignal{Kind: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"offer"}`)})
	}
	return t, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) Last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) At(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

func (f *fakeFactory) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.createErr = err
}
