package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicelink/internal/core/domain"
	"voicelink/pkg/backoff"
	apperrors "voicelink/pkg/errors"
)

type peerRecorder struct {
	mu        sync.Mutex
	signals   []domain.LocalSignal
	states    []domain.PeerState
	connected int
	terminal  []error
	streams   []domain.RemoteStream
}

func (r *peerRecorder) listener() PeerListener {
	return PeerListener{
		OnLocalSignal: func(sig domain.LocalSignal) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.signals = append(r.signals, sig)
		},
		OnConnected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
		OnTerminalError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.terminal = append(r.terminal, err)
		},
		OnRemoteStream: func(s domain.RemoteStream) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams = append(r.streams, s)
		},
		OnStateChange: func(s domain.PeerState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
	}
}

func (r *peerRecorder) Terminal() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.terminal...)
}

func (r *peerRecorder) Signals() []domain.LocalSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LocalSignal(nil), r.signals...)
}

func (r *peerRecorder) Connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func slowPeerConfig() PeerConfig {
	return PeerConfig{
		KeepAliveInterval: time.Hour,
		SilenceTimeout:    time.Hour,
		MonitorInterval:   time.Hour,
		DisconnectGrace:   time.Hour,
		StuckNewTimeout:   time.Hour,
		Backoff: backoff.Policy{
			BaseDelay:   time.Millisecond,
			MaxAttempts: 3,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

type peerFixture struct {
	ctrl    *PeerController
	factory *fakeFactory
	media   *fakeMedia
	rec     *peerRecorder
	metrics *countingMetrics
}

func newPeerFixture(t *testing.T, cfg PeerConfig) *peerFixture {
	f := &peerFixture{
		factory: &fakeFactory{},
		media:   &fakeMedia{},
		rec:     &peerRecorder{},
		metrics: newCountingMetrics(),
	}
	f.ctrl = NewPeerController(PeerControllerOptions{
		Remote:   "bob",
		Factory:  f.factory,
		Media:    f.media,
		Listener: f.rec.listener(),
		Config:   cfg,
		Logger:   testLogger(t),
		Metrics:  f.metrics,
	})
	t.Cleanup(f.ctrl.Close)
	return f
}

func envelope(kind domain.SignalKind, seq int) domain.SignalEnvelope {
	return domain.SignalEnvelope{
		FromUserID: "bob",
		CallID:     "call-1",
		Kind:       kind,
		Payload:    json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
		ReceivedAt: time.Now(),
	}
}

func kinds(applied []appliedSignal) []domain.SignalKind {
	out := make([]domain.SignalKind, 0, len(applied))
	for _, a := range applied {
		out = append(out, a.Kind)
	}
	return out
}

func TestPeerController_BufferedSignalsKeepArrivalOrder(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())

	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalOffer, 1))
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, 2))
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, 3))
	assert.Equal(t, 3, f.ctrl.Buffered())
	assert.Equal(t, 0, f.factory.Count())

	require.NoError(t, f.ctrl.Start(context.Background(), false))
	assert.Equal(t, 0, f.ctrl.Buffered())

	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, 4))

	applied := f.factory.Last().Applied()
	require.Len(t, applied, 4)
	for i, a := range applied {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), a.Payload)
	}
	assert.Equal(t, domain.RoleAnswerer, f.factory.Last().opts.Role)
	assert.Equal(t, domain.PeerNegotiating, f.ctrl.State())
}

func TestPeerController_ConcurrentSignalsDuringStartAreNotReordered(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, i))
		}
	}()
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	wg.Wait()

	applied := f.factory.Last().Applied()
	require.Len(t, applied, 50)
	for i, a := range applied {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), a.Payload)
	}
}

func TestPeerController_DuplicateAnswerIsIgnored(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()

	answer := envelope(domain.SignalAnswer, 1)
	f.ctrl.ApplyRemoteSignal(answer)
	f.ctrl.ApplyRemoteSignal(answer)

	assert.Equal(t, []domain.SignalKind{domain.SignalAnswer}, kinds(tr.Applied()))
	assert.Equal(t, 1, f.metrics.Dropped("duplicate_answer"))
	assert.Equal(t, domain.PeerNegotiating, f.ctrl.State())
	assert.Empty(t, f.rec.Terminal())
}

func TestPeerController_ScreenShareRenegotiatesWhenConnected(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalAnswer, 1))
	tr.connect()
	require.Equal(t, domain.PeerConnected, f.ctrl.State())

	screen := newFakeTrack("screen", domain.TrackVideo)
	require.NoError(t, f.ctrl.AddSecondaryTrack(screen))

	assert.Len(t, tr.Tracks(), 2)
	assert.Equal(t, 1, tr.Renegotiations())
	assert.Equal(t, domain.PeerNegotiating, f.ctrl.State())
	signals := f.rec.Signals()
	require.NotEmpty(t, signals)
	assert.Equal(t, domain.SignalRenegotiation, signals[len(signals)-1].Kind)

	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalAnswer, 2))
	assert.Equal(t, domain.PeerConnected, f.ctrl.State())
	assert.Equal(t, []domain.SignalKind{domain.SignalAnswer, domain.SignalAnswer}, kinds(tr.Applied()))
	assert.True(t, f.ctrl.Snapshot().SecondaryTrack)

	require.NoError(t, f.ctrl.RemoveSecondaryTrack())
	assert.Len(t, tr.Tracks(), 1)
	assert.Equal(t, 2, tr.Renegotiations())
	assert.True(t, screen.stopped.Load())
}

func TestPeerController_ScreenShareBeforeConnectIsDeferred(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()

	screen := newFakeTrack("screen", domain.TrackVideo)
	require.NoError(t, f.ctrl.AddSecondaryTrack(screen))
	assert.Len(t, tr.Tracks(), 1)
	assert.Equal(t, 0, tr.Renegotiations())

	tr.connect()
	assert.Len(t, tr.Tracks(), 2)
	assert.Equal(t, 1, tr.Renegotiations())
	assert.Equal(t, 1, f.rec.Connected())
}

func TestPeerController_DisconnectWithinGraceDoesNotReconnect(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.DisconnectGrace = 100 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()
	tr.connect()

	tr.setStates(domain.ConnStateConnected, domain.ConnStateDisconnected)
	time.Sleep(30 * time.Millisecond)
	tr.setStates(domain.ConnStateConnected, domain.ConnStateConnected)

	assert.Never(t, func() bool { return f.factory.Count() > 1 }, 250*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, domain.PeerConnected, f.ctrl.State())
}

func TestPeerController_DisconnectBeyondGraceReconnects(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.DisconnectGrace = 20 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	first := f.factory.Last()
	first.connect()

	first.setStates(domain.ConnStateDisconnected, domain.ConnStateDisconnected)

	assert.Eventually(t, func() bool { return f.factory.Count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, first.Destroyed())
	assert.Equal(t, domain.RoleOfferer, f.factory.Last().opts.Role)
}

func TestPeerController_FailedReconnectsAndResetsOnConnect(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), false))
	first := f.factory.Last()
	first.connect()

	first.setStates(domain.ConnStateFailed, domain.ConnStateFailed)
	assert.Eventually(t, func() bool { return f.factory.Count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return f.ctrl.State() == domain.PeerNegotiating }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.ctrl.Snapshot().ReconnectAttempt)

	// Late events from the replaced transport are ignored.
	first.events.OnConnect()
	assert.Equal(t, domain.PeerNegotiating, f.ctrl.State())

	second := f.factory.Last()
	assert.Equal(t, domain.RoleAnswerer, second.opts.Role)
	second.connect()
	assert.Equal(t, domain.PeerConnected, f.ctrl.State())
	assert.Equal(t, 0, f.ctrl.Snapshot().ReconnectAttempt)
	assert.Equal(t, 2, f.rec.Connected())
}

func TestPeerController_ExhaustionIsTerminal(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()
	tr.connect()

	f.factory.FailNext(100, errors.New("ice agent unavailable"))
	tr.setStates(domain.ConnStateFailed, domain.ConnStateFailed)

	assert.Eventually(t, func() bool { return len(f.rec.Terminal()) == 1 }, 2*time.Second, 5*time.Millisecond)
	err := f.rec.Terminal()[0]
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePeerConnectionFailed))
	assert.Equal(t, domain.PeerClosed, f.ctrl.State())

	f.ctrl.Close()
	assert.Equal(t, 0, f.ctrl.ActiveTimers())
	assert.Equal(t, 0, f.ctrl.Buffered())
	assert.True(t, f.media.LastAudio().stopped.Load())
}

func TestPeerController_MediaErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code apperrors.ErrorCode
	}{
		{"permission", domain.ErrPermissionDenied, apperrors.ErrCodeMediaPermissionDenied},
		{"device in use", fmt.Errorf("open device: %w", domain.ErrDeviceInUse), apperrors.ErrCodeMediaDeviceInUse},
		{"constraints", domain.ErrUnsupportedConstraints, apperrors.ErrCodeMediaUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPeerFixture(t, slowPeerConfig())
			f.media.audioErr = tt.err

			err := f.ctrl.Start(context.Background(), true)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, 0, f.factory.Count())
		})
	}
}

func TestPeerController_CloseReleasesEverything(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	cfg.MonitorInterval = 5 * time.Millisecond
	f := newPeerFixture(t, cfg)

	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, 1))
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()
	tr.connect()
	require.NoError(t, f.ctrl.AddSecondaryTrack(newFakeTrack("screen", domain.TrackVideo)))
	assert.Greater(t, f.ctrl.ActiveTimers(), 0)

	f.ctrl.Close()
	f.ctrl.Close()

	assert.Equal(t, 0, f.ctrl.ActiveTimers())
	assert.Equal(t, 0, f.ctrl.Buffered())
	assert.Equal(t, domain.PeerClosed, f.ctrl.State())
	assert.True(t, tr.Destroyed())
	assert.True(t, f.media.LastAudio().stopped.Load())
	assert.Empty(t, f.rec.Terminal())

	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, 2))
	assert.Equal(t, 0, f.ctrl.Buffered())
	assert.ErrorIs(t, f.ctrl.Start(context.Background(), true), domain.ErrAborted)
}

func TestPeerController_CloseBeforeStartClearsBuffer(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalOffer, 1))
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalICECandidate, 2))

	f.ctrl.Close()
	assert.Equal(t, 0, f.ctrl.Buffered())
	assert.Equal(t, 0, f.ctrl.ActiveTimers())
}

func TestPeerController_KeepAlive(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()
	tr.connect()

	assert.Eventually(t, func() bool { return len(tr.Sent()) > 0 }, time.Second, 5*time.Millisecond)
	var ping keepAliveMessage
	require.NoError(t, json.Unmarshal(tr.Sent()[0], &ping))
	assert.Equal(t, "ping", ping.Type)

	before := len(tr.Sent())
	tr.events.OnData([]byte(`{"type":"ping","ts":42}`))

	var pong keepAliveMessage
	found := false
	for _, raw := range tr.Sent()[before:] {
		require.NoError(t, json.Unmarshal(raw, &pong))
		if pong.Type == "pong" {
			found = true
			break
		}
	}
	require.True(t, found)
	assert.EqualValues(t, 42, pong.TS)
	assert.False(t, f.ctrl.Snapshot().LastKeepAliveAt.IsZero())
}

func TestPeerController_KeepAliveSilenceReconnects(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.KeepAliveInterval = 5 * time.Millisecond
	cfg.SilenceTimeout = 20 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	f.factory.Last().connect()

	assert.Eventually(t, func() bool { return f.factory.Count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPeerController_RemoteRestartRecreatesTransport(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	require.NoError(t, f.ctrl.Start(context.Background(), false))
	first := f.factory.Last()

	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalOffer, 1))
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalOffer, 2))

	require.Equal(t, 2, f.factory.Count())
	assert.True(t, first.Destroyed())
	second := f.factory.Last()
	require.Len(t, second.Applied(), 1)
	assert.JSONEq(t, `{"seq":2}`, second.Applied()[0].Payload)
}

func TestPeerController_RedeliveredOfferIsIgnored(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	require.NoError(t, f.ctrl.Start(context.Background(), false))
	tr := f.factory.Last()

	offer := envelope(domain.SignalOffer, 1)
	f.ctrl.ApplyRemoteSignal(offer)
	tr.connect()
	f.ctrl.ApplyRemoteSignal(offer)

	assert.Equal(t, 1, f.factory.Count())
	assert.False(t, tr.Destroyed())
	assert.Equal(t, []domain.SignalKind{domain.SignalOffer}, kinds(tr.Applied()))
	assert.Equal(t, 1, f.metrics.Dropped("duplicate_offer"))
	assert.Equal(t, domain.PeerConnected, f.ctrl.State())
}

func TestPeerController_RemoteRestartSupersedesPendingReconnect(t *testing.T) {
	cfg := slowPeerConfig()
	cfg.Backoff.BaseDelay = 50 * time.Millisecond
	cfg.Backoff.MaxDelay = 200 * time.Millisecond
	f := newPeerFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background(), false))
	first := f.factory.Last()
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalOffer, 1))
	first.connect()

	// Both ends see the failure; the offerer's fresh offer lands while the
	// local reconnect is still backing off.
	first.events.OnError(errors.New("dtls handshake timeout"))
	require.Equal(t, domain.PeerReconnecting, f.ctrl.State())
	f.ctrl.ApplyRemoteSignal(envelope(domain.SignalOffer, 2))

	require.Equal(t, 2, f.factory.Count())
	answering := f.factory.Last()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 2, f.factory.Count(), "the superseded reconnect must not rebuild")
	assert.False(t, answering.Destroyed())
	require.Len(t, answering.Applied(), 1)
	assert.JSONEq(t, `{"seq":2}`, answering.Applied()[0].Payload)
	assert.Equal(t, domain.PeerNegotiating, f.ctrl.State())

	// Later failures still reconnect.
	answering.events.OnError(errors.New("dtls handshake timeout"))
	assert.Eventually(t, func() bool { return f.factory.Count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestPeerController_BenignErrorsAreSwallowed(t *testing.T) {
	f := newPeerFixture(t, slowPeerConfig())
	require.NoError(t, f.ctrl.Start(context.Background(), true))
	tr := f.factory.Last()
	tr.connect()

	tr.events.OnError(errors.New("InvalidStateError: remote description already set"))
	assert.Equal(t, 1, f.factory.Count())
	assert.Equal(t, domain.PeerConnected, f.ctrl.State())

	tr.events.OnError(errors.New("dtls handshake timeout"))
	assert.Eventually(t, func() bool { return f.factory.Count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestIsBenignTransportError(t *testing.T) {
	tests := []struct {
		err    error
		benign bool
	}{
		{errors.New("Failed to set remote answer sdp: Called in wrong state: stable"), true},
		{errors.New("InvalidStateError: have-remote-offer"), true},
		{domain.ErrTransportClosed, true},
		{context.Canceled, true},
		{errors.New("ice connection failed"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.benign, isBenignTransportError(tt.err), tt.err.Error())
	}
}
