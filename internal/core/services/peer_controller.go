package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/backoff"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/tracing"
)

type PeerConfig struct {
	KeepAliveInterval time.Duration
	SilenceTimeout    time.Duration
	MonitorInterval   time.Duration
	DisconnectGrace   time.Duration
	StuckNewTimeout   time.Duration
	Backoff           backoff.Policy
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		KeepAliveInterval: 20 * time.Second,
		SilenceTimeout:    2 * time.Minute,
		MonitorInterval:   10 * time.Second,
		DisconnectGrace:   5 * time.Second,
		StuckNewTimeout:   15 * time.Second,
		Backoff:           backoff.PeerPolicy(),
	}
}

// PeerListener receives controller events. Callbacks run outside the
// controller's locks and must not call Close synchronously.
type PeerListener struct {
	OnLocalSignal   func(sig domain.LocalSignal)
	OnConnected     func()
	OnTerminalError func(err error)
	OnRemoteStream  func(stream domain.RemoteStream)
	OnStateChange   func(state domain.PeerState)
}

type PeerControllerOptions struct {
	Remote   domain.UserID
	Factory  ports.TransportFactory
	Media    ports.MediaSource
	Listener PeerListener
	Config   PeerConfig
	Logger   *zap.SugaredLogger
	Metrics  ports.Metrics
}

// Substrings of transport errors that are renegotiation races rather than
// connectivity failures.
var benignTransportErrors = []string{
	"remote description already set",
	"wrong state",
	"invalid state",
	"invalidstateerror",
	"have-remote-offer",
}

func isBenignTransportError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, domain.ErrTransportClosed) || domain.IsAbort(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range benignTransportErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type keepAliveMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// PeerController owns the media transport of one call. It buffers remote
// signals until a transport exists, keeps the connection alive and rebuilds
// it with bounded retries.
type PeerController struct {
	remote   domain.UserID
	factory  ports.TransportFactory
	media    ports.MediaSource
	listener PeerListener
	cfg      PeerConfig
	logger   *zap.SugaredLogger
	metrics  ports.Metrics
	buffer   *SignalBuffer

	// signalMu serializes signal application with transport replacement so
	// remote signals reach each transport in arrival order.
	signalMu sync.Mutex

	mu                sync.Mutex
	state             domain.PeerState
	role              domain.CallRole
	transport         ports.Transport
	epoch             uint64
	audio             ports.MediaTrack
	micEnabled        bool
	secondary         ports.MediaTrack
	secondaryAttached bool
	offerApplied      bool
	lastOffer         []byte
	answerApplied     bool
	renegotiating     bool
	reconnectAttempt  int
	reconnecting      bool
	// reconnectGen invalidates a scheduled reconnect once something else
	// has rebuilt the transport.
	reconnectGen     uint64
	graceArmed       bool
	negotiationStart time.Time
	lastKeepAlive    time.Time
	remoteStreams    []domain.RemoteStream
	timersStarted    bool
	closed           bool

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	activeTimers atomic.Int32
}

func NewPeerController(opts PeerControllerOptions) *PeerController {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerController{
		remote:     opts.Remote,
		factory:    opts.Factory,
		media:      opts.Media,
		listener:   opts.Listener,
		cfg:        opts.Config,
		logger:     opts.Logger.Named("peer").With("remote", string(opts.Remote)),
		metrics:    MetricsOrNoop(opts.Metrics),
		buffer:     NewSignalBuffer(),
		state:      domain.PeerIdle,
		micEnabled: true,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *PeerController) State() domain.PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveTimers reports the number of running timer goroutines.
func (c *PeerController) ActiveTimers() int {
	return int(c.activeTimers.Load())
}

func (c *PeerController) Buffered() int {
	return c.buffer.Len()
}

// Start acquires the microphone once and builds a transport in the given
// role, replacing any existing one. Media errors are terminal.
func (c *PeerController) Start(ctx context.Context, asOfferer bool) error {
	role := domain.RoleAnswerer
	if asOfferer {
		role = domain.RoleOfferer
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrAborted
	}
	c.role = role
	c.mu.Unlock()

	if err := c.ensureAudio(ctx); err != nil {
		return err
	}
	if err := c.startTransport(); err != nil {
		return err
	}
	c.startTimers()
	return nil
}

func (c *PeerController) ensureAudio(ctx context.Context) error {
	c.mu.Lock()
	if c.audio != nil {
		c.mu.Unlock()
		return nil
	}
	changed := c.setStateLocked(domain.PeerAcquiringMedia)
	c.mu.Unlock()
	c.emitState(changed, domain.PeerAcquiringMedia)

	track, err := c.media.AcquireAudio(ctx)
	if err != nil {
		c.logger.Warnw("Microphone unavailable", "error", err)
		return classifyMediaError(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		track.Stop()
		return domain.ErrAborted
	}
	track.SetEnabled(c.micEnabled)
	c.audio = track
	c.mu.Unlock()
	return nil
}

func classifyMediaError(err error) error {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return apperrors.NewMediaPermissionError(err)
	case errors.Is(err, domain.ErrDeviceInUse):
		return apperrors.NewMediaDeviceInUseError(err)
	case errors.Is(err, domain.ErrUnsupportedConstraints):
		return apperrors.NewMediaUnsupportedError(err)
	case domain.IsAbort(err):
		return err
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Failed to acquire microphone", 500)
}

func (c *PeerController) startTransport() error {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	return c.startTransportSignalLocked()
}

// startTransportSignalLocked replaces the transport and drains the buffer
// into the new one. c.signalMu must be held.
func (c *PeerController) startTransportSignalLocked() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrAborted
	}
	old := c.transport
	c.transport = nil
	c.epoch++
	epoch := c.epoch
	opts := ports.TransportOptions{Role: c.role, Tracks: []ports.MediaTrack{c.audio}}
	if c.secondary != nil {
		opts.Tracks = append(opts.Tracks, c.secondary)
	}
	c.secondaryAttached = c.secondary != nil
	c.offerApplied = false
	c.lastOffer = nil
	c.answerApplied = false
	c.renegotiating = false
	c.graceArmed = false
	c.remoteStreams = nil
	c.negotiationStart = time.Now()
	c.mu.Unlock()

	if old != nil {
		c.destroyTransport(old)
	}

	t, err := c.factory.Create(opts, c.eventsFor(epoch))
	if err != nil {
		return apperrors.NewPeerConnectionFailedError(err)
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		c.destroyTransport(t)
		return domain.ErrAborted
	}
	c.transport = t
	changed := c.setStateLocked(domain.PeerNegotiating)
	c.mu.Unlock()
	c.emitState(changed, domain.PeerNegotiating)

	c.logger.Debugw("Transport created", "role", opts.Role, "epoch", epoch, "tracks", len(opts.Tracks))

	if n := c.buffer.DrainInto(func(_ domain.UserID, env domain.SignalEnvelope) {
		c.applySignalLocked(t, epoch, env)
	}); n > 0 {
		c.logger.Debugw("Drained buffered signals", "count", n)
	}
	return nil
}

func (c *PeerController) destroyTransport(t ports.Transport) {
	if err := t.Destroy(); err != nil && !isBenignTransportError(err) {
		c.logger.Debugw("Transport destroy failed", "error", err)
	}
}

func (c *PeerController) eventsFor(epoch uint64) ports.TransportEvents {
	return ports.TransportEvents{
		OnSignal: func(sig domain.LocalSignal) {
			if !c.isCurrent(epoch) {
				return
			}
			if c.listener.OnLocalSignal != nil {
				c.listener.OnLocalSignal(sig)
			}
		},
		OnStream: func(stream domain.RemoteStream) {
			c.mu.Lock()
			if c.closed || epoch != c.epoch {
				c.mu.Unlock()
				return
			}
			c.remoteStreams = append(c.remoteStreams, stream)
			c.mu.Unlock()
			if c.listener.OnRemoteStream != nil {
				c.listener.OnRemoteStream(stream)
			}
		},
		OnData: func(data []byte) {
			c.handleData(epoch, data)
		},
		OnConnect: func() {
			c.handleConnect(epoch)
		},
		OnError: func(err error) {
			c.handleTransportError(epoch, err)
		},
		OnClose: func() {
			if c.isCurrent(epoch) {
				c.scheduleReconnect("transport closed")
			}
		},
	}
}

func (c *PeerController) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && epoch == c.epoch
}

// ApplyRemoteSignal feeds a remote signal to the transport, or buffers it
// when no transport exists yet.
func (c *PeerController) ApplyRemoteSignal(env domain.SignalEnvelope) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.metrics.SignalDropped("closed")
		return
	}
	t, epoch := c.transport, c.epoch
	if t == nil {
		c.mu.Unlock()
		c.buffer.Enqueue(env.FromUserID, env)
		c.metrics.SignalBuffered()
		c.logger.Debugw("Buffered signal", "kind", env.Kind, "buffered", c.buffer.Len())
		return
	}
	c.mu.Unlock()

	c.buffer.DrainInto(func(_ domain.UserID, buffered domain.SignalEnvelope) {
		c.applySignalLocked(t, epoch, buffered)
	})
	c.applySignalLocked(t, epoch, env)
}

// applySignalLocked applies one signal. c.signalMu must be held.
func (c *PeerController) applySignalLocked(t ports.Transport, epoch uint64, env domain.SignalEnvelope) {
	pending := env.Kind == domain.SignalAnswer && t.PendingLocalOffer()

	restart := false
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	switch env.Kind {
	case domain.SignalAnswer:
		if c.answerApplied && !pending {
			c.mu.Unlock()
			c.metrics.SignalDropped("duplicate_answer")
			c.logger.Debug("Ignoring duplicate answer")
			return
		}
		c.answerApplied = true
	case domain.SignalOffer:
		if c.offerApplied && bytes.Equal(c.lastOffer, env.Payload) {
			c.mu.Unlock()
			c.metrics.SignalDropped("duplicate_offer")
			c.logger.Debug("Ignoring duplicate offer")
			return
		}
		if c.role == domain.RoleAnswerer && c.offerApplied {
			restart = true
			// The remote is already rebuilding; a pending local reconnect
			// would tear down the transport that answers this offer.
			if c.reconnecting {
				c.reconnecting = false
				c.reconnectGen++
			}
		}
		c.offerApplied = true
		c.lastOffer = append([]byte(nil), env.Payload...)
	}
	c.mu.Unlock()

	if restart {
		c.logger.Infow("Remote restarted negotiation, recreating transport")
		if err := c.startTransportSignalLocked(); err != nil {
			if !domain.IsAbort(err) {
				c.logger.Warnw("Transport restart failed", "error", err)
				c.scheduleReconnect("restart failed")
			}
			return
		}
		c.mu.Lock()
		t, epoch = c.transport, c.epoch
		c.offerApplied = true
		c.lastOffer = append([]byte(nil), env.Payload...)
		c.mu.Unlock()
	}

	if err := t.Signal(env.Kind, env.Payload); err != nil {
		c.handleTransportError(epoch, err)
		return
	}

	if pending {
		c.mu.Lock()
		changed := false
		if epoch == c.epoch && c.renegotiating {
			c.renegotiating = false
			changed = c.setStateLocked(domain.PeerConnected)
		}
		c.mu.Unlock()
		c.emitState(changed, domain.PeerConnected)
	}
}

func (c *PeerController) handleConnect(epoch uint64) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempt = 0
	c.lastKeepAlive = time.Now()
	c.renegotiating = false
	t := c.transport
	attach := t != nil && c.secondary != nil && !c.secondaryAttached
	if attach {
		c.secondaryAttached = true
	}
	secondary := c.secondary
	changed := c.setStateLocked(domain.PeerConnected)
	c.mu.Unlock()
	c.emitState(changed, domain.PeerConnected)

	c.logger.Infow("Peer connected", "epoch", epoch)
	if attach {
		if err := c.attachAndRenegotiate(t, epoch, secondary); err != nil {
			c.logger.Warnw("Failed to attach screen track", "error", err)
		}
	}
	if c.listener.OnConnected != nil {
		c.listener.OnConnected()
	}
}

func (c *PeerController) handleTransportError(epoch uint64, err error) {
	if !c.isCurrent(epoch) {
		return
	}
	if isBenignTransportError(err) {
		c.logger.Debugw("Ignoring benign transport error", "error", err)
		return
	}
	c.logger.Warnw("Transport error", "error", err)
	c.scheduleReconnect("transport error")
}

func (c *PeerController) handleData(epoch uint64, data []byte) {
	var msg keepAliveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debugw("Ignoring data message", "error", err)
		return
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.lastKeepAlive = time.Now()
	t := c.transport
	c.mu.Unlock()

	if msg.Type != "ping" || t == nil {
		return
	}
	pong, _ := json.Marshal(keepAliveMessage{Type: "pong", TS: msg.TS})
	if err := t.Send(pong); err != nil && !isBenignTransportError(err) && !errors.Is(err, domain.ErrDataChannelNotOpen) {
		c.logger.Debugw("Pong failed", "error", err)
	}
}

// SetMicEnabled toggles the local audio track. The flag survives restarts.
func (c *PeerController) SetMicEnabled(enabled bool) {
	c.mu.Lock()
	c.micEnabled = enabled
	audio := c.audio
	c.mu.Unlock()
	if audio != nil {
		audio.SetEnabled(enabled)
	}
}

// AddSecondaryTrack attaches a screen track. On a connected transport this
// renegotiates right away, otherwise the track joins the next negotiation.
func (c *PeerController) AddSecondaryTrack(track ports.MediaTrack) error {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrAborted
	}
	if c.secondary != nil {
		c.mu.Unlock()
		return apperrors.NewInvalidStateError("add_secondary_track", "secondary track attached")
	}
	c.secondary = track
	t, epoch := c.transport, c.epoch
	live := t != nil && c.state == domain.PeerConnected
	c.secondaryAttached = live
	c.mu.Unlock()

	if !live {
		c.logger.Debug("Screen track deferred until connected")
		return nil
	}
	return c.attachAndRenegotiate(t, epoch, track)
}

func (c *PeerController) attachAndRenegotiate(t ports.Transport, epoch uint64, track ports.MediaTrack) error {
	if err := t.AddTrack(track); err != nil && !isBenignTransportError(err) {
		return fmt.Errorf("add track: %w", err)
	}
	return c.renegotiate(t, epoch)
}

func (c *PeerController) renegotiate(t ports.Transport, epoch uint64) error {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return domain.ErrAborted
	}
	c.renegotiating = true
	changed := c.setStateLocked(domain.PeerNegotiating)
	c.mu.Unlock()
	c.emitState(changed, domain.PeerNegotiating)

	if err := t.Renegotiate(); err != nil && !isBenignTransportError(err) {
		c.handleTransportError(epoch, err)
		return fmt.Errorf("renegotiate: %w", err)
	}
	return nil
}

// RemoveSecondaryTrack detaches and stops the screen track, if any.
func (c *PeerController) RemoveSecondaryTrack() error {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	c.mu.Lock()
	track := c.secondary
	attached := c.secondaryAttached
	c.secondary = nil
	c.secondaryAttached = false
	t, epoch := c.transport, c.epoch
	live := t != nil && c.state == domain.PeerConnected && !c.closed
	c.mu.Unlock()

	if track == nil {
		return nil
	}
	defer track.Stop()

	if !attached || t == nil {
		return nil
	}
	if err := t.RemoveTrack(track); err != nil && !isBenignTransportError(err) {
		return fmt.Errorf("remove track: %w", err)
	}
	if live {
		return c.renegotiate(t, epoch)
	}
	return nil
}

// spawnLocked runs fn as a tracked timer goroutine. c.mu must be held.
func (c *PeerController) spawnLocked(fn func()) bool {
	if c.closed {
		return false
	}
	c.wg.Add(1)
	c.activeTimers.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.activeTimers.Add(-1)
		fn()
	}()
	return true
}

func (c *PeerController) startTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timersStarted {
		return
	}
	if c.spawnLocked(c.keepAliveLoop) && c.spawnLocked(c.monitorLoop) {
		c.timersStarted = true
	}
}

func (c *PeerController) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.keepAliveTick()
		}
	}
}

func (c *PeerController) keepAliveTick() {
	c.mu.Lock()
	if c.state != domain.PeerConnected || c.transport == nil {
		c.mu.Unlock()
		return
	}
	t := c.transport
	silent := time.Since(c.lastKeepAlive) > c.cfg.SilenceTimeout
	c.mu.Unlock()

	if silent {
		c.metrics.KeepAliveMissed("peer")
		c.logger.Warnw("Keep-alive silence, reconnecting", "timeout", c.cfg.SilenceTimeout)
		c.scheduleReconnect("keep-alive silence")
		return
	}

	ping, _ := json.Marshal(keepAliveMessage{Type: "ping", TS: time.Now().UnixMilli()})
	if err := t.Send(ping); err != nil && !isBenignTransportError(err) {
		c.logger.Debugw("Ping failed", "error", err)
	}
}

func (c *PeerController) monitorLoop() {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkConnection()
		}
	}
}

func (c *PeerController) checkConnection() {
	c.mu.Lock()
	t, epoch, state := c.transport, c.epoch, c.state
	since := c.negotiationStart
	c.mu.Unlock()

	if t == nil || (state != domain.PeerNegotiating && state != domain.PeerConnected) {
		return
	}

	conn, ice := t.ConnectionState(), t.ICEConnectionState()
	switch {
	case conn == domain.ConnStateFailed || ice == domain.ConnStateFailed:
		c.scheduleReconnect("connection failed")
	case conn == domain.ConnStateDisconnected || ice == domain.ConnStateDisconnected:
		c.armGrace(t, epoch)
	case conn == domain.ConnStateNew && time.Since(since) > c.cfg.StuckNewTimeout:
		c.scheduleReconnect("stuck in new")
	}
}

// armGrace re-checks a disconnected transport after the grace period, so
// short drops heal without a rebuild.
func (c *PeerController) armGrace(t ports.Transport, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graceArmed || epoch != c.epoch {
		return
	}
	c.graceArmed = c.spawnLocked(func() {
		timer := time.NewTimer(c.cfg.DisconnectGrace)
		defer timer.Stop()
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.graceArmed = false
		current := epoch == c.epoch && !c.closed
		c.mu.Unlock()
		if !current {
			return
		}

		conn, ice := t.ConnectionState(), t.ICEConnectionState()
		if conn == domain.ConnStateDisconnected || ice == domain.ConnStateDisconnected ||
			conn == domain.ConnStateFailed || ice == domain.ConnStateFailed {
			c.scheduleReconnect("disconnected beyond grace")
		}
	})
}

// scheduleReconnect starts one bounded reconnection attempt. Exhaustion
// closes the controller and reports a terminal error.
func (c *PeerController) scheduleReconnect(reason string) {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case domain.PeerNegotiating, domain.PeerConnected, domain.PeerReconnecting:
	default:
		c.mu.Unlock()
		return
	}

	c.reconnectAttempt++
	attempt := c.reconnectAttempt
	if c.cfg.Backoff.Exhausted(attempt) {
		c.mu.Unlock()
		c.metrics.PeerReconnect("exhausted")
		c.terminate(apperrors.NewPeerConnectionFailedError(
			fmt.Errorf("%d reconnect attempts exhausted, last cause: %s", attempt-1, reason)))
		return
	}

	c.reconnecting = true
	c.reconnectGen++
	gen := c.reconnectGen
	changed := c.setStateLocked(domain.PeerReconnecting)
	c.spawnLocked(func() { c.reconnectAfter(attempt, gen) })
	c.mu.Unlock()
	c.emitState(changed, domain.PeerReconnecting)

	c.logger.Infow("Reconnecting peer", "reason", reason, "attempt", attempt)
}

func (c *PeerController) reconnectAfter(attempt int, gen uint64) {
	timer := time.NewTimer(c.cfg.Backoff.NextDelay(attempt))
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return
	case <-timer.C:
	}

	// The generation is checked under signalMu so a restart offer being
	// applied right now wins over this reconnect.
	c.signalMu.Lock()
	c.mu.Lock()
	if gen != c.reconnectGen {
		c.mu.Unlock()
		c.signalMu.Unlock()
		c.logger.Debugw("Reconnect superseded by remote restart", "attempt", attempt)
		return
	}
	c.mu.Unlock()

	spanCtx, span := tracing.TraceReconnect(c.ctx, "peer", string(c.remote), attempt)
	err := c.startTransportSignalLocked()
	c.signalMu.Unlock()
	if err != nil {
		tracing.RecordError(spanCtx, err)
	}
	span.End()

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()

	switch {
	case err == nil:
		c.metrics.PeerReconnect("restarted")
	case domain.IsAbort(err):
	default:
		c.metrics.PeerReconnect("failed")
		c.logger.Warnw("Peer restart failed", "attempt", attempt, "error", err)
		c.scheduleReconnect("restart failed")
	}
}

// terminate tears down without waiting for timers, so timer goroutines may
// call it. Close finishes the wait.
func (c *PeerController) terminate(err error) {
	if !c.teardown() {
		return
	}
	c.logger.Errorw("Peer connection failed", "error", err)
	if c.listener.OnTerminalError != nil {
		c.listener.OnTerminalError(err)
	}
}

func (c *PeerController) teardown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.epoch++
	t := c.transport
	c.transport = nil
	tracks := []ports.MediaTrack{c.audio, c.secondary}
	c.audio, c.secondary = nil, nil
	c.remoteStreams = nil
	changed := c.setStateLocked(domain.PeerClosed)
	c.mu.Unlock()

	c.cancel()
	if t != nil {
		c.destroyTransport(t)
	}
	for _, track := range tracks {
		if track != nil {
			track.Stop()
		}
	}
	if n := c.buffer.Len(); n > 0 {
		c.metrics.SignalDropped("call_ended")
	}
	c.buffer.Clear()
	c.emitState(changed, domain.PeerClosed)
	return true
}

// Close releases the transport, the capture tracks, the buffer and every
// timer. Safe to call more than once; must not be called from a listener.
func (c *PeerController) Close() {
	if c.teardown() {
		c.logger.Debug("Peer controller closed")
	}
	c.wg.Wait()
}

func (c *PeerController) setStateLocked(s domain.PeerState) bool {
	if c.state == s {
		return false
	}
	c.metrics.PeerStateChanged(c.state, s)
	c.state = s
	return true
}

func (c *PeerController) emitState(changed bool, s domain.PeerState) {
	if changed && c.listener.OnStateChange != nil {
		c.listener.OnStateChange(s)
	}
}

func (c *PeerController) Snapshot() domain.PeerSnapshot {
	c.mu.Lock()
	snap := domain.PeerSnapshot{
		State:            c.state,
		Role:             c.role,
		Epoch:            c.epoch,
		ReconnectAttempt: c.reconnectAttempt,
		LastKeepAliveAt:  c.lastKeepAlive,
		SecondaryTrack:   c.secondary != nil,
		RemoteStreams:    append([]domain.RemoteStream(nil), c.remoteStreams...),
	}
	t := c.transport
	c.mu.Unlock()

	snap.BufferedSignals = c.buffer.Len()
	snap.ActiveTimers = c.ActiveTimers()
	if t != nil {
		snap.ConnectionState = t.ConnectionState()
		snap.ICEConnectionState = t.ICEConnectionState()
		snap.ICEGatheringState = t.ICEGatheringState()
	}
	return snap
}
