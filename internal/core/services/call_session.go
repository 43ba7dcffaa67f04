package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/internal/core/protocol"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/tracing"
	"voicelink/pkg/validation"
)

const watchBuffer = 8

type CallSessionDeps struct {
	Bus        ports.MessageBus
	Transports ports.TransportFactory
	Media      ports.MediaSource
	Metrics    ports.Metrics
	Logger     *zap.SugaredLogger
}

// CallSession is the call state machine of one signed-in user. Intents and
// inbound events are handled one at a time by a single actor goroutine.
type CallSession struct {
	user     domain.User
	cfg      CallConfig
	deps     CallSessionDeps
	registry *ChannelRegistry
	logger   *zap.SugaredLogger
	metrics  ports.Metrics
	mailbox  *mailbox

	// Owned by the actor goroutine.
	session   domain.CallSession
	problem   *domain.CallProblem
	peer      *PeerController
	ringTimer *time.Timer
	halted    bool
	// Call ids that ended within the freshness window. A redelivered ring
	// for one of them must not start the call again.
	ended map[domain.CallID]time.Time

	currentPeer atomic.Pointer[PeerController]

	snapMu         sync.RWMutex
	snap           domain.CallSnapshot
	watchers       map[uint64]chan domain.CallSnapshot
	nextWatcher    uint64
	watchersClosed bool

	lifeMu  sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

var _ ports.CallService = (*CallSession)(nil)

func NewCallSession(user domain.User, cfg CallConfig, deps CallSessionDeps) *CallSession {
	logger := deps.Logger.Named("call").With("user_id", string(user.ID))
	metrics := MetricsOrNoop(deps.Metrics)

	s := &CallSession{
		user:     user,
		cfg:      cfg,
		deps:     deps,
		registry: NewChannelRegistry(deps.Bus, cfg.Registry, user.ID, logger, metrics),
		logger:   logger,
		metrics:  metrics,
		mailbox:  newMailbox(),
		session:  domain.CallSession{State: domain.CallIdle, LocalUserID: user.ID},
		watchers: make(map[uint64]chan domain.CallSnapshot),
		ended:    make(map[domain.CallID]time.Time),
		done:     make(chan struct{}),
	}
	s.snap = domain.CallSnapshot{Session: s.session}
	return s
}

func (s *CallSession) UserID() domain.UserID { return s.user.ID }

func (s *CallSession) User() domain.User { return s.user }

// Start runs the actor and opens the user's own channels.
func (s *CallSession) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lifeMu.Lock()
	if s.started || s.stopped {
		s.lifeMu.Unlock()
		return nil
	}
	s.started = true
	s.lifeMu.Unlock()

	go s.run()
	s.registry.Start()

	self := s.user.ID
	persistent := []struct {
		name      string
		onMessage func(event string, payload []byte)
	}{
		{domain.IncomingCallsChannel(self), s.onControlMessage},
		{domain.SignalChannel(self), s.onSignalMessage},
		{domain.MicStatusChannel(self), nil},
	}
	for _, ch := range persistent {
		handlers := ChannelHandlers{OnMessage: ch.onMessage, OnDead: s.onChannelDead(ch.name)}
		if _, err := s.registry.Open(ch.name, handlers); err != nil {
			return fmt.Errorf("open %s: %w", ch.name, err)
		}
	}

	s.logger.Info("Call session started")
	return nil
}

// Stop hangs up any call, closes every channel and stops the actor.
func (s *CallSession) Stop() {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.lifeMu.Unlock()

	if started {
		s.mailbox.post(func() {
			s.hangUpForShutdown()
			s.halted = true
		})
		<-s.done
	}
	s.mailbox.close()
	s.registry.Close()
	s.closeWatchers()
	s.logger.Info("Call session stopped")
}

func (s *CallSession) run() {
	defer close(s.done)
	for range s.mailbox.ready {
		for _, fn := range s.mailbox.take() {
			fn()
			if s.halted {
				return
			}
		}
	}
}

// do runs fn on the actor and waits for its result.
func (s *CallSession) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !s.mailbox.post(func() { result <- fn() }) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return domain.ErrSessionClosed
		}
	}
}

func (s *CallSession) intent(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceCallIntent(ctx, name, string(s.user.ID), s.Snapshot().Session.State.String())
	defer span.End()

	err := s.do(ctx, func() error { return fn(ctx) })
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Debugw("Intent refused", "intent", name, "error", err)
	}
	return err
}

func (s *CallSession) PlaceCall(ctx context.Context, remote domain.UserID) error {
	return s.intent(ctx, "place_call", func(ctx context.Context) error {
		return s.placeCall(remote)
	})
}

func (s *CallSession) AcceptCall(ctx context.Context) error {
	return s.intent(ctx, "accept_call", s.acceptCall)
}

func (s *CallSession) RejectCall(ctx context.Context) error {
	return s.intent(ctx, "reject_call", func(context.Context) error {
		if !s.session.State.Ringing() {
			return s.invalidState("reject_call")
		}
		s.finishCall("rejected", protocol.CallRejected{CallControl: s.control()}, nil)
		return nil
	})
}

func (s *CallSession) CancelCall(ctx context.Context) error {
	return s.intent(ctx, "cancel_call", func(context.Context) error {
		if s.session.State != domain.CallRingingOutbound {
			return s.invalidState("cancel_call")
		}
		s.finishCall("cancelled", protocol.CallCancelled{CallControl: s.control()}, nil)
		return nil
	})
}

func (s *CallSession) EndCall(ctx context.Context) error {
	return s.intent(ctx, "end_call", func(context.Context) error {
		if s.session.State != domain.CallConnecting && s.session.State != domain.CallActive {
			return s.invalidState("end_call")
		}
		s.finishCall("local_hangup", protocol.CallEnded{CallControl: s.control()}, nil)
		return nil
	})
}

// ToggleMic flips the mute flag and returns the new value. It works in any
// state; the flag carries over to the next call.
func (s *CallSession) ToggleMic(ctx context.Context) (bool, error) {
	var muted bool
	err := s.intent(ctx, "toggle_mic", func(context.Context) error {
		muted = !s.session.MicMuted
		s.session.MicMuted = muted
		if s.peer != nil {
			s.peer.SetMicEnabled(!muted)
		}
		s.publish()

		ev := protocol.NewMicStatus(s.user.ID, muted, time.Now())
		if err := s.sendOn(domain.MicStatusChannel(s.user.ID), ev); err != nil {
			s.logger.Debugw("Mic status broadcast failed", "error", err)
		}
		return nil
	})
	return muted, err
}

func (s *CallSession) StartScreenShare(ctx context.Context) error {
	return s.intent(ctx, "start_screen_share", func(ctx context.Context) error {
		if s.session.State != domain.CallConnecting && s.session.State != domain.CallActive {
			return s.invalidState("start_screen_share")
		}
		if s.session.ScreenSharing {
			return apperrors.NewInvalidStateError("start_screen_share", "ScreenSharing")
		}

		track, err := s.deps.Media.AcquireScreen(ctx)
		if err != nil {
			return classifyMediaError(err)
		}
		if err := s.peer.AddSecondaryTrack(track); err != nil {
			track.Stop()
			return err
		}
		s.session.ScreenSharing = true
		s.publish()
		return nil
	})
}

func (s *CallSession) StopScreenShare(ctx context.Context) error {
	return s.intent(ctx, "stop_screen_share", func(context.Context) error {
		if !s.session.ScreenSharing {
			return s.invalidState("stop_screen_share")
		}
		if s.peer != nil {
			if err := s.peer.RemoveSecondaryTrack(); err != nil {
				s.logger.Warnw("Failed to remove screen track", "error", err)
			}
		}
		s.session.ScreenSharing = false
		s.publish()
		return nil
	})
}

func (s *CallSession) placeCall(remote domain.UserID) error {
	if err := validation.ValidateUserID(string(remote)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if remote == s.user.ID {
		return apperrors.NewInvalidInputError("cannot call yourself")
	}
	if s.session.State != domain.CallIdle {
		return s.invalidState("place_call")
	}

	callID := domain.CallID(uuid.NewString())
	if err := s.beginCall(remote, "", callID, domain.RoleOfferer); err != nil {
		return err
	}
	s.setState(domain.CallPlacing)

	ev := protocol.NewIncomingCall(s.user.ID, s.user.DisplayName, callID, time.Now())
	if err := s.sendControl(remote, ev); err != nil {
		appErr := apperrors.NewSignalingUnreachableError(err)
		s.finishCall("signaling_unreachable", nil, appErr)
		return appErr
	}

	s.setState(domain.CallRingingOutbound)
	s.armRingTimer()
	s.logger.Infow("Calling", "remote", remote, "call_id", callID)
	return nil
}

func (s *CallSession) acceptCall(ctx context.Context) error {
	if s.session.State != domain.CallRingingInbound {
		return s.invalidState("accept_call")
	}
	s.stopRingTimer()
	s.setState(domain.CallConnecting)

	if err := s.peer.Start(ctx, false); err != nil {
		s.finishCall("media_error", protocol.CallEnded{CallControl: s.control()}, err)
		return err
	}
	if err := s.sendControl(s.session.RemoteUserID, protocol.CallAccepted{CallControl: s.control()}); err != nil {
		appErr := apperrors.NewSignalingUnreachableError(err)
		s.finishCall("signaling_unreachable", nil, appErr)
		return appErr
	}
	return nil
}

func (s *CallSession) hangUpForShutdown() {
	switch s.session.State {
	case domain.CallRingingOutbound:
		s.finishCall("signed_out", protocol.CallCancelled{CallControl: s.control()}, nil)
	case domain.CallRingingInbound:
		s.finishCall("signed_out", protocol.CallRejected{CallControl: s.control()}, nil)
	case domain.CallConnecting, domain.CallActive:
		s.finishCall("signed_out", protocol.CallEnded{CallControl: s.control()}, nil)
	case domain.CallIdle:
	default:
		s.finishCall("signed_out", nil, nil)
	}
}

func (s *CallSession) onControlMessage(event string, payload []byte) {
	receivedAt := time.Now()
	ev, err := protocol.Decode(event, payload)
	if err != nil {
		s.metrics.SignalDropped("malformed")
		s.logger.Debugw("Dropping undecodable event", "event", event, "error", err)
		return
	}
	s.mailbox.post(func() { s.handleControl(ev, receivedAt) })
}

func (s *CallSession) onSignalMessage(event string, payload []byte) {
	receivedAt := time.Now()
	ev, err := protocol.Decode(event, payload)
	if err != nil {
		s.metrics.SignalDropped("malformed")
		s.logger.Debugw("Dropping undecodable signal", "event", event, "error", err)
		return
	}
	sig, ok := ev.(protocol.PeerSignal)
	if !ok {
		s.logger.Debugw("Ignoring non-signal event on signal channel", "event", event)
		return
	}
	s.mailbox.post(func() { s.handleSignal(sig, receivedAt) })
}

func (s *CallSession) handleControl(ev protocol.Event, receivedAt time.Time) {
	if protocol.IsStale(ev, receivedAt, s.cfg.FreshnessWindow) {
		s.metrics.SignalDropped("stale")
		s.logger.Debugw("Dropping stale event", "event", ev.Name(), "age", receivedAt.Sub(ev.SentAt()))
		return
	}

	switch e := ev.(type) {
	case protocol.IncomingCall:
		s.onIncomingCall(e)
	case protocol.CallAccepted:
		if s.session.State == domain.CallRingingOutbound && s.matches(e.CallControl) {
			s.onAccepted()
		}
	case protocol.CallRejected:
		if s.session.State.Ringing() && s.matches(e.CallControl) {
			problem := apperrors.NewCallRejectedError()
			if s.session.State == domain.CallRingingInbound {
				problem = apperrors.NewCallCancelledError()
			}
			s.finishCall("rejected", nil, problem)
		}
	case protocol.CallCancelled:
		st := s.session.State
		if st == domain.CallIdle {
			// Overtook its own ring.
			s.rememberEnded(e.CallID)
			return
		}
		if (st == domain.CallRingingInbound || st == domain.CallConnecting) && s.matches(e.CallControl) {
			s.finishCall("cancelled", nil, apperrors.NewCallCancelledError())
		}
	case protocol.CallEnded:
		if s.session.State != domain.CallIdle && s.matches(e.CallControl) {
			s.finishCall("remote_hangup", nil, nil)
		}
	default:
		s.logger.Debugw("Ignoring event on incoming calls channel", "event", ev.Name())
	}
}

// matches reports whether a control event belongs to the current call.
func (s *CallSession) matches(cc protocol.CallControl) bool {
	ok := s.session.State != domain.CallIdle &&
		cc.From == s.session.RemoteUserID &&
		cc.CallID == s.session.CallID
	if !ok {
		s.metrics.SignalDropped("unmatched")
	}
	return ok
}

func (s *CallSession) onIncomingCall(e protocol.IncomingCall) {
	if e.CallerID == s.user.ID {
		return
	}
	if s.recentlyEnded(e.CallID) {
		s.metrics.SignalDropped("ended")
		s.logger.Debugw("Dropping ring for a finished call", "caller", e.CallerID, "call_id", e.CallID)
		return
	}
	if s.session.State != domain.CallIdle {
		s.metrics.SignalDropped("busy")
		s.logger.Infow("Busy, dropping incoming call",
			"caller", e.CallerID,
			"state", s.session.State.String(),
		)
		return
	}

	if err := s.beginCall(e.CallerID, e.DisplayName, e.CallID, domain.RoleAnswerer); err != nil {
		s.logger.Warnw("Failed to set up incoming call", "caller", e.CallerID, "error", err)
		return
	}
	s.setState(domain.CallRingingInbound)
	s.armRingTimer()
	s.logger.Infow("Incoming call", "caller", e.CallerID, "call_id", e.CallID)
}

func (s *CallSession) onAccepted() {
	s.stopRingTimer()
	s.setState(domain.CallConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IntentTimeout)
	defer cancel()
	if err := s.peer.Start(ctx, true); err != nil {
		s.finishCall("media_error", protocol.CallEnded{CallControl: s.control()}, err)
	}
}

func (s *CallSession) handleSignal(sig protocol.PeerSignal, receivedAt time.Time) {
	if s.peer == nil || sig.From != s.session.RemoteUserID || sig.CallID != s.session.CallID {
		s.metrics.SignalDropped("unmatched")
		return
	}
	s.peer.ApplyRemoteSignal(sig.Envelope(receivedAt))
}

// beginCall sets up the per-call resources. The controller exists from the
// first ring so early signals are buffered rather than lost.
func (s *CallSession) beginCall(remote domain.UserID, displayName string, callID domain.CallID, role domain.CallRole) error {
	s.session.Epoch++
	epoch := s.session.Epoch

	s.session.CallID = callID
	s.session.Role = role
	s.session.RemoteUserID = remote
	s.session.RemoteDisplayName = displayName
	s.session.StartedAt = time.Now()
	s.session.ActiveSince = time.Time{}
	s.session.RemoteMicMuted = false
	s.session.ScreenSharing = false

	if err := s.openCallChannels(remote, epoch); err != nil {
		s.closeCallChannels(remote)
		s.resetCall()
		return err
	}

	peer := NewPeerController(PeerControllerOptions{
		Remote:   remote,
		Factory:  s.deps.Transports,
		Media:    s.deps.Media,
		Listener: s.peerListener(epoch, remote, callID),
		Config:   s.cfg.Peer,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	peer.SetMicEnabled(!s.session.MicMuted)
	s.setPeer(peer)
	return nil
}

func (s *CallSession) setPeer(p *PeerController) {
	s.peer = p
	s.currentPeer.Store(p)
}

func (s *CallSession) peerListener(epoch uint64, remote domain.UserID, callID domain.CallID) PeerListener {
	return PeerListener{
		OnLocalSignal: func(sig domain.LocalSignal) {
			s.relaySignal(remote, callID, sig)
		},
		OnConnected: func() {
			s.mailbox.post(func() { s.onPeerConnected(epoch) })
		},
		OnTerminalError: func(err error) {
			s.mailbox.post(func() { s.onPeerTerminal(epoch, err) })
		},
		OnRemoteStream: func(stream domain.RemoteStream) {
			s.logger.Infow("Remote stream",
				"remote", remote,
				"kind", stream.Kind,
				"codec", stream.Codec,
			)
		},
		OnStateChange: func(domain.PeerState) {
			s.mailbox.post(s.publish)
		},
	}
}

// relaySignal runs on transport goroutines, preserving their order.
func (s *CallSession) relaySignal(remote domain.UserID, callID domain.CallID, sig domain.LocalSignal) {
	ch, ok := s.registry.Get(domain.SignalChannel(remote))
	if !ok {
		s.metrics.SignalDropped("no_channel")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IntentTimeout)
	defer cancel()
	if err := ch.SendEvent(ctx, protocol.NewPeerSignal(s.user.ID, callID, sig, time.Now())); err != nil {
		s.logger.Warnw("Failed to relay signal", "kind", sig.Kind, "error", err)
	}
}

func (s *CallSession) onPeerConnected(epoch uint64) {
	if epoch != s.session.Epoch || s.session.State != domain.CallConnecting {
		return
	}
	now := time.Now()
	s.session.ActiveSince = now
	s.metrics.CallSetupDuration(now.Sub(s.session.StartedAt))
	s.setState(domain.CallActive)
	s.logger.Infow("Call active", "call_id", s.session.CallID, "remote", s.session.RemoteUserID)
}

func (s *CallSession) onPeerTerminal(epoch uint64, err error) {
	st := s.session.State
	if epoch != s.session.Epoch || (st != domain.CallConnecting && st != domain.CallActive) {
		return
	}
	s.finishCall("peer_failed", protocol.CallEnded{CallControl: s.control()}, err)
}

func (s *CallSession) onChannelDead(name string) func(err error) {
	return func(err error) {
		s.mailbox.post(func() {
			s.logger.Errorw("Channel unreachable", "channel", name, "error", err)
			if s.session.State != domain.CallIdle && !isMicStatusChannel(name) {
				s.finishCall("signaling_unreachable", nil, err)
				return
			}
			s.setProblem(err)
		})
	}
}

func isMicStatusChannel(name string) bool {
	return strings.HasPrefix(name, domain.MicStatusChannel(""))
}

func (s *CallSession) openCallChannels(remote domain.UserID, epoch uint64) error {
	micName := domain.MicStatusChannel(remote)
	channels := map[string]ChannelHandlers{
		domain.IncomingCallsChannel(remote): {OnDead: s.onChannelDead(domain.IncomingCallsChannel(remote))},
		domain.SignalChannel(remote):        {OnDead: s.onChannelDead(domain.SignalChannel(remote))},
		micName: {
			OnMessage: s.remoteMicHandler(remote, epoch),
			OnDead:    s.onChannelDead(micName),
		},
	}
	for name, handlers := range channels {
		if _, err := s.registry.Open(name, handlers); err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
	}
	return nil
}

func (s *CallSession) closeCallChannels(remote domain.UserID) {
	s.registry.CloseChannel(domain.IncomingCallsChannel(remote))
	s.registry.CloseChannel(domain.SignalChannel(remote))
	s.registry.CloseChannel(domain.MicStatusChannel(remote))
}

func (s *CallSession) remoteMicHandler(remote domain.UserID, epoch uint64) func(string, []byte) {
	return func(event string, payload []byte) {
		ev, err := protocol.Decode(event, payload)
		if err != nil {
			return
		}
		mic, ok := ev.(protocol.MicStatus)
		if !ok || mic.UserID != remote {
			return
		}
		s.mailbox.post(func() {
			if epoch != s.session.Epoch || s.session.State == domain.CallIdle {
				return
			}
			s.session.RemoteMicMuted = mic.Muted
			s.publish()
		})
	}
}

// finishCall tears the call down and returns to Idle. notify, when set, is
// sent to the remote first.
func (s *CallSession) finishCall(reason string, notify protocol.Event, problem error) {
	if s.session.State == domain.CallIdle {
		return
	}
	remote := s.session.RemoteUserID
	callID := s.session.CallID

	s.setState(domain.CallEnding)
	s.stopRingTimer()

	if notify != nil {
		if err := s.sendControl(remote, notify); err != nil {
			s.logger.Warnw("Failed to notify remote", "event", notify.Name(), "error", err)
		}
	}
	if s.peer != nil {
		s.peer.Close()
		s.setPeer(nil)
	}
	s.closeCallChannels(remote)

	s.rememberEnded(callID)
	s.metrics.CallEnded(reason)
	s.logger.Infow("Call ended", "reason", reason, "call_id", callID, "remote", remote)

	s.resetCall()
	s.setState(domain.CallIdle)
	if problem != nil {
		s.setProblem(problem)
	}
}

func (s *CallSession) rememberEnded(id domain.CallID) {
	if id == "" {
		return
	}
	s.ended[id] = time.Now()
}

// recentlyEnded also forgets ids older than the freshness window; rings
// that old are dropped as stale anyway.
func (s *CallSession) recentlyEnded(id domain.CallID) bool {
	now := time.Now()
	for callID, at := range s.ended {
		if now.Sub(at) > s.cfg.FreshnessWindow {
			delete(s.ended, callID)
		}
	}
	_, ok := s.ended[id]
	return ok
}

func (s *CallSession) resetCall() {
	s.session = domain.CallSession{
		State:       s.session.State,
		Epoch:       s.session.Epoch,
		LocalUserID: s.user.ID,
		MicMuted:    s.session.MicMuted,
	}
}

func (s *CallSession) armRingTimer() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.stopRingTimer()
	epoch := s.session.Epoch
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.mailbox.post(func() { s.onRingTimeout(epoch) })
	})
}

func (s *CallSession) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *CallSession) onRingTimeout(epoch uint64) {
	if epoch != s.session.Epoch {
		return
	}
	switch s.session.State {
	case domain.CallRingingOutbound:
		s.finishCall("no_answer", protocol.CallCancelled{CallControl: s.control()}, apperrors.NewNoAnswerError())
	case domain.CallRingingInbound:
		s.finishCall("missed", nil, nil)
	}
}

func (s *CallSession) control() protocol.CallControl {
	return protocol.NewCallControl(s.user.ID, s.session.CallID, time.Now())
}

func (s *CallSession) sendControl(remote domain.UserID, ev protocol.Event) error {
	return s.sendOn(domain.IncomingCallsChannel(remote), ev)
}

func (s *CallSession) sendOn(name string, ev protocol.Event) error {
	ch, err := s.registry.GetOrOpen(name, ChannelHandlers{OnDead: s.onChannelDead(name)})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IntentTimeout)
	defer cancel()
	return ch.SendEvent(ctx, ev)
}

func (s *CallSession) invalidState(intent string) error {
	return apperrors.NewInvalidStateError(intent, s.session.State.String())
}

// Problems survive Idle and Ending; any forward progress clears them.
func clearsProblem(st domain.CallState) bool {
	switch st {
	case domain.CallPlacing, domain.CallRingingOutbound, domain.CallRingingInbound,
		domain.CallConnecting, domain.CallActive:
		return true
	}
	return false
}

func (s *CallSession) setState(to domain.CallState) {
	from := s.session.State
	if from == to {
		return
	}
	s.session.State = to
	s.metrics.CallStateChanged(from, to)
	if clearsProblem(to) {
		s.problem = nil
	}
	s.logger.Debugw("Call state changed", "from", from.String(), "to", to.String())
	s.publish()
}

func (s *CallSession) setProblem(err error) {
	p := &domain.CallProblem{
		Code:    string(apperrors.ErrCodeInternal),
		Message: err.Error(),
		At:      time.Now(),
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		p.Code = string(appErr.Code)
		p.Message = appErr.Message
	}
	s.problem = p
	s.publish()
}

func (s *CallSession) publish() {
	snap := domain.CallSnapshot{Session: s.session}
	if s.problem != nil {
		p := *s.problem
		snap.Problem = &p
	}

	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.snap = snap
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// Drop the oldest queued update so the latest state gets through.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *CallSession) Snapshot() domain.CallSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *CallSession) Diagnostics() domain.Diagnostics {
	d := domain.Diagnostics{
		Call:     s.Snapshot(),
		Channels: s.registry.Stats(),
		Handles:  s.registry.Snapshots(),
	}
	if p := s.currentPeer.Load(); p != nil {
		snap := p.Snapshot()
		d.Peer = &snap
	}
	return d
}

// Watch streams snapshots, starting with the current one. The cancel func
// closes the channel.
func (s *CallSession) Watch() (<-chan domain.CallSnapshot, func()) {
	ch := make(chan domain.CallSnapshot, watchBuffer)

	s.snapMu.Lock()
	if s.watchersClosed {
		s.snapMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	ch <- s.snap
	s.snapMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.snapMu.Lock()
			defer s.snapMu.Unlock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
		})
	}
}

func (s *CallSession) closeWatchers() {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.watchersClosed = true
}
