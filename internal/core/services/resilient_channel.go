package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/internal/core/protocol"
	"voicelink/pkg/backoff"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/tracing"
)

type ChannelConfig struct {
	KeepAliveInterval   time.Duration
	HealthCheckInterval time.Duration
	InactivityTimeout   time.Duration
	ErrorThreshold      int
	Backoff             backoff.Policy
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		KeepAliveInterval:   30 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		InactivityTimeout:   5 * time.Minute,
		ErrorThreshold:      3,
		Backoff:             backoff.ChannelPolicy(),
	}
}

// ChannelHandlers must not block and must not close the channel synchronously.
type ChannelHandlers struct {
	OnSubscribed func()
	OnMessage    func(event string, payload []byte)
	// OnDead fires once when reconnection is exhausted.
	OnDead func(err error)
}

// ResilientChannel keeps one bus subscription alive: heartbeats, periodic
// health checks and bounded reconnection. Handles are created and removed
// by ChannelRegistry.
type ResilientChannel struct {
	name     string
	origin   domain.UserID
	bus      ports.MessageBus
	handlers ChannelHandlers
	cfg      ChannelConfig
	logger   *zap.SugaredLogger
	metrics  ports.Metrics
	onClosed func(*ResilientChannel)

	mu                sync.Mutex
	sub               ports.Subscription
	gen               uint64
	health            domain.ChannelHealth
	consecutiveErrors int
	totalErrors       int
	lastActivity      time.Time
	reconnectAttempt  int
	reconnecting      bool
	timersRunning     bool
	closed            bool

	ctx    context.Context
	cancel context.CancelFunc
	// Keep-alive and health check run under timerCtx, which a dead handle
	// cancels on its own. Close still cancels ctx and waits for wg.
	timerCtx   context.Context
	stopTimers context.CancelFunc
	timers     atomic.Int32
	wg         sync.WaitGroup
}

func newResilientChannel(
	name string,
	origin domain.UserID,
	bus ports.MessageBus,
	handlers ChannelHandlers,
	cfg ChannelConfig,
	logger *zap.SugaredLogger,
	metrics ports.Metrics,
	onClosed func(*ResilientChannel),
) *ResilientChannel {
	ctx, cancel := context.WithCancel(context.Background())
	timerCtx, stopTimers := context.WithCancel(ctx)
	return &ResilientChannel{
		name:         name,
		origin:       origin,
		bus:          bus,
		handlers:     handlers,
		cfg:          cfg,
		logger:       logger.With("channel", name),
		metrics:      MetricsOrNoop(metrics),
		onClosed:     onClosed,
		health:       domain.ChannelReconnecting,
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		timerCtx:     timerCtx,
		stopTimers:   stopTimers,
	}
}

func (c *ResilientChannel) Name() string { return c.name }

// ActiveTimers reports how many of the keep-alive and health check loops
// are running.
func (c *ResilientChannel) ActiveTimers() int { return int(c.timers.Load()) }

func (c *ResilientChannel) Health() domain.ChannelHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *ResilientChannel) Snapshot() domain.ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ChannelSnapshot{
		Name:              c.name,
		Health:            c.health,
		ConsecutiveErrors: c.consecutiveErrors,
		TotalErrors:       c.totalErrors,
		LastActivityAt:    c.lastActivity,
		ReconnectAttempt:  c.reconnectAttempt,
	}
}

// open performs the first subscription. A failure is counted and handed to
// the reconnection loop.
func (c *ResilientChannel) open() {
	c.metrics.ChannelOpened()
	if err := c.subscribe(); err != nil {
		if domain.IsAbort(err) {
			return
		}
		c.logger.Warnw("Initial subscribe failed", "error", err)
		c.mu.Lock()
		c.countErrorLocked("subscribe")
		c.mu.Unlock()
		c.Reconnect("initial subscribe failed")
	}
}

func (c *ResilientChannel) subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrAborted
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(c.ctx, c.name, ports.BusHandlers{
		OnStatus: func(status ports.SubscriptionStatus, err error) {
			c.handleStatus(gen, status, err)
		},
		OnMessage: func(event string, payload []byte) {
			c.handleMessage(gen, event, payload)
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = c.bus.Unsubscribe(sub)
		return domain.ErrAborted
	}
	c.sub = sub
	c.consecutiveErrors = 0
	c.reconnectAttempt = 0
	c.reconnecting = false
	c.lastActivity = time.Now()
	c.setHealthLocked(domain.ChannelHealthy)
	startTimers := !c.timersRunning
	if startTimers {
		c.timersRunning = true
		c.wg.Add(2)
		c.timers.Add(2)
	}
	c.mu.Unlock()

	if startTimers {
		go c.keepAliveLoop()
		go c.healthCheckLoop()
	}

	c.logger.Debugw("Subscribed", "generation", gen)
	if c.handlers.OnSubscribed != nil {
		c.handlers.OnSubscribed()
	}
	return nil
}

func (c *ResilientChannel) handleStatus(gen uint64, status ports.SubscriptionStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Superseded subscriptions and local teardown are never failures.
	if c.closed || gen != c.gen {
		return
	}

	switch status {
	case ports.StatusSubscribed:
		c.lastActivity = time.Now()
		if !c.reconnecting {
			c.setHealthLocked(domain.ChannelHealthy)
		}
	case ports.StatusChannelError, ports.StatusTimedOut, ports.StatusClosed:
		if domain.IsAbort(err) {
			c.logger.Debugw("Ignoring aborted subscription status", "status", status.String())
			return
		}
		c.countErrorLocked(status.String())
		c.logger.Warnw("Subscription error",
			"status", status.String(),
			"consecutive_errors", c.consecutiveErrors,
			"error", err,
		)
	}
}

func (c *ResilientChannel) handleMessage(gen uint64, event string, payload []byte) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if event == protocol.EventHeartbeat {
		return
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(event, payload)
	}
}

// countErrorLocked records a non-abort failure. c.mu must be held.
func (c *ResilientChannel) countErrorLocked(kind string) {
	c.consecutiveErrors++
	c.totalErrors++
	c.metrics.ChannelError(kind)
	if c.health == domain.ChannelHealthy {
		c.setHealthLocked(domain.ChannelDegraded)
	}
}

func (c *ResilientChannel) setHealthLocked(h domain.ChannelHealth) {
	if c.health == h {
		return
	}
	c.metrics.ChannelHealthChanged(c.health, h)
	c.health = h
}

// Send broadcasts on the channel. There is no retry; a failure is counted.
func (c *ResilientChannel) Send(ctx context.Context, event string, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.mu.Unlock()

	err := c.bus.Broadcast(ctx, c.name, event, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !domain.IsAbort(err) && !c.closed {
			c.countErrorLocked("send")
		}
		return fmt.Errorf("send %s on %s: %w", event, c.name, err)
	}
	c.lastActivity = time.Now()
	return nil
}

// SendEvent encodes ev and sends it.
func (c *ResilientChannel) SendEvent(ctx context.Context, ev protocol.Event) error {
	name, payload, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return c.Send(ctx, name, payload)
}

func (c *ResilientChannel) keepAliveLoop() {
	defer c.wg.Done()
	defer c.timers.Add(-1)
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.timerCtx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			live := c.health == domain.ChannelHealthy || c.health == domain.ChannelDegraded
			c.mu.Unlock()
			if !live {
				continue
			}
			if err := c.SendEvent(c.ctx, protocol.NewHeartbeat(c.origin, time.Now())); err != nil {
				c.logger.Debugw("Heartbeat failed", "error", err)
			}
		}
	}
}

func (c *ResilientChannel) healthCheckLoop() {
	defer c.wg.Done()
	defer c.timers.Add(-1)
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.timerCtx.Done():
			return
		case <-ticker.C:
			if reason := c.unhealthyReason(); reason != "" {
				c.Reconnect(reason)
			}
		}
	}
}

// unhealthyReason evaluates the health conditions in order and returns the
// first that holds.
func (c *ResilientChannel) unhealthyReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnecting || c.health == domain.ChannelDead {
		return ""
	}
	switch {
	case time.Since(c.lastActivity) > c.cfg.InactivityTimeout:
		return "inactivity"
	case c.consecutiveErrors >= c.cfg.ErrorThreshold:
		return "consecutive errors"
	case c.sub == nil || !c.sub.Alive():
		return "subscription closed"
	}
	return ""
}

// Reconnect tears down the subscription and resubscribes with backoff.
// It is a no-op while a reconnection is running or once the handle is dead.
func (c *ResilientChannel) Reconnect(reason string) {
	c.mu.Lock()
	if c.closed || c.reconnecting || c.health == domain.ChannelDead {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.setHealthLocked(domain.ChannelReconnecting)
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Infow("Reconnecting channel", "reason", reason)
	go c.reconnectLoop()
}

func (c *ResilientChannel) reconnectLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		c.mu.Unlock()

		if c.cfg.Backoff.Exhausted(attempt) {
			c.markDead()
			return
		}

		timer := time.NewTimer(c.cfg.Backoff.NextDelay(attempt))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.stopReconnecting()
			return
		case <-timer.C:
		}

		spanCtx, span := tracing.TraceReconnect(c.ctx, "channel", c.name, attempt)
		c.teardownSubscription()
		err := c.subscribe()
		if err != nil {
			tracing.RecordError(spanCtx, err)
		}
		span.End()

		if err == nil {
			c.metrics.ChannelReconnect("success")
			c.logger.Infow("Channel reconnected", "attempt", attempt)
			return
		}
		if domain.IsAbort(err) || c.ctx.Err() != nil {
			c.stopReconnecting()
			return
		}

		c.metrics.ChannelReconnect("failed")
		c.logger.Warnw("Reconnect attempt failed", "attempt", attempt, "error", err)
		c.mu.Lock()
		c.countErrorLocked("subscribe")
		c.mu.Unlock()
	}
}

func (c *ResilientChannel) stopReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *ResilientChannel) markDead() {
	c.stopTimers()
	c.teardownSubscription()

	c.mu.Lock()
	c.reconnecting = false
	c.setHealthLocked(domain.ChannelDead)
	attempts := c.reconnectAttempt - 1
	c.mu.Unlock()

	c.metrics.ChannelReconnect("dead")
	c.logger.Errorw("Channel is dead, giving up", "attempts", attempts)

	if c.handlers.OnDead != nil {
		c.handlers.OnDead(apperrors.NewSignalingUnreachableError(
			fmt.Errorf("channel %s: %d reconnect attempts exhausted", c.name, attempts)).
			WithContext("channel", c.name))
	}
}

// teardownSubscription drops the current subscription. Bumping the
// generation first makes its late callbacks no-ops.
func (c *ResilientChannel) teardownSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.gen++
	c.mu.Unlock()

	if sub == nil {
		return
	}
	if err := c.bus.Unsubscribe(sub); err != nil {
		c.logger.Debugw("Unsubscribe failed", "error", err)
	}
}

// Close cancels timers, unsubscribes and removes the handle from its registry.
func (c *ResilientChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	health := c.health
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.teardownSubscription()
	c.metrics.ChannelClosed(health)

	if c.onClosed != nil {
		c.onClosed(c)
	}
	c.logger.Debug("Channel closed")
}
