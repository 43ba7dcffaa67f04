package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicelink/internal/core/ports"
	"voicelink/pkg/circuitbreaker"
	"voicelink/pkg/tracing"
)

// wireMessage is what travels over Redis Pub/Sub.
type wireMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus maps bus channels onto Redis Pub/Sub channels under a key prefix.
type RedisBus struct {
	client         *redis.Client
	prefix         string
	receiveTimeout time.Duration
	errorPause     time.Duration
	// Nil when publishes are never short-circuited.
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewRedisBus wraps client. A non-nil breaker guards Broadcast so callers
// see a failed publish at once while Redis is down instead of waiting out
// their own timeouts.
func NewRedisBus(client *redis.Client, prefix string, receiveTimeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.SugaredLogger) *RedisBus {
	b := &RedisBus{
		client:         client,
		prefix:         prefix,
		receiveTimeout: receiveTimeout,
		errorPause:     time.Second,
		breaker:        breaker,
		logger:         logger.Named("redisbus"),
	}
	if breaker != nil {
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			b.logger.Warnw("Publish circuit changed state",
				"from", from.String(),
				"to", to.String(),
			)
		})
	}
	return b
}

func (b *RedisBus) key(channel string) string {
	return b.prefix + channel
}

type redisSubscription struct {
	channel     string
	ps          *redis.PubSub
	handlers    ports.BusHandlers
	alive       atomic.Bool
	intentional atomic.Bool
	cancel      context.CancelFunc
}

func (s *redisSubscription) Channel() string { return s.channel }
func (s *redisSubscription) Alive() bool     { return s.alive.Load() }

func (s *redisSubscription) status(status ports.SubscriptionStatus, err error) {
	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status, err)
	}
}

// Subscribe issues SUBSCRIBE and waits for the server confirmation.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handlers ports.BusHandlers) (ports.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.key(channel))

	confirm, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if _, ok := confirm.(*redis.Subscription); !ok {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: unexpected reply %T", channel, confirm)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		channel:  channel,
		ps:       ps,
		handlers: handlers,
		cancel:   cancel,
	}
	sub.alive.Store(true)

	go b.receiveLoop(loopCtx, sub)
	return sub, nil
}

func (b *RedisBus) receiveLoop(ctx context.Context, sub *redisSubscription) {
	defer sub.alive.Store(false)

	sub.status(ports.StatusSubscribed, nil)

	for {
		msg, err := sub.ps.ReceiveTimeout(ctx, b.receiveTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				if !sub.intentional.Load() {
					sub.status(ports.StatusClosed, err)
				}
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Idle connection. A failed PING means the link is gone.
				if perr := sub.ps.Ping(ctx); perr != nil && ctx.Err() == nil {
					sub.status(ports.StatusTimedOut, perr)
				}
				continue
			}

			sub.status(ports.StatusChannelError, err)
			select {
			case <-ctx.Done():
			case <-time.After(b.errorPause):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			var wire wireMessage
			if err := json.Unmarshal([]byte(m.Payload), &wire); err != nil {
				b.logger.Warnw("Dropping malformed bus message", "channel", sub.channel, "error", err)
				continue
			}
			if sub.handlers.OnMessage != nil {
				sub.handlers.OnMessage(wire.Event, wire.Payload)
			}
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				// go-redis resubscribes on its own after a reconnect.
				sub.status(ports.StatusSubscribed, nil)
			}
		case *redis.Pong:
		}
	}
}

// Broadcast publishes payload, which must be JSON, on channel.
func (b *RedisBus) Broadcast(ctx context.Context, channel, event string, payload []byte) (err error) {
	ctx, span := tracing.TracePublish(ctx, channel, event)
	defer func() { tracing.End(span, err) }()

	data, err := json.Marshal(wireMessage{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	publish := func() error {
		return b.client.Publish(ctx, b.key(channel), data).Err()
	}
	if b.breaker != nil {
		err = b.breaker.Execute(publish)
	} else {
		err = publish()
	}
	if err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(sub ports.Subscription) error {
	rs, ok := sub.(*redisSubscription)
	if !ok {
		return fmt.Errorf("unsubscribe: foreign subscription %T", sub)
	}
	rs.intentional.Store(true)
	rs.cancel()
	return rs.ps.Close()
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
