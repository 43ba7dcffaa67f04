package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"voicelink/internal/core/ports"
)

const memoryQueueSize = 256

var ErrBusClosed = errors.New("bus closed")

// MemoryBus is an in-process broadcast bus. Like the hosted bus it delivers
// at most once: a subscriber whose queue is full loses the message. It also
// exposes fault injection used by tests and local chaos runs.
type MemoryBus struct {
	logger *zap.SugaredLogger

	mu            sync.Mutex
	subs          map[string]map[uint64]*memorySubscription
	nextID        uint64
	closed        bool
	failSubscribe map[string]int
	broadcastErr  error
	broadcasts    map[string]int
}

func NewMemoryBus(logger *zap.SugaredLogger) *MemoryBus {
	return &MemoryBus{
		logger:        logger.Named("membus"),
		subs:          make(map[string]map[uint64]*memorySubscription),
		failSubscribe: make(map[string]int),
		broadcasts:    make(map[string]int),
	}
}

type memorySubscription struct {
	id       uint64
	channel  string
	handlers ports.BusHandlers
	queue    chan func()
	done     chan struct{}
	once     sync.Once
	alive    atomic.Bool
}

func (s *memorySubscription) Channel() string { return s.channel }
func (s *memorySubscription) Alive() bool     { return s.alive.Load() }

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.queue:
			fn()
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() {
		s.alive.Store(false)
		close(s.done)
	})
}

// enqueue never blocks the publisher.
func (s *memorySubscription) enqueue(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- fn:
		return true
	default:
		return false
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handlers ports.BusHandlers) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if n := b.failSubscribe[channel]; n > 0 {
		b.failSubscribe[channel] = n - 1
		return nil, fmt.Errorf("subscribe %s: injected failure", channel)
	}

	b.nextID++
	sub := &memorySubscription{
		id:       b.nextID,
		channel:  channel,
		handlers: handlers,
		queue:    make(chan func(), memoryQueueSize),
		done:     make(chan struct{}),
	}
	sub.alive.Store(true)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*memorySubscription)
	}
	b.subs[channel][sub.id] = sub

	go sub.run()
	if handlers.OnStatus != nil {
		sub.enqueue(func() { handlers.OnStatus(ports.StatusSubscribed, nil) })
	}
	return sub, nil
}

func (b *MemoryBus) Broadcast(ctx context.Context, channel, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.broadcastErr != nil {
		return b.broadcastErr
	}
	b.broadcasts[channel]++

	for _, sub := range b.subs[channel] {
		if sub.handlers.OnMessage == nil {
			continue
		}
		data := append([]byte(nil), payload...)
		onMessage := sub.handlers.OnMessage
		if !sub.enqueue(func() { onMessage(event, data) }) {
			b.logger.Warnw("Dropping message for slow subscriber", "channel", channel, "event", event)
		}
	}
	return nil
}

func (b *MemoryBus) Unsubscribe(sub ports.Subscription) error {
	ms, ok := sub.(*memorySubscription)
	if !ok {
		return fmt.Errorf("unsubscribe: foreign subscription %T", sub)
	}

	b.mu.Lock()
	if subs := b.subs[ms.channel]; subs != nil {
		delete(subs, ms.id)
		if len(subs) == 0 {
			delete(b.subs, ms.channel)
		}
	}
	b.mu.Unlock()

	ms.stop()
	return nil
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return ctx.Err()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[uint64]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Broadcasts returns how many broadcasts were accepted for channel.
func (b *MemoryBus) Broadcasts(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcasts[channel]
}

// FailSubscribe makes the next n Subscribe calls for channel fail.
func (b *MemoryBus) FailSubscribe(channel string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribe[channel] = n
}

// SetBroadcastError makes every Broadcast fail with err until reset with nil.
func (b *MemoryBus) SetBroadcastError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastErr = err
}

// InjectStatus delivers a lifecycle status to every subscriber of channel.
// StatusClosed also kills the subscriptions.
func (b *MemoryBus) InjectStatus(channel string, status ports.SubscriptionStatus, err error) {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		subs = append(subs, sub)
	}
	if status == ports.StatusClosed {
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub := sub
		if sub.handlers.OnStatus != nil {
			onStatus := sub.handlers.OnStatus
			sub.enqueue(func() { onStatus(status, err) })
		}
		if status == ports.StatusClosed {
			sub.enqueue(sub.stop)
		}
	}
}

// Sever kills every subscription on channel without any status callback,
// the way a silently dropped socket looks to the client.
func (b *MemoryBus) Sever(channel string) {
	b.mu.Lock()
	subs := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.alive.Store(false)
	}
}
