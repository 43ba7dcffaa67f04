package services

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

type RegistryConfig struct {
	SweepInterval time.Duration
	StaggerMax    time.Duration
	Channel       ChannelConfig
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SweepInterval: 2 * time.Minute,
		StaggerMax:    3 * time.Second,
		Channel:       DefaultChannelConfig(),
	}
}

// ChannelRegistry owns every ResilientChannel of one user session and
// supervises their health as a group.
type ChannelRegistry struct {
	bus     ports.MessageBus
	cfg     RegistryConfig
	origin  domain.UserID
	logger  *zap.SugaredLogger
	metrics ports.Metrics

	openMu   sync.Mutex
	mu       sync.Mutex
	channels map[string]*ResilientChannel
	started  bool
	closed   bool
	rnd      *rand.Rand

	done chan struct{}
	wg   sync.WaitGroup
}

func NewChannelRegistry(
	bus ports.MessageBus,
	cfg RegistryConfig,
	origin domain.UserID,
	logger *zap.SugaredLogger,
	metrics ports.Metrics,
) *ChannelRegistry {
	return &ChannelRegistry{
		bus:      bus,
		cfg:      cfg,
		origin:   origin,
		logger:   logger.Named("registry"),
		metrics:  MetricsOrNoop(metrics),
		channels: make(map[string]*ResilientChannel),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic health sweep until Close.
func (r *ChannelRegistry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.sweepLoop()
}

// Open creates the handle for name, tearing down any existing one first.
func (r *ChannelRegistry) Open(name string, handlers ChannelHandlers) (*ResilientChannel, error) {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	return r.openLocked(name, handlers)
}

// GetOrOpen returns the existing handle for name, or opens one.
func (r *ChannelRegistry) GetOrOpen(name string, handlers ChannelHandlers) (*ResilientChannel, error) {
	r.openMu.Lock()
	defer r.openMu.Unlock()

	if ch, ok := r.Get(name); ok {
		return ch, nil
	}
	return r.openLocked(name, handlers)
}

func (r *ChannelRegistry) openLocked(name string, handlers ChannelHandlers) (*ResilientChannel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	old := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()

	if old != nil {
		r.logger.Debugw("Replacing channel", "channel", name)
		old.Close()
	}

	ch := newResilientChannel(name, r.origin, r.bus, handlers, r.cfg.Channel, r.logger, r.metrics, r.remove)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	r.channels[name] = ch
	r.mu.Unlock()

	ch.open()
	return ch, nil
}

func (r *ChannelRegistry) Get(name string) (*ResilientChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// CloseChannel removes and closes the handle for name, if any.
func (r *ChannelRegistry) CloseChannel(name string) {
	r.mu.Lock()
	ch := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

func (r *ChannelRegistry) remove(ch *ResilientChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[ch.Name()] == ch {
		delete(r.channels, ch.Name())
	}
}

func (r *ChannelRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ChannelRegistry) handles() []*ResilientChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ResilientChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

func (r *ChannelRegistry) Snapshots() []domain.ChannelSnapshot {
	handles := r.handles()
	out := make([]domain.ChannelSnapshot, 0, len(handles))
	for _, ch := range handles {
		out = append(out, ch.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *ChannelRegistry) Stats() domain.ChannelStats {
	var stats domain.ChannelStats
	for _, snap := range r.Snapshots() {
		stats.TotalChannels++
		if snap.Health == domain.ChannelHealthy {
			stats.HealthyChannels++
		} else {
			stats.UnhealthyChannels++
		}
		stats.TotalErrors += snap.TotalErrors
	}
	return stats
}

func (r *ChannelRegistry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep reconnects every handle, staggered, when more than half are unhealthy.
// It reports whether a mass reconnection was scheduled.
func (r *ChannelRegistry) Sweep() bool {
	stats := r.Stats()
	if stats.TotalChannels == 0 || stats.UnhealthyChannels*2 <= stats.TotalChannels {
		return false
	}

	r.logger.Warnw("Majority of channels unhealthy, reconnecting all",
		"total", stats.TotalChannels,
		"unhealthy", stats.UnhealthyChannels,
	)
	r.metrics.ChannelMassReconnect()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	for _, ch := range r.channels {
		delay := time.Duration(0)
		if r.cfg.StaggerMax > 0 {
			delay = time.Duration(r.rnd.Int63n(int64(r.cfg.StaggerMax)))
		}
		r.wg.Add(1)
		go r.reconnectAfter(ch, delay)
	}
	return true
}

func (r *ChannelRegistry) reconnectAfter(ch *ResilientChannel, delay time.Duration) {
	defer r.wg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		ch.Reconnect("mass reconnect")
	}
}

// Close stops the sweep and closes every handle. Safe to call twice.
func (r *ChannelRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := make([]*ResilientChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		handles = append(handles, ch)
	}
	r.channels = make(map[string]*ResilientChannel)
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, ch := range handles {
		ch.Close()
	}
	r.logger.Debugw("Registry closed", "channels", len(handles))
}
