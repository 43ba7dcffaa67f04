package services

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"voicelink/internal/infrastructure/bus"
	"voicelink/pkg/backoff"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

func testBus(t *testing.T) *bus.MemoryBus {
	b := bus.NewMemoryBus(testLogger(t))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func fastChannelConfig() ChannelConfig {
	return ChannelConfig{
		KeepAliveInterval:   time.Hour,
		HealthCheckInterval: 10 * time.Millisecond,
		InactivityTimeout:   time.Hour,
		ErrorThreshold:      3,
		Backoff: backoff.Policy{
			BaseDelay:   2 * time.Millisecond,
			MaxAttempts: 3,
			MaxDelay:    10 * time.Millisecond,
		},
	}
}

// countingMetrics records the calls the tests care about.
type countingMetrics struct {
	noopMetrics

	mu             sync.Mutex
	channelErrors  map[string]int
	reconnects     map[string]int
	massReconnects int
	callEnds       map[string]int
	dropped        map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		channelErrors: make(map[string]int),
		reconnects:    make(map[string]int),
		callEnds:      make(map[string]int),
		dropped:       make(map[string]int),
	}
}

func (m *countingMetrics) ChannelError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelErrors[kind]++
}

func (m *countingMetrics) ChannelReconnect(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects[outcome]++
}

func (m *countingMetrics) ChannelMassReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.massReconnects++
}

func (m *countingMetrics) CallEnded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callEnds[reason]++
}

func (m *countingMetrics) SignalDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *countingMetrics) Reconnects(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects[outcome]
}

func (m *countingMetrics) MassReconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.massReconnects
}

func (m *countingMetrics) CallEnds(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callEnds[reason]
}

func (m *countingMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}
