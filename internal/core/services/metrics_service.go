package services

import (
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) ChannelError(string)                            {}
func (noopMetrics) ChannelReconnect(string)                        {}
func (noopMetrics) ChannelMassReconnect()                          {}
func (noopMetrics) ChannelHealthChanged(_, _ domain.ChannelHealth) {}
func (noopMetrics) ChannelOpened()                                 {}
func (noopMetrics) ChannelClosed(domain.ChannelHealth)             {}
func (noopMetrics) PeerStateChanged(_, _ domain.PeerState)         {}
func (noopMetrics) PeerReconnect(string)                           {}
func (noopMetrics) KeepAliveMissed(string)                         {}
func (noopMetrics) SignalBuffered()                                {}
func (noopMetrics) SignalDropped(string)                           {}
func (noopMetrics) CallStateChanged(_, _ domain.CallState)         {}
func (noopMetrics) CallEnded(string)                               {}
func (noopMetrics) CallSetupDuration(time.Duration)                {}
func (noopMetrics) SessionsActive(int)                             {}
func (noopMetrics) RTPReceived(domain.TrackKind, int, int)         {}
func (noopMetrics) RTCPReceived(string)                            {}

// MetricsOrNoop lets every component accept a nil collector.
func MetricsOrNoop(m ports.Metrics) ports.Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
