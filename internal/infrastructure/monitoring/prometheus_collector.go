package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

const namespace = "voicelink"

type PrometheusCollector struct {
	// Channels
	channelErrors         *prometheus.CounterVec
	channelReconnects     *prometheus.CounterVec
	channelMassReconnects prometheus.Counter
	channelHealth         *prometheus.GaugeVec
	channelsOpen          prometheus.Gauge

	// Peers
	peerStates      *prometheus.GaugeVec
	peerTransitions *prometheus.CounterVec
	peerReconnects  *prometheus.CounterVec
	keepAliveMissed *prometheus.CounterVec
	signalsBuffered prometheus.Counter
	signalsDropped  *prometheus.CounterVec
	rtpPackets      *prometheus.CounterVec
	rtpBytes        *prometheus.CounterVec
	rtcpPackets     *prometheus.CounterVec

	// Calls
	callStates        *prometheus.GaugeVec
	callsEnded        *prometheus.CounterVec
	callSetupDuration prometheus.Histogram
	sessionsActive    prometheus.Gauge
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		channelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Bus channel errors by kind",
		}, []string{"kind"}),

		channelReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Bus channel reconnection attempts by outcome",
		}, []string{"outcome"}),

		channelMassReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_mass_reconnects_total",
			Help:      "Registry sweeps that reconnected every channel",
		}),

		channelHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Open bus channels by health",
		}, []string{"health"}),

		channelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Open bus channel handles",
		}),

		peerStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peer controllers by state",
		}, []string{"state"}),

		peerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_transitions_total",
			Help:      "Peer controller state transitions",
		}, []string{"from", "to"}),

		peerReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_reconnects_total",
			Help:      "Peer transport restarts by outcome",
		}, []string{"outcome"}),

		keepAliveMissed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_missed_total",
			Help:      "Keep-alive silences detected",
		}, []string{"scope"}),

		signalsBuffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_buffered_total",
			Help:      "Remote signals buffered before a transport existed",
		}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Inbound events dropped by reason",
		}, []string{"reason"}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_received_total",
			Help:      "RTP packets received from remote tracks",
		}, []string{"kind"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_bytes_received_total",
			Help:      "RTP bytes received from remote tracks",
		}, []string{"kind"}),

		rtcpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtcp_packets_received_total",
			Help:      "RTCP packets received by type",
		}, []string{"type"}),

		callStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls",
			Help:      "Call sessions by state",
		}, []string{"state"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Finished calls by reason",
		}, []string{"reason"}),

		callSetupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_setup_duration_seconds",
			Help:      "Time from ringing to an active call",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Signed-in users",
		}),
	}
}

func (p *PrometheusCollector) ChannelError(kind string) {
	p.channelErrors.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) ChannelReconnect(outcome string) {
	p.channelReconnects.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) ChannelMassReconnect() {
	p.channelMassReconnects.Inc()
}

func (p *PrometheusCollector) ChannelHealthChanged(from, to domain.ChannelHealth) {
	p.channelHealth.WithLabelValues(from.String()).Dec()
	p.channelHealth.WithLabelValues(to.String()).Inc()
}

// ChannelOpened counts a new handle; handles start healthy.
func (p *PrometheusCollector) ChannelOpened() {
	p.channelsOpen.Inc()
	p.channelHealth.WithLabelValues(domain.ChannelHealthy.String()).Inc()
}

func (p *PrometheusCollector) ChannelClosed(health domain.ChannelHealth) {
	p.channelsOpen.Dec()
	p.channelHealth.WithLabelValues(health.String()).Dec()
}

func (p *PrometheusCollector) PeerStateChanged(from, to domain.PeerState) {
	p.peerTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if from != domain.PeerIdle {
		p.peerStates.WithLabelValues(from.String()).Dec()
	}
	if to != domain.PeerClosed {
		p.peerStates.WithLabelValues(to.String()).Inc()
	}
}

func (p *PrometheusCollector) PeerReconnect(outcome string) {
	p.peerReconnects.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) KeepAliveMissed(scope string) {
	p.keepAliveMissed.WithLabelValues(scope).Inc()
}

func (p *PrometheusCollector) SignalBuffered() {
	p.signalsBuffered.Inc()
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) CallStateChanged(from, to domain.CallState) {
	if from != domain.CallIdle {
		p.callStates.WithLabelValues(from.String()).Dec()
	}
	if to != domain.CallIdle {
		p.callStates.WithLabelValues(to.String()).Inc()
	}
}

func (p *PrometheusCollector) CallEnded(reason string) {
	p.callsEnded.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) CallSetupDuration(d time.Duration) {
	p.callSetupDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) SessionsActive(n int) {
	p.sessionsActive.Set(float64(n))
}

func (p *PrometheusCollector) RTPReceived(kind domain.TrackKind, packets, bytes int) {
	p.rtpPackets.WithLabelValues(string(kind)).Add(float64(packets))
	p.rtpBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}

func (p *PrometheusCollector) RTCPReceived(packetType string) {
	p.rtcpPackets.WithLabelValues(packetType).Inc()
}
