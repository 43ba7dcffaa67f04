package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"voicelink/internal/core/ports"
	"voicelink/internal/core/services"
)

// TransportFactory builds pion peer connections sharing one API instance.
type TransportFactory struct {
	config  WebRTCConfig
	api     *webrtc.API
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(config WebRTCConfig, metrics ports.Metrics, logger *zap.SugaredLogger) (*TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &TransportFactory{
		config:  config,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		metrics: services.MetricsOrNoop(metrics),
		logger:  logger.Named("webrtc"),
	}, nil
}

func (f *TransportFactory) Create(opts ports.TransportOptions, events ports.TransportEvents) (ports.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t, err := newPionTransport(pc, opts, events, f.metrics, f.logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return t, nil
}
