package services

import (
	"time"

	"voicelink/pkg/backoff"
	"voicelink/pkg/config"
)

type CallConfig struct {
	FreshnessWindow time.Duration
	// RingTimeout of zero disables the ring timer.
	RingTimeout time.Duration
	// IntentTimeout bounds bus sends made while handling one intent.
	IntentTimeout time.Duration
	Peer          PeerConfig
	Registry      RegistryConfig
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		FreshnessWindow: 30 * time.Second,
		RingTimeout:     45 * time.Second,
		IntentTimeout:   5 * time.Second,
		Peer:            DefaultPeerConfig(),
		Registry:        DefaultRegistryConfig(),
	}
}

// CallConfigFrom maps the file configuration onto the service settings.
func CallConfigFrom(cfg *config.Config) CallConfig {
	out := DefaultCallConfig()
	out.FreshnessWindow = cfg.Call.FreshnessWindow
	out.RingTimeout = cfg.Call.RingTimeout

	out.Registry = RegistryConfig{
		SweepInterval: cfg.Registry.SweepInterval,
		StaggerMax:    cfg.Registry.StaggerMax,
		Channel: ChannelConfig{
			KeepAliveInterval:   cfg.Channel.KeepAliveInterval,
			HealthCheckInterval: cfg.Channel.HealthCheckInterval,
			InactivityTimeout:   cfg.Channel.InactivityTimeout,
			ErrorThreshold:      cfg.Channel.ErrorThreshold,
			Backoff: backoff.Policy{
				BaseDelay:   cfg.Channel.ReconnectBaseDelay,
				MaxAttempts: cfg.Channel.ReconnectMaxAttempts,
			},
		},
	}

	out.Peer = PeerConfig{
		KeepAliveInterval: cfg.Peer.KeepAliveInterval,
		SilenceTimeout:    cfg.Peer.SilenceTimeout,
		MonitorInterval:   cfg.Peer.MonitorInterval,
		DisconnectGrace:   cfg.Peer.DisconnectGrace,
		StuckNewTimeout:   cfg.Peer.StuckNewTimeout,
		Backoff: backoff.Policy{
			BaseDelay:   cfg.Peer.ReconnectBaseDelay,
			MaxAttempts: cfg.Peer.ReconnectMaxAttempts,
		},
	}
	return out
}
