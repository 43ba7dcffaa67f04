package webrtc

import (
	"github.com/pion/webrtc/v3"

	"voicelink/pkg/config"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFrom maps the webrtc section of the file configuration.
func ConfigFrom(cfg *config.Config) WebRTCConfig {
	var out WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out.ICEServers = append(out.ICEServers, server)
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}
