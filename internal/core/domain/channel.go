package domain

import (
	"fmt"
	"time"
)

// Well-known per-user channel names. Counterpart implementations depend on
// these exact strings.
func IncomingCallsChannel(user UserID) string { return "incoming_calls:" + string(user) }
func SignalChannel(user UserID) string        { return "signals:" + string(user) }
func MicStatusChannel(user UserID) string     { return "mic_status:" + string(user) }

type ChannelHealth int

const (
	ChannelHealthy ChannelHealth = iota
	ChannelDegraded
	ChannelReconnecting
	ChannelDead
)

func (h ChannelHealth) String() string {
	switch h {
	case ChannelHealthy:
		return "Healthy"
	case ChannelDegraded:
		return "Degraded"
	case ChannelReconnecting:
		return "Reconnecting"
	case ChannelDead:
		return "Dead"
	}
	return fmt.Sprintf("ChannelHealth(%d)", int(h))
}

func (h ChannelHealth) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

type ChannelSnapshot struct {
	Name              string        `json:"name"`
	Health            ChannelHealth `json:"health"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	TotalErrors       int           `json:"total_errors"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	ReconnectAttempt  int           `json:"reconnect_attempt"`
}

type ChannelStats struct {
	TotalChannels     int `json:"total_channels"`
	HealthyChannels   int `json:"healthy_channels"`
	UnhealthyChannels int `json:"unhealthy_channels"`
	TotalErrors       int `json:"total_errors"`
}
