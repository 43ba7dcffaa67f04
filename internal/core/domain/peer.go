package domain

import (
	"fmt"
	"time"
)

type PeerState int

const (
	PeerIdle PeerState = iota
	PeerAcquiringMedia
	PeerNegotiating
	PeerConnected
	PeerReconnecting
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "Idle"
	case PeerAcquiringMedia:
		return "AcquiringMedia"
	case PeerNegotiating:
		return "Negotiating"
	case PeerConnected:
		return "Connected"
	case PeerReconnecting:
		return "Reconnecting"
	case PeerClosed:
		return "Closed"
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState covers both the peer connection and ICE connection
// states as reported by the transport.
type ConnectionState string

const (
	ConnStateNew          ConnectionState = "new"
	ConnStateChecking     ConnectionState = "checking"
	ConnStateConnecting   ConnectionState = "connecting"
	ConnStateConnected    ConnectionState = "connected"
	ConnStateCompleted    ConnectionState = "completed"
	ConnStateDisconnected ConnectionState = "disconnected"
	ConnStateFailed       ConnectionState = "failed"
	ConnStateClosed       ConnectionState = "closed"
)

type GatheringState string

const (
	GatheringNew       GatheringState = "new"
	GatheringGathering GatheringState = "gathering"
	GatheringComplete  GatheringState = "complete"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type RemoteStream struct {
	ID      string    `json:"id"`
	TrackID string    `json:"track_id"`
	Kind    TrackKind `json:"kind"`
	Codec   string    `json:"codec"`
}

type PeerSnapshot struct {
	State              PeerState       `json:"state"`
	Role               CallRole        `json:"role"`
	Epoch              uint64          `json:"epoch"`
	ConnectionState    ConnectionState `json:"connection_state"`
	ICEConnectionState ConnectionState `json:"ice_connection_state"`
	ICEGatheringState  GatheringState  `json:"ice_gathering_state"`
	ReconnectAttempt   int             `json:"reconnect_attempt"`
	BufferedSignals    int             `json:"buffered_signals"`
	ActiveTimers       int             `json:"active_timers"`
	LastKeepAliveAt    time.Time       `json:"last_keep_alive_at,omitempty"`
	SecondaryTrack     bool            `json:"secondary_track"`
	RemoteStreams      []RemoteStream  `json:"remote_streams,omitempty"`
}
