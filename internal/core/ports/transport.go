package ports

import (
	"context"
	"encoding/json"

	"voicelink/internal/core/domain"
)

// MediaTrack is an opaque local capture track.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	SetEnabled(enabled bool)
	Stop()
}

type MediaSource interface {
	AcquireAudio(ctx context.Context) (MediaTrack, error)
	AcquireScreen(ctx context.Context) (MediaTrack, error)
}

type TransportEvents struct {
	OnSignal  func(sig domain.LocalSignal)
	OnStream  func(stream domain.RemoteStream)
	OnData    func(data []byte)
	OnConnect func()
	OnError   func(err error)
	OnClose   func()
}

type TransportOptions struct {
	Role   domain.CallRole
	Tracks []MediaTrack
}

// Transport is one ICE/SDP peer connection.
type Transport interface {
	Signal(kind domain.SignalKind, payload json.RawMessage) error
	Send(data []byte) error
	AddTrack(track MediaTrack) error
	RemoveTrack(track MediaTrack) error
	// Renegotiate produces a new local offer, emitted as a renegotiation signal.
	Renegotiate() error
	Destroy() error

	ConnectionState() domain.ConnectionState
	ICEConnectionState() domain.ConnectionState
	ICEGatheringState() domain.GatheringState
	PendingLocalOffer() bool
}

type TransportFactory interface {
	Create(opts TransportOptions, events TransportEvents) (Transport, error)
}
