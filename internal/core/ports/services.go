package ports

import (
	"context"
	"time"

	"voicelink/internal/core/domain"
)

// CallService is what the API layer sees of one user's call session.
type CallService interface {
	UserID() domain.UserID
	Snapshot() domain.CallSnapshot
	Diagnostics() domain.Diagnostics
	Watch() (<-chan domain.CallSnapshot, func())

	PlaceCall(ctx context.Context, remote domain.UserID) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	CancelCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMic(ctx context.Context) (bool, error)
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
}

type SessionDirectory interface {
	SignIn(ctx context.Context, user domain.User) (CallService, error)
	SignOut(ctx context.Context, userID domain.UserID) error
	Get(userID domain.UserID) (CallService, bool)
	Count() int
}

// Metrics is implemented by the prometheus collector. Services accept nil.
type Metrics interface {
	ChannelError(status string)
	ChannelReconnect(outcome string)
	ChannelMassReconnect()
	ChannelHealthChanged(from, to domain.ChannelHealth)
	ChannelOpened()
	ChannelClosed(health domain.ChannelHealth)

	PeerStateChanged(from, to domain.PeerState)
	PeerReconnect(outcome string)
	KeepAliveMissed(scope string)
	SignalBuffered()
	SignalDropped(reason string)

	CallStateChanged(from, to domain.CallState)
	CallEnded(reason string)
	CallSetupDuration(d time.Duration)
	SessionsActive(n int)

	RTPReceived(kind domain.TrackKind, packets, bytes int)
	RTCPReceived(packetType string)
}
