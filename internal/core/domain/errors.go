package domain

import (
	"context"
	"errors"
)

var (
	ErrAborted            = errors.New("aborted by local teardown")
	ErrChannelClosed      = errors.New("channel closed")
	ErrSessionClosed      = errors.New("call session closed")
	ErrSessionNotFound    = errors.New("call session not found")
	ErrNoTransport        = errors.New("no transport")
	ErrTransportClosed    = errors.New("transport closed")
	ErrDataChannelNotOpen = errors.New("data channel not open")
	ErrUnsupportedTrack   = errors.New("unsupported track")
	ErrUnknownEvent       = errors.New("unknown signaling event")

	// Media capture failures. Sources wrap these so the controller can
	// classify them as terminal.
	ErrPermissionDenied       = errors.New("media permission denied")
	ErrDeviceInUse            = errors.New("media device in use")
	ErrUnsupportedConstraints = errors.New("unsupported media constraints")
)

// IsAbort reports whether err came from an intentional local teardown.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
