// Package protocol defines the signaling events exchanged over the bus.
// The set is closed: Decode rejects anything it does not know.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/pkg/validation"
)

const (
	EventIncomingCall  = "incoming-call"
	EventCallAccepted  = "call-accepted"
	EventCallRejected  = "call-rejected"
	EventCallCancelled = "call-cancelled"
	EventCallEnded     = "call-ended"
	EventSignal        = "signal"
	EventMicStatus     = "mic-status"
	EventHeartbeat     = "heartbeat"
)

// Event is one decoded bus message.
type Event interface {
	Name() string
	// SentAt is the sender's clock at send time.
	SentAt() time.Time
	validate() error
}

type IncomingCall struct {
	CallerID    domain.UserID `json:"callerId"`
	DisplayName string        `json:"displayName"`
	CallID      domain.CallID `json:"callId"`
	Timestamp   int64         `json:"timestamp"`
}

// CallControl carries the fields shared by the accept/reject/cancel/end events.
type CallControl struct {
	From      domain.UserID `json:"from"`
	CallID    domain.CallID `json:"callId"`
	Timestamp int64         `json:"timestamp"`
}

type CallAccepted struct{ CallControl }
type CallRejected struct{ CallControl }
type CallCancelled struct{ CallControl }
type CallEnded struct{ CallControl }

type PeerSignal struct {
	From      domain.UserID     `json:"from"`
	CallID    domain.CallID     `json:"callId"`
	Kind      domain.SignalKind `json:"kind"`
	Data      json.RawMessage   `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

type MicStatus struct {
	UserID    domain.UserID `json:"userId"`
	Muted     bool          `json:"muted"`
	Timestamp int64         `json:"timestamp"`
}

type Heartbeat struct {
	From      domain.UserID `json:"from"`
	Timestamp int64         `json:"timestamp"`
}

func (IncomingCall) Name() string  { return EventIncomingCall }
func (CallAccepted) Name() string  { return EventCallAccepted }
func (CallRejected) Name() string  { return EventCallRejected }
func (CallCancelled) Name() string { return EventCallCancelled }
func (CallEnded) Name() string     { return EventCallEnded }
func (PeerSignal) Name() string    { return EventSignal }
func (MicStatus) Name() string     { return EventMicStatus }
func (Heartbeat) Name() string     { return EventHeartbeat }

func (e IncomingCall) SentAt() time.Time { return time.UnixMilli(e.Timestamp) }
func (e CallControl) SentAt() time.Time  { return time.UnixMilli(e.Timestamp) }
func (e PeerSignal) SentAt() time.Time   { return time.UnixMilli(e.Timestamp) }
func (e MicStatus) SentAt() time.Time    { return time.UnixMilli(e.Timestamp) }
func (e Heartbeat) SentAt() time.Time    { return time.UnixMilli(e.Timestamp) }

func (e IncomingCall) validate() error {
	if err := validation.ValidateUserID(string(e.CallerID)); err != nil {
		return fmt.Errorf("callerId: %w", err)
	}
	if err := validation.ValidateCallID(string(e.CallID)); err != nil {
		return fmt.Errorf("callId: %w", err)
	}
	if err := validation.ValidateDisplayName(e.DisplayName); err != nil {
		return fmt.Errorf("displayName: %w", err)
	}
	return requireTimestamp(e.Timestamp)
}

func (e CallControl) validate() error {
	if err := validation.ValidateUserID(string(e.From)); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := validation.ValidateCallID(string(e.CallID)); err != nil {
		return fmt.Errorf("callId: %w", err)
	}
	return requireTimestamp(e.Timestamp)
}

func (e PeerSignal) validate() error {
	if err := validation.ValidateUserID(string(e.From)); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := validation.ValidateCallID(string(e.CallID)); err != nil {
		return fmt.Errorf("callId: %w", err)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("kind: unknown signal kind %q", e.Kind)
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("data is required")
	}
	return requireTimestamp(e.Timestamp)
}

func (e MicStatus) validate() error {
	if err := validation.ValidateUserID(string(e.UserID)); err != nil {
		return fmt.Errorf("userId: %w", err)
	}
	return requireTimestamp(e.Timestamp)
}

func (e Heartbeat) validate() error {
	return requireTimestamp(e.Timestamp)
}

func requireTimestamp(ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Decode parses a bus message into its event type.
func Decode(event string, payload []byte) (Event, error) {
	var ev Event
	switch event {
	case EventIncomingCall:
		ev = decodeInto[IncomingCall](payload)
	case EventCallAccepted:
		ev = decodeInto[CallAccepted](payload)
	case EventCallRejected:
		ev = decodeInto[CallRejected](payload)
	case EventCallCancelled:
		ev = decodeInto[CallCancelled](payload)
	case EventCallEnded:
		ev = decodeInto[CallEnded](payload)
	case EventSignal:
		ev = decodeInto[PeerSignal](payload)
	case EventMicStatus:
		ev = decodeInto[MicStatus](payload)
	case EventHeartbeat:
		ev = decodeInto[Heartbeat](payload)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, event)
	}

	if err, ok := ev.(decodeError); ok {
		return nil, fmt.Errorf("decode %s: %w", event, err.err)
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", event, err)
	}
	return ev, nil
}

// decodeError smuggles a json error through the Event-typed switch above.
type decodeError struct{ err error }

func (decodeError) Name() string      { return "" }
func (decodeError) SentAt() time.Time { return time.Time{} }
func (d decodeError) validate() error { return d.err }

// decodeInto is strict: unknown fields and trailing data are errors, so a
// peer speaking a newer protocol fails loudly instead of being half read.
func decodeInto[T Event](payload []byte) Event {
	var v T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return decodeError{err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return decodeError{err: errors.New("trailing data after event")}
	}
	return v
}

// Encode returns the bus event name and JSON payload for ev.
func Encode(ev Event) (string, []byte, error) {
	if err := ev.validate(); err != nil {
		return "", nil, fmt.Errorf("invalid %s: %w", ev.Name(), err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", ev.Name(), err)
	}
	return ev.Name(), payload, nil
}

// IsStale reports whether ev is older than window at receivedAt. Events
// stamped in the future are tolerated as clock skew.
func IsStale(ev Event, receivedAt time.Time, window time.Duration) bool {
	return receivedAt.Sub(ev.SentAt()) > window
}

func NewIncomingCall(caller domain.UserID, displayName string, callID domain.CallID, now time.Time) IncomingCall {
	return IncomingCall{CallerID: caller, DisplayName: displayName, CallID: callID, Timestamp: now.UnixMilli()}
}

func NewCallControl(from domain.UserID, callID domain.CallID, now time.Time) CallControl {
	return CallControl{From: from, CallID: callID, Timestamp: now.UnixMilli()}
}

func NewPeerSignal(from domain.UserID, callID domain.CallID, sig domain.LocalSignal, now time.Time) PeerSignal {
	return PeerSignal{From: from, CallID: callID, Kind: sig.Kind, Data: sig.Payload, Timestamp: now.UnixMilli()}
}

func NewMicStatus(user domain.UserID, muted bool, now time.Time) MicStatus {
	return MicStatus{UserID: user, Muted: muted, Timestamp: now.UnixMilli()}
}

func NewHeartbeat(from domain.UserID, now time.Time) Heartbeat {
	return Heartbeat{From: from, Timestamp: now.UnixMilli()}
}

// Envelope converts a received signal event for the peer controller.
func (e PeerSignal) Envelope(receivedAt time.Time) domain.SignalEnvelope {
	return domain.SignalEnvelope{
		FromUserID: e.From,
		CallID:     e.CallID,
		Kind:       e.Kind,
		Payload:    e.Data,
		ReceivedAt: receivedAt,
	}
}
