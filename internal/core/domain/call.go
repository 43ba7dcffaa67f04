package domain

import (
	"fmt"
	"time"
)

type CallID string

type CallState int

const (
	CallIdle CallState = iota
	CallPlacing
	CallRingingOutbound
	CallRingingInbound
	CallConnecting
	CallActive
	CallEnding
)

var callStateNames = map[CallState]string{
	CallIdle:            "Idle",
	CallPlacing:         "PlacingCall",
	CallRingingOutbound: "RingingOutbound",
	CallRingingInbound:  "RingingInbound",
	CallConnecting:      "Connecting",
	CallActive:          "Active",
	CallEnding:          "Ending",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CallState) UnmarshalText(text []byte) error {
	for state, name := range callStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", text)
}

// Ringing is true for both ringing directions.
func (s CallState) Ringing() bool {
	return s == CallRingingOutbound || s == CallRingingInbound
}

// CallRole is the transport role a party takes. The caller offers.
type CallRole string

const (
	RoleOfferer  CallRole = "offerer"
	RoleAnswerer CallRole = "answerer"
)

// CallSession is one call from the local party's point of view.
type CallSession struct {
	State             CallState `json:"state"`
	Epoch             uint64    `json:"epoch"`
	CallID            CallID    `json:"call_id,omitempty"`
	Role              CallRole  `json:"role,omitempty"`
	LocalUserID       UserID    `json:"local_user_id"`
	RemoteUserID      UserID    `json:"remote_user_id,omitempty"`
	RemoteDisplayName string    `json:"remote_display_name,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	ActiveSince       time.Time `json:"active_since,omitempty"`
	MicMuted          bool      `json:"mic_muted"`
	RemoteMicMuted    bool      `json:"remote_mic_muted"`
	ScreenSharing     bool      `json:"screen_sharing"`
}

// CallProblem is the single user-visible error slot.
type CallProblem struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type CallSnapshot struct {
	Session CallSession  `json:"session"`
	Problem *CallProblem `json:"problem,omitempty"`
}

// Diagnostics backs the connection-status indicator.
type Diagnostics struct {
	Call     CallSnapshot      `json:"call"`
	Peer     *PeerSnapshot     `json:"peer,omitempty"`
	Channels ChannelStats      `json:"channels"`
	Handles  []ChannelSnapshot `json:"handles"`
}
