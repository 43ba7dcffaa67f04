package domain

import (
	"encoding/json"
	"time"
)

type SignalKind string

const (
	SignalOffer         SignalKind = "offer"
	SignalAnswer        SignalKind = "answer"
	SignalICECandidate  SignalKind = "ice-candidate"
	SignalRenegotiation SignalKind = "renegotiation"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalRenegotiation:
		return true
	}
	return false
}

// SignalEnvelope is a remote signal as received. Never mutated after receipt.
type SignalEnvelope struct {
	FromUserID UserID
	CallID     CallID
	Kind       SignalKind
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// LocalSignal is produced by the local transport and relayed to the remote party.
type LocalSignal struct {
	Kind    SignalKind
	Payload json.RawMessage
}
