package ports

import (
	"context"
	"fmt"
)

type SubscriptionStatus int

const (
	StatusSubscribed SubscriptionStatus = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("SubscriptionStatus(%d)", int(s))
}

// BusHandlers receive subscription lifecycle and broadcast callbacks.
// Calls for one subscription are sequential.
type BusHandlers struct {
	OnStatus  func(status SubscriptionStatus, err error)
	OnMessage func(event string, payload []byte)
}

type Subscription interface {
	Channel() string
	// Alive is false once the underlying transport closed or failed.
	Alive() bool
}

// MessageBus is a best-effort broadcast bus with named channels.
type MessageBus interface {
	// Subscribe returns once the subscription is confirmed.
	Subscribe(ctx context.Context, channel string, handlers BusHandlers) (Subscription, error)
	Broadcast(ctx context.Context, channel, event string, payload []byte) error
	Unsubscribe(sub Subscription) error
	Ping(ctx context.Context) error
	Close() error
}
