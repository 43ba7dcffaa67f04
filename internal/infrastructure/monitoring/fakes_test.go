package monitoring

import (
	"context"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

// fixedCount is a session directory that only answers Count.
type fixedCount int

func (n fixedCount) SignIn(context.Context, domain.User) (ports.CallService, error) { return nil, nil }
func (n fixedCount) SignOut(context.Context, domain.UserID) error                   { return nil }
func (n fixedCount) Get(domain.UserID) (ports.CallService, bool)                    { return nil, false }
func (n fixedCount) Count() int                                                     { return int(n) }
