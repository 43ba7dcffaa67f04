package domain

import "time"

type UserID string

type User struct {
	ID          UserID
	DisplayName string
	SignedInAt  time.Time
}
