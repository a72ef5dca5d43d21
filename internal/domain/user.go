package domain

import "time"

// User represents a registered account. Records are immutable after signup.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
