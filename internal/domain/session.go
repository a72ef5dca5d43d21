package domain

import "time"

// Session is a server-side session record. The client only ever holds the
// opaque token; the record itself never leaves the session store.
type Session struct {
	Token     string    `json:"-"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session's absolute lifetime has elapsed.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
