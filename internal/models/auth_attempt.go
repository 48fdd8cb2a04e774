package models

import "time"

// AuthAttempt is an append-only audit record of a single authentication
// attempt, kept separately from the LoginState counters.
type AuthAttempt struct {
	ID            int64      `db:"id"`
	Email         string     `db:"email"`
	IPAddress     string     `db:"ip_address"`
	UserAgent     string     `db:"user_agent"`
	AttemptTime   time.Time  `db:"attempt_time"`
	Success       bool       `db:"success"`
	FailureReason *string    `db:"failure_reason"`
	ExpiresAt     time.Time  `db:"expires_at"`
}
