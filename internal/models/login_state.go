package models

import "time"

// LoginState is the mutable per-account record tracking lockout counters,
// the pending one-time code, and the single active session. It exists 1:1
// with an Account and is created zeroed alongside it.
type LoginState struct {
	AccountID           string
	FailedAttempts      int
	BlockedUntil        *time.Time
	OTPCode             *string
	OTPExpires          *time.Time
	LastLogin           *time.Time
	SessionToken        *string
	SessionTokenExpires *time.Time
	SessionActive       bool
	SessionStartedAt    *time.Time
	SessionEndsAt       *time.Time
	UpdatedAt           time.Time
}

// Blocked reports whether the account is under an active lockout at the
// given instant.
func (s *LoginState) Blocked(now time.Time) bool {
	return s.BlockedUntil != nil && s.BlockedUntil.After(now)
}

// BlockExpired reports whether a lockout was set but has already elapsed.
// Callers must lazily reset the counters before proceeding; there is no
// background sweep.
func (s *LoginState) BlockExpired(now time.Time) bool {
	return s.BlockedUntil != nil && !s.BlockedUntil.After(now)
}

// HasLiveSession reports whether an active, unexpired session exists.
func (s *LoginState) HasLiveSession(now time.Time) bool {
	return s.SessionActive && s.SessionToken != nil &&
		s.SessionEndsAt != nil && s.SessionEndsAt.After(now)
}

// SessionStale reports the transient active-but-expired combination that
// must be reconciled to inactive on the next read.
func (s *LoginState) SessionStale(now time.Time) bool {
	return s.SessionActive && !s.HasLiveSession(now)
}

// Optional is a tri-state field value: unset (leave the column untouched)
// or set to a value, where the value itself may be nil for nullable columns.
type Optional[T any] struct {
	value T
	set   bool
}

// Set wraps a value into a set Optional.
func Set[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether the field carries a value.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// LoginStatePatch is an explicit partial update of a LoginState row. Unset
// fields are left untouched; set fields are written in a single UPDATE
// statement so partial updates remain atomic.
type LoginStatePatch struct {
	FailedAttempts      Optional[int]
	BlockedUntil        Optional[*time.Time]
	OTPCode             Optional[*string]
	OTPExpires          Optional[*time.Time]
	LastLogin           Optional[*time.Time]
	SessionToken        Optional[*string]
	SessionTokenExpires Optional[*time.Time]
	SessionActive       Optional[bool]
	SessionStartedAt    Optional[*time.Time]
	SessionEndsAt       Optional[*time.Time]
}

// IsEmpty reports whether the patch would write nothing.
func (p LoginStatePatch) IsEmpty() bool {
	return !p.FailedAttempts.IsSet() &&
		!p.BlockedUntil.IsSet() &&
		!p.OTPCode.IsSet() &&
		!p.OTPExpires.IsSet() &&
		!p.LastLogin.IsSet() &&
		!p.SessionToken.IsSet() &&
		!p.SessionTokenExpires.IsSet() &&
		!p.SessionActive.IsSet() &&
		!p.SessionStartedAt.IsSet() &&
		!p.SessionEndsAt.IsSet()
}

// Apply writes the set fields of the patch onto the state in place.
func (s *LoginState) Apply(p LoginStatePatch) {
	if v, ok := p.FailedAttempts.Get(); ok {
		s.FailedAttempts = v
	}
	if v, ok := p.BlockedUntil.Get(); ok {
		s.BlockedUntil = v
	}
	if v, ok := p.OTPCode.Get(); ok {
		s.OTPCode = v
	}
	if v, ok := p.OTPExpires.Get(); ok {
		s.OTPExpires = v
	}
	if v, ok := p.LastLogin.Get(); ok {
		s.LastLogin = v
	}
	if v, ok := p.SessionToken.Get(); ok {
		s.SessionToken = v
	}
	if v, ok := p.SessionTokenExpires.Get(); ok {
		s.SessionTokenExpires = v
	}
	if v, ok := p.SessionActive.Get(); ok {
		s.SessionActive = v
	}
	if v, ok := p.SessionStartedAt.Get(); ok {
		s.SessionStartedAt = v
	}
	if v, ok := p.SessionEndsAt.Get(); ok {
		s.SessionEndsAt = v
	}
}
