package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims embedded in a session token. The token
// string is stored on the LoginState row, which remains the authority on
// session liveness; the embedded expiry reflects the initial window only
// since sliding renewal extends the deadline in the store.
type SessionClaims struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
