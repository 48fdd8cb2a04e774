package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/inventra/authgate/internal/models"
)

// TokenManager mints the opaque session tokens stored on the LoginState
// row. Tokens are HS256 JWTs carrying the account identity; the stored row,
// not the embedded expiry, is the authority on whether a session is live,
// because sliding renewal pushes the deadline past what was minted.
type TokenManager struct {
	secret        string
	sessionWindow time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, sessionWindow time.Duration) *TokenManager {
	return &TokenManager{
		secret:        secret,
		sessionWindow: sessionWindow,
	}
}

// GenerateSessionToken creates a session token bound to the account.
func (tm *TokenManager) GenerateSessionToken(account *models.Account, now time.Time) (string, error) {
	claims := &models.SessionClaims{
		AccountID: account.ID,
		Email:     account.Email,
		Role:      account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.sessionWindow)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(tm.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return tokenString, nil
}

// ParseClaims verifies the token signature and returns its claims. Expiry
// claims are deliberately not validated here; the session deadline lives in
// the store and slides forward on use.
func (tm *TokenManager) ParseClaims(tokenString string) (*models.SessionClaims, error) {
	claims := &models.SessionClaims{}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrSessionInactive
	}

	if claims.AccountID == "" {
		return nil, fmt.Errorf("invalid token: missing account id")
	}

	return claims, nil
}
