package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inventra/authgate/internal/models"
	pkghttp "github.com/inventra/authgate/pkg/http"
)

type contextKey string

const (
	accountContextKey contextKey = "account"
	stateContextKey   contextKey = "login_state"
)

// SessionRenewer renews the session identified by a bearer token
type SessionRenewer interface {
	Renew(ctx context.Context, token string, now time.Time) (*models.Account, *models.LoginState, error)
}

// SessionRenewal authenticates the request by its bearer token and renews
// the session as a side effect: every authenticated request pushes the
// session deadline forward. The fresh deadline is exposed to the client in
// the X-Session-Expires header.
func SessionRenewal(sessions SessionRenewer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "Missing or invalid authorization header")
				return
			}

			account, state, err := sessions.Renew(r.Context(), token, time.Now())
			if err != nil {
				switch {
				case errors.Is(err, models.ErrSessionExpired):
					pkghttp.WriteUnauthorized(w, "Session has expired")
				case errors.Is(err, models.ErrSessionInactive):
					pkghttp.WriteUnauthorized(w, "Session is not active")
				default:
					logger.Error("session renewal failed", slog.Any("error", err))
					pkghttp.WriteInternalError(w, "Internal server error")
				}
				return
			}

			if state.SessionEndsAt != nil {
				w.Header().Set("X-Session-Expires", state.SessionEndsAt.UTC().Format(time.RFC3339))
			}

			ctx := context.WithValue(r.Context(), accountContextKey, account)
			ctx = context.WithValue(ctx, stateContextKey, state)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}

	return parts[1], true
}

// GetAccountFromContext returns the account injected by SessionRenewal.
func GetAccountFromContext(ctx context.Context) (*models.Account, bool) {
	account, ok := ctx.Value(accountContextKey).(*models.Account)
	return account, ok
}

// GetLoginStateFromContext returns the login state injected by SessionRenewal.
func GetLoginStateFromContext(ctx context.Context) (*models.LoginState, bool) {
	state, ok := ctx.Value(stateContextKey).(*models.LoginState)
	return state, ok
}
