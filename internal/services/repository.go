package services

import (
	"context"
	"time"

	"github.com/inventra/authgate/internal/models"
	"github.com/jackc/pgx/v5"
)

// AccountStore defines the account lookups the services need
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
}

// LoginStateStore defines the login state operations the services need.
// The ForUpdate variants must be called inside a transaction started by a
// TxRunner; the plain variants are single-statement and atomic on their own.
type LoginStateStore interface {
	GetByAccountID(ctx context.Context, accountID string) (*models.LoginState, error)
	GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*models.LoginState, error)
	GetBySessionToken(ctx context.Context, token string) (*models.Account, *models.LoginState, error)
	GetBySessionTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (*models.Account, *models.LoginState, error)
	Update(ctx context.Context, accountID string, patch models.LoginStatePatch) (*models.LoginState, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, accountID string, patch models.LoginStatePatch) (*models.LoginState, error)
	RecordFailure(ctx context.Context, accountID string, maxAttempts int, blockedUntil time.Time) (*models.LoginState, error)
}

// AttemptStore records the append-only attempt audit log
type AttemptStore interface {
	Record(ctx context.Context, attempt *models.AuthAttempt) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// TxRunner runs fn inside a database transaction, committing on nil and
// rolling back on error. Implemented by database.DB.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error
}
