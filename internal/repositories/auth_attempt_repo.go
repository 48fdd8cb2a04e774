package repositories

import (
	"context"

	"github.com/inventra/authgate/internal/database"
	"github.com/inventra/authgate/internal/models"
)

// AuthAttemptRepository records the append-only authentication attempt log.
type AuthAttemptRepository struct {
	db *database.DB
}

func NewAuthAttemptRepository(db *database.DB) *AuthAttemptRepository {
	return &AuthAttemptRepository{db: db}
}

// Record inserts one attempt row.
func (r *AuthAttemptRepository) Record(ctx context.Context, attempt *models.AuthAttempt) error {
	query := `
		INSERT INTO auth_attempts (email, ip_address, user_agent, success, failure_reason, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		attempt.Email,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Success,
		attempt.FailureReason,
		attempt.ExpiresAt,
	)

	return err
}

// DeleteExpired removes attempt rows past their retention deadline.
func (r *AuthAttemptRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM auth_attempts WHERE expires_at <= CURRENT_TIMESTAMP`

	result, err := r.db.Pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}
