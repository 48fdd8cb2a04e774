package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inventra/authgate/internal/database"
	"github.com/inventra/authgate/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginStateRepository handles the per-account login state row. All
// read-modify-write sequences on a row go through the ForUpdate variants
// inside a transaction; single-statement mutations (Update, RecordFailure)
// are atomic on their own.
type LoginStateRepository struct {
	db *database.DB
}

func NewLoginStateRepository(db *database.DB) *LoginStateRepository {
	return &LoginStateRepository{db: db}
}

const loginStateColumns = `account_id, failed_attempts, blocked_until, otp_code, otp_expires,
	last_login, session_token, session_token_expires, session_active,
	session_started_at, session_ends_at, updated_at`

func scanLoginStateRow(scanner rowScanner) (*models.LoginState, error) {
	var state models.LoginState

	err := scanner.Scan(
		&state.AccountID, &state.FailedAttempts, &state.BlockedUntil,
		&state.OTPCode, &state.OTPExpires, &state.LastLogin,
		&state.SessionToken, &state.SessionTokenExpires, &state.SessionActive,
		&state.SessionStartedAt, &state.SessionEndsAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &state, nil
}

func (r *LoginStateRepository) GetByAccountID(ctx context.Context, accountID string) (*models.LoginState, error) {
	query := `SELECT ` + loginStateColumns + ` FROM login_states WHERE account_id = $1`

	return scanLoginStateRow(r.db.Pool.QueryRow(ctx, query, accountID))
}

// GetByAccountIDForUpdate reads the row under an exclusive lock held by tx.
func (r *LoginStateRepository) GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*models.LoginState, error) {
	query := `SELECT ` + loginStateColumns + ` FROM login_states WHERE account_id = $1 FOR UPDATE`

	return scanLoginStateRow(tx.QueryRow(ctx, query, accountID))
}

const sessionJoinColumns = `a.id, a.email, a.password_hash, a.name, a.role, a.status, a.created_at, a.updated_at,
	l.account_id, l.failed_attempts, l.blocked_until, l.otp_code, l.otp_expires,
	l.last_login, l.session_token, l.session_token_expires, l.session_active,
	l.session_started_at, l.session_ends_at, l.updated_at`

func scanSessionJoinRow(scanner rowScanner) (*models.Account, *models.LoginState, error) {
	var account models.Account
	var state models.LoginState

	err := scanner.Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.Name,
		&account.Role, &account.Status, &account.CreatedAt, &account.UpdatedAt,
		&state.AccountID, &state.FailedAttempts, &state.BlockedUntil,
		&state.OTPCode, &state.OTPExpires, &state.LastLogin,
		&state.SessionToken, &state.SessionTokenExpires, &state.SessionActive,
		&state.SessionStartedAt, &state.SessionEndsAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, nil, database.MapPostgresError(err)
	}

	return &account, &state, nil
}

func (r *LoginStateRepository) GetBySessionToken(ctx context.Context, token string) (*models.Account, *models.LoginState, error) {
	query := `
		SELECT ` + sessionJoinColumns + `
		FROM login_states l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.session_token = $1
	`

	return scanSessionJoinRow(r.db.Pool.QueryRow(ctx, query, token))
}

// GetBySessionTokenForUpdate locks the login_states row (not the account)
// for the duration of tx.
func (r *LoginStateRepository) GetBySessionTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (*models.Account, *models.LoginState, error) {
	query := `
		SELECT ` + sessionJoinColumns + `
		FROM login_states l
		JOIN accounts a ON a.id = l.account_id
		WHERE l.session_token = $1
		FOR UPDATE OF l
	`

	return scanSessionJoinRow(tx.QueryRow(ctx, query, token))
}

// buildPatch translates the set fields of a patch into SET clauses.
func buildPatch(patch models.LoginStatePatch) ([]string, []interface{}) {
	sets := make([]string, 0, 10)
	args := make([]interface{}, 0, 10)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if v, ok := patch.FailedAttempts.Get(); ok {
		add("failed_attempts", v)
	}
	if v, ok := patch.BlockedUntil.Get(); ok {
		add("blocked_until", v)
	}
	if v, ok := patch.OTPCode.Get(); ok {
		add("otp_code", v)
	}
	if v, ok := patch.OTPExpires.Get(); ok {
		add("otp_expires", v)
	}
	if v, ok := patch.LastLogin.Get(); ok {
		add("last_login", v)
	}
	if v, ok := patch.SessionToken.Get(); ok {
		add("session_token", v)
	}
	if v, ok := patch.SessionTokenExpires.Get(); ok {
		add("session_token_expires", v)
	}
	if v, ok := patch.SessionActive.Get(); ok {
		add("session_active", v)
	}
	if v, ok := patch.SessionStartedAt.Get(); ok {
		add("session_started_at", v)
	}
	if v, ok := patch.SessionEndsAt.Get(); ok {
		add("session_ends_at", v)
	}

	return sets, args
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *LoginStateRepository) update(ctx context.Context, q pgxQuerier, accountID string, patch models.LoginStatePatch) (*models.LoginState, error) {
	if patch.IsEmpty() {
		return nil, fmt.Errorf("empty login state patch for account %s", accountID)
	}

	sets, args := buildPatch(patch)
	args = append(args, accountID)

	query := fmt.Sprintf(
		`UPDATE login_states SET %s, updated_at = NOW() WHERE account_id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), loginStateColumns,
	)

	return scanLoginStateRow(q.QueryRow(ctx, query, args...))
}

// Update applies the patch in a single UPDATE statement.
func (r *LoginStateRepository) Update(ctx context.Context, accountID string, patch models.LoginStatePatch) (*models.LoginState, error) {
	return r.update(ctx, r.db.Pool, accountID, patch)
}

// UpdateTx applies the patch inside tx, typically after a ForUpdate read.
func (r *LoginStateRepository) UpdateTx(ctx context.Context, tx pgx.Tx, accountID string, patch models.LoginStatePatch) (*models.LoginState, error) {
	return r.update(ctx, tx, accountID, patch)
}

// RecordFailure increments failed_attempts atomically and sets blocked_until
// on the increment that reaches maxAttempts. Two concurrent failures can
// never undercount because the increment happens inside the UPDATE, not in
// application code.
func (r *LoginStateRepository) RecordFailure(ctx context.Context, accountID string, maxAttempts int, blockedUntil time.Time) (*models.LoginState, error) {
	query := `
		UPDATE login_states
		SET failed_attempts = failed_attempts + 1,
		    blocked_until = CASE WHEN failed_attempts + 1 = $2 THEN $3 ELSE blocked_until END,
		    updated_at = NOW()
		WHERE account_id = $1
		RETURNING ` + loginStateColumns

	return scanLoginStateRow(r.db.Pool.QueryRow(ctx, query, accountID, maxAttempts, blockedUntil))
}
