package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/inventra/authgate/internal/database"
	"github.com/inventra/authgate/internal/models"
	"github.com/jackc/pgx/v5"
)

type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// rowScanner interface for scanning account rows (single row or rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const accountColumns = `id, email, password_hash, name, role, status, created_at, updated_at`

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account

	err := scanner.Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.Name,
		&account.Role, &account.Status,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, email))
}

// Create inserts the account together with its zeroed login_states row in a
// single transaction; a LoginState row exists for every account from the
// moment the account does.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	account.ID = uuid.New().String()

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	if account.Role == "" {
		account.Role = "user"
	}
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}

	var created *models.Account
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO accounts (id, email, password_hash, name, role, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING ` + accountColumns

		var err error
		created, err = scanAccountRow(tx.QueryRow(ctx, query,
			account.ID, account.Email, account.PasswordHash, account.Name,
			account.Role, account.Status, account.CreatedAt, account.UpdatedAt,
		))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO login_states (account_id) VALUES ($1)`,
			created.ID,
		)
		return database.MapPostgresError(err)
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}
