package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/inventra/authgate/internal/models"
	pkglogger "github.com/inventra/authgate/pkg/logger"
	"github.com/jackc/pgx/v5"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func discardAuditLogger() *pkglogger.AuditLogger {
	return pkglogger.NewAuditLogger(discardLogger())
}

// MockAccountStore implements AccountStore for testing
type MockAccountStore struct {
	GetByIDFunc    func(ctx context.Context, id string) (*models.Account, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.Account, error)
	CreateFunc     func(ctx context.Context, account *models.Account) (*models.Account, error)
}

func (m *MockAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockAccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockAccountStore) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, account)
	}
	return nil, models.ErrInternalServer
}

// MockAttemptStore implements AttemptStore for testing
type MockAttemptStore struct {
	RecordFunc        func(ctx context.Context, attempt *models.AuthAttempt) error
	DeleteExpiredFunc func(ctx context.Context) (int64, error)

	mu       sync.Mutex
	Recorded []*models.AuthAttempt
}

func (m *MockAttemptStore) Record(ctx context.Context, attempt *models.AuthAttempt) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, attempt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Recorded = append(m.Recorded, attempt)
	return nil
}

func (m *MockAttemptStore) DeleteExpired(ctx context.Context) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx)
	}
	return 0, nil
}

// MockNotifier implements Notifier for testing
type MockNotifier struct {
	SendOTPFunc           func(ctx context.Context, email, code string, expiresAt time.Time) error
	SendLockoutNoticeFunc func(ctx context.Context, email string, blockedUntil time.Time) error

	mu             sync.Mutex
	OTPSends       []string // codes sent, in order
	LockoutNotices []string // emails notified, in order
}

func (m *MockNotifier) SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error {
	if m.SendOTPFunc != nil {
		return m.SendOTPFunc(ctx, email, code, expiresAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OTPSends = append(m.OTPSends, code)
	return nil
}

func (m *MockNotifier) SendLockoutNotice(ctx context.Context, email string, blockedUntil time.Time) error {
	if m.SendLockoutNoticeFunc != nil {
		return m.SendLockoutNoticeFunc(ctx, email, blockedUntil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LockoutNotices = append(m.LockoutNotices, email)
	return nil
}

func (m *MockNotifier) SentOTPCodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.OTPSends...)
}

func (m *MockNotifier) SentLockoutNotices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.LockoutNotices...)
}

// MockTxRunner implements TxRunner for testing. The fn receives a nil tx;
// the in-memory store ignores it.
type MockTxRunner struct{}

func (m *MockTxRunner) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}

// MemoryStateStore is a mutex-guarded in-memory LoginStateStore. It applies
// patches with the same semantics as the SQL layer, including the atomic
// failure increment, so service tests exercise real state transitions.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*models.LoginState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*models.LoginState)}
}

func (m *MemoryStateStore) Seed(state *models.LoginState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *state
	m.states[state.AccountID] = &clone
}

func (m *MemoryStateStore) snapshot(state *models.LoginState) *models.LoginState {
	clone := *state
	return &clone
}

func (m *MemoryStateStore) GetByAccountID(ctx context.Context, accountID string) (*models.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return m.snapshot(state), nil
}

func (m *MemoryStateStore) GetByAccountIDForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*models.LoginState, error) {
	return m.GetByAccountID(ctx, accountID)
}

func (m *MemoryStateStore) getBySessionToken(token string) (*models.LoginState, error) {
	for _, state := range m.states {
		if state.SessionToken != nil && *state.SessionToken == token {
			return m.snapshot(state), nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryStateStore) GetBySessionToken(ctx context.Context, token string) (*models.Account, *models.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.getBySessionToken(token)
	if err != nil {
		return nil, nil, err
	}
	return &models.Account{ID: state.AccountID, Status: models.AccountStatusActive}, state, nil
}

func (m *MemoryStateStore) GetBySessionTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (*models.Account, *models.LoginState, error) {
	return m.GetBySessionToken(ctx, token)
}

func (m *MemoryStateStore) Update(ctx context.Context, accountID string, patch models.LoginStatePatch) (*models.LoginState, error) {
	if patch.IsEmpty() {
		return nil, models.ErrBadRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	state.Apply(patch)
	state.UpdatedAt = time.Now()
	return m.snapshot(state), nil
}

func (m *MemoryStateStore) UpdateTx(ctx context.Context, tx pgx.Tx, accountID string, patch models.LoginStatePatch) (*models.LoginState, error) {
	return m.Update(ctx, accountID, patch)
}

func (m *MemoryStateStore) RecordFailure(ctx context.Context, accountID string, maxAttempts int, blockedUntil time.Time) (*models.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	state.FailedAttempts++
	if state.FailedAttempts == maxAttempts {
		until := blockedUntil
		state.BlockedUntil = &until
	}
	state.UpdatedAt = time.Now()
	return m.snapshot(state), nil
}
