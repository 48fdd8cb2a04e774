package services

import (
	"context"
	"testing"
	"time"

	"github.com/inventra/authgate/internal/auth"
	"github.com/inventra/authgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "worker@warehouse.test"
	testPassword = "CorrectHorse9!"
)

type authFixture struct {
	accounts *MockAccountStore
	states   *MemoryStateStore
	attempts *MockAttemptStore
	notifier *MockNotifier
	svc      *AuthService
}

// testHash uses the minimum bcrypt cost so the suite stays fast; the
// production cost only changes how long a comparison takes, not its result.
func testHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newAuthFixture(t *testing.T, account *models.Account) *authFixture {
	t.Helper()

	states := NewMemoryStateStore()
	accounts := &MockAccountStore{}
	if account != nil {
		states.Seed(&models.LoginState{AccountID: account.ID})
		acct := account
		accounts.GetByEmailFunc = func(ctx context.Context, email string) (*models.Account, error) {
			if email == acct.Email {
				return acct, nil
			}
			return nil, models.ErrNotFound
		}
		accounts.GetByIDFunc = func(ctx context.Context, id string) (*models.Account, error) {
			if id == acct.ID {
				return acct, nil
			}
			return nil, models.ErrNotFound
		}
	}

	attempts := &MockAttemptStore{}
	notifier := &MockNotifier{}
	txr := &MockTxRunner{}
	logger := discardLogger()
	auditLogger := discardAuditLogger()

	tm := auth.NewTokenManager("auth-test-secret-0123456789abcd", 5*time.Minute)
	lockout := NewLockoutService(states, 5, 15*time.Minute, logger)
	otps := NewOTPService(states, 5*time.Minute, logger)
	sessions := NewSessionService(states, txr, tm, 5*time.Minute, 3*time.Minute, logger, auditLogger)
	delay := auth.NewTimingDelay(auth.TimingConfig{})

	svc := NewAuthService(
		accounts, states, attempts, txr,
		lockout, otps, sessions, notifier,
		delay, testHash(t, "decoy"), 24*time.Hour,
		logger, auditLogger,
	)

	return &authFixture{
		accounts: accounts,
		states:   states,
		attempts: attempts,
		notifier: notifier,
		svc:      svc,
	}
}

func activeAccount(t *testing.T) *models.Account {
	return &models.Account{
		ID:           "acct-1",
		Email:        testEmail,
		PasswordHash: testHash(t, testPassword),
		Name:         "Warehouse Worker",
		Role:         "user",
		Status:       models.AccountStatusActive,
	}
}

func (f *authFixture) pendingCode(t *testing.T) string {
	t.Helper()
	state, err := f.states.GetByAccountID(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, state.OTPCode)
	return *state.OTPCode
}

func TestAuthService_Login_UnknownAccount(t *testing.T) {
	f := newAuthFixture(t, nil)

	_, err := f.svc.Login(context.Background(), "nobody@warehouse.test", "whatever", "1.2.3.4", "test-agent")
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	require.Len(t, f.attempts.Recorded, 1)
	assert.False(t, f.attempts.Recorded[0].Success)
	require.NotNil(t, f.attempts.Recorded[0].FailureReason)
	assert.Equal(t, "unknown_account", *f.attempts.Recorded[0].FailureReason)
}

func TestAuthService_Login_SuspendedAccount(t *testing.T) {
	account := activeAccount(t)
	account.Status = models.AccountStatusSuspended
	f := newAuthFixture(t, account)

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	assert.ErrorIs(t, err, models.ErrAccountSuspended)
}

func TestAuthService_Login_WrongPasswordCountsFailure(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	_, err := f.svc.Login(context.Background(), testEmail, "wrong-password", "1.2.3.4", "test-agent")
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	assert.Equal(t, 1, state.FailedAttempts)
	assert.Nil(t, state.BlockedUntil)
}

func TestAuthService_Login_FifthFailureLocksAccount(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(context.Background(), testEmail, "wrong-password", "1.2.3.4", "test-agent")
		assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	}

	_, err := f.svc.Login(context.Background(), testEmail, "wrong-password", "1.2.3.4", "test-agent")
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), locked.Until, 5*time.Second)

	// The holder gets told about the lock
	require.Eventually(t, func() bool {
		return len(f.notifier.SentLockoutNotices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Even the correct password is refused while locked
	_, err = f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	assert.ErrorAs(t, err, &locked)
}

func TestAuthService_Login_ExpiredLockIsLifted(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))
	past := time.Now().Add(-time.Minute)
	f.states.Seed(&models.LoginState{AccountID: "acct-1", FailedAttempts: 5, BlockedUntil: &past})

	result, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, LoginOutcomeOTPSent, result.Outcome)

	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	assert.Equal(t, 0, state.FailedAttempts)
	assert.Nil(t, state.BlockedUntil)
}

func TestAuthService_Login_CorrectPasswordSendsCode(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	result, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, LoginOutcomeOTPSent, result.Outcome)
	assert.Empty(t, result.Token)

	code := f.pendingCode(t)
	assert.Regexp(t, sixDigits, code)

	require.Eventually(t, func() bool {
		sent := f.notifier.SentOTPCodes()
		return len(sent) == 1 && sent[0] == code
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthService_Login_ResetsCounterOnSuccess(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(context.Background(), testEmail, "wrong-password", "1.2.3.4", "test-agent")
	}

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)

	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	assert.Equal(t, 0, state.FailedAttempts)
}

func TestAuthService_Login_LiveSessionShortCircuits(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)

	verify, err := f.svc.VerifyOTP(context.Background(), testEmail, f.pendingCode(t), "1.2.3.4", "test-agent")
	require.NoError(t, err)

	// A second login with a live session returns it without a new code
	result, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, LoginOutcomeSessionActive, result.Outcome)
	assert.Equal(t, verify.Token, result.Token)

	require.Eventually(t, func() bool {
		return len(f.notifier.SentOTPCodes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthService_VerifyOTP_OpensSession(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)

	result, err := f.svc.VerifyOTP(context.Background(), testEmail, f.pendingCode(t), "1.2.3.4", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), result.EndsAt, 5*time.Second)

	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	assert.True(t, state.SessionActive)
	assert.Nil(t, state.OTPCode, "code must be consumed")
	assert.Equal(t, 0, state.FailedAttempts)
	require.NotNil(t, state.LastLogin)
}

func TestAuthService_VerifyOTP_CodeIsSingleUse(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)
	code := f.pendingCode(t)

	_, err = f.svc.VerifyOTP(context.Background(), testEmail, code, "1.2.3.4", "test-agent")
	require.NoError(t, err)

	_, err = f.svc.VerifyOTP(context.Background(), testEmail, code, "1.2.3.4", "test-agent")
	assert.ErrorIs(t, err, models.ErrInvalidOTP)
}

func TestAuthService_VerifyOTP_WrongCodeCountsFailure(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == f.pendingCode(t) {
		wrong = "000001"
	}

	_, err = f.svc.VerifyOTP(context.Background(), testEmail, wrong, "1.2.3.4", "test-agent")
	assert.ErrorIs(t, err, models.ErrInvalidOTP)

	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	assert.Equal(t, 1, state.FailedAttempts)
}

func TestAuthService_VerifyOTP_WrongCodeCanLock(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))
	f.states.Seed(&models.LoginState{AccountID: "acct-1", FailedAttempts: 4})

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)
	// Login reset the counter; rebuild the near-lock state with the code kept
	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	state.FailedAttempts = 4
	f.states.Seed(state)

	wrong := "000000"
	if wrong == f.pendingCode(t) {
		wrong = "000001"
	}

	_, err = f.svc.VerifyOTP(context.Background(), testEmail, wrong, "1.2.3.4", "test-agent")
	var locked *models.LockedError
	assert.ErrorAs(t, err, &locked)
}

func TestAuthService_VerifyOTP_ExpiredCode(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))
	code := "123456"
	past := time.Now().Add(-time.Second)
	f.states.Seed(&models.LoginState{AccountID: "acct-1", OTPCode: &code, OTPExpires: &past})

	_, err := f.svc.VerifyOTP(context.Background(), testEmail, code, "1.2.3.4", "test-agent")
	assert.ErrorIs(t, err, models.ErrInvalidOTP)
}

func TestAuthService_VerifyOTP_LockedAccount(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))
	code := "123456"
	future := time.Now().Add(4 * time.Minute)
	blocked := time.Now().Add(10 * time.Minute)
	f.states.Seed(&models.LoginState{
		AccountID:      "acct-1",
		FailedAttempts: 5,
		BlockedUntil:   &blocked,
		OTPCode:        &code,
		OTPExpires:     &future,
	})

	_, err := f.svc.VerifyOTP(context.Background(), testEmail, code, "1.2.3.4", "test-agent")
	var locked *models.LockedError
	assert.ErrorAs(t, err, &locked)
}

func TestAuthService_Logout_ClosesSession(t *testing.T) {
	f := newAuthFixture(t, activeAccount(t))

	_, err := f.svc.Login(context.Background(), testEmail, testPassword, "1.2.3.4", "test-agent")
	require.NoError(t, err)
	result, err := f.svc.VerifyOTP(context.Background(), testEmail, f.pendingCode(t), "1.2.3.4", "test-agent")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), result.Token))

	state, _ := f.states.GetByAccountID(context.Background(), "acct-1")
	assert.False(t, state.SessionActive)
	assert.Nil(t, state.SessionToken)

	assert.ErrorIs(t, f.svc.Logout(context.Background(), result.Token), models.ErrSessionInactive)
}
