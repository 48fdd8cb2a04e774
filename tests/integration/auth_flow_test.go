package integration

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/inventra/authgate/internal/auth"
	"github.com/inventra/authgate/internal/models"
	"github.com/inventra/authgate/internal/services"
	pkglogger "github.com/inventra/authgate/pkg/logger"
)

var testDB *TestDB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	db, err := SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	_ = db.Teardown(ctx)
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("skipping integration test in short mode")
	}
	t.Cleanup(func() {
		_ = testDB.CleanupTables(context.Background())
	})
}

type testStack struct {
	authSvc    *services.AuthService
	sessionSvc *services.SessionService
	notifier   *services.MockNotifier
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	accountRepo, stateRepo, attemptRepo := InitializeRepositories(testDB.DB)
	logger := testLogger()
	auditLogger := pkglogger.NewAuditLogger(logger)

	tm := auth.NewTokenManager("integration-test-secret-0123456789", 5*time.Minute)
	lockout := services.NewLockoutService(stateRepo, 5, 15*time.Minute, logger)
	otps := services.NewOTPService(stateRepo, 5*time.Minute, logger)
	sessions := services.NewSessionService(stateRepo, testDB.DB, tm, 5*time.Minute, 3*time.Minute, logger, auditLogger)
	notifier := &services.MockNotifier{}
	delay := auth.NewTimingDelay(auth.TimingConfig{})

	decoyRaw, err := bcrypt.GenerateFromPassword([]byte("decoy"), bcrypt.MinCost)
	require.NoError(t, err)
	decoy := string(decoyRaw)

	authSvc := services.NewAuthService(
		accountRepo, stateRepo, attemptRepo, testDB.DB,
		lockout, otps, sessions, notifier,
		delay, decoy, 24*time.Hour,
		logger, auditLogger,
	)

	return &testStack{authSvc: authSvc, sessionSvc: sessions, notifier: notifier}
}

func pendingCode(t *testing.T, accountID string) string {
	t.Helper()
	_, stateRepo, _ := InitializeRepositories(testDB.DB)
	state, err := stateRepo.GetByAccountID(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, state.OTPCode)
	return *state.OTPCode
}

func TestConcurrentFailuresNeverUndercount(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, "concurrent@warehouse.test", "Sup3rSecret!pass")
	require.NoError(t, err)

	_, stateRepo, _ := InitializeRepositories(testDB.DB)
	blockedUntil := time.Now().Add(15 * time.Minute)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := stateRepo.RecordFailure(ctx, account.ID, 5, blockedUntil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := stateRepo.GetByAccountID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, n, state.FailedAttempts, "every concurrent failure must count")
	require.NotNil(t, state.BlockedUntil, "the fifth failure must have set the block")
}

func TestLoginStatePatch_PartialUpdate(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, "patch@warehouse.test", "Sup3rSecret!pass")
	require.NoError(t, err)

	_, stateRepo, _ := InitializeRepositories(testDB.DB)

	code := "123456"
	expires := time.Now().Add(5 * time.Minute)
	_, err = stateRepo.Update(ctx, account.ID, models.LoginStatePatch{
		OTPCode:    models.Set(&code),
		OTPExpires: models.Set(&expires),
	})
	require.NoError(t, err)

	token := "some-token"
	state, err := stateRepo.Update(ctx, account.ID, models.LoginStatePatch{
		SessionToken:  models.Set(&token),
		SessionActive: models.Set(true),
	})
	require.NoError(t, err)

	// The second patch left the code untouched
	require.NotNil(t, state.OTPCode)
	assert.Equal(t, code, *state.OTPCode)
	assert.True(t, state.SessionActive)

	// An empty patch is a programming error, not a no-op
	_, err = stateRepo.Update(ctx, account.ID, models.LoginStatePatch{})
	assert.Error(t, err)
}

func TestSessionRenewalSerialized(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, "renewal@warehouse.test", "Sup3rSecret!pass")
	require.NoError(t, err)

	stack := newTestStack(t)
	now := time.Now()

	token, state, err := stack.sessionSvc.Issue(ctx, account, now)
	require.NoError(t, err)
	deadline := *state.SessionEndsAt

	// Concurrent renewals take the row lock one at a time, so each one
	// stacks its extension on the previous deadline
	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := stack.sessionSvc.Renew(ctx, token, now.Add(time.Minute))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, stateRepo, _ := InitializeRepositories(testDB.DB)
	final, err := stateRepo.GetByAccountID(ctx, account.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, deadline.Add(n*3*time.Minute), *final.SessionEndsAt, time.Second)
}

func TestAuthFlow_EndToEnd(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, "flow@warehouse.test", "Sup3rSecret!pass")
	require.NoError(t, err)

	stack := newTestStack(t)

	// Password step
	login, err := stack.authSvc.Login(ctx, "flow@warehouse.test", "Sup3rSecret!pass", "127.0.0.1", "integration-test")
	require.NoError(t, err)
	assert.Equal(t, services.LoginOutcomeOTPSent, login.Outcome)

	// Code step
	verify, err := stack.authSvc.VerifyOTP(ctx, "flow@warehouse.test", pendingCode(t, account.ID), "127.0.0.1", "integration-test")
	require.NoError(t, err)
	assert.NotEmpty(t, verify.Token)

	_, stateRepo, _ := InitializeRepositories(testDB.DB)
	state, err := stateRepo.GetByAccountID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, state.SessionActive)
	assert.Nil(t, state.OTPCode, "code must be consumed")
	require.NotNil(t, state.LastLogin)

	// Session use renews the deadline
	_, renewed, err := stack.sessionSvc.Renew(ctx, verify.Token, time.Now())
	require.NoError(t, err)
	assert.True(t, renewed.SessionEndsAt.After(verify.EndsAt))

	// A second login short-circuits onto the live session
	again, err := stack.authSvc.Login(ctx, "flow@warehouse.test", "Sup3rSecret!pass", "127.0.0.1", "integration-test")
	require.NoError(t, err)
	assert.Equal(t, services.LoginOutcomeSessionActive, again.Outcome)
	assert.Equal(t, verify.Token, again.Token)

	// Logout closes it for good
	require.NoError(t, stack.authSvc.Logout(ctx, verify.Token))
	assert.ErrorIs(t, stack.authSvc.Logout(ctx, verify.Token), models.ErrSessionInactive)
}

func TestLockoutFlow_EndToEnd(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	account, err := SeedAccount(ctx, testDB.Pool, "lockout@warehouse.test", "Sup3rSecret!pass")
	require.NoError(t, err)

	stack := newTestStack(t)

	for i := 0; i < 4; i++ {
		_, err := stack.authSvc.Login(ctx, "lockout@warehouse.test", "wrong-password", "127.0.0.1", "integration-test")
		assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	}

	_, err = stack.authSvc.Login(ctx, "lockout@warehouse.test", "wrong-password", "127.0.0.1", "integration-test")
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)

	// The correct password is refused while the block holds
	_, err = stack.authSvc.Login(ctx, "lockout@warehouse.test", "Sup3rSecret!pass", "127.0.0.1", "integration-test")
	assert.ErrorAs(t, err, &locked)

	// Force the block into the past; the next attempt lifts it lazily
	_, err = testDB.Pool.Exec(ctx,
		`UPDATE login_states SET blocked_until = NOW() - INTERVAL '1 second' WHERE account_id = $1`,
		account.ID)
	require.NoError(t, err)

	login, err := stack.authSvc.Login(ctx, "lockout@warehouse.test", "Sup3rSecret!pass", "127.0.0.1", "integration-test")
	require.NoError(t, err)
	assert.Equal(t, services.LoginOutcomeOTPSent, login.Outcome)

	_, stateRepo, _ := InitializeRepositories(testDB.DB)
	state, err := stateRepo.GetByAccountID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedAttempts)
	assert.Nil(t, state.BlockedUntil)
}
