package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/inventra/authgate/internal/auth"
	"github.com/inventra/authgate/internal/models"
	pkgauth "github.com/inventra/authgate/pkg/auth"
	pkglogger "github.com/inventra/authgate/pkg/logger"
	"github.com/jackc/pgx/v5"
)

// Login outcomes
const (
	// LoginOutcomeOTPSent means the password checked out and a one-time
	// code is on its way; the client must call VerifyOTP next.
	LoginOutcomeOTPSent = "otp_sent"
	// LoginOutcomeSessionActive means a live session already existed and
	// was returned directly, skipping the code step.
	LoginOutcomeSessionActive = "session_active"
)

// LoginResult is the outcome of a password check
type LoginResult struct {
	Outcome string
	Token   string     // set only for LoginOutcomeSessionActive
	EndsAt  *time.Time // set only for LoginOutcomeSessionActive
}

// VerifyResult is the session handed out after a correct one-time code
type VerifyResult struct {
	Token   string
	EndsAt  time.Time
	Account *models.Account
}

// AuthService glues credential verification, the lockout policy, one-time
// codes and session issuance into the login flow. Every failure path pads
// its response time and feeds the same lockout counter, whether the failure
// was a wrong password or a wrong code.
type AuthService struct {
	accounts    AccountStore
	states      LoginStateStore
	attempts    AttemptStore
	tx          TxRunner
	lockout     *LockoutService
	otps        *OTPService
	sessions    *SessionService
	notifier    Notifier
	delay       *auth.TimingDelay
	decoyHash   string
	retention   time.Duration
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService. decoyHash must be a bcrypt hash
// at the production cost; it is compared against when no account matches so
// unknown emails take as long as wrong passwords.
func NewAuthService(
	accounts AccountStore,
	states LoginStateStore,
	attempts AttemptStore,
	tx TxRunner,
	lockout *LockoutService,
	otps *OTPService,
	sessions *SessionService,
	notifier Notifier,
	delay *auth.TimingDelay,
	decoyHash string,
	retention time.Duration,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	return &AuthService{
		accounts:    accounts,
		states:      states,
		attempts:    attempts,
		tx:          tx,
		lockout:     lockout,
		otps:        otps,
		sessions:    sessions,
		notifier:    notifier,
		delay:       delay,
		decoyHash:   decoyHash,
		retention:   retention,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Login verifies the password and either issues a one-time code or, when a
// live session already exists, returns it directly.
func (s *AuthService) Login(ctx context.Context, email, password, ipAddress, userAgent string) (*LoginResult, error) {
	now := time.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Burn a bcrypt comparison so this path is as slow as a real one
			_ = pkgauth.ComparePassword(s.decoyHash, password)
			s.failAttempt(ctx, email, ipAddress, userAgent, "unknown_account", now)
			return nil, models.ErrInvalidCredentials
		}
		s.logger.Error("failed to get account by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if account.Status != models.AccountStatusActive {
		s.failAttempt(ctx, email, ipAddress, userAgent, "account_suspended", now)
		return nil, models.ErrAccountSuspended
	}

	state, err := s.states.GetByAccountID(ctx, account.ID)
	if err != nil {
		s.logger.Error("failed to get login state",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	state, err = s.lockout.Evaluate(ctx, state, now)
	if err != nil {
		var locked *models.LockedError
		if errors.As(err, &locked) {
			s.failAttempt(ctx, email, ipAddress, userAgent, "account_locked", now)
			return nil, err
		}
		return nil, err
	}

	if err := pkgauth.ComparePassword(account.PasswordHash, password); err != nil {
		return nil, s.registerFailure(ctx, account, email, ipAddress, userAgent, "invalid_credentials", now)
	}

	state, err = s.lockout.RecordSuccess(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	state, err = s.sessions.Reconcile(ctx, state, now)
	if err != nil {
		return nil, err
	}

	if state.HasLiveSession(now) {
		s.recordAttempt(ctx, email, ipAddress, userAgent, true, "", now)
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType: "login_existing_session",
			AccountID: account.ID,
			IPAddress: ipAddress,
			UserAgent: userAgent,
			Success:   true,
		})
		return &LoginResult{
			Outcome: LoginOutcomeSessionActive,
			Token:   *state.SessionToken,
			EndsAt:  state.SessionEndsAt,
		}, nil
	}

	code, codeExpires, err := s.otps.Issue(ctx, account.ID, now)
	if err != nil {
		return nil, err
	}
	s.deliver(account.Email, func(ctx context.Context) error {
		return s.notifier.SendOTP(ctx, account.Email, code, codeExpires)
	})

	s.recordAttempt(ctx, email, ipAddress, userAgent, true, "", now)
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_otp_sent",
		AccountID: account.ID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	})

	return &LoginResult{Outcome: LoginOutcomeOTPSent}, nil
}

// VerifyOTP checks the submitted code and opens the session. Wrong codes
// count toward the same lockout counter as wrong passwords.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code, ipAddress, userAgent string) (*VerifyResult, error) {
	now := time.Now()
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.failAttempt(ctx, email, ipAddress, userAgent, "unknown_account", now)
			return nil, models.ErrInvalidCredentials
		}
		s.logger.Error("failed to get account by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if account.Status != models.AccountStatusActive {
		s.failAttempt(ctx, email, ipAddress, userAgent, "account_suspended", now)
		return nil, models.ErrAccountSuspended
	}

	state, err := s.states.GetByAccountID(ctx, account.ID)
	if err != nil {
		s.logger.Error("failed to get login state",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if _, err = s.lockout.Evaluate(ctx, state, now); err != nil {
		var locked *models.LockedError
		if errors.As(err, &locked) {
			s.failAttempt(ctx, email, ipAddress, userAgent, "account_locked", now)
		}
		return nil, err
	}

	var token string
	var finalState *models.LoginState

	err = s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		locked, err := s.states.GetByAccountIDForUpdate(ctx, tx, account.ID)
		if err != nil {
			return err
		}

		if err := s.otps.Validate(locked, code, now); err != nil {
			return err
		}

		token, locked, err = s.sessions.IssueTx(ctx, tx, account, locked, now)
		if err != nil {
			return err
		}

		patch := s.otps.ClearPatch()
		reset := s.lockout.ResetPatch()
		patch.FailedAttempts = reset.FailedAttempts
		patch.BlockedUntil = reset.BlockedUntil
		patch.LastLogin = models.Set(&now)

		finalState, err = s.states.UpdateTx(ctx, tx, account.ID, patch)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidOTP) {
			return nil, s.registerFailure(ctx, account, email, ipAddress, userAgent, "invalid_code", now)
		}
		s.logger.Error("failed to verify code",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.recordAttempt(ctx, email, ipAddress, userAgent, true, "", now)
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_verified",
		AccountID: account.ID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	})

	return &VerifyResult{
		Token:   token,
		EndsAt:  *finalState.SessionEndsAt,
		Account: account,
	}, nil
}

// Logout closes the session identified by token.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.Close(ctx, token, time.Now())
}

// registerFailure bumps the lockout counter for a failed credential or code
// check, notifies the holder if this failure started a block, and returns
// the error the caller should surface.
func (s *AuthService) registerFailure(ctx context.Context, account *models.Account, email, ipAddress, userAgent, reason string, now time.Time) error {
	state, crossed, err := s.lockout.RecordFailure(ctx, account.ID, now)
	if err != nil {
		return err
	}

	if crossed {
		blockedUntil := *state.BlockedUntil
		s.deliver(account.Email, func(ctx context.Context) error {
			return s.notifier.SendLockoutNotice(ctx, account.Email, blockedUntil)
		})
		s.failAttempt(ctx, email, ipAddress, userAgent, reason, now)
		return &models.LockedError{Until: blockedUntil}
	}

	s.failAttempt(ctx, email, ipAddress, userAgent, reason, now)
	if reason == "invalid_code" {
		return models.ErrInvalidOTP
	}
	return models.ErrInvalidCredentials
}

// failAttempt logs and records a failed attempt, then pads the response.
func (s *AuthService) failAttempt(ctx context.Context, email, ipAddress, userAgent, reason string, now time.Time) {
	s.recordAttempt(ctx, email, ipAddress, userAgent, false, reason, now)
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_failed",
		IPAddress:     ipAddress,
		UserAgent:     userAgent,
		Success:       false,
		FailureReason: reason,
	})
	s.logger.Info("login failed",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("reason", reason))
	s.delay.Wait()
}

func (s *AuthService) recordAttempt(ctx context.Context, email, ipAddress, userAgent string, success bool, reason string, now time.Time) {
	attempt := &models.AuthAttempt{
		Email:     email,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   success,
		ExpiresAt: now.Add(s.retention),
	}
	if reason != "" {
		attempt.FailureReason = &reason
	}

	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Error("failed to record auth attempt", slog.Any("error", err))
	}
}

// deliver runs a notification send off the request path with its own
// timeout so a slow mail provider cannot stall a login response.
func (s *AuthService) deliver(email string, send func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := send(ctx); err != nil {
			s.logger.Error("notification delivery failed",
				slog.String("email", pkglogger.SanitizedEmail(email)),
				slog.Any("error", err))
		}
	}()
}
