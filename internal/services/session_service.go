package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inventra/authgate/internal/auth"
	"github.com/inventra/authgate/internal/models"
	pkglogger "github.com/inventra/authgate/pkg/logger"
	"github.com/jackc/pgx/v5"
)

// SessionService manages the single sliding-window session per account.
// The stored row is the authority on whether a session is live: renewal
// pushes session_ends_at forward by a fixed extension on every use, so the
// deadline outlives whatever expiry the token itself carries.
type SessionService struct {
	states      LoginStateStore
	tx          TxRunner
	tm          *auth.TokenManager
	window      time.Duration
	extension   time.Duration
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewSessionService creates a new SessionService
func NewSessionService(states LoginStateStore, tx TxRunner, tm *auth.TokenManager, window, extension time.Duration, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *SessionService {
	return &SessionService{
		states:      states,
		tx:          tx,
		tm:          tm,
		window:      window,
		extension:   extension,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// IssueTx opens a session for the account inside an existing transaction
// where the state row is already locked. If a live session exists it is
// returned as-is, without extension; only actual use renews a session.
func (s *SessionService) IssueTx(ctx context.Context, tx pgx.Tx, account *models.Account, state *models.LoginState, now time.Time) (string, *models.LoginState, error) {
	if state.HasLiveSession(now) {
		s.logger.Info("existing session returned",
			slog.String("account_id", account.ID),
			slog.Time("session_ends_at", *state.SessionEndsAt))
		return *state.SessionToken, state, nil
	}

	token, err := s.tm.GenerateSessionToken(account, now)
	if err != nil {
		s.logger.Error("failed to mint session token",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return "", nil, models.ErrInternalServer
	}

	deadline := now.Add(s.window)
	updated, err := s.states.UpdateTx(ctx, tx, account.ID, models.LoginStatePatch{
		SessionToken:        models.Set(&token),
		SessionTokenExpires: models.Set(&deadline),
		SessionActive:       models.Set(true),
		SessionStartedAt:    models.Set(&now),
		SessionEndsAt:       models.Set(&deadline),
	})
	if err != nil {
		s.logger.Error("failed to store session",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return "", nil, models.ErrInternalServer
	}

	s.auditLogger.LogSessionEvent("session_opened", account.ID)
	return token, updated, nil
}

// Issue opens a session for the account, locking its state row for the
// duration of the write.
func (s *SessionService) Issue(ctx context.Context, account *models.Account, now time.Time) (string, *models.LoginState, error) {
	var token string
	var state *models.LoginState

	err := s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		locked, err := s.states.GetByAccountIDForUpdate(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		token, state, err = s.IssueTx(ctx, tx, account, locked, now)
		return err
	})
	if err != nil {
		return "", nil, err
	}

	return token, state, nil
}

// Renew looks up the session by token and, if still live, pushes its
// deadline forward by the extension. The extension is added to the current
// deadline, not measured from now, so a session used at minute 4 of a
// 5-minute window ends at minute 8, not minute 7. A session found expired
// is reconciled to inactive in the same transaction.
func (s *SessionService) Renew(ctx context.Context, token string, now time.Time) (*models.Account, *models.LoginState, error) {
	var account *models.Account
	var state *models.LoginState

	err := s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		acct, locked, err := s.states.GetBySessionTokenForUpdate(ctx, tx, token)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.ErrSessionInactive
			}
			return err
		}

		if !locked.SessionActive {
			return models.ErrSessionInactive
		}

		if locked.SessionStale(now) {
			if _, err := s.states.UpdateTx(ctx, tx, acct.ID, closePatch()); err != nil {
				return err
			}
			s.auditLogger.LogSessionEvent("session_expired", acct.ID)
			return models.ErrSessionExpired
		}

		extended := locked.SessionEndsAt.Add(s.extension)
		state, err = s.states.UpdateTx(ctx, tx, acct.ID, models.LoginStatePatch{
			SessionEndsAt: models.Set(&extended),
		})
		if err != nil {
			return err
		}

		account = acct
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrSessionInactive) || errors.Is(err, models.ErrSessionExpired) {
			return nil, nil, err
		}
		s.logger.Error("failed to renew session", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	return account, state, nil
}

// Close ends the session identified by token. Unlike expiry reconciliation,
// an explicit logout records when the session ended: session_ends_at is set
// to now rather than cleared. Closing an unknown or already-closed session
// reports ErrSessionInactive.
func (s *SessionService) Close(ctx context.Context, token string, now time.Time) error {
	err := s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		acct, locked, err := s.states.GetBySessionTokenForUpdate(ctx, tx, token)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.ErrSessionInactive
			}
			return err
		}

		if !locked.SessionActive {
			return models.ErrSessionInactive
		}

		if _, err := s.states.UpdateTx(ctx, tx, acct.ID, logoutPatch(now)); err != nil {
			return err
		}

		s.auditLogger.LogSessionEvent("session_closed", acct.ID)
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrSessionInactive) {
			return err
		}
		s.logger.Error("failed to close session", slog.Any("error", err))
		return models.ErrInternalServer
	}

	return nil
}

// Reconcile flips a stale active-but-expired session to inactive. Called
// from read paths that notice staleness outside a locking transaction.
func (s *SessionService) Reconcile(ctx context.Context, state *models.LoginState, now time.Time) (*models.LoginState, error) {
	if !state.SessionStale(now) {
		return state, nil
	}

	updated, err := s.states.Update(ctx, state.AccountID, closePatch())
	if err != nil {
		s.logger.Error("failed to reconcile stale session",
			slog.String("account_id", state.AccountID),
			slog.Any("error", err))
		return state, models.ErrInternalServer
	}

	s.auditLogger.LogSessionEvent("session_expired", state.AccountID)
	return updated, nil
}

// closePatch is the expired-reconcile shape: the session simply ceases to
// exist on the row.
func closePatch() models.LoginStatePatch {
	return models.LoginStatePatch{
		SessionToken:        models.Set[*string](nil),
		SessionTokenExpires: models.Set[*time.Time](nil),
		SessionActive:       models.Set(false),
		SessionStartedAt:    models.Set[*time.Time](nil),
		SessionEndsAt:       models.Set[*time.Time](nil),
	}
}

// logoutPatch closes the session while keeping its start and end times as a
// record of when it ran.
func logoutPatch(now time.Time) models.LoginStatePatch {
	return models.LoginStatePatch{
		SessionToken:        models.Set[*string](nil),
		SessionTokenExpires: models.Set[*time.Time](nil),
		SessionActive:       models.Set(false),
		SessionEndsAt:       models.Set(&now),
	}
}
