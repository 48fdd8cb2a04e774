package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/inventra/authgate/internal/models"
)

// LockoutService enforces the failed-attempt counter and temporary block on
// a login state. Expired blocks are lifted lazily on the next evaluation;
// nothing sweeps them in the background.
type LockoutService struct {
	states      LoginStateStore
	maxAttempts int
	blockFor    time.Duration
	logger      *slog.Logger
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(states LoginStateStore, maxAttempts int, blockFor time.Duration, logger *slog.Logger) *LockoutService {
	return &LockoutService{
		states:      states,
		maxAttempts: maxAttempts,
		blockFor:    blockFor,
		logger:      logger,
	}
}

// MaxAttempts returns the configured lockout threshold.
func (s *LockoutService) MaxAttempts() int {
	return s.maxAttempts
}

// Evaluate checks whether the account may attempt authentication at the
// given instant. An active block returns a LockedError carrying the unlock
// time. A block that has elapsed is lifted here, resetting the counter to
// zero, and the refreshed state is returned so the caller sees the lifted
// values.
func (s *LockoutService) Evaluate(ctx context.Context, state *models.LoginState, now time.Time) (*models.LoginState, error) {
	if state.Blocked(now) {
		return state, &models.LockedError{Until: *state.BlockedUntil}
	}

	if state.BlockExpired(now) {
		refreshed, err := s.states.Update(ctx, state.AccountID, resetPatch())
		if err != nil {
			s.logger.Error("failed to lift expired block",
				slog.String("account_id", state.AccountID),
				slog.Any("error", err))
			return state, models.ErrInternalServer
		}
		s.logger.Info("lockout lifted", slog.String("account_id", state.AccountID))
		return refreshed, nil
	}

	return state, nil
}

// RecordFailure bumps the failure counter by one. The increment and the
// threshold check happen in a single UPDATE so concurrent failures never
// undercount. Crossed reports whether this exact failure reached the
// threshold and started the block, which is when the caller should notify
// the account holder.
func (s *LockoutService) RecordFailure(ctx context.Context, accountID string, now time.Time) (state *models.LoginState, crossed bool, err error) {
	state, err = s.states.RecordFailure(ctx, accountID, s.maxAttempts, now.Add(s.blockFor))
	if err != nil {
		s.logger.Error("failed to record auth failure",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return nil, false, models.ErrInternalServer
	}

	crossed = state.FailedAttempts == s.maxAttempts && state.BlockedUntil != nil
	if crossed {
		s.logger.Warn("account locked after repeated failures",
			slog.String("account_id", accountID),
			slog.Int("failed_attempts", state.FailedAttempts),
			slog.Time("blocked_until", *state.BlockedUntil))
	}

	return state, crossed, nil
}

// RecordSuccess clears the counter and any block after a successful
// credential check.
func (s *LockoutService) RecordSuccess(ctx context.Context, accountID string) (*models.LoginState, error) {
	state, err := s.states.Update(ctx, accountID, resetPatch())
	if err != nil {
		s.logger.Error("failed to reset auth failures",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return state, nil
}

// ResetPatch returns the patch that clears the counter and block, for
// callers folding the reset into a larger transactional update.
func (s *LockoutService) ResetPatch() models.LoginStatePatch {
	return resetPatch()
}

func resetPatch() models.LoginStatePatch {
	return models.LoginStatePatch{
		FailedAttempts: models.Set(0),
		BlockedUntil:   models.Set[*time.Time](nil),
	}
}
