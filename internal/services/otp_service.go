package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/inventra/authgate/internal/models"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// OTPService issues and validates the short-lived six-digit codes that
// complete a login. At most one code is pending per account; issuing a new
// one overwrites whatever was there.
type OTPService struct {
	states LoginStateStore
	expiry time.Duration
	logger *slog.Logger
}

// NewOTPService creates a new OTPService
func NewOTPService(states LoginStateStore, expiry time.Duration, logger *slog.Logger) *OTPService {
	return &OTPService{
		states: states,
		expiry: expiry,
		logger: logger,
	}
}

// generateCode derives a six-digit code from a throwaway random secret. The
// secret is discarded after one derivation, so the code is effectively a
// uniform random value rather than part of a counter chain.
func generateCode() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate code material: %w", err)
	}

	counter := make([]byte, 8)
	if _, err := rand.Read(counter); err != nil {
		return "", fmt.Errorf("failed to generate code material: %w", err)
	}

	code, err := hotp.GenerateCodeCustom(
		base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret),
		binary.BigEndian.Uint64(counter),
		hotp.ValidateOpts{
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to derive code: %w", err)
	}

	return code, nil
}

// Issue stores a fresh code on the account's login state and returns it
// with its deadline for delivery. Any pending code is overwritten.
func (s *OTPService) Issue(ctx context.Context, accountID string, now time.Time) (string, time.Time, error) {
	code, err := generateCode()
	if err != nil {
		s.logger.Error("failed to generate one-time code",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return "", time.Time{}, models.ErrInternalServer
	}

	expires := now.Add(s.expiry)
	_, err = s.states.Update(ctx, accountID, models.LoginStatePatch{
		OTPCode:    models.Set(&code),
		OTPExpires: models.Set(&expires),
	})
	if err != nil {
		s.logger.Error("failed to store one-time code",
			slog.String("account_id", accountID),
			slog.Any("error", err))
		return "", time.Time{}, models.ErrInternalServer
	}

	s.logger.Info("one-time code issued",
		slog.String("account_id", accountID),
		slog.Time("expires_at", expires))

	return code, expires, nil
}

// Validate checks the submitted code against the pending one. A code is
// accepted up to and including its deadline instant. Missing, expired and
// mismatched codes all collapse into ErrInvalidOTP so the caller reveals
// nothing about which it was.
func (s *OTPService) Validate(state *models.LoginState, code string, now time.Time) error {
	if state.OTPCode == nil || state.OTPExpires == nil {
		return models.ErrInvalidOTP
	}
	if state.OTPExpires.Before(now) {
		return models.ErrInvalidOTP
	}
	if subtle.ConstantTimeCompare([]byte(*state.OTPCode), []byte(code)) != 1 {
		return models.ErrInvalidOTP
	}
	return nil
}

// ClearPatch returns the patch that consumes the pending code. Folded into
// the same update that opens the session, so a code can never be spent
// twice.
func (s *OTPService) ClearPatch() models.LoginStatePatch {
	return models.LoginStatePatch{
		OTPCode:    models.Set[*string](nil),
		OTPExpires: models.Set[*time.Time](nil),
	}
}
