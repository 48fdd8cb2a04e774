package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/inventra/authgate/internal/middleware"
	"github.com/inventra/authgate/internal/models"
	"github.com/inventra/authgate/internal/services"
	pkghttp "github.com/inventra/authgate/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password, ipAddress, userAgent string) (*services.LoginResult, error)
	VerifyOTP(ctx context.Context, email, code, ipAddress, userAgent string) (*services.VerifyResult, error)
	Logout(ctx context.Context, token string) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// VerifyOTPRequest represents the request body for code verification
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// Response DTOs

// AccountResponse represents an account in the HTTP response
type AccountResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// LoginResponse represents the outcome of a password check
type LoginResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	SessionToken     string `json:"session_token,omitempty"`
	ExpiresInMinutes int    `json:"expires_in_minutes,omitempty"`
}

// VerifyOTPResponse represents the session opened by a correct code
type VerifyOTPResponse struct {
	Status           string          `json:"status"`
	SessionToken     string          `json:"session_token"`
	ExpiresInMinutes int             `json:"expires_in_minutes"`
	Account          AccountResponse `json:"account"`
}

// StatusAuthenticated is the verify-otp success status
const StatusAuthenticated = "authenticated"

// SessionResponse represents the current session state
type SessionResponse struct {
	Account       AccountResponse `json:"account"`
	SessionEndsAt string          `json:"session_ends_at"`
}

func accountResponse(account *models.Account) AccountResponse {
	return AccountResponse{
		ID:    account.ID,
		Email: account.Email,
		Name:  account.Name,
		Role:  account.Role,
	}
}

// Login handles the password step of authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	result, err := h.service.Login(r.Context(), req.Email, req.Password, ipAddress, userAgent)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	resp := LoginResponse{Status: result.Outcome}
	switch result.Outcome {
	case services.LoginOutcomeSessionActive:
		resp.Message = "Session already active"
		resp.SessionToken = result.Token
		if result.EndsAt != nil {
			resp.ExpiresInMinutes = expiresInMinutes(*result.EndsAt)
		}
	default:
		resp.Message = "A verification code has been sent to your email"
	}

	writeJSON(w, http.StatusOK, resp)
}

// VerifyOTP handles the code step of authentication
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	result, err := h.service.VerifyOTP(r.Context(), req.Email, req.Code, ipAddress, userAgent)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyOTPResponse{
		Status:           StatusAuthenticated,
		SessionToken:     result.Token,
		ExpiresInMinutes: expiresInMinutes(result.EndsAt),
		Account:          accountResponse(result.Account),
	})
}

// Logout closes the session carried in the Authorization header
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		pkghttp.WriteUnauthorized(w, "Missing or invalid authorization header")
		return
	}

	if err := h.service.Logout(r.Context(), token); err != nil {
		if errors.Is(err, models.ErrSessionInactive) {
			pkghttp.WriteUnauthorized(w, "Session is not active")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// Session reports the current session. It sits behind the renewal
// middleware, so answering this request also extends the session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.GetAccountFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Session is not active")
		return
	}

	resp := SessionResponse{Account: accountResponse(account)}
	if state, ok := middleware.GetLoginStateFromContext(r.Context()); ok && state.SessionEndsAt != nil {
		resp.SessionEndsAt = state.SessionEndsAt.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeAuthError maps service errors onto HTTP responses. Credential and
// code failures collapse into the same 401 so responses never confirm
// which part was wrong; lockouts get a 423 carrying the unlock time.
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	var locked *models.LockedError

	switch {
	case errors.As(err, &locked):
		pkghttp.WriteLocked(w, "Account temporarily locked due to repeated failures",
			locked.Until.UTC().Format(time.RFC3339))
	case errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrInvalidOTP),
		errors.Is(err, models.ErrAccountSuspended):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// expiresInMinutes converts a session deadline into the whole minutes left
// on it, rounding up so a freshly opened window reports its full length.
func expiresInMinutes(endsAt time.Time) int {
	remaining := time.Until(endsAt)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Minute - 1) / time.Minute)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
