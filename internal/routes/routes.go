package routes

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/inventra/authgate/internal/handlers"
	"github.com/inventra/authgate/internal/middleware"
	"github.com/inventra/authgate/internal/services"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	sessions *services.SessionService,
	logger *slog.Logger,
) {
	// Public routes - rate limited per client IP
	router.With(middleware.RateLimitByIP(middleware.LoginRateLimit())).
		Post("/auth/login", authHandler.Login)
	router.With(middleware.RateLimitByIP(middleware.VerifyRateLimit())).
		Post("/auth/verify-otp", authHandler.VerifyOTP)

	// Logout takes the bearer token directly; no renewal on the way out
	router.Post("/auth/logout", authHandler.Logout)

	// Session-bound routes - every request here renews the session
	router.Group(func(r chi.Router) {
		r.Use(middleware.SessionRenewal(sessions, logger))

		r.Get("/auth/session", authHandler.Session)
	})
}
