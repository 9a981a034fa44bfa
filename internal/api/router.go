/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication and rate limiting.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the tunables the router needs from the config layer.
type RouterConfig struct {
	JWTSecret           string
	CallbackRateLimit   int
	CallbackRateWindow  time.Duration
	CallbackRateLimiter CallbackRateLimiter
}

// PaymentRoutes creates and returns a new router for the payment service.
func PaymentRoutes(h *PaymentHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public gateway callback endpoint. Gateways cannot carry user tokens, so
	// this stays unauthenticated behind the rate limiter.
	r.Group(func(r chi.Router) {
		r.Use(CallbackRateLimitMiddleware(cfg.CallbackRateLimiter, cfg.CallbackRateLimit, cfg.CallbackRateWindow))
		r.Post("/payments/callback/{gateway}", h.GatewayCallbackHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Post("/payments/purchase", h.PurchaseHandler)
		r.Post("/enrollments/free", h.EnrollFreeHandler)
		r.Post("/payments/{id}/refund", h.RefundHandler)
		r.Get("/payments/transaction/{transactionID}", h.VerifyPaymentByTransactionHandler)
		r.Get("/payments/{id}", h.VerifyPaymentHandler)
		r.Get("/payments", h.PaymentHistoryHandler)
		r.Get("/enrollments/{courseID}", h.GetEnrollmentHandler)
		r.Get("/courses/{id}/stats", h.CourseStatsHandler)
	})

	return r
}
