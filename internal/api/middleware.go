/**
 * @description
 * This file contains the HTTP middleware for the payment-service: JWT bearer
 * authentication for user-facing endpoints and Redis-backed rate limiting for
 * the public gateway callback endpoint.
 *
 * @dependencies
 * - net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: For verifying HMAC-signed access tokens.
 * - github.com/google/uuid: For parsing the subject claim.
 */

package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const (
	userIDContextKey  contextKey = "auth_user_id"
	isAdminContextKey contextKey = "auth_is_admin"
)

// GetUserID returns the authenticated user's UUID from the request context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDContextKey).(uuid.UUID)
	return id, ok
}

// IsAdmin reports whether the authenticated user carries the admin role.
func IsAdmin(ctx context.Context) bool {
	isAdmin, _ := ctx.Value(isAdminContextKey).(bool)
	return isAdmin
}

// AuthMiddleware validates the Authorization bearer token with the shared HMAC
// secret and stores the subject UUID and admin flag on the request context.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				log.Printf("level=warn component=auth msg=\"token rejected\" err=%v", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			subject, err := claims.GetSubject()
			if err != nil {
				http.Error(w, "Token missing subject", http.StatusUnauthorized)
				return
			}
			userID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "Invalid subject claim", http.StatusUnauthorized)
				return
			}

			isAdmin, _ := claims["admin"].(bool)

			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			ctx = context.WithValue(ctx, isAdminContextKey, isAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallbackRateLimiter counts hits per (scope, subject) inside a window.
// Implemented by app.RedisCallbackRateLimiter.
type CallbackRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// CallbackRateLimitMiddleware throttles the public callback endpoint per
// source IP and gateway. Limiter errors fail open: a broken Redis must not
// block legitimate gateway callbacks.
func CallbackRateLimitMiddleware(limiter CallbackRateLimiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			subject := fmt.Sprintf("%s:%s", chi.URLParam(r, "gateway"), host)

			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), "gateway_callback", subject, limit, window)
			if err != nil {
				log.Printf("level=warn component=rate_limit msg=\"limiter unavailable; failing open\" err=%v", err)
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
