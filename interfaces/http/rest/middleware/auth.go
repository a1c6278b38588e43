package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"lumina-backend/domain/identity"
	"lumina-backend/pkg/auth"
)

// AuthConfig configures Authenticate
type AuthConfig struct {
	// Validator checks bearer tokens. It may be nil behind API Gateway.
	Validator   *auth.JWTValidator
	IPLimiter   auth.RateLimiter
	UserLimiter auth.RateLimiter
	// TrustGateway accepts the user headers set by the Lambda entry point
	// after API Gateway has validated the token.
	TrustGateway bool
	// AllowGuests admits requests carrying only an X-Guest-ID header.
	AllowGuests bool
}

// Authenticate resolves the caller and rate limits by IP and by user
func Authenticate(cfg AuthConfig, logger *zap.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			if !allow(r, cfg.IPLimiter, clientIP, logger) {
				respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			user, err := resolveUser(r, cfg)
			if err != nil {
				logger.Warn("Authentication failed",
					zap.Error(err),
					zap.String("ip", clientIP),
					zap.String("path", r.URL.Path),
				)
				switch {
				case errors.Is(err, auth.ErrExpiredToken):
					respondUnauthorized(w, "Token has expired")
				case errors.Is(err, auth.ErrInvalidSignature):
					respondUnauthorized(w, "Invalid token signature")
				case errors.Is(err, auth.ErrMissingToken):
					respondUnauthorized(w, "Missing authentication token")
				default:
					respondUnauthorized(w, "Invalid token")
				}
				return
			}

			if !allow(r, cfg.UserLimiter, user.UserID, logger) {
				respondWithError(w, http.StatusTooManyRequests, "User rate limit exceeded")
				return
			}

			logger.Debug("Request authenticated",
				zap.String("userID", user.UserID),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
			)
			next.ServeHTTP(w, r.WithContext(auth.SetUserInContext(r.Context(), user)))
		})
	}
}

// allow fails open when the limiter itself errors.
func allow(r *http.Request, limiter auth.RateLimiter, key string, logger *zap.Logger) bool {
	if limiter == nil {
		return true
	}
	ok, err := limiter.Allow(r.Context(), key)
	if err != nil {
		logger.Error("Rate limiter error", zap.Error(err))
		return true
	}
	return ok
}

func resolveUser(r *http.Request, cfg AuthConfig) (*auth.UserContext, error) {
	if cfg.TrustGateway && r.Header.Get("X-API-Gateway-Authorized") == "true" {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			return nil, auth.ErrInvalidClaims
		}
		return &auth.UserContext{
			UserID: userID,
			Name:   r.Header.Get("X-User-Name"),
			Email:  r.Header.Get("X-User-Email"),
		}, nil
	}

	if token := extractToken(r); token != "" {
		if cfg.Validator == nil {
			return nil, auth.ErrInvalidToken
		}
		claims, err := cfg.Validator.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &auth.UserContext{UserID: claims.UserID, Name: claims.DisplayName(), Email: claims.Email}, nil
	}

	if guest := r.Header.Get("X-Guest-ID"); cfg.AllowGuests && identity.IsGuest(guest) {
		return &auth.UserContext{UserID: guest}, nil
	}
	return nil, auth.ErrMissingToken
}

// extractToken reads the Authorization header, then the auth_token cookie
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return header
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// getClientIP extracts the client IP address
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	respondWithError(w, http.StatusUnauthorized, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    code,
	})
}
