package middleware

import (
	"context"
	"net/http"
	"strings"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/auth"
	"chargewatch/backend/services/watch-service/internal/http/response"
)

type contextKey string

const callerKey contextKey = "caller"

// CronKeyHeader carries the static key of the sweep scheduler.
const CronKeyHeader = "X-Cron-Key"

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// KeyVerifier checks a cron key against its configured hash.
type KeyVerifier interface {
	Compare(hash, key string) error
}

// ServiceAuth admits a bearer token with the service role or a cron key matching cronKeyHash.
// An empty cronKeyHash disables the cron key path.
func ServiceAuth(tokens TokenValidator, keys KeyVerifier, cronKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(CronKeyHeader); key != "" {
				if cronKeyHash == "" || keys == nil || keys.Compare(cronKeyHash, key) != nil {
					unauthorized(w, "invalid cron key")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, "cron")))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				unauthorized(w, "invalid authorization header")
				return
			}
			if tokens == nil {
				unauthorized(w, "invalid token")
				return
			}
			claims, err := tokens.ValidateToken(strings.TrimSpace(parts[1]))
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			if claims.Role != auth.RoleService {
				unauthorized(w, "token lacks service role")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, claims.Subject)))
		})
	}
}

// CallerFromContext returns the authenticated caller: the token subject or "cron".
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	response.ErrorCode(w, apperr.CodeUnauthorized, message)
}
