package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chargewatch/backend/services/watch-service/internal/auth"
)

func okHandler(t *testing.T, wantCaller string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, wantCaller, caller)
		w.WriteHeader(http.StatusNoContent)
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		OK    bool `json:"ok"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	return body.Error.Code
}

func TestServiceAuth(t *testing.T) {
	tokens := auth.NewTokenService("s3cret", time.Hour)
	keys := auth.NewKeyHasher(bcrypt.MinCost)
	hash, err := keys.Hash("cron-key")
	require.NoError(t, err)

	serviceToken, err := tokens.GenerateToken("ingest-client", auth.RoleService)
	require.NoError(t, err)
	userToken, err := tokens.GenerateToken("someone", "user")
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		caller  string
	}{
		{"service token", map[string]string{"Authorization": "Bearer " + serviceToken}, http.StatusNoContent, "ingest-client"},
		{"cron key", map[string]string{CronKeyHeader: "cron-key"}, http.StatusNoContent, "cron"},
		{"wrong cron key", map[string]string{CronKeyHeader: "nope"}, http.StatusUnauthorized, ""},
		{"missing header", nil, http.StatusUnauthorized, ""},
		{"not bearer", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
		{"garbage token", map[string]string{"Authorization": "Bearer abc"}, http.StatusUnauthorized, ""},
		{"wrong role", map[string]string{"Authorization": "Bearer " + userToken}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := ServiceAuth(tokens, keys, hash)(okHandler(t, tt.caller))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
			}
		})
	}
}

func TestServiceAuthWithoutCronKeyConfigured(t *testing.T) {
	h := ServiceAuth(auth.NewTokenService("s3cret", time.Hour), auth.NewKeyHasher(bcrypt.MinCost), "")(okHandler(t, ""))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/polling/sweep", nil)
	req.Header.Set(CronKeyHeader, "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/station/snapshot", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rec))
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscribe", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)
	rec := call("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

	assert.Equal(t, http.StatusNoContent, call("10.0.0.2").Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", limiter.clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "192.0.2.1", limiter.clientIP(req))
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", ""})
	require.NoError(t, err)
	limiter := NewRateLimiter(1, 1).TrustProxies(trusted)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	assert.Equal(t, "10.1.2.3", limiter.clientIP(req))

	// a spoofed left-most entry is never reached
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.7, 192.0.2.10")
	assert.Equal(t, "203.0.113.7", limiter.clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.9.9.9")
	assert.Equal(t, "10.9.9.9", limiter.clientIP(req))
}

func TestRateLimiterNotBypassedByForwardedFor(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC) }
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for _, fwd := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/subscribe", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		req.Header.Set("X-Forwarded-For", fwd)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
