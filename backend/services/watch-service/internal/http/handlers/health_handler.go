package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/http/response"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// NewHealthHandler returns GET /health handler. Any failing check answers 500.
func NewHealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		var down []string
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status[name] = "down"
				down = append(down, name)
				continue
			}
			status[name] = "up"
		}
		if len(down) > 0 {
			response.ErrorCode(w, apperr.CodeInternal, "dependency unavailable: "+strings.Join(down, ", "))
			return
		}
		response.JSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": status})
	}
}
