// Package handlers implements the JSON endpoints of the watch service.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/apperr"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads one JSON object from the body. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}

// logFailure logs internal and upstream failures at error level and client mistakes at debug.
func logFailure(logger *zap.Logger, op string, err error, fields ...zap.Field) {
	code := apperr.CodeOf(err)
	fields = append(fields, zap.String("op", op), zap.String("code", string(code)), zap.Error(err))
	switch code {
	case apperr.CodeInternal, apperr.CodeRPC:
		logger.Error("request failed", fields...)
	default:
		logger.Debug("request rejected", fields...)
	}
}
