// Package response writes the JSON envelope shared by every endpoint.
package response

import (
	"encoding/json"
	"net/http"

	"chargewatch/backend/services/watch-service/internal/apperr"
)

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// JSON writes {"ok":true,"data":...}.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, envelope{OK: true, Data: data})
}

// Error writes {"ok":false,"error":{code,message}} with the status mapped from the error code.
func Error(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	ErrorCode(w, code, apperr.PublicMessage(err))
}

// ErrorCode writes an error envelope for a code that did not come from the service layer.
func ErrorCode(w http.ResponseWriter, code apperr.Code, message string) {
	write(w, apperr.HTTPStatus(code), envelope{Error: &errorBody{Code: code, Message: message}})
}

func write(w http.ResponseWriter, status int, payload envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
