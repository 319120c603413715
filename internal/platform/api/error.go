// Package api holds the JSON response helpers shared by HTTP services.
// Every error body uses the same envelope:
//
//	{"error":{"code":"...","message":"...","details":{...},"request_id":"..."}}
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps request bodies read through DecodeJSON.
const MaxBodyBytes = 1 << 20

var ErrEmptyBody = errors.New("request body is empty")

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a size-limited request body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return ErrEmptyBody
	}
	return err
}

func WriteError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message, Details: details, RequestID: requestID}})
}

func BadRequest(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadRequest, code, message, requestID, details)
}

func Unauthorized(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusUnauthorized, code, message, requestID, nil)
}

func Forbidden(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusForbidden, code, message, requestID, nil)
}

func NotFound(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusNotFound, code, message, requestID, nil)
}

func Conflict(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusConflict, code, message, requestID, details)
}

// Unprocessable is for well-formed requests the service cannot act on.
func Unprocessable(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusUnprocessableEntity, code, message, requestID, details)
}

func Unavailable(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusServiceUnavailable, code, message, requestID, nil)
}

func Internal(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", requestID, nil)
}
