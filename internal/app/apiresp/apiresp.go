// Package apiresp writes the JSON envelope shared by every API handler.
package apiresp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

type Envelope struct {
	OK    bool          `json:"ok"`
	Data  interface{}   `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
	Meta  Meta          `json:"meta"`
}

func WriteOK(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	write(w, status, Envelope{OK: true, Data: data, Meta: metaFor(r)})
}

// WriteError uses the default code for status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	WriteErrorCode(w, r, status, CodeFromStatus(status), msg)
}

// WriteErrorCode lets callers send a domain-specific code such as "exam_not_available".
func WriteErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	if code == "" {
		code = CodeFromStatus(status)
	}
	write(w, status, Envelope{
		OK:    false,
		Error: &ErrorPayload{Code: code, Message: msg},
		Meta:  metaFor(r),
	})
}

func metaFor(r *http.Request) Meta {
	if r == nil {
		return Meta{}
	}
	return Meta{RequestID: middleware.GetReqID(r.Context())}
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func CodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		if status >= 200 && status < 300 {
			return ""
		}
		return "error"
	}
}
