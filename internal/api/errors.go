package api

import (
	"encoding/json"
	"net/http"
)

// Error is the JSON body of every non-2xx response. Code is a stable
// machine-readable string for client-side branching; Message is for
// humans and may change between releases.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Values carried in Error.Code.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnavailable    = "service_unavailable"
	ErrCodeInternal       = "internal_error"
)

// respond serialises v as JSON with the given status. A nil v sends
// headers only.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // Status line already sent; the client may have hung up
	json.NewEncoder(w).Encode(v)
}

// respondError emits the standard error body.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respond(w, status, Error{Status: status, Code: code, Message: message})
}
