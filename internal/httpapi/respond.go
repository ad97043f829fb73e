package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// errorResponse is the uniform error body. Error kinds are opaque codes;
// internal detail stays in the logs.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, r *http.Request, code int, kind, message string) {
	if code >= http.StatusInternalServerError {
		log.Ctx(r.Context()).Error().
			Str("path", r.URL.Path).
			Int("status", code).
			Str("kind", kind).
			Msg(message)
	}
	writeJSON(w, code, errorResponse{Error: kind, Message: message})
}
