// Package api exposes the chat relay over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	logx "github.com/chat-relay/server/pkg/logger"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Error().Err(err).Msg("failed to encode response")
	}
}

// Error writes a JSON error response in the {"detail": "..."} shape.
func Error(w http.ResponseWriter, status int, detail string) {
	JSON(w, status, ErrorResponse{Detail: detail})
}
