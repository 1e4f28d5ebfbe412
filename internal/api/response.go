package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Curio/internal/models"
)

// encodeFailureBody is sent when a response value cannot be encoded.
const encodeFailureBody = `{"status":"error","message":"Internal server error"}`

// writeJSON encodes v before touching the header, so an unencodable value still becomes a
// clean 500 instead of a truncated body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("api.writeJSON: failed to encode response", "type", fmt.Sprintf("%T", v), "error", err)
		body, status = []byte(encodeFailureBody), http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("api.writeJSON: failed to write response", "status", status, "error", err)
	}
}

// writeError writes the APIResponse envelope used by the viewer endpoints.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.Error(msg))
}

// writeChatError writes the flat {"error": ...} body the chat frontend expects.
func writeChatError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ChatError{Error: msg})
}
