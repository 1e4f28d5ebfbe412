package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/google/uuid"
)

// chatErrorMessage is the body returned to the frontend when a turn fails.
const chatErrorMessage = "Chat completion failed"

// chatHandler handles POST /chat.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer r.Body.Close()

	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeChatError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
		slog.Debug("Server.chatHandler: assigned conversation id", "conversationID", req.ConversationID)
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err, "conversationID", req.ConversationID)
		writeChatError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.tutor.ProcessTurn(r.Context(), req)
	if err != nil {
		if isValidationError(err) {
			writeChatError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Server.chatHandler: turn failed", "error", err, "conversationID", req.ConversationID, "state", req.State)
		writeChatError(w, http.StatusInternalServerError, chatErrorMessage)
		return
	}
	if resp.ConversationID == "" {
		resp.ConversationID = req.ConversationID
	}
	writeJSON(w, http.StatusOK, resp)
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptyMessages,
		models.ErrTooManyMessages,
		models.ErrInvalidRole,
		models.ErrMessageTooLong,
		models.ErrIdentifierTooLong,
		models.ErrMissingConversationID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"service": "curio"}))
}
