package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/gorilla/mux"
)

// listConversationsHandler handles GET /api/conversations.
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ConversationFilter{
		SessionID:  q.Get("session_id"),
		Phenomenon: q.Get("phenomenon"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	list, err := s.st.ListConversations(filter)
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, models.Success(list))
}

// getConversationHandler handles GET /api/conversations/{id}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	detail, status, msg := s.conversationDetail(mux.Vars(r)["id"])
	if detail == nil {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, models.Success(detail))
}

// downloadConversationHandler handles GET /api/conversations/{id}/download.
func (s *Server) downloadConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	detail, status, msg := s.conversationDetail(id)
	if detail == nil {
		writeError(w, status, msg)
		return
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		slog.Error("Server.downloadConversationHandler: failed to encode conversation", "error", err, "conversationID", id)
		writeError(w, http.StatusInternalServerError, "Failed to export conversation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "conversation_"+id+".json"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.downloadConversationHandler: failed to write export", "error", err, "conversationID", id)
	}
}

// conversationDetail loads a conversation with its messages. On failure it returns nil with
// the HTTP status and message to report.
func (s *Server) conversationDetail(id string) (*models.ConversationDetail, int, string) {
	conv, err := s.st.GetConversation(id)
	if errors.Is(err, store.ErrConversationNotFound) {
		return nil, http.StatusNotFound, "Conversation not found"
	}
	if err != nil {
		slog.Error("Server.conversationDetail: failed to load conversation", "error", err, "conversationID", id)
		return nil, http.StatusInternalServerError, "Failed to load conversation"
	}
	msgs, err := s.st.GetMessages(id)
	if err != nil {
		slog.Error("Server.conversationDetail: failed to load messages", "error", err, "conversationID", id)
		return nil, http.StatusInternalServerError, "Failed to load conversation"
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &models.ConversationDetail{Conversation: *conv, Messages: msgs}, http.StatusOK, ""
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
