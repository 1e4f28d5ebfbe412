// Package models defines the core data structures for Curio.
//
// It includes the tutoring turn payloads, conversation records and the API response
// envelope, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Message roles accepted in a turn transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length of a single transcript message
	MaxMessageLength = 4096
	// MaxTranscriptMessages defines the maximum number of messages accepted in one turn
	MaxTranscriptMessages = 200
	// MaxIdentifierLength defines the maximum length of conversation and session identifiers
	MaxIdentifierLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessages         = errors.New("messages cannot be empty")
	ErrTooManyMessages       = errors.New("too many messages in transcript")
	ErrInvalidRole           = errors.New("invalid message role")
	ErrMessageTooLong        = errors.New("message exceeds maximum length")
	ErrIdentifierTooLong     = errors.New("identifier exceeds maximum length")
	ErrMissingConversationID = errors.New("conversation_id is required")
)

// ChatMessage is one entry of the transcript sent by the frontend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the payload of one tutoring turn.
type TurnRequest struct {
	Messages       []ChatMessage `json:"messages"`
	State          string        `json:"state,omitempty"`
	ImagePath      string        `json:"image_path,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
}

// Validate performs validation on a TurnRequest. ConversationID is checked for length only;
// the transport layer assigns one when it is missing.
func (r *TurnRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrEmptyMessages
	}
	if len(r.Messages) > MaxTranscriptMessages {
		return ErrTooManyMessages
	}
	for _, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return ErrInvalidRole
		}
		if len(m.Content) > MaxMessageLength {
			return ErrMessageTooLong
		}
	}
	if len(r.ConversationID) > MaxIdentifierLength || len(r.SessionID) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	return nil
}

// TurnResponse is the result of one tutoring turn.
type TurnResponse struct {
	Response       string `json:"response"`
	NextState      Phase  `json:"next_state"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Transcript is the ordered chat history of a conversation as seen by the frontend.
type Transcript []ChatMessage

// LatestUserMessage returns the content of the last message sent by the child.
func (t Transcript) LatestUserMessage() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleUser {
			return strings.TrimSpace(t[i].Content)
		}
	}
	return ""
}

// Serialize renders the transcript one line per message for evaluation prompts.
// System messages are not part of the dialogue and are skipped.
func (t Transcript) Serialize() string {
	var b strings.Builder
	for _, m := range t {
		var speaker string
		switch m.Role {
		case RoleUser:
			speaker = "Child"
		case RoleAssistant:
			speaker = "Curio"
		default:
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
	}
	return b.String()
}

// Conversation is the persisted record of one tutoring conversation.
type Conversation struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	ImagePath        string     `json:"image_path,omitempty"`
	Phenomenon       string     `json:"phenomenon,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	EvaluationResult string     `json:"evaluation_result,omitempty"`
	MessageCount     int        `json:"message_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Message is one persisted message of a conversation.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	State            string    `json:"state,omitempty"`
	EvaluationResult string    `json:"evaluation_result,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	Limit      int
	Offset     int
	SessionID  string
	Phenomenon string
}

// Default and maximum page sizes for conversation listings.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps the paging values of the filter.
func (f ConversationFilter) Normalize() ConversationFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ConversationDetail is a conversation together with its messages.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ConversationList is the paged result of a conversation listing.
type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ChatError is the error body of the turn endpoint; the frontend reads the "error" key.
type ChatError struct {
	Error string `json:"error"`
}
