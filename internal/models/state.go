// Package models defines state management structures for Curio flows.
package models

import "time"

// FlowState represents the persisted state of a conversation in a flow.
type FlowState struct {
	ConversationID string             `json:"conversation_id"`
	FlowType       FlowType           `json:"flow_type"`
	CurrentState   Phase              `json:"current_state"`
	StateData      map[DataKey]string `json:"state_data,omitempty"` // Additional state-specific data
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Session is the per-conversation dialogue history used by the state machine.
type Session struct {
	ConversationID       string          `json:"conversation_id"`
	Phenomenon           Phenomenon      `json:"phenomenon"`
	PhaseHistory         []Phase         `json:"phase_history"`
	QuestionLevelHistory []QuestionLevel `json:"question_level_history"`
	// LevelMark is the length of QuestionLevelHistory when reflection was last entered.
	LevelMark int       `json:"level_mark"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty session.
func NewSession(conversationID string, phenomenon Phenomenon) *Session {
	return &Session{
		ConversationID:       conversationID,
		Phenomenon:           phenomenon,
		PhaseHistory:         []Phase{},
		QuestionLevelHistory: []QuestionLevel{},
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.PhaseHistory = append([]Phase(nil), s.PhaseHistory...)
	c.QuestionLevelHistory = append([]QuestionLevel(nil), s.QuestionLevelHistory...)
	return &c
}

// CountPhase counts the entries of p in the phase history.
func (s *Session) CountPhase(p Phase) int {
	return countPhase(s.PhaseHistory, p)
}

// LastPhase returns the most recent entry of the phase history.
func (s *Session) LastPhase() (Phase, bool) {
	if len(s.PhaseHistory) == 0 {
		return "", false
	}
	return s.PhaseHistory[len(s.PhaseHistory)-1], true
}

// FirstIndex returns the index of the first entry of p, or -1.
func (s *Session) FirstIndex(p Phase) int {
	for i, h := range s.PhaseHistory {
		if h == p {
			return i
		}
	}
	return -1
}

// IsClosed reports whether close was recorded.
func (s *Session) IsClosed() bool {
	return s.FirstIndex(PhaseClose) >= 0
}

// QualifiedSinceMark counts qualified question levels recorded since LevelMark.
func (s *Session) QualifiedSinceMark() int {
	start := s.LevelMark
	if start < 0 || start > len(s.QuestionLevelHistory) {
		start = 0
	}
	n := 0
	for _, l := range s.QuestionLevelHistory[start:] {
		if l.IsQualified() {
			n++
		}
	}
	return n
}

func countPhase(history []Phase, p Phase) int {
	n := 0
	for _, h := range history {
		if h == p {
			n++
		}
	}
	return n
}

// CountPhaseFrom counts the entries of p in the phase history starting at index from.
func (s *Session) CountPhaseFrom(from int, p Phase) int {
	if from < 0 || from >= len(s.PhaseHistory) {
		return 0
	}
	return countPhase(s.PhaseHistory[from:], p)
}
