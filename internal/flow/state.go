// Package flow implements the tutoring dialogue: turn classification, the phase state
// machine, prompt assembly and the per-conversation session lifecycle.
package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/Curio/internal/models"
)

// StateManager defines the interface for managing flow state.
type StateManager interface {
	// GetCurrentState retrieves the current state of a conversation in a flow
	GetCurrentState(ctx context.Context, conversationID string, flowType models.FlowType) (models.Phase, error)

	// GetStateData retrieves additional data associated with the conversation's state
	GetStateData(ctx context.Context, conversationID string, flowType models.FlowType, key models.DataKey) (string, error)

	// SetState stores the current state and the given data in a single write
	SetState(ctx context.Context, conversationID string, flowType models.FlowType, state models.Phase, data map[models.DataKey]string) error

	// ResetState removes all state data for a conversation in a flow
	ResetState(ctx context.Context, conversationID string, flowType models.FlowType) error
}

// LoadSession reads the tutor session of a conversation. It returns nil when none is stored.
func LoadSession(ctx context.Context, sm StateManager, conversationID string) (*models.Session, error) {
	raw, err := sm.GetStateData(ctx, conversationID, models.FlowTypeTutor, models.DataKeySession)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", conversationID, err)
	}
	return &s, nil
}

// SaveSession stores the session; its last recorded phase becomes the flow's current state.
func SaveSession(ctx context.Context, sm StateManager, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.ConversationID, err)
	}
	current, ok := s.LastPhase()
	if !ok {
		current = models.PhaseGreet
	}
	return sm.SetState(ctx, s.ConversationID, models.FlowTypeTutor, current, map[models.DataKey]string{
		models.DataKeySession: string(data),
	})
}
