package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/store"
)

// StoreBasedStateManager implements StateManager on the flow_states records of a Store.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a StateManager backed by st.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	return &StoreBasedStateManager{store: st}
}

func (sm *StoreBasedStateManager) load(conversationID string, flowType models.FlowType) (*models.FlowState, error) {
	fs, err := sm.store.GetFlowState(conversationID, flowType)
	if err != nil {
		slog.Error("StateManager.load: failed to read flow state", "conversationID", conversationID, "flowType", flowType, "error", err)
		return nil, err
	}
	return fs, nil
}

// GetCurrentState returns the stored phase, or "" when the conversation has no state yet.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, conversationID string, flowType models.FlowType) (models.Phase, error) {
	fs, err := sm.load(conversationID, flowType)
	if err != nil || fs == nil {
		return "", err
	}
	return fs.CurrentState, nil
}

// GetStateData returns one value of the stored state data, or "" when it is absent.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, conversationID string, flowType models.FlowType, key models.DataKey) (string, error) {
	fs, err := sm.load(conversationID, flowType)
	if err != nil || fs == nil {
		return "", err
	}
	return fs.StateData[key], nil
}

// SetState stores state and merges data into the existing state data.
func (sm *StoreBasedStateManager) SetState(ctx context.Context, conversationID string, flowType models.FlowType, state models.Phase, data map[models.DataKey]string) error {
	fs, err := sm.load(conversationID, flowType)
	if err != nil {
		return err
	}

	now := time.Now()
	if fs == nil {
		fs = &models.FlowState{ConversationID: conversationID, FlowType: flowType, CreatedAt: now}
	}
	if fs.StateData == nil {
		fs.StateData = make(map[models.DataKey]string, len(data))
	}
	for k, v := range data {
		fs.StateData[k] = v
	}
	fs.CurrentState = state
	fs.UpdatedAt = now

	if err := sm.store.SaveFlowState(*fs); err != nil {
		slog.Error("StateManager.SetState: failed to save flow state", "conversationID", conversationID, "state", state, "error", err)
		return err
	}
	slog.Debug("StateManager.SetState: saved", "conversationID", conversationID, "flowType", flowType, "state", state)
	return nil
}

// ResetState deletes the state of a conversation.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, conversationID string, flowType models.FlowType) error {
	if err := sm.store.DeleteFlowState(conversationID, flowType); err != nil {
		slog.Error("StateManager.ResetState: failed to delete flow state", "conversationID", conversationID, "flowType", flowType, "error", err)
		return err
	}
	slog.Debug("StateManager.ResetState: deleted", "conversationID", conversationID, "flowType", flowType)
	return nil
}
