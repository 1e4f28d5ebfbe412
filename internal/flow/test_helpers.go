package flow

import (
	"github.com/BTreeMap/Curio/internal/store"
)

// NewMockStateManager creates a state manager over an in-memory store for testing.
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore())
}
