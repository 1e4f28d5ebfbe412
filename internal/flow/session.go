package flow

import (
	"context"
	"sync"
)

// SessionManager serialises turns per conversation id. Turns for different ids run in parallel.
type SessionManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{locks: make(map[string]*sessionLock)}
}

// Lock waits until no other turn of the conversation is running, or ctx is done. The returned
// function releases the lock and is safe to call more than once.
func (m *SessionManager) Lock(ctx context.Context, conversationID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[conversationID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(conversationID, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(conversationID, l)
		return nil, ctx.Err()
	}
}

// release drops a reference and reclaims the entry once nobody holds or waits for it.
func (m *SessionManager) release(conversationID string, l *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, conversationID)
	}
}

// Active returns the number of conversations with a running or waiting turn.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
