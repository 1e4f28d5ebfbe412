// Package store provides storage backends for Curio.
//
// It records conversations, their messages and the per-conversation flow state. An in-memory
// store is used when no database is configured; SQLite and PostgreSQL are selected by DSN.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/google/uuid"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMissingDSN is returned when a database backend is opened without a DSN.
var ErrMissingDSN = errors.New("database DSN not set")

// Store defines the persistence operations used by the tutor and the conversation viewer.
type Store interface {
	// CreateOrGetConversation inserts c unless a conversation with the same id exists, and
	// returns the stored record.
	CreateOrGetConversation(c models.Conversation) (*models.Conversation, error)
	// AppendMessage stores one message. Empty ids and timestamps are filled in.
	AppendMessage(m models.Message) (*models.Message, error)
	// AppendTurn stores the child's message and the reply atomically.
	AppendTurn(user, assistant models.Message) error
	// FinishConversation marks a conversation finished. The first finish time is kept.
	FinishConversation(id, evaluationResult string) error
	ListConversations(f models.ConversationFilter) (*models.ConversationList, error)
	GetConversation(id string) (*models.Conversation, error)
	GetMessages(conversationID string) ([]models.Message, error)

	SaveFlowState(state models.FlowState) error
	// GetFlowState returns nil without error when no state is stored.
	GetFlowState(conversationID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(conversationID string, flowType models.FlowType) error

	Close() error
}

// Driver names as understood by database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverPostgres
	}
}

// DetectDSNType returns the driver a DSN is meant for: URLs and key/value strings are
// PostgreSQL, anything else is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DriverPostgres
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// New opens the backend selected by opts. Without a DSN an in-memory store is returned.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("Store.New: no database configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case DriverPostgres:
		return NewPostgresStore(opts...)
	case DriverSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// InMemoryStore keeps everything in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	order         []string
	messages      map[string][]models.Message
	flowStates    map[string]models.FlowState
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		flowStates:    make(map[string]models.FlowState),
	}
}

func (s *InMemoryStore) CreateOrGetConversation(c models.Conversation) (*models.Conversation, error) {
	if c.ID == "" {
		return nil, models.ErrMissingConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[c.ID]; ok {
		return s.snapshot(existing), nil
	}
	prepareConversation(&c, time.Now())
	s.conversations[c.ID] = &c
	s.order = append(s.order, c.ID)
	return s.snapshot(&c), nil
}

func (s *InMemoryStore) AppendMessage(m models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	prepareMessage(&m, time.Now())
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	c.UpdatedAt = m.CreatedAt
	return &m, nil
}

func (s *InMemoryStore) AppendTurn(user, assistant models.Message) error {
	if user.ConversationID != assistant.ConversationID {
		return fmt.Errorf("turn spans conversations %q and %q", user.ConversationID, assistant.ConversationID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[user.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	now := time.Now()
	prepareMessage(&user, now)
	prepareMessage(&assistant, now)
	s.messages[c.ID] = append(s.messages[c.ID], user, assistant)
	c.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) FinishConversation(id, evaluationResult string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	now := time.Now()
	if c.FinishedAt == nil {
		c.FinishedAt = &now
	}
	if evaluationResult != "" {
		c.EvaluationResult = evaluationResult
	}
	c.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) ListConversations(f models.ConversationFilter) (*models.ConversationList, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Conversation
	for _, id := range s.order {
		c := s.conversations[id]
		if f.SessionID != "" && c.SessionID != f.SessionID {
			continue
		}
		if f.Phenomenon != "" && c.Phenomenon != f.Phenomenon {
			continue
		}
		matched = append(matched, *s.snapshot(c))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	list := &models.ConversationList{Conversations: []models.Conversation{}, Total: len(matched), Limit: f.Limit, Offset: f.Offset}
	if f.Offset < len(matched) {
		end := f.Offset + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		list.Conversations = matched[f.Offset:end]
	}
	return list, nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return s.snapshot(c), nil
}

func (s *InMemoryStore) GetMessages(conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	return append([]models.Message{}, s.messages[conversationID]...), nil
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowStateKey(state.ConversationID, state.FlowType)
	if existing, ok := s.flowStates[key]; ok && !existing.CreatedAt.IsZero() {
		state.CreatedAt = existing.CreatedAt
	}
	state.StateData = copyStateData(state.StateData)
	s.flowStates[key] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(conversationID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[flowStateKey(conversationID, flowType)]
	if !ok {
		return nil, nil
	}
	state.StateData = copyStateData(state.StateData)
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(conversationID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowStateKey(conversationID, flowType))
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// snapshot copies c with its current message count. Callers hold s.mu.
func (s *InMemoryStore) snapshot(c *models.Conversation) *models.Conversation {
	out := *c
	out.MessageCount = len(s.messages[c.ID])
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func flowStateKey(conversationID string, flowType models.FlowType) string {
	return conversationID + "\x00" + string(flowType)
}

func copyStateData(in map[models.DataKey]string) map[models.DataKey]string {
	if in == nil {
		return nil
	}
	out := make(map[models.DataKey]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// prepareConversation fills in defaults for a new conversation record.
func prepareConversation(c *models.Conversation, now time.Time) {
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.MessageCount = 0
}

// prepareMessage assigns an id and timestamp when missing.
func prepareMessage(m *models.Message, now time.Time) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
}
