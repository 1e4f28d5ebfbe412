package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Curio/internal/models"
)

// sqlStore implements Store on database/sql. Queries are written with '?' placeholders and
// rebound for drivers that number their parameters.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

// openSQL opens and migrates a database. tune configures the pool before the first ping.
func openSQL(name, driver, dsn, migrations string, numbered bool, tune func(*sql.DB)) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+".open: failed to open database", "error", err)
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error(name+".open: ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(name+".open: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name + ".open: migrations applied")
	return &sqlStore{db: db, name: name, numbered: numbered}, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// bind rewrites '?' placeholders to $1, $2, ... when the driver requires it.
func (s *sqlStore) bind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const conversationColumns = `c.id, c.session_id, c.image_path, c.phenomenon, c.started_at, c.finished_at,
	c.evaluation_result, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a Conversation selected with conversationColumns.
func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var sessionID, imagePath, phenomenon, evaluation sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&c.ID, &sessionID, &imagePath, &phenomenon, &c.StartedAt, &finishedAt,
		&evaluation, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if err != nil {
		return nil, err
	}
	c.SessionID = sessionID.String
	c.ImagePath = imagePath.String
	c.Phenomenon = phenomenon.String
	c.EvaluationResult = evaluation.String
	if finishedAt.Valid {
		t := finishedAt.Time
		c.FinishedAt = &t
	}
	return &c, nil
}

func (s *sqlStore) CreateOrGetConversation(c models.Conversation) (*models.Conversation, error) {
	if c.ID == "" {
		return nil, models.ErrMissingConversationID
	}
	prepareConversation(&c, time.Now().UTC())
	c.StartedAt = c.StartedAt.UTC()
	_, err := s.db.Exec(s.bind(`
		INSERT INTO conversations (id, session_id, image_path, phenomenon, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		c.ID, nilIfEmpty(c.SessionID), nilIfEmpty(c.ImagePath), nilIfEmpty(c.Phenomenon), c.StartedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" CreateOrGetConversation insert failed", "error", err, "conversationID", c.ID)
		return nil, fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	return s.GetConversation(c.ID)
}

func (s *sqlStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(s.bind(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`), id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *sqlStore) ListConversations(f models.ConversationFilter) (*models.ConversationList, error) {
	f = f.Normalize()
	where := []string{"1 = 1"}
	var args []interface{}
	if f.SessionID != "" {
		where = append(where, "c.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Phenomenon != "" {
		where = append(where, "c.phenomenon = ?")
		args = append(args, f.Phenomenon)
	}
	cond := strings.Join(where, " AND ")

	list := &models.ConversationList{Conversations: []models.Conversation{}, Limit: f.Limit, Offset: f.Offset}
	if err := s.db.QueryRow(s.bind(`SELECT COUNT(*) FROM conversations c WHERE `+cond), args...).Scan(&list.Total); err != nil {
		slog.Error(s.name+" ListConversations count failed", "error", err)
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE ` + cond +
		` ORDER BY c.started_at DESC, c.id LIMIT ? OFFSET ?`
	rows, err := s.db.Query(s.bind(query), append(args, f.Limit, f.Offset)...)
	if err != nil {
		slog.Error(s.name+" ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error(s.name+" ListConversations scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		list.Conversations = append(list.Conversations, *c)
	}
	if err := rows.Err(); err != nil {
		slog.Error(s.name+" ListConversations rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug(s.name+" ListConversations succeeded", "count", len(list.Conversations), "total", list.Total)
	return list, nil
}

func (s *sqlStore) AppendMessage(m models.Message) (*models.Message, error) {
	prepareMessage(&m, time.Now().UTC())
	err := s.inTx(func(tx *sql.Tx) error {
		return s.insertMessage(tx, m)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug(s.name+" AppendMessage succeeded", "conversationID", m.ConversationID, "role", m.Role)
	return &m, nil
}

func (s *sqlStore) AppendTurn(user, assistant models.Message) error {
	if user.ConversationID != assistant.ConversationID {
		return fmt.Errorf("turn spans conversations %q and %q", user.ConversationID, assistant.ConversationID)
	}
	now := time.Now().UTC()
	prepareMessage(&user, now)
	prepareMessage(&assistant, now)
	err := s.inTx(func(tx *sql.Tx) error {
		if err := s.insertMessage(tx, user); err != nil {
			return err
		}
		return s.insertMessage(tx, assistant)
	})
	if err != nil {
		return err
	}
	slog.Debug(s.name+" AppendTurn succeeded", "conversationID", user.ConversationID)
	return nil
}

// insertMessage touches the conversation first so that unknown ids fail before any insert.
func (s *sqlStore) insertMessage(tx *sql.Tx, m models.Message) error {
	res, err := tx.Exec(s.bind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), m.CreatedAt, m.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", m.ConversationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	_, err = tx.Exec(s.bind(`
		INSERT INTO messages (id, conversation_id, role, content, state, evaluation_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, m.Role, m.Content, nilIfEmpty(m.State), nilIfEmpty(m.EvaluationResult), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message for %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *sqlStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error(s.name+" begin transaction failed", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.name+" rollback failed", "error", rbErr)
		}
		slog.Error(s.name+" transaction failed", "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.name+" commit failed", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) FinishConversation(id, evaluationResult string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(s.bind(`
		UPDATE conversations
		SET finished_at = COALESCE(finished_at, ?),
			evaluation_result = COALESCE(?, evaluation_result),
			updated_at = ?
		WHERE id = ?`), now, nilIfEmpty(evaluationResult), now, id)
	if err != nil {
		slog.Error(s.name+" FinishConversation failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to finish conversation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	slog.Debug(s.name+" FinishConversation succeeded", "conversationID", id)
	return nil
}

func (s *sqlStore) GetMessages(conversationID string) ([]models.Message, error) {
	if _, err := s.GetConversation(conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(s.bind(`
		SELECT id, conversation_id, role, content, state, evaluation_result, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`), conversationID)
	if err != nil {
		slog.Error(s.name+" GetMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var state, evaluation sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &state, &evaluation, &m.CreatedAt); err != nil {
			slog.Error(s.name+" GetMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.State = state.String
		m.EvaluationResult = evaluation.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// SaveFlowState stores or updates flow state for a conversation.
func (s *sqlStore) SaveFlowState(state models.FlowState) error {
	var stateData interface{}
	if len(state.StateData) > 0 {
		data, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error(s.name+" SaveFlowState JSON marshal failed", "error", err, "conversationID", state.ConversationID)
			return err
		}
		stateData = string(data)
	}
	_, err := s.db.Exec(s.bind(`
		INSERT INTO flow_states (conversation_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, flow_type)
		DO UPDATE SET
			current_state = excluded.current_state,
			state_data = excluded.state_data,
			updated_at = excluded.updated_at`),
		state.ConversationID, state.FlowType, state.CurrentState, stateData, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" SaveFlowState failed", "error", err, "conversationID", state.ConversationID, "flowType", state.FlowType)
		return err
	}
	slog.Debug(s.name+" SaveFlowState succeeded", "conversationID", state.ConversationID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a conversation.
func (s *sqlStore) GetFlowState(conversationID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateData sql.NullString
	err := s.db.QueryRow(s.bind(`
		SELECT conversation_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE conversation_id = ? AND flow_type = ?`), conversationID, flowType).Scan(
		&state.ConversationID, &state.FlowType, &state.CurrentState, &stateData, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+" GetFlowState not found", "conversationID", conversationID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetFlowState failed", "error", err, "conversationID", conversationID, "flowType", flowType)
		return nil, err
	}
	if stateData.Valid && stateData.String != "" {
		state.StateData = make(map[models.DataKey]string)
		if err := json.Unmarshal([]byte(stateData.String), &state.StateData); err != nil {
			slog.Error(s.name+" GetFlowState JSON unmarshal failed", "error", err, "conversationID", conversationID)
			// Continue with empty map rather than failing
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a conversation.
func (s *sqlStore) DeleteFlowState(conversationID string, flowType models.FlowType) error {
	_, err := s.db.Exec(s.bind(`DELETE FROM flow_states WHERE conversation_id = ? AND flow_type = ?`), conversationID, flowType)
	if err != nil {
		slog.Error(s.name+" DeleteFlowState failed", "error", err, "conversationID", conversationID, "flowType", flowType)
		return err
	}
	slog.Debug(s.name+" DeleteFlowState succeeded", "conversationID", conversationID, "flowType", flowType)
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
