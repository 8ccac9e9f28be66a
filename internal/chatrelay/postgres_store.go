package chatrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second
	pqUniqueViolation        = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable EntityStore. Each operation is one
// transaction; CloseConversation and CreateMessage take a SELECT ... FOR
// UPDATE on the conversation row so the open-check and the write cannot
// interleave with a racing close.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id UUID PRIMARY KEY,
				status TEXT NOT NULL DEFAULT 'OPEN',
				contact_id UUID,
				assigned_user_id TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				closed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS conversations_status_idx ON conversations (status)`,
			`CREATE INDEX IF NOT EXISTS conversations_created_at_idx ON conversations (created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY,
				conversation_id UUID NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
				direction TEXT NOT NULL,
				content TEXT NOT NULL,
				"timestamp" TIMESTAMPTZ NOT NULL,
				author_user_id TEXT,
				is_internal BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS messages_conversation_timestamp_idx ON messages (conversation_id, "timestamp")`,
			`CREATE INDEX IF NOT EXISTS messages_direction_idx ON messages (direction)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateConversation(ctx context.Context, id string, createdAt time.Time) (Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return Conversation{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Conversation{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)", id).Scan(&exists); err != nil {
		return Conversation{}, err
	}
	if exists {
		return Conversation{}, ErrDuplicateEntity
	}
	conv := Conversation{
		ID:        id,
		Status:    StatusOpen,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
		conv.ID, conv.Status, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return Conversation{}, mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, mapPostgresError(err)
	}
	committed = true
	return conv, nil
}

func (s *PostgresStore) CloseConversation(ctx context.Context, id string, closedAt time.Time) (Conversation, error) {
	if err := s.ensureReady(); err != nil {
		return Conversation{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	conv, err := lockConversation(ctx, tx, id)
	if err != nil {
		return Conversation{}, err
	}
	if conv.IsClosed() {
		return Conversation{}, ErrInvalidState
	}
	closed := closedAt.UTC()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET status = $2, closed_at = $3, updated_at = $4 WHERE id = $1`,
		id, StatusClosed, closed, now)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	committed = true
	conv.Status = StatusClosed
	conv.ClosedAt = &closed
	conv.UpdatedAt = now
	return conv, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.ConversationID) == "" {
		return Message{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)", msg.ID).Scan(&exists); err != nil {
		return Message{}, err
	}
	if exists {
		return Message{}, ErrDuplicateEntity
	}

	// Lock before the open-check: a concurrent close commits either before
	// the lock is granted (and the check fails here) or after this
	// transaction commits (and the close wins the lock later).
	conv, err := lockConversation(ctx, tx, msg.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.IsOpen() {
		return Message{}, ErrConversationClosed
	}

	msg.Timestamp = msg.Timestamp.UTC()
	msg.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, content, "timestamp", author_user_id, is_internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, msg.Direction, msg.Content, msg.Timestamp, msg.AuthorUserID, msg.IsInternal, msg.CreatedAt)
	if err != nil {
		return Message{}, mapPostgresError(err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = $2 WHERE id = $1", msg.ConversationID, msg.CreatedAt); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, mapPostgresError(err)
	}
	committed = true
	return msg, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string, includeInternal bool) (Conversation, []Message, error) {
	if err := s.ensureReady(); err != nil {
		return Conversation{}, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	conv, err := s.getConversation(ctx, id)
	if err != nil {
		return Conversation{}, nil, err
	}
	messages, err := s.listMessages(ctx, id, includeInternal)
	if err != nil {
		return Conversation{}, nil, err
	}
	return conv, messages, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, includeInternal bool) ([]Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if _, err := s.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, conversationID, includeInternal)
}

func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultConversationLimit
	}

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, filter.DateFrom.UTC())
		conditions = append(conditions, fmt.Sprintf("c.created_at >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, filter.DateTo.UTC())
		conditions = append(conditions, fmt.Sprintf("c.created_at <= $%d", len(args)))
	}
	if strings.TrimSpace(filter.Search) != "" {
		args = append(args, "%"+strings.TrimSpace(filter.Search)+"%")
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.content ILIKE $%d)", len(args)))
	}
	query := "SELECT c.id, c.status, c.contact_id, c.assigned_user_id, c.created_at, c.updated_at, c.closed_at FROM conversations c"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY c.created_at DESC, c.id LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]Conversation, 0, limit)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.summarize(ctx, conversations)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) summarize(ctx context.Context, conversations []Conversation) ([]ConversationSummary, error) {
	summaries := make([]ConversationSummary, len(conversations))
	ids := make([]string, len(conversations))
	index := make(map[string]int, len(conversations))
	for i, conv := range conversations {
		summaries[i] = ConversationSummary{Conversation: conv}
		ids[i] = conv.ID
		index[conv.ID] = i
	}
	if len(ids) == 0 {
		return summaries, nil
	}

	countRows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*)
		FROM messages
		WHERE conversation_id = ANY($1) AND NOT is_internal
		GROUP BY conversation_id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer countRows.Close()
	for countRows.Next() {
		var conversationID string
		var count int
		if err := countRows.Scan(&conversationID, &count); err != nil {
			return nil, err
		}
		if i, ok := index[conversationID]; ok {
			summaries[i].MessageCount = count
		}
	}
	if err := countRows.Err(); err != nil {
		return nil, err
	}

	lastRows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (conversation_id)
			id, conversation_id, direction, content, "timestamp", author_user_id, is_internal, created_at
		FROM messages
		WHERE conversation_id = ANY($1) AND NOT is_internal
		ORDER BY conversation_id, "timestamp" DESC, created_at DESC`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer lastRows.Close()
	for lastRows.Next() {
		msg, err := scanMessage(lastRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[msg.ConversationID]; ok {
			last := msg
			summaries[i].LastMessage = &last
		}
	}
	if err := lastRows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *PostgresStore) getConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, contact_id, assigned_user_id, created_at, updated_at, closed_at
		FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *PostgresStore) listMessages(ctx context.Context, conversationID string, includeInternal bool) ([]Message, error) {
	query := `
		SELECT id, conversation_id, direction, content, "timestamp", author_user_id, is_internal, created_at
		FROM messages WHERE conversation_id = $1`
	if !includeInternal {
		query += " AND NOT is_internal"
	}
	query += ` ORDER BY "timestamp" ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func lockConversation(ctx context.Context, tx *sql.Tx, id string) (Conversation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, status, contact_id, assigned_user_id, created_at, updated_at, closed_at
		FROM conversations WHERE id = $1 FOR UPDATE`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conv Conversation
	var closedAt sql.NullTime
	if err := row.Scan(&conv.ID, &conv.Status, &conv.ContactID, &conv.AssignedUserID, &conv.CreatedAt, &conv.UpdatedAt, &closedAt); err != nil {
		return Conversation{}, err
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		conv.ClosedAt = &t
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return conv, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &msg.Content, &msg.Timestamp, &msg.AuthorUserID, &msg.IsInternal, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func mapPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return ErrDuplicateEntity
	}
	return err
}
