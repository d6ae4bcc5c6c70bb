package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects the placeholder style of the backing database.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

const maxAuditResultChars = 10000

// SQLStore implements Store over database/sql for both backends.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) EnsureChannel(ctx context.Context, adapterType, adapterName, externalID, channelName, channelKind string) (string, string, error) {
	adapterID, err := s.ensureAdapter(ctx, adapterType, adapterName)
	if err != nil {
		return "", "", err
	}

	var channelID string
	var storedName nullStr
	err = s.db.QueryRowContext(ctx,
		s.q(`SELECT id, name FROM channels WHERE adapter_id = ? AND external_id = ?`),
		adapterID, externalID).Scan(&channelID, &storedName)
	switch {
	case err == nil:
		if channelName != "" && storedName.s != channelName {
			_, _ = s.db.ExecContext(ctx,
				s.q(`UPDATE channels SET name = ? WHERE id = ?`), channelName, channelID)
		}
		return adapterID, channelID, nil
	case errors.Is(err, sql.ErrNoRows):
		channelID = uuid.NewString()
		_, err = s.db.ExecContext(ctx,
			s.q(`INSERT INTO channels (id, adapter_id, external_id, name, kind, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
			channelID, adapterID, externalID, channelName, channelKind, time.Now().UTC())
		if err != nil {
			return "", "", fmt.Errorf("history: create channel: %w", err)
		}
		return adapterID, channelID, nil
	default:
		return "", "", fmt.Errorf("history: lookup channel: %w", err)
	}
}

func (s *SQLStore) ensureAdapter(ctx context.Context, adapterType, adapterName string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id FROM adapters WHERE type = ? AND name = ?`), adapterType, adapterName).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = s.db.ExecContext(ctx,
			s.q(`INSERT INTO adapters (id, type, name, created_at) VALUES (?, ?, ?, ?)`),
			id, adapterType, adapterName, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("history: create adapter: %w", err)
		}
		return id, nil
	default:
		return "", fmt.Errorf("history: lookup adapter: %w", err)
	}
}

// GetOrCreateConversation reuses the newest non-archived conversation for the
// channel/user pair, otherwise starts a new one chained to the previous.
func (s *SQLStore) GetOrCreateConversation(ctx context.Context, channelID, userID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id FROM conversations
		     WHERE channel_id = ? AND user_id = ? AND archived = FALSE
		     ORDER BY started_at DESC LIMIT 1`),
		channelID, userID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("history: lookup conversation: %w", err)
	}

	var previousID nullStr
	err = s.db.QueryRowContext(ctx,
		s.q(`SELECT id FROM conversations WHERE channel_id = ? AND user_id = ? ORDER BY started_at DESC LIMIT 1`),
		channelID, userID).Scan(&previousID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("history: lookup previous conversation: %w", err)
	}

	id = uuid.NewString()
	now := time.Now().UTC()
	var prev any
	if previousID.s != "" {
		prev = previousID.s
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO conversations (id, channel_id, user_id, previous_conversation_id, archived, started_at, last_activity_at)
		     VALUES (?, ?, ?, ?, FALSE, ?, ?)`),
		id, channelID, userID, prev, now, now)
	if err != nil {
		return "", fmt.Errorf("history: create conversation: %w", err)
	}
	return id, nil
}

// StoreExchange inserts the user and assistant messages of one turn. The
// assistant timestamp is forced strictly after the user's so ascending reads
// never reorder a turn.
func (s *SQLStore) StoreExchange(ctx context.Context, conversationID, userID, userMsg, assistantMsg string, userTs, assistantTs time.Time) error {
	if userTs.IsZero() {
		userTs = time.Now().UTC()
	}
	if assistantTs.IsZero() {
		assistantTs = time.Now().UTC()
	}
	if !assistantTs.After(userTs) {
		assistantTs = userTs.Add(time.Millisecond)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin exchange: %w", err)
	}
	defer tx.Rollback()

	insert := s.q(`INSERT INTO messages (id, conversation_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), conversationID, userID, "user", userMsg, userTs); err != nil {
		return fmt.Errorf("history: insert user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), conversationID, userID, "assistant", assistantMsg, assistantTs); err != nil {
		return fmt.Errorf("history: insert assistant message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE conversations SET last_activity_at = ? WHERE id = ?`), assistantTs, conversationID); err != nil {
		return fmt.Errorf("history: touch conversation: %w", err)
	}

	return tx.Commit()
}

// LoadRecentMessages returns the last count messages in ascending order.
func (s *SQLStore) LoadRecentMessages(ctx context.Context, conversationID string, count int) ([]Message, error) {
	if count <= 0 {
		count = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, conversation_id, user_id, role, content, created_at
		     FROM messages WHERE conversation_id = ?
		     ORDER BY created_at DESC LIMIT ?`),
		conversationID, count)
	if err != nil {
		return nil, fmt.Errorf("history: load messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts dbTime
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		m.CreatedAt = ts.t
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLStore) GetUserConversations(ctx context.Context, userIDs []string, limit int) ([]Conversation, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	placeholders, args := inArgs(userIDs)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, channel_id, user_id, previous_conversation_id, archived, started_at, last_activity_at
		     FROM conversations WHERE user_id IN (`+placeholders+`)
		     ORDER BY last_activity_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("history: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var prev nullStr
		var started, last dbTime
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.UserID, &prev, &c.Archived, &started, &last); err != nil {
			return nil, fmt.Errorf("history: scan conversation: %w", err)
		}
		c.PreviousID = prev.s
		c.StartedAt = started.t
		c.LastActivityAt = last.t
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetRecentCrossContext returns the user's latest messages from any channel,
// annotated for display as "[adapterType channelName, X min ago] content".
func (s *SQLStore) GetRecentCrossContext(ctx context.Context, userIDs []string, limit int) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	placeholders, args := inArgs(userIDs)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT a.type, ch.name, m.content, m.created_at
		     FROM messages m
		     JOIN conversations c ON c.id = m.conversation_id
		     JOIN channels ch ON ch.id = c.channel_id
		     JOIN adapters a ON a.id = ch.adapter_id
		     WHERE m.role = 'user' AND m.user_id IN (`+placeholders+`)
		     ORDER BY m.created_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("history: cross context: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []string
	for rows.Next() {
		var adapterType, content string
		var channelName nullStr
		var ts dbTime
		if err := rows.Scan(&adapterType, &channelName, &content, &ts); err != nil {
			return nil, fmt.Errorf("history: scan cross context: %w", err)
		}
		out = append(out, fmt.Sprintf("[%s %s, %s ago] %s",
			adapterType, channelName.s, humanAge(now.Sub(ts.t)), content))
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateBackfillConversation(ctx context.Context, channelID, userID string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO conversations (id, channel_id, user_id, previous_conversation_id, archived, started_at, last_activity_at)
		     VALUES (?, ?, ?, NULL, TRUE, ?, ?)`),
		id, channelID, userID, startedAt, startedAt)
	if err != nil {
		return "", fmt.Errorf("history: backfill conversation: %w", err)
	}
	return id, nil
}

func (s *SQLStore) UpdateConversationActivity(ctx context.Context, conversationID string, lastActivity time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE conversations SET last_activity_at = ? WHERE id = ?`), lastActivity, conversationID)
	if err != nil {
		return fmt.Errorf("history: update activity: %w", err)
	}
	return nil
}

// AppendMemoryHistory records one memory reconciliation action for auditing.
func (s *SQLStore) AppendMemoryHistory(ctx context.Context, userID, memoryID, event, text, oldText string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO memory_history (id, user_id, memory_id, event, text, old_text, created_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), userID, memoryID, event, text, oldText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("history: memory history: %w", err)
	}
	return nil
}

// RecordToolCall appends one tool invocation to the audit trail. Results are
// truncated so one runaway tool can't bloat the table.
func (s *SQLStore) RecordToolCall(ctx context.Context, userID, toolName, arguments, result string, success bool, duration time.Duration) error {
	if len(result) > maxAuditResultChars {
		result = result[:maxAuditResultChars]
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO tool_calls (id, user_id, tool_name, arguments, result, success, duration_ms, created_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), userID, toolName, arguments, result, success, duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("history: tool call: %w", err)
	}
	return nil
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "0 min"
	case d < time.Hour:
		return fmt.Sprintf("%d min", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d h", int(d.Hours()))
	default:
		return fmt.Sprintf("%d d", int(d.Hours()/24))
	}
}

func inArgs(ids []string) (string, []any) {
	args := make([]any, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	return strings.Join(marks, ", "), args
}

// q rewrites ? placeholders to $N for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
