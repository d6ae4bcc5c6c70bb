// Package history persists the adapter → channel → conversation → message
// graph. It runs on postgres when a DSN is configured and falls back to a
// local sqlite file for standalone use.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is one stored chat message.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Conversation is one thread of messages on a channel for a user.
type Conversation struct {
	ID             string
	ChannelID      string
	UserID         string
	PreviousID     string
	Archived       bool
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Store is the chat history surface used by the gateway and memory plane.
type Store interface {
	EnsureChannel(ctx context.Context, adapterType, adapterName, externalID, channelName, channelKind string) (adapterID, channelID string, err error)
	GetOrCreateConversation(ctx context.Context, channelID, userID string) (string, error)
	StoreExchange(ctx context.Context, conversationID, userID, userMsg, assistantMsg string, userTs, assistantTs time.Time) error
	LoadRecentMessages(ctx context.Context, conversationID string, count int) ([]Message, error)
	GetUserConversations(ctx context.Context, userIDs []string, limit int) ([]Conversation, error)
	GetRecentCrossContext(ctx context.Context, userIDs []string, limit int) ([]string, error)
	CreateBackfillConversation(ctx context.Context, channelID, userID string, startedAt time.Time) (string, error)
	UpdateConversationActivity(ctx context.Context, conversationID string, lastActivity time.Time) error
	AppendMemoryHistory(ctx context.Context, userID, memoryID, event, text, oldText string) error
	RecordToolCall(ctx context.Context, userID, toolName, arguments, result string, success bool, duration time.Duration) error
	Close() error
}

// dbTime scans a timestamp from either driver: pgx returns time.Time, the
// sqlite driver may return a string.
type dbTime struct {
	t time.Time
}

func (d *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		d.t = time.Time{}
	case time.Time:
		d.t = v
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("history: cannot scan %T as time", value)
	}
	return nil
}

func (d *dbTime) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.t = t
			return nil
		}
	}
	return fmt.Errorf("history: unparseable time %q", s)
}

// nullStr reads a nullable text column as "".
type nullStr struct {
	s string
}

func (n *nullStr) Scan(value any) error {
	var ns sql.NullString
	if err := ns.Scan(value); err != nil {
		return err
	}
	n.s = ns.String
	return nil
}
