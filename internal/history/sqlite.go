package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT,
	created_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS platform_links (
	prefixed_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	platform TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	display_name TEXT,
	tag TEXT,
	created_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS adapters (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMP,
	UNIQUE (type, name)
);
CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	adapter_id TEXT NOT NULL REFERENCES adapters(id),
	external_id TEXT NOT NULL,
	name TEXT,
	kind TEXT NOT NULL DEFAULT 'text',
	created_at TIMESTAMP,
	UNIQUE (adapter_id, external_id)
);
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	user_id TEXT NOT NULL,
	previous_conversation_id TEXT,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	started_at TIMESTAMP,
	last_activity_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_pair ON conversations (channel_id, user_id, started_at);
CREATE TABLE IF NOT EXISTS memory_history (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	memory_id TEXT,
	event TEXT NOT NULL,
	text TEXT,
	old_text TEXT,
	created_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	arguments TEXT,
	result TEXT,
	success BOOLEAN NOT NULL,
	duration_ms INTEGER,
	created_at TIMESTAMP
);
`

// OpenSQLite opens (creating if needed) the local history database.
func OpenSQLite(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply sqlite schema: %w", err)
	}

	return NewSQLStore(db, DialectSQLite), nil
}
