// Package memory implements the semantic memory plane: a pgvector-backed
// store of memory nodes and an entity graph, plus the extraction and
// reconciliation pipeline that keeps it current.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// Node is one memory record with its retrieval score when it came from a
// search.
type Node struct {
	ID        string
	Text      string
	UserID    string
	Kind      string // fact | topic_mention | emotional_context
	Category  string // classifier output, facts only
	IsKey     bool
	Metadata  map[string]any
	Score     float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FsrsState is the spaced-repetition state of one memory.
type FsrsState struct {
	MemoryID          string
	Stability         float64
	Difficulty        float64
	RetrievalStrength float64
	StorageStrength   float64
	ImportanceWeight  float64
	AccessCount       int
	LastAccessedAt    time.Time
}

// Store is the memory plane surface. Every operation is best-effort: reads
// return empty results on transport failure, writes log and return. Callers
// never see a store error.
type Store interface {
	InsertMemory(ctx context.Context, id string, vec []float32, text, userID string, metadata map[string]any)
	Search(ctx context.Context, vec []float32, userIDs []string, k int) []Node
	GetAll(ctx context.Context, userIDs []string, filters map[string]string, limit int) []Node
	UpdateMemory(ctx context.Context, id string, vec []float32, text string)
	DeleteMemory(ctx context.Context, id string)
	GetFsrsState(ctx context.Context, id string, userIDs []string) *FsrsState
	BatchGetFsrsStates(ctx context.Context, ids, userIDs []string) map[string]*FsrsState
	UpdateFsrsState(ctx context.Context, state FsrsState)
	RecordAccessEvent(ctx context.Context, memoryID, userID, accessType string, retrievability float64)
	RecordSupersession(ctx context.Context, oldID, newID, userID, reason string)
	SearchEntities(ctx context.Context, q string, userIDs []string, limit int) []string
	AddEntityData(ctx context.Context, text, userID string)
	CountByUser(ctx context.Context, userIDs []string) int
}

// PgStore implements Store on postgres with the pgvector extension.
type PgStore struct {
	pool *pgxpool.Pool
	llm  Completer // optional, used by AddEntityData
	dims int
}

// Completer issues one auxiliary LLM completion. Implemented by the
// orchestrator.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenPg connects to postgres with a 5-second connect timeout and registers
// the pgvector codecs on every connection.
func OpenPg(ctx context.Context, dsn string, dims int, llm Completer) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse dsn: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ping: %w", err)
	}

	if dims <= 0 {
		dims = 1536
	}
	return &PgStore{pool: pool, llm: llm, dims: dims}, nil
}

func (s *PgStore) Close() { s.pool.Close() }

// EnsureSchema creates the memory tables and indexes. Idempotent; "already
// exists" errors are suppressed.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text_content TEXT NOT NULL,
			embedding vector(%d),
			kind TEXT NOT NULL DEFAULT 'fact',
			category TEXT NOT NULL DEFAULT 'general',
			is_key BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB NOT NULL DEFAULT '{}',
			stability DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			difficulty DOUBLE PRECISION NOT NULL DEFAULT 5.0,
			retrieval_strength DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			storage_strength DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			importance_weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dims),
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT 'entity',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS entity_relationships (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			relationship TEXT NOT NULL,
			target_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS memory_access_events (
			id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			access_type TEXT NOT NULL,
			retrievability DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS memory_supersessions (
			id TEXT PRIMARY KEY,
			old_memory_id TEXT NOT NULL,
			new_memory_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_is_key ON memories (is_key)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories (kind)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories (category)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_user ON entities (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (lower(name))`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("memory: ensure schema: %w", err)
		}
	}
	return nil
}

// InsertMemory upserts a memory node. First write sets the spaced-repetition
// defaults; re-insert touches text, embedding and updated-at only.
func (s *PgStore) InsertMemory(ctx context.Context, id string, vec []float32, text, userID string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	kind := KindFact
	if k, ok := metadata["kind"].(string); ok && k != "" {
		kind = k
	}
	category := CategoryGeneral
	if c, ok := metadata["category"].(string); ok && c != "" {
		category = c
	}
	isKey := false
	if v, ok := metadata["is_key"].(bool); ok {
		isKey = v
	}
	metaJSON, _ := json.Marshal(metadata)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO memories (id, user_id, text_content, embedding, kind, category, is_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET text_content = EXCLUDED.text_content,
		    embedding = EXCLUDED.embedding,
		    updated_at = now()`,
		id, userID, text, pgvector.NewVector(vec), kind, category, isKey, metaJSON)
	if err != nil {
		slog.Warn("memory insert failed", "id", id, "error", err)
	}
}

// Search over-fetches k×5 nearest candidates, filters to userIDs in process
// and truncates to k, ordered by cosine similarity descending.
func (s *PgStore) Search(ctx context.Context, vec []float32, userIDs []string, k int) []Node {
	if k <= 0 {
		k = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, text_content, user_id, kind, category, is_key, metadata,
		       1 - (embedding <=> $1) AS score, created_at, updated_at
		FROM memories
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(vec), k*5)
	if err != nil {
		slog.Warn("memory search failed", "error", err)
		return nil
	}
	defer rows.Close()

	allowed := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		allowed[u] = true
	}

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			slog.Warn("memory search scan failed", "error", err)
			return out
		}
		if len(allowed) > 0 && !allowed[n.UserID] {
			continue
		}
		out = append(out, n)
		if len(out) >= k {
			break
		}
	}
	return out
}

// GetAll returns memories for the users matching exact filters. The keys
// "kind", "category" and "is_key" match their columns, anything else matches
// a metadata field.
func (s *PgStore) GetAll(ctx context.Context, userIDs []string, filters map[string]string, limit int) []Node {
	if len(userIDs) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, text_content, user_id, kind, category, is_key, metadata,
	          0 AS score, created_at, updated_at
	          FROM memories WHERE user_id = ANY($1)`
	args := []any{userIDs}
	for key, val := range filters {
		switch key {
		case "kind":
			args = append(args, val)
			query += fmt.Sprintf(" AND kind = $%d", len(args))
		case "category":
			args = append(args, val)
			query += fmt.Sprintf(" AND category = $%d", len(args))
		case "is_key":
			args = append(args, val == "true")
			query += fmt.Sprintf(" AND is_key = $%d", len(args))
		default:
			args = append(args, key, val)
			query += fmt.Sprintf(" AND metadata->>$%d = $%d", len(args)-1, len(args))
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		slog.Warn("memory get-all failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			slog.Warn("memory get-all scan failed", "error", err)
			return out
		}
		out = append(out, n)
	}
	return out
}

func (s *PgStore) UpdateMemory(ctx context.Context, id string, vec []float32, text string) {
	_, err := s.pool.Exec(ctx, `
		UPDATE memories SET text_content = $2, embedding = $3, updated_at = now() WHERE id = $1`,
		id, text, pgvector.NewVector(vec))
	if err != nil {
		slog.Warn("memory update failed", "id", id, "error", err)
	}
}

// DeleteMemory removes the node and detaches its access and supersession
// edges.
func (s *PgStore) DeleteMemory(ctx context.Context, id string) {
	for _, stmt := range []string{
		`DELETE FROM memory_access_events WHERE memory_id = $1`,
		`DELETE FROM memory_supersessions WHERE old_memory_id = $1 OR new_memory_id = $1`,
		`DELETE FROM memories WHERE id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, stmt, id); err != nil {
			slog.Warn("memory delete failed", "id", id, "error", err)
			return
		}
	}
}

func (s *PgStore) GetFsrsState(ctx context.Context, id string, userIDs []string) *FsrsState {
	row := s.pool.QueryRow(ctx, `
		SELECT id, stability, difficulty, retrieval_strength, storage_strength,
		       importance_weight, access_count, COALESCE(last_accessed_at, created_at)
		FROM memories WHERE id = $1 AND user_id = ANY($2)`,
		id, userIDs)
	var st FsrsState
	err := row.Scan(&st.MemoryID, &st.Stability, &st.Difficulty, &st.RetrievalStrength,
		&st.StorageStrength, &st.ImportanceWeight, &st.AccessCount, &st.LastAccessedAt)
	if err != nil {
		return nil
	}
	return &st
}

func (s *PgStore) BatchGetFsrsStates(ctx context.Context, ids, userIDs []string) map[string]*FsrsState {
	out := make(map[string]*FsrsState)
	if len(ids) == 0 {
		return out
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, stability, difficulty, retrieval_strength, storage_strength,
		       importance_weight, access_count, COALESCE(last_accessed_at, created_at)
		FROM memories WHERE id = ANY($1) AND user_id = ANY($2)`,
		ids, userIDs)
	if err != nil {
		slog.Warn("memory fsrs batch failed", "error", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var st FsrsState
		err := rows.Scan(&st.MemoryID, &st.Stability, &st.Difficulty, &st.RetrievalStrength,
			&st.StorageStrength, &st.ImportanceWeight, &st.AccessCount, &st.LastAccessedAt)
		if err != nil {
			return out
		}
		out[st.MemoryID] = &st
	}
	return out
}

func (s *PgStore) UpdateFsrsState(ctx context.Context, state FsrsState) {
	_, err := s.pool.Exec(ctx, `
		UPDATE memories
		SET stability = $2, difficulty = $3, retrieval_strength = $4,
		    storage_strength = $5, importance_weight = $6,
		    access_count = $7, last_accessed_at = $8
		WHERE id = $1`,
		state.MemoryID, state.Stability, state.Difficulty, state.RetrievalStrength,
		state.StorageStrength, state.ImportanceWeight, state.AccessCount, state.LastAccessedAt)
	if err != nil {
		slog.Warn("memory fsrs update failed", "id", state.MemoryID, "error", err)
	}
}

func (s *PgStore) RecordAccessEvent(ctx context.Context, memoryID, userID, accessType string, retrievability float64) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_access_events (id, memory_id, user_id, access_type, retrievability)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), memoryID, userID, accessType, retrievability)
	if err != nil {
		slog.Warn("memory access event failed", "memory", memoryID, "error", err)
	}
}

func (s *PgStore) RecordSupersession(ctx context.Context, oldID, newID, userID, reason string) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_supersessions (id, old_memory_id, new_memory_id, user_id, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), oldID, newID, userID, reason)
	if err != nil {
		slog.Warn("memory supersession failed", "old", oldID, "new", newID, "error", err)
	}
}

// SearchEntities returns relationship triples as "source → relation →
// target" lines. A case-insensitive substring match over entity names; when
// nothing matches, falls back to all relationships for the users.
func (s *PgStore) SearchEntities(ctx context.Context, q string, userIDs []string, limit int) []string {
	if len(userIDs) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	lines := s.relationshipLines(ctx, userIDs, strings.ToLower(q), limit)
	if len(lines) == 0 && q != "" {
		lines = s.relationshipLines(ctx, userIDs, "", limit)
	}
	return lines
}

func (s *PgStore) relationshipLines(ctx context.Context, userIDs []string, lowerQ string, limit int) []string {
	query := `
		SELECT src.name, r.relationship, tgt.name
		FROM entity_relationships r
		JOIN entities src ON src.id = r.source_id
		JOIN entities tgt ON tgt.id = r.target_id
		WHERE r.user_id = ANY($1)`
	args := []any{userIDs}
	if lowerQ != "" {
		args = append(args, "%"+lowerQ+"%")
		query += ` AND (lower(src.name) LIKE $2 OR lower(tgt.name) LIKE $2)`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY r.created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		slog.Warn("entity search failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src, rel, tgt string
		if err := rows.Scan(&src, &rel, &tgt); err != nil {
			return out
		}
		out = append(out, fmt.Sprintf("%s → %s → %s", src, rel, tgt))
	}
	return out
}

// AddEntityData parses entities and relationships out of text with the
// auxiliary LLM and upserts them. Without an LLM (or on parse failure) it
// stores a single entity named after the text's first 100 characters.
func (s *PgStore) AddEntityData(ctx context.Context, text, userID string) {
	if s.llm != nil {
		raw, err := s.llm.Complete(ctx, entityExtractionPrompt(text))
		if err == nil {
			var parsed struct {
				Entities []struct {
					Name string `json:"name"`
					Type string `json:"type"`
				} `json:"entities"`
				Relationships []struct {
					Source       string `json:"source"`
					Relationship string `json:"relationship"`
					Target       string `json:"target"`
				} `json:"relationships"`
			}
			if jerr := json.Unmarshal([]byte(StripFences(raw)), &parsed); jerr == nil && len(parsed.Entities) > 0 {
				ids := make(map[string]string)
				for _, e := range parsed.Entities {
					if e.Name == "" {
						continue
					}
					ids[strings.ToLower(e.Name)] = s.upsertEntity(ctx, userID, e.Name, e.Type)
				}
				for _, r := range parsed.Relationships {
					srcID := ids[strings.ToLower(r.Source)]
					tgtID := ids[strings.ToLower(r.Target)]
					if srcID == "" {
						srcID = s.upsertEntity(ctx, userID, r.Source, "entity")
					}
					if tgtID == "" {
						tgtID = s.upsertEntity(ctx, userID, r.Target, "entity")
					}
					if srcID == "" || tgtID == "" || r.Relationship == "" {
						continue
					}
					_, err := s.pool.Exec(ctx, `
						INSERT INTO entity_relationships (id, user_id, source_id, relationship, target_id)
						VALUES ($1, $2, $3, $4, $5)`,
						uuid.NewString(), userID, srcID, normalizeRelationLabel(r.Relationship), tgtID)
					if err != nil {
						slog.Warn("relationship insert failed", "error", err)
					}
				}
				return
			}
		}
	}

	name := text
	if len(name) > 100 {
		name = name[:100]
	}
	s.upsertEntity(ctx, userID, name, "note")
}

func (s *PgStore) upsertEntity(ctx context.Context, userID, name, entityType string) string {
	if name == "" {
		return ""
	}
	if entityType == "" {
		entityType = "entity"
	}

	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM entities WHERE user_id = $1 AND lower(name) = lower($2)`,
		userID, name).Scan(&id)
	if err == nil {
		return id
	}

	id = uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entities (id, user_id, name, entity_type) VALUES ($1, $2, $3, $4)`,
		id, userID, name, entityType)
	if err != nil {
		slog.Warn("entity insert failed", "name", name, "error", err)
		return ""
	}
	return id
}

func (s *PgStore) CountByUser(ctx context.Context, userIDs []string) int {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ANY($1)`, userIDs).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

func scanNode(scan func(dest ...any) error) (Node, error) {
	var n Node
	var metaJSON []byte
	err := scan(&n.ID, &n.Text, &n.UserID, &n.Kind, &n.Category, &n.IsKey, &metaJSON,
		&n.Score, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return n, err
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &n.Metadata)
	}
	return n, nil
}

func entityExtractionPrompt(text string) string {
	return `Extract entities and relationships from the text below.
Respond with JSON only, in exactly this shape:
{"entities":[{"name":"...","type":"person|place|organization|thing|concept"}],"relationships":[{"source":"...","relationship":"...","target":"..."}]}
If nothing can be extracted, respond {"entities":[],"relationships":[]}.

Text:
` + text
}
