package identity

import (
	"context"
	"database/sql"
	"sort"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE users (
		id TEXT PRIMARY KEY,
		display_name TEXT,
		created_at TIMESTAMP
	);
	CREATE TABLE platform_links (
		prefixed_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		platform TEXT NOT NULL,
		platform_user_id TEXT NOT NULL,
		display_name TEXT,
		tag TEXT,
		created_at TIMESTAMP
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func TestSplitPrefixed(t *testing.T) {
	tests := []struct {
		in           string
		platform, id string
	}{
		{"discord-100", "discord", "100"},
		{"telegram-42", "telegram", "42"},
		{"cli-alice", "cli", "alice"},
		{"alice", "cli", "alice"},
		{"discord-a-b", "discord", "a-b"},
	}
	for _, tt := range tests {
		platform, id := SplitPrefixed(tt.in)
		if platform != tt.platform || id != tt.id {
			t.Errorf("SplitPrefixed(%q) = (%q, %q), want (%q, %q)",
				tt.in, platform, id, tt.platform, tt.id)
		}
	}
}

func TestEnsureLinkAndResolveAll(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, DialectSQLite)
	ctx := context.Background()

	uid1, err := r.EnsureLink(ctx, "discord-100", "Alice", "")
	if err != nil {
		t.Fatalf("EnsureLink discord-100: %v", err)
	}

	uid2, err := r.EnsureLink(ctx, "cli-alice", "", "discord-100")
	if err != nil {
		t.Fatalf("EnsureLink cli-alice: %v", err)
	}
	if uid1 != uid2 {
		t.Fatalf("linked ids resolved to different users: %q vs %q", uid1, uid2)
	}

	got := r.ResolveAll(ctx, "cli-alice")
	sort.Strings(got)
	want := []string{"cli-alice", "discord-100"}
	if len(got) != len(want) {
		t.Fatalf("ResolveAll = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ResolveAll = %v, want %v", got, want)
		}
	}
}

func TestEnsureLinkIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, DialectSQLite)
	ctx := context.Background()

	uid1, err := r.EnsureLink(ctx, "discord-100", "Alice", "")
	if err != nil {
		t.Fatalf("first EnsureLink: %v", err)
	}
	uid2, err := r.EnsureLink(ctx, "discord-100", "Alice A.", "")
	if err != nil {
		t.Fatalf("second EnsureLink: %v", err)
	}
	if uid1 != uid2 {
		t.Fatalf("repeat EnsureLink changed user: %q vs %q", uid1, uid2)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 user, got %d", count)
	}
}

func TestEnsureLinkRelinksToTarget(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, DialectSQLite)
	ctx := context.Background()

	if _, err := r.EnsureLink(ctx, "discord-100", "Alice", ""); err != nil {
		t.Fatal(err)
	}
	// cli-alice starts as its own canonical user.
	if _, err := r.EnsureLink(ctx, "cli-alice", "Alice", ""); err != nil {
		t.Fatal(err)
	}
	if got := r.ResolveAll(ctx, "cli-alice"); len(got) != 1 {
		t.Fatalf("expected singleton before relink, got %v", got)
	}

	// Relinking attaches cli-alice to discord-100's user, tagged config.
	uid, err := r.EnsureLink(ctx, "cli-alice", "", "discord-100")
	if err != nil {
		t.Fatal(err)
	}
	target, _ := r.lookupUser(ctx, "discord-100")
	if uid != target {
		t.Fatalf("relink resolved to %q, want %q", uid, target)
	}

	var tag string
	if err := db.QueryRow(`SELECT tag FROM platform_links WHERE prefixed_id = 'cli-alice'`).Scan(&tag); err != nil {
		t.Fatal(err)
	}
	if tag != "config" {
		t.Fatalf("relink tag = %q, want config", tag)
	}

	if got := r.ResolveAll(ctx, "discord-100"); len(got) != 2 {
		t.Fatalf("expected 2 linked ids, got %v", got)
	}
}

func TestResolveAllFallsBackOnStoreFailure(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	// No schema: every query fails.
	r := NewResolver(db, DialectSQLite)

	got := r.ResolveAll(context.Background(), "discord-100")
	if len(got) != 1 || got[0] != "discord-100" {
		t.Fatalf("ResolveAll on broken store = %v, want singleton", got)
	}
}

func TestResolveAllUnknownID(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, DialectSQLite)

	got := r.ResolveAll(context.Background(), "discord-999")
	if len(got) != 1 || got[0] != "discord-999" {
		t.Fatalf("ResolveAll unknown id = %v, want singleton", got)
	}
}

func TestPlaceholderRewrite(t *testing.T) {
	r := &Resolver{dialect: DialectPostgres}
	got := r.q(`SELECT a FROM t WHERE b = ? AND c = ?`)
	want := `SELECT a FROM t WHERE b = $1 AND c = $2`
	if got != want {
		t.Errorf("q() = %q, want %q", got, want)
	}
}
