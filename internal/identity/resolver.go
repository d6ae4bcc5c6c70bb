// Package identity maps platform-prefixed user ids ("discord-100",
// "telegram-42") to canonical users so memories and history follow a person
// across adapters.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// querier is the subset of *sql.DB the resolver needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect selects the placeholder style of the backing database.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Resolver resolves and links platform identities.
type Resolver struct {
	db      querier
	dialect Dialect
}

func NewResolver(db querier, dialect Dialect) *Resolver {
	return &Resolver{db: db, dialect: dialect}
}

// SplitPrefixed splits "discord-100" into ("discord", "100"). Ids without a
// dash belong to the cli adapter.
func SplitPrefixed(prefixedID string) (platform, platformUserID string) {
	if idx := strings.IndexByte(prefixedID, '-'); idx >= 0 {
		return prefixedID[:idx], prefixedID[idx+1:]
	}
	return "cli", prefixedID
}

// EnsureLink idempotently creates the canonical user and platform link for
// prefixedID. When linkTo names a known prefixed id, the link attaches to that
// user instead, relinking an existing link if it points elsewhere.
func (r *Resolver) EnsureLink(ctx context.Context, prefixedID, displayName, linkTo string) (string, error) {
	platform, platformUserID := SplitPrefixed(prefixedID)

	var targetUserID string
	tag := ""
	if linkTo != "" {
		uid, err := r.lookupUser(ctx, linkTo)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("identity: lookup link target %q: %w", linkTo, err)
		}
		if uid != "" {
			targetUserID = uid
			tag = "config"
		}
	}

	existingUserID, err := r.lookupUser(ctx, prefixedID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("identity: lookup %q: %w", prefixedID, err)
	}

	if existingUserID != "" {
		if targetUserID != "" && targetUserID != existingUserID {
			_, err := r.db.ExecContext(ctx,
				r.q(`UPDATE platform_links SET user_id = ?, tag = ? WHERE prefixed_id = ?`),
				targetUserID, tag, prefixedID)
			if err != nil {
				return "", fmt.Errorf("identity: relink %q: %w", prefixedID, err)
			}
			return targetUserID, nil
		}
		if displayName != "" {
			_, _ = r.db.ExecContext(ctx,
				r.q(`UPDATE platform_links SET display_name = ? WHERE prefixed_id = ? AND display_name <> ?`),
				displayName, prefixedID, displayName)
		}
		return existingUserID, nil
	}

	if targetUserID == "" {
		targetUserID = uuid.NewString()
		_, err := r.db.ExecContext(ctx,
			r.q(`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`),
			targetUserID, displayName, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("identity: create user: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx,
		r.q(`INSERT INTO platform_links (prefixed_id, user_id, platform, platform_user_id, display_name, tag, created_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?)`),
		prefixedID, targetUserID, platform, platformUserID, displayName, tag, time.Now().UTC())
	if err != nil {
		// Concurrent EnsureLink for the same id can race on the insert.
		if uid, lerr := r.lookupUser(ctx, prefixedID); lerr == nil && uid != "" {
			return uid, nil
		}
		return "", fmt.Errorf("identity: create link %q: %w", prefixedID, err)
	}

	return targetUserID, nil
}

// ResolveAll returns every prefixed id linked to the same canonical user as
// prefixedID. On any store failure it degrades to the singleton set so a
// broken identity table never blocks a conversation.
func (r *Resolver) ResolveAll(ctx context.Context, prefixedID string) []string {
	userID, err := r.lookupUser(ctx, prefixedID)
	if err != nil || userID == "" {
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("identity resolve failed, using singleton", "id", prefixedID, "error", err)
		}
		return []string{prefixedID}
	}

	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT prefixed_id FROM platform_links WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		slog.Warn("identity resolve failed, using singleton", "id", prefixedID, "error", err)
		return []string{prefixedID}
	}
	defer rows.Close()

	var ids []string
	seen := false
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return []string{prefixedID}
		}
		if id == prefixedID {
			seen = true
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil || len(ids) == 0 {
		return []string{prefixedID}
	}
	if !seen {
		ids = append(ids, prefixedID)
	}
	return ids
}

// ApplyConfigLinks ensures each configured from → to pair is linked.
func (r *Resolver) ApplyConfigLinks(ctx context.Context, links []Link) {
	for _, l := range links {
		if l.From == "" || l.To == "" {
			continue
		}
		if _, err := r.EnsureLink(ctx, l.To, "", ""); err != nil {
			slog.Warn("config identity link target failed", "to", l.To, "error", err)
			continue
		}
		if _, err := r.EnsureLink(ctx, l.From, "", l.To); err != nil {
			slog.Warn("config identity link failed", "from", l.From, "to", l.To, "error", err)
		}
	}
}

// Link pairs a prefixed id with the prefixed id it should share a canonical
// user with.
type Link struct {
	From string
	To   string
}

func (r *Resolver) lookupUser(ctx context.Context, prefixedID string) (string, error) {
	var userID string
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT user_id FROM platform_links WHERE prefixed_id = ?`), prefixedID).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

// q rewrites ? placeholders to $N for postgres.
func (r *Resolver) q(query string) string {
	if r.dialect != DialectPostgres {
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
