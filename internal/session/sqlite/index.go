// Package sqlite rebuilds a queryable SQLite projection of sessions and
// messages from the authoritative JSON Session Store (SPEC_FULL.md's
// secondary-queryable-index component). It is a projection, never a source
// of truth: every write starts from an api.Session the caller already
// fetched from the Session Store and replaces that session's rows wholesale,
// so the index can always be thrown away and rebuilt from the JSON files.
//
// Grounded on the teacher's internal/common/sqlite schema-evolution helpers
// (EnsureColumn/ColumnExists), reused here via database/sql against the
// mattn/go-sqlite3 driver rather than the teacher's Postgres/sqlx stack,
// since the Session Store's own unit of storage is already one file per
// session — a local embedded index fits that shape better than a network
// database.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	commonsqlite "github.com/kandev/kandev/internal/common/sqlite"
	"github.com/kandev/kandev/pkg/api"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	work_dir   TEXT NOT NULL,
	provider   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// Index is a rebuilt-on-write SQLite projection of the Session Store.
type Index struct {
	db *sql.DB
}

// Open creates (or reopens) the index at path, applying schema migrations.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite index schema: %w", err)
	}
	// costUsd wasn't part of the original projection; EnsureColumn is how
	// this index picks up schema additions without a full migration tool,
	// the same pattern the teacher's common/sqlite package uses.
	if err := commonsqlite.EnsureColumn(db, "messages", "cost_usd", "REAL DEFAULT 0"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Reindex replaces every row belonging to sess.ID with its current content.
func (idx *Index) Reindex(sess *api.Session) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reindex transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, name, work_dir, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, work_dir=excluded.work_dir, provider=excluded.provider,
			updated_at=excluded.updated_at`,
		sess.ID, sess.Name, sess.WorkDir, string(sess.Provider),
		sess.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		sess.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("upsert session row: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear stale message rows: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (session_id, seq, role, content, created_at, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range sess.Messages {
		if _, err := stmt.Exec(sess.ID, i, string(msg.Role), msg.Content,
			msg.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), msg.CostUsd); err != nil {
			return fmt.Errorf("insert message row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// MessageHit is one row returned by SearchMessages.
type MessageHit struct {
	SessionID string
	Role      string
	Content   string
}

// SearchMessages runs a substring search over indexed message content,
// across every session, most recent first.
func (idx *Index) SearchMessages(query string, limit int) ([]MessageHit, error) {
	rows, err := idx.db.Query(`
		SELECT session_id, role, content FROM messages
		WHERE content LIKE '%' || ? || '%'
		ORDER BY created_at DESC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var hits []MessageHit
	for rows.Next() {
		var h MessageHit
		if err := rows.Scan(&h.SessionID, &h.Role, &h.Content); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
