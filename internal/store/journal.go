package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nostrmeet/nostrmeet/internal/event"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	pubkey      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	raw         TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_created_at ON events (created_at);
`

// Journal persists raw check-in events in SQLite so a restart can replay
// them through the codec.
type Journal struct {
	sqlDB *sql.DB
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err = sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err = sqlDB.Exec(journalSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (j *Journal) Close() error {
	if j == nil || j.sqlDB == nil {
		return nil
	}
	return j.sqlDB.Close()
}

// Append records ev. Events already journaled are ignored; it reports whether
// a row was written.
func (j *Journal) Append(ctx context.Context, ev event.Event) (bool, error) {
	if j == nil || j.sqlDB == nil {
		return false, fmt.Errorf("journal is not configured")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	res, err := j.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, pubkey, created_at, raw, received_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.PubKey, ev.CreatedAt, string(raw), time.Now().UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Since returns journaled events created at or after since, oldest first.
// Rows that no longer parse are skipped.
func (j *Journal) Since(ctx context.Context, since time.Time) ([]event.Event, error) {
	if j == nil || j.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	rows, err := j.sqlDB.QueryContext(ctx,
		`SELECT raw FROM events WHERE created_at >= ? ORDER BY created_at, id`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		var raw string
		if err = rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev event.Event
		if json.Unmarshal([]byte(raw), &ev) != nil {
			continue
		}
		out = append(out, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Prune deletes events created before cutoff and reports how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if j == nil || j.sqlDB == nil {
		return 0, fmt.Errorf("journal is not configured")
	}
	res, err := j.sqlDB.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Reset deletes every journaled event.
func (j *Journal) Reset(ctx context.Context) error {
	if j == nil || j.sqlDB == nil {
		return fmt.Errorf("journal is not configured")
	}
	if _, err := j.sqlDB.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("reset events: %w", err)
	}
	return nil
}
