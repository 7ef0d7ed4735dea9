package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/log"
)

// DefaultJournalRetention is how long journal rows are kept.
const DefaultJournalRetention = 30 * 24 * time.Hour

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL DEFAULT '',
	event_type  TEXT NOT NULL,
	message     TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	source      TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at);
`

// Journal is an append-only record of emitted events, backed by SQLite.
// Every event accepted by the dispatcher is journaled regardless of sink
// routing or throttling, so the journal is the authoritative history.
type Journal struct {
	db        *sql.DB
	retention time.Duration
}

// JournalRecord is one journaled event as returned by Recent.
type JournalRecord struct {
	ID         int64                  `json:"id"`
	EventID    string                 `json:"event_id,omitempty"`
	EventType  string                 `json:"event_type"`
	Message    string                 `json:"message"`
	OccurredAt time.Time              `json:"timestamp"`
	Source     string                 `json:"source"`
	Details    map[string]interface{} `json:"details"`
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string, retention time.Duration) (*Journal, error) {
	if retention <= 0 {
		retention = DefaultJournalRetention
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening event journal %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing event journal schema: %w", err)
	}
	return &Journal{db: db, retention: retention}, nil
}

// Record appends one event.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	details := "{}"
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = string(b)
		}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, message, occurred_at, source, details) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Message, ev.OccurredAt.UTC().Format(time.RFC3339), ev.Source, details)
	if err != nil {
		return fmt.Errorf("journaling event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]JournalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_id, event_type, message, occurred_at, source, details
		   FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying event journal: %w", err)
	}
	defer rows.Close()

	var out []JournalRecord
	for rows.Next() {
		var rec JournalRecord
		var occurredAt, details string
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.Message, &occurredAt, &rec.Source, &details); err != nil {
			return nil, fmt.Errorf("scanning event journal row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, occurredAt); err == nil {
			rec.OccurredAt = t
		}
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			rec.Details = map[string]interface{}{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune removes rows older than the retention window and reports how many
// were removed.
func (j *Journal) Prune(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-j.retention).UTC().Format(time.RFC3339)
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning event journal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debugf("pruned %d journal event(s) older than %s", n, cutoff)
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
