package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Journal appends every event to a local SQLite database so the event
// history survives restarts and can be replayed for auditing.
type Journal struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// JournalEntry is one stored event.
type JournalEntry struct {
	Seq      int64
	Kind     Kind
	EntityID string
	Payload  json.RawMessage
	At       int64
}

// OpenJournal opens (or creates) the SQLite database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id)`,
	}
	for _, s := range stmts {
		if _, err := j.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Name() string { return "journal" }

// Publish writes the batch in one transaction.
func (j *Journal) Publish(ctx context.Context, events []Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback()

	at := j.now().Unix()
	for _, e := range events {
		payload, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("journal: encode %s %s: %w", e.Kind, e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (kind, entity_id, payload, created_at) VALUES (?, ?, ?, ?)`,
			string(e.Kind), e.ID, string(payload), at,
		); err != nil {
			return fmt.Errorf("journal: insert %s %s: %w", e.Kind, e.ID, err)
		}
	}
	return tx.Commit()
}

// History returns the events recorded for one entity, oldest first.
func (j *Journal) History(ctx context.Context, entityID string) ([]JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, kind, entity_id, payload, created_at FROM events
		 WHERE entity_id = ? ORDER BY seq`, entityID)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var kind, payload string
		if err := rows.Scan(&e.Seq, &kind, &e.EntityID, &payload, &e.At); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
