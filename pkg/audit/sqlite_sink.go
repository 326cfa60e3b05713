package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists trail entries to a sqlite table. The in-memory chain
// stays authoritative; the sink is a durable copy for restarts and export.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink creates the sink and its table.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db, logger: slog.Default().With("component", "audit_sink")}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id      TEXT PRIMARY KEY,
		sequence      INTEGER NOT NULL,
		timestamp     DATETIME NOT NULL,
		actor_id      TEXT NOT NULL,
		action        TEXT NOT NULL,
		item_type     TEXT,
		item_id       TEXT,
		outcome       TEXT NOT NULL,
		reason        TEXT,
		payload       JSON,
		payload_hash  TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash    TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Sink returns the function to register on a Trail. Insert failures are
// logged, never propagated: the trail must not fail a mutation because the
// durable copy hiccuped.
func (s *SQLiteSink) Sink() Sink {
	return func(e *Entry) {
		query := `INSERT INTO audit_entries (
			entry_id, sequence, timestamp, actor_id, action, item_type, item_id,
			outcome, reason, payload, payload_hash, previous_hash, entry_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := s.db.ExecContext(context.Background(), query,
			e.EntryID, e.Sequence, e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ActorID, e.Action, e.ItemType, e.ItemID,
			string(e.Outcome), e.Reason, string(e.Payload),
			e.PayloadHash, e.PreviousHash, e.EntryHash,
		)
		if err != nil {
			s.logger.Error("audit sink insert failed", "entry_id", e.EntryID, "error", err)
		}
	}
}
