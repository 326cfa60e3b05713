package configgov

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsguild/tribunal/pkg/faults"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists config entries and their change history. Apply and
// approve run inside one transaction so the change record and the entry can
// never diverge; approval is a compare-and-set on the pending status.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore creates the store and its tables.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS config_entries (
		config_key     TEXT PRIMARY KEY,
		value          JSON NOT NULL,
		schema_version INTEGER NOT NULL,
		is_sensitive   INTEGER NOT NULL,
		updated_at     DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS config_changes (
		change_id         TEXT PRIMARY KEY,
		config_key        TEXT NOT NULL,
		value             JSON NOT NULL,
		schema_version    INTEGER NOT NULL,
		is_sensitive      INTEGER NOT NULL,
		requires_approval INTEGER NOT NULL,
		status            TEXT NOT NULL,
		changed_by        TEXT NOT NULL,
		approved_by       TEXT,
		change_reason     TEXT NOT NULL,
		approval_reason   TEXT,
		reverts_change_id TEXT,
		applied_seq       INTEGER NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_config_changes_key
		ON config_changes (config_key, applied_seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) GetEntry(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT config_key, value, schema_version, is_sensitive, updated_at
		 FROM config_entries WHERE config_key = ?`, key)
	return scanEntry(row, key)
}

func (s *SQLiteStore) ListEntries(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config_key, value, schema_version, is_sensitive, updated_at
		 FROM config_entries ORDER BY config_key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows, "")
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const changeColumns = `change_id, config_key, value, schema_version, is_sensitive,
	requires_approval, status, changed_by, approved_by, change_reason,
	approval_reason, reverts_change_id, applied_seq, created_at, updated_at`

func (s *SQLiteStore) GetChange(ctx context.Context, changeID string) (*Change, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM config_changes WHERE change_id = ?`, changeID)
	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("config change %s not found", changeID)
	}
	return change, err
}

func (s *SQLiteStore) ListChanges(ctx context.Context, key string, limit int) ([]*Change, error) {
	query := `SELECT ` + changeColumns + ` FROM config_changes`
	args := []any{}
	if key != "" {
		query += ` WHERE config_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var changes []*Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func (s *SQLiteStore) AppliedBefore(ctx context.Context, change *Change) (*Change, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM config_changes
		 WHERE config_key = ? AND status = ? AND applied_seq < ?
		 ORDER BY applied_seq DESC LIMIT 1`,
		change.Key, string(ChangeApplied), change.AppliedSeq)
	prior, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return prior, err
}

func (s *SQLiteStore) StageChange(ctx context.Context, change *Change) error {
	now := s.clock().UTC()
	change.Status = ChangePendingApproval
	change.CreatedAt = now
	change.UpdatedAt = now
	return s.insertChange(ctx, s.db, change)
}

func (s *SQLiteStore) ApplyChange(ctx context.Context, change *Change) error {
	now := s.clock().UTC()
	change.Status = ChangeApplied
	change.CreatedAt = now
	change.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := nextAppliedSeq(ctx, tx, change.Key)
	if err != nil {
		return err
	}
	change.AppliedSeq = seq

	if err := s.insertChange(ctx, tx, change); err != nil {
		return err
	}
	if err := upsertEntry(ctx, tx, change, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ApproveChange(ctx context.Context, changeID, approvedBy, reason string) (*Change, error) {
	now := s.clock().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM config_changes WHERE change_id = ?`, changeID)
	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("config change %s not found", changeID)
	}
	if err != nil {
		return nil, err
	}
	if change.Status != ChangePendingApproval {
		return nil, faults.Conflict("config change %s is %s, not pending approval", changeID, change.Status)
	}

	seq, err := nextAppliedSeq(ctx, tx, change.Key)
	if err != nil {
		return nil, err
	}
	change.Status = ChangeApplied
	change.ApprovedBy = approvedBy
	change.ApprovalReason = reason
	change.AppliedSeq = seq
	change.UpdatedAt = now

	res, err := tx.ExecContext(ctx,
		`UPDATE config_changes
		 SET status = ?, approved_by = ?, approval_reason = ?, applied_seq = ?, updated_at = ?
		 WHERE change_id = ? AND status = ?`,
		string(ChangeApplied), approvedBy, reason, seq, now.Format(time.RFC3339Nano),
		changeID, string(ChangePendingApproval))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, faults.Conflict("config change %s approved concurrently", changeID)
	}

	if err := upsertEntry(ctx, tx, change, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return change, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertChange(ctx context.Context, db execer, change *Change) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO config_changes (`+changeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.Key, string(change.Value), change.SchemaVersion, change.Sensitive,
		change.RequiresApproval, string(change.Status), change.ChangedBy, change.ApprovedBy,
		change.Reason, change.ApprovalReason, change.RevertsChangeID, change.AppliedSeq,
		change.CreatedAt.Format(time.RFC3339Nano), change.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert config change %s: %w", change.ID, err)
	}
	return nil
}

func upsertEntry(ctx context.Context, tx *sql.Tx, change *Change, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO config_entries (config_key, value, schema_version, is_sensitive, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (config_key) DO UPDATE SET
			value = excluded.value,
			schema_version = excluded.schema_version,
			is_sensitive = excluded.is_sensitive,
			updated_at = excluded.updated_at`,
		change.Key, string(change.Value), change.SchemaVersion, change.Sensitive,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert config entry %s: %w", change.Key, err)
	}
	return nil
}

func nextAppliedSeq(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(applied_seq) FROM config_changes WHERE config_key = ?`, key).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, key string) (*Entry, error) {
	var entry Entry
	var value string
	var updatedAt string
	err := row.Scan(&entry.Key, &value, &entry.SchemaVersion, &entry.Sensitive, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("config entry %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	entry.Value = []byte(value)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &entry, nil
}

func scanChange(row rowScanner) (*Change, error) {
	var change Change
	var value string
	var approvedBy, approvalReason, reverts sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&change.ID, &change.Key, &value, &change.SchemaVersion, &change.Sensitive,
		&change.RequiresApproval, (*string)(&change.Status), &change.ChangedBy, &approvedBy,
		&change.Reason, &approvalReason, &reverts, &change.AppliedSeq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	change.Value = []byte(value)
	change.ApprovedBy = approvedBy.String
	change.ApprovalReason = approvalReason.String
	change.RevertsChangeID = reverts.String
	change.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	change.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &change, nil
}
