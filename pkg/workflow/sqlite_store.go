package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsguild/tribunal/pkg/faults"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists one type's items in the shared workflow_items table.
// The transition path is a compare-and-set UPDATE keyed on (id, status) so a
// concurrent decider that lost the race sees zero affected rows and gets a
// conflict, never a silent overwrite.
type SQLiteStore struct {
	db       *sql.DB
	itemType ItemType
	clock    func() time.Time
}

// NewSQLiteStore creates the store and its table.
func NewSQLiteStore(db *sql.DB, itemType ItemType) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, itemType: itemType, clock: time.Now}
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
	CREATE TABLE IF NOT EXISTS workflow_items (
		id           TEXT PRIMARY KEY,
		item_type    TEXT NOT NULL,
		status       TEXT NOT NULL,
		payload      JSON NOT NULL,
		submitted_at DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_items_type_status
		ON workflow_items (item_type, status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a new item.
func (s *SQLiteStore) Create(ctx context.Context, item *Item) error {
	now := s.clock().UTC()
	if item.SubmittedAt.IsZero() {
		item.SubmittedAt = now
	}
	item.UpdatedAt = now
	item.Type = s.itemType

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("serialize item %s: %w", item.ID, err)
	}
	query := `INSERT INTO workflow_items (id, item_type, status, payload, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		item.ID, string(s.itemType), string(item.Status), string(payload),
		item.SubmittedAt.Format(time.RFC3339Nano), item.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	return nil
}

// Get loads an item by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	query := `SELECT payload FROM workflow_items WHERE id = ? AND item_type = ?`
	row := s.db.QueryRowContext(ctx, query, id, string(s.itemType))

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, faults.NotFound("item %s not found", id)
		}
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	return decodeItem(payload, id)
}

// List returns matching items newest first with the pre-pagination total.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Item, int, error) {
	where := "item_type = ?"
	args := []any{string(s.itemType)}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if len(filter.Statuses) > 0 {
		where += " AND status IN (?" + repeatPlaceholder(len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM workflow_items WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	query := "SELECT id, payload FROM workflow_items WHERE " + where + " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, 0, err
		}
		item, err := decodeItem(payload, id)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ApplyTransition loads the item, runs mutate, and commits with a
// compare-and-set on the original status.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, id string, expectFrom Status, mutate func(*Item) error) (*Item, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != expectFrom {
		return nil, faults.Conflict("item %s is %s, expected %s", id, item.Status, expectFrom)
	}
	if err := mutate(item); err != nil {
		return nil, err
	}
	item.UpdatedAt = s.clock().UTC()

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("serialize item %s: %w", id, err)
	}
	query := `UPDATE workflow_items
		SET status = ?, payload = ?, updated_at = ?
		WHERE id = ? AND item_type = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(item.Status), string(payload), item.UpdatedAt.Format(time.RFC3339Nano),
		id, string(s.itemType), string(expectFrom),
	)
	if err != nil {
		return nil, fmt.Errorf("update item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, faults.Conflict("item %s changed concurrently", id)
	}
	return item, nil
}

func decodeItem(payload []byte, id string) (*Item, error) {
	var item Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("corrupt item payload %s: %w", id, err)
	}
	return &item, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
