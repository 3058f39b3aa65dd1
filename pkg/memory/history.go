package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/oklog/ulid/v2"
)

// HistoryRecord is one append-only audit entry for a memory item.
type HistoryRecord struct {
	ID        string `json:"id"`
	MemoryID  string `json:"memoryId"`
	Previous  string `json:"previousValue,omitempty"`
	New       string `json:"newValue,omitempty"`
	Action    Event  `json:"action"`
	CreatedAt int64  `json:"createdAt"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
}

// HistoryStore is the append-only audit log contract.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
	// ByMemory returns a memory's records, newest first.
	ByMemory(ctx context.Context, memoryID string) ([]HistoryRecord, error)
	Reset(ctx context.Context) error
	Close() error
}

const historySchema = `
CREATE TABLE IF NOT EXISTS memory_history (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    previous_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memory_history_memory ON memory_history(memory_id);
`

// HistoryLog is the SQLite-backed HistoryStore.
type HistoryLog struct {
	db *sql.DB
}

// NewHistoryLog opens (or creates) the history log at dsn. Use
// ":memory:" for tests.
func NewHistoryLog(dsn string) (*HistoryLog, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open history log: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: create history schema: %w", err)
	}
	return &HistoryLog{db: db}, nil
}

// Append writes one record, assigning a sortable id and timestamp
// when missing.
func (h *HistoryLog) Append(ctx context.Context, rec HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	deleted := 0
	if rec.IsDeleted {
		deleted = 1
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO memory_history (id, memory_id, previous_value, new_value, action, created_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MemoryID, rec.Previous, rec.New, string(rec.Action), rec.CreatedAt, deleted)
	if err != nil {
		return fmt.Errorf("memory: append history: %w", err)
	}
	return nil
}

// ByMemory returns a memory's records, newest first. ULIDs sort
// lexicographically by creation time, so ordering by id breaks
// same-millisecond ties deterministically.
func (h *HistoryLog) ByMemory(ctx context.Context, memoryID string) ([]HistoryRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, memory_id, previous_value, new_value, action, created_at, is_deleted
		FROM memory_history WHERE memory_id = ?
		ORDER BY id DESC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("memory: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var action string
		var deleted int
		if err := rows.Scan(&rec.ID, &rec.MemoryID, &rec.Previous, &rec.New, &action, &rec.CreatedAt, &deleted); err != nil {
			return nil, fmt.Errorf("memory: scan history: %w", err)
		}
		rec.Action = Event(action)
		rec.IsDeleted = deleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reset drops all records.
func (h *HistoryLog) Reset(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `DELETE FROM memory_history`); err != nil {
		return fmt.Errorf("memory: reset history: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (h *HistoryLog) Close() error {
	return h.db.Close()
}
