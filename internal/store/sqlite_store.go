package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"github.com/dgraph-io/ristretto"
	_ "github.com/ncruces/go-sqlite3/driver"
	"go.uber.org/zap"
)

// SQLiteStore is the SQLite-backed persistence layer. All writes are
// serialized through the op queue; reads go straight to the database
// under the RWMutex.
type SQLiteStore struct {
	mu    sync.RWMutex
	db    *sql.DB
	dsn   string
	queue *opQueue
	cache *ristretto.Cache
	log   *zap.Logger
}

// schema defines the table-memory tables.
const schema = `
-- Sheets: one row per table instance
CREATE TABLE IF NOT EXISTS sheets (
    uid TEXT PRIMARY KEY,
    template_uid TEXT,
    name TEXT NOT NULL,
    character_id TEXT NOT NULL,
    conversation_id TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sheets_character ON sheets(character_id);
CREATE INDEX IF NOT EXISTS idx_sheets_conversation ON sheets(character_id, conversation_id);

-- Cells: sparse (row, col) values per sheet
CREATE TABLE IF NOT EXISTS cells (
    uid TEXT PRIMARY KEY,
    sheet_uid TEXT NOT NULL,
    row_index INTEGER NOT NULL,
    col_index INTEGER NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    UNIQUE (sheet_uid, row_index, col_index)
);

CREATE INDEX IF NOT EXISTS idx_cells_sheet ON cells(sheet_uid);

-- Cell history: append-only change log
CREATE TABLE IF NOT EXISTS cell_history (
    uid TEXT PRIMARY KEY,
    cell_uid TEXT NOT NULL,
    sheet_uid TEXT NOT NULL,
    previous_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cell_history_cell ON cell_history(cell_uid);
CREATE INDEX IF NOT EXISTS idx_cell_history_sheet ON cell_history(sheet_uid);

-- Templates: sheet blueprints (columns and prompts as JSON)
CREATE TABLE IF NOT EXISTS templates (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'free',
    columns TEXT NOT NULL DEFAULT '[]',
    note TEXT,
    init_prompt TEXT,
    insert_prompt TEXT,
    update_prompt TEXT,
    delete_prompt TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Settings: JSON string values by key
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// NewSQLiteStore creates an in-memory store, mainly for tests.
func NewSQLiteStore(log *zap.Logger) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:", log)
}

// NewSQLiteStoreWithDSN creates a store with a specific data source
// name. Use ":memory:" for in-memory or a file path for persistence.
func NewSQLiteStoreWithDSN(dsn string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One connection: sqlite is single-writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create cache: %w", err)
	}

	return &SQLiteStore{
		db:    db,
		dsn:   dsn,
		queue: newOpQueue(log.Named("queue")),
		cache: cache,
		log:   log,
	}, nil
}

// =============================================================================
// Sheets
// =============================================================================

// SaveSheet persists a sheet and all its cells atomically.
func (s *SQLiteStore) SaveSheet(sheet *Sheet) error {
	return wrapOp("save sheet", s.queue.Do("save sheet", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.cache.Del("sheet:" + sheet.UID)
		return s.saveSheetLocked(sheet)
	}))
}

func (s *SQLiteStore) saveSheetLocked(sheet *Sheet) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if sheet.UpdatedAt == 0 {
		sheet.UpdatedAt = time.Now().UnixMilli()
	}
	_, err = tx.Exec(`
		INSERT INTO sheets (uid, template_uid, name, character_id, conversation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			template_uid = excluded.template_uid,
			name = excluded.name,
			character_id = excluded.character_id,
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at
	`, sheet.UID, sheet.TemplateUID, sheet.Name, sheet.CharacterID,
		sheet.ConversationID, sheet.CreatedAt, sheet.UpdatedAt)
	if err != nil {
		return err
	}

	// Replace cells wholesale; history rows are keyed by uid so
	// re-inserting is idempotent.
	if _, err := tx.Exec(`DELETE FROM cells WHERE sheet_uid = ?`, sheet.UID); err != nil {
		return err
	}
	for _, c := range sheet.Cells {
		_, err := tx.Exec(`
			INSERT INTO cells (uid, sheet_uid, row_index, col_index, value)
			VALUES (?, ?, ?, ?, ?)
		`, c.UID, sheet.UID, c.RowIndex, c.ColIndex, c.Value)
		if err != nil {
			return err
		}
		for _, h := range c.History {
			_, err := tx.Exec(`
				INSERT INTO cell_history (uid, cell_uid, sheet_uid, previous_value, new_value, action, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(uid) DO NOTHING
			`, h.UID, c.UID, sheet.UID, h.PreviousValue, h.NewValue, string(h.Action), h.Timestamp)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// GetSheet retrieves a sheet with its cells and history.
func (s *SQLiteStore) GetSheet(uid string) (*Sheet, error) {
	if v, ok := s.cache.Get("sheet:" + uid); ok {
		if sheet, ok := v.(*Sheet); ok {
			return sheet.Clone(), nil
		}
	}

	s.mu.RLock()
	sheet, err := s.getSheetLocked(uid)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	s.cache.Set("sheet:"+uid, sheet.Clone(), int64(len(sheet.Cells)+1))
	return sheet, nil
}

func (s *SQLiteStore) getSheetLocked(uid string) (*Sheet, error) {
	var sheet Sheet
	var conversationID, templateUID sql.NullString
	err := s.db.QueryRow(`
		SELECT uid, template_uid, name, character_id, conversation_id, created_at, updated_at
		FROM sheets WHERE uid = ?
	`, uid).Scan(&sheet.UID, &templateUID, &sheet.Name, &sheet.CharacterID,
		&conversationID, &sheet.CreatedAt, &sheet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sheet: %w", err)
	}
	sheet.TemplateUID = templateUID.String
	sheet.ConversationID = conversationID.String

	if err := s.loadCellsLocked(&sheet); err != nil {
		return nil, err
	}
	return &sheet, nil
}

func (s *SQLiteStore) loadCellsLocked(sheet *Sheet) error {
	rows, err := s.db.Query(`
		SELECT uid, row_index, col_index, value FROM cells
		WHERE sheet_uid = ? ORDER BY row_index, col_index
	`, sheet.UID)
	if err != nil {
		return fmt.Errorf("store: load cells: %w", err)
	}
	defer rows.Close()

	byUID := make(map[string]*Cell)
	for rows.Next() {
		c := &Cell{SheetUID: sheet.UID}
		if err := rows.Scan(&c.UID, &c.RowIndex, &c.ColIndex, &c.Value); err != nil {
			return fmt.Errorf("store: scan cell: %w", err)
		}
		sheet.Cells = append(sheet.Cells, c)
		byUID[c.UID] = c
	}
	if err := rows.Err(); err != nil {
		return err
	}

	hrows, err := s.db.Query(`
		SELECT uid, cell_uid, previous_value, new_value, action, timestamp
		FROM cell_history WHERE sheet_uid = ? ORDER BY timestamp
	`, sheet.UID)
	if err != nil {
		return fmt.Errorf("store: load cell history: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var h CellHistory
		var action string
		if err := hrows.Scan(&h.UID, &h.CellUID, &h.PreviousValue, &h.NewValue, &action, &h.Timestamp); err != nil {
			return fmt.Errorf("store: scan cell history: %w", err)
		}
		h.Action = HistoryAction(action)
		if c, ok := byUID[h.CellUID]; ok {
			c.History = append(c.History, h)
		}
	}
	return hrows.Err()
}

// DeleteSheet removes a sheet, its cells, and their history.
func (s *SQLiteStore) DeleteSheet(uid string) error {
	return wrapOp("delete sheet", s.queue.Do("delete sheet", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.cache.Del("sheet:" + uid)

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, stmt := range []string{
			`DELETE FROM cell_history WHERE sheet_uid = ?`,
			`DELETE FROM cells WHERE sheet_uid = ?`,
			`DELETE FROM sheets WHERE uid = ?`,
		} {
			if _, err := tx.Exec(stmt, uid); err != nil {
				return err
			}
		}
		return tx.Commit()
	}))
}

// ListSheets returns every sheet with cells loaded.
func (s *SQLiteStore) ListSheets() ([]*Sheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSheetsLocked(`SELECT uid FROM sheets ORDER BY created_at`)
}

func (s *SQLiteStore) listSheetsLocked(query string, args ...any) ([]*Sheet, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sheets: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sheets := make([]*Sheet, 0, len(uids))
	for _, uid := range uids {
		sheet, err := s.getSheetLocked(uid)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sheet)
	}
	return sheets, nil
}

// GetSheetsByCharacter returns the character's sheets for a
// conversation. When no sheet matches the exact pair, sheets matching
// the character alone are adopted: their conversation id is rewritten
// to the requested one and persisted.
func (s *SQLiteStore) GetSheetsByCharacter(characterID, conversationID string) ([]*Sheet, error) {
	s.mu.RLock()
	exact, err := s.listSheetsLocked(`
		SELECT uid FROM sheets WHERE character_id = ? AND conversation_id = ? ORDER BY created_at
	`, characterID, conversationID)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	if len(exact) > 0 || conversationID == "" {
		s.mu.RUnlock()
		return exact, nil
	}

	orphans, err := s.listSheetsLocked(`
		SELECT uid FROM sheets WHERE character_id = ? ORDER BY created_at
	`, characterID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Repair: adopt the character's orphaned sheets into this
	// conversation so they stay reachable.
	for _, sheet := range orphans {
		sheet.ConversationID = conversationID
		if err := s.SaveSheet(sheet); err != nil {
			s.log.Warn("store: failed to repair sheet conversation id",
				zap.String("sheet", sheet.UID), zap.Error(err))
		}
	}
	return orphans, nil
}

// =============================================================================
// Templates
// =============================================================================

// SaveTemplate inserts or replaces a template.
func (s *SQLiteStore) SaveTemplate(tmpl *Template) error {
	return wrapOp("save template", s.queue.Do("save template", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.cache.Del("template:" + tmpl.UID)

		columns, err := json.Marshal(tmpl.Columns)
		if err != nil {
			return err
		}
		if tmpl.UpdatedAt == 0 {
			tmpl.UpdatedAt = time.Now().UnixMilli()
		}
		_, err = s.db.Exec(`
			INSERT INTO templates (uid, name, type, columns, note, init_prompt, insert_prompt, update_prompt, delete_prompt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				columns = excluded.columns,
				note = excluded.note,
				init_prompt = excluded.init_prompt,
				insert_prompt = excluded.insert_prompt,
				update_prompt = excluded.update_prompt,
				delete_prompt = excluded.delete_prompt,
				updated_at = excluded.updated_at
		`, tmpl.UID, tmpl.Name, string(tmpl.Type), string(columns), tmpl.Note,
			tmpl.InitPrompt, tmpl.InsertPrompt, tmpl.UpdatePrompt, tmpl.DeletePrompt,
			tmpl.CreatedAt, tmpl.UpdatedAt)
		return err
	}))
}

// GetTemplate retrieves a template by uid.
func (s *SQLiteStore) GetTemplate(uid string) (*Template, error) {
	if v, ok := s.cache.Get("template:" + uid); ok {
		if tmpl, ok := v.(*Template); ok {
			return tmpl.Clone(), nil
		}
	}

	s.mu.RLock()
	tmpl, err := s.getTemplateLocked(uid)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	s.cache.Set("template:"+uid, tmpl.Clone(), 1)
	return tmpl, nil
}

func (s *SQLiteStore) getTemplateLocked(uid string) (*Template, error) {
	var tmpl Template
	var typ, columns string
	var note, initP, insertP, updateP, deleteP sql.NullString
	err := s.db.QueryRow(`
		SELECT uid, name, type, columns, note, init_prompt, insert_prompt, update_prompt, delete_prompt, created_at, updated_at
		FROM templates WHERE uid = ?
	`, uid).Scan(&tmpl.UID, &tmpl.Name, &typ, &columns, &note,
		&initP, &insertP, &updateP, &deleteP, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get template: %w", err)
	}

	tmpl.Type = TemplateType(typ)
	if err := json.Unmarshal([]byte(columns), &tmpl.Columns); err != nil {
		return nil, fmt.Errorf("store: decode template columns: %w", err)
	}
	tmpl.Note = note.String
	tmpl.InitPrompt = initP.String
	tmpl.InsertPrompt = insertP.String
	tmpl.UpdatePrompt = updateP.String
	tmpl.DeletePrompt = deleteP.String
	return &tmpl, nil
}

// DeleteTemplate removes a template.
func (s *SQLiteStore) DeleteTemplate(uid string) error {
	return wrapOp("delete template", s.queue.Do("delete template", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.cache.Del("template:" + uid)
		_, err := s.db.Exec(`DELETE FROM templates WHERE uid = ?`, uid)
		return err
	}))
}

// ListTemplates returns all templates ordered by creation time.
func (s *SQLiteStore) ListTemplates() ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT uid FROM templates ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tmpls := make([]*Template, 0, len(uids))
	for _, uid := range uids {
		tmpl, err := s.getTemplateLocked(uid)
		if err != nil {
			return nil, err
		}
		tmpls = append(tmpls, tmpl)
	}
	return tmpls, nil
}

// =============================================================================
// Settings
// =============================================================================

// GetSetting returns the JSON string stored under key.
func (s *SQLiteStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a JSON string under key.
func (s *SQLiteStore) SetSetting(key, value string) error {
	return wrapOp("set setting", s.queue.Do("set setting", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	}))
}

// =============================================================================
// Health
// =============================================================================

// QueueStatus reports the op queue's pending length and whether it is
// mid-operation. The watchdog uses this to detect a stuck queue.
func (s *SQLiteStore) QueueStatus() (int, bool) {
	return s.queue.Status()
}

// Reset is a recovery action, not a wipe: drain the queue for up to
// 5 seconds, force-clear whatever remains, drop caches, and reattach
// to the database. Persisted rows survive. The watchdog invokes this
// when the queue looks stuck.
func (s *SQLiteStore) Reset() error {
	if !s.queue.WaitIdle(drainTimeout) {
		cleared := s.queue.ForceClear()
		s.log.Warn("store: reset force-cleared pending ops", zap.Int("cleared", cleared))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Clear()

	// An in-memory database lives inside its single connection, so
	// only file-backed stores get a fresh one.
	if s.dsn != ":memory:" {
		if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			s.log.Warn("store: reset close", zap.Error(err))
		}
		db, err := sql.Open("sqlite3", s.dsn)
		if err != nil {
			return fmt.Errorf("store: reset reopen: %w", err)
		}
		db.SetMaxOpenConns(1)
		s.db = db
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: reset schema: %w", err)
	}
	s.log.Info("store: recovery reset complete")
	return nil
}

// Close drains the queue then closes the database.
func (s *SQLiteStore) Close() error {
	s.queue.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Close()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		if err != nil && !errors.Is(err, sql.ErrConnDone) {
			return fmt.Errorf("store: close: %w", err)
		}
	}
	return nil
}
