// Package sheet manages table-memory sheets: creation from templates,
// row CRUD with header protection, batched table actions, and the LLM
// round trip that keeps sheets current with a conversation.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nodest/memtable/internal/store"
)

var (
	// ErrHeaderRow is returned for update/delete attempts on row 0.
	ErrHeaderRow = errors.New("sheet: row 0 is the header and cannot be modified")
	// ErrRowOutOfRange is returned for a row index past the last row.
	ErrRowOutOfRange = errors.New("sheet: row index out of range")
)

// ActionType is the kind of table action.
type ActionType string

const (
	ActionInsert ActionType = "insert"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// Action is one parsed table mutation. SheetID may be a uid or a
// sheet name; the integration layer resolves names before dispatch.
type Action struct {
	Type     ActionType
	SheetID  string
	RowIndex int
	Data     map[int]string
}

// Manager serializes all sheet mutations through a process-wide
// single-flight queue. A weighted semaphore of capacity one admits
// waiters in FIFO order, so concurrent callers apply in submission
// order. Reads bypass the queue.
type Manager struct {
	store store.Storer
	sem   *semaphore.Weighted
	log   *zap.Logger
}

// NewManager creates a sheet manager over a persistence backend.
func NewManager(s store.Storer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store: s,
		sem:   semaphore.NewWeighted(1),
		log:   log,
	}
}

// serialize runs fn while holding the single-flight slot. A failing fn
// reports its error to the caller; the slot is always released, so one
// failure never wedges the queue.
func (m *Manager) serialize(ctx context.Context, name string, fn func() error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("sheet: %s: %w", name, err)
	}
	defer m.sem.Release(1)

	if err := fn(); err != nil {
		return fmt.Errorf("sheet: %s: %w", name, err)
	}
	return nil
}

// CreateSheet instantiates a sheet from a template, seeding row 0
// with the template's column headers.
func (m *Manager) CreateSheet(ctx context.Context, templateUID, name, characterID, conversationID string) (*store.Sheet, error) {
	tmpl, err := m.store.GetTemplate(templateUID)
	if err != nil {
		return nil, fmt.Errorf("sheet: create: template %s: %w", templateUID, err)
	}

	now := time.Now().UnixMilli()
	sheet := &store.Sheet{
		UID:            uuid.NewString(),
		TemplateUID:    templateUID,
		Name:           name,
		CharacterID:    characterID,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, col := range tmpl.Columns {
		cell := &store.Cell{
			UID:      uuid.NewString(),
			SheetUID: sheet.UID,
			RowIndex: 0,
			ColIndex: i,
			Value:    col.Value,
		}
		cell.History = append(cell.History, store.CellHistory{
			UID:       uuid.NewString(),
			CellUID:   cell.UID,
			NewValue:  col.Value,
			Action:    store.ActionCreate,
			Timestamp: now,
		})
		sheet.Cells = append(sheet.Cells, cell)
	}

	err = m.serialize(ctx, "create sheet", func() error {
		return m.store.SaveSheet(sheet)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("sheet: created",
		zap.String("uid", sheet.UID),
		zap.String("name", name),
		zap.String("template", tmpl.Name))
	return sheet, nil
}

// GetSheet returns a sheet by uid. Reads do not queue.
func (m *Manager) GetSheet(uid string) (*store.Sheet, error) {
	return m.store.GetSheet(uid)
}

// ListSheets returns all sheets.
func (m *Manager) ListSheets() ([]*store.Sheet, error) {
	return m.store.ListSheets()
}

// SheetsByCharacter returns a character's sheets for a conversation,
// repairing orphaned conversation ids along the way.
func (m *Manager) SheetsByCharacter(characterID, conversationID string) ([]*store.Sheet, error) {
	return m.store.GetSheetsByCharacter(characterID, conversationID)
}

// DeleteSheet removes a sheet entirely.
func (m *Manager) DeleteSheet(ctx context.Context, uid string) error {
	return m.serialize(ctx, "delete sheet", func() error {
		return m.store.DeleteSheet(uid)
	})
}

// InsertRow appends a row. The new index is max(maxRowIndex+1, 1), so
// a sheet holding only a header gets its first data row at index 1.
// Values violating the template's column constraints are dropped.
func (m *Manager) InsertRow(ctx context.Context, sheetUID string, values map[int]string) (int, error) {
	rowIndex := -1
	err := m.serialize(ctx, "insert row", func() error {
		sheet, err := m.store.GetSheet(sheetUID)
		if err != nil {
			return err
		}
		rowIndex = insertRow(sheet, m.validValues(sheet, m.columnsFor(sheet), values))
		return m.store.SaveSheet(sheet)
	})
	if err != nil {
		return -1, err
	}
	return rowIndex, nil
}

// UpdateRow changes cells in an existing data row. Row 0 is rejected,
// as is any index past the last row. Cells set to their current value
// record nothing.
func (m *Manager) UpdateRow(ctx context.Context, sheetUID string, rowIndex int, values map[int]string) error {
	return m.serialize(ctx, "update row", func() error {
		sheet, err := m.store.GetSheet(sheetUID)
		if err != nil {
			return err
		}
		if err := updateRow(sheet, rowIndex, m.validValues(sheet, m.columnsFor(sheet), values)); err != nil {
			return err
		}
		return m.store.SaveSheet(sheet)
	})
}

// DeleteRow removes a data row and re-indexes the rows above it so row
// indexes stay dense. Row 0 is rejected.
func (m *Manager) DeleteRow(ctx context.Context, sheetUID string, rowIndex int) error {
	return m.serialize(ctx, "delete row", func() error {
		sheet, err := m.store.GetSheet(sheetUID)
		if err != nil {
			return err
		}
		if err := deleteRow(sheet, rowIndex); err != nil {
			return err
		}
		return m.store.SaveSheet(sheet)
	})
}

// BatchActions applies a group of actions to one sheet in a single
// queue slot and a single save: deletes first in descending row order,
// then updates, then inserts. Individual action failures are logged
// and skipped so one bad action does not discard the rest.
func (m *Manager) BatchActions(ctx context.Context, sheetUID string, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	return m.serialize(ctx, "batch actions", func() error {
		return m.batchActionsLocked(sheetUID, actions)
	})
}

// batchActionsLocked is BatchActions for callers already holding the
// single-flight slot, such as a processing pass.
func (m *Manager) batchActionsLocked(sheetUID string, actions []Action) error {
	sheet, err := m.store.GetSheet(sheetUID)
	if err != nil {
		return err
	}
	m.applyActions(sheet, m.validateActions(sheet, actions))
	return m.store.SaveSheet(sheet)
}

// applyActions mutates the in-memory sheet per the batch ordering.
func (m *Manager) applyActions(sheet *store.Sheet, actions []Action) {
	var deletes, updates, inserts []Action
	for _, a := range actions {
		switch a.Type {
		case ActionDelete:
			deletes = append(deletes, a)
		case ActionUpdate:
			updates = append(updates, a)
		case ActionInsert:
			inserts = append(inserts, a)
		default:
			m.log.Warn("sheet: unknown action type", zap.String("type", string(a.Type)))
		}
	}
	sort.SliceStable(deletes, func(i, j int) bool { return deletes[i].RowIndex > deletes[j].RowIndex })

	for _, a := range deletes {
		if err := deleteRow(sheet, a.RowIndex); err != nil {
			m.log.Warn("sheet: batch delete skipped",
				zap.String("sheet", sheet.UID), zap.Int("row", a.RowIndex), zap.Error(err))
		}
	}
	for _, a := range updates {
		if err := updateRow(sheet, a.RowIndex, a.Data); err != nil {
			m.log.Warn("sheet: batch update skipped",
				zap.String("sheet", sheet.UID), zap.Int("row", a.RowIndex), zap.Error(err))
		}
	}
	for _, a := range inserts {
		insertRow(sheet, a.Data)
	}
}

// columnsFor returns the template columns backing a sheet; nil for
// template-less sheets, which accept anything.
func (m *Manager) columnsFor(sheet *store.Sheet) []store.ColumnDef {
	if sheet.TemplateUID == "" {
		return nil
	}
	tmpl, err := m.store.GetTemplate(sheet.TemplateUID)
	if err != nil {
		return nil
	}
	return tmpl.Columns
}

// validValues drops values that violate the template's column
// constraints, logging each. One bad cell does not sink the rest of
// the row.
func (m *Manager) validValues(sheet *store.Sheet, cols []store.ColumnDef, values map[int]string) map[int]string {
	if len(cols) == 0 {
		return values
	}
	var out map[int]string
	for col, v := range values {
		if col < len(cols) && !store.ValidateColumnValue(cols[col], v) {
			m.log.Warn("sheet: value violates column constraint, dropped",
				zap.String("sheet", sheet.UID),
				zap.Int("col", col),
				zap.String("value", v))
			if out == nil {
				out = make(map[int]string, len(values))
				for k, x := range values {
					out[k] = x
				}
			}
			delete(out, col)
		}
	}
	if out == nil {
		return values
	}
	return out
}

// validateActions applies column constraints to each action's values.
func (m *Manager) validateActions(sheet *store.Sheet, actions []Action) []Action {
	cols := m.columnsFor(sheet)
	if len(cols) == 0 {
		return actions
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		a.Data = m.validValues(sheet, cols, a.Data)
		out[i] = a
	}
	return out
}

// MergeSheets appends src's data rows to dst, skipping rows already
// present verbatim. The source sheet is left untouched.
func (m *Manager) MergeSheets(ctx context.Context, dstUID, srcUID string) (int, error) {
	merged := 0
	err := m.serialize(ctx, "merge sheets", func() error {
		dst, err := m.store.GetSheet(dstUID)
		if err != nil {
			return err
		}
		src, err := m.store.GetSheet(srcUID)
		if err != nil {
			return err
		}

		existing := make(map[string]bool)
		for r := 1; r < dst.RowCount(); r++ {
			existing[rowKey(dst.Row(r))] = true
		}
		for r := 1; r < src.RowCount(); r++ {
			row := src.Row(r)
			if existing[rowKey(row)] {
				continue
			}
			values := make(map[int]string, len(row))
			for i, v := range row {
				values[i] = v
			}
			insertRow(dst, values)
			existing[rowKey(row)] = true
			merged++
		}
		if merged == 0 {
			return nil
		}
		return m.store.SaveSheet(dst)
	})
	if err != nil {
		return 0, err
	}
	return merged, nil
}

// ImportSheet creates a sheet directly from a dense matrix, first row
// as header. Used for bringing in externally produced tables that
// have no template.
func (m *Manager) ImportSheet(ctx context.Context, name, characterID, conversationID string, rows [][]string) (*store.Sheet, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet: import: no rows")
	}

	now := time.Now().UnixMilli()
	sheet := &store.Sheet{
		UID:            uuid.NewString(),
		Name:           name,
		CharacterID:    characterID,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for r, row := range rows {
		for c, v := range row {
			cell := &store.Cell{
				UID:      uuid.NewString(),
				SheetUID: sheet.UID,
				RowIndex: r,
				ColIndex: c,
				Value:    v,
			}
			cell.History = append(cell.History, store.CellHistory{
				UID:       uuid.NewString(),
				CellUID:   cell.UID,
				NewValue:  v,
				Action:    store.ActionCreate,
				Timestamp: now,
			})
			sheet.Cells = append(sheet.Cells, cell)
		}
	}

	err := m.serialize(ctx, "import sheet", func() error {
		return m.store.SaveSheet(sheet)
	})
	if err != nil {
		return nil, err
	}
	return sheet, nil
}

// ClearSheet drops every data row, keeping the header.
func (m *Manager) ClearSheet(ctx context.Context, sheetUID string) error {
	return m.serialize(ctx, "clear sheet", func() error {
		return m.clearSheetLocked(sheetUID)
	})
}

func (m *Manager) clearSheetLocked(sheetUID string) error {
	sheet, err := m.store.GetSheet(sheetUID)
	if err != nil {
		return err
	}
	kept := sheet.Cells[:0]
	for _, c := range sheet.Cells {
		if c.RowIndex == 0 {
			kept = append(kept, c)
		}
	}
	sheet.Cells = kept
	return m.store.SaveSheet(sheet)
}

// =============================================================================
// Row primitives (operate on the in-memory sheet)
// =============================================================================

// insertRow adds a row at max(maxRowIndex+1, 1) and returns the index.
func insertRow(sheet *store.Sheet, values map[int]string) int {
	rowIndex := sheet.MaxRowIndex() + 1
	if rowIndex < 1 {
		rowIndex = 1
	}
	now := time.Now().UnixMilli()
	for col, v := range values {
		if col < 0 {
			continue
		}
		cell := &store.Cell{
			UID:      uuid.NewString(),
			SheetUID: sheet.UID,
			RowIndex: rowIndex,
			ColIndex: col,
			Value:    v,
		}
		cell.History = append(cell.History, store.CellHistory{
			UID:       uuid.NewString(),
			CellUID:   cell.UID,
			NewValue:  v,
			Action:    store.ActionCreate,
			Timestamp: now,
		})
		sheet.Cells = append(sheet.Cells, cell)
	}
	sheet.UpdatedAt = now
	return rowIndex
}

func updateRow(sheet *store.Sheet, rowIndex int, values map[int]string) error {
	if rowIndex <= 0 {
		return ErrHeaderRow
	}
	if rowIndex > sheet.MaxRowIndex() {
		return fmt.Errorf("%w: row %d of %d", ErrRowOutOfRange, rowIndex, sheet.RowCount())
	}

	now := time.Now().UnixMilli()
	for col, v := range values {
		if col < 0 {
			continue
		}
		if cell := sheet.CellAt(rowIndex, col); cell != nil {
			cell.UpdateValue(v, uuid.NewString())
			continue
		}
		// Cell did not exist at this position yet.
		cell := &store.Cell{
			UID:      uuid.NewString(),
			SheetUID: sheet.UID,
			RowIndex: rowIndex,
			ColIndex: col,
			Value:    v,
		}
		cell.History = append(cell.History, store.CellHistory{
			UID:       uuid.NewString(),
			CellUID:   cell.UID,
			NewValue:  v,
			Action:    store.ActionCreate,
			Timestamp: now,
		})
		sheet.Cells = append(sheet.Cells, cell)
	}
	sheet.UpdatedAt = now
	return nil
}

func deleteRow(sheet *store.Sheet, rowIndex int) error {
	if rowIndex <= 0 {
		return ErrHeaderRow
	}
	if rowIndex > sheet.MaxRowIndex() {
		return fmt.Errorf("%w: row %d of %d", ErrRowOutOfRange, rowIndex, sheet.RowCount())
	}

	kept := sheet.Cells[:0]
	for _, c := range sheet.Cells {
		if c.RowIndex == rowIndex {
			continue
		}
		if c.RowIndex > rowIndex {
			c.RowIndex--
		}
		kept = append(kept, c)
	}
	sheet.Cells = kept
	sheet.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// rowKey joins row values for duplicate detection during merges.
func rowKey(row []string) string {
	return strings.Join(row, "\x1f")
}
