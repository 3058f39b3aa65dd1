// Package store provides queued persistence for table memory.
// Two backends implement the same Storer contract: SQLiteStore
// (ncruces/go-sqlite3) and FileStore (one JSON blob per record).
package store

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// HistoryAction describes how a cell value changed.
type HistoryAction string

const (
	ActionCreate HistoryAction = "create"
	ActionUpdate HistoryAction = "update"
	ActionDelete HistoryAction = "delete"
)

// CellHistory is one entry in a cell's append-only change log.
type CellHistory struct {
	UID           string        `json:"uid"`
	CellUID       string        `json:"cellUid"`
	PreviousValue string        `json:"previousValue"`
	NewValue      string        `json:"newValue"`
	Action        HistoryAction `json:"action"`
	Timestamp     int64         `json:"timestamp"`
}

// Cell is a single addressable value in a sheet.
// Row 0 holds the header; position is (RowIndex, ColIndex).
type Cell struct {
	UID      string        `json:"uid"`
	SheetUID string        `json:"sheetUid"`
	RowIndex int           `json:"rowIndex"`
	ColIndex int           `json:"colIndex"`
	Value    string        `json:"value"`
	History  []CellHistory `json:"history,omitempty"`
}

// UpdateValue changes the cell value and records history.
// Setting the same value is a no-op and records nothing.
func (c *Cell) UpdateValue(v string, historyUID string) bool {
	if v == c.Value {
		return false
	}
	c.History = append(c.History, CellHistory{
		UID:           historyUID,
		CellUID:       c.UID,
		PreviousValue: c.Value,
		NewValue:      v,
		Action:        ActionUpdate,
		Timestamp:     time.Now().UnixMilli(),
	})
	c.Value = v
	return true
}

// Sheet is a named table instantiated from a template.
// Cells are sparse; RowCount/ColumnCount derive from the max indexes.
type Sheet struct {
	UID            string  `json:"uid"`
	TemplateUID    string  `json:"templateUid"`
	Name           string  `json:"name"`
	CharacterID    string  `json:"characterId"`
	ConversationID string  `json:"conversationId"`
	Cells          []*Cell `json:"cells"`
	CreatedAt      int64   `json:"createdAt"`
	UpdatedAt      int64   `json:"updatedAt"`
}

// RowCount returns max row index + 1, or 0 for an empty sheet.
func (s *Sheet) RowCount() int {
	max := -1
	for _, c := range s.Cells {
		if c.RowIndex > max {
			max = c.RowIndex
		}
	}
	return max + 1
}

// ColumnCount returns max column index + 1, or 0 for an empty sheet.
func (s *Sheet) ColumnCount() int {
	max := -1
	for _, c := range s.Cells {
		if c.ColIndex > max {
			max = c.ColIndex
		}
	}
	return max + 1
}

// CellAt returns the cell at (row, col), or nil.
func (s *Sheet) CellAt(row, col int) *Cell {
	for _, c := range s.Cells {
		if c.RowIndex == row && c.ColIndex == col {
			return c
		}
	}
	return nil
}

// Row returns the dense values of one row (missing cells are "").
func (s *Sheet) Row(row int) []string {
	out := make([]string, s.ColumnCount())
	for _, c := range s.Cells {
		if c.RowIndex == row && c.ColIndex < len(out) {
			out[c.ColIndex] = c.Value
		}
	}
	return out
}

// Headers returns row 0 as a slice.
func (s *Sheet) Headers() []string {
	return s.Row(0)
}

// Matrix returns all rows as a dense [][]string, row 0 first.
func (s *Sheet) Matrix() [][]string {
	rows := s.RowCount()
	cols := s.ColumnCount()
	out := make([][]string, rows)
	for i := range out {
		out[i] = make([]string, cols)
	}
	for _, c := range s.Cells {
		if c.RowIndex < rows && c.ColIndex < cols {
			out[c.RowIndex][c.ColIndex] = c.Value
		}
	}
	return out
}

// MaxRowIndex returns the highest row index, or -1 for an empty sheet.
func (s *Sheet) MaxRowIndex() int {
	max := -1
	for _, c := range s.Cells {
		if c.RowIndex > max {
			max = c.RowIndex
		}
	}
	return max
}

// ToText renders the sheet as a Markdown table: header row, a dash
// separator, then data rows. Column width is the longest value in the
// column, floored at 5.
func (s *Sheet) ToText() string {
	matrix := s.Matrix()
	if len(matrix) == 0 {
		return ""
	}

	cols := len(matrix[0])
	widths := make([]int, cols)
	for i := range widths {
		widths[i] = 5
	}
	for _, row := range matrix {
		for i, v := range row {
			if len(v) > widths[i] {
				widths[i] = len(v)
			}
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for i, v := range row {
			b.WriteString(" ")
			b.WriteString(v)
			b.WriteString(strings.Repeat(" ", widths[i]-len(v)+1))
			b.WriteString("|")
		}
		b.WriteString("\n")
	}

	writeRow(matrix[0])
	b.WriteString("|")
	for i := 0; i < cols; i++ {
		b.WriteString(strings.Repeat("-", widths[i]+2))
		b.WriteString("|")
	}
	b.WriteString("\n")
	for _, row := range matrix[1:] {
		writeRow(row)
	}
	return b.String()
}

// Clone returns a deep copy. The read cache stores clones so callers
// can mutate what they get back.
func (s *Sheet) Clone() *Sheet {
	out := *s
	out.Cells = make([]*Cell, len(s.Cells))
	for i, c := range s.Cells {
		cc := *c
		cc.History = append([]CellHistory(nil), c.History...)
		out.Cells[i] = &cc
	}
	return &out
}

// SortCells orders cells by (row, col) in place. Backends call this
// after load so traversal order is stable.
func (s *Sheet) SortCells() {
	sort.Slice(s.Cells, func(i, j int) bool {
		if s.Cells[i].RowIndex != s.Cells[j].RowIndex {
			return s.Cells[i].RowIndex < s.Cells[j].RowIndex
		}
		return s.Cells[i].ColIndex < s.Cells[j].ColIndex
	})
}

// TemplateType controls how a sheet is presented to the model during
// processing.
type TemplateType string

const (
	TemplateFree    TemplateType = "free"
	TemplateDynamic TemplateType = "dynamic"
	TemplateFixed   TemplateType = "fixed"
	TemplateStatic  TemplateType = "static"
)

// ColumnDataType constrains the values a column accepts.
type ColumnDataType string

const (
	ColumnText   ColumnDataType = "text"
	ColumnNumber ColumnDataType = "number"
	ColumnOption ColumnDataType = "option"
)

// ColumnDef describes one template column.
type ColumnDef struct {
	Value       string         `json:"value"`
	ValueIsOnly bool           `json:"valueIsOnly"`
	DataType    ColumnDataType `json:"columnDataType"`
	Note        string         `json:"columnNote,omitempty"`
	Options     []string       `json:"options,omitempty"`
}

// Template is the blueprint a sheet is created from.
type Template struct {
	UID          string       `json:"uid"`
	Name         string       `json:"name"`
	Type         TemplateType `json:"type"`
	Columns      []ColumnDef  `json:"columns"`
	Note         string       `json:"note,omitempty"`
	InitPrompt   string       `json:"initPrompt,omitempty"`
	InsertPrompt string       `json:"insertPrompt,omitempty"`
	UpdatePrompt string       `json:"updatePrompt,omitempty"`
	DeletePrompt string       `json:"deletePrompt,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
	UpdatedAt    int64        `json:"updatedAt"`
}

// ValidateColumnValue reports whether v is acceptable for the column.
// Text always passes; number must parse as a float; option must be
// one of the declared options. Empty values always pass.
func ValidateColumnValue(col ColumnDef, v string) bool {
	if v == "" {
		return true
	}
	switch col.DataType {
	case ColumnNumber:
		_, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil
	case ColumnOption:
		for _, opt := range col.Options {
			if opt == v {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	out := *t
	out.Columns = make([]ColumnDef, len(t.Columns))
	for i, col := range t.Columns {
		col.Options = append([]string(nil), col.Options...)
		out.Columns[i] = col
	}
	return &out
}

// TemplateSettings records which templates are enabled for processing.
// Stored in the settings keyspace under SettingsKeyTemplates.
type TemplateSettings struct {
	SelectedTemplates []string `json:"selectedTemplates"`
}

// SettingsKeyTemplates is the settings key for TemplateSettings.
const SettingsKeyTemplates = "template_settings"

// Storer is the persistence contract shared by both backends.
// Mutating calls go through the backend's op queue; reads hit the
// backend directly.
type Storer interface {
	// Sheets
	SaveSheet(sheet *Sheet) error
	GetSheet(uid string) (*Sheet, error)
	DeleteSheet(uid string) error
	ListSheets() ([]*Sheet, error)
	GetSheetsByCharacter(characterID, conversationID string) ([]*Sheet, error)

	// Templates
	SaveTemplate(tmpl *Template) error
	GetTemplate(uid string) (*Template, error)
	DeleteTemplate(uid string) error
	ListTemplates() ([]*Template, error)

	// Settings (JSON string values)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Health
	QueueStatus() (length int, processing bool)
	Reset() error
	Close() error
}
