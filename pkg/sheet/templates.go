package sheet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodest/memtable/internal/store"
)

// TemplateManager handles template CRUD and the selection settings
// that decide which templates get sheets during processing.
type TemplateManager struct {
	store store.Storer
	log   *zap.Logger
}

// NewTemplateManager creates a template manager.
func NewTemplateManager(s store.Storer, log *zap.Logger) *TemplateManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &TemplateManager{store: s, log: log}
}

// CreateTemplate validates and persists a new template, assigning a
// uid when missing.
func (tm *TemplateManager) CreateTemplate(tmpl *store.Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("sheet: template needs a name")
	}
	if len(tmpl.Columns) == 0 {
		return fmt.Errorf("sheet: template %q needs at least one column", tmpl.Name)
	}
	if tmpl.UID == "" {
		tmpl.UID = uuid.NewString()
	}
	if tmpl.Type == "" {
		tmpl.Type = store.TemplateFree
	}
	now := time.Now().UnixMilli()
	if tmpl.CreatedAt == 0 {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	return tm.store.SaveTemplate(tmpl)
}

// UpdateTemplate persists changes to an existing template.
func (tm *TemplateManager) UpdateTemplate(tmpl *store.Template) error {
	if _, err := tm.store.GetTemplate(tmpl.UID); err != nil {
		return err
	}
	tmpl.UpdatedAt = time.Now().UnixMilli()
	return tm.store.SaveTemplate(tmpl)
}

// GetTemplate returns one template.
func (tm *TemplateManager) GetTemplate(uid string) (*store.Template, error) {
	return tm.store.GetTemplate(uid)
}

// DeleteTemplate removes a template and drops it from the selection.
func (tm *TemplateManager) DeleteTemplate(uid string) error {
	if err := tm.store.DeleteTemplate(uid); err != nil {
		return err
	}
	selected, err := tm.SelectedTemplates()
	if err != nil {
		return fmt.Errorf("sheet: delete template %s: %w", uid, err)
	}
	kept := selected[:0]
	for _, s := range selected {
		if s != uid {
			kept = append(kept, s)
		}
	}
	if len(kept) != len(selected) {
		return tm.SelectTemplates(kept)
	}
	return nil
}

// ListTemplates returns all templates.
func (tm *TemplateManager) ListTemplates() ([]*store.Template, error) {
	return tm.store.ListTemplates()
}

// SelectTemplates persists the set of enabled template uids.
func (tm *TemplateManager) SelectTemplates(uids []string) error {
	if uids == nil {
		uids = []string{}
	}
	data, err := json.Marshal(store.TemplateSettings{SelectedTemplates: uids})
	if err != nil {
		return fmt.Errorf("sheet: encode template settings: %w", err)
	}
	return tm.store.SetSetting(store.SettingsKeyTemplates, string(data))
}

// SelectedTemplates returns the enabled template uids; an empty slice
// when nothing was ever selected.
func (tm *TemplateManager) SelectedTemplates() ([]string, error) {
	raw, err := tm.store.GetSetting(store.SettingsKeyTemplates)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var settings store.TemplateSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("sheet: decode template settings: %w", err)
	}
	return settings.SelectedTemplates, nil
}

// EnsureDefaults installs the built-in templates when the store has
// none, and selects them. Idempotent.
func (tm *TemplateManager) EnsureDefaults() error {
	existing, err := tm.store.ListTemplates()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	defaults := DefaultTemplates()
	uids := make([]string, 0, len(defaults))
	for _, tmpl := range defaults {
		if err := tm.CreateTemplate(tmpl); err != nil {
			return err
		}
		uids = append(uids, tmpl.UID)
	}
	tm.log.Info("sheet: installed default templates", zap.Int("count", len(defaults)))
	return tm.SelectTemplates(uids)
}

// DefaultTemplates returns the built-in template set.
func DefaultTemplates() []*store.Template {
	return []*store.Template{
		{
			Name: "Character Traits",
			Type: store.TemplateStatic,
			Columns: []store.ColumnDef{
				{Value: "Trait", DataType: store.ColumnText},
				{Value: "Current State", DataType: store.ColumnText},
			},
			Note: "Stable traits and their current expression. Rows are fixed; only states change.",
		},
		{
			Name: "Important Events",
			Type: store.TemplateDynamic,
			Columns: []store.ColumnDef{
				{Value: "Event", DataType: store.ColumnText},
				{Value: "Participants", DataType: store.ColumnText},
				{Value: "Outcome", DataType: store.ColumnText},
			},
			Note: "Key happenings worth remembering across the conversation.",
		},
		{
			Name: "Relationships",
			Type: store.TemplateDynamic,
			Columns: []store.ColumnDef{
				{Value: "Person", DataType: store.ColumnText},
				{Value: "Relation", DataType: store.ColumnText},
				{Value: "Standing", DataType: store.ColumnOption, Options: []string{"friendly", "neutral", "hostile"}},
			},
			Note: "Who the character knows and how things stand between them.",
		},
		{
			Name: "Tasks",
			Type: store.TemplateDynamic,
			Columns: []store.ColumnDef{
				{Value: "Task", DataType: store.ColumnText},
				{Value: "Status", DataType: store.ColumnOption, Options: []string{"open", "in progress", "done"}},
			},
			Note: "Open threads and promised actions.",
		},
	}
}
