package sheet

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nodest/memtable/internal/store"
)

func newTestTemplateManager(t *testing.T) *TemplateManager {
	t.Helper()
	s, err := store.NewSQLiteStore(zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewTemplateManager(s, zap.NewNop())
}

func TestCreateTemplateValidation(t *testing.T) {
	tm := newTestTemplateManager(t)

	if err := tm.CreateTemplate(&store.Template{Columns: []store.ColumnDef{{Value: "A"}}}); err == nil {
		t.Error("nameless template accepted")
	}
	if err := tm.CreateTemplate(&store.Template{Name: "Empty"}); err == nil {
		t.Error("columnless template accepted")
	}

	tmpl := &store.Template{Name: "Notes", Columns: []store.ColumnDef{{Value: "Note"}}}
	if err := tm.CreateTemplate(tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if tmpl.UID == "" {
		t.Error("uid not assigned")
	}
	if tmpl.Type != store.TemplateFree {
		t.Errorf("default type = %q, want free", tmpl.Type)
	}
}

func TestUpdateTemplateRequiresExisting(t *testing.T) {
	tm := newTestTemplateManager(t)

	err := tm.UpdateTemplate(&store.Template{UID: "ghost", Name: "X", Columns: []store.ColumnDef{{Value: "A"}}})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSelectionRoundTrip(t *testing.T) {
	tm := newTestTemplateManager(t)

	selected, err := tm.SelectedTemplates()
	if err != nil {
		t.Fatalf("SelectedTemplates failed: %v", err)
	}
	if len(selected) != 0 {
		t.Errorf("fresh store has selection: %v", selected)
	}

	if err := tm.SelectTemplates([]string{"a", "b"}); err != nil {
		t.Fatalf("SelectTemplates failed: %v", err)
	}
	selected, err = tm.SelectedTemplates()
	if err != nil {
		t.Fatalf("SelectedTemplates failed: %v", err)
	}
	if len(selected) != 2 || selected[0] != "a" || selected[1] != "b" {
		t.Errorf("selection = %v", selected)
	}
}

func TestDeleteTemplateDropsSelection(t *testing.T) {
	tm := newTestTemplateManager(t)

	tmpl := &store.Template{Name: "Notes", Columns: []store.ColumnDef{{Value: "Note"}}}
	if err := tm.CreateTemplate(tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if err := tm.SelectTemplates([]string{tmpl.UID, "other"}); err != nil {
		t.Fatalf("SelectTemplates failed: %v", err)
	}

	if err := tm.DeleteTemplate(tmpl.UID); err != nil {
		t.Fatalf("DeleteTemplate failed: %v", err)
	}
	selected, _ := tm.SelectedTemplates()
	if len(selected) != 1 || selected[0] != "other" {
		t.Errorf("selection after delete = %v", selected)
	}
}

func TestEnsureDefaultsIdempotent(t *testing.T) {
	tm := newTestTemplateManager(t)

	if err := tm.EnsureDefaults(); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	first, err := tm.ListTemplates()
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("defaults installed = %d, want 4", len(first))
	}
	selected, _ := tm.SelectedTemplates()
	if len(selected) != 4 {
		t.Errorf("defaults selected = %d, want 4", len(selected))
	}

	// Second run must not duplicate anything.
	if err := tm.EnsureDefaults(); err != nil {
		t.Fatalf("second EnsureDefaults failed: %v", err)
	}
	second, _ := tm.ListTemplates()
	if len(second) != 4 {
		t.Errorf("templates after second run = %d, want 4", len(second))
	}
}

func TestDeleteTemplateSurfacesSelectionError(t *testing.T) {
	tm := newTestTemplateManager(t)

	tmpl := &store.Template{Name: "Notes", Columns: []store.ColumnDef{{Value: "Note"}}}
	if err := tm.CreateTemplate(tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if err := tm.store.SetSetting(store.SettingsKeyTemplates, "{not json"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	if err := tm.DeleteTemplate(tmpl.UID); err == nil {
		t.Error("corrupt selection settings swallowed")
	}
}
