package sheet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nodest/memtable/internal/store"
	"github.com/nodest/memtable/pkg/llm"
)

// scriptedLLM returns canned responses in order, recording the
// prompts it saw.
type scriptedLLM struct {
	responses []string
	calls     int
	systems   []string
	users     []string
}

func (s *scriptedLLM) Complete(ctx context.Context, system, user string) (string, error) {
	s.systems = append(s.systems, system)
	s.users = append(s.users, user)
	if s.calls >= len(s.responses) {
		return "", errors.New("scriptedLLM: out of responses")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func newTestProcessor(t *testing.T, responses ...string) (*Processor, *Manager, store.Storer, *scriptedLLM) {
	t.Helper()
	m, s := newTestManager(t)
	fake := &scriptedLLM{responses: responses}
	slot := llm.NewSlot(fake, nil)
	return NewProcessor(m, slot, zap.NewNop()), m, s, fake
}

func TestProcessSheetsRequiresLLM(t *testing.T) {
	m, s := newTestManager(t)
	newTestSheet(t, m, s)
	p := NewProcessor(m, llm.NewSlot(nil, nil), zap.NewNop())

	_, err := p.ProcessSheets(context.Background(), "hello", "char1", "conv1", nil)
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestProcessSheetsAppliesActions(t *testing.T) {
	p, m, s, fake := newTestProcessor(t, `{
		"tableActions": [
			{"action": "insert", "data": {"0": "Alice", "1": "Captain"}}
		]
	}`)
	sheet := newTestSheet(t, m, s)

	updated, err := p.ProcessSheets(context.Background(), "Alice took command.", "char1", "conv1", nil)
	if err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("LLM calls = %d, want 1", fake.calls)
	}
	if len(updated) != 1 || updated[0] != sheet.UID {
		t.Errorf("updated = %v, want [%s]", updated, sheet.UID)
	}

	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 2 {
		t.Fatalf("RowCount = %d, want 2", got.RowCount())
	}
	if got.Row(1)[0] != "Alice" || got.Row(1)[1] != "Captain" {
		t.Errorf("row 1 = %v", got.Row(1))
	}
}

func TestProcessSheetsInitialActionsResolveByName(t *testing.T) {
	p, m, s, _ := newTestProcessor(t, `{"tableActions": []}`)
	sheet := newTestSheet(t, m, s)

	// The caller names the sheet instead of knowing its uid, with a
	// suffix the model tends to add.
	_, err := p.ProcessSheets(context.Background(), "chat", "char1", "conv1", []Action{
		{Type: ActionInsert, SheetID: "Crew table", Data: map[int]string{0: "Bob"}},
	})
	if err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 2 || got.Row(1)[0] != "Bob" {
		t.Errorf("initial action not applied: %v", got.Matrix())
	}
}

func TestProcessSheetsUnparseableResponseKeepsSheet(t *testing.T) {
	p, m, s, _ := newTestProcessor(t, "I cannot help with that.")
	sheet := newTestSheet(t, m, s)
	ctx := context.Background()

	if _, err := m.InsertRow(ctx, sheet.UID, map[int]string{0: "Alice"}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	// Per-sheet failures are logged, not fatal.
	if _, err := p.ProcessSheets(ctx, "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 2 || got.Row(1)[0] != "Alice" {
		t.Errorf("sheet changed on unparseable response: %v", got.Matrix())
	}
}

func TestApplyRebuildReplacesRows(t *testing.T) {
	p, m, s, _ := newTestProcessor(t,
		"Here is the table:\n\n| Name | Role |\n|------|------|\n| Alice | Captain |\n| Bob | Cook |\n")
	sheet := newTestSheet(t, m, s)
	ctx := context.Background()

	if _, err := m.InsertRow(ctx, sheet.UID, map[int]string{0: "Stale", 1: "Row"}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	if _, err := p.ProcessSheets(ctx, "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 3 {
		t.Fatalf("RowCount = %d, want 3: %v", got.RowCount(), got.Matrix())
	}
	if got.Row(1)[0] != "Alice" || got.Row(2)[0] != "Bob" {
		t.Errorf("rebuilt rows: %v", got.Matrix())
	}
}

func TestApplyRebuildRestoresDriftedHeader(t *testing.T) {
	p, m, s, _ := newTestProcessor(t,
		"| Full Name | Job |\n|-----------|-----|\n| Alice | Captain |\n")
	sheet := newTestSheet(t, m, s)
	ctx := context.Background()

	if _, err := p.ProcessSheets(ctx, "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	got, _ := m.GetSheet(sheet.UID)
	headers := got.Headers()
	if headers[0] != "Name" || headers[1] != "Role" {
		t.Errorf("drifted header kept: %v", headers)
	}
	if got.RowCount() != 2 || got.Row(1)[0] != "Alice" {
		t.Errorf("data rows: %v", got.Matrix())
	}
}

func TestApplyRebuildColumnMismatchKeepsOriginal(t *testing.T) {
	p, m, s, _ := newTestProcessor(t,
		"| Name | Role | Extra |\n|------|------|-------|\n| Alice | Captain | x |\n")
	sheet := newTestSheet(t, m, s)
	ctx := context.Background()

	if _, err := m.InsertRow(ctx, sheet.UID, map[int]string{0: "Original", 1: "Row"}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}

	if _, err := p.ProcessSheets(ctx, "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 2 || got.Row(1)[0] != "Original" {
		t.Errorf("sheet changed on column mismatch: %v", got.Matrix())
	}
}

func TestActionsForOtherSheetsIgnored(t *testing.T) {
	p, m, s, _ := newTestProcessor(t, `{
		"tableActions": [
			{"action": "insert", "sheetName": "Somewhere Else", "data": {"0": "Mallory"}}
		]
	}`)
	sheet := newTestSheet(t, m, s)

	if _, err := p.ProcessSheets(context.Background(), "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 1 {
		t.Errorf("foreign-sheet action applied: %v", got.Matrix())
	}
}

func TestSystemPromptSelection(t *testing.T) {
	p, m, s, fake := newTestProcessor(t, `{"tableActions": []}`, `{"tableActions": []}`)
	sheet := newTestSheet(t, m, s)
	ctx := context.Background()

	// Empty sheet (header only) gets the init prompt.
	if _, err := p.ProcessSheets(ctx, "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}
	if fake.systems[0] != initSystemPrompt {
		t.Errorf("empty sheet should use init prompt")
	}

	// With data, a dynamic sheet gets the update prompt.
	if _, err := m.InsertRow(ctx, sheet.UID, map[int]string{0: "Alice"}); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}
	if _, err := p.ProcessSheets(ctx, "chat", "char1", "conv1", nil); err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}
	if fake.systems[1] != updateSystemPrompt {
		t.Errorf("populated dynamic sheet should use update prompt")
	}
}

func TestProcessSheetWithCustomPrompt(t *testing.T) {
	p, m, s, fake := newTestProcessor(t, `{"tableActions": [{"action": "insert", "data": {"0": "Zed"}}]}`)
	sheet := newTestSheet(t, m, s)

	updated, err := p.ProcessSheetWithCustomPrompt(context.Background(), sheet.UID, "You are a strict archivist.", "chat")
	if err != nil {
		t.Fatalf("ProcessSheetWithCustomPrompt failed: %v", err)
	}
	if !updated {
		t.Error("expected updated = true")
	}
	if fake.systems[0] != "You are a strict archivist." {
		t.Errorf("custom prompt not used: %q", fake.systems[0])
	}
	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 2 || got.Row(1)[0] != "Zed" {
		t.Errorf("action not applied: %v", got.Matrix())
	}
}

func TestProcessSheetWithCustomPromptUnparseable(t *testing.T) {
	p, m, s, _ := newTestProcessor(t, "no structure here at all")
	sheet := newTestSheet(t, m, s)

	updated, err := p.ProcessSheetWithCustomPrompt(context.Background(), sheet.UID, "archivist", "chat")
	if err != nil {
		t.Fatalf("unparseable response should not error: %v", err)
	}
	if updated {
		t.Error("updated = true, want false")
	}
	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 1 {
		t.Errorf("sheet changed: %v", got.Matrix())
	}
}

func TestProcessSheetsSkipsSheetsCoveredByInitialActions(t *testing.T) {
	p, m, s, fake := newTestProcessor(t, `{
		"tableActions": [
			{"action": "insert", "data": {"0": "FromLLM"}}
		]
	}`)
	sheet := newTestSheet(t, m, s)

	updated, err := p.ProcessSheets(context.Background(), "chat", "char1", "conv1", []Action{
		{Type: ActionInsert, SheetID: sheet.UID, Data: map[int]string{0: "FromInitial"}},
	})
	if err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	// The initial actions already covered the only sheet; it must not
	// be mutated a second time in the same pass.
	if fake.calls != 0 {
		t.Errorf("LLM calls = %d, want 0", fake.calls)
	}
	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 2 || got.Row(1)[0] != "FromInitial" {
		t.Errorf("rows = %v, want only the initial insert", got.Matrix())
	}
	if len(updated) != 1 || updated[0] != sheet.UID {
		t.Errorf("updated = %v, want [%s]", updated, sheet.UID)
	}
}

// blockingLLM parks every completion until released, so tests can
// observe what else is allowed to run mid-pass.
type blockingLLM struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingLLM) Complete(ctx context.Context, system, user string) (string, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return `{"tableActions": [{"action": "insert", "data": {"0": "FromLLM"}}]}`, nil
}

func TestProcessSheetsHoldsManagerSlot(t *testing.T) {
	m, s := newTestManager(t)
	sheet := newTestSheet(t, m, s)
	block := &blockingLLM{started: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewProcessor(m, llm.NewSlot(block, nil), zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := p.ProcessSheets(context.Background(), "chat", "char1", "conv1", nil)
		done <- err
	}()
	<-block.started

	// A direct mutation must queue behind the whole pass, not
	// interleave with it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.InsertRow(ctx, sheet.UID, map[int]string{0: "Eve"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("InsertRow during pass = %v, want deadline exceeded", err)
	}

	close(block.release)
	if err := <-done; err != nil {
		t.Fatalf("ProcessSheets failed: %v", err)
	}

	if _, err := m.InsertRow(context.Background(), sheet.UID, map[int]string{0: "Eve"}); err != nil {
		t.Fatalf("InsertRow after pass failed: %v", err)
	}
	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 3 {
		t.Errorf("RowCount = %d, want 3: %v", got.RowCount(), got.Matrix())
	}
}

func TestProcessSheetsConcurrentPassesDoNotInterleave(t *testing.T) {
	p, m, s, fake := newTestProcessor(t,
		`{"tableActions": [{"action": "insert", "data": {"0": "A"}}]}`,
		`{"tableActions": [{"action": "insert", "data": {"0": "B"}}]}`)
	sheet := newTestSheet(t, m, s)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.ProcessSheets(context.Background(), "chat", "char1", "conv1", nil); err != nil {
				t.Errorf("ProcessSheets failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if fake.calls != 2 {
		t.Errorf("LLM calls = %d, want 2", fake.calls)
	}
	got, _ := m.GetSheet(sheet.UID)
	if got.RowCount() != 3 {
		t.Errorf("RowCount = %d, want 3: %v", got.RowCount(), got.Matrix())
	}
}
