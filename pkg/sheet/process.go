package sheet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nodest/memtable/internal/store"
	"github.com/nodest/memtable/pkg/llm"
)

// Processor drives the LLM round trip that folds a conversation into
// a character's sheets. A processing pass holds the manager's
// single-flight slot for its whole duration, so it never interleaves
// with direct mutations or with another pass.
type Processor struct {
	manager *Manager
	slot    *llm.Slot
	log     *zap.Logger
}

// NewProcessor creates a processor over a manager and capability slot.
func NewProcessor(m *Manager, slot *llm.Slot, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		manager: m,
		slot:    slot,
		log:     log,
	}
}

// ProcessSheets runs one full pass for a character's conversation:
// apply any initial actions (sheet names resolved to uids), then
// process each remaining sheet sequentially against the chat content.
// It returns the uids of the sheets that were updated. Sheets covered
// by initial actions are not sent to the LLM again within the pass.
func (p *Processor) ProcessSheets(ctx context.Context, chatContent, characterID, conversationID string, initialActions []Action) ([]string, error) {
	if !p.slot.Configured() {
		return nil, llm.ErrNotConfigured
	}

	if err := p.manager.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("sheet: process: %w", err)
	}
	defer p.manager.sem.Release(1)

	sheets, err := p.manager.SheetsByCharacter(characterID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(sheets) == 0 {
		p.log.Debug("sheet: no sheets to process",
			zap.String("character", characterID))
		return nil, nil
	}

	processed := make(map[string]bool, len(sheets))
	var updated []string

	if len(initialActions) > 0 {
		updated = p.applyInitialActions(sheets, initialActions, processed)
		// Reload so processing sees the applied actions.
		sheets, err = p.manager.SheetsByCharacter(characterID, conversationID)
		if err != nil {
			return updated, err
		}
	}

	allText := renderAllSheets(sheets)
	for _, sheet := range sheets {
		if processed[sheet.UID] {
			continue
		}
		changed, err := p.processSheet(ctx, sheet.UID, allText, chatContent)
		if err != nil {
			p.log.Warn("sheet: processing failed, sheet left unchanged",
				zap.String("sheet", sheet.UID), zap.Error(err))
		} else if changed {
			updated = append(updated, sheet.UID)
		}
		processed[sheet.UID] = true
	}
	return updated, nil
}

// applyInitialActions groups actions per sheet, resolving sheet names
// to uids, and dispatches each group as one batch. Actioned sheets
// are marked processed so the per-sheet loop skips them; the updated
// uids come back in first-seen order.
func (p *Processor) applyInitialActions(sheets []*store.Sheet, actions []Action, processed map[string]bool) []string {
	byUID := make(map[string][]Action)
	var order []string
	for _, a := range actions {
		uid := resolveSheetRef(sheets, a.SheetID)
		if uid == "" {
			p.log.Warn("sheet: dropping action for unknown sheet",
				zap.String("ref", a.SheetID))
			continue
		}
		if _, seen := byUID[uid]; !seen {
			order = append(order, uid)
		}
		byUID[uid] = append(byUID[uid], a)
	}

	var updated []string
	for _, uid := range order {
		if err := p.manager.batchActionsLocked(uid, byUID[uid]); err != nil {
			p.log.Warn("sheet: initial actions failed",
				zap.String("sheet", uid), zap.Error(err))
			continue
		}
		processed[uid] = true
		updated = append(updated, uid)
	}
	return updated
}

// resolveSheetRef matches a uid or a name (exact, then
// case-insensitive, then suffix-normalized) against the sheets.
func resolveSheetRef(sheets []*store.Sheet, ref string) string {
	for _, s := range sheets {
		if s.UID == ref {
			return s.UID
		}
	}
	for _, s := range sheets {
		if s.Name == ref {
			return s.UID
		}
	}
	normalized := strings.ToLower(normalizeTableName(ref))
	for _, s := range sheets {
		if strings.ToLower(s.Name) == normalized {
			return s.UID
		}
	}
	return ""
}

// processSheet runs one LLM round trip for a sheet and applies the
// parsed result, reporting whether the sheet changed.
func (p *Processor) processSheet(ctx context.Context, sheetUID, allText, chatContent string) (bool, error) {
	sheet, err := p.manager.GetSheet(sheetUID)
	if err != nil {
		return false, err
	}

	var tmpl *store.Template
	if sheet.TemplateUID != "" {
		tmpl, err = p.manager.store.GetTemplate(sheet.TemplateUID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}

	system := systemPromptFor(sheet, tmpl)
	user := buildProcessPrompt(sheet, tmpl, allText, chatContent)

	response, err := p.slot.Complete(ctx, system, user)
	if err != nil {
		return false, err
	}
	return p.applyResponse(sheet, response)
}

// ProcessSheetWithCustomPrompt runs the round trip with a
// caller-supplied system prompt instead of the template's. It reports
// whether the sheet was updated; an unparseable model response is not
// an error, just no update.
func (p *Processor) ProcessSheetWithCustomPrompt(ctx context.Context, sheetUID, systemPrompt, chatContent string) (bool, error) {
	if !p.slot.Configured() {
		return false, llm.ErrNotConfigured
	}

	if err := p.manager.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("sheet: process: %w", err)
	}
	defer p.manager.sem.Release(1)

	sheet, err := p.manager.GetSheet(sheetUID)
	if err != nil {
		return false, err
	}

	user := buildProcessPrompt(sheet, nil, "", chatContent)
	response, err := p.slot.Complete(ctx, systemPrompt, user)
	if err != nil {
		return false, err
	}
	return p.applyResponse(sheet, response)
}

// applyResponse parses the model output and applies it to the sheet,
// reporting whether anything was applied. Parse failure leaves the
// sheet untouched and is not an error.
func (p *Processor) applyResponse(sheet *store.Sheet, response string) (bool, error) {
	result, err := ParseResponse(response)
	if err != nil {
		p.log.Warn("sheet: unparseable response, keeping sheet as is",
			zap.String("sheet", sheet.UID),
			zap.Int("responseLen", len(response)))
		return false, nil
	}

	if len(result.Actions) > 0 {
		// Actions may name other sheets; keep only this sheet's (an
		// empty sheetId means the target sheet).
		var own []Action
		for _, a := range result.Actions {
			if a.SheetID == "" || a.SheetID == sheet.UID || normalizeTableName(a.SheetID) == normalizeTableName(sheet.Name) {
				own = append(own, a)
			}
		}
		if len(own) == 0 {
			return false, nil
		}
		if err := p.manager.batchActionsLocked(sheet.UID, own); err != nil {
			return false, err
		}
		return true, nil
	}

	for _, rebuild := range result.Rebuilds {
		if rebuild.TableName != "" && normalizeTableName(rebuild.TableName) != normalizeTableName(sheet.Name) {
			continue
		}
		return p.applyRebuild(sheet, rebuild)
	}
	return false, nil
}

// applyRebuild replaces a sheet's data rows with the rebuilt set.
// The model sometimes drifts the header; the sheet's real header
// always wins. A column-count mismatch aborts the rebuild and keeps
// the original contents.
func (p *Processor) applyRebuild(sheet *store.Sheet, rebuild SheetRebuild) (bool, error) {
	headers := sheet.Headers()
	if len(rebuild.Columns) != len(headers) {
		p.log.Warn("sheet: rebuild column count mismatch, keeping original",
			zap.String("sheet", sheet.UID),
			zap.Int("got", len(rebuild.Columns)),
			zap.Int("want", len(headers)))
		return false, nil
	}
	for i := range headers {
		if rebuild.Columns[i] != headers[i] {
			p.log.Debug("sheet: restoring drifted header",
				zap.String("sheet", sheet.UID),
				zap.String("got", rebuild.Columns[i]),
				zap.String("want", headers[i]))
		}
	}

	if err := p.manager.clearSheetLocked(sheet.UID); err != nil {
		return false, err
	}
	var inserts []Action
	for _, row := range rebuild.Rows {
		data := make(map[int]string, len(row))
		for i, v := range row {
			if i >= len(headers) {
				break
			}
			data[i] = v
		}
		inserts = append(inserts, Action{Type: ActionInsert, SheetID: sheet.UID, Data: data})
	}
	if err := p.manager.batchActionsLocked(sheet.UID, inserts); err != nil {
		return false, err
	}
	return true, nil
}

// renderAllSheets concatenates every sheet's name and text for prompt
// context.
func renderAllSheets(sheets []*store.Sheet) string {
	var b strings.Builder
	for _, s := range sheets {
		b.WriteString("## ")
		b.WriteString(s.Name)
		b.WriteString("\n")
		b.WriteString(s.ToText())
		b.WriteString("\n")
	}
	return b.String()
}
