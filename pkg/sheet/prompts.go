package sheet

import (
	"fmt"
	"strings"

	"github.com/nodest/memtable/internal/store"
)

// actionFormatInstructions tells the model how to emit table actions.
// Shared by every processing prompt so the parser sees one envelope.
const actionFormatInstructions = `Respond with a JSON object containing a "tableActions" array. Each action has:
- "action": "insert", "update", or "delete"
- "sheetId": the id of the table being changed
- "rowIndex": the data row to update or delete (row 0 is the header and must never be touched)
- "data": an object mapping column index (as a string) to the new cell value, for insert and update

Example:
{
  "tableActions": [
    {"action": "insert", "sheetId": "TABLE_ID", "data": {"0": "Alice", "1": "met the user at the harbor"}},
    {"action": "update", "sheetId": "TABLE_ID", "rowIndex": 2, "data": {"1": "now lives in the city"}},
    {"action": "delete", "sheetId": "TABLE_ID", "rowIndex": 3}
  ]
}

Only emit actions for changes supported by the conversation. If nothing changed, return {"tableActions": []}.`

// initSystemPrompt seeds an empty sheet from the conversation.
const initSystemPrompt = `You maintain structured memory tables for a roleplay assistant. The table below is empty except for its header. Read the conversation and fill in initial rows that record what is known so far.`

// updateSystemPrompt keeps an existing sheet current.
const updateSystemPrompt = `You maintain structured memory tables for a roleplay assistant. Read the conversation and the current table contents, then emit the actions needed to keep the table accurate: add new facts, update changed ones, remove rows that no longer hold.`

// staticSystemPrompt is used for templates whose row set is fixed.
// Only cell updates are allowed.
const staticSystemPrompt = `You maintain structured memory tables for a roleplay assistant. This table has a fixed set of rows. Do not insert or delete rows; only update cell values that the conversation shows have changed.`

// columnGuide renders template column constraints for the prompt.
func columnGuide(tmpl *store.Template) string {
	if tmpl == nil || len(tmpl.Columns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Columns:\n")
	for i, col := range tmpl.Columns {
		fmt.Fprintf(&b, "- %d: %s", i, col.Value)
		switch col.DataType {
		case store.ColumnNumber:
			b.WriteString(" (number)")
		case store.ColumnOption:
			fmt.Fprintf(&b, " (one of: %s)", strings.Join(col.Options, ", "))
		}
		if col.Note != "" {
			fmt.Fprintf(&b, " — %s", col.Note)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// buildProcessPrompt assembles the user prompt for one sheet pass.
// allSheetsText gives the model cross-table context; chatContent is
// the conversation slice being folded into the table.
func buildProcessPrompt(sheet *store.Sheet, tmpl *store.Template, allSheetsText, chatContent string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Target table %q (id: %s):\n%s\n", sheet.Name, sheet.UID, sheet.ToText())
	if guide := columnGuide(tmpl); guide != "" {
		b.WriteString(guide)
		b.WriteString("\n")
	}
	if tmpl != nil && tmpl.Note != "" {
		fmt.Fprintf(&b, "Table purpose: %s\n\n", tmpl.Note)
	}
	if allSheetsText != "" {
		fmt.Fprintf(&b, "Other tables for context (do not modify):\n%s\n", allSheetsText)
	}
	fmt.Fprintf(&b, "Conversation:\n%s\n\n", chatContent)
	b.WriteString(actionFormatInstructions)
	return b.String()
}

// systemPromptFor picks the system prompt by sheet state and template
// type. Custom template prompts override the defaults.
func systemPromptFor(sheet *store.Sheet, tmpl *store.Template) string {
	if sheet.RowCount() <= 1 {
		if tmpl != nil && tmpl.InitPrompt != "" {
			return tmpl.InitPrompt
		}
		return initSystemPrompt
	}
	if tmpl == nil {
		return updateSystemPrompt
	}
	switch tmpl.Type {
	case store.TemplateStatic, store.TemplateFixed:
		return staticSystemPrompt
	case store.TemplateDynamic:
		if tmpl.UpdatePrompt != "" {
			return tmpl.UpdatePrompt
		}
		return updateSystemPrompt
	default:
		return updateSystemPrompt
	}
}
