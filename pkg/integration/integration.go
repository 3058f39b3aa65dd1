// Package integration glues the memory engine and the sheet manager
// to a chat application: it resolves the loose sheet references
// models emit, applies table actions found in responses, and injects
// table state into outgoing prompts.
package integration

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nodest/memtable/pkg/memory"
	"github.com/nodest/memtable/pkg/sheet"
)

// Layer is the application-facing facade.
type Layer struct {
	manager   *sheet.Manager
	processor *sheet.Processor
	memory    *memory.Engine // optional
	log       *zap.Logger
}

// New creates a layer. engine may be nil when unstructured memory is
// disabled.
func New(manager *sheet.Manager, processor *sheet.Processor, engine *memory.Engine, log *zap.Logger) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Layer{manager: manager, processor: processor, memory: engine, log: log}
}

// TableData is one sheet rendered for prompt injection or display.
type TableData struct {
	UID     string     `json:"uid"`
	Name    string     `json:"name"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
	Text    string     `json:"text"`
}

// TableData returns every sheet of a conversation in rendered form.
func (l *Layer) TableData(ctx context.Context, characterID, conversationID string) ([]TableData, error) {
	sheets, err := l.manager.SheetsByCharacter(characterID, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]TableData, 0, len(sheets))
	for _, s := range sheets {
		matrix := s.Matrix()
		var rows [][]string
		if len(matrix) > 1 {
			rows = matrix[1:]
		}
		out = append(out, TableData{
			UID:     s.UID,
			Name:    s.Name,
			Headers: s.Headers(),
			Rows:    rows,
			Text:    s.ToText(),
		})
	}
	return out, nil
}

// ResolveSheet maps a model-supplied sheet reference to a uid, or ""
// when no sheet of the conversation matches.
func (l *Layer) ResolveSheet(characterID, conversationID, ref string) (string, error) {
	sheets, err := l.manager.SheetsByCharacter(characterID, conversationID)
	if err != nil {
		return "", err
	}
	r, err := newResolver(sheets)
	if err != nil {
		return "", err
	}
	return r.resolve(ref), nil
}

// ProcessResponse extracts table actions from a model response and
// applies them, grouped per sheet. Returns the number of actions
// dispatched. Actions naming unresolvable sheets are dropped with a
// warning. A response without a tableActions envelope is a no-op.
func (l *Layer) ProcessResponse(ctx context.Context, response, characterID, conversationID string) (int, error) {
	actions, ok := sheet.ParseTableActions(response)
	if !ok {
		return 0, nil
	}
	sheets, err := l.manager.SheetsByCharacter(characterID, conversationID)
	if err != nil {
		return 0, err
	}
	r, err := newResolver(sheets)
	if err != nil {
		return 0, err
	}

	byUID := make(map[string][]sheet.Action)
	var order []string
	dispatched := 0
	for _, a := range actions {
		uid := r.resolve(a.SheetID)
		if uid == "" {
			l.log.Warn("integration: dropping action for unresolvable sheet",
				zap.String("ref", a.SheetID), zap.String("action", string(a.Type)))
			continue
		}
		if _, seen := byUID[uid]; !seen {
			order = append(order, uid)
		}
		byUID[uid] = append(byUID[uid], a)
	}
	for _, uid := range order {
		group := byUID[uid]
		if err := l.manager.BatchActions(ctx, uid, group); err != nil {
			return dispatched, fmt.Errorf("integration: apply actions to %s: %w", uid, err)
		}
		dispatched += len(group)
	}
	return dispatched, nil
}

// ChatTurn is one completed user/assistant exchange.
type ChatTurn struct {
	UserMessage       string
	AssistantResponse string
	CharacterID       string
	ConversationID    string
	UserID            string
}

// ProcessChat feeds one exchange to both memory systems: the user
// message is mined for facts (best effort), any table actions in the
// assistant response are applied, and the sheets are then processed
// against the full exchange. It returns the uids of the sheets the
// pass updated.
func (l *Layer) ProcessChat(ctx context.Context, turn ChatTurn) ([]string, error) {
	if l.memory != nil && turn.UserMessage != "" {
		_, err := l.memory.Add(ctx, []memory.Message{{Role: "user", Content: turn.UserMessage}},
			memory.Options{UserID: turn.UserID, RunID: turn.ConversationID})
		if err != nil {
			l.log.Warn("integration: memory add failed", zap.Error(err))
		}
	}

	var initial []sheet.Action
	if actions, ok := sheet.ParseTableActions(turn.AssistantResponse); ok {
		initial = actions
	}
	chat := fmt.Sprintf("user: %s\nassistant: %s", turn.UserMessage, turn.AssistantResponse)
	return l.processor.ProcessSheets(ctx, chat, turn.CharacterID, turn.ConversationID, initial)
}

// tableInstructions tells the model how to emit structured updates
// alongside its reply.
const tableInstructions = `When the conversation reveals information that belongs in the tables above, append a JSON object of the form {"tableActions": [{"action": "insert|update|delete", "sheetId": "<table name or id>", "rowIndex": <n>, "data": {"0": "value"}}]} after your reply. Row 0 is the header and can never be changed. Omit the object when nothing changed.`

// EnhancePrompt appends the current table state and the update
// instructions to a system prompt.
func (l *Layer) EnhancePrompt(system string, tables []TableData) string {
	if len(tables) == 0 {
		return system
	}
	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n# Memory tables\n")
	for _, t := range tables {
		b.WriteString("\n## ")
		b.WriteString(t.Name)
		b.WriteString("\n")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(tableInstructions)
	return b.String()
}
