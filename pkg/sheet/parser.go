package sheet

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParseFailed means no strategy recognized the model's response.
// The caller logs it and leaves the sheet unchanged.
var ErrParseFailed = errors.New("sheet: no parse strategy matched the response")

// SheetRebuild is a whole-sheet replacement produced by the rebuild
// and markdown strategies. Rows excludes the header.
type SheetRebuild struct {
	TableName string
	Columns   []string
	Rows      [][]string
}

// ParseResult is the outcome of the parse cascade. Exactly one of
// Actions or Rebuilds is populated.
type ParseResult struct {
	Actions  []Action
	Rebuilds []SheetRebuild
}

// ParseResponse runs the strategies in order and returns the first
// hit: explicit tableActions JSON, then a rebuild array, then a
// Markdown table.
func ParseResponse(raw string) (*ParseResult, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, ErrParseFailed
	}

	if actions, ok := parseTableActions(cleaned); ok {
		return &ParseResult{Actions: actions}, nil
	}
	if rebuilds, ok := parseRebuildArray(cleaned); ok {
		return &ParseResult{Rebuilds: rebuilds}, nil
	}
	if rows, ok := ParseMarkdownTable(cleaned); ok {
		rebuild := SheetRebuild{Columns: rows[0]}
		if len(rows) > 1 {
			rebuild.Rows = rows[1:]
		}
		return &ParseResult{Rebuilds: []SheetRebuild{rebuild}}, nil
	}
	return nil, ErrParseFailed
}

// ParseTableActions runs only the first strategy: it recognizes a
// tableActions envelope and nothing else. Callers that handle free
// chat text use this so an incidental Markdown table is not mistaken
// for a rebuild.
func ParseTableActions(raw string) ([]Action, bool) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return nil, false
	}
	return parseTableActions(cleaned)
}

// stripCodeFence removes markdown code block wrappers (```json ... ```).
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// rawAction is the wire form of one table action. Data keys are
// column indexes as strings; values may arrive as strings or numbers.
type rawAction struct {
	Action    string         `json:"action"`
	SheetID   string         `json:"sheetId"`
	SheetName string         `json:"sheetName"`
	RowIndex  int            `json:"rowIndex"`
	Data      map[string]any `json:"data"`
	RowData   map[string]any `json:"rowData"`
}

// values merges the two accepted data keys; "data" wins on conflict.
func (r rawAction) values() map[string]any {
	if len(r.RowData) == 0 {
		return r.Data
	}
	if len(r.Data) == 0 {
		return r.RowData
	}
	merged := make(map[string]any, len(r.RowData)+len(r.Data))
	for k, v := range r.RowData {
		merged[k] = v
	}
	for k, v := range r.Data {
		merged[k] = v
	}
	return merged
}

type tableActionsEnvelope struct {
	TableActions []rawAction `json:"tableActions"`
}

// parseTableActions scans for JSON objects carrying a tableActions
// array and converts the first one found. The whole response is tried
// first, then each balanced {...} candidate embedded in surrounding
// prose.
func parseTableActions(cleaned string) ([]Action, bool) {
	for _, candidate := range append([]string{cleaned}, jsonCandidates(cleaned)...) {
		var env tableActionsEnvelope
		if err := json.Unmarshal([]byte(candidate), &env); err != nil {
			continue
		}
		if len(env.TableActions) == 0 {
			continue
		}
		actions := convertRawActions(env.TableActions)
		if len(actions) > 0 {
			return actions, true
		}
	}
	return nil, false
}

func convertRawActions(raw []rawAction) []Action {
	var out []Action
	for _, r := range raw {
		typ := ActionType(strings.ToLower(strings.TrimSpace(r.Action)))
		switch typ {
		case ActionInsert, ActionUpdate, ActionDelete:
		default:
			continue
		}
		sheetID := r.SheetID
		if sheetID == "" {
			sheetID = r.SheetName
		}
		a := Action{Type: typ, SheetID: sheetID, RowIndex: r.RowIndex}
		if values := r.values(); len(values) > 0 {
			a.Data = make(map[int]string, len(values))
			for k, v := range values {
				col, err := strconv.Atoi(strings.TrimSpace(k))
				if err != nil || col < 0 {
					continue
				}
				a.Data[col] = stringifyValue(v)
			}
		}
		out = append(out, a)
	}
	return out
}

// stringifyValue renders a JSON scalar the way the model meant it:
// numbers without a trailing .0, everything else via Sprint.
func stringifyValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// jsonCandidates extracts balanced top-level {...} substrings,
// skipping braces inside string literals.
func jsonCandidates(s string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// rebuildEntry is the wire form of the rebuild-array strategy.
type rebuildEntry struct {
	TableName string     `json:"tableName"`
	Columns   []string   `json:"columns"`
	Content   [][]string `json:"content"`
}

// tableNameSuffixes are decorations models append to sheet names.
var tableNameSuffixes = []string{"表格", " table", " Table"}

// normalizeTableName strips decorations for matching against real
// sheet names.
func normalizeTableName(name string) string {
	name = strings.TrimSpace(name)
	for _, suffix := range tableNameSuffixes {
		name = strings.TrimSuffix(name, suffix)
	}
	return strings.TrimSpace(name)
}

// parseRebuildArray recognizes a JSON array of whole-sheet rebuilds.
func parseRebuildArray(cleaned string) ([]SheetRebuild, bool) {
	// The array may be embedded in prose; find its start.
	idx := strings.IndexByte(cleaned, '[')
	if idx < 0 {
		return nil, false
	}

	var entries []rebuildEntry
	dec := json.NewDecoder(strings.NewReader(cleaned[idx:]))
	if err := dec.Decode(&entries); err != nil {
		return nil, false
	}

	var out []SheetRebuild
	for _, e := range entries {
		name := normalizeTableName(e.TableName)
		if name == "" || len(e.Columns) == 0 {
			continue
		}
		out = append(out, SheetRebuild{
			TableName: name,
			Columns:   e.Columns,
			Rows:      e.Content,
		})
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// markdownSeparator matches the |---|---| line under a table header.
var markdownSeparator = regexp.MustCompile(`^\s*\|[-:\s|]+\|\s*$`)

// ParseMarkdownTable extracts the first |-delimited table from the
// text. Returns all rows including the header; separator lines are
// dropped. ok is false when fewer than one row parses.
func ParseMarkdownTable(raw string) ([][]string, bool) {
	var rows [][]string
	inTable := false
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			if inTable {
				break
			}
			continue
		}
		if markdownSeparator.MatchString(trimmed) {
			inTable = true
			continue
		}
		inTable = true

		body := strings.TrimSuffix(strings.TrimPrefix(trimmed, "|"), "|")
		parts := strings.Split(body, "|")
		row := make([]string, len(parts))
		for i, p := range parts {
			row[i] = strings.TrimSpace(p)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, false
	}
	return rows, true
}
