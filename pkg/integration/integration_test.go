package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodest/memtable/internal/store"
	"github.com/nodest/memtable/pkg/llm"
	"github.com/nodest/memtable/pkg/sheet"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, system, user string) (string, error) {
	if s.calls >= len(s.responses) {
		return "{}", nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func newTestLayer(t *testing.T, responses ...string) (*Layer, *sheet.Manager) {
	t.Helper()
	s, err := store.NewSQLiteStore(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := sheet.NewManager(s, zap.NewNop())
	slot := llm.NewSlot(&scriptedLLM{responses: responses}, nil)
	p := sheet.NewProcessor(m, slot, zap.NewNop())
	return New(m, p, nil, zap.NewNop()), m
}

func seedSheet(t *testing.T, m *sheet.Manager, name string) *store.Sheet {
	t.Helper()
	s, err := m.ImportSheet(context.Background(), name, "char1", "conv1", [][]string{
		{"Name", "Role"},
	})
	require.NoError(t, err)
	return s
}

func TestResolveSheet(t *testing.T) {
	l, m := newTestLayer(t)
	crew := seedSheet(t, m, "Crew Roster")
	seedSheet(t, m, "Tasks")

	cases := map[string]string{
		crew.UID:                           crew.UID, // uid passthrough
		"Crew Roster":                      crew.UID, // exact
		"crew roster":                      crew.UID, // case-insensitive
		"the crew roster table":            crew.UID, // substring
		"Update the Crew Roster with this": crew.UID, // buried in prose
		"Inventory":                        "",       // unknown
	}
	for ref, want := range cases {
		got, err := l.ResolveSheet("char1", "conv1", ref)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ref %q", ref)
	}
}

func TestResolveSheetPrefersLongestName(t *testing.T) {
	l, m := newTestLayer(t)
	seedSheet(t, m, "Tasks")
	detailed := seedSheet(t, m, "Tasks and Promises")

	got, err := l.ResolveSheet("char1", "conv1", "see the tasks and promises list")
	require.NoError(t, err)
	assert.Equal(t, detailed.UID, got)
}

func TestProcessResponseDispatchesActions(t *testing.T) {
	l, m := newTestLayer(t)
	crew := seedSheet(t, m, "Crew")
	tasks := seedSheet(t, m, "Tasks")
	ctx := context.Background()

	n, err := l.ProcessResponse(ctx, `Alice joins the crew!

{"tableActions": [
	{"action": "insert", "sheetId": "Crew", "rowData": {"0": "Alice", "1": "Captain"}},
	{"action": "insert", "sheetId": "tasks", "rowData": {"0": "Stock the ship", "1": "open"}},
	{"action": "insert", "sheetId": "Inventory", "rowData": {"0": "dropped"}}
]}`, "char1", "conv1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "unresolvable action dropped")

	got, err := m.GetSheet(crew.UID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RowCount())
	assert.Equal(t, []string{"Alice", "Captain"}, got.Row(1))

	got, err = m.GetSheet(tasks.UID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RowCount())
}

func TestProcessResponseWithoutActionsIsNoOp(t *testing.T) {
	l, m := newTestLayer(t)
	crew := seedSheet(t, m, "Crew")

	n, err := l.ProcessResponse(context.Background(),
		"Just a normal reply with a | pipe | in it.", "char1", "conv1")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m.GetSheet(crew.UID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RowCount())
}

func TestTableData(t *testing.T) {
	l, m := newTestLayer(t)
	crew := seedSheet(t, m, "Crew")
	_, err := m.InsertRow(context.Background(), crew.UID, map[int]string{0: "Alice", 1: "Captain"})
	require.NoError(t, err)

	tables, err := l.TableData(context.Background(), "char1", "conv1")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, crew.UID, tables[0].UID)
	assert.Equal(t, []string{"Name", "Role"}, tables[0].Headers)
	require.Len(t, tables[0].Rows, 1)
	assert.Equal(t, []string{"Alice", "Captain"}, tables[0].Rows[0])
	assert.Contains(t, tables[0].Text, "Alice")
}

func TestEnhancePrompt(t *testing.T) {
	l, m := newTestLayer(t)
	crew := seedSheet(t, m, "Crew")
	_, err := m.InsertRow(context.Background(), crew.UID, map[int]string{0: "Alice"})
	require.NoError(t, err)

	tables, err := l.TableData(context.Background(), "char1", "conv1")
	require.NoError(t, err)

	enhanced := l.EnhancePrompt("You are a helpful companion.", tables)
	assert.Contains(t, enhanced, "You are a helpful companion.")
	assert.Contains(t, enhanced, "## Crew")
	assert.Contains(t, enhanced, "Alice")
	assert.Contains(t, enhanced, "tableActions")

	// No tables: prompt passes through untouched.
	assert.Equal(t, "bare", l.EnhancePrompt("bare", nil))
}

func TestProcessChatAppliesResponseActions(t *testing.T) {
	l, m := newTestLayer(t, `{"tableActions": []}`)
	crew := seedSheet(t, m, "Crew")

	updated, err := l.ProcessChat(context.Background(), ChatTurn{
		UserMessage: "Alice is our new captain.",
		AssistantResponse: `Welcome aboard, Alice!

{"tableActions": [{"action": "insert", "sheetId": "Crew", "rowData": {"0": "Alice", "1": "Captain"}}]}`,
		CharacterID:    "char1",
		ConversationID: "conv1",
		UserID:         "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{crew.UID}, updated)

	got, err := m.GetSheet(crew.UID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RowCount())
	assert.Equal(t, "Alice", got.Row(1)[0])
}
