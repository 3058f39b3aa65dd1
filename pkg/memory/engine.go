package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodest/memtable/pkg/llm"
	"github.com/nodest/memtable/pkg/vector"
)

const (
	// contextSearchLimit bounds the best-effort related-context lookup.
	contextSearchLimit = 10
	// dedupeSearchLimit bounds the per-fact similar-memory lookup.
	dedupeSearchLimit = 5
	// defaultSearchLimit is used when a caller passes limit <= 0.
	defaultSearchLimit = 100
)

// Engine is the memory pipeline: extraction, consolidation, storage.
type Engine struct {
	vec     vector.Store
	slot    *llm.Slot
	history HistoryStore
	log     *zap.Logger
}

// NewEngine wires an engine over a vector store, a capability slot
// and a history log.
func NewEngine(vec vector.Store, slot *llm.Slot, history HistoryStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{vec: vec, slot: slot, history: history, log: log}
}

// Add runs one conversation turn through the pipeline and returns the
// consolidation decisions that were applied.
func (e *Engine) Add(ctx context.Context, messages []Message, opts Options) ([]Result, error) {
	filters, err := opts.filters()
	if err != nil {
		return nil, err
	}
	if !e.slot.EmbedderConfigured() {
		return nil, fmt.Errorf("memory: add: %w", llm.ErrNotConfigured)
	}

	if opts.SkipInference {
		return e.addVerbatim(ctx, messages, opts)
	}
	if !e.slot.Configured() {
		return nil, fmt.Errorf("memory: add: %w", llm.ErrNotConfigured)
	}

	mined := minedMessages(messages, opts.MultiRound)
	if len(mined) == 0 {
		return nil, nil
	}

	related := e.retrieveContext(ctx, mined, filters)

	response, err := e.slot.Complete(ctx, factExtractionPrompt, buildExtractionInput(mined, related))
	if err != nil {
		return nil, fmt.Errorf("memory: fact extraction: %w", err)
	}
	facts, err := parseFacts(response)
	if err != nil {
		e.log.Warn("memory: unparseable extraction response, skipping turn", zap.Error(err))
		return nil, nil
	}
	if len(facts) == 0 {
		return []Result{}, nil
	}

	// For each fact, find the existing memories it might touch. The
	// per-fact embedding is kept for reuse when the fact is ADDed.
	factVecs := make(map[string][]float32, len(facts))
	existing := make(map[string]vector.SearchResult)
	var order []string
	for _, fact := range facts {
		vec, err := e.slot.Embed(ctx, fact)
		if err != nil {
			return nil, fmt.Errorf("memory: embed fact: %w", err)
		}
		factVecs[fact] = vec
		hits, err := e.vec.Search(ctx, vec, dedupeSearchLimit, filters)
		if err != nil {
			return nil, fmt.Errorf("memory: search similar: %w", err)
		}
		for _, hit := range hits {
			if _, seen := existing[hit.ID]; !seen {
				existing[hit.ID] = hit
				order = append(order, hit.ID)
			}
		}
	}

	// The consolidation model only ever sees small integer ids, so a
	// hallucinated UUID can never address a real memory.
	realOf := make(map[string]string, len(order))
	relabeled := make([]existingMemory, 0, len(order))
	for i, realID := range order {
		temp := strconv.Itoa(i)
		realOf[temp] = realID
		text, _ := existing[realID].Payload["data"].(string)
		relabeled = append(relabeled, existingMemory{ID: temp, Text: text})
	}

	response, err = e.slot.Complete(ctx, consolidationPrompt, buildConsolidationInput(relabeled, facts))
	if err != nil {
		return nil, fmt.Errorf("memory: consolidation: %w", err)
	}
	decisions, err := parseDecisions(response)
	if err != nil {
		e.log.Warn("memory: unparseable consolidation response, skipping turn", zap.Error(err))
		return nil, nil
	}

	return e.applyDecisions(ctx, decisions, realOf, existing, factVecs, opts)
}

// minedMessages selects the turns fed to extraction: user-authored
// only, unless the caller asked for the whole transcript.
func minedMessages(messages []Message, multiRound bool) []Message {
	var out []Message
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if multiRound || m.Role == "user" {
			out = append(out, m)
		}
	}
	return out
}

// addVerbatim stores each message as-is, bypassing inference.
func (e *Engine) addVerbatim(ctx context.Context, messages []Message, opts Options) ([]Result, error) {
	var results []Result
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		vec, err := e.slot.Embed(ctx, text)
		if err != nil {
			return results, fmt.Errorf("memory: embed: %w", err)
		}
		id, err := e.createItem(ctx, text, vec, opts)
		if err != nil {
			return results, err
		}
		results = append(results, Result{ID: id, Memory: text, Event: EventAdd})
	}
	return results, nil
}

// retrieveContext reconstructs related earlier exchanges for the
// extraction prompt. Strictly best-effort: any failure yields "".
func (e *Engine) retrieveContext(ctx context.Context, mined []Message, filters map[string]any) string {
	var query strings.Builder
	for _, m := range mined {
		query.WriteString(m.Content)
		query.WriteString("\n")
	}
	vec, err := e.slot.Embed(ctx, query.String())
	if err != nil {
		e.log.Debug("memory: context embed failed", zap.Error(err))
		return ""
	}
	hits, err := e.vec.Search(ctx, vec, contextSearchLimit, filters)
	if err != nil {
		e.log.Debug("memory: context search failed", zap.Error(err))
		return ""
	}

	type exchange struct {
		at        int64
		user, bot string
	}
	var exchanges []exchange
	for _, hit := range hits {
		bot, ok := hit.Payload["aiResponse"].(string)
		if !ok || bot == "" {
			continue
		}
		user, _ := hit.Payload["data"].(string)
		exchanges = append(exchanges, exchange{at: asInt64(hit.Payload["createdAt"]), user: user, bot: bot})
	}
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i].at < exchanges[j].at })

	var b strings.Builder
	for _, ex := range exchanges {
		fmt.Fprintf(&b, "user: %s\nassistant: %s\n", ex.user, ex.bot)
	}
	return b.String()
}

// applyDecisions executes consolidation decisions against the vector
// store and the history log.
func (e *Engine) applyDecisions(ctx context.Context, decisions []decision, realOf map[string]string, existing map[string]vector.SearchResult, factVecs map[string][]float32, opts Options) ([]Result, error) {
	var results []Result
	for _, d := range decisions {
		event := Event(strings.ToUpper(strings.TrimSpace(d.Event)))
		switch event {
		case EventAdd:
			vec, err := e.vectorFor(ctx, d.Text, factVecs)
			if err != nil {
				return results, err
			}
			id, err := e.createItem(ctx, d.Text, vec, opts)
			if err != nil {
				return results, err
			}
			results = append(results, Result{ID: id, Memory: d.Text, Event: EventAdd})

		case EventUpdate:
			realID, ok := realOf[d.ID]
			if !ok {
				e.log.Warn("memory: dropping update for unknown id", zap.String("id", d.ID))
				continue
			}
			prev, _ := existing[realID].Payload["data"].(string)
			vec, err := e.vectorFor(ctx, d.Text, factVecs)
			if err != nil {
				return results, err
			}
			payload := clonePayload(existing[realID].Payload)
			payload["data"] = d.Text
			payload["hash"] = contentHash(d.Text)
			payload["updatedAt"] = time.Now().UnixMilli()
			if err := e.vec.Update(ctx, realID, vec, payload); err != nil {
				return results, fmt.Errorf("memory: update %s: %w", realID, err)
			}
			if err := e.history.Append(ctx, HistoryRecord{MemoryID: realID, Previous: prev, New: d.Text, Action: EventUpdate}); err != nil {
				e.log.Warn("memory: history append failed", zap.Error(err))
			}
			results = append(results, Result{ID: realID, Memory: d.Text, Event: EventUpdate, PreviousMemory: prev})

		case EventDelete:
			realID, ok := realOf[d.ID]
			if !ok {
				e.log.Warn("memory: dropping delete for unknown id", zap.String("id", d.ID))
				continue
			}
			prev, _ := existing[realID].Payload["data"].(string)
			if err := e.vec.Delete(ctx, realID); err != nil {
				return results, fmt.Errorf("memory: delete %s: %w", realID, err)
			}
			if err := e.history.Append(ctx, HistoryRecord{MemoryID: realID, Previous: prev, Action: EventDelete, IsDeleted: true}); err != nil {
				e.log.Warn("memory: history append failed", zap.Error(err))
			}
			results = append(results, Result{ID: realID, Memory: prev, Event: EventDelete, PreviousMemory: prev})

		case EventNone:
			id := realOf[d.ID]
			results = append(results, Result{ID: id, Memory: d.Text, Event: EventNone})

		default:
			e.log.Warn("memory: dropping decision with unknown event", zap.String("event", d.Event))
		}
	}
	return results, nil
}

// vectorFor reuses a fact's embedding when the decision text matches
// it verbatim, and embeds otherwise.
func (e *Engine) vectorFor(ctx context.Context, text string, factVecs map[string][]float32) ([]float32, error) {
	if vec, ok := factVecs[text]; ok {
		return vec, nil
	}
	vec, err := e.slot.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	return vec, nil
}

// createItem inserts a new memory with its payload and history entry.
func (e *Engine) createItem(ctx context.Context, text string, vec []float32, opts Options) (string, error) {
	id := uuid.NewString()
	payload := make(map[string]any, len(opts.Metadata)+6)
	for k, v := range opts.Metadata {
		payload[k] = v
	}
	payload["data"] = text
	payload["hash"] = contentHash(text)
	payload["createdAt"] = time.Now().UnixMilli()
	if opts.UserID != "" {
		payload["userId"] = opts.UserID
	}
	if opts.AgentID != "" {
		payload["agentId"] = opts.AgentID
	}
	if opts.RunID != "" {
		payload["runId"] = opts.RunID
	}

	if err := e.vec.Insert(ctx, [][]float32{vec}, []string{id}, []map[string]any{payload}); err != nil {
		return "", fmt.Errorf("memory: insert: %w", err)
	}
	if err := e.history.Append(ctx, HistoryRecord{MemoryID: id, New: text, Action: EventAdd}); err != nil {
		e.log.Warn("memory: history append failed", zap.Error(err))
	}
	return id, nil
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Search returns scope-filtered memories ranked by similarity to the
// query, falling back to keyword overlap when no embedder is set.
func (e *Engine) Search(ctx context.Context, query string, opts Options, limit int) ([]Item, error) {
	filters, err := opts.filters()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var hits []vector.SearchResult
	if e.slot.EmbedderConfigured() {
		vec, err := e.slot.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("memory: embed query: %w", err)
		}
		hits, err = e.vec.Search(ctx, vec, limit, filters)
		if err != nil {
			return nil, err
		}
	} else {
		hits, err = e.vec.KeywordSearch(ctx, query, limit, filters)
		if err != nil {
			return nil, err
		}
	}

	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		item := itemFromPayload(hit.ID, hit.Payload)
		item.Score = hit.Score
		items = append(items, item)
	}
	return items, nil
}

// Get returns one memory by id.
func (e *Engine) Get(ctx context.Context, id string) (*Item, error) {
	hit, err := e.vec.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	item := itemFromPayload(hit.ID, hit.Payload)
	return &item, nil
}

// GetAll returns scope-filtered memories plus the total match count.
func (e *Engine) GetAll(ctx context.Context, opts Options, limit int) ([]Item, int, error) {
	filters, err := opts.filters()
	if err != nil {
		return nil, 0, err
	}
	hits, total, err := e.vec.List(ctx, filters, limit)
	if err != nil {
		return nil, 0, err
	}
	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		items = append(items, itemFromPayload(hit.ID, hit.Payload))
	}
	return items, total, nil
}

// Update rewrites a memory's text, re-embedding it and logging the
// change.
func (e *Engine) Update(ctx context.Context, id, text string) error {
	hit, err := e.vec.Get(ctx, id)
	if err != nil {
		return err
	}
	prev, _ := hit.Payload["data"].(string)

	var vec []float32
	if e.slot.EmbedderConfigured() {
		vec, err = e.slot.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("memory: embed: %w", err)
		}
	}
	payload := clonePayload(hit.Payload)
	payload["data"] = text
	payload["hash"] = contentHash(text)
	payload["updatedAt"] = time.Now().UnixMilli()
	if err := e.vec.Update(ctx, id, vec, payload); err != nil {
		return err
	}
	if err := e.history.Append(ctx, HistoryRecord{MemoryID: id, Previous: prev, New: text, Action: EventUpdate}); err != nil {
		e.log.Warn("memory: history append failed", zap.Error(err))
	}
	return nil
}

// Delete removes one memory and logs the removal.
func (e *Engine) Delete(ctx context.Context, id string) error {
	hit, err := e.vec.Get(ctx, id)
	if err != nil {
		return err
	}
	prev, _ := hit.Payload["data"].(string)
	if err := e.vec.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.history.Append(ctx, HistoryRecord{MemoryID: id, Previous: prev, Action: EventDelete, IsDeleted: true}); err != nil {
		e.log.Warn("memory: history append failed", zap.Error(err))
	}
	return nil
}

// DeleteAll removes every memory in a scope. The scope is required;
// wiping the whole collection goes through Reset.
func (e *Engine) DeleteAll(ctx context.Context, opts Options) (int, error) {
	filters, err := opts.filters()
	if err != nil {
		return 0, err
	}
	hits, _, err := e.vec.List(ctx, filters, 0)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, hit := range hits {
		if err := e.Delete(ctx, hit.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// History returns a memory's audit records, newest first.
func (e *Engine) History(ctx context.Context, memoryID string) ([]HistoryRecord, error) {
	return e.history.ByMemory(ctx, memoryID)
}

// Reset wipes the collection and the history log.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.vec.DeleteCol(ctx); err != nil {
		return err
	}
	return e.history.Reset(ctx)
}

// UpdateAIResponse attaches the assistant's reply to a stored memory,
// keeping the vector untouched. Context retrieval later pairs the two
// into a conversational snippet.
func (e *Engine) UpdateAIResponse(ctx context.Context, id, response string) error {
	hit, err := e.vec.Get(ctx, id)
	if err != nil {
		return err
	}
	payload := clonePayload(hit.Payload)
	payload["aiResponse"] = response
	payload["updatedAt"] = time.Now().UnixMilli()
	return e.vec.Update(ctx, id, nil, payload)
}
