// Package memory provides long-term conversational memory: facts
// extracted from chat turns, consolidated against existing memories,
// and stored as searchable embeddings.
package memory

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
)

// Event is a consolidation decision.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// ErrNoScope is returned when an operation arrives without any of the
// identity filters that make a memory addressable.
var ErrNoScope = errors.New("memory: at least one of userId, agentId or runId is required")

// Message is one conversation turn fed to Add.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options scopes an operation to an owner and carries extra payload
// metadata. At least one identity field must be set.
type Options struct {
	UserID  string
	AgentID string
	RunID   string
	// Metadata is merged into each stored item's payload.
	Metadata map[string]any
	// SkipInference stores messages verbatim, bypassing fact
	// extraction and consolidation.
	SkipInference bool
	// MultiRound mines the whole transcript instead of only
	// user-authored turns.
	MultiRound bool
}

// filters returns the exact-match payload filters for the scope, or
// ErrNoScope when empty.
func (o Options) filters() (map[string]any, error) {
	f := make(map[string]any, 3)
	if o.UserID != "" {
		f["userId"] = o.UserID
	}
	if o.AgentID != "" {
		f["agentId"] = o.AgentID
	}
	if o.RunID != "" {
		f["runId"] = o.RunID
	}
	if len(f) == 0 {
		return nil, ErrNoScope
	}
	return f, nil
}

// Item is one stored memory.
type Item struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	Hash      string         `json:"hash,omitempty"`
	Score     float64        `json:"score,omitempty"`
	CreatedAt int64          `json:"createdAt,omitempty"`
	UpdatedAt int64          `json:"updatedAt,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is Add's report of one consolidation decision.
type Result struct {
	ID             string `json:"id"`
	Memory         string `json:"memory"`
	Event          Event  `json:"event"`
	PreviousMemory string `json:"previousMemory,omitempty"`
}

// reservedKeys are payload fields owned by the engine; everything
// else surfaces as Item.Metadata.
var reservedKeys = map[string]bool{
	"userId":     true,
	"agentId":    true,
	"runId":      true,
	"hash":       true,
	"data":       true,
	"createdAt":  true,
	"updatedAt":  true,
	"aiResponse": true,
}

// itemFromPayload reconstructs an Item from a stored payload.
func itemFromPayload(id string, payload map[string]any) Item {
	item := Item{ID: id}
	if v, ok := payload["data"].(string); ok {
		item.Memory = v
	}
	if v, ok := payload["hash"].(string); ok {
		item.Hash = v
	}
	if v, ok := payload["userId"].(string); ok {
		item.UserID = v
	}
	if v, ok := payload["agentId"].(string); ok {
		item.AgentID = v
	}
	if v, ok := payload["runId"].(string); ok {
		item.RunID = v
	}
	item.CreatedAt = asInt64(payload["createdAt"])
	item.UpdatedAt = asInt64(payload["updatedAt"])
	for k, v := range payload {
		if reservedKeys[k] {
			continue
		}
		if item.Metadata == nil {
			item.Metadata = make(map[string]any)
		}
		item.Metadata[k] = v
	}
	return item
}

// asInt64 coerces the numeric forms a JSON round trip can produce.
func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

// contentHash fingerprints a memory's text for idempotence checks.
func contentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
