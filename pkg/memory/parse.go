package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// factsEnvelope is the fact-extraction wire contract.
type factsEnvelope struct {
	Facts []string `json:"facts"`
}

// decision is one entry of the consolidation wire contract.
type decision struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory"`
}

type consolidationEnvelope struct {
	Memory []decision `json:"memory"`
}

// parseFacts extracts the {"facts": [...]} object from a model
// response, tolerating code fences and surrounding prose.
func parseFacts(raw string) ([]string, error) {
	var env factsEnvelope
	if err := decodeObject(raw, &env); err != nil {
		return nil, fmt.Errorf("memory: parse facts: %w", err)
	}
	return env.Facts, nil
}

// parseDecisions extracts the {"memory": [...]} object from a model
// response.
func parseDecisions(raw string) ([]decision, error) {
	var env consolidationEnvelope
	if err := decodeObject(raw, &env); err != nil {
		return nil, fmt.Errorf("memory: parse consolidation: %w", err)
	}
	return env.Memory, nil
}

// decodeObject unmarshals the first JSON object in raw into v, after
// stripping a markdown code fence if present.
func decodeObject(raw string, v any) error {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return fmt.Errorf("no JSON object in response")
	}
	dec := json.NewDecoder(strings.NewReader(cleaned[start:]))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
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
