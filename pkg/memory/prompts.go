package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// factExtractionPrompt asks the model for atomic third-person facts
// about the user. The contract is a bare JSON object so the response
// survives the strict parser.
const factExtractionPrompt = `You are a personal information organizer. Extract facts worth remembering about the user from the conversation below: preferences, plans, relationships, important details of their life.

Rules:
- Each fact is one atomic, self-contained statement in the third person.
- Only record information stated by or clearly about the user.
- Do not record meta-conversation ("the user asked a question").
- Return ONLY a JSON object of the form {"facts": ["fact 1", "fact 2"]}.
- Return {"facts": []} if there is nothing worth remembering.`

// consolidationPrompt asks the model to reconcile new facts with the
// existing memories. Existing memories are presented with small
// integer ids only.
const consolidationPrompt = `You manage a memory store. Compare the new facts with the existing memories and decide, for each, what to do:

- ADD: the fact is new. Use a fresh id not present in the existing list.
- UPDATE: an existing memory should be rewritten to incorporate the fact. Use that memory's id and include the old text as "old_memory".
- DELETE: an existing memory is contradicted and must go. Use its id.
- NONE: the fact is already captured exactly. Use the matching memory's id.

Return ONLY a JSON object of the form:
{"memory": [{"id": "0", "text": "...", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "..."}]}`

// existingMemory is the relabeled view of a stored item shown to the
// consolidation model.
type existingMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// buildExtractionInput renders a transcript plus optional retrieved
// context for the fact-extraction call.
func buildExtractionInput(messages []Message, context string) string {
	var b strings.Builder
	if context != "" {
		b.WriteString("Related earlier exchanges:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// buildConsolidationInput renders the relabeled existing memories and
// the new facts for the consolidation call.
func buildConsolidationInput(existing []existingMemory, facts []string) string {
	existingJSON, _ := json.MarshalIndent(existing, "", "  ")
	factsJSON, _ := json.Marshal(facts)
	var b strings.Builder
	b.WriteString("Existing memories:\n")
	b.Write(existingJSON)
	b.WriteString("\n\nNew facts:\n")
	b.Write(factsJSON)
	return b.String()
}
