package vector

import (
	"sort"
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var englishStopwords = stopwords.MustGet("en")

// contentWords lowercases, splits on non-letter/digit runes, and
// drops stopwords and single characters.
func contentWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) < 2 {
			continue
		}
		if englishStopwords.Contains(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// keywordScore is the fraction of query content words present in the
// item's text. 0 when the query has no content words.
func keywordScore(queryWords []string, text string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	itemWords := make(map[string]bool)
	for _, w := range contentWords(text) {
		itemWords[w] = true
	}
	hits := 0
	for _, w := range queryWords {
		if itemWords[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}

// rankByKeywords scores candidates against the query text using the
// payload "data" field and returns the top matches, best first. Items
// with zero score are dropped.
func rankByKeywords(query string, candidates []SearchResult, limit int) []SearchResult {
	words := contentWords(query)

	var out []SearchResult
	for _, c := range candidates {
		text, _ := c.Payload["data"].(string)
		score := keywordScore(words, text)
		if score <= 0 {
			continue
		}
		c.Score = score
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
