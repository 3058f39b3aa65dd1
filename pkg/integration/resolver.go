package integration

import (
	"strings"

	"github.com/coregx/ahocorasick"
	"github.com/google/uuid"

	"github.com/nodest/memtable/internal/store"
)

// resolver maps the sheet references a model emits (uids, names,
// decorated names, names buried in longer strings) onto sheet uids.
type resolver struct {
	byUID   map[string]bool
	byName  map[string]string // exact name -> uid
	byLower map[string]string // lowercased name -> uid
	ac      *ahocorasick.Automaton
	uids    []string // pattern index -> uid
}

func newResolver(sheets []*store.Sheet) (*resolver, error) {
	r := &resolver{
		byUID:   make(map[string]bool, len(sheets)),
		byName:  make(map[string]string, len(sheets)),
		byLower: make(map[string]string, len(sheets)),
	}
	var patterns []string
	for _, s := range sheets {
		r.byUID[s.UID] = true
		r.byName[s.Name] = s.UID
		lower := strings.ToLower(s.Name)
		if _, taken := r.byLower[lower]; !taken {
			r.byLower[lower] = s.UID
			patterns = append(patterns, lower)
			r.uids = append(r.uids, s.UID)
		}
	}
	if len(patterns) == 0 {
		return r, nil
	}
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	r.ac = ac
	return r, nil
}

// resolve returns the uid for a sheet reference, or "" when nothing
// matches. Matching order: known uid, exact name, case-insensitive
// name, then longest sheet name occurring inside the reference.
func (r *resolver) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if r.byUID[ref] {
		return ref
	}
	// A uid-shaped reference to an unknown sheet is passed through as
	// is; the manager reports the missing sheet.
	if _, err := uuid.Parse(ref); err == nil {
		return ref
	}
	if uid, ok := r.byName[ref]; ok {
		return uid
	}
	if uid, ok := r.byLower[strings.ToLower(ref)]; ok {
		return uid
	}
	if r.ac == nil {
		return ""
	}

	matches := r.ac.FindAllOverlapping([]byte(strings.ToLower(ref)))
	best := -1
	bestLen := 0
	for _, m := range matches {
		if n := m.End - m.Start; n > bestLen {
			bestLen = n
			best = m.PatternID
		}
	}
	if best < 0 || best >= len(r.uids) {
		return ""
	}
	return r.uids[best]
}
