// Package normalize implements query and vocabulary normalization: NFKD
// decomposition, combining-mark removal, casefolding and whitespace collapse,
// plus the reverse map from normalized forms back to their original surface
// spellings.
package normalize

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// stripMarks removes combining marks left behind by NFKD decomposition.
	stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

	folder   = cases.Fold()
	folderMu sync.Mutex
)

// Normalize applies the full pipeline: NFKD, combining-mark removal,
// casefold, collapse of non-letter/digit runs to a single space, trim.
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	decomposed, _, err := transform.String(stripMarks, s)
	if err != nil {
		// transform only fails on malformed UTF-8; fall back to the raw
		// string so the collapse step still applies.
		decomposed = s
	}
	return collapse(fold(decomposed))
}

// NormalizePreservingDiacritics is the variant for diacritic-sensitive
// lookup: it composes with NFC instead of decomposing with NFKD and removing
// marks, then casefolds and collapses like Normalize, so precomposed
// accented letters survive. Compatibility forms such as ligatures are not
// expanded.
func NormalizePreservingDiacritics(s string) string {
	composed := norm.NFC.String(s)
	return collapse(fold(composed))
}

func fold(s string) string {
	// cases.Caser is stateful and not safe for concurrent use.
	folderMu.Lock()
	defer folderMu.Unlock()
	return folder.String(s)
}

// collapse replaces every run of non-letter/digit runes with a single space
// and trims the ends.
func collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		} else {
			space = true
		}
	}
	return b.String()
}

// IsPhrase reports whether a normalized form contains an interior space.
func IsPhrase(normalized string) bool {
	return strings.ContainsRune(normalized, ' ')
}

// ReverseMap tracks, for each normalized form, the surface forms that
// produced it in insertion order. The first-inserted surface form wins on
// output.
type ReverseMap struct {
	mu       sync.RWMutex
	surfaces map[string][]string
}

// NewReverseMap creates an empty reverse map.
func NewReverseMap() *ReverseMap {
	return &ReverseMap{surfaces: make(map[string][]string)}
}

// Record associates a surface form with its normalized form. Duplicate
// surfaces for the same normalized form are ignored.
func (m *ReverseMap) Record(normalized, surface string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.surfaces[normalized] {
		if existing == surface {
			return
		}
	}
	m.surfaces[normalized] = append(m.surfaces[normalized], surface)
}

// First returns the first-inserted surface form for a normalized form, or
// the normalized form itself when nothing was recorded.
func (m *ReverseMap) First(normalized string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if forms := m.surfaces[normalized]; len(forms) > 0 {
		return forms[0]
	}
	return normalized
}

// All returns every surface form recorded for a normalized form, in
// insertion order.
func (m *ReverseMap) All(normalized string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	forms := m.surfaces[normalized]
	out := make([]string, len(forms))
	copy(out, forms)
	return out
}

// Len returns the number of distinct normalized forms recorded.
func (m *ReverseMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.surfaces)
}
