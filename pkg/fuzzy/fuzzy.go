// Package fuzzy implements approximate matching over the normalized
// vocabulary. Matching is two-stage: a bounded candidate pre-selection
// followed by weighted similarity scoring.
//
// Pre-selection strategy: character-bigram signature intersection combined
// with a length-window filter (|len(q)-len(c)| <= max(2, ceil(0.3*len(q)))),
// unioned with exact normalized equality so a zero-edit match can never be
// dropped. Single-rune queries fall back to a first-letter bucket. The
// candidate set is deterministic for identical inputs.
package fuzzy

import (
	"sort"
	"strings"
)

// DefaultMaxCandidates caps the pre-selection output before scoring.
const DefaultMaxCandidates = 10000

// Candidate is one vocabulary entry visible to the matcher.
type Candidate struct {
	ID         uint32
	Normalized string
	Frequency  float32
}

// Match is one scored result. Score is in [0, 100].
type Match struct {
	ID    uint32
	Score float64
}

// Options configures a Matcher.
type Options struct {
	// MaxCandidates truncates the pre-selection output; 0 means
	// DefaultMaxCandidates.
	MaxCandidates int
}

// Matcher holds the immutable pre-selection structures for one vocabulary
// version.
type Matcher struct {
	entries []Candidate // indexed by position, sorted by id
	byKey   map[string][]int
	bigrams map[string][]int
	letters map[rune][]int
	maxCand int
}

// NewMatcher builds a matcher over the given candidates.
func NewMatcher(candidates []Candidate, opts Options) *Matcher {
	maxCand := opts.MaxCandidates
	if maxCand <= 0 {
		maxCand = DefaultMaxCandidates
	}

	entries := make([]Candidate, len(candidates))
	copy(entries, candidates)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	m := &Matcher{
		entries: entries,
		byKey:   make(map[string][]int),
		bigrams: make(map[string][]int),
		letters: make(map[rune][]int),
		maxCand: maxCand,
	}
	for i, c := range entries {
		m.byKey[c.Normalized] = append(m.byKey[c.Normalized], i)
		for bg := range bigramSet(c.Normalized) {
			m.bigrams[bg] = append(m.bigrams[bg], i)
		}
		for _, r := range c.Normalized {
			m.letters[r] = append(m.letters[r], i)
			break
		}
	}
	return m
}

// Search scores candidates for a normalized query and returns matches with
// score >= minScore, sorted by descending score then ascending id, truncated
// to limit. The second return value reports soft degradation: the
// pre-selection exceeded the candidate cap and was truncated by frequency.
func (m *Matcher) Search(query string, limit int, minScore float64) ([]Match, bool) {
	if query == "" || limit <= 0 {
		return nil, false
	}

	positions, degraded := m.preselect(query)

	queryTokens := strings.Fields(query)
	matches := make([]Match, 0, len(positions))
	for _, pos := range positions {
		c := m.entries[pos]
		score := scoreCandidate(query, queryTokens, c.Normalized)
		if score >= minScore {
			matches = append(matches, Match{ID: c.ID, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, degraded
}

// preselect returns candidate positions in ascending order. Runs in time
// bounded by the total posting-list length for the query's bigrams,
// independent of query pathology.
func (m *Matcher) preselect(query string) ([]int, bool) {
	window := lengthWindow(len(query))

	seen := make(map[int]bool)
	var positions []int
	add := func(pos int) {
		if !seen[pos] {
			seen[pos] = true
			positions = append(positions, pos)
		}
	}

	// Zero-edit matches are always candidates, regardless of signature
	// overlap. This is what rules out dropping an exact-equality match.
	for _, pos := range m.byKey[query] {
		add(pos)
	}

	qBigrams := bigramSet(query)
	if len(qBigrams) == 0 {
		// Single-rune query: first-letter bucket.
		for _, r := range query {
			for _, pos := range m.letters[r] {
				if inWindow(len(m.entries[pos].Normalized), len(query), window) {
					add(pos)
				}
			}
			break
		}
	} else {
		for bg := range qBigrams {
			for _, pos := range m.bigrams[bg] {
				if inWindow(len(m.entries[pos].Normalized), len(query), window) {
					add(pos)
				}
			}
		}
	}

	sort.Ints(positions)

	if len(positions) > m.maxCand {
		// Soft degradation: keep the most frequent candidates.
		sort.SliceStable(positions, func(i, j int) bool {
			fi, fj := m.entries[positions[i]].Frequency, m.entries[positions[j]].Frequency
			if fi != fj {
				return fi > fj
			}
			return positions[i] < positions[j]
		})
		positions = positions[:m.maxCand]
		sort.Ints(positions)
		return positions, true
	}
	return positions, false
}

func lengthWindow(n int) int {
	w := (3*n + 9) / 10 // ceil(0.3*n)
	if w < 2 {
		w = 2
	}
	return w
}

func inWindow(lenC, lenQ, window int) bool {
	d := lenC - lenQ
	if d < 0 {
		d = -d
	}
	return d <= window
}

func bigramSet(s string) map[string]struct{} {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil
	}
	set := make(map[string]struct{}, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// scoreCandidate blends three signals into [0, 100]: normalized
// Damerau-Levenshtein similarity (0.6), token-set Jaccard (0.2) and a
// prefix-match bonus (0.2). When both sides are a single token the Jaccard
// term degrades to all-or-nothing, so it is computed over character bigrams
// instead.
func scoreCandidate(query string, queryTokens []string, candidate string) float64 {
	candTokens := strings.Fields(candidate)

	var jac float64
	if len(queryTokens) <= 1 && len(candTokens) <= 1 {
		jac = bigramJaccard(query, candidate)
	} else {
		jac = jaccard(queryTokens, candTokens)
	}

	sim := damerauSimilarity(query, candidate)
	pre := prefixBonus(query, candidate)
	return 100 * (0.6*sim + 0.2*jac + 0.2*pre)
}

func bigramJaccard(a, b string) float64 {
	sa, sb := bigramSet(a), bigramSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		if a == b {
			return 1.0
		}
		return 0.0
	}
	inter := 0
	for bg := range sa {
		if _, ok := sb[bg]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

// damerauSimilarity is 1 - dist/maxLen using the optimal string alignment
// variant of Damerau-Levenshtein distance over runes.
func damerauSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(damerauDistance(ra, rb))/float64(maxLen)
}

func damerauDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev2 := make([]int, len(b)+1)
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost

			best := del
			if ins < best {
				best = ins
			}
			if sub < best {
				best = sub
			}
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				if tr := prev2[j-2] + 1; tr < best {
					best = tr
				}
			}
			cur[j] = best
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(b)]
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// prefixBonus rewards a shared prefix, proportional to the query length.
func prefixBonus(query, candidate string) float64 {
	rq, rc := []rune(query), []rune(candidate)
	if len(rq) == 0 {
		return 0.0
	}
	n := len(rq)
	if len(rc) < n {
		n = len(rc)
	}
	common := 0
	for i := 0; i < n; i++ {
		if rq[i] != rc[i] {
			break
		}
		common++
	}
	return float64(common) / float64(len(rq))
}
