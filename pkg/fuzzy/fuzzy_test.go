package fuzzy

import (
	"fmt"
	"math/rand"
	"testing"
)

func sampleMatcher() *Matcher {
	return NewMatcher([]Candidate{
		{ID: 0, Normalized: "cat", Frequency: 1.0},
		{ID: 1, Normalized: "category", Frequency: 0.5},
		{ID: 2, Normalized: "dog", Frequency: 0.9},
		{ID: 3, Normalized: "serendipity", Frequency: 0.1},
		{ID: 4, Normalized: "close in", Frequency: 0.2},
	}, Options{})
}

func TestSearchExactMatchScoresFull(t *testing.T) {
	m := sampleMatcher()
	matches, degraded := m.Search("cat", 5, 0)
	if degraded {
		t.Error("unexpected degradation")
	}
	if len(matches) == 0 || matches[0].ID != 0 {
		t.Fatalf("expected cat first, got %v", matches)
	}
	if matches[0].Score != 100 {
		t.Errorf("exact equality must score 100, got %f", matches[0].Score)
	}
}

func TestSearchTypo(t *testing.T) {
	m := sampleMatcher()
	matches, _ := m.Search("serndipity", 1, 70)
	if len(matches) != 1 || matches[0].ID != 3 {
		t.Fatalf("expected serendipity, got %v", matches)
	}
	if matches[0].Score < 70 {
		t.Errorf("score %f below threshold", matches[0].Score)
	}
}

func TestSearchTypoAmongNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	candidates := make([]Candidate, 0, 1001)
	seen := map[string]bool{}
	for len(candidates) < 1000 {
		word := make([]byte, 5)
		for i := range word {
			word[i] = byte('a' + rng.Intn(26))
		}
		w := string(word)
		if seen[w] {
			continue
		}
		seen[w] = true
		candidates = append(candidates, Candidate{ID: uint32(len(candidates)), Normalized: w, Frequency: 1})
	}
	candidates = append(candidates, Candidate{ID: 1000, Normalized: "serendipity", Frequency: 0.5})

	m := NewMatcher(candidates, Options{})
	matches, _ := m.Search("serndipity", 1, 70)
	if len(matches) != 1 || matches[0].ID != 1000 {
		t.Fatalf("expected serendipity to win, got %v", matches)
	}
}

// Candidate pre-selection must never omit a zero-edit match, even for
// multi-token phrases whose bigram signature a pathological query shares
// poorly. This pins down the "en coulisse" regression.
func TestPreselectionIncludesZeroEditMatch(t *testing.T) {
	m := NewMatcher([]Candidate{
		{ID: 0, Normalized: "en coulisse", Frequency: 0.1},
		{ID: 1, Normalized: "close in", Frequency: 5.0},
	}, Options{})

	matches, _ := m.Search("en coulisse", 10, 0)
	if len(matches) == 0 {
		t.Fatal("no matches")
	}
	if matches[0].ID != 0 || matches[0].Score != 100 {
		t.Errorf("zero-edit match must rank first with full score, got %v", matches)
	}
}

func TestSearchDeterministicTieBreak(t *testing.T) {
	m := NewMatcher([]Candidate{
		{ID: 7, Normalized: "abcd", Frequency: 1},
		{ID: 3, Normalized: "abcd", Frequency: 1}, // same form, different language entry
	}, Options{})

	for i := 0; i < 5; i++ {
		matches, _ := m.Search("abcd", 10, 0)
		if len(matches) != 2 || matches[0].ID != 3 || matches[1].ID != 7 {
			t.Fatalf("run %d: non-deterministic tie-break: %v", i, matches)
		}
	}
}

func TestDegradationTruncatesByFrequency(t *testing.T) {
	candidates := make([]Candidate, 50)
	for i := range candidates {
		candidates[i] = Candidate{
			ID:         uint32(i),
			Normalized: fmt.Sprintf("ab%02d", i),
			Frequency:  float32(i),
		}
	}
	m := NewMatcher(candidates, Options{MaxCandidates: 10})

	matches, degraded := m.Search("ab00", 50, 0)
	if !degraded {
		t.Fatal("expected soft degradation")
	}
	if len(matches) > 10 {
		t.Errorf("expected at most 10 scored candidates, got %d", len(matches))
	}
	// Highest-frequency candidates survive truncation.
	found := false
	for _, match := range matches {
		if match.ID == 49 {
			found = true
		}
	}
	if !found {
		t.Error("most frequent candidate dropped by truncation")
	}
}

func TestQueryLongerThanAnyEntry(t *testing.T) {
	m := sampleMatcher()
	matches, _ := m.Search("anextremelylongquerythatmatchesnothingatall", 5, 10)
	if len(matches) != 0 {
		t.Errorf("expected empty result, got %v", matches)
	}
}

func TestSingleRuneQueryUsesLetterBucket(t *testing.T) {
	m := NewMatcher([]Candidate{
		{ID: 0, Normalized: "a", Frequency: 1},
		{ID: 1, Normalized: "an", Frequency: 1},
		{ID: 2, Normalized: "zzz", Frequency: 1},
	}, Options{})

	matches, _ := m.Search("a", 10, 0)
	if len(matches) == 0 || matches[0].ID != 0 {
		t.Fatalf("expected exact single-rune hit first, got %v", matches)
	}
	for _, match := range matches {
		if match.ID == 2 {
			t.Error("letter bucket leaked an unrelated candidate")
		}
	}
}

func TestDamerauDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "acb", 1}, // transposition
		{"kitten", "sitting", 3},
		{"ca", "abc", 3}, // OSA, not unrestricted Damerau
	}
	for _, tt := range tests {
		got := damerauDistance([]rune(tt.a), []rune(tt.b))
		if got != tt.want {
			t.Errorf("damerauDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	if got := jaccard([]string{"hot", "dog"}, []string{"dog", "hot"}); got != 1.0 {
		t.Errorf("identical token sets: %f", got)
	}
	if got := jaccard([]string{"hot", "dog"}, []string{"hot", "cat"}); got != 1.0/3.0 {
		t.Errorf("partial overlap: %f", got)
	}
	if got := jaccard(nil, []string{"x"}); got != 0.0 {
		t.Errorf("empty vs non-empty: %f", got)
	}
}

func TestPrefixBonus(t *testing.T) {
	if got := prefixBonus("cat", "category"); got != 1.0 {
		t.Errorf("full query prefix: %f", got)
	}
	if got := prefixBonus("serndipity", "serendipity"); got != 0.3 {
		t.Errorf("partial prefix: %f", got)
	}
	if got := prefixBonus("xyz", "abc"); got != 0.0 {
		t.Errorf("no prefix: %f", got)
	}
}
