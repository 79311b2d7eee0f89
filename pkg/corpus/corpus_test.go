package corpus

import (
	"sync"
	"testing"
)

func TestInsertAssignsDenseIDs(t *testing.T) {
	s := New("base", "en")

	words := []string{"cat", "dog", "bird"}
	for i, w := range words {
		id, created := s.Insert(w, "en", 1.0)
		if !created {
			t.Fatalf("expected %q to be new", w)
		}
		if id != uint32(i) {
			t.Errorf("expected id %d for %q, got %d", i, w, id)
		}
	}
	if s.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", s.Len())
	}
}

func TestInsertDuplicateSumsFrequency(t *testing.T) {
	s := New("base", "en")

	first, _ := s.Insert("Café", "en", 1.0)
	second, created := s.Insert("cafe", "en", 0.5)

	if created {
		t.Error("duplicate (normalized, lang) should not create a new entry")
	}
	if first != second {
		t.Errorf("duplicate insert returned id %d, want %d", second, first)
	}

	e, _ := s.Get(first)
	if e.Frequency != 1.5 {
		t.Errorf("expected summed frequency 1.5, got %f", e.Frequency)
	}
	if e.Surface != "Café" {
		t.Errorf("first surface should win, got %q", e.Surface)
	}
}

func TestSameNormalizedDifferentLanguage(t *testing.T) {
	s := New("base", "en")
	a, _ := s.Insert("chat", "en", 1.0)
	b, createdB := s.Insert("chat", "fr", 1.0)
	if !createdB || a == b {
		t.Error("same normalized form in a different language must be a distinct entry")
	}
}

func TestHashChangesWithVocabOnly(t *testing.T) {
	a := New("a", "en")
	b := New("b", "en")

	a.Insert("cat", "en", 1.0)
	b.Insert("CAT!", "en", 9.0) // same normalized pair, different surface and freq

	if a.Hash() != b.Hash() {
		t.Error("hash must depend only on (normalized, lang) pairs")
	}

	before := a.Hash()
	a.Insert("dog", "en", 1.0)
	if a.Hash() == before {
		t.Error("hash must change when the pair set changes")
	}

	// Frequency-only updates keep the hash.
	before = a.Hash()
	a.Insert("cat", "en", 2.0)
	if a.Hash() != before {
		t.Error("hash must not change on a frequency-only update")
	}
}

func TestHashInsertionOrderIndependent(t *testing.T) {
	a := New("a", "en")
	b := New("b", "en")
	a.Insert("cat", "en", 1)
	a.Insert("dog", "en", 1)
	b.Insert("dog", "en", 1)
	b.Insert("cat", "en", 1)
	if a.Hash() != b.Hash() {
		t.Error("hash must be insertion-order independent")
	}
}

func TestIterationOrderIsInsertionOrder(t *testing.T) {
	s := New("base", "en")
	words := []string{"zebra", "apple", "mango"}
	for _, w := range words {
		s.Insert(w, "en", 1.0)
	}
	for i, e := range s.Entries() {
		if e.Surface != words[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Surface, words[i])
		}
	}
}

func TestPhraseDetection(t *testing.T) {
	s := New("base", "en")
	id, _ := s.Insert("hot dog", "en", 1.0)
	e, _ := s.Get(id)
	if !e.IsPhrase {
		t.Error("entry with interior space must be a phrase")
	}
}

func TestConcurrentInsertAndRead(t *testing.T) {
	s := New("base", "en")
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Insert(string(rune('a'+i%26))+string(rune('a'+i/26)), "en", 1.0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Len()
			for _, e := range s.Entries() {
				_ = e.Normalized
			}
		}
	}()
	wg.Wait()
}

func TestEffectiveVocabularyUnion(t *testing.T) {
	parent := New("parent", "en")
	parent.Insert("cat", "en", 1.0)
	parent.Insert("dog", "en", 1.0)

	child := New("child", "en", parent)
	child.Insert("cat", "en", 0.5) // collides with parent
	child.Insert("bird", "en", 1.0)

	v, err := EffectiveVocabulary(child)
	if err != nil {
		t.Fatalf("EffectiveVocabulary: %v", err)
	}
	if v.Len() != 3 {
		t.Fatalf("expected union of 3, got %d", v.Len())
	}

	id, ok := v.Contains("cat", "en")
	if !ok {
		t.Fatal("cat missing from effective vocabulary")
	}
	e, _ := v.Get(id)
	if e.Frequency != 1.5 {
		t.Errorf("colliding frequencies must be summed, got %f", e.Frequency)
	}
}

func TestEffectiveVocabularyHashFollowsAncestors(t *testing.T) {
	parent := New("parent", "en")
	parent.Insert("cat", "en", 1.0)
	child := New("child", "en", parent)
	child.Insert("bird", "en", 1.0)

	v1, _ := EffectiveVocabulary(child)
	parent.Insert("dog", "en", 1.0)
	v2, _ := EffectiveVocabulary(child)

	if v1.Hash() == v2.Hash() {
		t.Error("ancestor change must change the child's effective hash")
	}
}

func TestCorpusCycleDetected(t *testing.T) {
	a := New("a", "en")
	b := New("b", "en", a)
	// Close the loop.
	a.parents = append(a.parents, b)

	if _, err := EffectiveVocabulary(a); err != ErrCorpusCycle {
		t.Errorf("expected ErrCorpusCycle, got %v", err)
	}
}

func TestDiamondHierarchyIsNotACycle(t *testing.T) {
	base := New("base", "en")
	base.Insert("cat", "en", 1.0)
	left := New("left", "en", base)
	right := New("right", "en", base)
	leaf := New("leaf", "en", left, right)

	v, err := EffectiveVocabulary(leaf)
	if err != nil {
		t.Fatalf("diamond hierarchy must not be a cycle: %v", err)
	}
	id, _ := v.Contains("cat", "en")
	e, _ := v.Get(id)
	if e.Frequency != 1.0 {
		t.Errorf("shared ancestor visited twice: frequency %f", e.Frequency)
	}
}

func TestIDsForSpansLanguages(t *testing.T) {
	s := New("base", "en")
	s.Insert("chat", "en", 1.0)
	s.Insert("chat", "fr", 1.0)
	v, _ := EffectiveVocabulary(s)

	ids := v.IDsFor("chat")
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids across languages, got %d", len(ids))
	}
	if ids[0] >= ids[1] {
		t.Error("ids must be ascending")
	}
}
