package trie

import (
	"bytes"
	"testing"
)

func buildSample() *Index {
	return Build([]Entry{
		{Key: "cat", ID: 0, Frequency: 1.0},
		{Key: "category", ID: 1, Frequency: 0.5},
		{Key: "caterpillar", ID: 2, Frequency: 0.3},
		{Key: "dog", ID: 3, Frequency: 0.9},
		{Key: "chat", ID: 4, Frequency: 0.2},
		{Key: "chat", ID: 5, Frequency: 0.8}, // same form in a second language
	})
}

func TestLookupExact(t *testing.T) {
	idx := buildSample()

	postings := idx.LookupExact("cat")
	if len(postings) != 1 || postings[0].ID != 0 {
		t.Fatalf("LookupExact(cat) = %v", postings)
	}

	if idx.LookupExact("ca") != nil {
		t.Error("interior node must not be terminal")
	}
	if idx.LookupExact("zebra") != nil {
		t.Error("missing key must yield nil, not fail")
	}
}

func TestLookupExactMultiLanguagePostings(t *testing.T) {
	idx := buildSample()
	postings := idx.LookupExact("chat")
	if len(postings) != 2 {
		t.Fatalf("expected 2 postings, got %d", len(postings))
	}
	// Descending frequency: id 5 (0.8) before id 4 (0.2).
	if postings[0].ID != 5 || postings[1].ID != 4 {
		t.Errorf("postings out of order: %v", postings)
	}
}

func TestPrefixOrdering(t *testing.T) {
	idx := buildSample()

	results := idx.Prefix("cat", 10)
	want := []Result{
		{Key: "cat", ID: 0},
		{Key: "category", ID: 1},
		{Key: "caterpillar", ID: 2},
	}
	if len(results) != len(want) {
		t.Fatalf("Prefix(cat) = %v", results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result %d = %v, want %v", i, results[i], want[i])
		}
	}
}

func TestPrefixLimitTruncatesSilently(t *testing.T) {
	idx := buildSample()
	results := idx.Prefix("cat", 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Key != "cat" || results[1].Key != "category" {
		t.Errorf("unexpected truncation order: %v", results)
	}
	if idx.Prefix("cat", 0) != nil {
		t.Error("limit 0 must yield nothing")
	}
}

func TestPrefixMissing(t *testing.T) {
	idx := buildSample()
	if got := idx.Prefix("xyz", 5); got != nil {
		t.Errorf("expected nil for absent prefix, got %v", got)
	}
}

func TestBuildDeterministic(t *testing.T) {
	entries := []Entry{
		{Key: "beta", ID: 1, Frequency: 0.5},
		{Key: "alpha", ID: 0, Frequency: 1.0},
		{Key: "gamma", ID: 2, Frequency: 0.3},
	}
	a := Build(entries)

	// Same set, different input order.
	reversed := []Entry{entries[2], entries[0], entries[1]}
	b := Build(reversed)

	if !bytes.Equal(a.Serialize(), b.Serialize()) {
		t.Error("build must be deterministic regardless of input order")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	idx := buildSample()
	data := idx.Serialize()

	restored, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if restored.Len() != idx.Len() {
		t.Errorf("key count %d != %d", restored.Len(), idx.Len())
	}
	if !bytes.Equal(restored.Serialize(), data) {
		t.Error("round-trip must be byte-identical")
	}

	postings := restored.LookupExact("category")
	if len(postings) != 1 || postings[0].ID != 1 {
		t.Errorf("restored lookup broken: %v", postings)
	}
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	if _, err := Deserialize([]byte("nope")); err == nil {
		t.Error("expected error for bad magic")
	}
	if _, err := Deserialize(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := Build(nil)
	if idx.Len() != 0 {
		t.Errorf("empty build has %d keys", idx.Len())
	}
	if idx.LookupExact("anything") != nil {
		t.Error("empty index must miss")
	}
	if idx.Prefix("a", 10) != nil {
		t.Error("empty index must yield no prefixes")
	}

	restored, err := Deserialize(idx.Serialize())
	if err != nil || restored.Len() != 0 {
		t.Errorf("empty round-trip failed: %v", err)
	}
}
