package cascade

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/openlexica/lexicore/pkg/corpus"
	"github.com/openlexica/lexicore/pkg/fuzzy"
	"github.com/openlexica/lexicore/pkg/trie"
	"github.com/openlexica/lexicore/pkg/vecindex"
)

// hashEmbedder is a deterministic toy embedder: one bucket per character,
// L2-normalized.
type hashEmbedder struct {
	dim  int
	fail bool
}

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if h.fail {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, h.dim)
		for _, r := range text {
			v[int(r)%h.dim]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range v {
				v[j] *= scale
			}
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Dimension() int { return h.dim }

func buildEngine(t *testing.T, words []corpus.BatchItem, withVec bool) *Engine {
	t.Helper()

	store := corpus.New("test", "en")
	store.InsertBatch(words)
	vocab, err := corpus.EffectiveVocabulary(store)
	if err != nil {
		t.Fatalf("EffectiveVocabulary: %v", err)
	}

	var (
		trieEntries []trie.Entry
		candidates  []fuzzy.Candidate
	)
	for _, e := range vocab.Entries() {
		trieEntries = append(trieEntries, trie.Entry{Key: e.Normalized, ID: e.ID, Frequency: e.Frequency})
		candidates = append(candidates, fuzzy.Candidate{ID: e.ID, Normalized: e.Normalized, Frequency: e.Frequency})
	}
	trieIdx := trie.Build(trieEntries)
	matcher := fuzzy.NewMatcher(candidates, fuzzy.Options{})

	var (
		vec      *vecindex.Index
		embedder Embedder
	)
	if withVec {
		he := &hashEmbedder{dim: 32}
		texts := make([]string, len(vocab.Entries()))
		for i, e := range vocab.Entries() {
			texts[i] = e.Normalized
		}
		vectors, _ := he.Embed(context.Background(), texts)
		vec, err = vecindex.Build(vectors, vecindex.KindFlat, vecindex.Params{}, 0)
		if err != nil {
			t.Fatalf("vecindex.Build: %v", err)
		}
		embedder = he
	}

	return New(vocab, trieIdx, matcher, vec, embedder, nil)
}

var catWords = []corpus.BatchItem{
	{Surface: "cat", Language: "en", Frequency: 1.0},
	{Surface: "category", Language: "en", Frequency: 0.5},
	{Surface: "caterpillar", Language: "en", Frequency: 0.3},
}

func TestCascadeScenario(t *testing.T) {
	e := buildEngine(t, catWords, false)

	res, err := e.Search(context.Background(), "cat", Options{Method: MethodCascade, Limit: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(res.Hits))
	}

	if res.Hits[0].Surface != "cat" || res.Hits[0].Score != 1.0 || res.Hits[0].Method != MethodExact {
		t.Errorf("hit 0: %+v", res.Hits[0])
	}
	if res.Hits[1].Surface != "category" || res.Hits[1].Method != MethodPrefix {
		t.Errorf("hit 1: %+v", res.Hits[1])
	}
	if math.Abs(res.Hits[1].Score-0.9375) > 1e-9 {
		t.Errorf("hit 1 score %f", res.Hits[1].Score)
	}
	if res.Hits[2].Surface != "caterpillar" || res.Hits[2].Method != MethodPrefix {
		t.Errorf("hit 2: %+v", res.Hits[2])
	}
	for _, h := range res.Hits {
		if h.IsPhrase {
			t.Errorf("%s flagged as phrase", h.Surface)
		}
	}
}

func TestExactAlwaysFirst(t *testing.T) {
	e := buildEngine(t, catWords, false)
	res, _ := e.Search(context.Background(), "cat", Options{Method: MethodCascade, Limit: 10})
	if len(res.Hits) == 0 || res.Hits[0].Method != MethodExact {
		t.Fatalf("exact match not first: %+v", res.Hits)
	}
}

func TestScoreMonotonicity(t *testing.T) {
	e := buildEngine(t, catWords, true)
	res, err := e.Search(context.Background(), "cat", Options{Method: MethodCascade, Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := 1; i < len(res.Hits); i++ {
		if res.Hits[i].Score > res.Hits[i-1].Score {
			t.Errorf("scores increase at %d: %+v", i, res.Hits)
		}
	}
}

func TestDiacriticSurfaceRestored(t *testing.T) {
	e := buildEngine(t, []corpus.BatchItem{{Surface: "café", Language: "en", Frequency: 1.0}}, false)

	res, err := e.Search(context.Background(), "cafe", Options{Method: MethodCascade})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) == 0 {
		t.Fatal("no hits")
	}
	first := res.Hits[0]
	if first.Surface != "café" || first.Score != 1.0 || first.Method != MethodExact {
		t.Errorf("expected diacritic surface with exact score: %+v", first)
	}
}

func TestDiacriticSensitiveLookup(t *testing.T) {
	e := buildEngine(t, []corpus.BatchItem{{Surface: "café", Language: "en", Frequency: 1.0}}, false)

	res, _ := e.Search(context.Background(), "cafe", Options{Method: MethodExact, DiacriticSensitive: true})
	if len(res.Hits) != 0 {
		t.Errorf("diacritic-sensitive exact must not match a stripped query: %+v", res.Hits)
	}

	res, _ = e.Search(context.Background(), "café", Options{Method: MethodExact, DiacriticSensitive: true})
	if len(res.Hits) != 1 {
		t.Errorf("diacritic-sensitive exact must match the accented query: %+v", res.Hits)
	}
}

func TestEmptyQuery(t *testing.T) {
	e := buildEngine(t, catWords, false)
	res, err := e.Search(context.Background(), "   !!!   ", Options{Method: MethodCascade})
	if err != nil {
		t.Fatalf("empty query must not error in cascade mode: %v", err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("expected empty result, got %+v", res.Hits)
	}

	// Outside cascade mode an empty query is an error.
	if _, err := e.Search(context.Background(), "!!!", Options{Method: MethodExact}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestFuzzyMethodScenario(t *testing.T) {
	words := append([]corpus.BatchItem{}, catWords...)
	words = append(words, corpus.BatchItem{Surface: "serendipity", Language: "en", Frequency: 0.2})
	e := buildEngine(t, words, false)

	res, err := e.Search(context.Background(), "serndipity", Options{Method: MethodFuzzy, Limit: 1, MinScore: 0.7})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].Surface != "serendipity" || res.Hits[0].Method != MethodFuzzy {
		t.Fatalf("fuzzy scenario failed: %+v", res.Hits)
	}
	if res.Hits[0].Score < 0.7 {
		t.Errorf("score %f below min_score", res.Hits[0].Score)
	}
}

func TestSemanticNotReady(t *testing.T) {
	e := buildEngine(t, catWords, false)

	// Cascade mode skips the missing vector index silently.
	if _, err := e.Search(context.Background(), "cat", Options{Method: MethodCascade}); err != nil {
		t.Errorf("cascade must skip missing vector index: %v", err)
	}

	// Semantic mode surfaces it.
	_, err := e.Search(context.Background(), "cat", Options{Method: MethodSemantic})
	if !errors.Is(err, ErrVectorIndexNotReady) {
		t.Errorf("expected ErrVectorIndexNotReady, got %v", err)
	}
}

func TestSemanticSearch(t *testing.T) {
	e := buildEngine(t, catWords, true)

	res, err := e.Search(context.Background(), "cat", Options{Method: MethodSemantic, Limit: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) == 0 {
		t.Fatal("semantic search returned nothing")
	}
	if res.Hits[0].Surface != "cat" {
		t.Errorf("self-embedding should rank first: %+v", res.Hits)
	}
	for _, h := range res.Hits {
		if h.Method != MethodSemantic {
			t.Errorf("wrong method: %+v", h)
		}
	}
}

func TestEmbedderFailureSkippedInCascade(t *testing.T) {
	e := buildEngine(t, catWords, true)
	e.embed = &hashEmbedder{dim: 32, fail: true}

	res, err := e.Search(context.Background(), "cat", Options{Method: MethodCascade, Limit: 5})
	if err != nil {
		t.Fatalf("cascade must skip failing embedder: %v", err)
	}
	if len(res.Hits) == 0 {
		t.Error("lexical stages should still produce hits")
	}

	if _, err := e.Search(context.Background(), "cat", Options{Method: MethodSemantic}); err == nil {
		t.Error("semantic mode must surface the provider error")
	}
}

func TestDeterminism(t *testing.T) {
	e := buildEngine(t, catWords, true)
	opts := Options{Method: MethodCascade, Limit: 10}

	first, err := e.Search(context.Background(), "cat", opts)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := e.Search(context.Background(), "cat", opts)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestDeadlineSkipsLaterStages(t *testing.T) {
	words := append([]corpus.BatchItem{}, catWords...)
	words = append(words, corpus.BatchItem{Surface: "serendipity", Language: "en", Frequency: 0.2})
	e := buildEngine(t, words, true)

	res, err := e.Search(context.Background(), "caterpillar", Options{
		Method:   MethodCascade,
		Limit:    10,
		Deadline: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Partial {
		t.Error("expired deadline must flag a partial result")
	}
	// Exact and prefix stages still ran.
	if len(res.Hits) == 0 {
		t.Error("exact/prefix results must still be returned")
	}
}

func TestMinScoreThreshold(t *testing.T) {
	e := buildEngine(t, catWords, false)
	res, _ := e.Search(context.Background(), "cat", Options{Method: MethodCascade, Limit: 10, MinScore: 0.95})
	for _, h := range res.Hits {
		if h.Score < 0.95 {
			t.Errorf("hit below min_score survived: %+v", h)
		}
	}
}

func TestCancelledContext(t *testing.T) {
	e := buildEngine(t, catWords, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Search(ctx, "cat", Options{Method: MethodCascade}); err == nil {
		t.Error("expected context error")
	}
}

func TestEmptyCorpus(t *testing.T) {
	e := buildEngine(t, nil, false)
	res, err := e.Search(context.Background(), "anything", Options{Method: MethodCascade})
	if err != nil || len(res.Hits) != 0 {
		t.Errorf("empty corpus must return empty: %+v %v", res.Hits, err)
	}
}

func TestSemanticOnBuiltEmptyIndex(t *testing.T) {
	// A zero-row vector index is built, not missing: an explicit semantic
	// search returns empty instead of ErrVectorIndexNotReady.
	e := buildEngine(t, nil, true)

	res, err := e.Search(context.Background(), "anything", Options{Method: MethodSemantic, Limit: 5})
	if err != nil {
		t.Fatalf("semantic search on an empty built index must not error: %v", err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("expected empty result, got %+v", res.Hits)
	}
}

func TestPrefixScoreUsesRuneCounts(t *testing.T) {
	e := buildEngine(t, []corpus.BatchItem{
		{Surface: "東京", Language: "ja", Frequency: 1.0},
		{Surface: "東京tower", Language: "ja", Frequency: 0.5},
	}, false)

	res, err := e.Search(context.Background(), "東京", Options{Method: MethodCascade, Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %+v", res.Hits)
	}

	var prefixHit *Hit
	for i := range res.Hits {
		if res.Hits[i].Method == MethodPrefix {
			prefixHit = &res.Hits[i]
		}
	}
	if prefixHit == nil {
		t.Fatalf("no prefix hit: %+v", res.Hits)
	}

	// 2 runes over 7 runes; the byte ratio (6/11) would score 0.9545.
	want := 0.90 + 0.10*2.0/7.0
	if math.Abs(prefixHit.Score-want) > 1e-9 {
		t.Errorf("prefix score %f, want %f", prefixHit.Score, want)
	}
}
