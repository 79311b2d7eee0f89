// Package cascade implements the retrieval cascade: exact, prefix, fuzzy
// and semantic stages over one pinned corpus version, with cross-stage
// deduplication, deterministic ordering and deadline handling.
package cascade

import (
	"context"
	"errors"
	"sort"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/openlexica/lexicore/pkg/corpus"
	"github.com/openlexica/lexicore/pkg/fuzzy"
	"github.com/openlexica/lexicore/pkg/normalize"
	"github.com/openlexica/lexicore/pkg/trie"
	"github.com/openlexica/lexicore/pkg/vecindex"
)

// Method selects a search strategy.
type Method string

// The supported methods.
const (
	MethodExact    Method = "exact"
	MethodPrefix   Method = "prefix"
	MethodFuzzy    Method = "fuzzy"
	MethodSemantic Method = "semantic"
	MethodCascade  Method = "cascade"
)

// DefaultLimit bounds result counts when the caller passes none.
const DefaultLimit = 10

// ErrVectorIndexNotReady is returned when method "semantic" is requested
// before a vector index is built. In cascade mode the semantic stage is
// skipped silently instead.
var ErrVectorIndexNotReady = errors.New("cascade: vector index not ready")

// ErrEmptyQuery is returned when a single-method search normalizes to an
// empty query. Cascade mode returns an empty result instead.
var ErrEmptyQuery = errors.New("cascade: empty query")

// Embedder turns query text into an L2-normalized vector. The cascade does
// not normalize the returned vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Hit is one search result.
type Hit struct {
	ID       uint32
	Surface  string
	Score    float64
	Method   Method
	IsPhrase bool
}

// Options control a single search call.
type Options struct {
	Method             Method
	Limit              int
	MinScore           float64
	DiacriticSensitive bool
	NProbe             int
	// Deadline bounds the call; the fuzzy and semantic stages are skipped
	// once it passes, and Result.Partial is set.
	Deadline time.Time
	// EmbedderErrorFails surfaces embedding-provider failures instead of
	// skipping the semantic stage (always surfaced for method "semantic").
	EmbedderErrorFails bool
}

// Result is a ranked result list. Partial reports that the deadline cut the
// cascade short; Degraded reports fuzzy candidate truncation.
type Result struct {
	Hits     []Hit
	Partial  bool
	Degraded bool
}

// Engine runs searches over one immutable snapshot of the corpus version
// and its indices. Engines are cheap views; build a new one after an index
// rebuild and publish it atomically.
type Engine struct {
	vocab   *corpus.Vocabulary
	trie    *trie.Index
	matcher *fuzzy.Matcher
	vec     *vecindex.Index
	embed   Embedder
	logger  *zap.Logger
}

// New assembles an engine. vec and embed may be nil; the semantic stage
// then reports ErrVectorIndexNotReady.
func New(vocab *corpus.Vocabulary, trieIdx *trie.Index, matcher *fuzzy.Matcher, vec *vecindex.Index, embed Embedder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		vocab:   vocab,
		trie:    trieIdx,
		matcher: matcher,
		vec:     vec,
		embed:   embed,
		logger:  logger,
	}
}

// methodPriority orders methods for merge and tie-breaks; lower is better.
func methodPriority(m Method) int {
	switch m {
	case MethodExact:
		return 0
	case MethodPrefix:
		return 1
	case MethodFuzzy:
		return 2
	default:
		return 3
	}
}

type candidate struct {
	score  float64
	method Method
}

// Search runs the cascade for a surface query. An empty post-normalization
// query yields an empty result without error in cascade mode and
// ErrEmptyQuery for any single method.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Method == "" {
		opts.Method = MethodCascade
	}

	normalized := normalize.Normalize(query)
	if normalized == "" {
		if opts.Method != MethodCascade {
			return Result{}, ErrEmptyQuery
		}
		return Result{}, nil
	}

	var res Result
	merged := make(map[uint32]candidate)

	runs := func(m Method) bool {
		return opts.Method == m || opts.Method == MethodCascade
	}

	// Exact stage.
	haveExact := false
	if runs(MethodExact) {
		for _, posting := range e.exactPostings(query, normalized, opts.DiacriticSensitive) {
			merge(merged, posting, 1.0, MethodExact)
			haveExact = true
		}
	}
	// With enough exact matches, the cascade stops here; otherwise later
	// stages fill up to the limit with scores capped below exact.
	if opts.Method == MethodCascade && haveExact && len(merged) >= opts.Limit {
		return e.finish(ctx, merged, opts, res)
	}
	cap99 := haveExact && opts.Method == MethodCascade

	// Prefix stage.
	if runs(MethodPrefix) {
		queryRunes := utf8.RuneCountInString(normalized)
		for _, r := range e.trie.Prefix(normalized, opts.Limit) {
			score := 0.90 + 0.10*float64(queryRunes)/float64(utf8.RuneCountInString(r.Key))
			merge(merged, r.ID, capScore(score, cap99), MethodPrefix)
		}
	}

	// Fuzzy stage.
	if runs(MethodFuzzy) && len(merged) < opts.Limit {
		if deadlinePassed(opts.Deadline) {
			res.Partial = true
			return e.finish(ctx, merged, opts, res)
		}
		remaining := opts.Limit - len(merged)
		matches, degraded := e.matcher.Search(normalized, remaining, opts.MinScore*100)
		if degraded {
			res.Degraded = true
			e.logger.Warn("cascade: fuzzy candidate set truncated", zap.String("query", normalized))
		}
		for _, m := range matches {
			merge(merged, m.ID, capScore(m.Score/100, cap99), MethodFuzzy)
		}
	}

	// Semantic stage.
	if runs(MethodSemantic) {
		if deadlinePassed(opts.Deadline) {
			res.Partial = true
			return e.finish(ctx, merged, opts, res)
		}
		if err := e.semanticStage(ctx, normalized, opts, cap99, merged); err != nil {
			if opts.Method == MethodSemantic || (opts.EmbedderErrorFails && !errors.Is(err, ErrVectorIndexNotReady)) {
				return Result{}, err
			}
			e.logger.Debug("cascade: semantic stage skipped", zap.Error(err))
		}
	}

	return e.finish(ctx, merged, opts, res)
}

// exactPostings returns the ids that match the query exactly. In
// diacritic-sensitive mode postings are filtered down to entries whose
// surface form preserves the query's diacritics.
func (e *Engine) exactPostings(query, normalized string, sensitive bool) []uint32 {
	postings := e.trie.LookupExact(normalized)
	if postings == nil {
		return nil
	}
	ids := make([]uint32, 0, len(postings))
	if !sensitive {
		for _, p := range postings {
			ids = append(ids, p.ID)
		}
		return ids
	}

	preserved := normalize.NormalizePreservingDiacritics(query)
	for _, p := range postings {
		entry, ok := e.vocab.Get(p.ID)
		if !ok {
			continue
		}
		if normalize.NormalizePreservingDiacritics(entry.Surface) == preserved {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (e *Engine) semanticStage(ctx context.Context, normalized string, opts Options, cap99 bool, merged map[uint32]candidate) error {
	if e.vec == nil || e.embed == nil {
		return ErrVectorIndexNotReady
	}
	vectors, err := e.embed.Embed(ctx, []string{normalized})
	if err != nil {
		return err
	}
	if len(vectors) != 1 {
		return errors.New("cascade: embedder returned wrong batch size")
	}

	hits, err := e.vec.Search(vectors[0], opts.Limit*3, opts.NProbe)
	if err != nil {
		return err
	}
	for _, h := range hits {
		merge(merged, h.ID, capScore(float64(h.Score), cap99), MethodSemantic)
	}
	return nil
}

func merge(merged map[uint32]candidate, id uint32, score float64, method Method) {
	cur, ok := merged[id]
	if !ok {
		merged[id] = candidate{score: score, method: method}
		return
	}
	// Keep the highest-priority method and the highest score seen.
	next := cur
	if methodPriority(method) < methodPriority(cur.method) {
		next.method = method
	}
	if score > next.score {
		next.score = score
	}
	merged[id] = next
}

func capScore(score float64, cap99 bool) float64 {
	if cap99 && score > 0.99 {
		return 0.99
	}
	return score
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// finish thresholds, orders deterministically, truncates and maps ids back
// to surface forms.
func (e *Engine) finish(ctx context.Context, merged map[uint32]candidate, opts Options, res Result) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	hits := make([]Hit, 0, len(merged))
	for id, c := range merged {
		if c.score < opts.MinScore {
			continue
		}
		entry, ok := e.vocab.Get(id)
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ID:       id,
			Surface:  e.vocab.Surface(id),
			Score:    c.score,
			Method:   c.method,
			IsPhrase: entry.IsPhrase,
		})
	}

	sortHits(hits)
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	res.Hits = hits
	return res, nil
}

// sortHits orders by descending score, then method priority, then
// ascending id.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		pa, pb := methodPriority(a.Method), methodPriority(b.Method)
		if pa != pb {
			return pa < pb
		}
		return a.ID < b.ID
	})
}
