// Package lexicore is the public surface of the search core. A Core owns
// the corpus registry, the two-tier cache, the versioned blob store and the
// registered embedding providers; everything outside the core calls through
// the operations defined here.
package lexicore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openlexica/lexicore/internal/encoding"
	"github.com/openlexica/lexicore/pkg/blobstore"
	"github.com/openlexica/lexicore/pkg/cache"
	"github.com/openlexica/lexicore/pkg/cascade"
	"github.com/openlexica/lexicore/pkg/corpus"
	"github.com/openlexica/lexicore/pkg/fuzzy"
	"github.com/openlexica/lexicore/pkg/trie"
	"github.com/openlexica/lexicore/pkg/vecindex"
)

const (
	resourceTrie     = "trie"
	resourceSemantic = "semantic"

	embedBatchSize   = 256
	embedConcurrency = 4
)

// Core is the process-wide context for the search core. Construct one at
// startup and pass it explicitly; there is no global state.
type Core struct {
	cfg    Config
	logger *zap.Logger
	cache  *cache.Cache
	blobs  *blobstore.Store

	mu        sync.RWMutex
	corpora   map[string]*corpusHandle
	providers map[string]EmbeddingProvider
}

type corpusHandle struct {
	store *corpus.Store

	// buildMu serializes index builds for this corpus; readers use the
	// atomically published state.
	buildMu sync.Mutex
	state   atomic.Pointer[engineState]
}

// engineState is one immutable snapshot of a corpus version with its
// indices. A search call pins the state once and uses it for every stage.
type engineState struct {
	vocabHash string
	versionID string
	vocab     *corpus.Vocabulary
	engine    *cascade.Engine

	vec       *vecindex.Index
	vecHash   string
	provider  EmbeddingProvider
	rowHashes []string
	matrix    [][]float32
}

// Open constructs a Core from the configuration. Invalid configuration
// fails fast.
func Open(cfg Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.VectorQualityBudget == "" {
		cfg.VectorQualityBudget = vecindex.BudgetBalanced
	}
	if cfg.VectorPQSeed == 0 {
		cfg.VectorPQSeed = DefaultVectorPQSeed
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, wrapError("open", KindInternal, err)
	}

	cacheStore, err := cache.Open(cache.Config{
		Path:       cfg.cachePath(),
		L1Capacity: cfg.L1CapacityPerNamespace,
		L1Bytes:    cfg.L1ByteCapPerNamespace,
		TTLs:       cfg.DefaultTTLs,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, wrapError("open", KindInternal, err)
	}

	blobStore, err := blobstore.Open(cfg.blobPath(), blobstore.Options{
		InlineThreshold: cfg.InlineThresholdBytes,
		Content:         cacheStore,
		Logger:          cfg.Logger,
	})
	if err != nil {
		cacheStore.Close()
		return nil, wrapError("open", KindInternal, err)
	}

	return &Core{
		cfg:       cfg,
		logger:    cfg.Logger,
		cache:     cacheStore,
		blobs:     blobStore,
		corpora:   make(map[string]*corpusHandle),
		providers: make(map[string]EmbeddingProvider),
	}, nil
}

// Close releases the cache and blob store.
func (c *Core) Close() error {
	berr := c.blobs.Close()
	cerr := c.cache.Close()
	if berr != nil {
		return berr
	}
	return cerr
}

// RegisterProvider makes an embedding provider available to vector builds
// under the given name, which IndexOptions.Provider refers to.
func (c *Core) RegisterProvider(name string, p EmbeddingProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = p
}

// CorpusCreate registers a new corpus and returns its handle. Parents must
// already exist.
func (c *Core) CorpusCreate(name string, parents []string, lang corpus.Lang) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.corpora[name]; exists {
		return "", wrapError("corpus_create", KindInvalidConfig, fmt.Errorf("corpus %q already exists", name))
	}
	parentStores := make([]*corpus.Store, 0, len(parents))
	for _, p := range parents {
		ph, ok := c.corpora[p]
		if !ok {
			return "", wrapError("corpus_create", KindUnknownCorpus, fmt.Errorf("parent %q not found", p))
		}
		parentStores = append(parentStores, ph.store)
	}

	c.corpora[name] = &corpusHandle{store: corpus.New(name, lang, parentStores...)}
	return name, nil
}

// CorpusInsert adds vocabulary entries and returns the number of newly
// created entries.
func (c *Core) CorpusInsert(handle string, items []corpus.BatchItem) (int, error) {
	h, err := c.handle(handle, "corpus_insert")
	if err != nil {
		return 0, err
	}
	return h.store.InsertBatch(items), nil
}

// CorpusHash returns the effective vocab hash of a corpus, covering all
// ancestors.
func (c *Core) CorpusHash(handle string) (string, error) {
	h, err := c.handle(handle, "corpus_hash")
	if err != nil {
		return "", err
	}
	vocab, err := corpus.EffectiveVocabulary(h.store)
	if err != nil {
		return "", wrapError("corpus_hash", KindCorpusCycle, err)
	}
	return vocab.Hash(), nil
}

func (c *Core) handle(name, op string) (*corpusHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.corpora[name]
	if !ok {
		return nil, wrapError(op, KindUnknownCorpus, fmt.Errorf("corpus %q not found", name))
	}
	return h, nil
}

// IndexOptions select which indices IndexEnsure builds.
type IndexOptions struct {
	// Trie builds or refreshes the trie index.
	Trie bool
	// Vector builds or refreshes the vector index; requires Provider.
	Vector bool
	// QualityBudget overrides the configured default.
	QualityBudget vecindex.Budget
	// Provider names a registered embedding provider.
	Provider string
}

// IndexEnsure brings the persisted indices of a corpus up to date with its
// current effective vocabulary and publishes a fresh engine snapshot. It
// returns the version id (blob id) of the newest index blob; unchanged
// vocabularies deduplicate against the stored version and build nothing.
func (c *Core) IndexEnsure(ctx context.Context, handle string, opts IndexOptions) (string, error) {
	h, err := c.handle(handle, "index_ensure")
	if err != nil {
		return "", err
	}
	if !opts.Trie && !opts.Vector {
		opts.Trie = true
	}

	h.buildMu.Lock()
	defer h.buildMu.Unlock()

	vocab, err := corpus.EffectiveVocabulary(h.store)
	if err != nil {
		return "", wrapError("index_ensure", KindCorpusCycle, err)
	}
	vocabHash := vocab.Hash()

	var (
		g        errgroup.Group
		trieIdx  *trie.Index
		trieID   string
		vec      *vecindex.Index
		vecID    string
		vecHash  string
		provider EmbeddingProvider
		matrix   [][]float32
		rowKeys  []string
	)

	if opts.Trie {
		g.Go(func() error {
			var err error
			trieIdx, trieID, err = c.ensureTrie(ctx, handle, vocab, vocabHash)
			return err
		})
	}
	if opts.Vector {
		budget := opts.QualityBudget
		if budget == "" {
			budget = c.cfg.VectorQualityBudget
		}
		c.mu.RLock()
		provider = c.providers[opts.Provider]
		c.mu.RUnlock()
		if provider == nil {
			return "", wrapError("index_ensure", KindEmbeddingProvider, ErrNoProvider)
		}
		g.Go(func() error {
			var err error
			vec, vecID, vecHash, matrix, rowKeys, err = c.ensureVector(ctx, handle, h, vocab, vocabHash, provider, budget)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if trieIdx == nil {
		// Vector-only ensure still needs the lexical structures for the
		// published engine.
		trieIdx = buildTrie(vocab)
	}

	prev := h.state.Load()
	if vec == nil && prev != nil && prev.vocabHash == vocabHash {
		vec = prev.vec
		vecHash = prev.vecHash
		provider = prev.provider
		matrix = prev.matrix
		rowKeys = prev.rowHashes
	}

	state := &engineState{
		vocabHash: vocabHash,
		vocab:     vocab,
		vec:       vec,
		vecHash:   vecHash,
		provider:  provider,
		matrix:    matrix,
		rowHashes: rowKeys,
	}
	state.versionID = vecID
	if state.versionID == "" {
		state.versionID = trieID
	}
	state.engine = cascade.New(vocab, trieIdx, c.buildMatcher(vocab), vec, providerAdapter(provider), c.logger)
	h.state.Store(state)

	c.logger.Info("lexicore: index ensured",
		zap.String("corpus", handle),
		zap.String("vocab_hash", vocabHash),
		zap.Int("entries", vocab.Len()),
		zap.String("version_id", state.versionID))
	return state.versionID, nil
}

func (c *Core) ensureTrie(ctx context.Context, handle string, vocab *corpus.Vocabulary, vocabHash string) (*trie.Index, string, error) {
	tag := "vocab:" + vocabHash
	latest, err := c.blobs.GetLatest(ctx, handle, resourceTrie)
	if err != nil {
		return nil, "", wrapError("index_ensure", KindInternal, err)
	}
	if latest != nil && hasTag(latest, tag) {
		idx, err := trie.Deserialize(latest.Data)
		if err == nil {
			return idx, latest.ID, nil
		}
		c.logger.Warn("lexicore: stored trie unreadable, rebuilding", zap.Error(err))
	}

	idx := buildTrie(vocab)
	blob, err := c.blobs.Save(ctx, handle, resourceTrie, idx.Serialize(), []string{tag})
	if err != nil {
		return nil, "", c.mapBlobError("index_ensure", err)
	}
	return idx, blob.ID, nil
}

func buildTrie(vocab *corpus.Vocabulary) *trie.Index {
	entries := make([]trie.Entry, 0, vocab.Len())
	for _, e := range vocab.Entries() {
		entries = append(entries, trie.Entry{Key: e.Normalized, ID: e.ID, Frequency: e.Frequency})
	}
	return trie.Build(entries)
}

func (c *Core) buildMatcher(vocab *corpus.Vocabulary) *fuzzy.Matcher {
	candidates := make([]fuzzy.Candidate, 0, vocab.Len())
	for _, e := range vocab.Entries() {
		candidates = append(candidates, fuzzy.Candidate{ID: e.ID, Normalized: e.Normalized, Frequency: e.Frequency})
	}
	return fuzzy.NewMatcher(candidates, fuzzy.Options{MaxCandidates: c.cfg.MaxFuzzyCandidates})
}

// vectorVersionHash folds everything that affects the trained structure:
// the effective vocabulary, the provider identity, the training seed and
// the quality budget.
func (c *Core) vectorVersionHash(vocabHash string, provider EmbeddingProvider, budget vecindex.Budget) string {
	hsh := sha256.New()
	hsh.Write([]byte(vocabHash))
	hsh.Write([]byte{0})
	hsh.Write([]byte(provider.Identity()))
	hsh.Write([]byte{0})
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(c.cfg.VectorPQSeed))
	hsh.Write(seed[:])
	hsh.Write([]byte(budget))
	return hex.EncodeToString(hsh.Sum(nil))
}

func (c *Core) ensureVector(ctx context.Context, handle string, h *corpusHandle, vocab *corpus.Vocabulary, vocabHash string, provider EmbeddingProvider, budget vecindex.Budget) (*vecindex.Index, string, string, [][]float32, []string, error) {
	vecHash := c.vectorVersionHash(vocabHash, provider, budget)
	tag := "vector:" + vecHash

	latest, err := c.blobs.GetLatest(ctx, handle, resourceSemantic)
	if err != nil {
		return nil, "", "", nil, nil, wrapError("index_ensure", KindInternal, err)
	}
	if latest != nil && hasTag(latest, tag) {
		idx, err := vecindex.Deserialize(latest.Data)
		if err == nil {
			matrix, rowKeys := c.loadEmbeddings(ctx, handle)
			return idx, latest.ID, vecHash, matrix, rowKeys, nil
		}
		c.logger.Warn("lexicore: stored vector index unreadable, rebuilding", zap.Error(err))
	}

	matrix, rowKeys, err := c.embedVocabulary(ctx, handle, h, vocab, provider)
	if err != nil {
		return nil, "", "", nil, nil, err
	}

	kind, params := vecindex.Choose(vocab.Len(), provider.Dimension(), budget)
	idx, err := vecindex.Build(matrix, kind, params, c.cfg.VectorPQSeed)
	if err != nil {
		return nil, "", "", nil, nil, wrapError("index_ensure", KindInternal, err)
	}

	data, err := idx.Serialize()
	if err != nil {
		return nil, "", "", nil, nil, wrapError("index_ensure", KindInternal, err)
	}
	blob, err := c.blobs.Save(ctx, handle, resourceSemantic, data, []string{tag})
	if err != nil {
		return nil, "", "", nil, nil, c.mapBlobError("index_ensure", err)
	}

	embBlob, err := marshalEmbeddings(rowKeys, matrix)
	if err == nil {
		_, err = c.blobs.Save(ctx, handle+"/embeddings", resourceSemantic, embBlob, []string{"vocab:" + vocabHash})
	}
	if err != nil {
		// Losing the embedding cache only costs future reuse.
		c.logger.Warn("lexicore: embedding matrix not persisted", zap.Error(err))
	}

	c.logger.Info("lexicore: vector index built",
		zap.String("corpus", handle),
		zap.String("kind", kind.String()),
		zap.Int("n", vocab.Len()),
		zap.Int("dim", provider.Dimension()))
	return idx, blob.ID, vecHash, matrix, rowKeys, nil
}

// embedVocabulary produces the embedding matrix, reusing rows from the
// previous version whose (normalized, language) pair is unchanged and
// embedding only the delta.
func (c *Core) embedVocabulary(ctx context.Context, handle string, h *corpusHandle, vocab *corpus.Vocabulary, provider EmbeddingProvider) ([][]float32, []string, error) {
	entries := vocab.Entries()
	rowKeys := make([]string, len(entries))
	for i, e := range entries {
		rowKeys[i] = corpus.RowHash(e)
	}

	reuse := make(map[string][]float32)
	if prev := h.state.Load(); prev != nil && prev.matrix != nil && prev.provider != nil &&
		prev.provider.Identity() == provider.Identity() {
		for i, key := range prev.rowHashes {
			reuse[key] = prev.matrix[i]
		}
	} else if prevMatrix, prevKeys := c.loadEmbeddings(ctx, handle); prevMatrix != nil {
		for i, key := range prevKeys {
			reuse[key] = prevMatrix[i]
		}
	}

	matrix := make([][]float32, len(entries))
	var missing []int
	for i, key := range rowKeys {
		if row, ok := reuse[key]; ok && len(row) == provider.Dimension() {
			matrix[i] = row
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(embedConcurrency)
		for start := 0; start < len(missing); start += embedBatchSize {
			end := start + embedBatchSize
			if end > len(missing) {
				end = len(missing)
			}
			batch := missing[start:end]
			g.Go(func() error {
				texts := make([]string, len(batch))
				for j, idx := range batch {
					texts[j] = entries[idx].Normalized
				}
				vectors, err := provider.Embed(gctx, texts)
				if err != nil {
					return wrapError("index_ensure", KindEmbeddingProvider, err)
				}
				if len(vectors) != len(texts) {
					return wrapError("index_ensure", KindEmbeddingProvider,
						fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts)))
				}
				for j, idx := range batch {
					matrix[idx] = vectors[j]
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	}
	return matrix, rowKeys, nil
}

func (c *Core) loadEmbeddings(ctx context.Context, handle string) ([][]float32, []string) {
	blob, err := c.blobs.GetLatest(ctx, handle+"/embeddings", resourceSemantic)
	if err != nil || blob == nil {
		return nil, nil
	}
	matrix, keys, err := unmarshalEmbeddings(blob.Data)
	if err != nil {
		c.logger.Warn("lexicore: stored embeddings unreadable", zap.Error(err))
		return nil, nil
	}
	return matrix, keys
}

// marshalEmbeddings packs row keys and the matrix into one blob: a JSON
// key list length-prefixed, then the encoded matrix.
func marshalEmbeddings(rowKeys []string, matrix [][]float32) ([]byte, error) {
	keys, err := json.Marshal(rowKeys)
	if err != nil {
		return nil, err
	}
	body, err := encoding.EncodeMatrix(matrix)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(keys)+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(keys)))
	copy(out[4:], keys)
	copy(out[4+len(keys):], body)
	return out, nil
}

func unmarshalEmbeddings(data []byte) ([][]float32, []string, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("short embeddings blob")
	}
	keyLen := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+keyLen {
		return nil, nil, errors.New("short embeddings blob")
	}
	var keys []string
	if err := json.Unmarshal(data[4:4+keyLen], &keys); err != nil {
		return nil, nil, err
	}
	matrix, err := encoding.DecodeMatrix(data[4+keyLen:])
	if err != nil {
		return nil, nil, err
	}
	if len(matrix) != len(keys) {
		return nil, nil, errors.New("embeddings blob row count mismatch")
	}
	return matrix, keys, nil
}

func hasTag(b *blobstore.Blob, tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *Core) mapBlobError(op string, err error) error {
	if errors.Is(err, blobstore.ErrConflict) {
		return wrapError(op, KindBlobConflict, err)
	}
	if errors.Is(err, cache.ErrWriteFailed) {
		return wrapError(op, KindCacheWriteFailed, err)
	}
	return wrapError(op, KindInternal, err)
}

// providerAdapter narrows an EmbeddingProvider to the cascade's Embedder
// port; a nil provider stays nil.
func providerAdapter(p EmbeddingProvider) cascade.Embedder {
	if p == nil {
		return nil
	}
	return embedderShim{p}
}

type embedderShim struct {
	p EmbeddingProvider
}

func (s embedderShim) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return s.p.Embed(ctx, texts)
}

func (s embedderShim) Dimension() int {
	return s.p.Dimension()
}

// Search runs a cascade search over the corpus. The engine snapshot is
// pinned once at the start of the call; lexical structures are rebuilt
// in-memory when the vocabulary changed since the last IndexEnsure, and a
// stale vector index is dropped from the snapshot rather than served.
func (c *Core) Search(ctx context.Context, handle, query string, opts cascade.Options) (cascade.Result, error) {
	h, err := c.handle(handle, "search")
	if err != nil {
		return cascade.Result{}, err
	}

	state, err := c.currentState(h)
	if err != nil {
		return cascade.Result{}, err
	}

	cacheKey := searchCacheKey(handle, state.vocabHash+"|"+state.versionID, query, opts)
	if cached, ok, _ := c.cache.Get(ctx, cacheKey); ok {
		var res cascade.Result
		if err := json.Unmarshal(cached, &res); err == nil {
			return res, nil
		}
	}

	res, err := state.engine.Search(ctx, query, opts)
	if err != nil {
		if errors.Is(err, cascade.ErrEmptyQuery) {
			return cascade.Result{}, wrapError("search", KindEmptyQuery, err)
		}
		if errors.Is(err, cascade.ErrVectorIndexNotReady) {
			return cascade.Result{}, wrapError("search", KindVectorIndexNotReady, err)
		}
		if errors.Is(err, ctx.Err()) {
			return cascade.Result{}, err
		}
		return cascade.Result{}, wrapError("search", KindEmbeddingProvider, err)
	}

	if !res.Partial {
		if payload, err := json.Marshal(res); err == nil {
			if err := c.cache.Set(ctx, cacheKey, payload, 0); err != nil {
				c.logger.Warn("lexicore: search result not cached", zap.Error(err))
			}
		}
	}
	return res, nil
}

// currentState returns the pinned engine snapshot, rebuilding the lexical
// structures when the effective vocabulary drifted from the published
// state.
func (c *Core) currentState(h *corpusHandle) (*engineState, error) {
	vocab, err := corpus.EffectiveVocabulary(h.store)
	if err != nil {
		return nil, wrapError("search", KindCorpusCycle, err)
	}
	vocabHash := vocab.Hash()

	if state := h.state.Load(); state != nil && state.vocabHash == vocabHash {
		return state, nil
	}

	h.buildMu.Lock()
	defer h.buildMu.Unlock()
	if state := h.state.Load(); state != nil && state.vocabHash == vocabHash {
		return state, nil
	}

	// Lexical-only refresh; the vector index follows on the next
	// IndexEnsure.
	state := &engineState{
		vocabHash: vocabHash,
		vocab:     vocab,
	}
	state.engine = cascade.New(vocab, buildTrie(vocab), c.buildMatcher(vocab), nil, nil, c.logger)
	h.state.Store(state)
	return state, nil
}

func searchCacheKey(handle, version, query string, opts cascade.Options) string {
	hsh := sha256.New()
	fmt.Fprintf(hsh, "%s|%s|%s|%s|%d|%g|%t|%d",
		handle, version, query, opts.Method, opts.Limit, opts.MinScore, opts.DiacriticSensitive, opts.NProbe)
	return "search:" + hex.EncodeToString(hsh.Sum(nil))
}

// VersionList returns the stored versions of a corpus resource, newest
// first.
func (c *Core) VersionList(ctx context.Context, handle, resourceType string) ([]*blobstore.Blob, error) {
	if _, err := c.handle(handle, "version_list"); err != nil {
		return nil, err
	}
	blobs, err := c.blobs.ListVersions(ctx, handle, resourceType)
	if err != nil {
		return nil, wrapError("version_list", KindInternal, err)
	}
	return blobs, nil
}

// VersionPrune keeps the newest keepN versions of a corpus resource and
// deletes the rest. keepN has no default; callers must choose one.
func (c *Core) VersionPrune(ctx context.Context, handle, resourceType string, keepN int) (int, error) {
	if _, err := c.handle(handle, "version_prune"); err != nil {
		return 0, err
	}
	if keepN < 1 {
		return 0, wrapError("version_prune", KindInvalidConfig, errors.New("keepN must be >= 1"))
	}
	count, err := c.blobs.Prune(ctx, handle, resourceType, keepN)
	if err != nil {
		return count, wrapError("version_prune", KindInternal, err)
	}
	return count, nil
}

// CacheInvalidate removes every cache entry matching a glob pattern and
// returns the count removed.
func (c *Core) CacheInvalidate(ctx context.Context, pattern string) (int, error) {
	count, err := c.cache.InvalidatePattern(ctx, pattern)
	if err != nil {
		return count, wrapError("cache_invalidate", KindInternal, err)
	}
	return count, nil
}

// CacheStats exposes the cache hit/miss counters.
func (c *Core) CacheStats() cache.Stats {
	return c.cache.Stats()
}
