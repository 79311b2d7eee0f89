// Package corpus implements the ordered, deduplicated vocabulary store with
// stable dense ids, the SHA-256 vocab hash, and the parent-corpus hierarchy.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openlexica/lexicore/pkg/normalize"
)

// ErrCorpusCycle is returned when the parent hierarchy contains a cycle.
var ErrCorpusCycle = errors.New("corpus hierarchy contains a cycle")

// Lang is a BCP-47-ish language tag ("en", "fr", ...).
type Lang string

// Entry is a single vocabulary item. IDs are dense and assigned in
// insertion order; an entry's id is stable for the lifetime of the corpus
// version.
type Entry struct {
	ID         uint32
	Surface    string
	Normalized string
	IsPhrase   bool
	Frequency  float32
	Language   Lang
}

type entryKey struct {
	normalized string
	language   Lang
}

// snapshot is an immutable view of the corpus. Readers hold a pointer to a
// snapshot and never block on writers.
type snapshot struct {
	entries []Entry
	byKey   map[entryKey]uint32

	hashOnce sync.Once
	hash     string
}

// Store is a single corpus: an ordered, deduplicated vocabulary plus links
// to parent corpora. Inserts take the writer lock; reads are wait-free
// against the current snapshot.
type Store struct {
	name     string
	language Lang
	parents  []*Store

	mu      sync.Mutex // guards writers; readers go through snap
	snap    atomic.Pointer[snapshot]
	reverse *normalize.ReverseMap
}

// New creates an empty corpus. Parents participate in the effective
// vocabulary (see hierarchy.go); they are not copied.
func New(name string, language Lang, parents ...*Store) *Store {
	s := &Store{
		name:     name,
		language: language,
		parents:  parents,
		reverse:  normalize.NewReverseMap(),
	}
	s.snap.Store(&snapshot{byKey: make(map[entryKey]uint32)})
	return s
}

// Name returns the corpus name.
func (s *Store) Name() string { return s.name }

// Language returns the corpus default language.
func (s *Store) Language() Lang { return s.language }

// Parents returns the direct parents.
func (s *Store) Parents() []*Store { return s.parents }

// Reverse returns the surface-form reverse map for this corpus.
func (s *Store) Reverse() *normalize.ReverseMap { return s.reverse }

// Insert adds a vocabulary entry. If (normalized, lang) already exists the
// existing id is returned and the frequencies are summed. The returned bool
// reports whether a new entry was created.
func (s *Store) Insert(surface string, lang Lang, freq float32) (uint32, bool) {
	normalized := normalize.Normalize(surface)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	key := entryKey{normalized: normalized, language: lang}

	if id, ok := cur.byKey[key]; ok {
		// Duplicate: sum frequencies, keep the first surface form.
		next := cloneSnapshot(cur)
		next.entries[id].Frequency += freq
		s.reverse.Record(normalized, surface)
		s.snap.Store(next)
		return id, false
	}

	next := cloneSnapshot(cur)
	id := uint32(len(next.entries))
	next.entries = append(next.entries, Entry{
		ID:         id,
		Surface:    surface,
		Normalized: normalized,
		IsPhrase:   normalize.IsPhrase(normalized),
		Frequency:  freq,
		Language:   lang,
	})
	next.byKey[key] = id
	s.reverse.Record(normalized, surface)
	s.snap.Store(next)
	return id, true
}

// InsertBatch inserts a batch of (surface, lang, freq) triples and returns
// the number of newly created entries.
func (s *Store) InsertBatch(items []BatchItem) int {
	created := 0
	for _, it := range items {
		if _, ok := s.Insert(it.Surface, it.Language, it.Frequency); ok {
			created++
		}
	}
	return created
}

// BatchItem is one element of an InsertBatch call.
type BatchItem struct {
	Surface   string
	Language  Lang
	Frequency float32
}

// Get returns the entry with the given id.
func (s *Store) Get(id uint32) (Entry, bool) {
	cur := s.snap.Load()
	if int(id) >= len(cur.entries) {
		return Entry{}, false
	}
	return cur.entries[id], true
}

// Contains returns the id of the entry with the given normalized form and
// language, if present.
func (s *Store) Contains(normalized string, lang Lang) (uint32, bool) {
	cur := s.snap.Load()
	id, ok := cur.byKey[entryKey{normalized: normalized, language: lang}]
	return id, ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.snap.Load().entries)
}

// Entries returns the entries in insertion order. The returned slice is the
// snapshot's backing array and must not be mutated.
func (s *Store) Entries() []Entry {
	return s.snap.Load().entries
}

// Hash returns the SHA-256 vocab hash over the sorted (normalized, language)
// pairs of this corpus alone. It changes iff the pair set changes.
func (s *Store) Hash() string {
	return s.snap.Load().vocabHash()
}

func (sn *snapshot) vocabHash() string {
	sn.hashOnce.Do(func() {
		sn.hash = hashPairs(sn.entries)
	})
	return sn.hash
}

func hashPairs(entries []Entry) string {
	pairs := make([]entryKey, len(entries))
	for i, e := range entries {
		pairs[i] = entryKey{normalized: e.Normalized, language: e.Language}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].normalized != pairs[j].normalized {
			return pairs[i].normalized < pairs[j].normalized
		}
		return pairs[i].language < pairs[j].language
	})

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p.normalized))
		h.Write([]byte{0})
		h.Write([]byte(p.language))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cloneSnapshot(cur *snapshot) *snapshot {
	next := &snapshot{
		entries: make([]Entry, len(cur.entries)),
		byKey:   make(map[entryKey]uint32, len(cur.byKey)+1),
	}
	copy(next.entries, cur.entries)
	for k, v := range cur.byKey {
		next.byKey[k] = v
	}
	return next
}

// Stats reports corpus size broken down by entry kind.
type Stats struct {
	Entries int
	Phrases int
}

// Stats returns entry counts for the current snapshot.
func (s *Store) Stats() Stats {
	cur := s.snap.Load()
	st := Stats{Entries: len(cur.entries)}
	for _, e := range cur.entries {
		if e.IsPhrase {
			st.Phrases++
		}
	}
	return st
}
