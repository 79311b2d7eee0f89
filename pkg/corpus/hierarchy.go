package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Vocabulary is the flattened effective vocabulary of a corpus and all its
// ancestors. Ids are dense [0, n) and valid only for this Vocabulary value;
// indices built from it store these ids.
type Vocabulary struct {
	entries []Entry
	byKey   map[entryKey]uint32
	sources []*Store
	hash    string
}

// EffectiveVocabulary computes the union of the corpus and all its ancestors.
// Traversal is depth-first, child before parents, in declaration order; the
// first occurrence of a (normalized, language) pair keeps its surface form
// and collects the summed frequency of all collisions. A cycle in the parent
// graph fails with ErrCorpusCycle.
func EffectiveVocabulary(root *Store) (*Vocabulary, error) {
	order, err := topoOrder(root)
	if err != nil {
		return nil, err
	}

	v := &Vocabulary{
		byKey:   make(map[entryKey]uint32),
		sources: order,
	}
	for _, store := range order {
		for _, e := range store.Entries() {
			key := entryKey{normalized: e.Normalized, language: e.Language}
			if id, ok := v.byKey[key]; ok {
				v.entries[id].Frequency += e.Frequency
				continue
			}
			id := uint32(len(v.entries))
			merged := e
			merged.ID = id
			v.entries = append(v.entries, merged)
			v.byKey[key] = id
		}
	}
	v.hash = hashPairs(v.entries)
	return v, nil
}

// topoOrder walks the parent DAG depth-first with an on-stack set; a
// back-edge is a cycle.
func topoOrder(root *Store) ([]*Store, error) {
	var (
		order   []*Store
		visited = make(map[*Store]bool)
		onStack = make(map[*Store]bool)
	)

	var visit func(s *Store) error
	visit = func(s *Store) error {
		if onStack[s] {
			return ErrCorpusCycle
		}
		if visited[s] {
			return nil
		}
		visited[s] = true
		onStack[s] = true
		order = append(order, s)
		for _, p := range s.parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		onStack[s] = false
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// Len returns the number of entries in the effective vocabulary.
func (v *Vocabulary) Len() int { return len(v.entries) }

// Hash returns the SHA-256 vocab hash over the sorted (normalized, language)
// pairs of the effective vocabulary. Two vocabularies with the same hash are
// interchangeable for indexing.
func (v *Vocabulary) Hash() string { return v.hash }

// Entries returns the merged entries in traversal order. The slice must not
// be mutated.
func (v *Vocabulary) Entries() []Entry { return v.entries }

// Get returns the entry with the given effective id.
func (v *Vocabulary) Get(id uint32) (Entry, bool) {
	if int(id) >= len(v.entries) {
		return Entry{}, false
	}
	return v.entries[id], true
}

// Contains returns the effective id for a (normalized, language) pair.
func (v *Vocabulary) Contains(normalized string, lang Lang) (uint32, bool) {
	id, ok := v.byKey[entryKey{normalized: normalized, language: lang}]
	return id, ok
}

// IDsFor returns every effective id whose normalized form matches, across
// languages, in ascending id order. The result has size >= 1 when the form
// is present in any language.
func (v *Vocabulary) IDsFor(normalized string) []uint32 {
	var ids []uint32
	for key, id := range v.byKey {
		if key.normalized == normalized {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Surface resolves an effective id to its best surface spelling: the
// first-inserted surface form recorded for the normalized key, falling back
// to the entry's own surface.
func (v *Vocabulary) Surface(id uint32) string {
	e, ok := v.Get(id)
	if !ok {
		return ""
	}
	for _, store := range v.sources {
		if surface := store.Reverse().First(e.Normalized); surface != e.Normalized {
			return surface
		}
	}
	return e.Surface
}

// RowHash identifies one entry for embedding reuse across versions: a hash
// of the (normalized, language) pair alone, independent of id assignment.
func RowHash(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.Normalized))
	h.Write([]byte{0})
	h.Write([]byte(e.Language))
	return hex.EncodeToString(h.Sum(nil))
}
