// Package trie implements the compact ordered string dictionary over
// normalized vocabulary forms. The index is immutable after build, supports
// exact lookup and bounded prefix enumeration, and serializes to a
// byte-identical form for content-addressed versioning.
package trie

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// Posting links a normalized key to one vocabulary entry. Multiple postings
// per key occur when the same normalized form exists in several languages.
type Posting struct {
	ID        uint32
	Frequency float32
}

// Entry is one build input: a normalized key plus its posting.
type Entry struct {
	Key       string
	ID        uint32
	Frequency float32
}

// Result is one prefix-enumeration hit.
type Result struct {
	Key string
	ID  uint32
}

type edge struct {
	label byte
	next  int32
}

type node struct {
	edges    []edge
	postings int32 // index into postings lists, -1 when not terminal
}

// Index is the built trie. Immutable after Build.
type Index struct {
	nodes   []node
	lists   [][]Posting
	numKeys int
}

// Build constructs the index from build entries. Input order does not
// matter; entries are sorted internally so the same entry set always
// produces the same structure. Postings under one key are ordered by
// descending frequency, then ascending id.
func Build(entries []Entry) *Index {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].ID < sorted[j].ID
	})

	idx := &Index{nodes: []node{{postings: -1}}}

	var (
		curKey  string
		curList []Posting
		haveKey bool
	)
	flush := func() {
		if !haveKey {
			return
		}
		sort.SliceStable(curList, func(i, j int) bool {
			if curList[i].Frequency != curList[j].Frequency {
				return curList[i].Frequency > curList[j].Frequency
			}
			return curList[i].ID < curList[j].ID
		})
		idx.insert(curKey, curList)
		idx.numKeys++
		curList = nil
	}

	for _, e := range sorted {
		if !haveKey || e.Key != curKey {
			flush()
			curKey = e.Key
			haveKey = true
		}
		curList = append(curList, Posting{ID: e.ID, Frequency: e.Frequency})
	}
	flush()
	return idx
}

func (t *Index) insert(key string, postings []Posting) {
	cur := int32(0)
	for i := 0; i < len(key); i++ {
		b := key[i]
		next := t.childOf(cur, b)
		if next < 0 {
			t.nodes = append(t.nodes, node{postings: -1})
			next = int32(len(t.nodes) - 1)
			n := &t.nodes[cur]
			// Keys arrive sorted, so new edges always sort last.
			n.edges = append(n.edges, edge{label: b, next: next})
		}
		cur = next
	}
	t.nodes[cur].postings = int32(len(t.lists))
	t.lists = append(t.lists, postings)
}

func (t *Index) childOf(n int32, b byte) int32 {
	edges := t.nodes[n].edges
	lo, hi := 0, len(edges)
	for lo < hi {
		mid := (lo + hi) / 2
		if edges[mid].label < b {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(edges) && edges[lo].label == b {
		return edges[lo].next
	}
	return -1
}

// Len returns the number of distinct keys.
func (t *Index) Len() int { return t.numKeys }

// LookupExact returns the postings for an exact key, ordered by descending
// frequency then ascending id. It never fails; a missing key yields nil.
func (t *Index) LookupExact(key string) []Posting {
	n, ok := t.walk(key)
	if !ok || t.nodes[n].postings < 0 {
		return nil
	}
	return t.lists[t.nodes[n].postings]
}

// Prefix enumerates up to limit results whose key starts with the given
// prefix. Ordering is lexicographic over the key, then by descending
// frequency, ties by ascending id. Truncation at limit is silent.
func (t *Index) Prefix(prefix string, limit int) []Result {
	if limit <= 0 {
		return nil
	}
	start, ok := t.walk(prefix)
	if !ok {
		return nil
	}

	var out []Result
	var visit func(n int32, key []byte) bool
	visit = func(n int32, key []byte) bool {
		if p := t.nodes[n].postings; p >= 0 {
			for _, posting := range t.lists[p] {
				out = append(out, Result{Key: string(key), ID: posting.ID})
				if len(out) >= limit {
					return false
				}
			}
		}
		for _, e := range t.nodes[n].edges {
			if !visit(e.next, append(key, e.label)) {
				return false
			}
		}
		return true
	}
	visit(start, []byte(prefix))
	return out
}

func (t *Index) walk(key string) (int32, bool) {
	cur := int32(0)
	for i := 0; i < len(key); i++ {
		next := t.childOf(cur, key[i])
		if next < 0 {
			return 0, false
		}
		cur = next
	}
	return cur, true
}

const serialMagic = "LXTR"

// Serialize writes the index to a deterministic byte form: the same entry
// set always produces byte-identical output, so the serialized trie is
// stable under content addressing.
func (t *Index) Serialize() []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(serialMagic)

	var u32 [4]byte
	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u32[:], v)
		buf.Write(u32[:])
	}

	writeU32(uint32(t.numKeys))
	writeU32(uint32(len(t.nodes)))
	for _, n := range t.nodes {
		writeU32(uint32(int32(n.postings)))
		writeU32(uint32(len(n.edges)))
		for _, e := range n.edges {
			buf.WriteByte(e.label)
			writeU32(uint32(e.next))
		}
	}
	writeU32(uint32(len(t.lists)))
	for _, list := range t.lists {
		writeU32(uint32(len(list)))
		for _, p := range list {
			writeU32(p.ID)
			writeU32(math.Float32bits(p.Frequency))
		}
	}
	return buf.Bytes()
}

// Deserialize reconstructs an index serialized by Serialize.
func Deserialize(data []byte) (*Index, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != serialMagic {
		return nil, errors.New("trie: bad magic")
	}

	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}

	numKeys, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("trie: %w", err)
	}
	numNodes, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("trie: %w", err)
	}

	idx := &Index{numKeys: int(numKeys), nodes: make([]node, numNodes)}
	for i := range idx.nodes {
		postings, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("trie: %w", err)
		}
		numEdges, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("trie: %w", err)
		}
		n := node{postings: int32(postings), edges: make([]edge, numEdges)}
		for j := range n.edges {
			label, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("trie: %w", err)
			}
			next, err := readU32()
			if err != nil {
				return nil, fmt.Errorf("trie: %w", err)
			}
			n.edges[j] = edge{label: label, next: int32(next)}
		}
		idx.nodes[i] = n
	}

	numLists, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("trie: %w", err)
	}
	idx.lists = make([][]Posting, numLists)
	for i := range idx.lists {
		numPostings, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("trie: %w", err)
		}
		list := make([]Posting, numPostings)
		for j := range list {
			id, err := readU32()
			if err != nil {
				return nil, fmt.Errorf("trie: %w", err)
			}
			bits, err := readU32()
			if err != nil {
				return nil, fmt.Errorf("trie: %w", err)
			}
			list[j] = Posting{ID: id, Frequency: math.Float32frombits(bits)}
		}
		idx.lists[i] = list
	}
	return idx, nil
}
