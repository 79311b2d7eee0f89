// Package vecindex implements the adaptive nearest-neighbor index over the
// vocabulary embedding matrix. The structure kind is chosen from corpus
// cardinality and a quality budget: exhaustive flat search for small
// corpora, half-precision and int8 scalar quantization for medium ones, and
// inverted-file product quantization (optionally with a learned OPQ
// rotation) beyond that.
//
// All rows are expected to be L2-normalized so inner product equals cosine
// similarity; the index does not normalize.
package vecindex

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Kind identifies the neighbor structure backing an index.
type Kind uint8

const (
	// KindFlat stores raw float32 rows and searches exhaustively.
	KindFlat Kind = iota
	// KindFlatFP16 stores rows as IEEE binary16.
	KindFlatFP16
	// KindFlatINT8 stores rows scalar-quantized to int8.
	KindFlatINT8
	// KindIVFPQ partitions rows into inverted lists and product-quantizes
	// residuals.
	KindIVFPQ
	// KindOPQIVFPQ applies a learned rotation before IVF-PQ.
	KindOPQIVFPQ
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindFlat:
		return "flat"
	case KindFlatFP16:
		return "flat_fp16"
	case KindFlatINT8:
		return "flat_int8"
	case KindIVFPQ:
		return "ivf_pq"
	case KindOPQIVFPQ:
		return "opq_ivf_pq"
	default:
		return "unknown"
	}
}

// Budget trades recall for memory when choosing the index kind.
type Budget string

const (
	// BudgetExact forces flat search.
	BudgetExact Budget = "exact"
	// BudgetHigh shifts the selection thresholds one tier up.
	BudgetHigh Budget = "high"
	// BudgetBalanced is the default selection table.
	BudgetBalanced Budget = "balanced"
	// BudgetMemory forces quantized inverted-file indices.
	BudgetMemory Budget = "memory"
)

// Params are the IVF-PQ hyperparameters.
type Params struct {
	NList int // coarse centroids
	M     int // PQ subspaces
	NBits int // bits per PQ code
}

// trainSampleCap bounds the number of rows used for centroid training.
const trainSampleCap = 100000

// Choose picks the index kind and parameters for a corpus of n vectors of
// dimension d under the given budget.
func Choose(n, d int, budget Budget) (Kind, Params) {
	params := func() Params {
		nlist := int(math.Ceil(math.Sqrt(float64(n))))
		if nlist < 1 {
			nlist = 1
		}
		m := d / 16
		if m < 1 {
			m = 1
		}
		return Params{NList: nlist, M: m, NBits: 8}
	}

	switch budget {
	case BudgetExact:
		return KindFlat, Params{}
	case BudgetMemory:
		if n >= 100000 {
			return KindOPQIVFPQ, params()
		}
		return KindIVFPQ, params()
	case BudgetHigh:
		switch {
		case n < 25000:
			return KindFlat, Params{}
		case n < 50000:
			return KindFlatFP16, Params{}
		case n < 250000:
			return KindFlatINT8, Params{}
		default:
			return KindIVFPQ, params()
		}
	default: // balanced
		switch {
		case n < 10000:
			return KindFlat, Params{}
		case n < 25000:
			return KindFlatFP16, Params{}
		case n < 50000:
			return KindFlatINT8, Params{}
		case n < 250000:
			return KindIVFPQ, params()
		default:
			return KindOPQIVFPQ, params()
		}
	}
}

// Hit is one search result. Score is cosine similarity.
type Hit struct {
	ID    uint32
	Score float32
}

// Index is an immutable nearest-neighbor structure. Row i corresponds to
// the vocabulary entry with effective id i.
type Index struct {
	kind Kind
	dim  int
	n    int
	seed int64

	flat  [][]float32 // KindFlat
	fp16  []uint16    // KindFlatFP16, row-major
	int8s *int8Store  // KindFlatINT8
	ivf   *ivfPQ      // KindIVFPQ, KindOPQIVFPQ
}

// Kind returns the neighbor-structure kind.
func (ix *Index) Kind() Kind { return ix.kind }

// Dim returns the embedding dimension.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of indexed rows.
func (ix *Index) Len() int { return ix.n }

// Seed returns the PRNG seed the index was trained with.
func (ix *Index) Seed() int64 { return ix.seed }

// Build constructs an index of the given kind over the embedding matrix.
// Training is deterministic under the supplied seed. A build over zero rows
// succeeds and yields an empty index that returns no results.
func Build(vectors [][]float32, kind Kind, params Params, seed int64) (*Index, error) {
	n := len(vectors)
	dim := 0
	if n > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vecindex: row %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	ix := &Index{kind: kind, dim: dim, n: n, seed: seed}
	if n == 0 {
		return ix, nil
	}

	switch kind {
	case KindFlat:
		ix.flat = make([][]float32, n)
		for i, v := range vectors {
			ix.flat[i] = cloneVector(v)
		}
	case KindFlatFP16:
		ix.fp16 = packFP16(vectors, dim)
	case KindFlatINT8:
		ix.int8s = packInt8(vectors, dim)
	case KindIVFPQ:
		ivf, err := buildIVFPQ(vectors, dim, params, seed, nil)
		if err != nil {
			return nil, err
		}
		ix.ivf = ivf
	case KindOPQIVFPQ:
		rotation, err := trainOPQRotation(vectors, dim, params, seed)
		if err != nil {
			return nil, err
		}
		ivf, err := buildIVFPQ(vectors, dim, params, seed, rotation)
		if err != nil {
			return nil, err
		}
		ix.ivf = ivf
	default:
		return nil, fmt.Errorf("vecindex: unknown kind %d", kind)
	}
	return ix, nil
}

// Search returns the k nearest rows to an L2-normalized query, scored by
// cosine similarity, descending; score ties break by ascending id. nprobe
// applies to the inverted-file kinds only; nprobe <= 0 selects
// max(1, nlist/16).
func (ix *Index) Search(query []float32, k, nprobe int) ([]Hit, error) {
	if ix.n == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("vecindex: query dimension %d, want %d", len(query), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	var hits []Hit
	switch ix.kind {
	case KindFlat:
		hits = make([]Hit, ix.n)
		for i, row := range ix.flat {
			hits[i] = Hit{ID: uint32(i), Score: dotProduct(query, row)}
		}
	case KindFlatFP16:
		hits = ix.searchFP16(query)
	case KindFlatINT8:
		hits = ix.int8s.search(query)
	case KindIVFPQ, KindOPQIVFPQ:
		hits = ix.ivf.search(query, k, nprobe)
	default:
		return nil, errors.New("vecindex: uninitialized index")
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
