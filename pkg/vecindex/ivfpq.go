package vecindex

import (
	"fmt"
	"math/rand"
)

// ivfPQ is the inverted-file product-quantization structure shared by
// KindIVFPQ and KindOPQIVFPQ. Vectors are assigned to a coarse centroid and
// their residuals are encoded with m one-byte subquantizer codes.
type ivfPQ struct {
	dim    int
	m      int
	subDim int
	nlist  int

	rotation  [][]float32   // optional OPQ rotation, dim x dim
	centroids [][]float32   // nlist x dim
	lists     [][]uint32    // row ids per centroid
	codes     []uint8       // n x m, indexed by row id
	codebooks [][][]float32 // m x 256 x subDim
}

func buildIVFPQ(vectors [][]float32, dim int, params Params, seed int64, rotation [][]float32) (*ivfPQ, error) {
	if params.NBits != 8 {
		return nil, fmt.Errorf("vecindex: unsupported nbits %d", params.NBits)
	}
	m := params.M
	for m > 1 && dim%m != 0 {
		m--
	}
	nlist := params.NList
	if nlist > len(vectors) {
		nlist = len(vectors)
	}
	if nlist < 1 {
		nlist = 1
	}

	ivf := &ivfPQ{
		dim:      dim,
		m:        m,
		subDim:   dim / m,
		nlist:    nlist,
		rotation: rotation,
	}

	rows := vectors
	if rotation != nil {
		rows = make([][]float32, len(vectors))
		for i, v := range vectors {
			rows[i] = applyRotation(rotation, v)
		}
	}

	rng := newRNG(seed)
	sample := sampleRows(rows, trainSampleCap, rng)

	centroids, err := kMeans(sample, nlist, rng)
	if err != nil {
		return nil, fmt.Errorf("vecindex: coarse training: %w", err)
	}
	ivf.centroids = centroids

	// Assign rows and collect residuals for PQ training.
	ivf.lists = make([][]uint32, nlist)
	residuals := make([][]float32, len(rows))
	for i, v := range rows {
		c := nearestCentroid(v, centroids)
		ivf.lists[c] = append(ivf.lists[c], uint32(i))
		r := make([]float32, dim)
		for d := range r {
			r[d] = v[d] - centroids[c][d]
		}
		residuals[i] = r
	}

	trainSet := sampleRows(residuals, trainSampleCap, rng)
	ivf.codebooks = make([][][]float32, m)
	for sub := 0; sub < m; sub++ {
		subvectors := make([][]float32, len(trainSet))
		for i, r := range trainSet {
			subvectors[i] = r[sub*ivf.subDim : (sub+1)*ivf.subDim]
		}
		book, err := kMeans(subvectors, 256, rng)
		if err != nil {
			return nil, fmt.Errorf("vecindex: pq training subspace %d: %w", sub, err)
		}
		ivf.codebooks[sub] = book
	}

	ivf.codes = make([]uint8, len(rows)*m)
	for i, r := range residuals {
		for sub := 0; sub < m; sub++ {
			subvec := r[sub*ivf.subDim : (sub+1)*ivf.subDim]
			ivf.codes[i*m+sub] = uint8(nearestCentroid(subvec, ivf.codebooks[sub]))
		}
	}
	return ivf, nil
}

// search scores rows in the nprobe nearest inverted lists with asymmetric
// distance computation: score = q.c + sum of per-subspace lookup-table
// entries for the row's codes.
func (ivf *ivfPQ) search(query []float32, k, nprobe int) []Hit {
	if nprobe <= 0 {
		nprobe = ivf.nlist / 16
		if nprobe < 1 {
			nprobe = 1
		}
	}
	if nprobe > ivf.nlist {
		nprobe = ivf.nlist
	}

	q := query
	if ivf.rotation != nil {
		q = applyRotation(ivf.rotation, query)
	}

	// Rank coarse centroids by inner product with the query.
	type probe struct {
		c     int
		score float32
	}
	probes := make([]probe, ivf.nlist)
	for c, centroid := range ivf.centroids {
		probes[c] = probe{c: c, score: dotProduct(q, centroid)}
	}
	// Selection sort of the top nprobe keeps the probe order deterministic.
	for i := 0; i < nprobe; i++ {
		best := i
		for j := i + 1; j < len(probes); j++ {
			if probes[j].score > probes[best].score ||
				(probes[j].score == probes[best].score && probes[j].c < probes[best].c) {
				best = j
			}
		}
		probes[i], probes[best] = probes[best], probes[i]
	}

	// ADC tables: dot of each query subvector with each codeword.
	tables := make([][]float32, ivf.m)
	for sub := 0; sub < ivf.m; sub++ {
		qsub := q[sub*ivf.subDim : (sub+1)*ivf.subDim]
		table := make([]float32, len(ivf.codebooks[sub]))
		for code, word := range ivf.codebooks[sub] {
			table[code] = dotProduct(qsub, word)
		}
		tables[sub] = table
	}

	var hits []Hit
	for i := 0; i < nprobe; i++ {
		c := probes[i].c
		base := probes[i].score
		for _, id := range ivf.lists[c] {
			score := base
			for sub := 0; sub < ivf.m; sub++ {
				score += tables[sub][ivf.codes[int(id)*ivf.m+sub]]
			}
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}
	return hits
}

func sampleRows(rows [][]float32, limit int, rng *rand.Rand) [][]float32 {
	if len(rows) <= limit {
		return rows
	}
	perm := rng.Perm(len(rows))
	sample := make([][]float32, limit)
	for i := 0; i < limit; i++ {
		sample[i] = rows[perm[i]]
	}
	return sample
}

func applyRotation(rotation [][]float32, v []float32) []float32 {
	out := make([]float32, len(v))
	for i, row := range rotation {
		out[i] = dotProduct(row, v)
	}
	return out
}
