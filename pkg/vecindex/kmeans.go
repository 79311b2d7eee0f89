package vecindex

import (
	"errors"
	"math/rand"
)

const kmeansIterations = 20

// kMeans clusters vectors into k centroids with Lloyd's algorithm. The rng
// drives initialization and empty-cluster reseeding, so a fixed seed yields
// identical centroids across runs and machines.
func kMeans(vectors [][]float32, k int, rng *rand.Rand) ([][]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.New("no training vectors")
	}
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}
	dim := len(vectors[0])

	if len(vectors) <= k {
		// Degenerate case: every vector is its own centroid, padded by
		// repetition.
		centroids := make([][]float32, k)
		for i := range centroids {
			centroids[i] = cloneVector(vectors[i%len(vectors)])
		}
		return centroids, nil
	}

	// Initialize from a shuffled sample of distinct rows.
	perm := rng.Perm(len(vectors))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = cloneVector(vectors[perm[i]])
	}

	assign := make([]int, len(vectors))
	counts := make([]int, k)
	sums := make([][]float64, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}

	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best := nearestCentroid(v, centroids)
			if assign[i] != best || iter == 0 {
				changed = true
			}
			assign[i] = best
		}
		if !changed {
			break
		}

		for c := range centroids {
			counts[c] = 0
			for d := range sums[c] {
				sums[c][d] = 0
			}
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Reseed an empty cluster from a random row.
				centroids[c] = cloneVector(vectors[rng.Intn(len(vectors))])
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids, nil
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestDist := 0, float32(0)
	for c, centroid := range centroids {
		dist := squaredDistance(v, centroid)
		if c == 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}

func squaredDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
