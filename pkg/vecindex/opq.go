package vecindex

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

const (
	opqIterations = 5
	opqSampleCap  = 10000
)

// trainOPQRotation learns an orthonormal rotation that reduces product
// quantization error, by alternating PQ training in the rotated space with a
// Procrustes update of the rotation (SVD of the data/reconstruction
// correlation). Deterministic under the seed.
func trainOPQRotation(vectors [][]float32, dim int, params Params, seed int64) ([][]float32, error) {
	m := params.M
	for m > 1 && dim%m != 0 {
		m--
	}
	subDim := dim / m

	rng := newRNG(seed)
	sample := sampleRows(vectors, opqSampleCap, rng)
	n := len(sample)

	// X is the n x dim sample matrix.
	x := mat.NewDense(n, dim, nil)
	for i, v := range sample {
		for j, val := range v {
			x.Set(i, j, float64(val))
		}
	}

	rotation := identity(dim)

	rotated := make([][]float32, n)
	decoded := make([][]float32, n)
	for i := range decoded {
		rotated[i] = make([]float32, dim)
		decoded[i] = make([]float32, dim)
	}

	for iter := 0; iter < opqIterations; iter++ {
		for i, v := range sample {
			copy(rotated[i], applyRotation(rotation, v))
		}

		// Short PQ training pass in the rotated space.
		for sub := 0; sub < m; sub++ {
			subvectors := make([][]float32, n)
			for i := range rotated {
				subvectors[i] = rotated[i][sub*subDim : (sub+1)*subDim]
			}
			book, err := kMeans(subvectors, 256, rng)
			if err != nil {
				return nil, fmt.Errorf("vecindex: opq pq pass: %w", err)
			}
			for i := range rotated {
				code := nearestCentroid(subvectors[i], book)
				copy(decoded[i][sub*subDim:(sub+1)*subDim], book[code])
			}
		}

		// Procrustes step: R = U V^T from SVD(X^T * Xhat).
		xhat := mat.NewDense(n, dim, nil)
		for i, v := range decoded {
			for j, val := range v {
				xhat.Set(i, j, float64(val))
			}
		}
		var corr mat.Dense
		corr.Mul(x.T(), xhat)

		var svd mat.SVD
		if !svd.Factorize(&corr, mat.SVDThin) {
			return nil, fmt.Errorf("vecindex: opq svd failed to converge")
		}
		var u, v mat.Dense
		svd.UTo(&u)
		svd.VTo(&v)

		var r mat.Dense
		r.Mul(&u, v.T())

		// rotation maps original space to rotated space: v' = R^T v.
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				rotation[i][j] = float32(r.At(j, i))
			}
		}
	}
	return rotation, nil
}

func identity(dim int) [][]float32 {
	r := make([][]float32, dim)
	for i := range r {
		r[i] = make([]float32, dim)
		r[i][i] = 1
	}
	return r
}
