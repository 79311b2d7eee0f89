package vecindex

import (
	"github.com/openlexica/lexicore/internal/encoding"
)

func packFP16(vectors [][]float32, dim int) []uint16 {
	packed := make([]uint16, len(vectors)*dim)
	for i, v := range vectors {
		for j, x := range v {
			packed[i*dim+j] = encoding.Float32ToFloat16(x)
		}
	}
	return packed
}

func (ix *Index) searchFP16(query []float32) []Hit {
	hits := make([]Hit, ix.n)
	row := make([]float32, ix.dim)
	for i := 0; i < ix.n; i++ {
		base := i * ix.dim
		for j := 0; j < ix.dim; j++ {
			row[j] = encoding.Float16ToFloat32(ix.fp16[base+j])
		}
		hits[i] = Hit{ID: uint32(i), Score: dotProduct(query, row)}
	}
	return hits
}

// int8Store holds rows scalar-quantized to one byte per component with
// per-dimension affine ranges, following the min/max scheme of scalar
// quantization.
type int8Store struct {
	n, dim int
	codes  []uint8
	min    []float32
	scale  []float32 // (max-min)/255 per dimension
}

func packInt8(vectors [][]float32, dim int) *int8Store {
	st := &int8Store{
		n:     len(vectors),
		dim:   dim,
		codes: make([]uint8, len(vectors)*dim),
		min:   make([]float32, dim),
		scale: make([]float32, dim),
	}

	maxs := make([]float32, dim)
	for j := 0; j < dim; j++ {
		st.min[j] = vectors[0][j]
		maxs[j] = vectors[0][j]
	}
	for _, v := range vectors {
		for j, x := range v {
			if x < st.min[j] {
				st.min[j] = x
			}
			if x > maxs[j] {
				maxs[j] = x
			}
		}
	}
	for j := 0; j < dim; j++ {
		span := maxs[j] - st.min[j]
		if span == 0 {
			span = 1e-6
		}
		st.scale[j] = span / 255
	}

	for i, v := range vectors {
		for j, x := range v {
			q := (x - st.min[j]) / st.scale[j]
			if q < 0 {
				q = 0
			}
			if q > 255 {
				q = 255
			}
			st.codes[i*dim+j] = uint8(q + 0.5)
		}
	}
	return st
}

func (st *int8Store) decode(i int, out []float32) {
	base := i * st.dim
	for j := 0; j < st.dim; j++ {
		out[j] = st.min[j] + float32(st.codes[base+j])*st.scale[j]
	}
}

func (st *int8Store) search(query []float32) []Hit {
	hits := make([]Hit, st.n)
	row := make([]float32, st.dim)
	for i := 0; i < st.n; i++ {
		st.decode(i, row)
		hits[i] = Hit{ID: uint32(i), Score: dotProduct(query, row)}
	}
	return hits
}
