// Package encoding provides the little-endian binary codecs shared by the
// trie, vector-index and blob-store serializers. All encoders are
// deterministic: the same input always yields byte-identical output.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector payload is malformed.
var ErrInvalidVector = errors.New("invalid vector")

// ErrInvalidMatrix is returned when a matrix payload is malformed.
var ErrInvalidMatrix = errors.New("invalid matrix")

// EncodeVector encodes a float32 vector as a length-prefixed little-endian
// byte slice.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements", len(vector))
	}

	buf := make([]byte, 4+4*len(vector))
	binary.LittleEndian.PutUint32(buf, uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector decodes a byte slice produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	n := binary.LittleEndian.Uint32(data)
	if len(data) != 4+int(n)*4 {
		return nil, ErrInvalidVector
	}
	vector := make([]float32, n)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return vector, nil
}

// EncodeMatrix encodes a dense row-major float32 matrix. Rows must all have
// the same length.
func EncodeMatrix(rows [][]float32) ([]byte, error) {
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}

	buf := new(bytes.Buffer)
	buf.Grow(8 + 4*len(rows)*dim)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(rows)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(dim))
	buf.Write(hdr[:])

	var cell [4]byte
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidMatrix, i, len(row), dim)
		}
		for _, v := range row {
			binary.LittleEndian.PutUint32(cell[:], math.Float32bits(v))
			buf.Write(cell[:])
		}
	}
	return buf.Bytes(), nil
}

// DecodeMatrix decodes a byte slice produced by EncodeMatrix.
func DecodeMatrix(data []byte) ([][]float32, error) {
	if len(data) < 8 {
		return nil, ErrInvalidMatrix
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	dim := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) != 8+4*n*dim {
		return nil, ErrInvalidMatrix
	}

	rows := make([][]float32, n)
	off := 8
	for i := range rows {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		rows[i] = row
	}
	return rows, nil
}

// Float32ToFloat16 converts a float32 to IEEE 754 binary16 bits, rounding to
// nearest even. Values outside the binary16 range saturate to infinity.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	switch {
	case exp >= 0x1F:
		// Overflow and NaN both map to the maximum exponent.
		if exp == 0x1F+112 && mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp <= 0:
		// Subnormal or underflow to zero.
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		rem := mant & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 != 0) {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(mant>>13)
		if rem := mant & 0x1FFF; rem > 0x1000 || (rem == 0x1000 && half&1 != 0) {
			half++
		}
		return half
	}
}

// Float16ToFloat32 converts IEEE 754 binary16 bits back to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1F)
	mant := uint32(h & 0x3FF)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Normalize the subnormal: 113 is the float32 exponent field for
		// a mantissa in [0x400, 0x800).
		exp32 := uint32(113)
		for mant&0x400 == 0 {
			mant <<= 1
			exp32--
		}
		mant &= 0x3FF
		return math.Float32frombits(sign | exp32<<23 | mant<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// EncodeUint32s encodes a length-prefixed little-endian uint32 slice.
func EncodeUint32s(values []uint32) []byte {
	buf := make([]byte, 4+4*len(values))
	binary.LittleEndian.PutUint32(buf, uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4+4*i:], v)
	}
	return buf
}

// DecodeUint32s decodes a slice produced by EncodeUint32s and returns the
// number of bytes consumed.
func DecodeUint32s(data []byte) ([]uint32, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New("short uint32 slice")
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+4*n {
		return nil, 0, errors.New("short uint32 slice")
	}
	values := make([]uint32, n)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(data[4+4*i:])
	}
	return values, 4 + 4*n, nil
}

// ValidateVector rejects nil, empty, NaN and infinite vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vector {
		if v != v || math.IsInf(float64(v), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}
