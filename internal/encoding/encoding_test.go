package encoding

import (
	"bytes"
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	vectors := [][]float32{
		{},
		{0},
		{1.5, -2.25, 3.75},
		{math.MaxFloat32, math.SmallestNonzeroFloat32},
	}
	for _, v := range vectors {
		data, err := EncodeVector(v)
		if err != nil {
			t.Fatalf("EncodeVector(%v): %v", v, err)
		}
		got, err := DecodeVector(data)
		if err != nil {
			t.Fatalf("DecodeVector: %v", err)
		}
		if len(got) != len(v) {
			t.Fatalf("length mismatch: %d != %d", len(got), len(v))
		}
		for i := range v {
			if got[i] != v[i] {
				t.Errorf("element %d: %v != %v", i, got[i], v[i])
			}
		}
	}
}

func TestEncodeVectorNil(t *testing.T) {
	if _, err := EncodeVector(nil); err == nil {
		t.Error("nil vector must be rejected")
	}
}

func TestDecodeVectorTruncated(t *testing.T) {
	data, _ := EncodeVector([]float32{1, 2, 3})
	if _, err := DecodeVector(data[:len(data)-2]); err == nil {
		t.Error("truncated payload must be rejected")
	}
	if _, err := DecodeVector([]byte{1}); err == nil {
		t.Error("short payload must be rejected")
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	m := [][]float32{
		{1, 2, 3},
		{4, 5, 6},
	}
	data, err := EncodeMatrix(m)
	if err != nil {
		t.Fatalf("EncodeMatrix: %v", err)
	}
	got, err := DecodeMatrix(data)
	if err != nil {
		t.Fatalf("DecodeMatrix: %v", err)
	}
	for i := range m {
		for j := range m[i] {
			if got[i][j] != m[i][j] {
				t.Errorf("cell %d,%d: %v != %v", i, j, got[i][j], m[i][j])
			}
		}
	}
}

func TestEncodeMatrixDeterministic(t *testing.T) {
	m := [][]float32{{1, 2}, {3, 4}}
	a, _ := EncodeMatrix(m)
	b, _ := EncodeMatrix(m)
	if !bytes.Equal(a, b) {
		t.Error("matrix encoding must be deterministic")
	}
}

func TestEncodeMatrixRagged(t *testing.T) {
	if _, err := EncodeMatrix([][]float32{{1, 2}, {3}}); err == nil {
		t.Error("ragged matrix must be rejected")
	}
}

func TestEmptyMatrix(t *testing.T) {
	data, err := EncodeMatrix(nil)
	if err != nil {
		t.Fatalf("EncodeMatrix(nil): %v", err)
	}
	got, err := DecodeMatrix(data)
	if err != nil || len(got) != 0 {
		t.Errorf("empty matrix round-trip: %v %v", got, err)
	}
}

func TestFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 2.5, 65504, -65504, 1.0 / 1024}
	for _, v := range values {
		back := Float16ToFloat32(Float32ToFloat16(v))
		if back != v {
			t.Errorf("exactly representable %v came back as %v", v, back)
		}
	}
}

func TestFloat16Precision(t *testing.T) {
	values := []float32{0.1, 3.14159, -123.456, 1e-5}
	for _, v := range values {
		back := Float16ToFloat32(Float32ToFloat16(v))
		rel := math.Abs(float64(back-v)) / math.Max(math.Abs(float64(v)), 1e-7)
		if rel > 1e-3 && math.Abs(float64(v)) >= 6.2e-5 {
			t.Errorf("%v came back as %v (rel err %g)", v, back, rel)
		}
	}
}

func TestFloat16Overflow(t *testing.T) {
	if got := Float16ToFloat32(Float32ToFloat16(1e10)); !math.IsInf(float64(got), 1) {
		t.Errorf("overflow must saturate to +inf, got %v", got)
	}
	if got := Float16ToFloat32(Float32ToFloat16(-1e10)); !math.IsInf(float64(got), -1) {
		t.Errorf("overflow must saturate to -inf, got %v", got)
	}
}

func TestFloat16Subnormal(t *testing.T) {
	// 2^-16 is subnormal in binary16.
	v := float32(1.0 / 65536)
	back := Float16ToFloat32(Float32ToFloat16(v))
	if back != v {
		t.Errorf("subnormal %v came back as %v", v, back)
	}
}

func TestUint32sRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 42, math.MaxUint32}
	data := EncodeUint32s(values)
	got, n, err := DecodeUint32s(data)
	if err != nil || n != len(data) {
		t.Fatalf("DecodeUint32s: n=%d err=%v", n, err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("element %d: %d != %d", i, got[i], values[i])
		}
	}
}

func TestValidateVector(t *testing.T) {
	if err := ValidateVector([]float32{1, 2}); err != nil {
		t.Errorf("valid vector rejected: %v", err)
	}
	if err := ValidateVector(nil); err == nil {
		t.Error("nil vector accepted")
	}
	if err := ValidateVector([]float32{float32(math.NaN())}); err == nil {
		t.Error("NaN accepted")
	}
	if err := ValidateVector([]float32{float32(math.Inf(1))}); err == nil {
		t.Error("inf accepted")
	}
}
