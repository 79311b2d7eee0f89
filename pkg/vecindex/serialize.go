package vecindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const serialMagic = "LXVI"

var errCorruptIndex = errors.New("vecindex: corrupt serialized index")

// Serialize writes the index to a deterministic byte form suitable for
// content addressing.
func (ix *Index) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(serialMagic)
	buf.WriteByte(byte(ix.kind))

	w := writer{buf: buf}
	w.u32(uint32(ix.dim))
	w.u32(uint32(ix.n))
	w.u64(uint64(ix.seed))

	if ix.n == 0 {
		return buf.Bytes(), nil
	}

	switch ix.kind {
	case KindFlat:
		w.matrix(ix.flat)
	case KindFlatFP16:
		w.u32(uint32(len(ix.fp16)))
		for _, h := range ix.fp16 {
			w.u16(h)
		}
	case KindFlatINT8:
		w.bytes(ix.int8s.codes)
		w.vector(ix.int8s.min)
		w.vector(ix.int8s.scale)
	case KindIVFPQ, KindOPQIVFPQ:
		ivf := ix.ivf
		w.u32(uint32(ivf.m))
		w.u32(uint32(ivf.nlist))
		if ivf.rotation != nil {
			w.u32(1)
			w.matrix(ivf.rotation)
		} else {
			w.u32(0)
		}
		w.matrix(ivf.centroids)
		w.u32(uint32(len(ivf.lists)))
		for _, list := range ivf.lists {
			w.u32(uint32(len(list)))
			for _, id := range list {
				w.u32(id)
			}
		}
		w.bytes(ivf.codes)
		w.u32(uint32(len(ivf.codebooks)))
		for _, book := range ivf.codebooks {
			w.matrix(book)
		}
	default:
		return nil, errors.New("vecindex: cannot serialize unknown kind")
	}
	return buf.Bytes(), nil
}

// Deserialize reconstructs an index serialized by Serialize.
func Deserialize(data []byte) (*Index, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != serialMagic {
		return nil, errCorruptIndex
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, errCorruptIndex
	}

	rd := reader{r: r}
	dim, n := int(rd.u32()), int(rd.u32())
	seed := int64(rd.u64())
	if rd.err != nil {
		return nil, errCorruptIndex
	}

	ix := &Index{kind: Kind(kindByte), dim: dim, n: n, seed: seed}
	if n == 0 {
		return ix, nil
	}

	switch ix.kind {
	case KindFlat:
		ix.flat = rd.matrix()
	case KindFlatFP16:
		count := int(rd.u32())
		ix.fp16 = make([]uint16, count)
		for i := range ix.fp16 {
			ix.fp16[i] = rd.u16()
		}
	case KindFlatINT8:
		st := &int8Store{n: n, dim: dim}
		st.codes = rd.bytes()
		st.min = rd.vector()
		st.scale = rd.vector()
		ix.int8s = st
	case KindIVFPQ, KindOPQIVFPQ:
		ivf := &ivfPQ{dim: dim}
		ivf.m = int(rd.u32())
		ivf.nlist = int(rd.u32())
		if ivf.m > 0 {
			ivf.subDim = dim / ivf.m
		}
		if rd.u32() == 1 {
			ivf.rotation = rd.matrix()
		}
		ivf.centroids = rd.matrix()
		numLists := int(rd.u32())
		ivf.lists = make([][]uint32, numLists)
		for i := range ivf.lists {
			count := int(rd.u32())
			if rd.err != nil {
				return nil, errCorruptIndex
			}
			list := make([]uint32, count)
			for j := range list {
				list[j] = rd.u32()
			}
			ivf.lists[i] = list
		}
		ivf.codes = rd.bytes()
		numBooks := int(rd.u32())
		if rd.err != nil {
			return nil, errCorruptIndex
		}
		ivf.codebooks = make([][][]float32, numBooks)
		for i := range ivf.codebooks {
			ivf.codebooks[i] = rd.matrix()
		}
		ix.ivf = ivf
	default:
		return nil, errCorruptIndex
	}

	if rd.err != nil {
		return nil, errCorruptIndex
	}
	return ix, nil
}

type writer struct {
	buf *bytes.Buffer
}

func (w writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w writer) bytes(data []byte) {
	w.u32(uint32(len(data)))
	w.buf.Write(data)
}

func (w writer) vector(v []float32) {
	w.u32(uint32(len(v)))
	for _, x := range v {
		w.u32(math.Float32bits(x))
	}
}

func (w writer) matrix(rows [][]float32) {
	w.u32(uint32(len(rows)))
	if len(rows) == 0 {
		w.u32(0)
		return
	}
	w.u32(uint32(len(rows[0])))
	for _, row := range rows {
		for _, x := range row {
			w.u32(math.Float32bits(x))
		}
	}
}

type reader struct {
	r   *bytes.Reader
	err error
}

func (rd *reader) u16() uint16 {
	var b [2]byte
	if rd.err == nil {
		_, rd.err = io.ReadFull(rd.r, b[:])
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (rd *reader) u32() uint32 {
	var b [4]byte
	if rd.err == nil {
		_, rd.err = io.ReadFull(rd.r, b[:])
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (rd *reader) u64() uint64 {
	var b [8]byte
	if rd.err == nil {
		_, rd.err = io.ReadFull(rd.r, b[:])
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (rd *reader) bytes() []byte {
	count := int(rd.u32())
	if rd.err != nil || count < 0 || count > rd.r.Len() {
		rd.fail()
		return nil
	}
	data := make([]byte, count)
	_, rd.err = io.ReadFull(rd.r, data)
	return data
}

func (rd *reader) vector() []float32 {
	count := int(rd.u32())
	if rd.err != nil || count < 0 || count*4 > rd.r.Len() {
		rd.fail()
		return nil
	}
	v := make([]float32, count)
	for i := range v {
		v[i] = math.Float32frombits(rd.u32())
	}
	return v
}

func (rd *reader) matrix() [][]float32 {
	n := int(rd.u32())
	dim := int(rd.u32())
	if rd.err != nil || n < 0 || dim < 0 || n*dim*4 > rd.r.Len() {
		rd.fail()
		return nil
	}
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(rd.u32())
		}
		rows[i] = row
	}
	return rows
}

func (rd *reader) fail() {
	if rd.err == nil {
		rd.err = errCorruptIndex
	}
}
