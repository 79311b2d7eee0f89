package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies the compression applied to a stored value. The byte
// values are part of the on-disk format.
type Encoding byte

const (
	// EncodingRaw stores the payload as-is.
	EncodingRaw Encoding = 0x00
	// EncodingLZ4 is used for latency-critical namespaces.
	EncodingLZ4 Encoding = 0x01
	// EncodingZstd is the default for mid-sized payloads.
	EncodingZstd Encoding = 0x02
	// EncodingGzip is used for payloads over a mebibyte.
	EncodingGzip Encoding = 0x03
)

const (
	rawCutoff  = 1024
	gzipCutoff = 1 << 20
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// selectEncoding picks the encoding for a payload by namespace policy and
// size.
func selectEncoding(ns Namespace, size int) Encoding {
	switch ns {
	case NamespaceSearch:
		return EncodingLZ4
	case NamespaceSemantic:
		return EncodingRaw
	}
	switch {
	case size < rawCutoff:
		return EncodingRaw
	case size <= gzipCutoff:
		return EncodingZstd
	default:
		return EncodingGzip
	}
}

func compress(enc Encoding, payload []byte) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return payload, nil
	case EncodingZstd:
		return zstdEncoder.EncodeAll(payload, nil), nil
	case EncodingLZ4:
		buf := new(bytes.Buffer)
		w := lz4.NewWriter(buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("cache: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("cache: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingGzip:
		buf := new(bytes.Buffer)
		w := gzip.NewWriter(buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("cache: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("cache: gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("cache: unknown encoding 0x%02x", byte(enc))
	}
}

func decompress(enc Encoding, payload []byte) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return payload, nil
	case EncodingZstd:
		return zstdDecoder.DecodeAll(payload, nil)
	case EncodingLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		return io.ReadAll(r)
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("cache: gzip decompress: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("cache: unknown encoding 0x%02x", byte(enc))
	}
}
