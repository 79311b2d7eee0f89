package lexicore

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError per the error taxonomy.
type Kind uint8

// The error kinds.
const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = iota
	// KindEmptyQuery marks a query that normalized to nothing.
	KindEmptyQuery
	// KindCorpusCycle marks a back-edge in the corpus hierarchy.
	KindCorpusCycle
	// KindVectorIndexNotReady marks a semantic operation before the
	// vector index is built.
	KindVectorIndexNotReady
	// KindEmbeddingProvider marks an injected-provider failure.
	KindEmbeddingProvider
	// KindBlobConflict marks a lost save race after retries.
	KindBlobConflict
	// KindCacheWriteFailed marks a failed cache write-through.
	KindCacheWriteFailed
	// KindCorruptBlob marks a content-hash mismatch on read.
	KindCorruptBlob
	// KindDeadlineExceeded marks a cascade cut short by its deadline.
	KindDeadlineExceeded
	// KindInvalidConfig marks a programmer error caught at startup.
	KindInvalidConfig
	// KindUnknownCorpus marks an operation against an unregistered
	// corpus handle.
	KindUnknownCorpus
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindEmptyQuery:
		return "empty_query"
	case KindCorpusCycle:
		return "corpus_cycle"
	case KindVectorIndexNotReady:
		return "vector_index_not_ready"
	case KindEmbeddingProvider:
		return "embedding_provider_error"
	case KindBlobConflict:
		return "blob_conflict"
	case KindCacheWriteFailed:
		return "cache_write_failed"
	case KindCorruptBlob:
		return "corrupt_blob"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindInvalidConfig:
		return "invalid_config"
	case KindUnknownCorpus:
		return "unknown_corpus"
	default:
		return "internal"
	}
}

// CoreError wraps a failure with the operation that produced it and its
// taxonomy kind.
type CoreError struct {
	Op   string
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lexicore: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("lexicore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// wrapError attaches op and kind context to an error.
func wrapError(op string, kind Kind, err error) error {
	return &CoreError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain; plain errors report
// KindInternal.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
