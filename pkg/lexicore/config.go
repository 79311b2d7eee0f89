package lexicore

import (
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/openlexica/lexicore/pkg/cache"
	"github.com/openlexica/lexicore/pkg/vecindex"
)

// DefaultVectorPQSeed seeds product-quantizer training when the caller does
// not supply one.
const DefaultVectorPQSeed int64 = 0xF10A1D1

// Config is the closed configuration set of the core.
type Config struct {
	// Dir is the directory holding the cache and blob-store files.
	Dir string

	// InlineThresholdBytes is the blob inline/external cutoff
	// (default 1024).
	InlineThresholdBytes int

	// L1CapacityPerNamespace is the cache LRU entry cap (default 1000).
	L1CapacityPerNamespace int

	// L1ByteCapPerNamespace is the cache LRU byte cap (default 64 MiB).
	L1ByteCapPerNamespace int64

	// DefaultTTLs overrides per-namespace cache TTLs.
	DefaultTTLs map[cache.Namespace]time.Duration

	// MaxFuzzyCandidates caps fuzzy pre-selection (default 10000).
	MaxFuzzyCandidates int

	// VectorQualityBudget is the default index-selection budget
	// (default balanced).
	VectorQualityBudget vecindex.Budget

	// VectorPQSeed seeds quantizer training (default DefaultVectorPQSeed).
	VectorPQSeed int64

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                 dir,
		VectorQualityBudget: vecindex.BudgetBalanced,
		VectorPQSeed:        DefaultVectorPQSeed,
	}
}

// Validate fails fast on programmer errors in the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return wrapError("config", KindInvalidConfig, errors.New("empty dir"))
	}
	if c.InlineThresholdBytes < 0 {
		return wrapError("config", KindInvalidConfig, errors.New("negative inline threshold"))
	}
	if c.MaxFuzzyCandidates < 0 {
		return wrapError("config", KindInvalidConfig, errors.New("negative fuzzy candidate cap"))
	}
	switch c.VectorQualityBudget {
	case "", vecindex.BudgetExact, vecindex.BudgetHigh, vecindex.BudgetBalanced, vecindex.BudgetMemory:
	default:
		return wrapError("config", KindInvalidConfig, errors.New("unknown quality budget"))
	}
	return nil
}

func (c *Config) cachePath() string {
	return filepath.Join(c.Dir, "cache.db")
}

func (c *Config) blobPath() string {
	return filepath.Join(c.Dir, "blobs.db")
}
