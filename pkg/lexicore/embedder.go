package lexicore

import (
	"context"
	"errors"
)

// EmbeddingProvider turns text into L2-normalized embedding vectors. The
// core does not embed text itself; providers are injected and registered by
// name. A provider's Identity is folded into the vector-index version hash,
// so swapping providers forces a rebuild.
type EmbeddingProvider interface {
	// Embed converts a batch of texts into one vector per text. Returned
	// vectors must be L2-normalized; the core does not normalize.
	Embed(ctx context.Context, batch []string) ([][]float32, error)

	// Dimension returns the fixed vector dimension.
	Dimension() int

	// Identity names the provider and model version, e.g.
	// "minilm-l6-v2@1".
	Identity() string
}

// Errors related to provider operations.
var (
	// ErrNoProvider is returned when a vector build names an unregistered
	// provider.
	ErrNoProvider = errors.New("lexicore: embedding provider not registered")
)
