package port

import (
	"context"

	"reviewsearch/internal/domain"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns the embedding of a single text. Empty text is an error,
	// never a zero vector.
	Embed(ctx context.Context, text string) (domain.Vector, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([]domain.Vector, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// QueryEmbedder is implemented by embedders whose query-time embedding
// differs from index-time embedding (e.g. corpus statistics are only
// updated when indexing).
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) (domain.Vector, error)
}
