package usecase

import (
	"context"
	"time"

	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
	"reviewsearch/internal/query"
)

// SearchUseCase handles text search over the review index.
type SearchUseCase struct {
	query       *query.Engine
	embedder    port.Embedder
	defaultTopK int
	maxTopK     int
	timeout     time.Duration
}

// NewSearchUseCase creates a new search use case. A zero timeout leaves
// the caller's deadline alone.
func NewSearchUseCase(
	query *query.Engine,
	embedder port.Embedder,
	defaultTopK, maxTopK int,
	timeout time.Duration,
) *SearchUseCase {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	if maxTopK < defaultTopK {
		maxTopK = defaultTopK
	}
	return &SearchUseCase{
		query:       query,
		embedder:    embedder,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
		timeout:     timeout,
	}
}

// Search embeds text in query mode and returns the nearest reviews. A zero
// topK means the default; larger values are capped.
func (u *SearchUseCase) Search(ctx context.Context, text string, topK, fanout int) (query.Result, error) {
	switch {
	case topK == 0:
		topK = u.defaultTopK
	case topK > u.maxTopK:
		topK = u.maxTopK
	}
	if topK < 0 {
		return query.Result{}, query.ErrInvalidK
	}

	v, err := u.embedQuery(ctx, text)
	if err != nil {
		return query.Result{}, err
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	return u.query.SearchWithOptions(ctx, v, query.Options{TopK: topK, Fanout: fanout})
}

func (u *SearchUseCase) embedQuery(ctx context.Context, text string) (domain.Vector, error) {
	if qe, ok := u.embedder.(port.QueryEmbedder); ok {
		return qe.EmbedQuery(ctx, text)
	}
	return u.embedder.Embed(ctx, text)
}
