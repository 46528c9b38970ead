package query

import (
	"context"

	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
	"reviewsearch/internal/vector"
)

// Exhaustive scores every stored record against q. It is the ground truth
// recall is measured against.
func Exhaustive(ctx context.Context, store port.RecordStore, q domain.Vector, topK int) ([]domain.ScoredReview, error) {
	if topK <= 0 {
		return nil, ErrInvalidK
	}
	var hits []domain.ScoredReview
	err := store.ForEach(ctx, func(rec domain.ReviewRecord) error {
		if err := domain.CheckDimension(q, len(rec.Vector)); err != nil {
			return err
		}
		hits = append(hits, domain.ScoredReview{
			ID:       rec.ID,
			Score:    vector.Cosine(q, rec.Vector),
			Metadata: rec.Metadata,
		})
		// keep the buffer bounded on large stores
		if len(hits) >= 4*topK+1024 {
			sortHits(hits)
			hits = hits[:topK]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Recall is the fraction of want found in got.
func Recall(got, want []domain.ScoredReview) float64 {
	if len(want) == 0 {
		return 1
	}
	in := make(map[domain.ReviewID]bool, len(got))
	for _, h := range got {
		in[h.ID] = true
	}
	n := 0
	for _, h := range want {
		if in[h.ID] {
			n++
		}
	}
	return float64(n) / float64(len(want))
}
