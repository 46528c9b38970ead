package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"reviewsearch/internal/adapter/fs"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/index"
	"reviewsearch/internal/port"
)

// IngestUseCase turns review text into indexed vectors.
type IngestUseCase struct {
	engine    *index.Engine
	embedder  port.Embedder
	walker    *fs.Walker
	batchSize int
	log       zerolog.Logger
}

// NewIngestUseCase creates a new ingest use case.
func NewIngestUseCase(
	engine *index.Engine,
	embedder port.Embedder,
	walker *fs.Walker,
	batchSize int,
	log zerolog.Logger,
) *IngestUseCase {
	if batchSize <= 0 {
		batchSize = 256
	}
	return &IngestUseCase{
		engine:    engine,
		embedder:  embedder,
		walker:    walker,
		batchSize: batchSize,
		log:       log,
	}
}

// Add embeds and inserts a single review.
func (u *IngestUseCase) Add(ctx context.Context, review domain.Review) (domain.ReviewID, error) {
	v, err := u.embedder.Embed(ctx, review.Text())
	if err != nil {
		return 0, err
	}
	return u.engine.Insert(ctx, v, review.Metadata())
}

// AddBatch embeds and inserts reviews, one result per review in input
// order. A review that fails to embed fails alone.
func (u *IngestUseCase) AddBatch(ctx context.Context, reviews []domain.Review, progress index.ProgressFunc) []domain.BatchResult {
	results := make([]domain.BatchResult, len(reviews))
	vectors, errs := u.embedAll(ctx, reviews)

	var (
		items []domain.BatchItem
		pos   []int
	)
	for i, r := range reviews {
		if errs[i] != nil {
			results[i].Err = errs[i]
			continue
		}
		items = append(items, domain.BatchItem{Vector: vectors[i], Metadata: r.Metadata()})
		pos = append(pos, i)
	}

	skipped := len(reviews) - len(items)
	var report index.ProgressFunc
	if progress != nil {
		report = func(done, total int) { progress(done+skipped, total+skipped) }
	}
	for j, r := range u.engine.InsertBatch(ctx, items, report) {
		results[pos[j]] = r
	}
	return results
}

// embedAll embeds texts in one call, falling back to one call per text so
// that a bad review does not fail its batch.
func (u *IngestUseCase) embedAll(ctx context.Context, reviews []domain.Review) ([]domain.Vector, []error) {
	texts := make([]string, len(reviews))
	for i, r := range reviews {
		texts[i] = r.Text()
	}
	errs := make([]error, len(reviews))

	vectors, err := u.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vectors) == len(texts) {
		return vectors, errs
	}
	if err != nil {
		u.log.Debug().Err(err).Int("texts", len(texts)).Msg("batch embedding failed, embedding one by one")
	}

	vectors = make([]domain.Vector, len(texts))
	for i, text := range texts {
		vectors[i], errs[i] = u.embedder.Embed(ctx, text)
	}
	return vectors, errs
}

// Update re-embeds a review and replaces the vector stored under id.
func (u *IngestUseCase) Update(ctx context.Context, id domain.ReviewID, review domain.Review) (domain.ReviewRecord, error) {
	v, err := u.embedder.Embed(ctx, review.Text())
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	return u.engine.Update(ctx, id, v)
}

func (u *IngestUseCase) Delete(ctx context.Context, id domain.ReviewID) error {
	return u.engine.Delete(ctx, id)
}

// IngestResult contains the results of a file ingestion.
type IngestResult struct {
	Files    int      `json:"files"`
	Reviews  int      `json:"reviews"`
	Inserted int      `json:"inserted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Ingest reads every review file below root and inserts its reviews in
// batches. progress, if set, is called with the number of reviews read
// and settled so far.
func (u *IngestUseCase) Ingest(ctx context.Context, root string, progress func(done int)) (*IngestResult, error) {
	files, err := u.walker.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	result := &IngestResult{}
	var batch []domain.Review
	flush := func() {
		if len(batch) == 0 {
			return
		}
		base := result.Reviews - len(batch)
		results := u.AddBatch(ctx, batch, func(done, _ int) {
			if progress != nil {
				progress(base + done)
			}
		})
		for i, r := range results {
			if r.OK() {
				result.Inserted++
				continue
			}
			result.Failed++
			if len(result.Errors) < 20 {
				result.Errors = append(result.Errors, fmt.Sprintf("review %d: %v", base+i, r.Err))
			}
		}
		batch = batch[:0]
	}

	for _, file := range files {
		err := fs.ReadReviews(file.Path, func(r domain.Review) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result.Reviews++
			batch = append(batch, r)
			if len(batch) >= u.batchSize {
				flush()
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read %s: %v", file.Path, err))
			continue
		}
		result.Files++
	}
	flush()

	u.log.Info().
		Int("files", result.Files).
		Int("inserted", result.Inserted).
		Int("failed", result.Failed).
		Msg("ingest finished")
	return result, nil
}
