package port

import (
	"context"

	"reviewsearch/internal/domain"
)

// RecordStore is the durable mapping ReviewID -> ReviewRecord.
//
// Writes are durable when the call returns and are all-or-nothing. Reads
// never block on writes to other ids. Failures other than NotFound are
// reported as *domain.StorageError.
type RecordStore interface {
	// NextIDs reserves n fresh ReviewIDs. IDs are never handed out twice,
	// even when the reservation is not used.
	NextIDs(ctx context.Context, n int) ([]domain.ReviewID, error)

	// AdvanceSequence makes sure no id <= atLeast is handed out again.
	AdvanceSequence(ctx context.Context, atLeast domain.ReviewID) error

	Put(ctx context.Context, rec domain.ReviewRecord) error

	// PutBatch writes all records in one transaction.
	PutBatch(ctx context.Context, recs []domain.ReviewRecord) error

	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id domain.ReviewID) (domain.ReviewRecord, error)

	// GetMany returns the records that exist, in the order of ids. Unknown
	// ids are skipped.
	GetMany(ctx context.Context, ids []domain.ReviewID) ([]domain.ReviewRecord, error)

	// Delete returns domain.ErrNotFound for unknown ids.
	Delete(ctx context.Context, id domain.ReviewID) error

	ForEach(ctx context.Context, fn func(domain.ReviewRecord) error) error

	Count(ctx context.Context) (int, error)

	Close() error
}

// Layout is the persisted partition structure of the index.
type Layout struct {
	NextPartitionID uint64            `msgpack:"next"`
	Partitions      []PartitionLayout `msgpack:"parts"`
}

type PartitionLayout struct {
	ID       uint64            `msgpack:"id" json:"id"`
	Centroid domain.Vector     `msgpack:"c" json:"centroid"`
	Members  []domain.ReviewID `msgpack:"m" json:"members"`
	Version  uint64            `msgpack:"ver" json:"version"`
}

// LayoutStore checkpoints the partition layout so that a restart does not
// have to re-route the corpus.
type LayoutStore interface {
	SaveLayout(ctx context.Context, layout Layout) error

	// LoadLayout returns ok=false when nothing was checkpointed yet.
	LoadLayout(ctx context.Context) (layout Layout, ok bool, err error)
}
