package index

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/partition"
)

type ReconcileReport struct {
	Records int `json:"records"`
	// Adopted records were persisted but owned by no partition.
	Adopted int `json:"adopted"`
	// Dropped members had no stored record.
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// Reconcile brings the partition structure in line with the record store:
// members without a record are dropped and records without a partition
// are routed. It excludes concurrent writes for its duration.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	e.maint.Lock()
	defer e.maint.Unlock()
	return e.reconcileLocked(ctx)
}

func (e *Engine) reconcileLocked(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	existing := roaring64.New()
	var orphans []partition.Member
	err := e.store.ForEach(ctx, func(rec domain.ReviewRecord) error {
		existing.Add(uint64(rec.ID))
		if _, ok := e.parts.Owner(rec.ID); !ok {
			orphans = append(orphans, partition.Member{ID: rec.ID, Vector: rec.Vector})
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	report.Records = int(existing.GetCardinality())

	report.Dropped = e.parts.DropDangling(ctx, func(id domain.ReviewID) bool {
		return existing.Contains(uint64(id))
	})

	for _, m := range orphans {
		if err := domain.CheckDimension(m.Vector, e.opts.Dimension); err != nil {
			e.log.Error().Err(err).Stringer("id", m.ID).Msg("stored record has wrong dimension, skipped")
			report.Failed++
			continue
		}
		if err := e.place(ctx, m); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			e.log.Error().Err(err).Stringer("id", m.ID).Msg("failed to adopt orphan record")
			report.Failed++
			continue
		}
		report.Adopted++
	}

	for _, id := range e.parts.SmallPartitions() {
		e.fixups.AddMerge(id)
	}

	if report.Adopted > 0 || report.Dropped > 0 {
		e.log.Info().
			Int("records", report.Records).
			Int("adopted", report.Adopted).
			Int("dropped", report.Dropped).
			Msg("index reconciled")
	}
	return report, nil
}
