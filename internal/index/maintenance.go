package index

import (
	"context"
	"time"

	"reviewsearch/internal/partition"
)

// Reassign runs one reassignment pass and queues merges for the partitions
// it left undersized. The pass yields as soon as foreground load exceeds
// the configured threshold.
func (e *Engine) Reassign(ctx context.Context) (partition.ReassignReport, error) {
	report, err := e.parts.Reassign(ctx, partition.ReassignOptions{
		SampleSize: e.opts.Reassign.SampleSize,
		Margin:     float32(e.opts.Reassign.Margin),
		Limiter:    e.limiter,
		ShouldYield: func() bool {
			return e.load.Load() > e.opts.Reassign.LoadThreshold
		},
	})
	if err != nil {
		return report, err
	}
	for _, id := range report.Small {
		e.fixups.AddMerge(id)
	}
	return report, nil
}

func (e *Engine) reassignLoop(ctx context.Context) {
	interval := e.opts.Reassign.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if e.load.Load() > e.opts.Reassign.LoadThreshold {
			interval = min(interval*2, e.opts.Reassign.MaxInterval)
			e.log.Debug().Dur("next", interval).Msg("foreground busy, reassignment backing off")
			timer.Reset(interval)
			continue
		}
		interval = e.opts.Reassign.Interval

		report, err := e.Reassign(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			e.log.Error().Err(err).Msg("reassignment pass failed")
		case report.Moved > 0 || report.Yielded:
			e.log.Debug().
				Int("scanned", report.Scanned).
				Int("moved", report.Moved).
				Bool("yielded", report.Yielded).
				Msg("reassignment pass")
		}
		timer.Reset(interval)
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Msg("checkpoint failed")
			}
		}
	}
}
