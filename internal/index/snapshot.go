package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

const snapshotFormat = 1

// ErrStoreNotEmpty is returned when a snapshot is restored over an index
// that already holds records.
var ErrStoreNotEmpty = errors.New("index is not empty")

type snapshot struct {
	Format          int                    `msgpack:"format"`
	Dimension       int                    `msgpack:"dimension"`
	CreatedAt       time.Time              `msgpack:"created_at"`
	NextPartitionID uint64                 `msgpack:"next_partition_id"`
	Records         []domain.ReviewRecord  `msgpack:"records"`
	Partitions      []port.PartitionLayout `msgpack:"partitions"`
}

type SnapshotInfo struct {
	Records    int       `json:"records"`
	Partitions int       `json:"partitions"`
	CreatedAt  time.Time `json:"created_at"`
}

// WriteSnapshot writes a zstd-compressed msgpack document holding every
// record and the partition layout. Writes are held off while the snapshot
// is taken so that records and layout agree.
func (e *Engine) WriteSnapshot(ctx context.Context, w io.Writer) (SnapshotInfo, error) {
	e.maint.Lock()
	snap := snapshot{
		Format:    snapshotFormat,
		Dimension: e.opts.Dimension,
		CreatedAt: time.Now().UTC(),
	}
	err := e.store.ForEach(ctx, func(rec domain.ReviewRecord) error {
		snap.Records = append(snap.Records, rec)
		return nil
	})
	layout := e.parts.Layout()
	e.maint.Unlock()
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("snapshot: %w", err)
	}
	snap.NextPartitionID = layout.NextPartitionID
	snap.Partitions = layout.Partitions

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return SnapshotInfo{}, err
	}
	if err := msgpack.NewEncoder(zw).Encode(&snap); err != nil {
		zw.Close()
		return SnapshotInfo{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return SnapshotInfo{}, fmt.Errorf("compress snapshot: %w", err)
	}

	info := SnapshotInfo{Records: len(snap.Records), Partitions: len(snap.Partitions), CreatedAt: snap.CreatedAt}
	e.log.Info().Int("records", info.Records).Int("partitions", info.Partitions).Msg("snapshot written")
	return info, nil
}

// RestoreSnapshot loads a snapshot into an empty index, then reconciles
// and checkpoints the result.
func (e *Engine) RestoreSnapshot(ctx context.Context, r io.Reader) (SnapshotInfo, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer zr.Close()

	var snap snapshot
	if err := msgpack.NewDecoder(zr).Decode(&snap); err != nil {
		return SnapshotInfo{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Format != snapshotFormat {
		return SnapshotInfo{}, fmt.Errorf("unsupported snapshot format %d", snap.Format)
	}
	if snap.Dimension != e.opts.Dimension {
		return SnapshotInfo{}, fmt.Errorf("snapshot: %w", &domain.DimensionMismatchError{Expected: e.opts.Dimension, Actual: snap.Dimension})
	}

	e.maint.Lock()
	defer e.maint.Unlock()

	n, err := e.store.Count(ctx)
	if err != nil {
		return SnapshotInfo{}, err
	}
	if n > 0 {
		return SnapshotInfo{}, fmt.Errorf("restore snapshot: %w (%d records)", ErrStoreNotEmpty, n)
	}

	const chunk = 1000
	var maxID domain.ReviewID
	for start := 0; start < len(snap.Records); start += chunk {
		recs := snap.Records[start:min(start+chunk, len(snap.Records))]
		for _, rec := range recs {
			maxID = max(maxID, rec.ID)
		}
		if err := e.store.PutBatch(ctx, recs); err != nil {
			return SnapshotInfo{}, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	if err := e.store.AdvanceSequence(ctx, maxID); err != nil {
		return SnapshotInfo{}, err
	}

	if err := e.parts.Load(port.Layout{NextPartitionID: snap.NextPartitionID, Partitions: snap.Partitions}); err != nil {
		return SnapshotInfo{}, fmt.Errorf("restore snapshot: %w", err)
	}
	if _, err := e.reconcileLocked(ctx); err != nil {
		return SnapshotInfo{}, err
	}
	if err := e.Checkpoint(ctx); err != nil {
		return SnapshotInfo{}, err
	}

	info := SnapshotInfo{Records: len(snap.Records), Partitions: len(snap.Partitions), CreatedAt: snap.CreatedAt}
	e.log.Info().Int("records", info.Records).Int("partitions", info.Partitions).Msg("snapshot restored")
	return info, nil
}
