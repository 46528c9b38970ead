// Package index is the incremental index engine: it owns the write path
// (insert, delete, update, bulk) over the record store and the partition
// manager, and runs the background maintenance that keeps partitions
// balanced.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/partition"
	"reviewsearch/internal/port"
	"reviewsearch/internal/vector"
)

type Options struct {
	Dimension         int
	MaxPartitionSize  int
	MergeLowWatermark int
	SplitIterations   int

	// MaxRetries bounds local retries of partition contention.
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// CheckpointInterval is how often the partition layout is persisted
	// while running. Zero checkpoints only on Close.
	CheckpointInterval time.Duration
	FixupQueueSize     int

	Reassign ReassignOptions
	Logger   zerolog.Logger
}

type ReassignOptions struct {
	Enabled bool
	// Interval is the pause between passes. It doubles up to MaxInterval
	// while foreground load stays above LoadThreshold.
	Interval       time.Duration
	MaxInterval    time.Duration
	SampleSize     int
	MovesPerSecond float64
	// LoadThreshold is the number of in-flight foreground operations above
	// which reassignment backs off.
	LoadThreshold int64
	Margin        float64
}

// Engine coordinates the record store and the partition manager.
//
// Writers never hold a lock across both: a record is persisted before it
// is routed and unrouted before it is deleted, so a crash between the two
// steps leaves an orphan record, which Reconcile adopts, never a member
// without a record.
type Engine struct {
	opts    Options
	store   port.RecordStore
	layouts port.LayoutStore
	parts   *partition.Manager
	log     zerolog.Logger

	retry   retrypolicy.RetryPolicy[any]
	fixups  *fixupQueue
	limiter *rate.Limiter

	// maint is held shared by writers and exclusively by whole-index
	// maintenance (reconcile, snapshot restore).
	maint sync.RWMutex

	load    atomic.Int64
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine over store. layouts may be nil, in which case the
// partition layout is rebuilt by Reconcile on every Open.
func New(store port.RecordStore, layouts port.LayoutStore, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Reassign.SampleSize <= 0 {
		opts.Reassign.SampleSize = 256
	}
	if opts.Reassign.Interval <= 0 {
		opts.Reassign.Interval = 30 * time.Second
	}
	if opts.Reassign.MaxInterval < opts.Reassign.Interval {
		opts.Reassign.MaxInterval = opts.Reassign.Interval * 8
	}
	if opts.Reassign.LoadThreshold <= 0 {
		opts.Reassign.LoadThreshold = 32
	}

	e := &Engine{
		opts:    opts,
		store:   store,
		layouts: layouts,
		log:     opts.Logger.With().Str("component", "index").Logger(),
		retry:   newRetryPolicy(opts.MaxRetries, opts.RetryDelay, opts.RetryMaxDelay),
	}
	e.parts = partition.NewManager(store, partition.Options{
		Dimension:       opts.Dimension,
		MaxSize:         opts.MaxPartitionSize,
		LowWatermark:    opts.MergeLowWatermark,
		SplitIterations: opts.SplitIterations,
		Logger:          opts.Logger,
	})
	// the manager fills in defaults
	e.opts.MaxPartitionSize = e.parts.Options().MaxSize
	e.opts.MergeLowWatermark = e.parts.Options().LowWatermark

	limit := rate.Inf
	if opts.Reassign.MovesPerSecond > 0 {
		limit = rate.Limit(opts.Reassign.MovesPerSecond)
	}
	e.limiter = rate.NewLimiter(limit, max(int(opts.Reassign.MovesPerSecond), 1))
	e.fixups = newFixupQueue(opts.FixupQueueSize, e.applyFixup, e.log)
	return e
}

// Open restores the checkpointed partition layout and reconciles it with
// the record store.
func (e *Engine) Open(ctx context.Context) error {
	if e.layouts != nil {
		layout, ok, err := e.layouts.LoadLayout(ctx)
		if err != nil {
			return fmt.Errorf("load layout: %w", err)
		}
		if ok {
			if err := e.parts.Load(layout); err != nil {
				return fmt.Errorf("load layout: %w", err)
			}
		}
	}

	report, err := e.Reconcile(ctx)
	if err != nil {
		return err
	}
	e.log.Info().
		Int("partitions", len(e.parts.Partitions())).
		Int("members", e.parts.Members()).
		Int("adopted", report.Adopted).
		Int("dropped", report.Dropped).
		Msg("index opened")
	return nil
}

// Start runs the fixup worker, the reassignment loop and the checkpoint
// loop until Close.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fixups.Start(ctx)
	}()

	if e.opts.Reassign.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reassignLoop(ctx)
		}()
	}

	if e.opts.CheckpointInterval > 0 && e.layouts != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.checkpointLoop(ctx)
		}()
	}
}

// Close stops background work and writes a final checkpoint. The record
// store is left open; it belongs to the caller.
func (e *Engine) Close() error {
	if e.running.CompareAndSwap(true, false) {
		e.cancel()
		e.wg.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Checkpoint(ctx)
}

// Partitions exposes the partition manager to the query engine.
func (e *Engine) Partitions() *partition.Manager {
	return e.parts
}

func (e *Engine) Dimension() int {
	return e.opts.Dimension
}

// Track counts a foreground operation until the returned func is called.
// Background reassignment backs off while the count is high.
func (e *Engine) Track() func() {
	e.load.Add(1)
	return func() { e.load.Add(-1) }
}

// ReportDangling schedules removal of members that were found without a
// record.
func (e *Engine) ReportDangling(ids ...domain.ReviewID) {
	for _, id := range ids {
		e.fixups.AddDangling(id)
	}
}

// Insert stores a new review and routes it into a partition. The returned
// id is searchable once Insert returns.
func (e *Engine) Insert(ctx context.Context, v domain.Vector, md domain.Metadata) (domain.ReviewID, error) {
	defer e.Track()()
	if err := domain.CheckDimension(v, e.opts.Dimension); err != nil {
		return 0, err
	}

	e.maint.RLock()
	defer e.maint.RUnlock()

	ids, err := e.store.NextIDs(ctx, 1)
	if err != nil {
		return 0, err
	}
	rec := domain.ReviewRecord{
		ID:         ids[0],
		Vector:     vector.Clone(v),
		Metadata:   md,
		InsertedAt: time.Now().UTC(),
		Version:    1,
	}
	if err := e.store.Put(ctx, rec); err != nil {
		if unsettled(err) {
			e.compensate(ctx, rec.ID, err)
		}
		return 0, err
	}

	if err := e.place(ctx, partition.Member{ID: rec.ID, Vector: rec.Vector}); err != nil {
		e.compensate(ctx, rec.ID, err)
		return 0, err
	}

	e.log.Debug().Stringer("id", rec.ID).Msg("review inserted")
	return rec.ID, nil
}

// place routes member into the nearest partition, splitting it when full.
// The member that triggered a split lands directly in one of the halves.
func (e *Engine) place(ctx context.Context, member partition.Member) error {
	return e.withRetry(ctx, func() error {
		pid, err := e.parts.Route(member.Vector)
		if err != nil {
			return err
		}
		err = e.parts.InsertInto(pid, member)
		if errors.Is(err, partition.ErrNeedsSplit) {
			_, _, err = e.parts.Split(ctx, pid, member)
		}
		return err
	})
}

// compensate removes a persisted record whose routing failed. A failure
// here leaves an orphan that Reconcile adopts later.
func (e *Engine) compensate(ctx context.Context, id domain.ReviewID, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.log.Error().Err(err).AnErr("cause", cause).Stringer("id", id).
			Msg("failed to remove unrouted record, left for reconcile")
	}
}

// unsettled reports whether a write failed on a deadline or cancellation,
// after which a store other than bbolt may still apply it.
func unsettled(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// Delete removes a review. Membership goes first, so a concurrent search
// can no longer reach the id once its record disappears.
func (e *Engine) Delete(ctx context.Context, id domain.ReviewID) error {
	defer e.Track()()
	e.maint.RLock()
	defer e.maint.RUnlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	var (
		owner   partition.ID
		size    int
		removed bool
	)
	err = e.withRetry(ctx, func() error {
		var err error
		owner, size, err = e.parts.Remove(id, rec.Vector)
		return err
	})
	switch {
	case err == nil:
		removed = true
	case errors.Is(err, domain.ErrNotFound):
		// orphan record, nothing to unroute
	default:
		return err
	}

	if err := e.store.Delete(ctx, id); err != nil {
		if removed && !errors.Is(err, domain.ErrNotFound) {
			e.restore(ctx, owner, partition.Member{ID: id, Vector: rec.Vector})
		}
		return err
	}

	if removed && size < e.opts.MergeLowWatermark {
		e.fixups.AddMerge(owner)
	}
	e.log.Debug().Stringer("id", id).Msg("review deleted")
	return nil
}

// restore puts a member back after its record write failed, preferring
// its former partition.
func (e *Engine) restore(ctx context.Context, owner partition.ID, member partition.Member) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.parts.Restore(owner, member); err == nil {
		return
	}
	if err := e.place(ctx, member); err != nil {
		e.log.Error().Err(err).Stringer("id", member.ID).
			Msg("failed to restore membership, left for reconcile")
	}
}

// Update replaces the vector of an existing review, keeping its id and
// metadata and bumping its version. The review is unrouted before its
// record changes; on failure the old record and membership are put back.
func (e *Engine) Update(ctx context.Context, id domain.ReviewID, v domain.Vector) (domain.ReviewRecord, error) {
	defer e.Track()()
	if err := domain.CheckDimension(v, e.opts.Dimension); err != nil {
		return domain.ReviewRecord{}, err
	}
	e.maint.RLock()
	defer e.maint.RUnlock()

	old, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	prev := partition.Member{ID: id, Vector: old.Vector}

	var (
		owner   partition.ID
		removed bool
	)
	err = e.withRetry(ctx, func() error {
		var err error
		owner, _, err = e.parts.Remove(id, old.Vector)
		return err
	})
	switch {
	case err == nil:
		removed = true
	case errors.Is(err, domain.ErrNotFound):
		// orphan record, nothing to unroute
	default:
		return domain.ReviewRecord{}, err
	}

	rec := old
	rec.Vector = vector.Clone(v)
	rec.Version = old.Version + 1
	if err := e.store.Put(ctx, rec); err != nil {
		if unsettled(err) {
			e.revert(ctx, old, err)
		}
		if removed {
			e.restore(ctx, owner, prev)
		}
		return domain.ReviewRecord{}, err
	}

	if err := e.place(ctx, partition.Member{ID: id, Vector: rec.Vector}); err != nil {
		e.revert(ctx, old, err)
		if removed {
			e.restore(ctx, owner, prev)
		}
		return domain.ReviewRecord{}, err
	}
	return rec, nil
}

// revert writes back the record an update replaced.
func (e *Engine) revert(ctx context.Context, old domain.ReviewRecord, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.Put(ctx, old); err != nil {
		e.log.Error().Err(err).AnErr("cause", cause).Stringer("id", old.ID).
			Msg("failed to revert updated review, left for reconcile")
	}
}

func (e *Engine) Get(ctx context.Context, id domain.ReviewID) (domain.ReviewRecord, error) {
	return e.store.Get(ctx, id)
}

// Checkpoint persists the current partition layout.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.layouts == nil {
		return nil
	}
	layout := e.parts.Layout()
	if err := e.layouts.SaveLayout(ctx, layout); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	e.log.Debug().Int("partitions", len(layout.Partitions)).Msg("layout checkpointed")
	return nil
}

// WaitForFixups blocks until queued merges and repairs are done. Without a
// running worker the queue is drained on the calling goroutine.
func (e *Engine) WaitForFixups(ctx context.Context) error {
	if e.running.Load() {
		e.fixups.Wait()
		return nil
	}
	return e.fixups.runAll(ctx)
}

func (e *Engine) Stats(ctx context.Context) (domain.Stats, error) {
	st := e.parts.Stats()
	n, err := e.store.Count(ctx)
	if err != nil {
		return st, err
	}
	st.Records = n
	st.PendingFixups = e.fixups.Pending()
	st.ForegroundLoad = e.load.Load()
	return st, nil
}

func (e *Engine) applyFixup(ctx context.Context, f fixup) error {
	switch f.Type {
	case mergeFixup:
		return e.mergeSmall(ctx, f.Partition)
	case danglingFixup:
		return e.dropDangling(ctx, f.Review)
	default:
		return fmt.Errorf("unknown fixup type %d", f.Type)
	}
}

// mergeSmall merges partition id into its nearest neighbour if it is still
// below the low watermark.
func (e *Engine) mergeSmall(ctx context.Context, id partition.ID) error {
	size, ok := e.parts.Size(id)
	if !ok || size >= e.opts.MergeLowWatermark {
		return nil
	}
	return e.withRetry(ctx, func() error {
		target, ok := e.parts.MergeTarget(id)
		if !ok {
			return nil
		}
		_, err := e.parts.Merge(ctx, id, target)
		if errors.Is(err, partition.ErrTooLarge) {
			// the target grew since it was picked
			return domain.ErrRetry
		}
		return err
	})
}

func (e *Engine) dropDangling(ctx context.Context, id domain.ReviewID) error {
	_, err := e.store.Get(ctx, id)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	err = e.withRetry(ctx, func() error {
		_, _, err := e.parts.Remove(id, nil)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
