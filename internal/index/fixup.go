package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/partition"
)

type fixupType int

const (
	// mergeFixup folds an undersized partition into its nearest neighbour.
	mergeFixup fixupType = iota + 1
	// danglingFixup drops a member whose record no longer exists.
	danglingFixup
)

type fixup struct {
	Type      fixupType
	Partition partition.ID
	Review    domain.ReviewID
}

type fixupKey struct {
	Type fixupType
	ID   uint64
}

func (f fixup) key() fixupKey {
	if f.Type == danglingFixup {
		return fixupKey{Type: f.Type, ID: uint64(f.Review)}
	}
	return fixupKey{Type: f.Type, ID: uint64(f.Partition)}
}

// fixupQueue applies structural repairs on a background goroutine so that
// deletes and searches never pay for them. Duplicate fixups are dropped
// while one is pending, and the queue is bounded: when it is full new
// fixups are dropped and picked up again by a later delete or
// reassignment pass.
type fixupQueue struct {
	mu struct {
		sync.Mutex
		pending map[fixupKey]bool
		drained sync.Cond
	}

	fixups chan fixup
	apply  func(context.Context, fixup) error
	log    zerolog.Logger

	lastDropWarn time.Time
}

func newFixupQueue(size int, apply func(context.Context, fixup) error, log zerolog.Logger) *fixupQueue {
	if size <= 0 {
		size = 256
	}
	q := &fixupQueue{
		fixups: make(chan fixup, size),
		apply:  apply,
		log:    log,
	}
	q.mu.pending = make(map[fixupKey]bool, size)
	q.mu.drained.L = &q.mu
	return q
}

func (q *fixupQueue) AddMerge(id partition.ID) {
	q.add(fixup{Type: mergeFixup, Partition: id})
}

func (q *fixupQueue) AddDangling(rid domain.ReviewID) {
	q.add(fixup{Type: danglingFixup, Review: rid})
}

func (q *fixupQueue) add(f fixup) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := f.key()
	if q.mu.pending[key] {
		return
	}
	select {
	case q.fixups <- f:
		q.mu.pending[key] = true
	default:
		if time.Since(q.lastDropWarn) > time.Second {
			q.lastDropWarn = time.Now()
			q.log.Warn().Int("pending", len(q.mu.pending)).Msg("fixup queue full, dropping fixup")
		}
	}
}

// Pending returns the number of queued fixups.
func (q *fixupQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mu.pending)
}

// Start processes fixups until ctx is canceled.
func (q *fixupQueue) Start(ctx context.Context) {
	for {
		ok, err := q.run(ctx, true)
		if err != nil {
			q.log.Error().Err(err).Msg("fixup failed")
			continue
		}
		if !ok {
			return
		}
	}
}

// Wait blocks until every queued fixup has been processed.
func (q *fixupQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.mu.pending) > 0 {
		q.mu.drained.Wait()
	}
}

// runAll processes queued fixups on the calling goroutine. It is used when
// no background worker runs.
func (q *fixupQueue) runAll(ctx context.Context) error {
	var errs []error
	for {
		ok, err := q.run(ctx, false)
		if err != nil {
			errs = append(errs, err)
		}
		if !ok {
			return errors.Join(errs...)
		}
	}
}

func (q *fixupQueue) run(ctx context.Context, wait bool) (bool, error) {
	var next fixup
	if wait {
		select {
		case next = <-q.fixups:
		case <-ctx.Done():
			return false, nil
		}
	} else {
		select {
		case next = <-q.fixups:
		default:
			return false, nil
		}
	}

	err := q.apply(ctx, next)
	if err != nil {
		switch next.Type {
		case mergeFixup:
			err = fmt.Errorf("merging partition %d: %w", next.Partition, err)
		case danglingFixup:
			err = fmt.Errorf("dropping dangling review %d: %w", next.Review, err)
		}
	}

	// Forget the fixup even when it failed, so it is not retried in a loop.
	q.mu.Lock()
	delete(q.mu.pending, next.key())
	if len(q.mu.pending) == 0 {
		q.mu.drained.Broadcast()
	}
	q.mu.Unlock()

	return true, err
}
