package index

import (
	"context"
	"errors"
	"sort"
	"time"

	"reviewsearch/internal/domain"
	"reviewsearch/internal/partition"
	"reviewsearch/internal/vector"
)

// ProgressFunc is called after each routed group with the number of items
// settled so far.
type ProgressFunc func(done, total int)

// InsertBatch inserts items and returns one result per item, in input
// order. A failing item never aborts its siblings.
func (e *Engine) InsertBatch(ctx context.Context, items []domain.BatchItem, progress ProgressFunc) []domain.BatchResult {
	defer e.Track()()
	results := make([]domain.BatchResult, len(items))
	if len(items) == 0 {
		return results
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	e.maint.RLock()
	defer e.maint.RUnlock()

	var valid []int
	for i, item := range items {
		if err := domain.CheckDimension(item.Vector, e.opts.Dimension); err != nil {
			results[i].Err = err
			continue
		}
		valid = append(valid, i)
	}
	done := len(items) - len(valid)

	ids, err := e.store.NextIDs(ctx, len(valid))
	if err != nil {
		for _, i := range valid {
			results[i].Err = err
		}
		progress(len(items), len(items))
		return results
	}

	now := time.Now().UTC()
	recs := make([]domain.ReviewRecord, len(valid))
	for j, i := range valid {
		recs[j] = domain.ReviewRecord{
			ID:         ids[j],
			Vector:     vector.Clone(items[i].Vector),
			Metadata:   items[i].Metadata,
			InsertedAt: now,
			Version:    1,
		}
	}

	persisted := e.persistBatch(ctx, recs, valid, results)

	// Route once and group by target partition.
	groups := make(map[partition.ID][]int)
	for _, j := range persisted {
		i := valid[j]
		pid, err := e.parts.Route(recs[j].Vector)
		if err != nil {
			e.compensate(ctx, recs[j].ID, err)
			results[i].Err = err
			done++
			continue
		}
		groups[pid] = append(groups[pid], j)
	}

	pids := make([]partition.ID, 0, len(groups))
	for pid := range groups {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(a, b int) bool { return pids[a] < pids[b] })

	for _, pid := range pids {
		group := groups[pid]
		members := make([]partition.Member, len(group))
		for k, j := range group {
			members[k] = partition.Member{ID: recs[j].ID, Vector: recs[j].Vector}
		}

		for k, err := range e.insertGroup(ctx, pid, members) {
			j := group[k]
			i := valid[j]
			if err != nil {
				e.compensate(ctx, recs[j].ID, err)
				results[i].Err = err
				continue
			}
			results[i].ID = recs[j].ID
		}
		done += len(group)
		progress(done, len(items))
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		e.log.Warn().Int("items", len(items)).Int("failed", failed).Msg("batch partially inserted")
	} else {
		e.log.Debug().Int("items", len(items)).Int("groups", len(groups)).Msg("batch inserted")
	}
	return results
}

// persistBatch writes recs in one transaction, falling back to one Put per
// record to isolate failures. It returns the indexes into recs that were
// persisted.
func (e *Engine) persistBatch(ctx context.Context, recs []domain.ReviewRecord, valid []int, results []domain.BatchResult) []int {
	all := make([]int, len(recs))
	for j := range recs {
		all[j] = j
	}
	if len(recs) == 0 {
		return nil
	}
	err := e.store.PutBatch(ctx, recs)
	if err == nil {
		return all
	}
	e.log.Warn().Err(err).Int("records", len(recs)).Msg("batch write failed, writing records one by one")

	if unsettled(err) {
		for _, rec := range recs {
			e.compensate(ctx, rec.ID, err)
		}
	}

	var ok []int
	for j, rec := range recs {
		if err := e.store.Put(ctx, rec); err != nil {
			if unsettled(err) {
				e.compensate(ctx, rec.ID, err)
			}
			results[valid[j]].Err = err
			continue
		}
		ok = append(ok, j)
	}
	return ok
}

// insertGroup adds members to partition pid with one InsertMany. When the
// partition fills up it is split with the next member folded in, and the
// remaining members are placed one by one with fresh routing.
func (e *Engine) insertGroup(ctx context.Context, pid partition.ID, members []partition.Member) []error {
	errs := make([]error, len(members))

	accepted, err := e.parts.InsertMany(pid, members)
	rest := members[accepted:]
	switch {
	case err == nil:
		return errs
	case errors.Is(err, partition.ErrNeedsSplit):
		next := accepted
		if _, _, err := e.parts.Split(ctx, pid, rest[0]); err == nil {
			next++
		}
		for k := next; k < len(members); k++ {
			errs[k] = e.place(ctx, members[k])
		}
	default:
		// ErrRetry: the partition changed shape since routing
		for k := accepted; k < len(members); k++ {
			errs[k] = e.place(ctx, members[k])
		}
	}
	return errs
}
