package partition

import (
	"context"
	"sort"

	"golang.org/x/time/rate"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/vector"
)

type ReassignOptions struct {
	// SampleSize is the number of members examined per pass. Passes resume
	// where the previous one stopped, so repeated passes cover the corpus.
	SampleSize int
	// Margin is the similarity a member must gain to be moved.
	Margin float32
	// Limiter paces moves. Nil means unpaced.
	Limiter *rate.Limiter
	// ShouldYield is polled before every move; returning true ends the
	// pass early.
	ShouldYield func() bool
}

type ReassignReport struct {
	Scanned int
	Moved   int
	// Touched partitions had their centroids recomputed.
	Touched []ID
	// Small partitions are below the low watermark after the pass.
	Small   []ID
	Yielded bool
}

// Reassign moves sampled members whose nearest centroid is clearly better
// than their current partition's. Moves use the same per-partition locks
// as foreground inserts and never overfill a partition.
func (m *Manager) Reassign(ctx context.Context, opts ReassignOptions) (ReassignReport, error) {
	var report ReassignReport
	if opts.SampleSize <= 0 {
		opts.SampleSize = 256
	}

	sample := m.sample(opts.SampleSize)
	if len(sample) == 0 {
		return report, nil
	}
	recs, err := m.source.GetMany(ctx, sample)
	if err != nil {
		return report, err
	}

	type centroid struct {
		id ID
		c  domain.Vector
	}
	var cents []centroid
	byID := make(map[ID]domain.Vector)
	for _, id := range m.Partitions() {
		p := m.lookup(id)
		if p == nil {
			continue
		}
		p.mu.RLock()
		if p.state == Active {
			c := append(domain.Vector(nil), p.centroid...)
			cents = append(cents, centroid{id: id, c: c})
			byID[id] = c
		}
		p.mu.RUnlock()
	}

	touched := make(map[ID]bool)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		owner, ok := m.Owner(rec.ID)
		if !ok {
			continue
		}
		oc, ok := byID[owner]
		if !ok {
			continue
		}
		ownerScore := vector.Cosine(rec.Vector, oc)

		best, bestScore := owner, ownerScore
		for _, c := range cents {
			s := vector.Cosine(rec.Vector, c.c)
			if s > bestScore || (s == bestScore && c.id < best) {
				best, bestScore = c.id, s
			}
		}
		if best == owner || bestScore-ownerScore <= opts.Margin {
			continue
		}

		if opts.ShouldYield != nil && opts.ShouldYield() {
			report.Yielded = true
			break
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return report, err
			}
		}
		if m.move(Member{ID: rec.ID, Vector: rec.Vector}, owner, best) {
			report.Moved++
			touched[owner] = true
			touched[best] = true
		}
	}

	for id := range touched {
		report.Touched = append(report.Touched, id)
	}
	sort.Slice(report.Touched, func(i, j int) bool { return report.Touched[i] < report.Touched[j] })
	for _, id := range report.Touched {
		if err := m.RecomputeCentroid(ctx, id); err != nil {
			return report, err
		}
	}

	m.reassigned.Add(uint64(report.Moved))
	report.Small = m.SmallPartitions()
	return report, nil
}

// move transfers member from one partition to another if both are Active,
// the member is still where it was sampled, and the target has room.
func (m *Manager) move(member Member, from, to ID) bool {
	m.mu.RLock()
	pf, pt := m.parts[from], m.parts[to]
	m.mu.RUnlock()
	if pf == nil || pt == nil {
		return false
	}

	first, second := pf, pt
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	rid := uint64(member.ID)
	if pf.state != Active || pt.state != Active || !pf.members.Contains(rid) || pt.size() >= m.opts.MaxSize {
		return false
	}

	n := pf.size()
	pf.members.Remove(rid)
	vector.RemoveFromMean(pf.centroid, member.Vector, n)
	pf.version++

	pt.members.Add(rid)
	vector.AddToMean(pt.centroid, member.Vector, pt.size())
	pt.version++

	m.ownerMu.Lock()
	m.owners[member.ID] = to
	m.ownerMu.Unlock()
	return true
}

// sample returns up to n owned ids, continuing after the id where the
// previous sample ended and wrapping around.
func (m *Manager) sample(n int) []domain.ReviewID {
	m.ownerMu.RLock()
	all := make([]domain.ReviewID, 0, len(m.owners))
	for rid := range m.owners {
		all = append(all, rid)
	}
	m.ownerMu.RUnlock()
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	m.reassignMu.Lock()
	defer m.reassignMu.Unlock()

	start := sort.Search(len(all), func(i int) bool { return all[i] > m.reassignCursor })
	if n > len(all) {
		n = len(all)
	}
	out := make([]domain.ReviewID, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[(start+i)%len(all)])
	}
	m.reassignCursor = out[len(out)-1]
	return out
}
