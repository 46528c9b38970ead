package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
	"reviewsearch/internal/vector"
)

// VectorSource resolves member ids to their stored vectors. Unknown ids
// are skipped.
type VectorSource interface {
	GetMany(ctx context.Context, ids []domain.ReviewID) ([]domain.ReviewRecord, error)
}

type Options struct {
	Dimension int
	// MaxSize bounds the member count of every partition.
	MaxSize int
	// LowWatermark is the size below which a partition is a merge
	// candidate.
	LowWatermark int
	// SplitIterations caps the 2-means rounds of a split.
	SplitIterations int
	Logger          zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxSize < 2 {
		o.MaxSize = 64
	}
	if o.LowWatermark <= 0 || o.LowWatermark >= o.MaxSize {
		o.LowWatermark = max(o.MaxSize/8, 1)
	}
	if o.SplitIterations <= 0 {
		o.SplitIterations = 10
	}
}

// Manager owns the partition map, the coarse centroid index and the
// member to partition ownership map.
//
// Lock order: mu, then partition locks in ascending id order, then
// ownerMu. mu is write-locked only to swap structure (split, merge, load);
// membership changes take mu for reading just long enough to find the
// partition.
type Manager struct {
	opts   Options
	source VectorSource
	log    zerolog.Logger

	mu     sync.RWMutex
	parts  map[ID]*Partition
	nextID ID

	ownerMu sync.RWMutex
	owners  map[domain.ReviewID]ID

	splits     atomic.Uint64
	merges     atomic.Uint64
	reassigned atomic.Uint64

	// reassign sampling cursor, guarded by reassignMu
	reassignMu     sync.Mutex
	reassignCursor domain.ReviewID
}

// NewManager returns a manager holding a single empty root partition.
func NewManager(source VectorSource, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:   opts,
		source: source,
		log:    opts.Logger.With().Str("component", "partition").Logger(),
	}
	m.reset()
	return m
}

func (m *Manager) Options() Options {
	return m.opts
}

// reset must be called with mu held for writing or before m is shared.
func (m *Manager) reset() {
	m.parts = map[ID]*Partition{1: newPartition(1, make(domain.Vector, m.opts.Dimension))}
	m.nextID = 2
	m.ownerMu.Lock()
	m.owners = make(map[domain.ReviewID]ID)
	m.ownerMu.Unlock()
}

func (m *Manager) lookup(id ID) *Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parts[id]
}

// sorted returns the live partitions in id order. Caller holds mu.
func (m *Manager) sorted() []*Partition {
	ps := make([]*Partition, 0, len(m.parts))
	for _, p := range m.parts {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].id < ps[j].id })
	return ps
}

// SelectCandidates returns up to fanout non-empty partitions whose
// centroids are most similar to q, best first, ties by lower id.
func (m *Manager) SelectCandidates(q domain.Vector, fanout int) []Candidate {
	if fanout <= 0 {
		return nil
	}
	m.mu.RLock()
	cands := make([]Candidate, 0, len(m.parts))
	for _, p := range m.parts {
		p.mu.RLock()
		if p.size() > 0 {
			cands = append(cands, Candidate{ID: p.id, Score: vector.Cosine(q, p.centroid)})
		}
		p.mu.RUnlock()
	}
	m.mu.RUnlock()

	sortCandidates(cands)
	if len(cands) > fanout {
		cands = cands[:fanout]
	}
	return cands
}

// Route returns the partition with the centroid nearest to v among all
// partitions, empty ones included.
func (m *Manager) Route(v domain.Vector) (ID, error) {
	if err := domain.CheckDimension(v, m.opts.Dimension); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best      ID
		bestScore float32
		found     bool
	)
	for _, p := range m.parts {
		p.mu.RLock()
		s := vector.Cosine(v, p.centroid)
		p.mu.RUnlock()
		if !found || s > bestScore || (s == bestScore && p.id < best) {
			best, bestScore, found = p.id, s, true
		}
	}
	if !found {
		return 0, domain.ErrRetry
	}
	return best, nil
}

// InsertInto adds member to partition id. It returns ErrNeedsSplit without
// adding when the partition is full and domain.ErrRetry when the partition
// is gone or being restructured.
func (m *Manager) InsertInto(id ID, member Member) error {
	_, err := m.InsertMany(id, []Member{member})
	return err
}

// InsertMany adds members in order until the partition is full. accepted
// is the count of leading members that were added; the rest are left to
// the caller together with ErrNeedsSplit.
func (m *Manager) InsertMany(id ID, members []Member) (accepted int, err error) {
	for _, mem := range members {
		if err := domain.CheckDimension(mem.Vector, m.opts.Dimension); err != nil {
			return 0, err
		}
	}

	p := m.lookup(id)
	if p == nil {
		return 0, domain.ErrRetry
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Active {
		return 0, domain.ErrRetry
	}

	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	for _, mem := range members {
		if p.size() >= m.opts.MaxSize {
			break
		}
		if p.members.CheckedAdd(uint64(mem.ID)) {
			vector.AddToMean(p.centroid, mem.Vector, p.size())
		}
		m.owners[mem.ID] = p.id
		accepted++
	}
	if accepted > 0 {
		p.version++
	}
	if accepted < len(members) {
		return accepted, ErrNeedsSplit
	}
	return accepted, nil
}

// Remove takes rid out of its partition and returns the former owner and
// its size afterwards. v is used to update the running centroid and may be
// nil when the vector is no longer known.
func (m *Manager) Remove(rid domain.ReviewID, v domain.Vector) (ID, int, error) {
	owner, ok := m.Owner(rid)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d has no partition", domain.ErrNotFound, rid)
	}
	p := m.lookup(owner)
	if p == nil {
		return 0, 0, domain.ErrRetry
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Active || !p.members.Contains(uint64(rid)) {
		// restructured or moved since the owner lookup
		return 0, 0, domain.ErrRetry
	}

	n := p.size()
	p.members.Remove(uint64(rid))
	if len(v) == len(p.centroid) {
		vector.RemoveFromMean(p.centroid, v, n)
	}
	p.version++

	m.ownerMu.Lock()
	if m.owners[rid] == p.id {
		delete(m.owners, rid)
	}
	m.ownerMu.Unlock()

	return p.id, p.size(), nil
}

// Restore puts member back into partition id after a failed delete.
func (m *Manager) Restore(id ID, member Member) error {
	return m.InsertInto(id, member)
}

// Owner reports the partition currently holding rid.
func (m *Manager) Owner(rid domain.ReviewID) (ID, bool) {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	id, ok := m.owners[rid]
	return id, ok
}

// Snapshot returns the members and version of partition id, read together.
func (m *Manager) Snapshot(id ID) ([]domain.ReviewID, uint64, bool) {
	p := m.lookup(id)
	if p == nil {
		return nil, 0, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == Retired {
		return nil, 0, false
	}
	return p.memberIDs(), p.version, true
}

// Version returns the membership version of partition id. ok is false once
// the partition has been split or merged away.
func (m *Manager) Version(id ID) (uint64, bool) {
	p := m.lookup(id)
	if p == nil {
		return 0, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version, p.state != Retired
}

// Size returns the member count of partition id.
func (m *Manager) Size(id ID) (int, bool) {
	p := m.lookup(id)
	if p == nil {
		return 0, false
	}
	return p.Size(), true
}

// Partitions returns the live partition ids in ascending order.
func (m *Manager) Partitions() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ID, 0, len(m.parts))
	for id := range m.parts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Split bisects partition id together with the pending members that did
// not fit. The partition is replaced by two new partitions in one
// structure swap; readers see either the old or the new layout. On any
// failure the partition returns to Active unchanged.
func (m *Manager) Split(ctx context.Context, id ID, pending ...Member) (ID, ID, error) {
	for _, mem := range pending {
		if err := domain.CheckDimension(mem.Vector, m.opts.Dimension); err != nil {
			return 0, 0, err
		}
	}

	p := m.lookup(id)
	if p == nil {
		return 0, 0, domain.ErrRetry
	}
	p.mu.Lock()
	if p.state != Active {
		p.mu.Unlock()
		return 0, 0, domain.ErrRetry
	}
	p.state = Splitting
	ids := p.memberIDs()
	p.mu.Unlock()

	rollback := func() {
		p.mu.Lock()
		p.state = Active
		p.mu.Unlock()
	}

	members, dangling, err := m.resolve(ctx, ids)
	if err != nil {
		rollback()
		return 0, 0, fmt.Errorf("split partition %d: %w", id, err)
	}
	all := mergeMembers(members, pending)
	if len(all) < 2 {
		// Nothing to bisect. Dropping the dangling ids frees room for the
		// pending members on the caller's next attempt.
		p.mu.Lock()
		m.ownerMu.Lock()
		for _, rid := range dangling {
			p.members.Remove(uint64(rid))
			if m.owners[rid] == id {
				delete(m.owners, rid)
			}
		}
		m.ownerMu.Unlock()
		p.version++
		p.state = Active
		p.mu.Unlock()
		return 0, 0, domain.ErrRetry
	}
	if err := ctx.Err(); err != nil {
		rollback()
		return 0, 0, err
	}

	b := bisect(all, m.opts.SplitIterations, m.opts.MaxSize)

	m.mu.Lock()
	p.mu.Lock()
	left := m.installLocked(b.left, b.leftCentroid)
	right := m.installLocked(b.right, b.rightCentroid)
	delete(m.parts, id)
	p.state = Retired
	p.version++
	m.ownerMu.Lock()
	for _, rid := range dangling {
		if m.owners[rid] == id {
			delete(m.owners, rid)
		}
	}
	m.ownerMu.Unlock()
	p.mu.Unlock()
	m.mu.Unlock()

	m.splits.Add(1)
	m.log.Debug().
		Uint64("partition", uint64(id)).
		Uint64("left", uint64(left)).
		Uint64("right", uint64(right)).
		Int("left_size", len(b.left)).
		Int("right_size", len(b.right)).
		Int("dropped", len(dangling)).
		Msg("partition split")
	return left, right, nil
}

// installLocked creates a partition holding ms and points their owners at
// it. Caller holds mu for writing.
func (m *Manager) installLocked(ms []Member, centroid domain.Vector) ID {
	id := m.nextID
	m.nextID++

	p := newPartition(id, centroid)
	m.ownerMu.Lock()
	for _, mem := range ms {
		p.members.Add(uint64(mem.ID))
		m.owners[mem.ID] = id
	}
	m.ownerMu.Unlock()
	p.version = 1
	m.parts[id] = p
	return id
}

// MergeTarget returns the Active partition nearest to id that can absorb
// all of its members without exceeding MaxSize.
func (m *Manager) MergeTarget(id ID) (ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.parts[id]
	if src == nil || len(m.parts) < 2 {
		return 0, false
	}
	src.mu.RLock()
	centroid := append(domain.Vector(nil), src.centroid...)
	size := src.size()
	active := src.state == Active
	src.mu.RUnlock()
	if !active {
		return 0, false
	}

	var (
		best      ID
		bestScore float32
		found     bool
	)
	for _, p := range m.parts {
		if p.id == id {
			continue
		}
		p.mu.RLock()
		ok := p.state == Active && p.size()+size <= m.opts.MaxSize
		s := vector.Cosine(centroid, p.centroid)
		p.mu.RUnlock()
		if !ok {
			continue
		}
		if !found || s > bestScore || (s == bestScore && p.id < best) {
			best, bestScore, found = p.id, s, true
		}
	}
	return best, found
}

// Merge folds partition low into high and recomputes the centroid of high
// exactly from the stored vectors. low is removed.
func (m *Manager) Merge(ctx context.Context, low, high ID) (ID, error) {
	if low == high {
		return 0, fmt.Errorf("merge partition %d into itself", low)
	}
	m.mu.RLock()
	pl, ph := m.parts[low], m.parts[high]
	m.mu.RUnlock()
	if pl == nil || ph == nil {
		return 0, domain.ErrRetry
	}

	first, second := pl, ph
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	if pl.state != Active || ph.state != Active {
		second.mu.Unlock()
		first.mu.Unlock()
		return 0, domain.ErrRetry
	}
	if pl.size()+ph.size() > m.opts.MaxSize {
		second.mu.Unlock()
		first.mu.Unlock()
		return 0, ErrTooLarge
	}
	pl.state, ph.state = Merging, Merging
	ids := append(pl.memberIDs(), ph.memberIDs()...)
	lowIDs := pl.memberIDs()
	second.mu.Unlock()
	first.mu.Unlock()

	rollback := func() {
		first.mu.Lock()
		second.mu.Lock()
		pl.state, ph.state = Active, Active
		second.mu.Unlock()
		first.mu.Unlock()
	}

	members, dangling, err := m.resolve(ctx, ids)
	if err != nil {
		rollback()
		return 0, fmt.Errorf("merge partition %d into %d: %w", low, high, err)
	}

	m.mu.Lock()
	first.mu.Lock()
	second.mu.Lock()
	kept := bitmapOf(memberIDsOf(members))
	ph.members = kept
	if len(members) > 0 {
		ph.centroid = meanOf(members)
	}
	ph.version++
	ph.state = Active
	pl.state = Retired
	pl.version++
	delete(m.parts, low)
	m.ownerMu.Lock()
	for _, rid := range lowIDs {
		if kept.Contains(uint64(rid)) {
			m.owners[rid] = high
		}
	}
	for _, rid := range dangling {
		delete(m.owners, rid)
	}
	m.ownerMu.Unlock()
	second.mu.Unlock()
	first.mu.Unlock()
	m.mu.Unlock()

	m.merges.Add(1)
	m.log.Debug().
		Uint64("from", uint64(low)).
		Uint64("into", uint64(high)).
		Int("size", len(members)).
		Msg("partitions merged")
	return high, nil
}

// RecomputeCentroid replaces the running centroid of id with the exact
// mean of its stored vectors, unless membership changed meanwhile.
func (m *Manager) RecomputeCentroid(ctx context.Context, id ID) error {
	ids, version, ok := m.Snapshot(id)
	if !ok {
		return nil
	}
	members, _, err := m.resolve(ctx, ids)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	mean := meanOf(members)

	p := m.lookup(id)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.version == version && p.state == Active {
		p.centroid = mean
	}
	return nil
}

// resolve loads the vectors of ids. Ids without a record are returned as
// dangling.
func (m *Manager) resolve(ctx context.Context, ids []domain.ReviewID) ([]Member, []domain.ReviewID, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	recs, err := m.source.GetMany(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	members := make([]Member, 0, len(recs))
	found := make(map[domain.ReviewID]bool, len(recs))
	for _, rec := range recs {
		if len(rec.Vector) != m.opts.Dimension {
			continue
		}
		members = append(members, Member{ID: rec.ID, Vector: rec.Vector})
		found[rec.ID] = true
	}
	var dangling []domain.ReviewID
	for _, id := range ids {
		if !found[id] {
			dangling = append(dangling, id)
		}
	}
	return members, dangling, nil
}

// DropDangling removes members that have no stored record, returning the
// number removed.
func (m *Manager) DropDangling(ctx context.Context, exists func(domain.ReviewID) bool) int {
	dropped := 0
	for _, id := range m.Partitions() {
		p := m.lookup(id)
		if p == nil {
			continue
		}
		p.mu.Lock()
		if p.state != Active {
			p.mu.Unlock()
			continue
		}
		var gone []domain.ReviewID
		for _, rid := range p.memberIDs() {
			if !exists(rid) {
				gone = append(gone, rid)
			}
		}
		if len(gone) > 0 {
			m.ownerMu.Lock()
			for _, rid := range gone {
				p.members.Remove(uint64(rid))
				if m.owners[rid] == p.id {
					delete(m.owners, rid)
				}
			}
			m.ownerMu.Unlock()
			p.version++
			dropped += len(gone)
		}
		p.mu.Unlock()
		if len(gone) > 0 {
			if err := m.RecomputeCentroid(ctx, id); err != nil {
				m.log.Warn().Err(err).Uint64("partition", uint64(id)).Msg("centroid recompute failed")
			}
		}
	}
	return dropped
}

// Layout captures the current partition structure for checkpointing.
func (m *Manager) Layout() port.Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()

	layout := port.Layout{NextPartitionID: uint64(m.nextID)}
	for _, p := range m.sorted() {
		p.mu.RLock()
		layout.Partitions = append(layout.Partitions, port.PartitionLayout{
			ID:       uint64(p.id),
			Centroid: append(domain.Vector(nil), p.centroid...),
			Members:  p.memberIDs(),
			Version:  p.version,
		})
		p.mu.RUnlock()
	}
	return layout
}

// Load replaces the whole structure with layout. An empty layout resets
// the manager to a single root partition. A member listed by more than one
// partition stays with the first one.
func (m *Manager) Load(layout port.Layout) error {
	for _, pl := range layout.Partitions {
		if len(pl.Centroid) != m.opts.Dimension {
			return fmt.Errorf("partition %d: %w", pl.ID, &domain.DimensionMismatchError{Expected: m.opts.Dimension, Actual: len(pl.Centroid)})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(layout.Partitions) == 0 {
		m.reset()
		return nil
	}

	parts := make(map[ID]*Partition, len(layout.Partitions))
	owners := make(map[domain.ReviewID]ID)
	next := ID(layout.NextPartitionID)
	for _, pl := range layout.Partitions {
		id := ID(pl.ID)
		p := newPartition(id, append(domain.Vector(nil), pl.Centroid...))
		p.version = pl.Version
		for _, rid := range pl.Members {
			if _, dup := owners[rid]; dup {
				continue
			}
			p.members.Add(uint64(rid))
			owners[rid] = id
		}
		parts[id] = p
		if id >= next {
			next = id + 1
		}
	}

	m.parts = parts
	m.nextID = next
	m.ownerMu.Lock()
	m.owners = owners
	m.ownerMu.Unlock()
	return nil
}

// Stats reports partition shape and restructuring counters. Records and
// queue depth are filled in by the engine.
func (m *Manager) Stats() domain.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := domain.Stats{
		Partitions: len(m.parts),
		Splits:     m.splits.Load(),
		Merges:     m.merges.Load(),
		Reassigned: m.reassigned.Load(),
	}
	total := 0
	for _, p := range m.parts {
		n := p.Size()
		total += n
		if n > st.LargestSize {
			st.LargestSize = n
		}
	}
	if st.Partitions > 0 {
		st.AvgPartition = float64(total) / float64(st.Partitions)
	}
	return st
}

// Members returns the number of owned review ids.
func (m *Manager) Members() int {
	m.ownerMu.RLock()
	defer m.ownerMu.RUnlock()
	return len(m.owners)
}

// SmallPartitions lists Active partitions below the low watermark. With a
// single partition left there is nothing to merge with.
func (m *Manager) SmallPartitions() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.parts) < 2 {
		return nil
	}
	var ids []ID
	for _, p := range m.sorted() {
		p.mu.RLock()
		if p.state == Active && p.size() < m.opts.LowWatermark {
			ids = append(ids, p.id)
		}
		p.mu.RUnlock()
	}
	return ids
}

func mergeMembers(members, pending []Member) []Member {
	out := make([]Member, 0, len(members)+len(pending))
	seen := make(map[domain.ReviewID]bool, len(members)+len(pending))
	for _, mem := range append(append([]Member(nil), members...), pending...) {
		if seen[mem.ID] {
			continue
		}
		seen[mem.ID] = true
		out = append(out, mem)
	}
	return out
}

func memberIDsOf(ms []Member) []domain.ReviewID {
	ids := make([]domain.ReviewID, len(ms))
	for i, mem := range ms {
		ids[i] = mem.ID
	}
	return ids
}

func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ID < cands[j].ID
	})
}
