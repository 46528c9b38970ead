package partition

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reviewsearch/internal/adapter/memstore"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

func newTestManager(dim, maxSize int) (*Manager, *memstore.MemoryStore) {
	store := memstore.NewMemoryStore()
	m := NewManager(store, Options{
		Dimension:    dim,
		MaxSize:      maxSize,
		LowWatermark: 1,
		Logger:       zerolog.Nop(),
	})
	return m, store
}

// place persists mem and routes it the way the index engine does.
func place(ctx context.Context, m *Manager, store *memstore.MemoryStore, mem Member) error {
	if err := store.Put(ctx, domain.ReviewRecord{ID: mem.ID, Vector: mem.Vector, Version: 1}); err != nil {
		return err
	}
	for attempt := 0; attempt < 1000; attempt++ {
		pid, err := m.Route(mem.Vector)
		if err != nil {
			return err
		}
		err = m.InsertInto(pid, mem)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNeedsSplit):
			_, _, err = m.Split(ctx, pid, mem)
			if err == nil {
				return nil
			}
			if !errors.Is(err, domain.ErrRetry) {
				return err
			}
		case errors.Is(err, domain.ErrRetry):
			runtime.Gosched()
		default:
			return err
		}
	}
	return fmt.Errorf("review %d: too many attempts", mem.ID)
}

func members(t *testing.T, m *Manager, id ID) []domain.ReviewID {
	t.Helper()
	ids, _, ok := m.Snapshot(id)
	require.True(t, ok, "partition %d missing", id)
	return ids
}

// assertConsistent checks that every owned id sits in exactly one
// partition and that no partition exceeds MaxSize.
func assertConsistent(t *testing.T, m *Manager, want int) {
	t.Helper()
	seen := map[domain.ReviewID]ID{}
	for _, pl := range m.Layout().Partitions {
		assert.LessOrEqual(t, len(pl.Members), m.opts.MaxSize, "partition %d over max size", pl.ID)
		for _, rid := range pl.Members {
			prev, dup := seen[rid]
			assert.False(t, dup, "review %d in partitions %d and %d", rid, prev, pl.ID)
			seen[rid] = ID(pl.ID)
			owner, ok := m.Owner(rid)
			assert.True(t, ok)
			assert.Equal(t, ID(pl.ID), owner)
		}
	}
	assert.Len(t, seen, want)
	assert.Equal(t, want, m.Members())
}

func randomVector(rng *rand.Rand, dim int) domain.Vector {
	v := make(domain.Vector, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestManager_InsertIntoSplitTrigger(t *testing.T) {
	m, _ := newTestManager(2, 3)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.InsertInto(1, Member{ID: domain.ReviewID(i), Vector: domain.Vector{1, float32(i)}}))
	}
	err := m.InsertInto(1, Member{ID: 4, Vector: domain.Vector{1, 4}})
	assert.ErrorIs(t, err, ErrNeedsSplit)

	size, ok := m.Size(1)
	require.True(t, ok)
	assert.Equal(t, 3, size)
	_, owned := m.Owner(4)
	assert.False(t, owned)
}

func TestManager_InsertIntoRejectsBadInput(t *testing.T) {
	m, _ := newTestManager(2, 3)

	err := m.InsertInto(1, Member{ID: 1, Vector: domain.Vector{1, 2, 3}})
	var dimErr *domain.DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)

	err = m.InsertInto(99, Member{ID: 1, Vector: domain.Vector{1, 2}})
	assert.ErrorIs(t, err, domain.ErrRetry)
}

func TestManager_TwoClusters(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(2, 3)

	reviews := []Member{
		{ID: 1, Vector: domain.Vector{1, 0}},
		{ID: 2, Vector: domain.Vector{0.99, 0.1}},
		{ID: 3, Vector: domain.Vector{0.98, 0.15}},
		{ID: 4, Vector: domain.Vector{0, 1}},
		{ID: 5, Vector: domain.Vector{0.1, 0.99}},
	}
	for _, r := range reviews {
		require.NoError(t, place(ctx, m, store, r))
	}

	ids := m.Partitions()
	require.Len(t, ids, 2)
	assert.ElementsMatch(t, []domain.ReviewID{1, 2, 3}, members(t, m, ids[0]))
	assert.ElementsMatch(t, []domain.ReviewID{4, 5}, members(t, m, ids[1]))
	assertConsistent(t, m, 5)

	st := m.Stats()
	assert.EqualValues(t, 1, st.Splits)
	assert.Equal(t, 3, st.LargestSize)
}

func TestManager_SizeInvariant(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(8, 10)
	rng := rand.New(rand.NewSource(7))

	for i := 1; i <= 500; i++ {
		require.NoError(t, place(ctx, m, store, Member{ID: domain.ReviewID(i), Vector: randomVector(rng, 8)}))
	}
	assertConsistent(t, m, 500)
	assert.GreaterOrEqual(t, len(m.Partitions()), 50)
}

func TestManager_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(4, 8)

	const workers, perWorker = 8, 60
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				id := domain.ReviewID(w*perWorker + i + 1)
				if err := place(ctx, m, store, Member{ID: id, Vector: randomVector(rng, 4)}); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}

	// readers run alongside the writers
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, c := range m.SelectCandidates(domain.Vector{1, 0, 0, 0}, 3) {
				m.Snapshot(c.ID)
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assertConsistent(t, m, workers*perWorker)
}

func TestManager_SelectCandidates(t *testing.T) {
	m, _ := newTestManager(2, 4)
	require.NoError(t, m.Load(port.Layout{
		NextPartitionID: 5,
		Partitions: []port.PartitionLayout{
			{ID: 1, Centroid: domain.Vector{1, 0}, Members: []domain.ReviewID{1}},
			{ID: 2, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{2}},
			{ID: 3, Centroid: domain.Vector{2, 0}, Members: []domain.ReviewID{3}},
			{ID: 4, Centroid: domain.Vector{1, 0}}, // empty, never a candidate
		},
	}))

	cands := m.SelectCandidates(domain.Vector{1, 0}, 2)
	require.Len(t, cands, 2)
	// 1 and 3 tie on cosine, lower id first
	assert.Equal(t, ID(1), cands[0].ID)
	assert.Equal(t, ID(3), cands[1].ID)

	assert.Len(t, m.SelectCandidates(domain.Vector{1, 0}, 10), 3)
	assert.Empty(t, m.SelectCandidates(domain.Vector{1, 0}, 0))

	// routing considers empty partitions too
	route, err := m.Route(domain.Vector{1, 0})
	require.NoError(t, err)
	assert.Equal(t, ID(1), route)
}

func TestManager_RemoveRestore(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(2, 4)
	require.NoError(t, place(ctx, m, store, Member{ID: 1, Vector: domain.Vector{1, 0}}))
	require.NoError(t, place(ctx, m, store, Member{ID: 2, Vector: domain.Vector{0, 1}}))
	_, before, _ := m.Snapshot(1)

	owner, size, err := m.Remove(1, domain.Vector{1, 0})
	require.NoError(t, err)
	assert.Equal(t, ID(1), owner)
	assert.Equal(t, 1, size)
	_, ok := m.Owner(1)
	assert.False(t, ok)
	after, _ := m.Version(1)
	assert.Greater(t, after, before)

	_, _, err = m.Remove(1, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, m.Restore(owner, Member{ID: 1, Vector: domain.Vector{1, 0}}))
	assertConsistent(t, m, 2)
}

func TestManager_Merge(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(2, 4)
	for i, v := range []domain.Vector{{1, 0}, {0.9, 0.1}, {0, 1}} {
		require.NoError(t, store.Put(ctx, domain.ReviewRecord{ID: domain.ReviewID(i + 1), Vector: v}))
	}
	require.NoError(t, m.Load(port.Layout{
		NextPartitionID: 3,
		Partitions: []port.PartitionLayout{
			{ID: 1, Centroid: domain.Vector{0.95, 0.05}, Members: []domain.ReviewID{1, 2}, Version: 4},
			{ID: 2, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{3}, Version: 1},
		},
	}))

	target, ok := m.MergeTarget(2)
	require.True(t, ok)
	assert.Equal(t, ID(1), target)

	merged, err := m.Merge(ctx, 2, target)
	require.NoError(t, err)
	assert.Equal(t, ID(1), merged)
	assert.Equal(t, []ID{1}, m.Partitions())
	assert.ElementsMatch(t, []domain.ReviewID{1, 2, 3}, members(t, m, 1))

	owner, _ := m.Owner(3)
	assert.Equal(t, ID(1), owner)

	c := m.lookup(1).Centroid()
	assert.InDelta(t, (1+0.9+0)/3.0, c[0], 1e-6)
	assert.InDelta(t, (0+0.1+1)/3.0, c[1], 1e-6)

	_, ok = m.MergeTarget(1)
	assert.False(t, ok, "a lone partition has no merge target")
	assertConsistent(t, m, 3)
}

func TestManager_MergeTooLarge(t *testing.T) {
	m, _ := newTestManager(2, 2)
	require.NoError(t, m.Load(port.Layout{
		Partitions: []port.PartitionLayout{
			{ID: 1, Centroid: domain.Vector{1, 0}, Members: []domain.ReviewID{1, 2}},
			{ID: 2, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{3}},
		},
	}))

	_, ok := m.MergeTarget(2)
	assert.False(t, ok)
	_, err := m.Merge(context.Background(), 2, 1)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, Active, m.lookup(2).State())
}

type failingSource struct{ err error }

func (f failingSource) GetMany(context.Context, []domain.ReviewID) ([]domain.ReviewRecord, error) {
	return nil, f.err
}

func TestManager_SplitRollsBack(t *testing.T) {
	boom := errors.New("store down")
	m := NewManager(failingSource{err: boom}, Options{Dimension: 2, MaxSize: 2})
	require.NoError(t, m.InsertInto(1, Member{ID: 1, Vector: domain.Vector{1, 0}}))
	require.NoError(t, m.InsertInto(1, Member{ID: 2, Vector: domain.Vector{0, 1}}))

	_, _, err := m.Split(context.Background(), 1, Member{ID: 3, Vector: domain.Vector{1, 1}})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, Active, m.lookup(1).State())
	assert.Equal(t, []ID{1}, m.Partitions())
	assert.ElementsMatch(t, []domain.ReviewID{1, 2}, members(t, m, 1))
}

func TestManager_SplitDropsDangling(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(2, 2)
	require.NoError(t, m.InsertInto(1, Member{ID: 1, Vector: domain.Vector{1, 0}}))
	require.NoError(t, m.InsertInto(1, Member{ID: 2, Vector: domain.Vector{0, 1}}))
	// neither member has a record

	pending := Member{ID: 3, Vector: domain.Vector{1, 1}}
	require.NoError(t, store.Put(ctx, domain.ReviewRecord{ID: 3, Vector: pending.Vector}))
	_, _, err := m.Split(ctx, 1, pending)
	assert.ErrorIs(t, err, domain.ErrRetry)
	assert.Empty(t, members(t, m, 1))

	require.NoError(t, m.InsertInto(1, pending))
	assertConsistent(t, m, 1)
}

func TestManager_Reassign(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(2, 4)
	recs := map[domain.ReviewID]domain.Vector{1: {1, 0}, 2: {0, 1}, 3: {0.05, 1}}
	for id, v := range recs {
		require.NoError(t, store.Put(ctx, domain.ReviewRecord{ID: id, Vector: v}))
	}
	require.NoError(t, m.Load(port.Layout{
		NextPartitionID: 3,
		Partitions: []port.PartitionLayout{
			{ID: 1, Centroid: domain.Vector{0.5, 0.5}, Members: []domain.ReviewID{1, 3}},
			{ID: 2, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{2}},
		},
	}))

	report, err := m.Reassign(ctx, ReassignOptions{SampleSize: 10, Margin: 0.01})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Moved)
	assert.Equal(t, []ID{1, 2}, report.Touched)

	owner, _ := m.Owner(3)
	assert.Equal(t, ID(2), owner)
	assert.Equal(t, domain.Vector{1, 0}, m.lookup(1).Centroid())
	assertConsistent(t, m, 3)
	assert.EqualValues(t, 1, m.Stats().Reassigned)

	// nothing left to improve
	report, err = m.Reassign(ctx, ReassignOptions{SampleSize: 10, Margin: 0.01})
	require.NoError(t, err)
	assert.Zero(t, report.Moved)
}

func TestManager_ReassignYields(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(2, 4)
	require.NoError(t, store.Put(ctx, domain.ReviewRecord{ID: 1, Vector: domain.Vector{0, 1}}))
	require.NoError(t, store.Put(ctx, domain.ReviewRecord{ID: 2, Vector: domain.Vector{0, 1}}))
	require.NoError(t, m.Load(port.Layout{
		Partitions: []port.PartitionLayout{
			{ID: 1, Centroid: domain.Vector{1, 0}, Members: []domain.ReviewID{1}},
			{ID: 2, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{2}},
		},
	}))

	report, err := m.Reassign(ctx, ReassignOptions{SampleSize: 10, ShouldYield: func() bool { return true }})
	require.NoError(t, err)
	assert.True(t, report.Yielded)
	assert.Zero(t, report.Moved)
}

func TestManager_LoadLayout(t *testing.T) {
	m, _ := newTestManager(2, 4)

	err := m.Load(port.Layout{Partitions: []port.PartitionLayout{{ID: 1, Centroid: domain.Vector{1}}}})
	var dimErr *domain.DimensionMismatchError
	assert.ErrorAs(t, err, &dimErr)

	layout := port.Layout{
		NextPartitionID: 2,
		Partitions: []port.PartitionLayout{
			{ID: 7, Centroid: domain.Vector{1, 0}, Members: []domain.ReviewID{1, 2}, Version: 3},
			{ID: 9, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{2, 3}, Version: 1},
		},
	}
	require.NoError(t, m.Load(layout))
	assert.Equal(t, []ID{7, 9}, m.Partitions())
	owner, _ := m.Owner(2)
	assert.Equal(t, ID(7), owner, "duplicate member stays with the first partition")
	assert.EqualValues(t, 10, m.Layout().NextPartitionID)

	require.NoError(t, m.Load(port.Layout{}))
	assert.Equal(t, []ID{1}, m.Partitions())
	assert.Zero(t, m.Members())
}

func TestManager_SmallPartitions(t *testing.T) {
	store := memstore.NewMemoryStore()
	m := NewManager(store, Options{Dimension: 2, MaxSize: 8, LowWatermark: 2})
	require.NoError(t, m.Load(port.Layout{
		Partitions: []port.PartitionLayout{
			{ID: 1, Centroid: domain.Vector{1, 0}, Members: []domain.ReviewID{1, 2, 3}},
			{ID: 2, Centroid: domain.Vector{0, 1}, Members: []domain.ReviewID{4}},
		},
	}))
	assert.Equal(t, []ID{2}, m.SmallPartitions())
}
