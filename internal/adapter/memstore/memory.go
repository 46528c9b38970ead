package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

// MemoryStore is a map-backed RecordStore and LayoutStore. It keeps the
// same contracts as the bbolt store and lets tests inject storage faults.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.ReviewID]domain.ReviewRecord
	layout  *port.Layout
	seq     uint64

	failNextPut error
	failIDs     map[domain.ReviewID]error
	failDelete  error
}

var (
	_ port.RecordStore = (*MemoryStore)(nil)
	_ port.LayoutStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[domain.ReviewID]domain.ReviewRecord),
		failIDs: make(map[domain.ReviewID]error),
	}
}

// FailNextPut makes the next Put or PutBatch fail with a StorageError
// wrapping err.
func (s *MemoryStore) FailNextPut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextPut = err
}

// FailID makes every write touching id fail until cleared with a nil err.
func (s *MemoryStore) FailID(id domain.ReviewID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failIDs, id)
		return
	}
	s.failIDs[id] = err
}

// FailNextDelete makes the next Delete fail with a StorageError wrapping err.
func (s *MemoryStore) FailNextDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete = err
}

func (s *MemoryStore) NextIDs(ctx context.Context, n int) ([]domain.ReviewID, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStorageError("allocate ids", err)
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]domain.ReviewID, n)
	for i := range ids {
		s.seq++
		ids[i] = domain.ReviewID(s.seq)
	}
	return ids, nil
}

func (s *MemoryStore) AdvanceSequence(ctx context.Context, atLeast domain.ReviewID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = max(s.seq, uint64(atLeast))
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, rec domain.ReviewRecord) error {
	return s.PutBatch(ctx, []domain.ReviewRecord{rec})
}

func (s *MemoryStore) PutBatch(ctx context.Context, recs []domain.ReviewRecord) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextPut != nil {
		err := s.failNextPut
		s.failNextPut = nil
		return domain.NewStorageError("put", err)
	}
	for _, rec := range recs {
		if err, ok := s.failIDs[rec.ID]; ok {
			return domain.NewStorageError("put", fmt.Errorf("record %d: %w", rec.ID, err))
		}
	}
	for _, rec := range recs {
		s.records[rec.ID] = cloneRecord(rec)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id domain.ReviewID) (domain.ReviewRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReviewRecord{}, domain.NewStorageError("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ReviewRecord{}, fmt.Errorf("%w: %d", domain.ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, ids []domain.ReviewID) ([]domain.ReviewRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStorageError("get many", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReviewRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id domain.ReviewID) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDelete != nil {
		err := s.failDelete
		s.failDelete = nil
		return domain.NewStorageError("delete", err)
	}
	if err, ok := s.failIDs[id]; ok {
		return domain.NewStorageError("delete", fmt.Errorf("record %d: %w", id, err))
	}
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %d", domain.ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// ForEach visits a point-in-time copy in id order, so fn may write back.
func (s *MemoryStore) ForEach(ctx context.Context, fn func(domain.ReviewRecord) error) error {
	s.mu.RLock()
	recs := make([]domain.ReviewRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, cloneRecord(rec))
	}
	s.mu.RUnlock()

	slices.SortFunc(recs, func(a, b domain.ReviewRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return domain.NewStorageError("scan", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) SaveLayout(ctx context.Context, layout port.Layout) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("save layout", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := layout
	cp.Partitions = slices.Clone(layout.Partitions)
	s.layout = &cp
	return nil
}

func (s *MemoryStore) LoadLayout(ctx context.Context) (port.Layout, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.layout == nil {
		return port.Layout{}, false, nil
	}
	cp := *s.layout
	cp.Partitions = slices.Clone(s.layout.Partitions)
	return cp, true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec domain.ReviewRecord) domain.ReviewRecord {
	rec.Vector = slices.Clone(rec.Vector)
	return rec
}
