package store

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

// NextIDs reserves n ids by advancing the records bucket sequence.
func (s *BoltStore) NextIDs(ctx context.Context, n int) ([]domain.ReviewID, error) {
	if n <= 0 {
		return nil, nil
	}
	ids := make([]domain.ReviewID, n)
	err := s.update(ctx, "allocate ids", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		first := b.Sequence() + 1
		if err := b.SetSequence(b.Sequence() + uint64(n)); err != nil {
			return err
		}
		for i := range ids {
			ids[i] = domain.ReviewID(first + uint64(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltStore) AdvanceSequence(ctx context.Context, atLeast domain.ReviewID) error {
	return s.update(ctx, "advance sequence", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Sequence() >= uint64(atLeast) {
			return nil
		}
		return b.SetSequence(uint64(atLeast))
	})
}

// Put stores a record, replacing any previous record with the same id.
func (s *BoltStore) Put(ctx context.Context, rec domain.ReviewRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return domain.NewStorageError("put", err)
	}
	return s.update(ctx, "put", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(idKey(rec.ID), data)
	})
}

func (s *BoltStore) PutBatch(ctx context.Context, recs []domain.ReviewRecord) error {
	if len(recs) == 0 {
		return nil
	}
	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		data, err := encodeRecord(rec)
		if err != nil {
			return domain.NewStorageError("put batch", fmt.Errorf("record %d: %w", rec.ID, err))
		}
		encoded[i] = data
	}
	return s.update(ctx, "put batch", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for i, rec := range recs {
			if err := b.Put(idKey(rec.ID), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Get(ctx context.Context, id domain.ReviewID) (domain.ReviewRecord, error) {
	var rec domain.ReviewRecord
	err := s.run(ctx, "get", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			data := tx.Bucket(bucketRecords).Get(idKey(id))
			if data == nil {
				return fmt.Errorf("%w: %d", domain.ErrNotFound, id)
			}
			var err error
			rec, err = decodeRecord(data)
			return err
		})
	})
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	return rec, nil
}

func (s *BoltStore) GetMany(ctx context.Context, ids []domain.ReviewID) ([]domain.ReviewRecord, error) {
	var recs []domain.ReviewRecord
	err := s.run(ctx, "get many", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketRecords)
			out := make([]domain.ReviewRecord, 0, len(ids))
			for _, id := range ids {
				data := b.Get(idKey(id))
				if data == nil {
					continue
				}
				rec, err := decodeRecord(data)
				if err != nil {
					return fmt.Errorf("record %d: %w", id, err)
				}
				out = append(out, rec)
			}
			recs = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BoltStore) Delete(ctx context.Context, id domain.ReviewID) error {
	return s.update(ctx, "delete", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get(idKey(id)) == nil {
			return fmt.Errorf("%w: %d", domain.ErrNotFound, id)
		}
		return b.Delete(idKey(id))
	})
}

// ForEach visits records in id order inside one read transaction. fn must
// not call back into the store for writes.
func (s *BoltStore) ForEach(ctx context.Context, fn func(domain.ReviewRecord) error) error {
	// Full scans are not bounded by the per-call timeout, only by ctx.
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("record %d: %w", keyID(k), err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	return domain.NewStorageError("scan", err)
}

func (s *BoltStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "count", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			n = tx.Bucket(bucketRecords).Stats().KeyN
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func encodeRecord(rec domain.ReviewRecord) ([]byte, error) {
	return msgpack.Marshal(&rec)
}

func decodeRecord(data []byte) (domain.ReviewRecord, error) {
	var rec domain.ReviewRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return domain.ReviewRecord{}, err
	}
	return rec, nil
}

func encodeLayout(layout port.Layout) ([]byte, error) {
	return msgpack.Marshal(&layout)
}

func decodeLayout(data []byte) (port.Layout, error) {
	var layout port.Layout
	err := msgpack.Unmarshal(data, &layout)
	return layout, err
}
