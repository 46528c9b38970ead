package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

var (
	bucketRecords = []byte("records")
	bucketLayout  = []byte("layout")
	bucketMeta    = []byte("meta")
	keyLayout     = []byte("partitions")
)

// KeyEmbedderState is the meta key holding learned embedder statistics.
const KeyEmbedderState = "embedder_state"

// BoltStore is the bbolt-backed record store. Every write is one bbolt
// transaction, committed and fsynced before the call returns. Reads run in
// read-only transactions and never wait for writers.
type BoltStore struct {
	db      *bbolt.DB
	timeout time.Duration
}

var (
	_ port.RecordStore = (*BoltStore)(nil)
	_ port.LayoutStore = (*BoltStore)(nil)
)

// Options configures a BoltStore.
type Options struct {
	// Timeout bounds every store call. Zero disables the bound.
	Timeout time.Duration
	// LockTimeout bounds waiting for the file lock held by another process.
	LockTimeout time.Duration
}

func NewBoltStore(path string, opts Options) (*BoltStore, error) {
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{bucketRecords, bucketLayout, bucketMeta}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, timeout: opts.Timeout}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// run executes a read under the store timeout. bbolt calls cannot be
// interrupted, so on timeout fn keeps running in the background and the
// caller gets a transient StorageError.
func (s *BoltStore) run(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError(op, err)
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return domain.NewStorageError(op, err)
	case <-ctx.Done():
		return domain.NewStorageError(op, ctx.Err())
	}
}

// Write transaction states. A transaction moves from txPending to either
// txCommitting, once fn returned and bbolt is about to commit, or to
// txAbandoned, once the caller gave up on it.
const (
	txPending int32 = iota
	txCommitting
	txAbandoned
)

var errAbandoned = errors.New("write abandoned after timeout")

// update runs fn in a write transaction under the store timeout. A timeout
// error means nothing was written: a transaction still waiting for the
// writer lock, or still inside fn, rolls back when it gets there. Once the
// commit has started the caller waits for its outcome instead.
func (s *BoltStore) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError(op, err)
	}

	var state atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(tx *bbolt.Tx) error {
			if state.Load() == txAbandoned {
				return errAbandoned
			}
			if err := fn(tx); err != nil {
				return err
			}
			if !state.CompareAndSwap(txPending, txCommitting) {
				return errAbandoned
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return domain.NewStorageError(op, err)
	case <-ctx.Done():
		if state.CompareAndSwap(txPending, txAbandoned) {
			return domain.NewStorageError(op, ctx.Err())
		}
		return domain.NewStorageError(op, <-done)
	}
}

func (s *BoltStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *BoltStore) SaveLayout(ctx context.Context, layout port.Layout) error {
	data, err := encodeLayout(layout)
	if err != nil {
		return domain.NewStorageError("save layout", err)
	}
	return s.update(ctx, "save layout", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLayout).Put(keyLayout, data)
	})
}

func (s *BoltStore) LoadLayout(ctx context.Context) (port.Layout, bool, error) {
	var data []byte
	err := s.run(ctx, "load layout", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			if v := tx.Bucket(bucketLayout).Get(keyLayout); v != nil {
				data = append([]byte(nil), v...)
			}
			return nil
		})
	})
	if err != nil {
		return port.Layout{}, false, err
	}
	if data == nil {
		return port.Layout{}, false, nil
	}
	layout, err := decodeLayout(data)
	if err != nil {
		return port.Layout{}, false, domain.NewStorageError("load layout", err)
	}
	return layout, true, nil
}

func idKey(id domain.ReviewID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func keyID(k []byte) domain.ReviewID {
	return domain.ReviewID(binary.BigEndian.Uint64(k))
}

// PutMeta stores v under key in the meta bucket, msgpack encoded.
func (s *BoltStore) PutMeta(ctx context.Context, key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return domain.NewStorageError("put meta", err)
	}
	return s.update(ctx, "put meta", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), data)
	})
}

// GetMeta decodes the value stored under key into v. ok is false when the
// key was never written.
func (s *BoltStore) GetMeta(ctx context.Context, key string, v any) (bool, error) {
	var data []byte
	err := s.run(ctx, "get meta", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			if b := tx.Bucket(bucketMeta).Get([]byte(key)); b != nil {
				data = append([]byte(nil), b...)
			}
			return nil
		})
	})
	if err != nil || data == nil {
		return false, err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, domain.NewStorageError("get meta", err)
	}
	return true, nil
}
