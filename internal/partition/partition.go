// Package partition maintains the posting lists of the index: bounded
// groups of review ids around a centroid, plus a flat coarse index over the
// centroids used for routing and candidate selection.
package partition

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"reviewsearch/internal/domain"
)

// ID identifies a partition. IDs are never reused.
type ID uint64

// State is the lifecycle state of a partition.
type State int32

const (
	Active State = iota
	Splitting
	Merging
	// Retired partitions have been split or merged away. They are no longer
	// reachable through the manager but may still be held by a caller that
	// looked them up earlier.
	Retired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Splitting:
		return "splitting"
	case Merging:
		return "merging"
	case Retired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNeedsSplit means the partition is full. The member was not added.
	ErrNeedsSplit = errors.New("partition full, needs split")

	// ErrTooLarge means a merge would exceed the partition size bound.
	ErrTooLarge = errors.New("merged partition would exceed max size")
)

// Member is a review id with the vector it was routed by.
type Member struct {
	ID     domain.ReviewID
	Vector domain.Vector
}

// Partition is one posting list. All fields are guarded by mu.
type Partition struct {
	id ID

	mu       sync.RWMutex
	centroid domain.Vector
	members  *roaring64.Bitmap
	version  uint64
	state    State
}

func newPartition(id ID, centroid domain.Vector) *Partition {
	return &Partition{
		id:       id,
		centroid: centroid,
		members:  roaring64.New(),
		state:    Active,
	}
}

func (p *Partition) ID() ID {
	return p.id
}

func (p *Partition) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int(p.members.GetCardinality())
}

func (p *Partition) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Centroid returns a copy of the centroid.
func (p *Partition) Centroid() domain.Vector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(domain.Vector(nil), p.centroid...)
}

// size must be called with mu held.
func (p *Partition) size() int {
	return int(p.members.GetCardinality())
}

// memberIDs must be called with mu held.
func (p *Partition) memberIDs() []domain.ReviewID {
	raw := p.members.ToArray()
	ids := make([]domain.ReviewID, len(raw))
	for i, v := range raw {
		ids[i] = domain.ReviewID(v)
	}
	return ids
}

func bitmapOf(ids []domain.ReviewID) *roaring64.Bitmap {
	bm := roaring64.New()
	for _, id := range ids {
		bm.Add(uint64(id))
	}
	return bm
}

// Candidate is a partition chosen for a query with its centroid similarity.
type Candidate struct {
	ID    ID
	Score float32
}
