package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reviewsearch/internal/adapter/memstore"
	"reviewsearch/internal/domain"
)

func TestRecordCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	backing := memstore.NewMemoryStore()
	c := NewRecordCache(backing, 1, time.Minute)

	rec := domain.ReviewRecord{ID: 1, Vector: domain.Vector{0.5, 0.5}, Metadata: domain.Metadata{ProductID: "B01", Rating: 5}, Version: 1}
	require.NoError(t, c.Put(ctx, rec))

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Vector, got.Vector)
	assert.EqualValues(t, 1, c.EntryCount())

	// Served from cache even after the backing record goes away behind
	// the cache's back.
	require.NoError(t, backing.Delete(ctx, 1))
	got, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Metadata, got.Metadata)
}

func TestRecordCache_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewRecordCache(memstore.NewMemoryStore(), 1, 0)

	require.NoError(t, c.Put(ctx, domain.ReviewRecord{ID: 1, Vector: domain.Vector{1, 0}, Version: 1}))
	_, err := c.Get(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, domain.ReviewRecord{ID: 1, Vector: domain.Vector{0, 1}, Version: 2}))
	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Version)
	assert.Equal(t, domain.Vector{0, 1}, got.Vector)

	require.NoError(t, c.Delete(ctx, 1))
	_, err = c.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordCache_GetManyMixesHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	c := NewRecordCache(memstore.NewMemoryStore(), 1, 0)

	require.NoError(t, c.PutBatch(ctx, []domain.ReviewRecord{{ID: 1}, {ID: 2}, {ID: 3}}))
	_, err := c.Get(ctx, 2)
	require.NoError(t, err)

	got, err := c.GetMany(ctx, []domain.ReviewID{3, 2, 42, 1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.ReviewID(3), got[0].ID)
	assert.Equal(t, domain.ReviewID(2), got[1].ID)
	assert.Equal(t, domain.ReviewID(1), got[2].ID)
}
