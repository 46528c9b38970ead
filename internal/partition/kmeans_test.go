package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"reviewsearch/internal/domain"
)

func ids(ms []Member) []domain.ReviewID {
	return memberIDsOf(ms)
}

func TestBisect_SeparatesClusters(t *testing.T) {
	in := []Member{
		{ID: 4, Vector: domain.Vector{0, 1}},
		{ID: 1, Vector: domain.Vector{1, 0}},
		{ID: 3, Vector: domain.Vector{0.9, 0.2}},
		{ID: 6, Vector: domain.Vector{0.2, 0.9}},
		{ID: 2, Vector: domain.Vector{0.95, 0.1}},
	}
	b := bisect(in, 10, 4)
	assert.Equal(t, []domain.ReviewID{1, 2, 3}, ids(b.left))
	assert.Equal(t, []domain.ReviewID{4, 6}, ids(b.right))
	assert.Greater(t, b.leftCentroid[0], b.leftCentroid[1])
	assert.Greater(t, b.rightCentroid[1], b.rightCentroid[0])

	// input order does not matter
	rev := []Member{in[4], in[3], in[2], in[1], in[0]}
	again := bisect(rev, 10, 4)
	assert.Equal(t, ids(b.left), ids(again.left))
	assert.Equal(t, ids(b.right), ids(again.right))
}

func TestBisect_IdenticalVectorsFallBackToHalves(t *testing.T) {
	var in []Member
	for i := 1; i <= 5; i++ {
		in = append(in, Member{ID: domain.ReviewID(i), Vector: domain.Vector{1, 1}})
	}
	b := bisect(in, 10, 4)
	assert.Len(t, b.left, 3)
	assert.Len(t, b.right, 2)
	assert.Equal(t, domain.Vector{1, 1}, b.leftCentroid)
}

func TestBisect_OversizedSideIsRebalanced(t *testing.T) {
	// one outlier against a tight group: plain 2-means gives 5/1
	in := []Member{
		{ID: 1, Vector: domain.Vector{1, 0}},
		{ID: 2, Vector: domain.Vector{1, 0.01}},
		{ID: 3, Vector: domain.Vector{1, 0.02}},
		{ID: 4, Vector: domain.Vector{1, 0.03}},
		{ID: 5, Vector: domain.Vector{1, 0.04}},
		{ID: 6, Vector: domain.Vector{0, 1}},
	}
	b := bisect(in, 10, 4)
	assert.Len(t, b.left, 3)
	assert.Len(t, b.right, 3)
	assert.Contains(t, ids(b.right), domain.ReviewID(6))
}

func TestFarthestPair(t *testing.T) {
	pts := []Member{
		{ID: 1, Vector: domain.Vector{1, 0}},
		{ID: 2, Vector: domain.Vector{0.7, 0.7}},
		{ID: 3, Vector: domain.Vector{-1, 0}},
	}
	a, b := farthestPair(pts)
	assert.Equal(t, 0, a)
	assert.Equal(t, 2, b)
}
