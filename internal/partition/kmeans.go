package partition

import (
	"sort"

	"reviewsearch/internal/domain"
	"reviewsearch/internal/vector"
)

// bisection is the outcome of splitting one member set in two.
type bisection struct {
	left, right                 []Member
	leftCentroid, rightCentroid domain.Vector
}

// bisect runs a deterministic 2-means over members: seeds are the farthest
// pair under cosine distance, assignment ties go left and at most
// iterations rounds are run. When a side ends up empty or larger than
// maxSize, members are split in half along the seed direction instead.
//
// members must hold at least two entries.
func bisect(members []Member, iterations, maxSize int) bisection {
	pts := append([]Member(nil), members...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].ID < pts[j].ID })

	a, b := farthestPair(pts)
	ca := vector.Clone(pts[a].Vector)
	cb := vector.Clone(pts[b].Vector)

	assign := make([]bool, len(pts)) // true = right
	for iter := 0; iter < iterations; iter++ {
		changed := iter == 0
		for i, p := range pts {
			right := vector.Cosine(p.Vector, cb) > vector.Cosine(p.Vector, ca)
			if right != assign[i] {
				assign[i] = right
				changed = true
			}
		}
		if !changed {
			break
		}
		l, r := partitionBy(pts, assign)
		if len(l) == 0 || len(r) == 0 {
			break
		}
		ca, cb = meanOf(l), meanOf(r)
	}

	l, r := partitionBy(pts, assign)
	if len(l) == 0 || len(r) == 0 || len(l) > maxSize || len(r) > maxSize {
		l, r = balancedSplit(pts, pts[a].Vector, pts[b].Vector)
	}
	return bisection{
		left:          l,
		right:         r,
		leftCentroid:  meanOf(l),
		rightCentroid: meanOf(r),
	}
}

// farthestPair returns the indices of the pair with the lowest cosine
// similarity, the earliest pair on ties.
func farthestPair(pts []Member) (int, int) {
	a, b := 0, 1
	best := vector.Cosine(pts[0].Vector, pts[1].Vector)
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if s := vector.Cosine(pts[i].Vector, pts[j].Vector); s < best {
				best, a, b = s, i, j
			}
		}
	}
	return a, b
}

func partitionBy(pts []Member, assign []bool) (left, right []Member) {
	for i, p := range pts {
		if assign[i] {
			right = append(right, p)
		} else {
			left = append(left, p)
		}
	}
	return left, right
}

// balancedSplit orders members by their projection on seedA-seedB and cuts
// in the middle. Degenerate inputs (identical seeds) fall back to id order.
func balancedSplit(pts []Member, seedA, seedB domain.Vector) (left, right []Member) {
	dir := make([]float32, len(seedA))
	for i := range dir {
		dir[i] = seedA[i] - seedB[i]
	}

	ordered := append([]Member(nil), pts...)
	proj := make(map[domain.ReviewID]float32, len(ordered))
	for _, p := range ordered {
		proj[p.ID] = vector.Dot(p.Vector, dir)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := proj[ordered[i].ID], proj[ordered[j].ID]
		if pi != pj {
			return pi > pj
		}
		return ordered[i].ID < ordered[j].ID
	})

	half := (len(ordered) + 1) / 2
	left = append([]Member(nil), ordered[:half]...)
	right = append([]Member(nil), ordered[half:]...)
	sortByID(left)
	sortByID(right)
	return left, right
}

func meanOf(ms []Member) domain.Vector {
	vs := make([][]float32, len(ms))
	for i, m := range ms {
		vs[i] = m.Vector
	}
	return vector.Mean(vs)
}

func sortByID(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}
