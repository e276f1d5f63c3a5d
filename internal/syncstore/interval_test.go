package syncstore

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeIntervalsDisjointAndAdjacent(t *testing.T) {
	got := MergeIntervals([]Interval{
		{Start: 10, End: 20},
		{Start: 21, End: 30}, // adjacent to the first, must merge
		{Start: 50, End: 60},
		{Start: 15, End: 25}, // overlaps the first, out of order
	})
	require.Equal(t, []Interval{{Start: 10, End: 30}, {Start: 50, End: 60}}, got)
}

func TestMergeIntervalsEmpty(t *testing.T) {
	require.Nil(t, MergeIntervals(nil))
}

// TestMergeIntervalsPairwiseDisjointUnionPreserving checks the testable
// property from spec.md §8: for random sequences of inserted ranges, the
// merged result is pairwise-disjoint and its covered set equals the union
// of the inputs.
func TestMergeIntervalsPairwiseDisjointUnionPreserving(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		var intervals []Interval
		covered := make(map[uint64]bool)
		for i := 0; i < 10; i++ {
			start := uint64(rng.Intn(200))
			end := start + uint64(rng.Intn(20))
			intervals = append(intervals, Interval{Start: start, End: end})
			for b := start; b <= end; b++ {
				covered[b] = true
			}
		}

		merged := MergeIntervals(intervals)

		for i := 1; i < len(merged); i++ {
			require.Greaterf(t, merged[i].Start, merged[i-1].End+1, "ranges %v and %v should have merged", merged[i-1], merged[i])
		}

		mergedCovered := make(map[uint64]bool)
		for _, iv := range merged {
			for b := iv.Start; b <= iv.End; b++ {
				mergedCovered[b] = true
			}
		}
		require.Equal(t, covered, mergedCovered)
	}
}

func TestGapsNoCoverage(t *testing.T) {
	gaps := Gaps(0, 100, nil)
	require.Equal(t, []Interval{{Start: 0, End: 100}}, gaps)
}

func TestGapsFullyCovered(t *testing.T) {
	gaps := Gaps(10, 20, []Interval{{Start: 0, End: 30}})
	require.Nil(t, gaps)
}

func TestGapsPartial(t *testing.T) {
	gaps := Gaps(0, 100, []Interval{{Start: 20, End: 40}, {Start: 60, End: 70}})
	require.Equal(t, []Interval{
		{Start: 0, End: 19},
		{Start: 41, End: 59},
		{Start: 71, End: 100},
	}, gaps)
}

func TestChunkBySplitsAndPreservesBoundaries(t *testing.T) {
	chunks := ChunkBy([]Interval{{Start: 0, End: 25}}, 10)
	require.Equal(t, []Interval{
		{Start: 0, End: 9},
		{Start: 10, End: 19},
		{Start: 20, End: 25},
	}, chunks)
}

func TestChunkByZeroMaxSizeIsNoop(t *testing.T) {
	in := []Interval{{Start: 0, End: 25}}
	require.Equal(t, in, ChunkBy(in, 0))
}
