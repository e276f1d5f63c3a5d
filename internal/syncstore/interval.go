package syncstore

import "sort"

// Interval is a closed-closed [Start, End] block range.
type Interval struct {
	Start uint64
	End   uint64
}

// MergeIntervals normalizes a set of intervals into pairwise-disjoint
// ranges whose union equals the union of the inputs, merging any
// overlapping or adjacent ranges. O(n log n), matching spec.md §4.3.
func MergeIntervals(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := make([]Interval, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		// Adjacent (cur.End+1 == next.Start) or overlapping ranges merge.
		if next.Start <= cur.End+1 {
			if next.End > cur.End {
				cur.End = next.End
			}
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)
	return merged
}

// Gaps returns the portions of [from, to] not covered by any interval in
// covered (which must already be pairwise-disjoint and sorted, e.g. the
// output of MergeIntervals). This is the "gap set" spec.md §4.4 describes:
// requested_ranges \ already_cached_intervals.
func Gaps(from, to uint64, covered []Interval) []Interval {
	if from > to {
		return nil
	}
	var gaps []Interval
	cursor := from
	for _, iv := range covered {
		if iv.End < cursor {
			continue
		}
		if iv.Start > to {
			break
		}
		if iv.Start > cursor {
			end := iv.Start - 1
			if end > to {
				end = to
			}
			gaps = append(gaps, Interval{Start: cursor, End: end})
		}
		if iv.End >= cursor {
			if iv.End+1 > cursor {
				cursor = iv.End + 1
			}
		}
		if cursor > to {
			return gaps
		}
	}
	if cursor <= to {
		gaps = append(gaps, Interval{Start: cursor, End: to})
	}
	return gaps
}

// ChunkBy splits each interval into sub-intervals of at most maxSize
// blocks, preserving order.
func ChunkBy(intervals []Interval, maxSize uint64) []Interval {
	if maxSize == 0 {
		return intervals
	}
	var chunks []Interval
	for _, iv := range intervals {
		start := iv.Start
		for start <= iv.End {
			end := start + maxSize - 1
			if end > iv.End {
				end = iv.End
			}
			chunks = append(chunks, Interval{Start: start, End: end})
			if end == iv.End {
				break
			}
			start = end + 1
		}
	}
	return chunks
}
