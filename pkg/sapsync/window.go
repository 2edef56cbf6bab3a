package sapsync

import "github.com/jdziat/projectsync/pkg/fanout"

// Chunk splits project ids into batches of at most size.
func Chunk(ids []string, size int) [][]string {
	return fanout.Batches(ids, size)
}

// RefreshWindow returns the inclusive fiscal years to refresh:
// [max(startYear, plannedStart), min(endYear, currentYear)]. endYear 0
// means currentYear and plannedStart 0 means unknown. skip is true when the
// project starts after currentYear; an empty window (from > to) is not a
// skip.
func RefreshWindow(startYear, endYear, plannedStart, currentYear int) (from, to int, skip bool) {
	if plannedStart > currentYear {
		return 0, 0, true
	}
	from = max(startYear, plannedStart)
	to = currentYear
	if endYear > 0 {
		to = min(endYear, currentYear)
	}
	return from, to, false
}
