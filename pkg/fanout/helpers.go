package fanout

// Batches splits items into consecutive slices of at most size elements.
// A size below one is treated as one.
func Batches[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// Count returns the number of spawned sub-jobs.
func Count(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		n += len(c.JobIDs)
	}
	return n
}
