package index

// Comparator reports the three-way ordering of a and b: negative if
// a < b, zero if equal, positive if a > b.
type Comparator[K any] func(a, b K) int

// Int64Comparator orders int64 keys numerically.
func Int64Comparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
