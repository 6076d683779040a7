package helpers

func Ptr[T any](value T) *T {
	return &value
}

// SafeLastN returns the last n elements, or the whole slice when it is shorter.
func SafeLastN[T any](items []T, n int) []T {
	if n <= 0 {
		return items[:0]
	}
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
