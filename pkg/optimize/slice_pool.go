package optimize

// GrowSlice returns s resliced to newLen, reallocating with doubled
// capacity when it does not fit. Contents up to len(s) are preserved.
func GrowSlice[T any](s []T, newLen int) []T {
	if newLen <= cap(s) {
		return s[:newLen]
	}

	newCap := cap(s) * 2
	if newCap < newLen {
		newCap = newLen
	}

	newSlice := make([]T, newLen, newCap)
	copy(newSlice, s)
	return newSlice
}
