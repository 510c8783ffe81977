package geom

// FloorDiv rounds toward negative infinity. b must be > 0.
func FloorDiv(a, b int64) int64 {
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// Mod returns the value in [0, b) congruent to a. b must be > 0.
func Mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
