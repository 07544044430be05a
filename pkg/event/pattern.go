package event

// MatchPattern reports whether name matches pattern, where pattern is
// either the literal string "*" (matches everything), or a colon-delimited
// sequence of segments where "*" matches exactly one segment and any other
// segment must match exactly.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == name {
		return true
	}

	pSegs := Segments(pattern)
	nSegs := Segments(name)
	if len(pSegs) != len(nSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != nSegs[i] {
			return false
		}
	}
	return true
}
