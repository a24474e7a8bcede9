package operation

// Window is a validity interval in unix seconds.
// ValidUntil zero means no upper bound.
type Window struct {
	ValidAfter uint64
	ValidUntil uint64
}

// Contains reports whether now lies within the window.
func (w Window) Contains(now uint64) bool {
	if now < w.ValidAfter {
		return false
	}

	return w.ValidUntil == 0 || now <= w.ValidUntil
}

// Intersect returns the tightest window satisfying both w and other.
func (w Window) Intersect(other Window) Window {
	out := w
	if other.ValidAfter > out.ValidAfter {
		out.ValidAfter = other.ValidAfter
	}

	if other.ValidUntil != 0 && (out.ValidUntil == 0 || other.ValidUntil < out.ValidUntil) {
		out.ValidUntil = other.ValidUntil
	}

	return out
}
