package telemetry

// MaxDataPoints is the number of biosignal samples kept for charting.
const MaxDataPoints = 100

// History is an immutable, bounded sequence of biosignal samples in
// arrival order. The zero value is an empty history with capacity
// MaxDataPoints.
//
// Append never modifies its receiver, so a History handed to a reader
// stays valid while the owner keeps appending.
type History struct {
	samples  []BiosignalSample
	capacity int
}

// NewHistory returns an empty history holding at most capacity samples.
// A capacity below 1 means MaxDataPoints.
func NewHistory(capacity int) History {
	if capacity < 1 {
		capacity = MaxDataPoints
	}
	return History{capacity: capacity}
}

// Cap returns the maximum length.
func (h History) Cap() int {
	if h.capacity < 1 {
		return MaxDataPoints
	}
	return h.capacity
}

// Len returns the number of samples held.
func (h History) Len() int {
	return len(h.samples)
}

// Append returns a new history with s added at the end. When full, the
// oldest sample is dropped first.
func (h History) Append(s BiosignalSample) History {
	limit := h.Cap()
	keep := h.samples
	if len(keep) >= limit {
		keep = keep[len(keep)-limit+1:]
	}

	next := make([]BiosignalSample, len(keep), len(keep)+1)
	copy(next, keep)
	next = append(next, s)
	return History{samples: next, capacity: h.capacity}
}

// Samples returns a copy of the samples, oldest first.
func (h History) Samples() []BiosignalSample {
	out := make([]BiosignalSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Latest returns the newest sample.
func (h History) Latest() (BiosignalSample, bool) {
	if len(h.samples) == 0 {
		return BiosignalSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}
