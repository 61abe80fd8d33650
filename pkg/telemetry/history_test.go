package telemetry

import "testing"

func TestHistory_BoundedFIFO(t *testing.T) {
	var h History
	for i := range 250 {
		prev := h.Len()
		h = h.Append(BiosignalSample{Timestamp: int64(i), Value: float64(i)})

		want := min(prev+1, MaxDataPoints)
		if h.Len() != want {
			t.Fatalf("after %d appends: len = %d, want %d", i+1, h.Len(), want)
		}
	}

	samples := h.Samples()
	for i, s := range samples {
		if want := int64(150 + i); s.Timestamp != want {
			t.Fatalf("samples[%d].Timestamp = %d, want %d", i, s.Timestamp, want)
		}
	}
	if latest, ok := h.Latest(); !ok || latest.Value != 249 {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}
}

func TestHistory_AppendDoesNotMutate(t *testing.T) {
	h := NewHistory(3)
	h = h.Append(BiosignalSample{Timestamp: 1}).Append(BiosignalSample{Timestamp: 2}).Append(BiosignalSample{Timestamp: 3})

	before := h.Samples()
	next := h.Append(BiosignalSample{Timestamp: 4})

	after := h.Samples()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("receiver changed at %d: %+v -> %+v", i, before[i], after[i])
		}
	}

	got := next.Samples()
	if len(got) != 3 || got[0].Timestamp != 2 || got[2].Timestamp != 4 {
		t.Errorf("next = %+v", got)
	}

	// Branching from the same parent must not interfere.
	other := h.Append(BiosignalSample{Timestamp: 99})
	if next.Samples()[2].Timestamp != 4 || other.Samples()[2].Timestamp != 99 {
		t.Error("sibling histories share writes")
	}
}

func TestHistory_Capacity(t *testing.T) {
	tests := []struct {
		capacity int
		want     int
	}{
		{0, MaxDataPoints},
		{-5, MaxDataPoints},
		{1, 1},
		{10, 10},
	}
	for _, tt := range tests {
		if got := NewHistory(tt.capacity).Cap(); got != tt.want {
			t.Errorf("NewHistory(%d).Cap() = %d, want %d", tt.capacity, got, tt.want)
		}
	}

	h := NewHistory(1).Append(BiosignalSample{Value: 1}).Append(BiosignalSample{Value: 2})
	if h.Len() != 1 || h.Samples()[0].Value != 2 {
		t.Errorf("capacity 1 history = %+v", h.Samples())
	}
}

func TestHistory_Empty(t *testing.T) {
	var h History
	if h.Len() != 0 || len(h.Samples()) != 0 {
		t.Error("zero History should be empty")
	}
	if _, ok := h.Latest(); ok {
		t.Error("Latest() on empty history should report false")
	}
}
