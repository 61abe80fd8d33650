package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/teslashibe/biovision/pkg/monitor"
	"github.com/teslashibe/biovision/pkg/telemetry"
)

func newTestRecorder(t *testing.T) (*Recorder, *Store) {
	t.Helper()
	store := openStore(t)
	r := NewRecorder(store, slog.New(slog.DiscardHandler))
	r.now = func() time.Time { return t0 }
	return r, store
}

func live(ticks uint64, logging bool, value float64) monitor.State {
	return monitor.State{
		Ticks:       ticks,
		Connected:   true,
		IsRecording: true,
		IsLogging:   logging,
		Biosignal: []telemetry.BiosignalSample{
			{Timestamp: t0.UnixMilli() + int64(ticks)*100, Value: value},
		},
		Tilt:    telemetry.EmptyTilt(),
		Posture: telemetry.PostureData{Label: "Good", Status: telemetry.PostureGood},
	}
}

func TestRecorder_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRecorder(t)

	steps := []monitor.State{
		live(1, false, 0.1), // processing without logging
		live(1, true, 0.1),  // logging turned on: session opens
		live(2, true, 0.2),  // tick
		live(2, true, 0.2),  // republish without a tick
		live(3, true, 0.3),  // tick
	}
	for _, s := range steps {
		r.apply(ctx, s)
	}

	id, open := r.Current()
	if !open {
		t.Fatal("no session open while logging")
	}

	stopped := live(3, false, 0.3)
	stopped.IsRecording = false
	r.apply(ctx, stopped)

	if _, open := r.Current(); open {
		t.Error("session still open after stop")
	}

	sess, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Open() {
		t.Error("session not finished")
	}
	if sess.Name != "session_20240105_142233" {
		t.Errorf("Name = %q", sess.Name)
	}
	if len(sess.Frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(sess.Frames))
	}
	if sess.Frames[0].BiopacValue != 0.2 || sess.Frames[1].BiopacValue != 0.3 {
		t.Errorf("frames = %+v", sess.Frames)
	}
	if sess.Frames[0].Timestamp != t0.UnixMilli()+200 {
		t.Errorf("frame timestamp = %d", sess.Frames[0].Timestamp)
	}
}

func TestRecorder_CountsDroppedSnapshots(t *testing.T) {
	r, _ := newTestRecorder(t)

	// Nothing drains the queue without Run.
	queue := cap(r.states)
	for i := range queue + 7 {
		r.Observe(live(uint64(i), true, 0))
	}

	if got := r.Dropped(); got != 7 {
		t.Errorf("Dropped() = %d, want 7", got)
	}
	if len(r.states) != queue {
		t.Errorf("queued = %d, want %d", len(r.states), queue)
	}
}

func TestRecorder_ClosesOn(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*monitor.State)
	}{
		{"logging off", func(s *monitor.State) { s.IsLogging = false }},
		{"processing stopped", func(s *monitor.State) { s.IsRecording = false }},
		{"connection lost", func(s *monitor.State) { s.Connected = false; s.IsRecording = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, store := newTestRecorder(t)

			r.apply(ctx, live(0, true, 0))
			r.apply(ctx, live(1, true, 1))

			next := live(2, true, 2)
			tt.mutate(&next)
			r.apply(ctx, next)

			if _, open := r.Current(); open {
				t.Fatal("session still open")
			}
			list, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 1 || list[0].Open() || list[0].FrameCount != 1 {
				t.Errorf("sessions = %+v", list)
			}
		})
	}
}

func TestRecorder_RunFinishesOnCancel(t *testing.T) {
	r, store := newTestRecorder(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Observe(live(0, true, 0))
	r.Observe(live(1, true, 1))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if list, _ := store.List(context.Background()); len(list) == 1 && list[0].FrameCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder never wrote the frame")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Open() {
		t.Errorf("sessions = %+v", list)
	}
}
