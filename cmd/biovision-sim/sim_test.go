package main

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/sio"
	"github.com/teslashibe/biovision/pkg/telemetry"
	"github.com/teslashibe/biovision/pkg/video"
)

type emitted struct {
	event string
	args  []any
}

type fakeIO struct {
	mu       sync.Mutex
	handlers map[string]sio.EventHandler
	sent     []emitted
}

func newFakeIO() *fakeIO {
	return &fakeIO{handlers: make(map[string]sio.EventHandler)}
}

func (f *fakeIO) On(event string, fn sio.EventHandler) { f.handlers[event] = fn }
func (f *fakeIO) OnConnect(func(*sio.Socket))          {}

func (f *fakeIO) Broadcast(event string, args ...any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{event, args})
	return 1
}

func (f *fakeIO) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeIO) lastStatus(t *testing.T) protocol.StatusMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].event == protocol.EventStatus {
			return f.sent[i].args[0].(protocol.StatusMessage)
		}
	}
	t.Fatal("no status sent")
	return protocol.StatusMessage{}
}

func (f *fakeIO) call(t *testing.T, event string, payload any) {
	t.Helper()
	var args []json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		args = append(args, raw)
	}
	f.handlers[event](nil, args)
}

func newTestSim(t *testing.T) (*simulator, *fakeIO) {
	t.Helper()
	fio := newFakeIO()
	sim := newSimulator(fio, 5*time.Millisecond, slog.New(slog.DiscardHandler))
	sim.register()
	t.Cleanup(func() { sim.Stop() })
	return sim, fio
}

func TestSimulator_StartStop(t *testing.T) {
	sim, fio := newTestSim(t)
	start := protocol.NewStartConfig(
		protocol.Camera{Mode: protocol.CameraModeIndex, Value: "0"},
		protocol.Camera{Mode: protocol.CameraModeIPURL, Value: "http://cam/2"},
		true,
	)

	fio.call(t, protocol.EventStartProcessing, start)
	if !sim.Running() {
		t.Fatal("not running after start")
	}
	if st := fio.lastStatus(t); st.Running == nil || !*st.Running {
		t.Errorf("start status = %+v", st)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fio.count(protocol.EventDataUpdate) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no data_update ticks")
		}
		time.Sleep(time.Millisecond)
	}

	fio.call(t, protocol.EventStopProcessing, protocol.NewStopCommand())
	if sim.Running() {
		t.Fatal("running after stop")
	}
	if st := fio.lastStatus(t); st.Running == nil || *st.Running {
		t.Errorf("stop status = %+v", st)
	}

	// Stopping again is reported, not an error.
	fio.call(t, protocol.EventStopProcessing, protocol.NewStopCommand())
	if st := fio.lastStatus(t); st.Msg != "Processing not running" {
		t.Errorf("second stop status = %q", st.Msg)
	}
}

func TestSimulator_Logging(t *testing.T) {
	sim, fio := newTestSim(t)

	fio.call(t, protocol.EventUpdateLogging, protocol.NewLoggingUpdate(true))
	if st := fio.lastStatus(t); st.Msg != "Logging enabled" {
		t.Errorf("status = %q", st.Msg)
	}
	sim.mu.Lock()
	logging := sim.logging
	sim.mu.Unlock()
	if !logging {
		t.Error("logging not enabled")
	}
}

func TestSimulator_Shutdown(t *testing.T) {
	sim, fio := newTestSim(t)
	done := make(chan struct{})
	sim.onShutdown = func() { close(done) }

	fio.call(t, protocol.EventStartProcessing, nil)
	fio.call(t, protocol.EventShutdownServer, nil)

	if sim.Running() {
		t.Error("still running after shutdown")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onShutdown never called")
	}
}

func TestSyntheticUpdate_Normalizes(t *testing.T) {
	for _, tick := range []uint64{1, 25, 45, 51} {
		raw, err := json.Marshal(syntheticUpdate(tick, time.Duration(tick)*100*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		u, err := telemetry.Normalize(raw, time.Now())
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if u.Tilt == nil || len(u.Tilt.Keypoints) != telemetry.KeypointCount {
			t.Fatalf("tick %d: tilt = %+v", tick, u.Tilt)
		}
		if u.Tilt.Keypoints[0].X == 0 {
			t.Errorf("tick %d: nose not populated", tick)
		}
		if u.Gaze == nil || u.Gaze.LeftEye.X == 0 || u.Gaze.Label == "" {
			t.Errorf("tick %d: gaze = %+v", tick, u.Gaze)
		}
		if u.Posture == nil || u.Posture.Status == telemetry.PostureUnknown {
			t.Errorf("tick %d: posture = %+v", tick, u.Posture)
		}
	}
}

func TestRenderFrame(t *testing.T) {
	frame, err := renderFrame(2, 7)
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != frameWidth || b.Dy() != frameHeight {
		t.Errorf("bounds = %v", b)
	}
	if _, err := renderFrame(3, 0); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestServeFeed(t *testing.T) {
	sim, fio := newTestSim(t)
	srv := httptest.NewServer(sim.serveFeed(1, 5*time.Millisecond))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("idle status = %d", resp.StatusCode)
	}

	fio.call(t, protocol.EventStartProcessing, nil)

	resp, err = http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	r, err := video.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		frame, err := r.NextFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if _, err := jpeg.Decode(bytes.NewReader(frame)); err != nil {
			t.Fatalf("frame %d not a JPEG: %v", i, err)
		}
	}
	sim.Stop()
}
