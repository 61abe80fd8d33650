package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/biovision/pkg/link"
	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/telemetry"
)

type emitted struct {
	event string
	args  []any
}

// fakeLink records emitted events and address changes.
type fakeLink struct {
	mu      sync.Mutex
	events  []emitted
	urls    []string
	emitErr error
}

func (f *fakeLink) SetURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
}

func (f *fakeLink) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.events = append(f.events, emitted{event: event, args: args})
	return nil
}

func (f *fakeLink) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.events...)
}

func (f *fakeLink) names() []string {
	var out []string
	for _, e := range f.sent() {
		out = append(out, e.event)
	}
	return out
}

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestApp(t *testing.T) (*App, *fakeLink) {
	t.Helper()
	app := New(Config{
		ServerURL: "http://localhost:5001/",
		Cameras: Cameras{
			Tilt:    protocol.Camera{Mode: protocol.CameraModeIndex, Value: "0", Model: `"C:\tilt.pt"`},
			Posture: protocol.Camera{Mode: protocol.CameraModeIPURL, Value: "http://cam/stream", Model: "posture.pt"},
		},
		ShutdownDelay: 10 * time.Millisecond,
		Now:           func() time.Time { return testNow },
	}, slog.New(slog.DiscardHandler))

	fl := &fakeLink{}
	app.Bind(fl)

	ctx, cancel := context.WithCancel(context.Background())
	go app.Run(ctx)
	t.Cleanup(cancel)
	return app, fl
}

// settle waits until every queued operation has run.
func settle(t *testing.T, a *App) {
	t.Helper()
	if err := a.call(func() error { return nil }); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func connect(t *testing.T, a *App) {
	t.Helper()
	a.OnConnect()
	settle(t, a)
}

func startRecording(t *testing.T, a *App) {
	t.Helper()
	connect(t, a)
	if err := a.StartProcessing(); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if !a.Snapshot().IsRecording {
		t.Fatal("not recording after start")
	}
}

func tick(t *testing.T, a *App, payload string) {
	t.Helper()
	a.OnEvent(protocol.EventDataUpdate, json.RawMessage(payload))
	settle(t, a)
}

func TestInitialState(t *testing.T) {
	app, _ := newTestApp(t)
	s := app.Snapshot()

	if s.Connected || s.IsRecording || s.IsLogging {
		t.Errorf("flags = %v/%v/%v, want all false", s.Connected, s.IsRecording, s.IsLogging)
	}
	if s.RecordingStatus != StatusIdle || s.ConnectionStatus != StatusDisconnected {
		t.Errorf("status = %s/%s", s.RecordingStatus, s.ConnectionStatus)
	}
	if s.ServerURL != "http://localhost:5001" {
		t.Errorf("ServerURL = %q, trailing slash not stripped", s.ServerURL)
	}
	if len(s.Tilt.Keypoints) != telemetry.KeypointCount {
		t.Errorf("keypoints = %d", len(s.Tilt.Keypoints))
	}
	if s.Posture.Status != telemetry.PostureUnknown {
		t.Errorf("posture status = %s", s.Posture.Status)
	}
	if len(s.Biosignal) != 0 {
		t.Errorf("biosignal = %v", s.Biosignal)
	}
}

func TestStartRequiresConnection(t *testing.T) {
	app, fl := newTestApp(t)

	if err := app.StartProcessing(); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}
	if app.Snapshot().IsRecording {
		t.Error("started while disconnected")
	}
	if len(fl.sent()) != 0 {
		t.Errorf("emitted %v while disconnected", fl.names())
	}

	if err := app.StopProcessing(); err != nil {
		t.Fatalf("StopProcessing: %v", err)
	}
	if len(fl.sent()) != 0 {
		t.Errorf("emitted %v while disconnected", fl.names())
	}
}

func TestStartThenStop(t *testing.T) {
	app, fl := newTestApp(t)
	connect(t, app)

	app.ToggleLogging()
	if err := app.StartProcessing(); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	s := app.Snapshot()
	if !s.IsRecording || s.RecordingStatus != StatusProcessing {
		t.Fatalf("after start: recording=%v status=%s", s.IsRecording, s.RecordingStatus)
	}

	sent := fl.sent()
	if len(sent) != 1 || sent[0].event != protocol.EventStartProcessing {
		t.Fatalf("sent = %v", fl.names())
	}
	cfg, ok := sent[0].args[0].(protocol.StartConfig)
	if !ok {
		t.Fatalf("start payload is %T", sent[0].args[0])
	}
	if cfg.TiltModel != `C:\tilt.pt` || cfg.TiltType != protocol.SourceWebcam || cfg.PostureType != protocol.SourceIP {
		t.Errorf("start config = %+v", cfg)
	}
	if !cfg.Logging {
		t.Error("start config should carry logging=true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("mirror keys: %v", err)
	}

	// Starting twice is a no-op.
	app.StartProcessing()
	if len(fl.sent()) != 1 {
		t.Errorf("second start emitted: %v", fl.names())
	}

	if err := app.StopProcessing(); err != nil {
		t.Fatalf("StopProcessing: %v", err)
	}
	s = app.Snapshot()
	if s.IsRecording || s.IsLogging || s.RecordingStatus != StatusIdle {
		t.Errorf("after stop: recording=%v logging=%v status=%s", s.IsRecording, s.IsLogging, s.RecordingStatus)
	}

	sent = fl.sent()
	stop := sent[len(sent)-1]
	if stop.event != protocol.EventStopProcessing {
		t.Fatalf("last event = %s", stop.event)
	}
	if cmd, ok := stop.args[0].(protocol.StopCommand); !ok || !cmd.Force {
		t.Errorf("stop payload = %#v", stop.args[0])
	}
}

func TestToggleRecording(t *testing.T) {
	app, fl := newTestApp(t)
	connect(t, app)

	app.ToggleRecording()
	app.ToggleRecording()

	want := []string{protocol.EventStartProcessing, protocol.EventStopProcessing}
	if got := fl.names(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if app.Snapshot().IsRecording {
		t.Error("still recording after two toggles")
	}
}

func TestStartEmitFailureKeepsIdle(t *testing.T) {
	app, fl := newTestApp(t)
	connect(t, app)
	fl.emitErr = link.ErrNotConnected

	if err := app.StartProcessing(); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("StartProcessing = %v, want ErrNotConnected", err)
	}
	if app.Snapshot().IsRecording {
		t.Error("recording although start was never sent")
	}
}

func TestStartRejectsEmptyCamera(t *testing.T) {
	app, fl := newTestApp(t)
	connect(t, app)

	cams := Cameras{
		Tilt:    protocol.Camera{Mode: protocol.CameraModeIndex, Value: "0"},
		Posture: protocol.Camera{Mode: protocol.CameraModeIPURL},
	}
	if err := app.UpdateCameras(cams); err != nil {
		t.Fatalf("UpdateCameras: %v", err)
	}

	if err := app.StartProcessing(); !errors.Is(err, protocol.ErrNoSource) {
		t.Fatalf("StartProcessing = %v, want ErrNoSource", err)
	}
	if len(fl.sent()) != 0 {
		t.Errorf("sent = %v, want nothing", fl.names())
	}
	if app.Snapshot().IsRecording {
		t.Error("recording although start was rejected")
	}
}

func TestTelemetryIgnoredWhileIdle(t *testing.T) {
	app, _ := newTestApp(t)
	connect(t, app)
	before := app.Snapshot()

	for _, payload := range []string{
		`{"biopac": 1}`,
		`{"tilt": {"keypoints": [[1,2]], "label": "Left"}}`,
		`{"posture": {"label": "Bad"}}`,
		`not json`,
	} {
		tick(t, app, payload)
	}

	after := app.Snapshot()
	if after.Version != before.Version {
		t.Errorf("version changed %d -> %d while idle", before.Version, after.Version)
	}
	if after.Ticks != 0 || len(after.Biosignal) != 0 || after.Tilt.Label != "" || after.Posture.Label != "" {
		t.Errorf("state changed while idle: %+v", after)
	}
}

func TestTelemetryPartialUpdate(t *testing.T) {
	app, _ := newTestApp(t)
	startRecording(t, app)

	tick(t, app, `{"biopac": 1, "tilt": {"keypoints": [[0.1,0.2]], "label": "Straight", "conf": 0.8}, "gaze": {"label": "CENTER", "eyes": [{"rel": [0.5,0.5]}]}}`)
	prev := app.Snapshot()

	tick(t, app, `{"biopac": 3.5, "posture": {"label": "Bad Slouch"}}`)
	s := app.Snapshot()

	latest, ok := s.History().Latest()
	if !ok || latest.Value != 3.5 || latest.Timestamp != testNow.UnixMilli() {
		t.Errorf("latest sample = %+v", latest)
	}
	if len(s.Biosignal) != 2 {
		t.Errorf("biosignal len = %d, want 2", len(s.Biosignal))
	}

	want := telemetry.PostureData{Label: "Bad Slouch", Confidence: 0, Status: telemetry.PostureBad}
	if s.Posture != want {
		t.Errorf("posture = %+v, want %+v", s.Posture, want)
	}
	if s.Tilt.Label != prev.Tilt.Label || s.Tilt.Confidence != prev.Tilt.Confidence || s.Tilt.Keypoints[0] != prev.Tilt.Keypoints[0] {
		t.Errorf("tilt changed: %+v -> %+v", prev.Tilt, s.Tilt)
	}
	if s.Gaze != prev.Gaze {
		t.Errorf("gaze changed: %+v -> %+v", prev.Gaze, s.Gaze)
	}
	if s.Ticks != 2 {
		t.Errorf("Ticks = %d, want 2", s.Ticks)
	}
}

func TestTelemetryHistoryBounded(t *testing.T) {
	app, _ := newTestApp(t)
	startRecording(t, app)

	for i := range 150 {
		app.OnEvent(protocol.EventDataUpdate, json.RawMessage(fmt.Sprintf(`{"biopac": %d}`, i)))
	}
	settle(t, app)

	s := app.Snapshot()
	if len(s.Biosignal) != telemetry.MaxDataPoints {
		t.Fatalf("biosignal len = %d, want %d", len(s.Biosignal), telemetry.MaxDataPoints)
	}
	if s.Biosignal[0].Value != 50 || s.Biosignal[99].Value != 149 {
		t.Errorf("window = %v..%v, want 50..149", s.Biosignal[0].Value, s.Biosignal[99].Value)
	}
}

func TestMalformedTelemetryDropped(t *testing.T) {
	app, _ := newTestApp(t)
	startRecording(t, app)
	before := app.Snapshot()

	tick(t, app, `[1,2,3]`)

	if app.Snapshot().Version != before.Version {
		t.Error("malformed envelope changed state")
	}
}

func TestForcedDisconnect(t *testing.T) {
	app, fl := newTestApp(t)
	startRecording(t, app)
	sentBefore := len(fl.sent())

	app.OnDisconnect("transport close")
	settle(t, app)

	s := app.Snapshot()
	if s.Connected || s.IsRecording {
		t.Errorf("after disconnect: connected=%v recording=%v", s.Connected, s.IsRecording)
	}
	if s.ConnectionStatus != StatusDisconnected || s.RecordingStatus != StatusIdle {
		t.Errorf("status = %s/%s", s.ConnectionStatus, s.RecordingStatus)
	}
	if len(fl.sent()) != sentBefore {
		t.Errorf("disconnect emitted %v", fl.names()[sentBefore:])
	}

	// Telemetry racing the disconnect is dropped.
	tick(t, app, `{"biopac": 9}`)
	if len(app.Snapshot().Biosignal) != 0 {
		t.Error("telemetry applied after disconnect")
	}
}

func TestToggleLogging(t *testing.T) {
	app, fl := newTestApp(t)

	// Idle: local flip only.
	app.ToggleLogging()
	if !app.Snapshot().IsLogging {
		t.Fatal("logging not toggled")
	}
	if len(fl.sent()) != 0 {
		t.Fatalf("idle toggle emitted %v", fl.names())
	}
	app.ToggleLogging()

	startRecording(t, app)
	app.ToggleLogging()

	sent := fl.sent()
	last := sent[len(sent)-1]
	if last.event != protocol.EventUpdateLogging {
		t.Fatalf("last event = %s", last.event)
	}
	if upd, ok := last.args[0].(protocol.LoggingUpdate); !ok || !upd.Logging {
		t.Errorf("update_logging payload = %#v", last.args[0])
	}
	if !app.Snapshot().IsLogging {
		t.Error("IsLogging = false after toggle while processing")
	}
}

func TestShutdown(t *testing.T) {
	app, fl := newTestApp(t)
	connect(t, app)

	if err := app.Shutdown(false); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("Shutdown(false) = %v, want ErrNotConfirmed", err)
	}
	if len(fl.sent()) != 0 {
		t.Fatalf("unconfirmed shutdown emitted %v", fl.names())
	}

	fired := make(chan struct{})
	app.OnShutdown(func() { close(fired) })

	if err := app.Shutdown(true); err != nil {
		t.Fatalf("Shutdown(true): %v", err)
	}
	sent := fl.sent()
	if len(sent) != 1 || sent[0].event != protocol.EventShutdownServer || len(sent[0].args) != 0 {
		t.Fatalf("sent = %+v", sent)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook never ran")
	}
}

func TestSetServerURL(t *testing.T) {
	app, fl := newTestApp(t)

	for _, bad := range []string{"", "localhost:5001", "ftp://host", "http://"} {
		if err := app.SetServerURL(bad); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("SetServerURL(%q) = %v, want ErrInvalidURL", bad, err)
		}
	}

	if err := app.SetServerURL("http://10.0.0.7:5001/"); err != nil {
		t.Fatalf("SetServerURL: %v", err)
	}
	if got := app.Snapshot().ServerURL; got != "http://10.0.0.7:5001" {
		t.Errorf("ServerURL = %q", got)
	}
	fl.mu.Lock()
	urls := append([]string(nil), fl.urls...)
	fl.mu.Unlock()
	if len(urls) != 1 || urls[0] != "http://10.0.0.7:5001" {
		t.Errorf("link urls = %v", urls)
	}
}

func TestUpdateCameras(t *testing.T) {
	app, fl := newTestApp(t)

	bad := Cameras{Tilt: protocol.Camera{Mode: "USB"}, Posture: protocol.Camera{Mode: protocol.CameraModeIndex}}
	if err := app.UpdateCameras(bad); !errors.Is(err, ErrInvalidCamera) {
		t.Fatalf("UpdateCameras(bad) = %v, want ErrInvalidCamera", err)
	}

	cams := Cameras{
		Tilt:    protocol.Camera{Mode: protocol.CameraModeIPURL, Value: "rtsp://a", Model: "t.pt"},
		Posture: protocol.Camera{Mode: protocol.CameraModeIndex, Value: "2", Model: "p.pt"},
	}
	if err := app.UpdateCameras(cams); err != nil {
		t.Fatalf("UpdateCameras: %v", err)
	}
	if app.Snapshot().Cameras != cams {
		t.Errorf("Cameras = %+v", app.Snapshot().Cameras)
	}

	startRecording(t, app)
	cfg := fl.sent()[0].args[0].(protocol.StartConfig)
	if cfg.TiltType != protocol.SourceIP || cfg.Cam1Val != "rtsp://a" || cfg.PostureType != protocol.SourceWebcam || cfg.Cam2Val != "2" {
		t.Errorf("start config = %+v", cfg)
	}
}

func TestStatusAndNotices(t *testing.T) {
	app, _ := newTestApp(t)

	var mu sync.Mutex
	var notices []Notice
	app.OnNotice(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	app.OnConnectError(errors.New("dial tcp: refused"))
	app.OnEvent(protocol.EventStatus, json.RawMessage(`{"msg":"Started","running":true}`))
	app.OnEvent("unknown_event", nil)
	settle(t, app)

	s := app.Snapshot()
	if s.Connected {
		t.Error("connect error changed connection state")
	}
	if s.ServerStatus != "Started" {
		t.Errorf("ServerStatus = %q", s.ServerStatus)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 2 {
		t.Fatalf("notices = %+v", notices)
	}
	if notices[0].Level != NoticeWarning || notices[1].Level != NoticeStatus || notices[1].Message != "Started" {
		t.Errorf("notices = %+v", notices)
	}
}

func TestSubscribe(t *testing.T) {
	app, _ := newTestApp(t)

	var mu sync.Mutex
	var seen []State
	unsubscribe := app.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	connect(t, app)
	unsubscribe()
	app.OnDisconnect("io server disconnect")
	settle(t, app)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !seen[0].Connected {
		t.Errorf("seen = %d snapshots", len(seen))
	}
}

func TestStoppedApp(t *testing.T) {
	app := New(Config{ServerURL: "http://localhost:5001"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()
	<-done

	if err := app.StartProcessing(); !errors.Is(err, ErrStopped) {
		t.Errorf("StartProcessing after stop = %v, want ErrStopped", err)
	}
	if err := app.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}
