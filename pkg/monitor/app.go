// Package monitor is the dashboard's application controller. It owns all
// view state, applies telemetry, and turns user actions into session
// control commands.
//
// All mutations run on one goroutine (Run) in arrival order. Readers get
// immutable State snapshots.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/biovision/pkg/link"
	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/telemetry"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotConfirmed is returned by Shutdown without user confirmation.
	ErrNotConfirmed = errors.New("monitor: shutdown not confirmed")

	// ErrInvalidURL is returned for server addresses that are not
	// absolute http(s) URLs.
	ErrInvalidURL = errors.New("monitor: invalid server url")

	// ErrInvalidCamera is returned for unknown camera modes.
	ErrInvalidCamera = errors.New("monitor: invalid camera configuration")

	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("monitor: stopped")
)

// Link is the connection the controller drives. *link.Manager
// implements it.
type Link interface {
	SetURL(url string)
	Emit(event string, args ...any) error
}

// Config holds controller configuration.
type Config struct {
	ServerURL string
	Cameras   Cameras

	// ShutdownDelay is the wait between sending shutdown_server and
	// calling the shutdown hook.
	ShutdownDelay time.Duration

	// HistorySize bounds the biosignal history. Default: 100.
	HistorySize int

	// Now is the clock used to stamp samples. Default: time.Now.
	Now func() time.Time
}

// App is the application controller. It implements link.Handler.
type App struct {
	cfg    Config
	logger *slog.Logger
	link   Link

	ops     chan func()
	done    chan struct{}
	running atomic.Bool

	// recording mirrors cur.IsRecording for the telemetry fast path.
	recording atomic.Bool
	snapshot  atomic.Pointer[State]

	// Loop-owned.
	cur State

	mu         sync.Mutex
	subs       map[int]func(State)
	nextSub    int
	onNotice   func(Notice)
	onShutdown func()
}

var _ link.Handler = (*App)(nil)

// New creates a controller. Bind a Link and start Run before using it.
func New(cfg Config, logger *slog.Logger) *App {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShutdownDelay <= 0 {
		cfg.ShutdownDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		ops:    make(chan func(), 64),
		done:   make(chan struct{}),
		subs:   make(map[int]func(State)),
	}
	a.cur = State{
		ServerURL: link.NormalizeURL(cfg.ServerURL),
		Cameras:   cfg.Cameras,
		Tilt:      telemetry.EmptyTilt(),
		Posture:   telemetry.EmptyPosture(),
		history:   telemetry.NewHistory(cfg.HistorySize),
	}
	a.publish()
	return a
}

// Bind sets the connection. Call once, before Run.
func (a *App) Bind(l Link) {
	a.link = l
}

// Run processes operations until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor: already running")
	}
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-a.ops:
			op()
		}
	}
}

// do queues op on the loop.
func (a *App) do(op func()) error {
	select {
	case a.ops <- op:
		return nil
	case <-a.done:
		return ErrStopped
	}
}

// call runs op on the loop and waits for its result.
func (a *App) call(op func() error) error {
	result := make(chan error, 1)
	if err := a.do(func() { result <- op() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-a.done:
		return ErrStopped
	}
}

// Snapshot returns the latest published state.
func (a *App) Snapshot() State {
	return *a.snapshot.Load()
}

// Subscribe registers fn for every published snapshot. fn runs on the
// controller loop and must not block or call back into the App
// synchronously.
func (a *App) Subscribe(fn func(State)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// OnNotice sets the callback for dashboard log notices.
func (a *App) OnNotice(fn func(Notice)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNotice = fn
}

// OnShutdown sets the hook called ShutdownDelay after shutdown_server
// was sent.
func (a *App) OnShutdown(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onShutdown = fn
}

// publish stamps and stores the working state. Loop only.
func (a *App) publish() {
	a.cur.Version++
	a.cur.UpdatedAt = a.cfg.Now().UnixMilli()
	a.cur.RecordingStatus = recordingStatus(a.cur.IsRecording)
	a.cur.ConnectionStatus = connectionStatus(a.cur.Connected)
	a.cur.Biosignal = a.cur.history.Samples()

	s := a.cur
	a.snapshot.Store(&s)

	a.mu.Lock()
	subs := make([]func(State), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (a *App) notice(level, msg string) {
	a.mu.Lock()
	fn := a.onNotice
	a.mu.Unlock()
	if fn != nil {
		fn(Notice{Level: level, Message: msg})
	}
}

// =============================================================================
// Connection callbacks (link.Handler)
// =============================================================================

// OnConnect implements link.Handler.
func (a *App) OnConnect() {
	a.do(func() {
		a.cur.Connected = true
		a.publish()
		a.notice(NoticeInfo, "connected to "+a.cur.ServerURL)
	})
}

// OnDisconnect implements link.Handler. Any running session is
// considered stopped; no stop command is sent.
func (a *App) OnDisconnect(reason string) {
	a.do(func() {
		wasRecording := a.cur.IsRecording
		a.recording.Store(false)
		a.cur.Connected = false
		a.cur.IsRecording = false
		a.publish()

		a.logger.Info("server disconnected", "reason", reason, "was_recording", wasRecording)
		a.notice(NoticeWarning, "disconnected: "+reason)
	})
}

// OnConnectError implements link.Handler. It never changes state.
func (a *App) OnConnectError(err error) {
	a.do(func() {
		a.notice(NoticeWarning, "connection error: "+err.Error())
	})
}

// OnEvent implements link.Handler.
func (a *App) OnEvent(name string, payload json.RawMessage) {
	switch name {
	case protocol.EventDataUpdate:
		// Dropped before queuing: nothing happens while idle.
		if !a.recording.Load() {
			return
		}
		a.do(func() { a.applyTelemetry(payload) })

	case protocol.EventStatus:
		a.do(func() { a.applyStatus(payload) })

	default:
		a.logger.Debug("ignoring event", "event", name)
	}
}

func (a *App) applyTelemetry(payload json.RawMessage) {
	if !a.cur.IsRecording {
		return
	}

	u, err := telemetry.Normalize(payload, a.cfg.Now())
	if err != nil {
		a.logger.Debug("dropping telemetry", "error", err)
		return
	}

	a.cur.history = a.cur.history.Append(u.Sample)
	if u.Tilt != nil {
		a.cur.Tilt = *u.Tilt
	}
	if u.Gaze != nil {
		a.cur.Gaze = *u.Gaze
	}
	if u.Posture != nil {
		a.cur.Posture = *u.Posture
	}
	a.cur.Ticks++
	a.publish()
}

func (a *App) applyStatus(payload json.RawMessage) {
	st, err := protocol.ParseStatus(payload)
	if err != nil {
		a.logger.Debug("ignoring status", "error", err)
		return
	}
	a.cur.ServerStatus = st.Msg
	a.publish()
	a.notice(NoticeStatus, st.Msg)
}

// =============================================================================
// User operations
// =============================================================================

// SetServerURL changes the processing server address and reconnects.
func (a *App) SetServerURL(raw string) error {
	u := link.NormalizeURL(raw)
	parsed, err := url.Parse(u)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	if err := a.call(func() error {
		a.cur.ServerURL = u
		a.publish()
		return nil
	}); err != nil {
		return err
	}

	// Outside the loop: the link reports the old connection's disconnect
	// back through the loop.
	if a.link != nil {
		a.link.SetURL(u)
	}
	return nil
}

// StartProcessing sends start_processing with the current camera setup
// and marks the session as running without waiting for a reply. It is a
// no-op while disconnected or already running.
func (a *App) StartProcessing() error {
	return a.call(a.start)
}

// StopProcessing sends a forced stop_processing and clears both the
// recording and logging flags. It is a no-op while disconnected or idle.
func (a *App) StopProcessing() error {
	return a.call(a.stop)
}

// ToggleRecording starts when idle and stops when processing.
func (a *App) ToggleRecording() error {
	return a.call(func() error {
		if a.cur.IsRecording {
			return a.stop()
		}
		return a.start()
	})
}

func (a *App) start() error {
	if !a.cur.Connected || a.cur.IsRecording || a.link == nil {
		return nil
	}

	cfg := protocol.NewStartConfig(a.cur.Cameras.Tilt, a.cur.Cameras.Posture, a.cur.IsLogging)
	if err := cfg.Validate(); err != nil {
		a.logger.Warn("start_processing not sent", "error", err)
		return err
	}
	if err := a.link.Emit(protocol.EventStartProcessing, cfg); err != nil {
		a.logger.Warn("start_processing not sent", "error", err)
		return err
	}

	a.recording.Store(true)
	a.cur.IsRecording = true
	a.publish()

	a.logger.Info("processing started",
		"tilt_type", cfg.TiltType,
		"posture_type", cfg.PostureType,
		"logging", cfg.Logging,
	)
	return nil
}

func (a *App) stop() error {
	if !a.cur.Connected || !a.cur.IsRecording || a.link == nil {
		return nil
	}

	if err := a.link.Emit(protocol.EventStopProcessing, protocol.NewStopCommand()); err != nil {
		a.logger.Warn("stop_processing not sent", "error", err)
	}

	a.recording.Store(false)
	a.cur.IsRecording = false
	a.cur.IsLogging = false
	a.publish()

	a.logger.Info("processing stopped")
	return nil
}

// ToggleLogging flips the logging flag. While processing, the server is
// told with update_logging; otherwise only local state changes.
func (a *App) ToggleLogging() error {
	return a.call(func() error {
		next := !a.cur.IsLogging
		if a.cur.IsRecording && a.link != nil {
			if err := a.link.Emit(protocol.EventUpdateLogging, protocol.NewLoggingUpdate(next)); err != nil {
				a.logger.Warn("update_logging not sent", "error", err)
			}
		}
		a.cur.IsLogging = next
		a.publish()
		return nil
	})
}

// UpdateCameras replaces the camera setup used by the next start.
func (a *App) UpdateCameras(c Cameras) error {
	for name, cam := range map[string]protocol.Camera{"tilt": c.Tilt, "posture": c.Posture} {
		if !cam.Mode.Valid() {
			return fmt.Errorf("%w: %s mode %q", ErrInvalidCamera, name, cam.Mode)
		}
	}
	return a.call(func() error {
		a.cur.Cameras = c
		a.publish()
		return nil
	})
}

// Shutdown sends shutdown_server after explicit confirmation. No reply
// is awaited; the shutdown hook runs after ShutdownDelay.
func (a *App) Shutdown(confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	return a.call(func() error {
		if a.link == nil {
			return link.ErrNotConnected
		}
		if err := a.link.Emit(protocol.EventShutdownServer); err != nil {
			return err
		}

		a.logger.Warn("shutdown_server sent", "server", a.cur.ServerURL)
		a.notice(NoticeWarning, "shutdown requested for "+a.cur.ServerURL)

		a.mu.Lock()
		hook := a.onShutdown
		a.mu.Unlock()
		if hook != nil {
			time.AfterFunc(a.cfg.ShutdownDelay, hook)
		}
		return nil
	})
}
