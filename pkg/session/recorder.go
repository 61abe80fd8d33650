package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/biovision/pkg/monitor"
)

// Recorder turns published dashboard state into recorded sessions. A
// session opens when logging is active during processing and closes
// when logging turns off, processing stops or the connection drops.
// Every applied telemetry tick in between becomes one frame.
//
// Snapshots are queued for a single writer. When the store falls behind
// far enough to fill the queue, further snapshots are lost and counted
// by Dropped; ticks they carried are missing from the session.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	states  chan monitor.State
	dropped atomic.Uint64

	mu      sync.Mutex
	current string

	// Loop-owned.
	lastTicks uint64
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
		states: make(chan monitor.State, 256),
	}
}

// Observe queues a snapshot. It never blocks; snapshots arriving while
// the queue is full are dropped. Suitable for monitor.App.Subscribe.
func (r *Recorder) Observe(s monitor.State) {
	select {
	case r.states <- s:
	default:
		r.dropped.Add(1)
		r.logger.Warn("recorder queue full, dropping snapshot", "version", s.Version)
	}
}

// Dropped returns the number of snapshots lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Current returns the id of the session being recorded, if any.
func (r *Recorder) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// Run records until ctx is cancelled. An open session is finished on
// the way out.
func (r *Recorder) Run(ctx context.Context) error {
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.finish(fctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-r.states:
			r.apply(ctx, s)
		}
	}
}

func (r *Recorder) apply(ctx context.Context, s monitor.State) {
	active := s.Connected && s.IsRecording && s.IsLogging
	id, open := r.Current()

	switch {
	case !active:
		if open {
			r.finish(ctx)
		}
		return

	case !open:
		sess, err := r.store.Create(ctx, r.now())
		if err != nil {
			r.logger.Error("failed to start session", "error", err)
			return
		}
		r.setCurrent(sess.ID)
		r.lastTicks = s.Ticks
		return
	}

	if s.Ticks <= r.lastTicks {
		return
	}
	r.lastTicks = s.Ticks

	if err := r.store.AppendFrame(ctx, id, frameOf(s)); err != nil {
		r.logger.Error("failed to record frame", "session", id, "error", err)
	}
}

func (r *Recorder) finish(ctx context.Context) {
	id, open := r.Current()
	if !open {
		return
	}
	r.setCurrent("")

	if err := r.store.Finish(ctx, id, r.now()); err != nil {
		r.logger.Error("failed to finish session", "session", id, "error", err)
	}
}

func (r *Recorder) setCurrent(id string) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

func frameOf(s monitor.State) Frame {
	f := Frame{
		Timestamp: s.UpdatedAt,
		Tilt:      s.Tilt,
		Posture:   s.Posture,
		Gaze:      s.Gaze,
	}
	if n := len(s.Biosignal); n > 0 {
		f.Timestamp = s.Biosignal[n-1].Timestamp
		f.BiopacValue = s.Biosignal[n-1].Value
	}
	return f
}
