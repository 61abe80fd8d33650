package video

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoFrame is returned before the first frame of a feed arrived.
var ErrNoFrame = errors.New("video: no frame available")

// Relay states.
const (
	StateIdle      = "idle"
	StateLoading   = "loading"
	StateStreaming = "streaming"
	StateFailed    = "failed"
)

// Relay pumps the frames of one feed to a callback and keeps the latest.
type Relay struct {
	channel int
	fetcher *Fetcher
	logger  *slog.Logger

	state  atomic.Value // string
	frames atomic.Uint64

	mu      sync.RWMutex
	latest  []byte
	onFrame func(channel int, frame []byte)
}

// NewRelay creates a relay for a camera channel.
func NewRelay(channel int, fetcher *Fetcher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		channel: channel,
		fetcher: fetcher,
		logger:  logger.With("channel", channel),
	}
	r.state.Store(StateIdle)
	return r
}

// OnFrame sets the callback for each received frame. It runs on the
// relay goroutine and must not retain frame.
func (r *Relay) OnFrame(fn func(channel int, frame []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = fn
}

// Channel returns the camera channel.
func (r *Relay) Channel() int { return r.channel }

// State returns idle, loading, streaming or failed.
func (r *Relay) State() string { return r.state.Load().(string) }

// Frames returns the number of frames relayed so far.
func (r *Relay) Frames() uint64 { return r.frames.Load() }

// Run streams feedURL until ctx is cancelled or the feed ends. A feed
// that cannot be opened leaves the relay failed. The previous run's frame
// is dropped, so GetFrame only serves frames of the current feed.
func (r *Relay) Run(ctx context.Context, feedURL string) error {
	r.mu.Lock()
	r.latest = nil
	r.mu.Unlock()
	r.state.Store(StateLoading)

	reader, err := r.fetcher.Open(ctx, feedURL)
	if err != nil {
		if ctx.Err() != nil {
			r.state.Store(StateIdle)
			return ctx.Err()
		}
		r.state.Store(StateFailed)
		r.logger.Error("video feed unavailable", "url", feedURL, "error", err)
		return err
	}
	defer reader.Close()

	r.logger.Info("video feed opened", "url", feedURL)
	streaming := false
	for {
		frame, err := reader.NextFrame()
		if err != nil {
			if ctx.Err() != nil {
				r.state.Store(StateIdle)
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				r.state.Store(StateIdle)
				r.logger.Info("video feed ended")
				return nil
			}
			r.state.Store(StateFailed)
			r.logger.Warn("video feed broken", "error", err)
			return err
		}
		if !streaming {
			streaming = true
			r.state.Store(StateStreaming)
		}
		r.publish(frame)
	}
}

func (r *Relay) publish(frame []byte) {
	r.mu.Lock()
	r.latest = frame
	fn := r.onFrame
	r.mu.Unlock()

	r.frames.Add(1)
	if fn != nil {
		fn(r.channel, frame)
	}
}

// GetFrame returns a copy of the latest frame.
func (r *Relay) GetFrame() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.latest == nil {
		return nil, ErrNoFrame
	}
	frame := make([]byte, len(r.latest))
	copy(frame, r.latest)
	return frame, nil
}

// WaitForFrame polls for a frame until one arrives or ctx is done.
func (r *Relay) WaitForFrame(ctx context.Context) ([]byte, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if frame, err := r.GetFrame(); err == nil {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Supervisor runs a set of relays while processing is active. Feeds
// start when processing starts or the server moves, and stop when
// processing stops. A failed feed is retried on the next start.
type Supervisor struct {
	relays []*Relay
	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	serverURL string
	wg        sync.WaitGroup
}

// NewSupervisor creates a supervisor for relays.
func NewSupervisor(logger *slog.Logger, relays ...*Relay) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{relays: relays, logger: logger}
}

// Relays returns the supervised relays.
func (s *Supervisor) Relays() []*Relay { return s.relays }

// Relay returns the relay of a channel, or nil.
func (s *Supervisor) Relay(channel int) *Relay {
	for _, r := range s.relays {
		if r.channel == channel {
			return r
		}
	}
	return nil
}

// Update starts or stops the feeds. It never blocks on running relays.
func (s *Supervisor) Update(active bool, serverURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.cancel != nil
	switch {
	case active && running && serverURL == s.serverURL:
		return
	case !active && !running:
		return
	}

	if running {
		s.cancel()
		s.cancel = nil
		s.logger.Info("video feeds stopped", "server", s.serverURL)
	}
	if !active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.serverURL = serverURL
	for _, r := range s.relays {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.Run(ctx, FeedURL(serverURL, r.channel))
		}()
	}
	s.logger.Info("video feeds started", "server", serverURL, "feeds", len(s.relays))
}

// Close stops the feeds and waits for the relays to return.
func (s *Supervisor) Close() {
	s.Update(false, "")
	s.wg.Wait()
}
