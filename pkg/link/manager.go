package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/biovision/pkg/sio"
)

// ErrNotConnected is returned by Emit when no session is up.
var ErrNotConnected = errors.New("link: not connected")

// Handler receives connection lifecycle callbacks and inbound events.
//
// Calls are serialized and never arrive from a connection that has been
// replaced. Handler methods must not call SetURL or Close.
type Handler interface {
	OnConnect()
	OnDisconnect(reason string)

	// OnConnectError reports one failed attempt. It does not imply a
	// state change.
	OnConnectError(err error)

	// OnEvent delivers an inbound event's first argument (nil if none).
	OnEvent(name string, payload json.RawMessage)
}

// Manager owns at most one live connection to the processing server.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler

	// cbMu serializes handler calls with generation changes.
	cbMu sync.Mutex
	gen  atomic.Uint64

	mu        sync.Mutex
	url       string
	cancel    context.CancelFunc
	client    *sio.Client
	connected bool
	closed    bool

	wg sync.WaitGroup

	// Stats
	attempts   atomic.Int64
	reconnects atomic.Int64
	eventsIn   atomic.Int64
	eventsOut  atomic.Int64
}

// New creates a manager. Call SetURL to connect.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = sio.DefaultPath
	}
	return &Manager{cfg: cfg, logger: logger, handler: handler}, nil
}

// SetURL points the manager at a new server address. The current
// connection, if any, is closed first and reported as disconnected; an
// empty address just disconnects.
func (m *Manager) SetURL(raw string) {
	url := NormalizeURL(raw)

	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	cancel, client, wasConnected := m.cancel, m.client, m.connected
	gen := m.gen.Add(1)
	m.url = url
	m.client = nil
	m.connected = false
	m.cancel = nil

	var ctx context.Context
	if url != "" {
		ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	m.teardown(cancel, client, wasConnected)

	if url == "" {
		return
	}
	m.logger.Info("connecting", "url", url, "transports", m.cfg.Transports)
	m.wg.Add(1)
	go m.run(ctx, gen, url)
}

// Close disconnects and stops all background work.
func (m *Manager) Close() error {
	m.cbMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.cbMu.Unlock()
		return nil
	}
	m.closed = true
	cancel, client, wasConnected := m.cancel, m.client, m.connected
	m.gen.Add(1)
	m.client = nil
	m.connected = false
	m.cancel = nil
	m.mu.Unlock()

	m.teardown(cancel, client, wasConnected)
	m.cbMu.Unlock()

	m.wg.Wait()
	return nil
}

// teardown closes a replaced connection. Caller holds cbMu.
func (m *Manager) teardown(cancel context.CancelFunc, client *sio.Client, wasConnected bool) {
	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	if wasConnected {
		m.handler.OnDisconnect(sio.ReasonClientDisconnect)
	}
}

// run connects, waits for the session to end and reconnects after
// unexpected drops.
func (m *Manager) run(ctx context.Context, gen uint64, url string) {
	defer m.wg.Done()

	reconnecting := false
	for {
		drops, err := m.connectWithRetry(ctx, gen, url, reconnecting)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("giving up on server", "url", url, "error", err)
			}
			return
		}

		var reason string
		select {
		case <-ctx.Done():
			return
		case reason = <-drops:
		}

		if !m.markDisconnected(gen, reason) {
			return
		}
		if reason == sio.ReasonClientDisconnect || reason == sio.ReasonServerDisconnect {
			return
		}

		m.logger.Warn("connection lost, reconnecting", "url", url, "reason", reason)
		m.reconnects.Add(1)
		reconnecting = true
	}
}

// connectWithRetry makes up to 1+ReconnectAttempts attempts. It returns
// a channel that receives the disconnect reason of the established
// session.
func (m *Manager) connectWithRetry(ctx context.Context, gen uint64, url string, delayFirst bool) (<-chan string, error) {
	maxAttempts := 1 + m.cfg.ReconnectAttempts

	for attempt := 1; ; attempt++ {
		if attempt > 1 || delayFirst {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.ReconnectDelay):
			}
		}

		m.attempts.Add(1)
		drops := make(chan string, 1)
		client, err := sio.Dial(ctx, sio.Config{
			URL:        url,
			Path:       m.cfg.Path,
			Transports: m.cfg.Transports,
			Timeout:    m.cfg.ConnectTimeout,
			Logger:     m.logger,
		}, sio.Handlers{
			Event: func(name string, args []json.RawMessage) {
				m.dispatch(gen, name, args)
			},
			Disconnect: func(reason string) {
				drops <- reason
			},
		})
		if err == nil {
			if !m.markConnected(gen, client) {
				client.Close()
				return nil, context.Canceled
			}
			return drops, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.logger.Warn("connect failed",
			"url", url,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
		m.notify(gen, func() { m.handler.OnConnectError(err) })

		if attempt >= maxAttempts {
			return nil, fmt.Errorf("max connect attempts (%d) reached: %w", maxAttempts, err)
		}
	}
}

// notify runs fn if gen is still current.
func (m *Manager) notify(gen uint64, fn func()) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if m.gen.Load() != gen {
		return false
	}
	fn()
	return true
}

func (m *Manager) markConnected(gen uint64, client *sio.Client) bool {
	return m.notify(gen, func() {
		m.mu.Lock()
		m.client = client
		m.connected = true
		m.mu.Unlock()

		m.logger.Info("connected", "url", m.URL(), "transport", client.Transport(), "sid", client.ID())
		m.handler.OnConnect()
	})
}

func (m *Manager) markDisconnected(gen uint64, reason string) bool {
	return m.notify(gen, func() {
		m.mu.Lock()
		m.client = nil
		m.connected = false
		m.mu.Unlock()

		m.logger.Info("disconnected", "reason", reason)
		m.handler.OnDisconnect(reason)
	})
}

func (m *Manager) dispatch(gen uint64, name string, args []json.RawMessage) {
	var payload json.RawMessage
	if len(args) > 0 {
		payload = args[0]
	}
	m.notify(gen, func() {
		m.eventsIn.Add(1)
		m.handler.OnEvent(name, payload)
	})
}

// Emit sends an event on the live connection.
func (m *Manager) Emit(event string, args ...any) error {
	m.mu.Lock()
	client, connected := m.client, m.connected
	m.mu.Unlock()

	if client == nil || !connected {
		return ErrNotConnected
	}
	if err := client.Emit(event, args...); err != nil {
		if errors.Is(err, sio.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	m.eventsOut.Add(1)
	return nil
}

// URL returns the current server address.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// IsConnected returns true if a session is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Stats contains connection statistics.
type Stats struct {
	URL        string `json:"url"`
	Connected  bool   `json:"connected"`
	Transport  string `json:"transport,omitempty"`
	Attempts   int64  `json:"attempts"`
	Reconnects int64  `json:"reconnects"`
	EventsIn   int64  `json:"events_in"`
	EventsOut  int64  `json:"events_out"`
}

// Stats returns connection statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{URL: m.url, Connected: m.connected}
	if m.client != nil {
		s.Transport = m.client.Transport()
	}
	m.mu.Unlock()

	s.Attempts = m.attempts.Load()
	s.Reconnects = m.reconnects.Load()
	s.EventsIn = m.eventsIn.Load()
	s.EventsOut = m.eventsOut.Load()
	return s
}
