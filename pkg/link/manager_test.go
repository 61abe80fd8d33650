package link

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teslashibe/biovision/pkg/sio"
)

// fakeHandler records callbacks as strings on a channel.
type fakeHandler struct {
	calls chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{calls: make(chan string, 64)}
}

func (h *fakeHandler) OnConnect()                 { h.calls <- "connect" }
func (h *fakeHandler) OnDisconnect(reason string) { h.calls <- "disconnect:" + reason }
func (h *fakeHandler) OnConnectError(err error)   { h.calls <- "connect_error" }
func (h *fakeHandler) OnEvent(name string, payload json.RawMessage) {
	h.calls <- "event:" + name + ":" + string(payload)
}

func (h *fakeHandler) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.calls:
		if got != want {
			t.Fatalf("callback = %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (h *fakeHandler) expectNothing(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-h.calls:
		t.Fatalf("unexpected callback %q", got)
	case <-time.After(within):
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectAttempts = 2
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T) (*sio.Server, *httptest.Server) {
	t.Helper()
	cfg := sio.DefaultServerConfig()
	cfg.Logger = quiet()
	srv := sio.NewServer(cfg)
	mux := http.NewServeMux()
	mux.Handle(sio.DefaultPath, srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func newManager(t *testing.T, cfg Config, h Handler) *Manager {
	t.Helper()
	m, err := New(cfg, h, quiet())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:5001", "http://localhost:5001"},
		{"http://localhost:5001/", "http://localhost:5001"},
		{" http://10.0.0.2:5001/ ", "http://10.0.0.2:5001"},
		{"http://host//", "http://host/"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no transports", func(c *Config) { c.Transports = nil }, true},
		{"bad transport", func(c *Config) { c.Transports = []string{"smoke"} }, true},
		{"negative attempts", func(c *Config) { c.ReconnectAttempts = -1 }, true},
		{"zero timeout", func(c *Config) { c.ConnectTimeout = 0 }, true},
		{"websocket only", func(c *Config) { c.Transports = []string{sio.TransportWebsocket} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Transports[0] != sio.TransportPolling || cfg.Transports[1] != sio.TransportWebsocket {
		t.Errorf("Transports = %v, want polling before websocket", cfg.Transports)
	}
	if cfg.ReconnectAttempts != 10 || cfg.ReconnectDelay != time.Second || cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("retry policy = %d/%v/%v", cfg.ReconnectAttempts, cfg.ReconnectDelay, cfg.ConnectTimeout)
	}
}

func TestManager_ConnectAndEvents(t *testing.T) {
	srv, ts := startServer(t)
	sockets := make(chan *sio.Socket, 1)
	srv.OnConnect(func(s *sio.Socket) { sockets <- s })
	got := make(chan string, 1)
	srv.On("start_processing", func(s *sio.Socket, args []json.RawMessage) {
		got <- string(args[0])
	})

	h := newFakeHandler()
	m := newManager(t, testConfig(), h)

	if err := m.Emit("anything"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit before connect = %v, want ErrNotConnected", err)
	}

	m.SetURL(ts.URL + "/")
	h.expect(t, "connect")
	if m.URL() != ts.URL {
		t.Errorf("URL() = %q, trailing slash not stripped", m.URL())
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false after connect")
	}

	sock := <-sockets
	sock.Emit("data_update", map[string]float64{"biopac": 1.5})
	h.expect(t, `event:data_update:{"biopac":1.5}`)

	if err := m.Emit("start_processing", map[string]bool{"use_tilt": true}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case body := <-got:
		if body != `{"use_tilt":true}` {
			t.Errorf("server got %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never got start_processing")
	}

	stats := m.Stats()
	if !stats.Connected || stats.EventsIn != 1 || stats.EventsOut != 1 || stats.Attempts != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestManager_RetriesExhausted(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	dead := ts.URL
	ts.Close()

	h := newFakeHandler()
	m := newManager(t, testConfig(), h)
	m.SetURL(dead)

	// One initial attempt plus two retries.
	for range 3 {
		h.expect(t, "connect_error")
	}
	h.expectNothing(t, 200*time.Millisecond)

	if m.IsConnected() {
		t.Error("IsConnected() = true after exhausting retries")
	}
	if got := m.Stats().Attempts; got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
}

func TestManager_AddressChange(t *testing.T) {
	srvA, tsA := startServer(t)
	_, tsB := startServer(t)
	goneA := make(chan string, 1)
	srvA.OnDisconnect(func(s *sio.Socket, reason string) { goneA <- reason })

	h := newFakeHandler()
	m := newManager(t, testConfig(), h)

	m.SetURL(tsA.URL)
	h.expect(t, "connect")

	m.SetURL(tsB.URL)
	h.expect(t, "disconnect:"+sio.ReasonClientDisconnect)
	h.expect(t, "connect")

	select {
	case <-goneA:
	case <-time.After(2 * time.Second):
		t.Fatal("old server never saw its client leave")
	}
	if m.URL() != tsB.URL {
		t.Errorf("URL() = %s, want %s", m.URL(), tsB.URL)
	}
	if srvA.Len() != 0 {
		t.Errorf("old server still has %d sockets", srvA.Len())
	}
}

func TestManager_EmptyURLDisconnects(t *testing.T) {
	_, ts := startServer(t)
	h := newFakeHandler()
	m := newManager(t, testConfig(), h)

	m.SetURL(ts.URL)
	h.expect(t, "connect")

	m.SetURL("")
	h.expect(t, "disconnect:"+sio.ReasonClientDisconnect)
	h.expectNothing(t, 100*time.Millisecond)

	if err := m.Emit("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit = %v, want ErrNotConnected", err)
	}
}

func TestManager_ServerDisconnectDoesNotReconnect(t *testing.T) {
	srv, ts := startServer(t)
	sockets := make(chan *sio.Socket, 1)
	srv.OnConnect(func(s *sio.Socket) { sockets <- s })

	h := newFakeHandler()
	m := newManager(t, testConfig(), h)
	m.SetURL(ts.URL)
	h.expect(t, "connect")

	(<-sockets).Disconnect()
	h.expect(t, "disconnect:"+sio.ReasonServerDisconnect)
	h.expectNothing(t, 200*time.Millisecond)

	if m.Stats().Reconnects != 0 {
		t.Error("manager reconnected after a server-initiated disconnect")
	}
}

func TestManager_ReconnectsAfterTransportDrop(t *testing.T) {
	for _, transport := range []string{sio.TransportPolling, sio.TransportWebsocket} {
		t.Run(transport, func(t *testing.T) {
			srv, ts := startServer(t)
			sockets := make(chan *sio.Socket, 2)
			srv.OnConnect(func(s *sio.Socket) { sockets <- s })

			cfg := testConfig()
			cfg.Transports = []string{transport}

			h := newFakeHandler()
			m := newManager(t, cfg, h)
			m.SetURL(ts.URL)
			h.expect(t, "connect")

			(<-sockets).Drop()

			h.expect(t, "disconnect:"+sio.ReasonTransportClose)
			h.expect(t, "connect")

			if got := m.Stats().Reconnects; got != 1 {
				t.Errorf("Reconnects = %d, want 1", got)
			}
			if got := m.Stats().Attempts; got != 2 {
				t.Errorf("Attempts = %d, want 2", got)
			}
		})
	}
}

func TestManager_CloseReportsDisconnect(t *testing.T) {
	_, ts := startServer(t)
	h := newFakeHandler()
	m, err := New(testConfig(), h, quiet())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.SetURL(ts.URL)
	h.expect(t, "connect")

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.expect(t, "disconnect:"+sio.ReasonClientDisconnect)

	// Closed managers ignore new addresses.
	m.SetURL(ts.URL)
	h.expectNothing(t, 100*time.Millisecond)
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(Config{}, newFakeHandler(), nil); err == nil {
		t.Error("New accepted an empty config")
	}
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("New accepted a nil handler")
	}
}
