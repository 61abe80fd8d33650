// Package web serves the BioVision dashboard: REST control endpoints,
// websocket streams of state, logs and camera frames, health and metrics.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/biovision/pkg/hub"
	"github.com/teslashibe/biovision/pkg/link"
	"github.com/teslashibe/biovision/pkg/monitor"
	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/session"
)

// maxLogs bounds the dashboard log buffer.
const maxLogs = 500

// Controller is the application controller. *monitor.App implements it.
type Controller interface {
	Snapshot() monitor.State
	SetServerURL(raw string) error
	StartProcessing() error
	StopProcessing() error
	ToggleRecording() error
	ToggleLogging() error
	UpdateCameras(c monitor.Cameras) error
	Shutdown(confirmed bool) error
}

// Sessions is the recorded session store. *session.Store implements it.
type Sessions interface {
	List(ctx context.Context) ([]session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	FrameAt(ctx context.Context, id string, offset time.Duration) (session.Frame, error)
}

// FrameSource yields the latest camera frame. *video.Relay implements it.
type FrameSource interface {
	GetFrame() ([]byte, error)
	State() string
	Frames() uint64
}

// Config holds server configuration.
type Config struct {
	Version   string
	StaticDir string

	// AccessLog enables the fiber request logger.
	AccessLog bool

	Monitor  Controller
	Sessions Sessions            // optional
	Video    map[int]FrameSource // keyed by camera channel, optional
	Link     func() link.Stats   // optional

	// RecorderDropped counts snapshots the session recorder could not
	// keep up with. Optional.
	RecorderDropped func() uint64

	Logger *slog.Logger
}

// LogEntry is one line of the dashboard log.
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // info, warning, status, error
	Message string `json:"message"`
}

// Server is the dashboard web server.
type Server struct {
	cfg    Config
	app    *fiber.App
	logger *slog.Logger

	logs   []LogEntry
	logsMu sync.RWMutex

	stateHub   *hub.Hub
	logHub     *hub.Hub
	cameraHubs map[int]*hub.Hub

	started time.Time
}

// NewServer creates the server and registers all routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger,
		logs:       make([]LogEntry, 0, maxLogs),
		stateHub:   hub.New("state", cfg.Logger),
		logHub:     hub.New("logs", cfg.Logger),
		cameraHubs: make(map[int]*hub.Hub),
		started:    time.Now(),
	}
	for ch := range cfg.Video {
		s.cameraHubs[ch] = hub.New("camera", cfg.Logger.With("channel", ch))
	}

	s.stateHub.OnJoin(func() []hub.Message {
		if m, ok := s.stateMessage(s.cfg.Monitor.Snapshot()); ok {
			return []hub.Message{m}
		}
		return nil
	})
	s.logHub.OnJoin(func() []hub.Message {
		var out []hub.Message
		for _, e := range s.Logs() {
			if m, ok := logMessage(e); ok {
				out = append(out, m)
			}
		}
		return out
	})

	app := fiber.New(fiber.Config{
		AppName:               "biovision",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.AccessLog {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	api := app.Group("/api", compress.New())
	api.Get("/state", s.handleState)
	api.Get("/logs", s.handleGetLogs)
	api.Put("/server", s.handleSetServer)
	api.Post("/server/shutdown", s.handleShutdown)
	api.Post("/processing/start", s.handleStart)
	api.Post("/processing/stop", s.handleStop)
	api.Post("/processing/toggle", s.handleToggleProcessing)
	api.Post("/logging/toggle", s.handleToggleLogging)
	api.Put("/cameras", s.handleSetCameras)
	api.Get("/sessions", s.handleListSessions)
	api.Get("/sessions/:id", s.handleGetSession)
	api.Get("/sessions/:id/frame", s.handleSessionFrame)
	api.Get("/sessions/:id/export.csv", s.handleExportSession)
	api.Get("/video/:channel/frame", s.handleVideoFrame)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(s.handleStateWS))
	app.Get("/ws/logs", websocket.New(s.handleLogsWS))
	app.Get("/ws/video/:channel", websocket.New(s.handleVideoWS))

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	return s
}

// App returns the fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the hubs and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range s.hubs() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Run(ctx)
		}()
	}
	wg.Wait()
}

// Listen serves HTTP on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("dashboard listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) hubs() []*hub.Hub {
	out := []*hub.Hub{s.stateHub, s.logHub}
	for _, h := range s.cameraHubs {
		out = append(out, h)
	}
	return out
}

// =============================================================================
// Publishing
// =============================================================================

// PublishState broadcasts a snapshot. Suitable for monitor.App.Subscribe.
func (s *Server) PublishState(st monitor.State) {
	if m, ok := s.stateMessage(st); ok {
		s.stateHub.Broadcast(m)
	}
}

// AddLog appends a log entry and broadcasts it.
func (s *Server) AddLog(logType, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Type:    logType,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	if m, ok := logMessage(entry); ok {
		s.logHub.Broadcast(m)
	}
}

// AddNotice logs a controller notice. Suitable for monitor.App.OnNotice.
func (s *Server) AddNotice(n monitor.Notice) {
	s.AddLog(n.Level, n.Message)
}

// Logs returns a copy of the log buffer, oldest first.
func (s *Server) Logs() []LogEntry {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	return append([]LogEntry(nil), s.logs...)
}

// SendCameraFrame broadcasts a JPEG frame to a channel's viewers.
// Suitable for video.Relay.OnFrame.
func (s *Server) SendCameraFrame(channel int, frame []byte) {
	h, ok := s.cameraHubs[channel]
	if !ok || h.ClientCount() == 0 {
		return
	}
	// Relay frames must not be retained.
	data := make([]byte, len(frame))
	copy(data, frame)
	h.BroadcastBinary(data)
}

func (s *Server) stateMessage(st monitor.State) (hub.Message, bool) {
	return envelope(protocol.NewStateMessage(st))
}

// logMessage sends status entries as "status" and the rest as "log".
func logMessage(e LogEntry) (hub.Message, bool) {
	if e.Type == monitor.NoticeStatus {
		return envelope(protocol.NewStatusMessage(e))
	}
	return envelope(protocol.NewLogMessage(e))
}

// envelope encodes a dashboard message for the hubs.
func envelope(msg *protocol.Message, err error) (hub.Message, bool) {
	if err != nil {
		return hub.Message{}, false
	}
	data, err := msg.Bytes()
	if err != nil {
		return hub.Message{}, false
	}
	return hub.NewJSONMessage(data), true
}
