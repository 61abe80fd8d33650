package web

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/biovision/pkg/hub"
	"github.com/teslashibe/biovision/pkg/link"
	"github.com/teslashibe/biovision/pkg/monitor"
	"github.com/teslashibe/biovision/pkg/session"
	"github.com/teslashibe/biovision/pkg/video"
)

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, monitor.ErrInvalidURL),
		errors.Is(err, monitor.ErrInvalidCamera),
		errors.Is(err, monitor.ErrNotConfirmed):
		return fiber.StatusBadRequest
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, video.ErrNoFrame):
		return fiber.StatusNotFound
	case errors.Is(err, link.ErrNotConnected):
		return fiber.StatusConflict
	case errors.Is(err, monitor.ErrStopped):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// handleError renders every error as {"error": ...}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := errorStatus(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleHealth reports liveness and connection state.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	st := s.cfg.Monitor.Snapshot()
	return c.JSON(fiber.Map{
		"status":     "ok",
		"version":    s.cfg.Version,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"connection": st.ConnectionStatus,
		"processing": st.RecordingStatus,
	})
}

// handleMetrics exposes counters in the Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	st := s.cfg.Monitor.Snapshot()

	var b strings.Builder
	gauge := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n\n", name, help, name, name, v)
	}
	counter := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %v\n\n", name, help, name, name, v)
	}

	gauge("biovision_connected", "Processing server connection (1 = connected)", boolMetric(st.Connected))
	gauge("biovision_processing", "Processing session running (1 = running)", boolMetric(st.IsRecording))
	gauge("biovision_logging", "Session logging enabled (1 = enabled)", boolMetric(st.IsLogging))
	gauge("biovision_history_samples", "Biosignal samples in the history buffer", len(st.Biosignal))
	counter("biovision_telemetry_ticks", "Telemetry ticks applied", st.Ticks)
	counter("biovision_state_versions", "State snapshots published", st.Version)

	if s.cfg.Link != nil {
		ls := s.cfg.Link()
		counter("biovision_link_attempts", "Connection attempts", ls.Attempts)
		counter("biovision_link_reconnects", "Reconnects after a dropped connection", ls.Reconnects)
		counter("biovision_link_events_received", "Events received from the processing server", ls.EventsIn)
		counter("biovision_link_events_sent", "Events sent to the processing server", ls.EventsOut)
	}

	if s.cfg.RecorderDropped != nil {
		counter("biovision_recorder_dropped", "State snapshots the session recorder dropped", s.cfg.RecorderDropped())
	}

	b.WriteString("# HELP biovision_ws_clients Connected websocket clients per hub\n# TYPE biovision_ws_clients gauge\n")
	for _, h := range s.hubs() {
		hs := h.Stats()
		fmt.Fprintf(&b, "biovision_ws_clients{hub=%q} %d\n", hs.Name, hs.Clients)
	}
	b.WriteString("\n")

	if len(s.cfg.Video) > 0 {
		b.WriteString("# HELP biovision_video_frames Frames relayed per camera channel\n# TYPE biovision_video_frames counter\n")
		for ch, src := range s.cfg.Video {
			fmt.Fprintf(&b, "biovision_video_frames{channel=\"%d\"} %d\n", ch, src.Frames())
		}
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}

func boolMetric(v bool) int {
	if v {
		return 1
	}
	return 0
}

// =============================================================================
// Live control
// =============================================================================

func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(s.cfg.Monitor.Snapshot())
}

func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	return c.JSON(s.Logs())
}

// SetServerRequest is the body of PUT /api/server.
type SetServerRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSetServer(c *fiber.Ctx) error {
	var req SetServerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := s.cfg.Monitor.SetServerURL(req.URL); err != nil {
		return err
	}
	s.AddLog(monitor.NoticeInfo, "server address set to "+s.cfg.Monitor.Snapshot().ServerURL)
	return c.JSON(s.cfg.Monitor.Snapshot())
}

// ShutdownRequest is the body of POST /api/server/shutdown.
type ShutdownRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleShutdown(c *fiber.Ctx) error {
	var req ShutdownRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
		}
	}
	if err := s.cfg.Monitor.Shutdown(req.Confirm); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "shutdown requested"})
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	return s.control(c, s.cfg.Monitor.StartProcessing)
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	return s.control(c, s.cfg.Monitor.StopProcessing)
}

func (s *Server) handleToggleProcessing(c *fiber.Ctx) error {
	return s.control(c, s.cfg.Monitor.ToggleRecording)
}

func (s *Server) handleToggleLogging(c *fiber.Ctx) error {
	return s.control(c, s.cfg.Monitor.ToggleLogging)
}

// control runs op and answers with the resulting state.
func (s *Server) control(c *fiber.Ctx, op func() error) error {
	if err := op(); err != nil {
		return err
	}
	return c.JSON(s.cfg.Monitor.Snapshot())
}

func (s *Server) handleSetCameras(c *fiber.Ctx) error {
	var req monitor.Cameras
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if err := s.cfg.Monitor.UpdateCameras(req); err != nil {
		return err
	}
	return c.JSON(s.cfg.Monitor.Snapshot().Cameras)
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Server) sessions() (Sessions, error) {
	if s.cfg.Sessions == nil {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "session store not configured")
	}
	return s.cfg.Sessions, nil
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	store, err := s.sessions()
	if err != nil {
		return err
	}
	list, err := store.List(c.UserContext())
	if err != nil {
		return err
	}
	if list == nil {
		list = []session.Session{}
	}
	return c.JSON(list)
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	store, err := s.sessions()
	if err != nil {
		return err
	}
	sess, err := store.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

// handleSessionFrame returns the frame at ?t= seconds into the session.
func (s *Server) handleSessionFrame(c *fiber.Ctx) error {
	store, err := s.sessions()
	if err != nil {
		return err
	}

	var offset time.Duration
	if raw := c.Query("t"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return fiber.NewError(fiber.StatusBadRequest, "t must be a number of seconds")
		}
		offset = time.Duration(secs * float64(time.Second))
	}

	frame, err := store.FrameAt(c.UserContext(), c.Params("id"), offset)
	if err != nil {
		return err
	}
	return c.JSON(frame)
}

func (s *Server) handleExportSession(c *fiber.Ctx) error {
	store, err := s.sessions()
	if err != nil {
		return err
	}
	sess, err := store.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := session.WriteCSV(&buf, sess.Frames, nil); err != nil {
		return err
	}
	c.Attachment(sess.Name + ".csv")
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	return c.Send(buf.Bytes())
}

// =============================================================================
// Video
// =============================================================================

func (s *Server) videoSource(param string) (FrameSource, error) {
	ch, err := strconv.Atoi(param)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "channel must be a number")
	}
	src, ok := s.cfg.Video[ch]
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("no camera channel %d", ch))
	}
	return src, nil
}

// handleVideoFrame returns the latest relayed JPEG of a channel.
func (s *Server) handleVideoFrame(c *fiber.Ctx) error {
	src, err := s.videoSource(c.Params("channel"))
	if err != nil {
		return err
	}
	frame, err := src.GetFrame()
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("X-Feed-State", src.State())
	return c.Send(frame)
}

// =============================================================================
// WebSockets
// =============================================================================

func (s *Server) handleStateWS(c *websocket.Conn) {
	hub.Serve(s.stateHub, c)
}

func (s *Server) handleLogsWS(c *websocket.Conn) {
	hub.Serve(s.logHub, c)
}

func (s *Server) handleVideoWS(c *websocket.Conn) {
	ch, err := strconv.Atoi(c.Params("channel"))
	h, ok := s.cameraHubs[ch]
	if err != nil || !ok {
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown channel"))
		c.Close()
		return
	}
	hub.Serve(h, c)
}
