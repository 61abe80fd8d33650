package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/sio"
)

// shutdownGrace lets the final status reach clients before exit.
const shutdownGrace = 500 * time.Millisecond

// broadcaster is the part of sio.Server the simulator drives.
type broadcaster interface {
	On(event string, fn sio.EventHandler)
	OnConnect(fn func(*sio.Socket))
	Broadcast(event string, args ...any) int
}

// simulator holds the processing state a real server would.
type simulator struct {
	io       broadcaster
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	logging bool
	cancel  context.CancelFunc
	tick    uint64
	started time.Time

	onShutdown func()
}

func newSimulator(io broadcaster, interval time.Duration, logger *slog.Logger) *simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &simulator{io: io, interval: interval, logger: logger}
}

func (s *simulator) register() {
	s.io.OnConnect(func(sock *sio.Socket) {
		s.logger.Info("dashboard connected", "sid", sock.ID(), "transport", sock.Transport())
		sock.Emit(protocol.EventStatus, s.status("Connected to processing server"))
	})
	s.io.On(protocol.EventStartProcessing, s.handleStart)
	s.io.On(protocol.EventStopProcessing, s.handleStop)
	s.io.On(protocol.EventUpdateLogging, s.handleLogging)
	s.io.On(protocol.EventShutdownServer, s.handleShutdown)
}

// Running reports whether a processing session is active.
func (s *simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *simulator) status(msg string) protocol.StatusMessage {
	running := s.Running()
	return protocol.StatusMessage{Msg: msg, Running: &running}
}

func (s *simulator) handleStart(sock *sio.Socket, args []json.RawMessage) {
	var cfg protocol.StartConfig
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &cfg); err != nil {
			s.logger.Warn("bad start_processing payload", "error", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		s.logger.Warn("camera keys disagree", "error", err)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.io.Broadcast(protocol.EventStatus, s.status("Processing already running"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.logging = cfg.Logging
	s.cancel = cancel
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("processing started",
		"tilt", cfg.TiltVal, "tilt_type", cfg.TiltType,
		"posture", cfg.PostureVal, "posture_type", cfg.PostureType,
		"logging", cfg.Logging,
	)
	go s.loop(ctx)
	s.io.Broadcast(protocol.EventStatus, s.status("Processing started"))
}

func (s *simulator) handleStop(sock *sio.Socket, args []json.RawMessage) {
	if !s.Stop() {
		s.io.Broadcast(protocol.EventStatus, s.status("Processing not running"))
		return
	}
	s.logger.Info("processing stopped")
	s.io.Broadcast(protocol.EventStatus, s.status("Processing stopped"))
}

func (s *simulator) handleLogging(sock *sio.Socket, args []json.RawMessage) {
	var upd protocol.LoggingUpdate
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &upd); err != nil {
			s.logger.Warn("bad update_logging payload", "error", err)
			return
		}
	}

	s.mu.Lock()
	s.logging = upd.Logging
	s.mu.Unlock()

	msg := "Logging disabled"
	if upd.Logging {
		msg = "Logging enabled"
	}
	s.io.Broadcast(protocol.EventStatus, s.status(msg))
}

func (s *simulator) handleShutdown(sock *sio.Socket, args []json.RawMessage) {
	s.Stop()
	s.logger.Info("shutdown requested")
	s.io.Broadcast(protocol.EventStatus, s.status("Server shutting down"))
	if s.onShutdown != nil {
		time.AfterFunc(shutdownGrace, s.onShutdown)
	}
}

// Stop ends the processing session. It reports whether one was running.
func (s *simulator) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.running = false
	s.cancel()
	s.cancel = nil
	return true
}

func (s *simulator) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.tick++
			tick := s.tick
			elapsed := time.Since(s.started)
			s.mu.Unlock()

			s.io.Broadcast(protocol.EventDataUpdate, syntheticUpdate(tick, elapsed))
		}
	}
}

// =============================================================================
// Synthetic telemetry
// =============================================================================

// syntheticUpdate builds one data_update payload in the server's raw shape.
func syntheticUpdate(tick uint64, elapsed time.Duration) map[string]any {
	t := elapsed.Seconds()

	// ~1.2 Hz pulse with slow respiration drift
	biopac := 0.8*math.Sin(2*math.Pi*1.2*t) + 0.2*math.Sin(2*math.Pi*0.25*t)

	sway := 15 * math.Sin(2*math.Pi*0.1*t)
	base := [][2]float64{
		{320, 180}, // nose
		{300, 160}, {340, 160}, // eyes
		{280, 170}, {360, 170}, // ears
		{250, 300}, {390, 300}, // shoulders
	}
	kps := make([][]float64, len(base))
	for i, p := range base {
		kps[i] = []float64{round1(p[0] + sway), round1(p[1] + 3*math.Sin(t+float64(i)))}
	}

	tiltLabel := "Straight"
	switch {
	case sway > 8:
		tiltLabel = "Tilt Right"
	case sway < -8:
		tiltLabel = "Tilt Left"
	}

	gaze := "CENTER"
	switch phase := tick % 60; {
	case phase >= 50 && phase < 52:
		gaze = "BLINKING"
	case phase >= 20 && phase < 30:
		gaze = "LEFT"
	case phase >= 40 && phase < 50:
		gaze = "RIGHT"
	}
	eyeShift := 0.1 * math.Sin(2*math.Pi*0.05*t)

	posture := "Good Posture"
	if math.Mod(t, 30) > 22 {
		posture = "Bad Posture"
	}

	return map[string]any{
		"biopac": round3(biopac),
		"tilt": map[string]any{
			"label":     tiltLabel,
			"conf":      round3(0.85 + 0.1*math.Sin(t)),
			"keypoints": kps,
		},
		"gaze": map[string]any{
			"label": gaze,
			"eyes": []map[string]any{
				{"rel": []float64{round3(0.45 + eyeShift), 0.5}},
				{"rel": []float64{round3(0.55 + eyeShift), 0.5}},
			},
		},
		"posture": map[string]any{"label": posture},
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
