// biovision: dashboard service for the BioVision processing server.
// Holds the event-stream connection, keeps the live view state and serves
// it to browsers together with recorded sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/teslashibe/biovision/internal/config"
	"github.com/teslashibe/biovision/internal/log"
	"github.com/teslashibe/biovision/pkg/link"
	"github.com/teslashibe/biovision/pkg/monitor"
	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/session"
	"github.com/teslashibe/biovision/pkg/video"
	"github.com/teslashibe/biovision/pkg/web"
)

var version = "0.3.0"

var (
	configPath     = flag.StringP("config", "c", "", "Config file (.yaml, .json, .jsonc)")
	listenAddr     = flag.String("listen", "", "Dashboard listen address")
	serverURL      = flag.StringP("server", "s", "", "Processing server URL")
	dbPath         = flag.String("db", "", "Session database file")
	staticDir      = flag.String("static", "", "Dashboard front-end directory")
	logLevel       = flag.String("log-level", "", "Log level: debug, info, warn, error")
	exitOnShutdown = flag.Bool("exit-on-shutdown", false, "Exit after a confirmed server shutdown")
	accessLog      = flag.Bool("access-log", false, "Log every HTTP request")
	showVersion    = flag.BoolP("version", "v", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("biovision", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel)
	if err := run(cfg); err != nil {
		log.Error("biovision stopped", "error", err)
		os.Exit(1)
	}
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	if flag.CommandLine.Changed("listen") {
		cfg.ListenAddr = *listenAddr
	}
	if flag.CommandLine.Changed("server") {
		cfg.ServerURL = *serverURL
	}
	if flag.CommandLine.Changed("db") {
		cfg.DBPath = *dbPath
	}
	if flag.CommandLine.Changed("static") {
		cfg.StaticDir = *staticDir
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flag.CommandLine.Changed("exit-on-shutdown") {
		cfg.ExitOnShutdown = *exitOnShutdown
	}
}

func run(cfg *config.Config) error {
	logger := log.L()
	logger.Info("starting biovision", "version", version, "server", cfg.ServerURL, "listen", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Controller and connection
	app := monitor.New(monitor.Config{
		ServerURL: cfg.ServerURL,
		Cameras: monitor.Cameras{
			Tilt:    camera(cfg.Cameras.Tilt),
			Posture: camera(cfg.Cameras.Posture),
		},
		ShutdownDelay: cfg.ShutdownDelay.Std(),
	}, log.Component("monitor"))

	linkCfg := link.DefaultConfig()
	linkCfg.Transports = cfg.Link.Transports
	linkCfg.ReconnectAttempts = cfg.Link.ReconnectAttempts
	linkCfg.ReconnectDelay = cfg.Link.ReconnectDelay.Std()
	linkCfg.ConnectTimeout = cfg.Link.ConnectTimeout.Std()

	conn, err := link.New(linkCfg, app, log.Component("link"))
	if err != nil {
		return err
	}
	app.Bind(conn)

	// Recorded sessions
	store, err := session.Open(cfg.DBPath, log.Component("sessions"))
	if err != nil {
		return err
	}
	defer store.Close()
	recorder := session.NewRecorder(store, log.Component("recorder"))

	// Video feeds
	fetcher := video.NewFetcher(nil, cfg.Video.RetryDelay.Std(), log.Component("video"))
	tiltFeed := video.NewRelay(video.ChannelTilt, fetcher, log.Component("video"))
	postureFeed := video.NewRelay(video.ChannelPosture, fetcher, log.Component("video"))
	feeds := video.NewSupervisor(log.Component("video"), tiltFeed, postureFeed)

	// Dashboard
	srv := web.NewServer(web.Config{
		Version:   version,
		StaticDir: cfg.StaticDir,
		AccessLog: *accessLog,
		Monitor:   app,
		Sessions:  store,
		Video: map[int]web.FrameSource{
			video.ChannelTilt:    tiltFeed,
			video.ChannelPosture: postureFeed,
		},
		Link:            conn.Stats,
		RecorderDropped: recorder.Dropped,
		Logger:          log.Component("web"),
	})

	tiltFeed.OnFrame(srv.SendCameraFrame)
	postureFeed.OnFrame(srv.SendCameraFrame)

	app.Subscribe(srv.PublishState)
	app.Subscribe(recorder.Observe)
	app.Subscribe(func(s monitor.State) {
		feeds.Update(s.Connected && s.IsRecording, s.ServerURL)
	})
	app.OnNotice(srv.AddNotice)
	app.OnShutdown(func() {
		srv.AddLog(monitor.NoticeWarning, "processing server shut down")
		if cfg.ExitOnShutdown {
			logger.Info("exiting after server shutdown")
			stop()
		}
	})

	var wg sync.WaitGroup
	for _, fn := range []func(context.Context){
		func(ctx context.Context) { app.Run(ctx) },
		func(ctx context.Context) { recorder.Run(ctx) },
		srv.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	conn.SetURL(app.Snapshot().ServerURL)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.ListenAddr)
	}()

	logger.Info("dashboard ready",
		"url", fmt.Sprintf("http://localhost%s", cfg.ListenAddr),
		"ws", "/ws/state, /ws/logs, /ws/video/{1,2}",
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errc:
		stop()
	}

	conn.Close()
	feeds.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dashboard shutdown", "error", err)
	}

	wg.Wait()

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func camera(c config.CameraConfig) protocol.Camera {
	return protocol.Camera{
		Mode:  protocol.CameraMode(c.Mode),
		Value: c.Value,
		Model: c.Model,
	}
}
