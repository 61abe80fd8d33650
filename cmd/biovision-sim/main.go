// biovision-sim: a stand-in processing server for local development.
// Speaks the Socket.IO control protocol, emits synthetic telemetry while
// processing and serves MJPEG feeds of generated frames.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/teslashibe/biovision/internal/log"
	"github.com/teslashibe/biovision/pkg/sio"
)

var (
	listenAddr = flag.StringP("listen", "l", ":5001", "Listen address")
	tickRate   = flag.Float64("rate", 10, "data_update ticks per second")
	frameRate  = flag.Float64("fps", 10, "MJPEG frames per second")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()
	log.Init(level())

	if err := run(); err != nil {
		log.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}

func level() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" && !flag.CommandLine.Changed("log-level") {
		return v
	}
	return *logLevel
}

func run() error {
	if *tickRate <= 0 || *frameRate <= 0 {
		return errors.New("rate and fps must be positive")
	}

	logger := log.L()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := sio.DefaultServerConfig()
	cfg.Logger = log.Component("sio")
	socket := sio.NewServer(cfg)

	sim := newSimulator(socket, rateInterval(*tickRate), logger)
	sim.onShutdown = stop
	sim.register()

	mux := http.NewServeMux()
	mux.Handle(sio.DefaultPath, socket)
	mux.HandleFunc("/video_feed_1", sim.serveFeed(1, rateInterval(*frameRate)))
	mux.HandleFunc("/video_feed_2", sim.serveFeed(2, rateInterval(*frameRate)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","running":%t,"clients":%d}`, sim.Running(), socket.Len())
	})

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("simulator listening", "addr", *listenAddr, "socketio", sio.DefaultPath)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	sim.Stop()
	socket.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func rateInterval(perSecond float64) time.Duration {
	return time.Duration(float64(time.Second) / perSecond)
}
