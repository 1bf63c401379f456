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

	"github.com/livepeer/brewdream"
	"github.com/livepeer/brewdream/internal/platform/config"
	"github.com/livepeer/brewdream/internal/platform/logger"
	"github.com/livepeer/brewdream/internal/platform/metrics"
	"github.com/livepeer/brewdream/internal/platform/otel"
	"github.com/livepeer/brewdream/internal/server"
	"github.com/livepeer/brewdream/internal/store"
	"github.com/livepeer/brewdream/pkg/backend"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/livepeer/brewdream/pkg/gstmedia"
	"github.com/livepeer/brewdream/pkg/recorder"
	"github.com/livepeer/brewdream/pkg/studio"
	"github.com/livepeer/brewdream/pkg/whip"
	"github.com/pion/logging"
)

const (
	serviceName     = "brewdream"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewFactory("info", os.Stderr).NewLogger("main").Errorf("config: %s", err.Error())
		os.Exit(1)
	}

	factory := logger.NewFactory(cfg.LogLevel, os.Stderr)
	log := factory.NewLogger("main")

	if err := run(cfg, factory); err != nil {
		log.Errorf("brewdream: %s", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Config, factory *logging.DefaultLoggerFactory) error {
	log := factory.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warnf("tracing shutdown: %s", err.Error())
		}
	}()

	ledger, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer ledger.Close()
	ledger.SetClipBounds(cfg.MinClip, cfg.MaxClip)

	api := backend.New(backend.Options{
		BaseURL: cfg.FunctionsURL,
		AnonKey: cfg.FunctionsAnonKey,
		Log:     factory.NewLogger("backend"),
	})

	uploader := studio.New(studio.Options{
		BaseURL: cfg.StudioURL,
		APIKey:  cfg.StudioAPIKey,
		Log:     factory.NewLogger("studio"),
	})

	media := gstmedia.New(gstmedia.Options{
		Cameras: map[compositor.FacingMode]string{
			compositor.FacingUser:        cfg.CameraUser,
			compositor.FacingEnvironment: cfg.CameraEnvironment,
		},
		Microphone: cfg.Microphone,
		Log:        factory.NewLogger("gstmedia"),
	})

	var devices brewdream.Devices
	if cfg.Devices {
		devices = media
	}

	whipOpts := whip.DefaultOptions()
	whipOpts.Log = factory.NewLogger("whip")

	compOpts := compositor.DefaultOptions()
	compOpts.Size = cfg.CanvasSize
	compOpts.FPS = float64(cfg.FPS)
	compOpts.Log = factory.NewLogger("compositor")

	pipeOpts := brewdream.DefaultOptions()
	pipeOpts.PipelineID = cfg.PipelineID
	pipeOpts.Compositor = compOpts
	pipeOpts.ParamGrace = cfg.ParamGrace
	pipeOpts.VisibilityRestartAfter = cfg.VisibilityRestartAfter
	pipeOpts.Log = factory.NewLogger("pipeline")

	pipeline := brewdream.New(api, brewdream.NewWHIPPublisher(whipOpts), devices, media, pipeOpts)

	capture := recorder.NewPlaybackCapture(whip.NewSubscriber(whipOpts), recorder.CaptureOptions{
		Log: factory.NewLogger("capture"),
	})

	recOpts := recorder.DefaultOptions()
	recOpts.MinDuration = cfg.MinClip
	recOpts.MaxDuration = cfg.MaxClip
	recOpts.Log = factory.NewLogger("recorder")

	var tickets server.Tickets
	if cfg.FunctionsURL != "" {
		tickets = api
	}

	met := metrics.New()
	srv := server.New(pipeline, capture, uploader, ledger, tickets, server.Options{
		Recorder: recOpts,
		Metrics:  met,
		Log:      factory.NewLogger("server"),
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Infof("server starting addr=%s pipeline=%s devices=%t", cfg.Addr, cfg.PipelineID, cfg.Devices)

	select {
	case <-ctx.Done():
		log.Infof("shutdown signal received, draining connections")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Close(); err != nil {
		log.Warnf("pipeline stop: %s", err.Error())
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Infof("server stopped")

	return nil
}
