package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/precepto/recorder/adapters/chunkstore"
	"github.com/precepto/recorder/adapters/nats"
	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/internal/api"
	"github.com/precepto/recorder/internal/auth"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/internal/syncer"
	"github.com/precepto/recorder/internal/websocket"
	"github.com/precepto/recorder/pkg/config"
	"github.com/precepto/recorder/pkg/logger"
	"github.com/precepto/recorder/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		logger.Fatal("Failed to initialize authenticator", zap.Error(err))
	}

	// Initialize adapters
	messenger, err := nats.NewClient(cfg.NATSURL, "recorder", logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer messenger.Close()

	remote := chunkstore.NewClient(messenger, chunkstore.Options{
		ContentType:    domain.DefaultContentType,
		RequestTimeout: cfg.RequestTimeout,
		CombineTimeout: cfg.CombineTimeout,
	}, logger)

	// Initialize usecase services
	compositor := playback.NewCompositor(domain.DefaultContentType, logger)
	defer compositor.Close()

	recordings := usecase.NewRecordingManager(remote, compositor, usecase.ManagerConfig{
		CaptureInterval: cfg.CaptureInterval,
		Sync: syncer.Config{
			Interval:       cfg.SyncInterval,
			MaxInFlight:    cfg.SyncMaxInFlight,
			MaxBackoff:     cfg.SyncMaxBackoff,
			CombineTimeout: cfg.CombineTimeout,
		},
		IdleTTL: cfg.RecordingIdleTTL,
	}, logger)

	cleanup := usecase.NewRecordingCleanupService(recordings, cfg.CleanupInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize WebSocket hub
	hub := websocket.NewHub(recordings, api.ArtifactPath, cfg.CombineTimeout, logger)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, hub, recordings, compositor, authenticator, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	cleanup.Start()

	logger.Info("Recorder started", zap.String("addr", cfg.Addr()))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		cleanup.Stop()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		// flushes every open recording before the connection to the store goes away
		return recordings.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Recorder exited with error", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}
