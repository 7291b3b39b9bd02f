package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/precepto/recorder/adapters/mongo"
	"github.com/precepto/recorder/adapters/nats"
	"github.com/precepto/recorder/internal/auth"
	"github.com/precepto/recorder/internal/chunkstore"
	"github.com/precepto/recorder/pkg/config"
	"github.com/precepto/recorder/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		logger.Fatal("Failed to initialize authenticator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := mongo.NewClient(ctx, mongo.Options{
		URI:            cfg.MongoURI,
		Database:       cfg.MongoDatabase,
		ConnectTimeout: cfg.RequestTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer db.Close(context.Background())

	messenger, err := nats.NewClient(cfg.NATSURL, "chunkstore", logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer messenger.Close()

	service := chunkstore.NewService(
		mongo.NewChunkRepository(db.Database, logger),
		func(token string) error {
			_, err := authenticator.ValidateToken(token)
			return err
		},
		cfg.CombineTimeout,
		logger,
	)
	if err := service.Start(messenger, cfg.ChunkstoreQueue); err != nil {
		logger.Fatal("Failed to start chunk store", zap.Error(err))
	}

	logger.Info("Chunk store started", zap.String("queue", cfg.ChunkstoreQueue))
	<-ctx.Done()

	logger.Info("Chunk store is shutting down...")
	service.Stop()
}
