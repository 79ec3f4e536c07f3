package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Import SQLite driver explicitly - this MUST be first
	_ "github.com/mattn/go-sqlite3"

	"acolyte-presence/internal/actionpoints"
	"acolyte-presence/internal/api"
	"acolyte-presence/internal/devicetrust"
	"acolyte-presence/internal/events"
	"acolyte-presence/internal/scan"
	"acolyte-presence/internal/sms"
	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/tokens"
	"acolyte-presence/internal/utils"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := utils.NewLogger(config.Logging.Level, config.Logging.Format, config.Logging.Output)

	logger.Info("Starting Acolyte Presence",
		"version", version,
		"build_time", buildTime,
		"mode", config.Server.Mode)

	dbConfig := &storage.Config{
		Type:           config.Database.Type,
		Path:           config.Database.Path,
		URL:            config.Database.URL,
		MaxConnections: config.Database.MaxConnections,
		MaxRetries:     config.Database.MaxRetries,
		RetryDelay:     config.Database.RetryDelay,
	}

	db, err := storage.DB(dbConfig)
	if err != nil {
		logger.Fatal("Failed to initialize database", "error", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	logger.Info("Database connected successfully")

	if err := storage.RunMigrations(db.DB); err != nil {
		logger.Fatal("Failed to run migrations", "error", err)
	}

	logger.Info("Database migrations completed")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sender, err := sms.NewSender(rootCtx, &config.SMS, logger)
	if err != nil {
		logger.Fatal("Failed to initialize SMS sender", "error", err)
	}

	codec := tokens.NewCodec([]byte(config.Tokens.SigningKey), config.Tokens.Issuer,
		config.Tokens.IdentityTokenTTL, config.Tokens.TrustTokenTTL, config.Tokens.FingerprintPrefixLen)

	registry := devicetrust.NewRegistry(db.DB, logger, config, codec, sender)
	directory := actionpoints.NewDirectory(db.DB, logger)
	publisher := events.NewPublisher(config, logger)

	handlerRegistry := scan.NewHandlerRegistry(logger)
	scan.RegisterBuiltins(handlerRegistry)

	pipeline := scan.NewPipeline(db.DB, logger, config, codec, handlerRegistry, publisher)

	if err := pipeline.VerifyHandlerCoverage(); err != nil {
		logger.Fatal("Handler coverage check failed", "error", err)
	}

	sweeper := devicetrust.NewSweeper(db.DB, logger)
	go func() {
		sweeper.Start(rootCtx, config.Tokens.SweepInterval)
	}()

	logger.Info("Device sweeper started")

	server := api.NewServer(db.DB, logger, config, registry, directory, pipeline, handlerRegistry, publisher)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	go func() {
		if err := server.Start(serverCtx); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("Server started successfully",
		"host", config.Server.Host,
		"port", config.Server.Port)

	<-quit

	logger.Info("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sweeper.Stop()
	logger.Info("Device sweeper stopped")

	serverCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	} else {
		logger.Info("Server shutdown completed")
	}

	logger.Info("Application exited cleanly")
}
