package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/medrex/clinic-scheduler/internal/scheduling"
	"github.com/medrex/clinic-scheduler/pkg/config"
	"github.com/medrex/clinic-scheduler/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Scheduling Service
	service, err := scheduling.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize Scheduling Service: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start service in a goroutine
	go func() {
		if err := service.Start(addr); err != nil {
			logger.Fatalf("Failed to start Scheduling Service: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Scheduling Service...")
	if err := service.Stop(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	logger.Info("Scheduling Service stopped")
}
