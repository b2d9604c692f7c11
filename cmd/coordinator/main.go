package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/config"
	"github.com/uzzalhcse/spiderproxy/internal/coordinator"
	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

func main() {
	if err := logger.Init(true); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting spiderproxy coordinator")

	cfg, err := config.Load("config.yaml")
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	node, err := coordinator.New(cfg)
	if err != nil {
		logger.Fatal("failed to build coordinator node", zap.Error(err))
	}

	if err := node.Start(); err != nil {
		logger.Fatal("failed to start coordinator node", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down coordinator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	node.Shutdown(shutdownCtx)

	logger.Info("coordinator shutdown complete")
}
