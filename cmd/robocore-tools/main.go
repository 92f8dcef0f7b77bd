// Package main runs the demo MCP tool server the kernel connects to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/robocore/robocore/internal/common/config"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/mcpserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := mcpserver.New(mcpserver.Config{Addr: cfg.MCP.ServerAddr}, log)
	if err := server.Start(ctx); err != nil {
		log.Fatal("MCP tool server exited", zap.Error(err))
	}
	log.Info("MCP tool server shut down")
}
