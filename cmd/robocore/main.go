// Package main is the unified entry point for robocore: the orchestration
// kernel plus the TCP and web consoles in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/robocore/robocore/internal/common/config"
	"github.com/robocore/robocore/internal/common/logger"
	"github.com/robocore/robocore/internal/core"
	"github.com/robocore/robocore/internal/events"
	"github.com/robocore/robocore/internal/frontend/tcpconsole"
	"github.com/robocore/robocore/internal/frontend/webconsole"
	"github.com/robocore/robocore/internal/llm"
	"github.com/robocore/robocore/internal/mcp"
	"github.com/robocore/robocore/internal/persona"
	"github.com/robocore/robocore/internal/workflow"
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

	log.Info("Starting robocore...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events.Configure(cfg.NATS)
	if cfg.NATS.URL != "" {
		log.Info("Using NATS event buses", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event buses")
	}

	llmClient := llm.NewLMStudioClient(cfg.LLM, log)

	factory := func(sessionID string) (mcp.Client, error) {
		return mcp.NewTCPClient(ctx, cfg.MCP.ServerAddr, sessionID, llmClient, log), nil
	}

	kernel := core.New(core.Dependencies{
		Factory:    factory,
		Engine:     core.NewLLMDecisionEngine(llmClient, log),
		Resolver:   workflow.NewLLMResolver(llmClient, log),
		Perception: core.BasicPerception{},
		Intent:     core.NewLLMIntent(llmClient, log),
		Persona:    persona.Default(),
		Logger:     log,
	})

	tcpAddr := fmt.Sprintf("%s:%d", cfg.TCP.Host, cfg.TCP.Port)
	tcp, err := tcpconsole.New(tcpAddr, log)
	if err != nil {
		log.Fatal("Failed to start TCP console", zap.Error(err))
	}
	web := webconsole.New(log)

	kernel.AddInputHandler(ctx, tcp.Input())
	kernel.AddOutputHandler(tcpconsole.HandlerID, tcp.Output())
	kernel.AddInputHandler(ctx, web.Input())
	kernel.AddOutputHandler(webconsole.HandlerID, web.Output())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return kernel.Run(ctx) })
	g.Go(func() error { return tcp.Serve(ctx) })
	g.Go(func() error {
		return web.Serve(ctx, fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port))
	})

	log.Info("robocore running",
		zap.String("tcp", tcp.Addr()),
		zap.String("web", fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)),
		zap.String("mcp", cfg.MCP.ServerAddr),
		zap.String("llm", cfg.LLM.URL))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal("robocore exited", zap.Error(err))
	}
	log.Info("robocore shut down")
}
