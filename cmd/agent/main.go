package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"cmdrelay/internal/agent/config"
	"cmdrelay/internal/agent/executor"
	"cmdrelay/internal/agent/handler"
	"cmdrelay/internal/logger"
	"cmdrelay/internal/relay/conn"
	"cmdrelay/internal/types"
	"cmdrelay/internal/version"

	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		info := version.GetInfo()
		fmt.Println(info.String())
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(&cfg.Log, "agent")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(cfg, log); err != nil {
		log.Error("Agent stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := conn.NewManager(&conn.WebSocketDialer{}, conn.Config{
		Reconnect:   cfg.Agent.Reconnect,
		DialTimeout: cfg.Agent.DialTimeout,
	}, log)

	automator := executor.NewShellAutomator(cfg.Executor, runtime.GOOS, executor.ExecRunner{}, log)
	h := handler.NewHandler(handler.Config{
		QueueSize: cfg.Agent.QueueSize,
		StepDelay: cfg.Agent.StepDelay,
		Port:      cfg.Agent.Port,
	}, automator, manager, log)
	h.SetConnected(func() bool { return manager.State().Connected() })

	manager.OnMessage(h.HandleMessage)
	manager.OnStateChange(func(state types.ConnState) {
		log.Info("Hub connection state changed", zap.String("state", string(state)))
	})

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start handler: %w", err)
	}

	ep := conn.Endpoint{
		BaseURL:    cfg.Agent.HubURL,
		AccessCode: cfg.Agent.AccessCode,
		ClientType: types.ClientTypeAgent,
	}
	log.Info("Starting agent",
		zap.String("hub", ep.Redacted()),
		zap.String("platform", runtime.GOOS))
	if err := manager.Connect(ep); err != nil {
		_ = h.Stop()
		_ = manager.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	<-ctx.Done()
	log.Info("Starting graceful shutdown")

	// Stop executing before the channel goes away
	if err := h.Stop(); err != nil {
		log.Error("Failed to stop handler", zap.Error(err))
	}
	return manager.Close()
}
