package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cmdrelay/internal/data/connection"
	"cmdrelay/internal/database"
	"cmdrelay/internal/logger"
	"cmdrelay/internal/server/api"
	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/server/config"
	"cmdrelay/internal/server/events"
	"cmdrelay/internal/server/hub"
	"cmdrelay/internal/server/notify"
	"cmdrelay/internal/version"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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
	log, err := logger.New(&cfg.Log, "server")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(cfg, log); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize audit log
	var store audit.Store = audit.Nop{}
	if cfg.Audit.Enabled {
		db, err := database.New(ctx, &cfg.Audit.Database, audit.PruneOptions(), audit.Migrations(), log)
		if err != nil {
			return fmt.Errorf("failed to initialize audit database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("Failed to close audit database", zap.Error(err))
			}
		}()
		batcher := audit.NewBatcher(audit.NewSQLStore(db, log), cfg.Audit.Batch, log)
		// Deferred after the database close so it flushes first
		defer func() {
			if err := batcher.Close(); err != nil {
				log.Error("Failed to flush audit log", zap.Error(err))
			}
		}()
		store = batcher
		log.Info("Audit log enabled",
			zap.String("driver", cfg.Audit.Database.Driver),
			zap.Int("batch_size", cfg.Audit.Batch.Size))
	}

	// Initialize broker connections for event fan-out
	var conns *connection.Connections
	if cfg.Events.Driver != events.DriverNone {
		var err error
		conns, err = connection.New(cfg.Data)
		if err != nil {
			return fmt.Errorf("failed to connect event broker: %w", err)
		}
		defer func() {
			for _, err := range conns.Close() {
				log.Error("Failed to close connection", zap.Error(err))
			}
		}()
	}

	exchange := ""
	if cfg.Data != nil && cfg.Data.RabbitMQ != nil {
		exchange = cfg.Data.RabbitMQ.Exchange
	}
	publisher, err := events.New(cfg.Events.Driver, conns, exchange, log)
	if err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}
	async := events.NewAsync(publisher, cfg.Events.QueueSize, cfg.Events.PublishTimeout, log)
	defer func() {
		if err := async.Close(); err != nil {
			log.Error("Failed to close event publisher", zap.Error(err))
		}
	}()

	// Initialize hub and router
	h := hub.New(hub.Config{
		AccessCodes:    cfg.Hub.AccessCodes,
		APIKey:         cfg.Hub.APIKey,
		AllowedOrigins: cfg.Hub.AllowedOrigins,
		ReadLimit:      cfg.Hub.ReadLimit,
		WriteWait:      cfg.Hub.WriteWait,
	}, store, async, log)
	router := api.NewRouter(cfg, h, store, log)

	// Initialize presence notifications
	if cfg.Notify.Enabled {
		notifier, err := notify.NewManager(&cfg.Notify, log)
		if err != nil {
			return fmt.Errorf("failed to initialize notifications: %w", err)
		}
		defer func() {
			if err := notifier.Stop(cfg.Notify.Timeout); err != nil {
				log.Error("Failed to stop notifications", zap.Error(err))
			}
		}()
		h.OnAgentPresence(notifier.AgentPresence)
		log.Info("Notifications enabled", zap.Strings("channels", notifier.Channels()))
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting server",
			zap.String("address", cfg.Server.Address),
			zap.Bool("tls", cfg.Server.TLS.Enabled),
			zap.Int("access_codes", len(cfg.Hub.AccessCodes)))

		var err error
		if cfg.Server.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked websockets are not tracked by Shutdown
		if err := h.Close(); err != nil {
			log.Error("Hub shutdown error", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
