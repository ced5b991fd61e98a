package main

import (
	"context"
	"errors"
	"fmt"

	"cmdrelay/internal/client/config"
	"cmdrelay/internal/client/repl"
	dataCfg "cmdrelay/internal/data/config"
	"cmdrelay/internal/data/connection"
	"cmdrelay/internal/logger"
	"cmdrelay/internal/relay"
	"cmdrelay/internal/relay/conn"
	"cmdrelay/internal/relay/session"
	"cmdrelay/internal/relay/tracker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newConnectCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [access code]",
		Short: "Pair with an agent and send commands interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := logger.New(&cfg.Log, "relay")
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() {
				_ = log.Sync()
			}()

			code := cfg.Relay.AccessCode
			if len(args) == 1 {
				code = args[0]
			}

			r, cleanup, err := buildRelay(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if code != "" {
				r.Session().SetAuth(r.Session().State().UserEmail, code)
			} else if r.Session().State().AccessCode == "" {
				return errors.New("access code is required: pass it as an argument or set relay.access_code")
			}

			p := repl.New(r, cmd.OutOrStdout())
			p.Attach(r)

			if err := r.Connect(code); err != nil {
				return err
			}
			return p.Run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

// buildRelay wires the relay client, backed by redis when data.redis.addr
// is set
func buildRelay(ctx context.Context, cfg *config.Config, log *zap.Logger) (*relay.Relay, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	trackerOpts := []tracker.Option{tracker.WithPolicy(cfg.Relay.Policy)}
	var sessionStore session.Store

	if cfg.Data != nil && cfg.Data.Redis != nil && cfg.Data.Redis.Addr != "" {
		conns, err := connection.New(&dataCfg.Config{Redis: cfg.Data.Redis})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		closers = append(closers, func() {
			for _, err := range conns.Close() {
				log.Error("Failed to close connection", zap.Error(err))
			}
		})

		rc := cfg.Data.Redis
		sessionStore = session.NewRedisStore(conns.RC, rc.KeyPrefix, rc.TTL)
		trackerOpts = append(trackerOpts, tracker.WithStore(
			tracker.NewRedisStore(conns.RC, rc.KeyPrefix, cfg.Relay.Session, rc.TTL)))
	}

	sess := session.New(cfg.Relay.Session, sessionStore, log)
	if _, err := sess.Restore(ctx); err != nil {
		log.Warn("Failed to restore session", zap.Error(err))
	}

	tr := tracker.New(log, trackerOpts...)
	if n, err := tr.Restore(ctx, cfg.Relay.HistoryLimit); err != nil {
		log.Warn("Failed to restore history", zap.Error(err))
	} else if n > 0 {
		log.Info("Restored history", zap.Int("commands", n))
	}

	manager := conn.NewManager(&conn.WebSocketDialer{}, conn.Config{
		Reconnect:   cfg.Relay.Reconnect,
		DialTimeout: cfg.Relay.DialTimeout,
	}, log)

	r := relay.New(relay.Config{
		BaseURL: cfg.Relay.HubURL,
		APIKey:  cfg.Relay.APIKey,
	}, manager, tr, sess, log)
	closers = append(closers, func() {
		if err := r.Close(); err != nil {
			log.Error("Failed to close relay", zap.Error(err))
		}
	})

	return r, cleanup, nil
}
