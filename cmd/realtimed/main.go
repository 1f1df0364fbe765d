package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/crm-realtime/internal/auth"
	"github.com/rickgao/crm-realtime/internal/config"
	"github.com/rickgao/crm-realtime/internal/connection"
	"github.com/rickgao/crm-realtime/internal/database"
	"github.com/rickgao/crm-realtime/internal/realtime"
	"github.com/rickgao/crm-realtime/internal/scheduler"
	"github.com/rickgao/crm-realtime/internal/server"
	"github.com/rickgao/crm-realtime/internal/store"
	"github.com/rickgao/crm-realtime/internal/version"
	"github.com/rickgao/crm-realtime/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/realtimed.local.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("realtimed failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		return err
	}
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting realtimed",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("database connected")

	st := store.New(store.DefaultConfig(), pool, logger.With("component", "store"))

	notifications := writer.NewNotificationWriter(writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
		BufferSize:    cfg.Writers.BufferSize,
	}, pool, logger.With("component", "notification_writer"))
	if err := notifications.Start(ctx); err != nil {
		return fmt.Errorf("start notification writer: %w", err)
	}

	svc := realtime.New(serviceConfig(cfg), realtime.Deps{
		Verifier: verifier,
		Accounts: st,
		Stats:    st,
		Notifier: notifications,
	}, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start realtime service: %w", err)
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		AdminToken:      cfg.Server.AdminToken,
		MaxEventBytes:   cfg.Server.MaxEventBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, svc, pool, logger.With("component", "server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	logger.Info("realtimed running", "addr", cfg.Server.Addr())
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("server stopped", "error", runErr)
	}

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// The writer goes last so notifications raised during shutdown still land.
	var errs []error
	if err := svc.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop realtime service: %w", err))
	}
	if err := notifications.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop notification writer: %w", err))
	}

	m := notifications.Stats()
	logger.Info("realtimed stopped",
		"notifications_inserted", m.Inserts,
		"notifications_dropped", m.Dropped,
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = append(errs, runErr)
	}
	return errors.Join(errs...)
}

func newVerifier(cfg config.AuthConfig) (*auth.Verifier, error) {
	v := auth.NewVerifier(cfg.Leeway)
	for _, k := range cfg.Keys {
		pub, err := auth.LoadPublicKey(k.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth key %q: %w", k.ID, err)
		}
		v.AddKey(k.ID, pub)
	}
	return v, nil
}

func serviceConfig(cfg *config.Config) realtime.Config {
	c := cfg.Connections
	s := cfg.Sync
	return realtime.Config{
		Connections: connection.Config{
			HeartbeatInterval: c.HeartbeatInterval,
			StaleMultiplier:   c.StaleMultiplier,
			EvictInterval:     c.EvictInterval,
			WriteTimeout:      c.WriteTimeout,
			MaxMessageSize:    c.MaxMessageSize,
			SendQueueSize:     c.SendQueueSize,
			MaxSendQueue:      c.MaxSendQueue,
			MaxConnections:    c.MaxConnections,
			PingConcurrency:   c.PingConcurrency,
		},
		Sync: scheduler.Config{
			Interval:     s.Interval,
			InitialDelay: s.InitialDelay,
			Timeout:      s.Timeout,
			CacheTTL:     s.CacheTTL,
		},
	}
}
