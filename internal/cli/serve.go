package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-guard/internal/auth"
	"github.com/telhawk-systems/telhawk-guard/internal/handlers"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	natsclient "github.com/telhawk-systems/telhawk-guard/internal/messaging/nats"
	"github.com/telhawk-systems/telhawk-guard/internal/repository"
	"github.com/telhawk-systems/telhawk-guard/internal/reputation"
	"github.com/telhawk-systems/telhawk-guard/internal/server"
	"github.com/telhawk-systems/telhawk-guard/pkg/guard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guard admin API and background maintenance",
	Long: `Starts the HTTP API (check, events, alerts, incidents, audit, metrics)
and the engine's maintenance jobs. Storage, Redis and NATS are wired from
configuration; each is optional.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("migrate", true, "apply database migrations before starting (postgres backend)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	rules, err := loadRules()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate && cfg.Audit.Backend == "postgres" {
		logger.Info("running database migrations")
		if err := repository.Migrate(cfg.Database.Postgres.MigrationsDir, cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		logger.Info("database migrations completed")
	}

	repo, err := repository.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open audit backend: %w", err)
	}
	defer repo.Close()

	opts := []guard.Option{guard.WithLogger(logger), guard.WithRepository(repo)}

	var publisher messaging.Publisher
	if cfg.NATS.Enabled {
		client, err := natsclient.NewClient(natsclient.ConfigFrom(cfg.NATS), logger.Component("nats"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer client.Close()
		publisher = client
		opts = append(opts, guard.WithPublisher(client))
	}

	if cfg.Redis.Enabled || cfg.Reputation.Backend == "redis" {
		rdb, err := newRedisClient(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, guard.WithSharedReputation(reputation.NewRedisCache(rdb)))
	}

	engine, err := guard.New(cfg, rules, opts...)
	if err != nil {
		return err
	}

	handler := handlers.NewHandler(engine).
		WithReadiness(publisher, repo).
		WithLogger(logger.Component("handlers"))
	if cfg.Auth.JWTSecret != "" {
		tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		handler.WithTokens(tm)
	} else {
		logger.Warn("auth.jwt_secret not set; incident updates are disabled")
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	srv := server.New(cfg.Server, server.NewRouter(handler), logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.WriteTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer cancel()
		return engine.Stop(stopCtx)
	})
	return g.Wait()
}

func newRedisClient(ctx context.Context) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Redis.MaxRetries != 0 {
		opt.MaxRetries = cfg.Redis.MaxRetries
	}
	if cfg.Redis.PoolSize > 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
