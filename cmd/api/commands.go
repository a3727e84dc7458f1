package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"colisflow/app"
	"colisflow/auth"
	"colisflow/config"
	"colisflow/db"
	"colisflow/logging"
	"colisflow/metrics"
	"colisflow/ratelimit"
	"colisflow/sweeper"
)

type rootOptions struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "colisflow",
		Short:         "Peer-to-peer parcel delivery marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// process is the process-wide state shared by the long-running commands.
type process struct {
	app   *app.App
	pool  *pgxpool.Pool
	redis *redis.Client
}

func (rt *process) Close() {
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}

// bootstrap connects to Postgres unless memory is set. With migrate set the
// embedded schema is applied first.
func bootstrap(ctx context.Context, opts *rootOptions, memory, migrate bool) (*process, error) {
	rt := &process{}
	var stores app.Stores
	if memory {
		opts.logger.Warn("running with in-memory stores; state is lost on exit")
		stores, _ = app.MemoryStores()
	} else {
		pool, err := db.NewPool(ctx, opts.cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		rt.pool = pool
		if migrate {
			if err := db.Migrate(ctx, pool, opts.logger); err != nil {
				rt.Close()
				return nil, err
			}
		}
		stores = app.PostgresStores(pool)
	}
	a, err := app.New(opts.cfg, stores, nil, opts.logger, metrics.New())
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.app = a
	return rt, nil
}

// locker prefers a Redis lock so several replicas can share the sweeper, and
// falls back to an in-process lock when Redis is unreachable.
func (rt *process) locker(ctx context.Context, cfg config.Config, logger *zap.Logger) sweeper.Locker {
	if cfg.Redis.Addr == "" {
		return sweeper.NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable; sweeper lock is process-local",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		_ = client.Close()
		return sweeper.NewLocalLocker()
	}
	rt.redis = client
	return sweeper.NewRedisLocker(client, cfg.Sweeper.LockTTL, logger)
}

func newSweeper(ctx context.Context, rt *process, opts *rootOptions) *sweeper.Sweeper {
	cfg := opts.cfg.Sweeper
	return sweeper.New(rt.app.Collabs, rt.app.Flow, rt.locker(ctx, opts.cfg, opts.logger), sweeper.Config{
		Interval:          cfg.Interval,
		CancelUnpaidAfter: cfg.CancelUnpaidAfter,
		FlagPaidAfter:     cfg.FlagPaidAfter,
		BatchSize:         cfg.BatchSize,
	}, opts.logger, rt.app.Metrics)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var memory, migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the outbox relay and the sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := bootstrap(ctx, opts, memory, migrate)
			if err != nil {
				return err
			}
			defer rt.Close()

			relay, closeRelay, err := rt.app.Relay(opts.cfg, nil)
			if err != nil {
				return err
			}
			defer closeRelay()
			sw := newSweeper(ctx, rt, opts)

			limiter := ratelimit.New(opts.cfg.RateLimit.RPS, opts.cfg.RateLimit.Burst, 0)
			srv := &http.Server{
				Addr:         opts.cfg.HTTP.Addr,
				Handler:      NewServer(rt.app, limiter, opts.logger).Routes(),
				ReadTimeout:  opts.cfg.HTTP.ReadTimeout,
				WriteTimeout: opts.cfg.HTTP.WriteTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				opts.logger.Info("http listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return relay.Run(gctx) })
			g.Go(func() error { return sw.Run(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep all state in memory instead of Postgres")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			pool, err := db.NewPool(ctx, opts.cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(ctx, pool, opts.logger)
		},
	}
}

func newRelayCommand(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish outbox events to Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			rt, err := bootstrap(ctx, opts, false, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			relay, closeRelay, err := rt.app.Relay(opts.cfg, nil)
			if err != nil {
				return err
			}
			defer closeRelay()
			if once {
				n, err := relay.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "claimed %d outbox messages\n", n)
				return nil
			}
			return relay.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the stalled-collaboration sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			rt, err := bootstrap(ctx, opts, false, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := newSweeper(ctx, rt, opts).RunOnce(ctx)
			if errors.Is(err, sweeper.ErrLockHeld) {
				fmt.Fprintln(cmd.OutOrStdout(), "another instance is sweeping; nothing done")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d cancelled=%d flagged=%d failed=%d\n",
				report.Scanned, report.Cancelled, report.Flagged, report.Failed)
			return nil
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		participant string
		admin       bool
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a participant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if ttl <= 0 {
				ttl = opts.cfg.Auth.TokenTTL
			}
			token, err := auth.NewIssuer(opts.cfg.Auth.JWTSecret, ttl).Issue(participant, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "participant id used as the token subject")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}
