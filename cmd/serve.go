package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cachefront/cachefront/pkg/cachestore"
	"github.com/cachefront/cachefront/pkg/circuitbreaker"
	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/dispatch"
	"github.com/cachefront/cachefront/pkg/lineage"
	"github.com/cachefront/cachefront/pkg/lock"
	"github.com/cachefront/cachefront/pkg/lock/local"
	lockredis "github.com/cachefront/cachefront/pkg/lock/redis"
	"github.com/cachefront/cachefront/pkg/policy"
	"github.com/cachefront/cachefront/pkg/purge"
	"github.com/cachefront/cachefront/pkg/ratelimit"
	"github.com/cachefront/cachefront/pkg/registry"
	"github.com/cachefront/cachefront/pkg/secrets"
	"github.com/cachefront/cachefront/pkg/server"
)

// breakerSweepInterval is how often idle circuit breakers are dropped.
const breakerSweepInterval = time.Hour

func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the caching proxy over http",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the server",
				Sources: flagSources("server.addr", "SERVER_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "The URL of the database (sqlite:// or postgres://)",
				Sources:  flagSources("database.url", "DATABASE_URL"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "encryption-secret",
				Usage:    "The secret used to encrypt source credentials at rest",
				Sources:  flagSources("secrets.encryption-secret", "ENCRYPTION_SECRET"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "session-secret",
				Usage:   "The secret used to sign session tokens; omit to disable session auth",
				Sources: flagSources("secrets.session-secret", "SESSION_SECRET"),
			},
			&cli.StringFlag{
				Name: "redis-url",
				//nolint:lll
				Usage:   "The URL of Redis used for shared rate-limit counters and purge locks; omit for per-instance counting",
				Sources: flagSources("redis.url", "REDIS_URL"),
				Validator: func(redisURL string) error {
					if redisURL == "" {
						return nil
					}

					_, err := goredis.ParseURL(redisURL)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "dev-mode",
				Usage:   "Include error causes in API error responses",
				Sources: flagSources("server.dev-mode", "DEV_MODE"),
			},
		},
	}
}

//nolint:gocyclo
func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)
		defer func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers the
		// errgroup 'g' to start exiting.
		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		dbURL := cmd.String("database-url")

		db, err := database.Open(dbURL, nil)
		if err != nil {
			return fmt.Errorf("error opening the database %q: %w", dbURL, err)
		}

		if err := database.CreateSchema(ctx, db); err != nil {
			return fmt.Errorf("error creating the database schema: %w", err)
		}

		cipher, err := secrets.NewAESGCM(cmd.String("encryption-secret"))
		if err != nil {
			return fmt.Errorf("error creating the credential cipher: %w", err)
		}

		var (
			redisClient goredis.UniversalClient
			locker      lock.Locker = local.New()
		)

		if redisURL := cmd.String("redis-url"); redisURL != "" {
			opt, err := goredis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("error parsing the redis URL: %w", err)
			}

			redisClient = goredis.NewClient(opt)
			locker = lockredis.New(redisClient)

			logger.Info().Msg("using redis for rate-limit counters and purge locks")
		}

		limiterOpts := []ratelimit.Option{}
		if redisClient != nil {
			limiterOpts = append(limiterOpts, ratelimit.WithRedis(redisClient))
		}

		reg := registry.New(db, cipher)
		rec := lineage.New(db)
		store := cachestore.New(db, rec)
		policies := policy.New(db)
		breakers := circuitbreaker.NewRegistry()
		dispatcher := dispatch.New(reg, store, policies, breakers)
		purger := purge.New(db, store, locker)

		g.Go(func() error {
			return breakers.Run(ctx, breakerSweepInterval)
		})

		g.Go(func() error {
			return purger.Start(ctx)
		})

		srv := server.New(server.Config{
			DB:         db,
			Dispatcher: dispatcher,
			Registry:   reg,
			Store:      store,
			Policies:   policies,
			Limiter:    ratelimit.New(db, limiterOpts...),
			Breakers:   breakers,
			Lineage:    rec,
			Purger:     purger,
			JWTSecret:  []byte(cmd.String("session-secret")),
			DevMode:    cmd.Bool("dev-mode"),
		})

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info().
			Str("server-addr", cmd.String("server-addr")).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}
