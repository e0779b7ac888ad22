package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/gavel-live/internal/adapters/api"
	"github.com/floroz/gavel-live/internal/adapters/database"
	"github.com/floroz/gavel-live/internal/adapters/events"
	redisadapter "github.com/floroz/gavel-live/internal/adapters/redis"
	"github.com/floroz/gavel-live/internal/adapters/websocket"
	"github.com/floroz/gavel-live/internal/domain/auctions"
	"github.com/floroz/gavel-live/internal/domain/lifecycle"
	"github.com/floroz/gavel-live/internal/notify"
	"github.com/floroz/gavel-live/migrations"
	"github.com/floroz/gavel-live/pkg/auth"
	"github.com/floroz/gavel-live/pkg/config"
	pkgdb "github.com/floroz/gavel-live/pkg/database"
	pkgevents "github.com/floroz/gavel-live/pkg/events"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Gavel stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 1. Postgres
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("unable to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("unable to ping database: %w", err)
	}
	logger.Info("Postgres Connected")

	if err := pkgdb.Migrate(ctx, pool, migrations.FS); err != nil {
		return err
	}

	// 2. RabbitMQ
	amqpConn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	publisher, err := pkgevents.NewRabbitMQPublisher(amqpConn)
	if err != nil {
		return fmt.Errorf("failed to create RabbitMQ publisher: %w", err)
	}
	defer publisher.Close()

	// 3. Auth
	publicKey, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to read JWT public key: %w", err)
	}
	signer, err := auth.NewSignerFromPublicKey(publicKey, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	// 4. Domain wiring
	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.DBLockTimeout)
	outboxRepo := database.NewPostgresOutboxRepository(pool)
	settlement := events.NewOutboxSettlement(outboxRepo, logger)
	// The sold event is written in the transaction that saves the sale, so the
	// service needs no separate hand-off.
	store := database.NewPostgresAuctionStore(pool, txManager).WithSoldEvents(settlement)
	hub := notify.NewHub(logger)

	g, gctx := errgroup.WithContext(ctx)

	// 5. Redis (optional): pre-approvals, watchlists and cross-instance fan-out
	var (
		approvals auctions.PreApprovals
		watchlist auctions.Watchlist
		admin     api.AudienceAdmin
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("Redis Connected")

		audienceStore := redisadapter.NewAudienceStore(rdb)
		approvals, watchlist, admin = audienceStore, audienceStore, audienceStore

		bridge := redisadapter.NewBridge(rdb, hub, uuid.NewString(), cfg.SubscriberBuffer*4, logger)
		hub.AddForwarder(bridge)
		g.Go(func() error { return bridge.Run(gctx) })
	} else {
		logger.Warn("REDIS_URL is not set; running standalone without pre-approvals")
	}

	service := auctions.NewService(
		store,
		auctions.NewKeyedLocker(),
		hub,
		approvals,
		nil,
		auctions.Config{
			Policy: auctions.Policy{
				EndingSoonThreshold: cfg.EndingSoonThreshold,
				ExtensionDuration:   cfg.ExtensionDuration,
				MaxAutoExtensions:   cfg.MaxAutoExtensions,
			},
			LockTimeout: cfg.LockTimeout,
			MaxAttempts: cfg.MaxAttempts,
		},
		logger,
	).WithAudience(hub, watchlist)

	// 6. Background workers
	scheduler := lifecycle.NewScheduler(service, cfg.TickInterval, cfg.SchedulerWorkers, logger)
	g.Go(func() error { return scheduler.Run(gctx) })

	relay := pkgevents.NewOutboxRelay(
		outboxRepo,
		publisher,
		txManager,
		cfg.OutboxBatchSize,
		cfg.OutboxInterval,
		pkgevents.Exchange,
		logger,
	)
	g.Go(func() error {
		logger.Info("Starting Outbox Relay...")
		return relay.Run(gctx)
	})

	// 7. HTTP: ConnectRPC, websockets and health
	bidding := api.NewBiddingHandler(service, admin, logger)
	path, handler := bidding.Routes(connect.WithInterceptors(auth.NewAuthInterceptor(signer)))

	router := websocket.NewHandler(hub, service, cfg.SubscriberBuffer, logger).Routes(signer)
	router.PathPrefix(path).Handler(handler)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	// Use h2c for HTTP/2 without TLS (common for internal services / local dev)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting Gavel API", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
