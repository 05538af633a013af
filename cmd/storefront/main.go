package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/api"
	"github.com/jogardn/salon-storefront/internal/auth"
	"github.com/jogardn/salon-storefront/internal/cart"
	"github.com/jogardn/salon-storefront/internal/catalog"
	"github.com/jogardn/salon-storefront/internal/circuitbreaker"
	"github.com/jogardn/salon-storefront/internal/config"
	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/internal/events"
	"github.com/jogardn/salon-storefront/internal/identity"
	"github.com/jogardn/salon-storefront/internal/orders"
	"github.com/jogardn/salon-storefront/internal/storage/postgres"
	"github.com/jogardn/salon-storefront/internal/telemetry"
	"github.com/jogardn/salon-storefront/internal/websocket"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Storefront stopped with error")
	}
	logger.Info("Server gracefully stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Init(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint, logger)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(logger, "tracing", tracing.Shutdown)

	db, err := postgres.Open(ctx, cfg.Postgres.DSN(), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Postgres.MigrationsAuto {
		if err := postgres.Migrate(db, logger); err != nil {
			return err
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.WithField("addr", cfg.Redis.Addr).Info("Redis connection established")

	var producer *events.KafkaProducer
	if cfg.Kafka.Enabled() {
		producer, err = events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
	} else {
		logger.Warn("No Kafka brokers configured, order events will not be published")
	}

	breakers := circuitbreaker.NewManager(logger)

	emitter, err := newEmitter(cfg, db, producer, breakers, logger)
	if err != nil {
		return err
	}
	defer emitter.Close()

	privileged, closePrivileged, err := privilegedDB(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closePrivileged()

	idp := identity.NewClient(
		cfg.Identity.URL,
		cfg.Identity.APIKey,
		cfg.Identity.Timeout,
		breakers.GetOrCreate("identity", identity.BreakerConfig()),
		logger,
	)
	bootstrapper := auth.NewBootstrapper(idp, auth.NewRoleRepository(db), []auth.Promoter{
		auth.NewProcedurePromoter(privileged),
		auth.NewUpsertPromoter(db),
	}, logger)

	hub := websocket.NewHub(bootstrapper, cfg.HTTP.AllowedOrigins, logger)

	orderService := orders.NewService(orders.NewPostgresStore(db, logger), logger)
	orderService.SetBroadcaster(hub)
	if producer != nil {
		orderService.SetPublisher(events.NewOrderPublisher(producer, cfg.Kafka.OrdersTopic))
	}

	server := api.NewServer(api.Dependencies{
		Catalog:   catalog.NewRepository(db, logger),
		Carts:     cart.NewRedisStore(redisClient, cart.WithTTL(cfg.Cart.TTL)),
		Zones:     delivery.NewRepository(db, logger),
		Orders:    orderService,
		Auth:      bootstrapper,
		Analytics: emitter,
		Board:     http.HandlerFunc(hub.HandleWebSocket),
		Breakers:  breakers,
		DB:        db,
	}, api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		SecureCookies:  cfg.HTTP.SecureCookies,
		SessionTTL:     cfg.Cart.TTL,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithField("port", cfg.HTTP.Port).Info("Starting storefront")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}

func newEmitter(cfg *config.Config, db *sql.DB, producer *events.KafkaProducer, breakers *circuitbreaker.Manager, logger *logrus.Logger) (*analytics.Emitter, error) {
	var sink analytics.Sink
	switch kind := cfg.Analytics.SinkFor(cfg.Kafka); kind {
	case "kafka":
		if producer == nil {
			return nil, errors.New("analytics sink kafka requires a Kafka producer")
		}
		sink = analytics.NewKafkaSink(producer, cfg.Kafka.AnalyticsTopic)
	case "postgres":
		sink = analytics.NewPostgresSink(db)
	case "log":
		sink = analytics.NewLogSink(logger)
	default:
		return nil, fmt.Errorf("unknown analytics sink %q", kind)
	}

	breaker := breakers.GetOrCreate("analytics-sink", circuitbreaker.Config{
		MaxFailures: cfg.Analytics.BreakerFails,
		Cooldown:    cfg.Analytics.BreakerTimeout,
	})

	logger.WithField("sink", cfg.Analytics.SinkFor(cfg.Kafka)).Info("Analytics emitter started")
	return analytics.NewEmitter(sink, breaker, logger, analytics.WithBufferSize(cfg.Analytics.BufferSize)), nil
}

// privilegedDB opens the connection used by the role-assignment procedure.
// Without a dedicated DSN the regular pool is used.
func privilegedDB(ctx context.Context, cfg *config.Config, db *sql.DB, logger *logrus.Logger) (postgres.DBTX, func(), error) {
	if cfg.Postgres.PrivilegedDSN == "" {
		return db, func() {}, nil
	}
	priv, err := postgres.Open(ctx, cfg.Postgres.PrivilegedDSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open privileged database: %w", err)
	}
	return priv, func() { priv.Close() }, nil
}

func shutdownWithTimeout(logger *logrus.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("component", name).Error("Shutdown failed")
	}
}
