package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/config"
	"github.com/jogardn/salon-storefront/internal/events"
	"github.com/jogardn/salon-storefront/internal/storage/postgres"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var cfg *config.Config
	root := &cobra.Command{
		Use:           "analytics-sink",
		Short:         "Persist storefront analytics events from Kafka",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if !cfg.Kafka.Enabled() {
				return errors.New("kafka.brokers must be configured")
			}
			if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
				logger.SetLevel(level)
			}
			return nil
		},
	}

	var maxRetries int
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the analytics topic into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSink(cmd.Context(), cfg, maxRetries, logger)
		},
	}
	runCmd.Flags().IntVar(&maxRetries, "max-retries", events.DefaultMaxRetries, "Attempts per message before it is dead-lettered")

	replayCmd := &cobra.Command{
		Use:   "replay-dlq",
		Short: "Send dead-lettered analytics events back to their original topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayDLQ(cmd.Context(), cfg, logger)
		},
	}

	root.AddCommand(runCmd, replayCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.WithError(err).Fatal("Analytics sink failed")
	}
}

func runSink(ctx context.Context, cfg *config.Config, maxRetries int, logger *logrus.Logger) error {
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

	consumer, err := events.NewRetryConsumer(events.ConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		GroupID:    cfg.Kafka.ConsumerGroup,
		Topics:     []string{cfg.Kafka.AnalyticsTopic},
		DLQTopic:   cfg.Kafka.AnalyticsDLQ,
		MaxRetries: maxRetries,
	}, analytics.NewHandler(analytics.NewPostgresSink(db), logger), logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	stopReport := reportMetrics(ctx, consumer, logger)
	defer stopReport()

	logger.WithFields(logrus.Fields{
		"topic":     cfg.Kafka.AnalyticsTopic,
		"dlq_topic": cfg.Kafka.AnalyticsDLQ,
		"group":     cfg.Kafka.ConsumerGroup,
	}).Info("Analytics sink started")

	return consumer.Start(ctx)
}

// reportMetrics logs consumer counters once a minute until stopped.
func reportMetrics(ctx context.Context, consumer *events.RetryConsumer, logger *logrus.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := consumer.Metrics()
				logger.WithFields(logrus.Fields{
					"processed":     m.ProcessedCount,
					"succeeded":     m.SuccessCount,
					"retries":       m.RetryCount,
					"dead_lettered": m.DLQCount,
				}).Info("Analytics sink metrics")
			}
		}
	}()
	return cancel
}

func replayDLQ(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	replayer, err := events.NewDLQReplayer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup+"-replay", cfg.Kafka.AnalyticsDLQ, logger)
	if err != nil {
		return err
	}
	defer replayer.Close()

	return replayer.Run(ctx)
}
