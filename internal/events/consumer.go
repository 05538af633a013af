package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries   = 3
	InitialRetryDelay   = 1 * time.Second
	MaxRetryDelay       = 30 * time.Second
	retryCountHeader    = "retry_count"
	metadataHeader      = "metadata"
	originalTopicHeader = "original_topic"
)

// MessageHandler processes one message. Errors for which IsRetryable
// returns false go to the dead letter topic immediately.
type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
	IsRetryable(err error) bool
}

type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	Topics       []string
	DLQTopic     string
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = InitialRetryDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = MaxRetryDelay
	}
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	RetryCount     int64 `json:"retries"`
	DLQCount       int64 `json:"dead_lettered"`
	SuccessCount   int64 `json:"succeeded"`
	FailureCount   int64 `json:"failed"`
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// RetryConsumer consumes a set of topics as a consumer group. Failed
// messages are retried with exponential backoff, then dead-lettered.
type RetryConsumer struct {
	group   sarama.ConsumerGroup
	handler *retryHandler
	topics  []string
	logger  *logrus.Logger
}

func NewRetryConsumer(cfg ConsumerConfig, handler MessageHandler, logger *logrus.Logger) (*RetryConsumer, error) {
	cfg.applyDefaults()

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, newProducerConfig())
	if err != nil {
		group.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &RetryConsumer{
		group:   group,
		handler: newRetryHandler(cfg, handler, producer, logger),
		topics:  cfg.Topics,
		logger:  logger,
	}, nil
}

// Start blocks until ctx is cancelled or the group fails.
func (c *RetryConsumer) Start(ctx context.Context) error {
	c.logger.WithField("topics", c.topics).Info("Starting Kafka consumer")
	for {
		if err := c.group.Consume(ctx, c.topics, c.handler); err != nil {
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *RetryConsumer) Close() error {
	if err := c.handler.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.group.Close()
}

func (c *RetryConsumer) Metrics() ConsumerMetrics {
	return c.handler.snapshot()
}

type retryHandler struct {
	cfg      ConsumerConfig
	handler  MessageHandler
	producer sarama.SyncProducer
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	processed, retries, dlq, succeeded, failed int64
}

func newRetryHandler(cfg ConsumerConfig, handler MessageHandler, producer sarama.SyncProducer, logger *logrus.Logger) *retryHandler {
	cfg.applyDefaults()
	return &retryHandler{
		cfg:      cfg,
		handler:  handler,
		producer: producer,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func (h *retryHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *retryHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *retryHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process runs the handler with retries and dead-letters the message if it
// still fails. The message is always considered consumed afterwards.
func (h *retryHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	atomic.AddInt64(&h.processed, 1)

	err := h.handleWithRetry(ctx, message)
	if err == nil {
		atomic.AddInt64(&h.succeeded, 1)
		return
	}

	atomic.AddInt64(&h.failed, 1)
	h.logger.WithError(err).WithField("key", string(message.Key)).Error("Failed to process message after retries")

	if h.cfg.DLQTopic == "" {
		return
	}
	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return
	}
	atomic.AddInt64(&h.dlq, 1)
}

func (h *retryHandler) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	delay := h.cfg.InitialDelay

	var err error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"key":     string(message.Key),
				"attempt": attempt,
				"delay":   delay,
			}).Info("Retrying message")

			if sleepErr := h.sleep(ctx, delay); sleepErr != nil {
				return fmt.Errorf("retry interrupted: %w", err)
			}
			atomic.AddInt64(&h.retries, 1)

			delay *= 2
			if delay > h.cfg.MaxDelay {
				delay = h.cfg.MaxDelay
			}
		}

		err = h.handler.Handle(ctx, message)
		if err == nil {
			return nil
		}
		if !h.handler.IsRetryable(err) {
			h.logger.WithError(err).Warn("Non-retryable error encountered")
			return err
		}
		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error processing message")
	}
	return fmt.Errorf("exhausted %d retries: %w", h.cfg.MaxRetries, err)
}

func (h *retryHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := time.Now().UTC()
	metadata := MessageMetadata{
		RetryCount:    retryCountOf(message) + 1,
		FirstFailure:  now,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: h.cfg.DLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(metadataHeader), Value: metadataBytes},
			{Key: []byte(originalTopicHeader), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     h.cfg.DLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}

func (h *retryHandler) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: atomic.LoadInt64(&h.processed),
		RetryCount:     atomic.LoadInt64(&h.retries),
		DLQCount:       atomic.LoadInt64(&h.dlq),
		SuccessCount:   atomic.LoadInt64(&h.succeeded),
		FailureCount:   atomic.LoadInt64(&h.failed),
	}
}

// retryCountOf reads how many times a message has already been
// dead-lettered and replayed.
func retryCountOf(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != retryCountHeader {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil {
			return n
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
