package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays bounds how often one message may travel DLQ -> topic -> DLQ.
const MaxReplays = DefaultMaxRetries * 2

// DLQReplayer drains a dead letter topic and re-publishes each message to
// the topic it originally came from.
type DLQReplayer struct {
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	dlqTopic string
	logger   *logrus.Logger
	replayed int64
	dropped  int64
}

func NewDLQReplayer(brokers []string, groupID, dlqTopic string, logger *logrus.Logger) (*DLQReplayer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		group.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &DLQReplayer{
		group:    group,
		producer: producer,
		dlqTopic: dlqTopic,
		logger:   logger,
	}, nil
}

func (r *DLQReplayer) Run(ctx context.Context) error {
	r.logger.WithField("dlq_topic", r.dlqTopic).Info("DLQ replayer started")
	for {
		if err := r.group.Consume(ctx, []string{r.dlqTopic}, r); err != nil {
			r.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			r.logger.WithFields(logrus.Fields{
				"replayed": r.replayed,
				"dropped":  r.dropped,
			}).Info("DLQ replayer stopped")
			return nil
		}
	}
}

// Replay re-publishes one dead-lettered message. Messages that already
// exceeded MaxReplays are dropped with an error log.
func (r *DLQReplayer) Replay(message *sarama.ConsumerMessage) error {
	metadata := metadataOf(message)

	r.logger.WithFields(logrus.Fields{
		"original_topic": metadata.OriginalTopic,
		"retry_count":    metadata.RetryCount,
		"last_failure":   metadata.LastFailure,
		"error_message":  metadata.ErrorMessage,
		"key":            string(message.Key),
	}).Warn("DLQ message details")

	if metadata.OriginalTopic == "" {
		r.dropped++
		return fmt.Errorf("message at offset %d has no original topic", message.Offset)
	}
	if metadata.RetryCount >= MaxReplays {
		r.dropped++
		r.logger.WithFields(logrus.Fields{
			"key":         string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return fmt.Errorf("exceeded maximum replay attempts")
	}

	replay := &sarama.ProducerMessage{
		Topic: metadata.OriginalTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(retryCountHeader), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	partition, offset, err := r.producer.SendMessage(replay)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}
	r.replayed++

	r.logger.WithFields(logrus.Fields{
		"replay_topic":     metadata.OriginalTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"key":              string(message.Key),
	}).Info("Message replayed from DLQ")
	return nil
}

func (r *DLQReplayer) Close() error {
	if err := r.producer.Close(); err != nil {
		r.logger.WithError(err).Error("Failed to close producer")
	}
	return r.group.Close()
}

func (r *DLQReplayer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *DLQReplayer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *DLQReplayer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := r.Replay(message); err != nil {
				r.logger.WithError(err).Error("Failed to replay DLQ message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func metadataOf(message *sarama.ConsumerMessage) MessageMetadata {
	var metadata MessageMetadata
	for _, header := range message.Headers {
		if header == nil {
			continue
		}
		switch string(header.Key) {
		case metadataHeader:
			_ = json.Unmarshal(header.Value, &metadata)
		case originalTopicHeader:
			if metadata.OriginalTopic == "" {
				metadata.OriginalTopic = string(header.Value)
			}
		}
	}
	return metadata
}
