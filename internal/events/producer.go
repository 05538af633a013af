package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/pkg/models"
)

const (
	DefaultOrdersTopic    = "storefront.orders"
	DefaultAnalyticsTopic = "storefront.analytics"
	DefaultAnalyticsDLQ   = "storefront.analytics.dlq"
)

// Order event types.
const (
	OrderCreated       = "order.created"
	OrderStatusChanged = "order.status_changed"
	OrderDeleted       = "order.deleted"
)

type OrderEvent struct {
	Type           string               `json:"type"`
	OrderID        string               `json:"order_id"`
	OrderCode      string               `json:"order_code,omitempty"`
	Status         string               `json:"status,omitempty"`
	PreviousStatus string               `json:"previous_status,omitempty"`
	Total          int64                `json:"total,omitempty"`
	Order          *models.OrderPayload `json:"order,omitempty"`
	EventTime      time.Time            `json:"event_time"`
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers []string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewKafkaProducerFrom(producer, logger), nil
}

// NewKafkaProducerFrom wraps an existing sync producer.
func NewKafkaProducerFrom(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}
}

// Publish JSON-encodes value and sends it to topic, keyed by key.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"key":       key,
	}).Debug("Event published to Kafka")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// OrderPublisher sends order lifecycle events keyed by order id, so every
// event of one order lands on the same partition.
type OrderPublisher struct {
	producer *KafkaProducer
	topic    string
}

func NewOrderPublisher(producer *KafkaProducer, topic string) *OrderPublisher {
	if topic == "" {
		topic = DefaultOrdersTopic
	}
	return &OrderPublisher{producer: producer, topic: topic}
}

func (p *OrderPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	return p.producer.Publish(ctx, p.topic, event.OrderID, event)
}
