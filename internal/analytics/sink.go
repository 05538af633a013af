package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	sq "github.com/Masterminds/squirrel"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/events"
	"github.com/jogardn/salon-storefront/internal/storage/postgres"
	"github.com/jogardn/salon-storefront/pkg/models"
)

// Publisher is satisfied by *events.KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

// KafkaSink forwards events to the analytics topic keyed by visitor, so one
// visitor's events stay ordered.
type KafkaSink struct {
	producer Publisher
	topic    string
}

func NewKafkaSink(producer Publisher, topic string) *KafkaSink {
	if topic == "" {
		topic = events.DefaultAnalyticsTopic
	}
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Write(ctx context.Context, event models.AnalyticsEvent) error {
	key := event.VisitorID
	if key == "" {
		key = event.ID
	}
	return s.producer.Publish(ctx, s.topic, key, event)
}

type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, event models.AnalyticsEvent) error {
	s.logger.WithFields(logrus.Fields{
		"event_id":     event.ID,
		"event_type":   event.Type,
		"page":         event.Page,
		"session_id":   event.SessionID,
		"visitor_id":   event.VisitorID,
		"device_class": event.DeviceClass,
		"order_id":     event.OrderID,
		"product_id":   event.ProductID,
	}).Info("Analytics event")
	return nil
}

// PostgresSink inserts events into analytics_events. Inserts are idempotent
// on the event id, so redelivered messages are harmless.
type PostgresSink struct {
	db postgres.DBTX
	sb sq.StatementBuilderType
}

func NewPostgresSink(db postgres.DBTX) *PostgresSink {
	return &PostgresSink{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *PostgresSink) Write(ctx context.Context, event models.AnalyticsEvent) error {
	const op = "analytics.Write"

	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return apperr.Invalid(op, "metadata", err.Error())
		}
	}

	query, args, err := s.sb.
		Insert("analytics_events").
		Columns("id", "event_type", "page", "session_id", "visitor_id", "referrer",
			"device_class", "location", "product_id", "order_id", "metadata", "occurred_at").
		Values(event.ID, event.Type, event.Page, event.SessionID, event.VisitorID, event.Referrer,
			event.DeviceClass, event.Location, nullString(event.ProductID), nullString(event.OrderID),
			string(metadata), event.OccurredAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var errMalformed = errors.New("malformed analytics event")

// Handler consumes the analytics topic into a sink. Undecodable messages are
// permanent failures and go straight to the dead letter topic.
type Handler struct {
	sink   Sink
	logger *logrus.Logger
}

func NewHandler(sink Sink, logger *logrus.Logger) *Handler {
	return &Handler{sink: sink, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event models.AnalyticsEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.ID == "" || event.Type == "" || event.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing required fields", errMalformed)
	}

	if err := h.sink.Write(ctx, event); err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"partition":  msg.Partition,
		"offset":     msg.Offset,
	}).Debug("Analytics event stored")
	return nil
}

func (h *Handler) IsRetryable(err error) bool {
	return !errors.Is(err, errMalformed) && !errors.Is(err, apperr.ErrValidation)
}

var _ events.MessageHandler = (*Handler)(nil)
