package orders

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/events"
)

// EventPublisher is implemented by events.OrderPublisher.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event events.OrderEvent) error
}

// Broadcaster is implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(messageType string, data interface{}, source string)
}

// Service wraps a Store and announces every change. Announcements are best
// effort: a failed publish is logged and the operation still succeeds.
type Service struct {
	store     Store
	publisher EventPublisher
	hub       Broadcaster
	logger    *logrus.Logger
}

func NewService(store Store, logger *logrus.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

func (s *Service) SetPublisher(p EventPublisher) {
	s.publisher = p
}

func (s *Service) SetBroadcaster(b Broadcaster) {
	s.hub = b
}

func (s *Service) Create(ctx context.Context, sub Submission) (Order, error) {
	o, err := s.store.Create(ctx, sub)
	if err != nil {
		return Order{}, err
	}

	payload := o.ToPayload()
	s.announce(ctx, events.OrderEvent{
		Type:      events.OrderCreated,
		OrderID:   o.ID,
		OrderCode: o.Code,
		Status:    string(o.Status),
		Total:     o.Total,
		Order:     &payload,
	})
	return o, nil
}

func (s *Service) FindByCode(ctx context.Context, code string) (Order, bool, error) {
	return s.store.FindByCode(ctx, code)
}

func (s *Service) FindByID(ctx context.Context, id string) (Order, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Order, error) {
	return s.store.List(ctx, f)
}

func (s *Service) Transition(ctx context.Context, id string, to Status) (Order, error) {
	o, from, err := s.store.Transition(ctx, id, to)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"order_id":  id,
			"to_status": to,
		}).WithError(err).Warn("Order transition rejected")
		return Order{}, err
	}

	payload := o.ToPayload()
	s.announce(ctx, events.OrderEvent{
		Type:           events.OrderStatusChanged,
		OrderID:        o.ID,
		OrderCode:      o.Code,
		Status:         string(o.Status),
		PreviousStatus: string(from),
		Total:          o.Total,
		Order:          &payload,
	})
	return o, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.announce(ctx, events.OrderEvent{
		Type:    events.OrderDeleted,
		OrderID: id,
	})
	return nil
}

func (s *Service) announce(ctx context.Context, event events.OrderEvent) {
	event.EventTime = time.Now().UTC()

	if s.publisher != nil {
		if err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
			s.logger.WithFields(logrus.Fields{
				"order_id":   event.OrderID,
				"event_type": event.Type,
			}).WithError(err).Error("Failed to publish order event")
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(event.Type, event, "storefront")
	}
}
