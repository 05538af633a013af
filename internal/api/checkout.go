package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/checkout"
	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/pkg/models"
)

type zoneListResponse struct {
	Success bool            `json:"success"`
	Zones   []delivery.Zone `json:"zones"`
}

type zoneResponse struct {
	Success bool          `json:"success"`
	Zone    delivery.Zone `json:"zone"`
}

type quoteRequest struct {
	Area string `json:"area"`
}

type quoteResponse struct {
	Success  bool           `json:"success"`
	Subtotal int64          `json:"subtotal"`
	Quote    delivery.Quote `json:"quote"`
	Total    int64          `json:"total"`
}

type checkoutRequest struct {
	checkout.Customer
	checkout.Payment
	DeliveryArea string `json:"delivery_area"`
}

func (s *Server) ListDeliveryZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.Zones.ListActive(r.Context())
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, zoneListResponse{
		Success: true,
		Zones:   delivery.SortForDisplay(zones),
	})
}

// QuoteDelivery prices delivery to an area for the session's current cart.
func (s *Server) QuoteDelivery(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Area) == "" {
		s.respondWithAppError(w, r, apperr.Invalid("api.QuoteDelivery", "area", "is required"))
		return
	}

	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	zones, err := s.Zones.ListActive(r.Context())
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	subtotal := c.Total()
	quote, err := zones.Resolve(req.Area, subtotal)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	s.respondWithJSON(w, http.StatusOK, quoteResponse{
		Success:  true,
		Subtotal: subtotal,
		Quote:    quote,
		Total:    subtotal + quote.Fee,
	})
}

// Checkout turns the session cart into a pending order. The cart is cleared
// only once the order exists.
func (s *Server) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkoutRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.record(ctx, analytics.Event{
		Type:     analytics.EventCheckoutStarted,
		Metadata: map[string]interface{}{"item_count": c.Count(), "subtotal": c.Total()},
	})

	fail := func(err error) {
		meta := map[string]interface{}{}
		if kind := apperr.KindOf(err); kind != nil {
			meta["reason"] = kind.Error()
		}
		if field := apperr.FieldOf(err); field != "" {
			meta["field"] = field
		}
		s.record(ctx, analytics.Event{Type: analytics.EventCheckoutFailed, Metadata: meta})
		s.respondWithAppError(w, r, err)
	}

	zones, err := s.Zones.ListActive(ctx)
	if err != nil {
		fail(err)
		return
	}
	sub, err := checkout.Assemble(c.Lines(), req.Customer, req.DeliveryArea, req.Payment, zones)
	if err != nil {
		fail(err)
		return
	}

	order, err := s.Orders.Create(ctx, sub)
	if err != nil {
		fail(err)
		return
	}

	if err := c.Clear(ctx); err != nil {
		s.logger.WithFields(logrus.Fields{
			"order_id":   order.ID,
			"order_code": order.Code,
		}).WithError(err).Error("Failed to clear cart after checkout")
	}

	s.record(ctx, analytics.Event{
		Type:    analytics.EventOrderPlaced,
		OrderID: order.ID,
		Metadata: map[string]interface{}{
			"order_code":     order.Code,
			"total":          order.Total,
			"delivery_fee":   order.DeliveryFee,
			"payment_method": string(order.PaymentMethod),
		},
	})

	payload := order.ToPayload()
	s.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order placed",
		Order:   &payload,
	})
}

func (s *Server) TrackOrder(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["code"]))

	order, ok, err := s.Orders.FindByCode(r.Context(), code)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if !ok {
		s.respondWithError(w, http.StatusNotFound, "No order with that code")
		return
	}

	payload := order.ToPayload()
	s.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order found",
		Order:   &payload,
	})
}

// RecordEvent accepts an analytics event from the browser. It answers 202
// whether or not the event reaches the sink.
func (s *Server) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var event analytics.Event
	if err := decodeJSON(r, &event, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if strings.TrimSpace(event.Type) == "" {
		s.respondWithAppError(w, r, apperr.Invalid("api.RecordEvent", "event_type", "is required"))
		return
	}

	s.record(r.Context(), event)
	s.respondWithJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}
