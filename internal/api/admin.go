package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/auth"
	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/internal/identity"
	"github.com/jogardn/salon-storefront/internal/orders"
	"github.com/jogardn/salon-storefront/pkg/models"
)

type credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type sessionResponse struct {
	Success bool             `json:"success"`
	Session identity.Session `json:"session"`
	User    auth.AdminUser   `json:"user"`
}

// StatusPatch is the only change an administrator may make to an order.
type StatusPatch struct {
	Status *string `json:"status"`
}

func (c credentials) validate(op string) error {
	if strings.TrimSpace(c.Email) == "" {
		return apperr.Invalid(op, "email", "is required")
	}
	if c.Password == "" {
		return apperr.Invalid(op, "password", "is required")
	}
	return nil
}

func (s *Server) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := req.validate("api.SignIn"); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	sess, user, err := s.Auth.SignIn(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		s.record(r.Context(), analytics.Event{
			Type:     analytics.EventAdminSignInDenied,
			Metadata: map[string]interface{}{"reason": kindLabel(err)},
		})
		s.respondWithAppError(w, r, err)
		return
	}

	s.record(r.Context(), analytics.Event{
		Type:     analytics.EventAdminSignIn,
		Metadata: map[string]interface{}{"user_id": user.ID},
	})
	s.respondWithJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess, User: user})
}

func (s *Server) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := req.validate("api.SignUp"); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	sess, user, err := s.Auth.SignUp(r.Context(), strings.TrimSpace(req.Email), req.Password, strings.TrimSpace(req.DisplayName))
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusCreated, sessionResponse{Success: true, Session: sess, User: user})
}

func (s *Server) SignOut(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.respondWithAppError(w, r, apperr.Invalid("api.SignOut", "Authorization", "bearer token is required"))
		return
	}
	if err := s.Auth.SignOut(r.Context(), token); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Signed out"})
}

func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	const op = "api.ListOrders"

	var f orders.Filter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		st, err := orders.ParseStatus(v)
		if err != nil {
			s.respondWithAppError(w, r, err)
			return
		}
		f.Status = st
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondWithAppError(w, r, apperr.Invalid(op, p.name, "must be a non-negative integer"))
			return
		}
		*p.dst = n
	}

	list, err := s.Orders.List(r.Context(), f)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	payloads := make([]models.OrderPayload, len(list))
	for i, o := range list {
		payloads[i] = o.ToPayload()
	}
	s.respondWithJSON(w, http.StatusOK, models.OrderListResponse{
		Success: true,
		Orders:  payloads,
		Count:   len(payloads),
	})
}

// PatchOrder moves an order to a new status. Fields other than status are
// rejected.
func (s *Server) PatchOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch StatusPatch
	if err := decodeJSON(r, &patch, true); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if patch.Status == nil {
		s.respondWithAppError(w, r, apperr.Invalid("api.PatchOrder", "status", "is required"))
		return
	}
	to, err := orders.ParseStatus(*patch.Status)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	order, err := s.Orders.Transition(r.Context(), id, to)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	admin, _ := adminFrom(r.Context())
	s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   order.Status,
		"admin_id": admin.ID,
	}).Info("Order status updated")
	s.record(r.Context(), analytics.Event{
		Type:     analytics.EventOrderStatusChanged,
		OrderID:  order.ID,
		Metadata: map[string]interface{}{"status": string(order.Status)},
	})

	payload := order.ToPayload()
	s.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order status updated",
		Order:   &payload,
	})
}

func (s *Server) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.Orders.Delete(r.Context(), id); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	admin, _ := adminFrom(r.Context())
	s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"admin_id": admin.ID,
	}).Info("Order deleted")
	s.record(r.Context(), analytics.Event{Type: analytics.EventOrderDeleted, OrderID: id})

	s.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order deleted",
	})
}

func (s *Server) ListAllDeliveryZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.Zones.List(r.Context())
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, zoneListResponse{
		Success: true,
		Zones:   delivery.SortForDisplay(zones),
	})
}

func (s *Server) CreateDeliveryZone(w http.ResponseWriter, r *http.Request) {
	var z delivery.Zone
	if err := decodeJSON(r, &z, true); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	created, err := s.Zones.Create(r.Context(), z)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusCreated, zoneResponse{Success: true, Zone: created})
}

func (s *Server) PatchDeliveryZone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch delivery.ZonePatch
	if err := decodeJSON(r, &patch, true); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	z, err := s.Zones.Apply(r.Context(), id, patch)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, zoneResponse{Success: true, Zone: z})
}

func kindLabel(err error) string {
	if m, ok := errorMappings[apperr.KindOf(err)]; ok {
		return m.kind
	}
	return "internal"
}
