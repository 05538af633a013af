package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/auth"
	"github.com/jogardn/salon-storefront/internal/cart"
	"github.com/jogardn/salon-storefront/internal/catalog"
	"github.com/jogardn/salon-storefront/internal/circuitbreaker"
	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/internal/identity"
	"github.com/jogardn/salon-storefront/internal/orders"
	"github.com/jogardn/salon-storefront/internal/session"
	"github.com/jogardn/salon-storefront/internal/telemetry"
)

type Catalog interface {
	List(ctx context.Context, f catalog.Filter) ([]catalog.Product, error)
	Get(ctx context.Context, id string) (catalog.Product, error)
}

type ZoneRepository interface {
	ListActive(ctx context.Context) (delivery.Zones, error)
	List(ctx context.Context) (delivery.Zones, error)
	Create(ctx context.Context, z delivery.Zone) (delivery.Zone, error)
	Apply(ctx context.Context, id string, patch delivery.ZonePatch) (delivery.Zone, error)
}

// OrderService is implemented by *orders.Service.
type OrderService interface {
	Create(ctx context.Context, sub orders.Submission) (orders.Order, error)
	FindByCode(ctx context.Context, code string) (orders.Order, bool, error)
	List(ctx context.Context, f orders.Filter) ([]orders.Order, error)
	Transition(ctx context.Context, id string, to orders.Status) (orders.Order, error)
	Delete(ctx context.Context, id string) error
}

// Authenticator is implemented by *auth.Bootstrapper.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (identity.Session, auth.AdminUser, error)
	SignUp(ctx context.Context, email, password, displayName string) (identity.Session, auth.AdminUser, error)
	SignOut(ctx context.Context, accessToken string) error
	Authorize(ctx context.Context, accessToken string) (auth.AdminUser, error)
}

// Recorder is implemented by *analytics.Emitter.
type Recorder interface {
	Record(ctx context.Context, event analytics.Event)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Dependencies struct {
	Catalog   Catalog
	Carts     cart.Store
	Zones     ZoneRepository
	Orders    OrderService
	Auth      Authenticator
	Analytics Recorder
	// Board serves the live admin websocket; nil disables /ws.
	Board    http.Handler
	Breakers *circuitbreaker.Manager
	DB       Pinger
}

type Options struct {
	AllowedOrigins []string
	SecureCookies  bool
	SessionTTL     time.Duration
}

type Server struct {
	Dependencies
	opts   Options
	logger *logrus.Logger
}

func NewServer(deps Dependencies, opts Options, logger *logrus.Logger) *Server {
	return &Server{
		Dependencies: deps,
		opts:         opts,
		logger:       logger,
	}
}

// Handler returns the complete HTTP surface. CORS wraps the router so
// preflight requests are answered before routing.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(s.logger))
	router.Use(telemetry.Middleware("storefront"))

	router.HandleFunc("/health", s.HealthCheck).Methods(http.MethodGet)
	if s.Board != nil {
		router.Handle("/ws", s.Board).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(session.Middleware(session.Options{
		Secure:     s.opts.SecureCookies,
		SessionTTL: s.opts.SessionTTL,
	}))
	api.Use(clientInfoMiddleware)

	api.HandleFunc("/products", s.ListProducts).Methods(http.MethodGet)

	api.HandleFunc("/cart", s.GetCart).Methods(http.MethodGet)
	api.HandleFunc("/cart", s.ClearCart).Methods(http.MethodDelete)
	api.HandleFunc("/cart/items", s.AddCartItem).Methods(http.MethodPost)
	api.HandleFunc("/cart/items/{productId}", s.SetCartItemQuantity).Methods(http.MethodPut)
	api.HandleFunc("/cart/items/{productId}", s.RemoveCartItem).Methods(http.MethodDelete)
	api.HandleFunc("/cart/merge", s.MergeCart).Methods(http.MethodPost)

	api.HandleFunc("/delivery-zones", s.ListDeliveryZones).Methods(http.MethodGet)
	api.HandleFunc("/delivery/quote", s.QuoteDelivery).Methods(http.MethodPost)

	api.HandleFunc("/checkout", s.Checkout).Methods(http.MethodPost)
	api.HandleFunc("/orders/{code}", s.TrackOrder).Methods(http.MethodGet)
	api.HandleFunc("/events", s.RecordEvent).Methods(http.MethodPost)

	api.HandleFunc("/admin/sign-in", s.SignIn).Methods(http.MethodPost)
	api.HandleFunc("/admin/sign-up", s.SignUp).Methods(http.MethodPost)
	api.HandleFunc("/admin/sign-out", s.SignOut).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("/orders", s.ListOrders).Methods(http.MethodGet)
	admin.HandleFunc("/orders/{id}", s.PatchOrder).Methods(http.MethodPatch)
	admin.HandleFunc("/orders/{id}", s.DeleteOrder).Methods(http.MethodDelete)
	admin.HandleFunc("/delivery-zones", s.ListAllDeliveryZones).Methods(http.MethodGet)
	admin.HandleFunc("/delivery-zones", s.CreateDeliveryZone).Methods(http.MethodPost)
	admin.HandleFunc("/delivery-zones/{id}", s.PatchDeliveryZone).Methods(http.MethodPatch)

	return cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Viewport-Width", "X-Page-Location"},
		AllowCredentials: true,
		MaxAge:           300,
	})(router)
}

func (s *Server) record(ctx context.Context, event analytics.Event) {
	if s.Analytics != nil {
		s.Analytics.Record(ctx, event)
	}
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"service": "storefront",
	}
	if s.Breakers != nil {
		resp["circuit_breakers"] = s.Breakers.Snapshot()
	}

	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.PingContext(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			resp["status"] = "unhealthy"
			resp["error"] = "database connection failed"
			s.respondWithJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	s.respondWithJSON(w, http.StatusOK, resp)
}
