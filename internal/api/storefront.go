package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jogardn/salon-storefront/internal/analytics"
	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/cart"
	"github.com/jogardn/salon-storefront/internal/catalog"
	"github.com/jogardn/salon-storefront/internal/session"
)

type productListResponse struct {
	Success  bool              `json:"success"`
	Products []catalog.Product `json:"products"`
	Count    int               `json:"count"`
}

type cartResponse struct {
	Success bool        `json:"success"`
	Items   []cart.Line `json:"items"`
	Total   int64       `json:"total"`
	Count   int         `json:"count"`
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type mergeRequest struct {
	Items []cart.Line `json:"items"`
}

func (s *Server) ListProducts(w http.ResponseWriter, r *http.Request) {
	var f catalog.Filter
	q := r.URL.Query()
	f.Category = q.Get("category")
	if v := q.Get("inStock"); v != "" {
		inStock, err := strconv.ParseBool(v)
		if err != nil {
			s.respondWithAppError(w, r, apperr.Invalid("api.ListProducts", "inStock", "must be true or false"))
			return
		}
		f.InStock = &inStock
	}

	products, err := s.Catalog.List(r.Context(), f)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if products == nil {
		products = []catalog.Product{}
	}

	s.respondWithJSON(w, http.StatusOK, productListResponse{
		Success:  true,
		Products: products,
		Count:    len(products),
	})
}

func (s *Server) loadCart(r *http.Request) (*cart.Cart, error) {
	ids, _ := session.FromContext(r.Context())
	return cart.Load(r.Context(), s.Carts, ids.SessionID)
}

func (s *Server) respondWithCart(w http.ResponseWriter, status int, c *cart.Cart) {
	lines := c.Lines()
	if lines == nil {
		lines = []cart.Line{}
	}
	s.respondWithJSON(w, status, cartResponse{
		Success: true,
		Items:   lines,
		Total:   c.Total(),
		Count:   c.Count(),
	})
}

func (s *Server) GetCart(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithCart(w, http.StatusOK, c)
}

func (s *Server) AddCartItem(w http.ResponseWriter, r *http.Request) {
	const op = "api.AddCartItem"

	var req addItemRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if req.ProductID == "" {
		s.respondWithAppError(w, r, apperr.Invalid(op, "productId", "is required"))
		return
	}

	product, err := s.Catalog.Get(r.Context(), req.ProductID)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if !product.InStock {
		s.respondWithAppError(w, r, apperr.Invalid(op, "productId", "is out of stock"))
		return
	}

	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := c.Add(r.Context(), product.CartItem(), quantity); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	s.record(r.Context(), analytics.Event{
		Type:      analytics.EventAddToCart,
		ProductID: product.ID,
		Metadata:  map[string]interface{}{"quantity": quantity, "unit_price": product.Price},
	})
	s.respondWithCart(w, http.StatusOK, c)
}

func (s *Server) SetCartItemQuantity(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productId"]

	var req setQuantityRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if req.Quantity == nil {
		s.respondWithAppError(w, r, apperr.Invalid("api.SetCartItemQuantity", "quantity", "is required"))
		return
	}

	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := c.SetQuantity(r.Context(), productID, *req.Quantity); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if *req.Quantity <= 0 {
		s.record(r.Context(), analytics.Event{Type: analytics.EventRemoveFromCart, ProductID: productID})
	}
	s.respondWithCart(w, http.StatusOK, c)
}

func (s *Server) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productId"]

	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := c.Remove(r.Context(), productID); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	s.record(r.Context(), analytics.Event{Type: analytics.EventRemoveFromCart, ProductID: productID})
	s.respondWithCart(w, http.StatusOK, c)
}

func (s *Server) ClearCart(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	s.record(r.Context(), analytics.Event{Type: analytics.EventClearCart})
	s.respondWithCart(w, http.StatusOK, c)
}

// MergeCart folds a cart kept by the browser into the session cart. Names
// and prices are taken from the catalog, not from the request; unknown and
// out-of-stock products are skipped.
func (s *Server) MergeCart(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	lines := make([]cart.Line, 0, len(req.Items))
	for _, l := range req.Items {
		if l.ProductID == "" || l.Quantity < 1 {
			continue
		}
		product, err := s.Catalog.Get(r.Context(), l.ProductID)
		if err != nil {
			if apperr.KindOf(err) == apperr.ErrNotFound {
				continue
			}
			s.respondWithAppError(w, r, err)
			return
		}
		if !product.InStock {
			continue
		}
		item := product.CartItem()
		lines = append(lines, cart.Line{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice,
			Quantity:  l.Quantity,
		})
	}

	c, err := s.loadCart(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	if err := c.Merge(r.Context(), lines); err != nil {
		s.respondWithAppError(w, r, err)
		return
	}
	s.respondWithCart(w, http.StatusOK, c)
}
