package shopclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/pkg/models"
)

// APIError is a non-2xx answer from the storefront.
type APIError struct {
	Status  int
	Kind    string
	Field   string
	Message string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("storefront returned %d (%s, field %s): %s", e.Status, e.Kind, e.Field, e.Message)
	}
	if e.Kind != "" {
		return fmt.Sprintf("storefront returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("storefront returned %d: %s", e.Status, e.Message)
}

// Client talks to the storefront admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

func New(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type signInResponse struct {
	Session Session `json:"session"`
	User    struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var resp signInResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/sign-in", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return Session{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"user_id": resp.User.ID,
		"role":    resp.User.Role,
	}).Info("Signed in to storefront")
	return resp.Session, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/admin/sign-out", nil, nil)
}

func (c *Client) ListOrders(ctx context.Context, status string, limit, offset int) ([]models.OrderPayload, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/admin/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp models.OrderListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	c.logger.WithField("count", resp.Count).Debug("Retrieved orders from storefront")
	return resp.Orders, nil
}

func (c *Client) TrackOrder(ctx context.Context, code string) (models.OrderPayload, error) {
	var resp models.OrderResponse
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(code), nil, &resp); err != nil {
		return models.OrderPayload{}, err
	}
	if resp.Order == nil {
		return models.OrderPayload{}, fmt.Errorf("storefront returned no order for %s", code)
	}
	return *resp.Order, nil
}

func (c *Client) UpdateStatus(ctx context.Context, orderID, status string) (models.OrderPayload, error) {
	var resp models.OrderResponse
	err := c.do(ctx, http.MethodPatch, "/api/admin/orders/"+url.PathEscape(orderID), map[string]string{"status": status}, &resp)
	if err != nil {
		return models.OrderPayload{}, err
	}
	if resp.Order == nil {
		return models.OrderPayload{}, fmt.Errorf("storefront returned no order for %s", orderID)
	}
	return *resp.Order, nil
}

func (c *Client) DeleteOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/orders/"+url.PathEscape(orderID), nil, nil)
}

type zoneList struct {
	Zones []delivery.Zone `json:"zones"`
}

type zoneEnvelope struct {
	Zone delivery.Zone `json:"zone"`
}

func (c *Client) ListZones(ctx context.Context) ([]delivery.Zone, error) {
	var resp zoneList
	if err := c.do(ctx, http.MethodGet, "/api/admin/delivery-zones", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Zones, nil
}

func (c *Client) CreateZone(ctx context.Context, z delivery.Zone) (delivery.Zone, error) {
	body := map[string]interface{}{
		"name":          z.Name,
		"areas":         z.Areas,
		"fee":           z.Fee,
		"estimatedDays": z.EstimatedDays,
		"active":        z.Active,
	}
	if z.FreeAbove != nil {
		body["freeAbove"] = *z.FreeAbove
	}

	var resp zoneEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/admin/delivery-zones", body, &resp); err != nil {
		return delivery.Zone{}, err
	}
	return resp.Zone, nil
}

// PatchZone sends only the given fields. A nil value clears freeAbove.
func (c *Client) PatchZone(ctx context.Context, id string, fields map[string]interface{}) (delivery.Zone, error) {
	var resp zoneEnvelope
	if err := c.do(ctx, http.MethodPatch, "/api/admin/delivery-zones/"+url.PathEscape(id), fields, &resp); err != nil {
		return delivery.Zone{}, err
	}
	return resp.Zone, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to storefront: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Kind: e.Kind, Field: e.Field, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode storefront response: %w", err)
	}
	return nil
}
