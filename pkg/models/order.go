package models

import (
	"time"
)

// OrderPayload is the JSON shape orders take on the wire, both when they are
// returned to the storefront and when they are published as events.
type OrderPayload struct {
	ID               string      `json:"id,omitempty"`
	OrderCode        string      `json:"order_code"`
	CustomerName     string      `json:"customer_name"`
	CustomerEmail    string      `json:"customer_email"`
	CustomerPhone    string      `json:"customer_phone"`
	DeliveryAddress  string      `json:"delivery_address"`
	City             string      `json:"city"`
	DeliveryArea     string      `json:"delivery_area,omitempty"`
	Items            []OrderItem `json:"items"`
	Subtotal         int64       `json:"subtotal"`
	DeliveryFee      int64       `json:"delivery_fee"`
	Total            int64       `json:"total"`
	PaymentMethod    string      `json:"payment_method"`
	PaymentReference *string     `json:"payment_reference,omitempty"`
	Status           string      `json:"status"`
	UserID           *string     `json:"user_id,omitempty"`
	CreatedAt        *time.Time  `json:"created_at,omitempty"`
	UpdatedAt        *time.Time  `json:"updated_at,omitempty"`
}

type OrderItem struct {
	Name  string `json:"name"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
	Img   string `json:"img,omitempty"`
}

type OrderResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Order   *OrderPayload `json:"order,omitempty"`
}

type OrderListResponse struct {
	Success bool           `json:"success"`
	Orders  []OrderPayload `json:"orders"`
	Count   int            `json:"count"`
}

// ErrorResponse is returned for every non-2xx answer. Field names the
// offending input for validation failures.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Field   string `json:"field,omitempty"`
}
