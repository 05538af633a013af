package models

import (
	"time"
)

// AnalyticsEvent is one observed storefront interaction as it travels from
// the storefront to the analytics sink.
type AnalyticsEvent struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"event_type"`
	Page        string                 `json:"page,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	VisitorID   string                 `json:"visitor_id,omitempty"`
	Referrer    string                 `json:"referrer,omitempty"`
	DeviceClass string                 `json:"device_class,omitempty"`
	Location    string                 `json:"location,omitempty"`
	ProductID   string                 `json:"product_id,omitempty"`
	OrderID     string                 `json:"order_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}
