package analytics

import (
	"context"
	"strconv"
	"strings"
)

// Funnel events recorded by the storefront itself. Client-side events may use
// any type.
const (
	EventPageView           = "page_view"
	EventAddToCart          = "add_to_cart"
	EventRemoveFromCart     = "remove_from_cart"
	EventClearCart          = "clear_cart"
	EventCheckoutStarted    = "checkout_started"
	EventCheckoutFailed     = "checkout_failed"
	EventOrderPlaced        = "order_placed"
	EventOrderStatusChanged = "order_status_changed"
	EventOrderDeleted       = "order_deleted"
	EventAdminSignIn        = "admin_sign_in"
	EventAdminSignInDenied  = "admin_sign_in_denied"
)

// Event is what callers hand to Record. Client identifiers are attached from
// the request context.
type Event struct {
	Type      string                 `json:"event_type" validate:"required,max=64"`
	Page      string                 `json:"page" validate:"max=512"`
	Metadata  map[string]interface{} `json:"metadata"`
	OrderID   string                 `json:"order_id" validate:"max=64"`
	ProductID string                 `json:"product_id" validate:"max=64"`
}

type ClientInfo struct {
	SessionID   string
	VisitorID   string
	Referrer    string
	DeviceClass string
	Location    string
}

type clientKey struct{}

func WithClient(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, info)
}

func ClientFrom(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(clientKey{}).(ClientInfo)
	return info
}

const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceUnknown = "unknown"
)

const (
	mobileMaxWidth = 767
	tabletMaxWidth = 1023
)

// DeviceClass classifies a client by viewport width when the client reports
// one, and by user agent otherwise.
func DeviceClass(viewportWidth, userAgent string) string {
	if w, err := strconv.Atoi(strings.TrimSpace(viewportWidth)); err == nil && w > 0 {
		switch {
		case w <= mobileMaxWidth:
			return DeviceMobile
		case w <= tabletMaxWidth:
			return DeviceTablet
		default:
			return DeviceDesktop
		}
	}

	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return DeviceUnknown
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet") ||
		(strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")):
		return DeviceTablet
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}
