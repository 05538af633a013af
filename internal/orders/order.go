package orders

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math"
	"time"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/pkg/models"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusDispatched Status = "dispatched"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the statuses reachable from each status. Delivered and
// cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusDispatched, StatusCancelled},
	StatusDispatched: {StatusDelivered, StatusCancelled},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

// ParseStatus accepts only the five known statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", apperr.Invalid("orders.ParseStatus", "status", fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransition reports whether an order may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentMpesa          PaymentMethod = "mpesa"
	PaymentCard           PaymentMethod = "card"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMpesa, PaymentCard, PaymentCashOnDelivery:
		return true
	}
	return false
}

// Item is a line as it was at checkout. It does not reference the catalog.
type Item struct {
	Name  string `json:"name"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
	Img   string `json:"img,omitempty"`
}

// Submission is everything needed to create an order.
type Submission struct {
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	DeliveryAddress  string
	City             string
	DeliveryArea     string
	Items            []Item
	Subtotal         int64
	DeliveryFee      int64
	Total            int64
	PaymentMethod    PaymentMethod
	PaymentReference *string
	Status           Status
	UserID           *string
}

// Validate checks the parts of a submission the store relies on.
func (s Submission) Validate() error {
	const op = "orders.Create"

	if len(s.Items) == 0 {
		return apperr.Invalid(op, "items", "must contain at least one item")
	}
	for _, it := range s.Items {
		if it.Qty < 1 {
			return apperr.Invalid(op, "items", "quantities must be at least 1")
		}
		if it.Price < 0 {
			return apperr.Invalid(op, "items", "prices must not be negative")
		}
	}
	if s.DeliveryFee < 0 {
		return apperr.Invalid(op, "delivery_fee", "must not be negative")
	}
	if s.Subtotal < 0 {
		return apperr.Invalid(op, "subtotal", "must not be negative")
	}
	if s.Total < 0 {
		return apperr.Invalid(op, "total", "must not be negative")
	}
	if _, _, ok := Totals(s.Items, s.DeliveryFee); !ok {
		return apperr.Invalid(op, "total", "is out of range")
	}
	if !s.PaymentMethod.Valid() {
		return apperr.Invalid(op, "payment_method", fmt.Sprintf("unsupported method %q", s.PaymentMethod))
	}
	if s.CustomerName == "" {
		return apperr.Invalid(op, "customer_name", "is required")
	}
	return nil
}

// Totals sums Price × Qty over items and adds fee. ok is false when an
// amount is negative or the arithmetic would overflow int64.
func Totals(items []Item, fee int64) (subtotal, total int64, ok bool) {
	if fee < 0 {
		return 0, 0, false
	}
	for _, it := range items {
		if it.Price < 0 || it.Qty < 0 {
			return 0, 0, false
		}
		if it.Qty > 0 && it.Price > math.MaxInt64/int64(it.Qty) {
			return 0, 0, false
		}
		line := it.Price * int64(it.Qty)
		if subtotal > math.MaxInt64-line {
			return 0, 0, false
		}
		subtotal += line
	}
	if subtotal > math.MaxInt64-fee {
		return 0, 0, false
	}
	return subtotal, subtotal + fee, true
}

// normalized recomputes the money fields from the items and fee, and forces
// the initial status. It is only called on a submission that passed Validate.
func (s Submission) normalized() Submission {
	s.Items = append([]Item(nil), s.Items...)
	s.Subtotal, s.Total, _ = Totals(s.Items, s.DeliveryFee)
	s.Status = StatusPending
	return s
}

type Order struct {
	ID   string
	Code string
	Submission
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows List. A zero Status matches every status.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// NewCode returns a customer-facing order code such as SAL-K3J9QW2D.
func NewCode() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate order code: %w", err)
	}
	return "SAL-" + base32.StdEncoding.EncodeToString(b[:]), nil
}

// ToPayload renders the order in its wire shape.
func (o Order) ToPayload() models.OrderPayload {
	items := make([]models.OrderItem, len(o.Items))
	for i, it := range o.Items {
		items[i] = models.OrderItem{Name: it.Name, Qty: it.Qty, Price: it.Price, Img: it.Img}
	}
	created, updated := o.CreatedAt, o.UpdatedAt

	return models.OrderPayload{
		ID:               o.ID,
		OrderCode:        o.Code,
		CustomerName:     o.CustomerName,
		CustomerEmail:    o.CustomerEmail,
		CustomerPhone:    o.CustomerPhone,
		DeliveryAddress:  o.DeliveryAddress,
		City:             o.City,
		DeliveryArea:     o.DeliveryArea,
		Items:            items,
		Subtotal:         o.Subtotal,
		DeliveryFee:      o.DeliveryFee,
		Total:            o.Total,
		PaymentMethod:    string(o.PaymentMethod),
		PaymentReference: o.PaymentReference,
		Status:           string(o.Status),
		UserID:           o.UserID,
		CreatedAt:        &created,
		UpdatedAt:        &updated,
	}
}
