package checkout

import (
	"strings"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/cart"
	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/internal/orders"
	"github.com/jogardn/salon-storefront/internal/validation"
)

const op = "checkout.Assemble"

// FeeResolver prices delivery to an area. delivery.Zones implements it.
type FeeResolver interface {
	Resolve(area string, subtotal int64) (delivery.Quote, error)
}

// Customer is the contact and address information entered at checkout.
type Customer struct {
	Name    string `json:"customer_name" validate:"required,max=200"`
	Email   string `json:"customer_email" validate:"required,email"`
	Phone   string `json:"customer_phone" validate:"required,phone"`
	Address string `json:"delivery_address" validate:"required,max=500"`
	City    string `json:"city" validate:"required,max=120"`
}

// Payment is the chosen method plus an optional external reference, such as
// an M-Pesa confirmation code.
type Payment struct {
	Method    orders.PaymentMethod `json:"payment_method" validate:"required,oneof=mpesa card cash_on_delivery"`
	Reference string               `json:"payment_reference" validate:"max=64"`
}

// Assemble turns a cart into an order submission. It performs no I/O; the
// resolver is consulted only once every input has been validated.
func Assemble(lines []cart.Line, customer Customer, area string, payment Payment, resolver FeeResolver) (orders.Submission, error) {
	if len(lines) == 0 {
		return orders.Submission{}, apperr.New(op, apperr.ErrEmptyCart, nil)
	}

	customer = trimCustomer(customer)
	if err := validation.Struct(op, customer); err != nil {
		return orders.Submission{}, err
	}
	payment.Reference = strings.TrimSpace(payment.Reference)
	if err := validation.Struct(op, payment); err != nil {
		return orders.Submission{}, err
	}
	area = strings.TrimSpace(area)
	if area == "" {
		return orders.Submission{}, apperr.Invalid(op, "delivery_area", "is required")
	}

	items := make([]orders.Item, 0, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 {
			continue
		}
		items = append(items, orders.Item{
			Name:  l.Name,
			Qty:   l.Quantity,
			Price: l.UnitPrice,
			Img:   l.ImageURL,
		})
	}
	if len(items) == 0 {
		return orders.Submission{}, apperr.New(op, apperr.ErrEmptyCart, nil)
	}
	subtotal, _, ok := orders.Totals(items, 0)
	if !ok {
		return orders.Submission{}, apperr.Invalid(op, "items", "order total is out of range")
	}

	quote, err := resolver.Resolve(area, subtotal)
	if err != nil {
		return orders.Submission{}, err
	}
	_, total, ok := orders.Totals(items, quote.Fee)
	if !ok {
		return orders.Submission{}, apperr.Invalid(op, "total", "is out of range")
	}

	var reference *string
	if payment.Reference != "" {
		ref := payment.Reference
		reference = &ref
	}

	return orders.Submission{
		CustomerName:     customer.Name,
		CustomerEmail:    customer.Email,
		CustomerPhone:    customer.Phone,
		DeliveryAddress:  customer.Address,
		City:             customer.City,
		DeliveryArea:     area,
		Items:            items,
		Subtotal:         subtotal,
		DeliveryFee:      quote.Fee,
		Total:            total,
		PaymentMethod:    payment.Method,
		PaymentReference: reference,
		Status:           orders.StatusPending,
	}, nil
}

func trimCustomer(c Customer) Customer {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Address = strings.TrimSpace(c.Address)
	c.City = strings.TrimSpace(c.City)
	return c
}
