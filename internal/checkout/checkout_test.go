package checkout

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/cart"
	"github.com/jogardn/salon-storefront/internal/delivery"
	"github.com/jogardn/salon-storefront/internal/orders"
)

type countingResolver struct {
	calls int
	zones delivery.Zones
}

func (r *countingResolver) Resolve(area string, subtotal int64) (delivery.Quote, error) {
	r.calls++
	return r.zones.Resolve(area, subtotal)
}

func newResolver() *countingResolver {
	threshold := int64(2000)
	return &countingResolver{zones: delivery.Zones{
		{Name: "Nairobi CBD", Areas: []string{"CBD"}, Fee: 200, FreeAbove: &threshold, Active: true},
		{Name: "Outskirts", Areas: []string{"Ruiru"}, Fee: 500, Active: true},
	}}
}

func testLines() []cart.Line {
	return []cart.Line{
		{ProductID: "a", Name: "Argan Shampoo", ImageURL: "/img/a.jpg", UnitPrice: 1200, Quantity: 2},
		{ProductID: "b", Name: "Wide Tooth Comb", UnitPrice: 850, Quantity: 1},
	}
}

func testCustomer() Customer {
	return Customer{
		Name:    "Achieng Otieno",
		Email:   "achieng@example.com",
		Phone:   "+254 712 345 678",
		Address: "Kenyatta Ave 12",
		City:    "Nairobi",
	}
}

func TestAssembleFreeDelivery(t *testing.T) {
	resolver := newResolver()
	sub, err := Assemble(testLines(), testCustomer(), "CBD", Payment{Method: orders.PaymentMpesa, Reference: " QHX81KD2 "}, resolver)
	require.NoError(t, err)

	assert.Equal(t, int64(3250), sub.Subtotal)
	assert.Equal(t, int64(0), sub.DeliveryFee)
	assert.Equal(t, int64(3250), sub.Total)
	assert.Equal(t, orders.StatusPending, sub.Status)
	require.NotNil(t, sub.PaymentReference)
	assert.Equal(t, "QHX81KD2", *sub.PaymentReference)
	assert.Equal(t, []orders.Item{
		{Name: "Argan Shampoo", Qty: 2, Price: 1200, Img: "/img/a.jpg"},
		{Name: "Wide Tooth Comb", Qty: 1, Price: 850},
	}, sub.Items)
	assert.Equal(t, 1, resolver.calls)
}

func TestAssemblePaidDelivery(t *testing.T) {
	lines := []cart.Line{{ProductID: "c", Name: "Hair Tie", UnitPrice: 300, Quantity: 1}}
	sub, err := Assemble(lines, testCustomer(), "Ruiru", Payment{Method: orders.PaymentCashOnDelivery}, newResolver())
	require.NoError(t, err)

	assert.Equal(t, int64(500), sub.DeliveryFee)
	assert.Equal(t, int64(800), sub.Total)
	assert.Nil(t, sub.PaymentReference)
}

func TestAssembleEmptyCartNeverResolves(t *testing.T) {
	resolver := newResolver()

	_, err := Assemble(nil, testCustomer(), "CBD", Payment{Method: orders.PaymentMpesa}, resolver)
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)

	_, err = Assemble([]cart.Line{}, Customer{}, "", Payment{}, resolver)
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)

	assert.Equal(t, 0, resolver.calls)
}

func TestAssembleValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Customer, p *Payment, area *string)
		field  string
	}{
		{name: "missing_name", mutate: func(c *Customer, _ *Payment, _ *string) { c.Name = "  " }, field: "customer_name"},
		{name: "bad_email", mutate: func(c *Customer, _ *Payment, _ *string) { c.Email = "achieng@" }, field: "customer_email"},
		{name: "short_phone", mutate: func(c *Customer, _ *Payment, _ *string) { c.Phone = "12345" }, field: "customer_phone"},
		{name: "letters_in_phone", mutate: func(c *Customer, _ *Payment, _ *string) { c.Phone = "07I2345678" }, field: "customer_phone"},
		{name: "missing_address", mutate: func(c *Customer, _ *Payment, _ *string) { c.Address = "" }, field: "delivery_address"},
		{name: "missing_city", mutate: func(c *Customer, _ *Payment, _ *string) { c.City = "" }, field: "city"},
		{name: "unknown_payment", mutate: func(_ *Customer, p *Payment, _ *string) { p.Method = "paypal" }, field: "payment_method"},
		{name: "missing_payment", mutate: func(_ *Customer, p *Payment, _ *string) { p.Method = "" }, field: "payment_method"},
		{name: "missing_area", mutate: func(_ *Customer, _ *Payment, a *string) { *a = " " }, field: "delivery_area"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := newResolver()
			customer := testCustomer()
			payment := Payment{Method: orders.PaymentCard}
			area := "CBD"
			tt.mutate(&customer, &payment, &area)

			_, err := Assemble(testLines(), customer, area, payment, resolver)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, tt.field, apperr.FieldOf(err))
			assert.Equal(t, 0, resolver.calls)
		})
	}
}

func TestAssembleUnresolvableZone(t *testing.T) {
	_, err := Assemble(testLines(), testCustomer(), "Mombasa", Payment{Method: orders.PaymentMpesa}, newResolver())
	assert.ErrorIs(t, err, apperr.ErrUnresolvableZone)
}

func TestAssembledSubmissionIsAccepted(t *testing.T) {
	sub, err := Assemble(testLines(), testCustomer(), "CBD", Payment{Method: orders.PaymentMpesa}, newResolver())
	require.NoError(t, err)
	assert.NoError(t, sub.Validate())
}

func TestAssembleRejectsOverflowingTotals(t *testing.T) {
	resolver := newResolver()
	huge := []cart.Line{
		{ProductID: "a", Name: "Gold Dryer", UnitPrice: math.MaxInt64 / 2, Quantity: 1},
		{ProductID: "b", Name: "Gold Iron", UnitPrice: math.MaxInt64 / 2, Quantity: 2},
	}

	_, err := Assemble(huge, testCustomer(), "Ruiru", Payment{Method: orders.PaymentMpesa}, resolver)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "items", apperr.FieldOf(err))
	assert.Equal(t, 0, resolver.calls)

	nearMax := []cart.Line{{ProductID: "a", Name: "Gold Dryer", UnitPrice: math.MaxInt64 - 100, Quantity: 1}}
	_, err = Assemble(nearMax, testCustomer(), "Ruiru", Payment{Method: orders.PaymentMpesa}, resolver)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "total", apperr.FieldOf(err))
}
