package cart

import (
	"context"
	"fmt"
	"math"

	"github.com/jogardn/salon-storefront/internal/apperr"
)

// Line is a product snapshot plus a quantity. Name, image and price are
// captured when the line is added and are not refreshed from the catalog.
type Line struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	ImageURL  string `json:"imageUrl,omitempty"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

// MaxQuantity bounds the units of a single line.
const MaxQuantity = 10_000

// MaxUnitPrice keeps UnitPrice × MaxQuantity inside int64.
const MaxUnitPrice = math.MaxInt64 / MaxQuantity

// Subtotal is UnitPrice × Quantity, saturating at math.MaxInt64.
func (l Line) Subtotal() int64 {
	if l.UnitPrice <= 0 || l.Quantity <= 0 {
		return 0
	}
	if l.UnitPrice > math.MaxInt64/int64(l.Quantity) {
		return math.MaxInt64
	}
	return l.UnitPrice * int64(l.Quantity)
}

// Item is the catalog data copied into a line at add time.
type Item struct {
	ProductID string
	Name      string
	ImageURL  string
	UnitPrice int64
}

// Store persists the full line list of one cart.
type Store interface {
	// Load returns nil lines and no error when nothing is stored for key.
	Load(ctx context.Context, key string) ([]Line, error)
	Save(ctx context.Context, key string, lines []Line) error
	Delete(ctx context.Context, key string) error
}

// Cart holds the lines of one session. Every mutation is written through to
// the store before it returns; if the write fails the cart is left as it
// was. A Cart is not safe for concurrent use.
type Cart struct {
	key   string
	store Store
	lines []Line
}

// Load reads the persisted cart for a session, or starts an empty one.
func Load(ctx context.Context, store Store, sessionID string) (*Cart, error) {
	if sessionID == "" {
		return nil, apperr.Invalid("cart.Load", "session_id", "must not be empty")
	}

	lines, err := store.Load(ctx, sessionID)
	if err != nil {
		return nil, apperr.Persistence("cart.Load", err)
	}

	return &Cart{
		key:   sessionID,
		store: store,
		lines: normalize(lines),
	}, nil
}

// Add appends a line for item, or increments the existing line's quantity.
// Re-adding refreshes the stored snapshot.
func (c *Cart) Add(ctx context.Context, item Item, quantity int) error {
	const op = "cart.Add"

	if item.ProductID == "" {
		return apperr.Invalid(op, "productId", "must not be empty")
	}
	if err := checkQuantity(op, quantity); err != nil {
		return err
	}
	if err := checkUnitPrice(op, item.UnitPrice); err != nil {
		return err
	}

	return c.mutate(ctx, op, func(lines []Line) ([]Line, error) {
		return addLine(op, lines, Line{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			UnitPrice: item.UnitPrice,
			Quantity:  quantity,
		})
	})
}

// Remove deletes the line for productID. Removing an absent product is a
// no-op.
func (c *Cart) Remove(ctx context.Context, productID string) error {
	if c.indexOf(productID) < 0 {
		return nil
	}

	return c.mutate(ctx, "cart.Remove", func(lines []Line) ([]Line, error) {
		return removeLine(lines, productID), nil
	})
}

// SetQuantity overwrites a line's quantity; qty <= 0 removes the line.
func (c *Cart) SetQuantity(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return c.Remove(ctx, productID)
	}

	const op = "cart.SetQuantity"
	if err := checkQuantity(op, qty); err != nil {
		return err
	}
	return c.mutate(ctx, op, func(lines []Line) ([]Line, error) {
		for i := range lines {
			if lines[i].ProductID == productID {
				lines[i].Quantity = qty
				return lines, nil
			}
		}
		return nil, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("product %s is not in the cart", productID))
	})
}

// Merge folds other into the cart using the same rule as Add. Lines with a
// non-positive quantity are ignored. If any line would exceed MaxQuantity
// nothing is merged.
func (c *Cart) Merge(ctx context.Context, other []Line) error {
	const op = "cart.Merge"
	return c.mutate(ctx, op, func(lines []Line) ([]Line, error) {
		var err error
		for _, l := range other {
			if l.ProductID == "" || l.Quantity < 1 {
				continue
			}
			if err := checkQuantity(op, l.Quantity); err != nil {
				return nil, err
			}
			if err := checkUnitPrice(op, l.UnitPrice); err != nil {
				return nil, err
			}
			if lines, err = addLine(op, lines, l); err != nil {
				return nil, err
			}
		}
		return lines, nil
	})
}

// Clear empties the cart and drops its persisted state.
func (c *Cart) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.key); err != nil {
		return apperr.Persistence("cart.Clear", err)
	}
	c.lines = nil
	return nil
}

// Total is the sum of UnitPrice × Quantity over all lines, saturating at
// math.MaxInt64.
func (c *Cart) Total() int64 {
	var total int64
	for _, l := range c.lines {
		sub := l.Subtotal()
		if total > math.MaxInt64-sub {
			return math.MaxInt64
		}
		total += sub
	}
	return total
}

// Count is the total number of units in the cart.
func (c *Cart) Count() int {
	n := 0
	for _, l := range c.lines {
		n += l.Quantity
	}
	return n
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []Line {
	return append([]Line(nil), c.lines...)
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// SessionID is the key the cart is persisted under.
func (c *Cart) SessionID() string {
	return c.key
}

func (c *Cart) mutate(ctx context.Context, op string, fn func([]Line) ([]Line, error)) error {
	next, err := fn(c.Lines())
	if err != nil {
		return err
	}

	if len(next) == 0 {
		err = c.store.Delete(ctx, c.key)
	} else {
		err = c.store.Save(ctx, c.key, next)
	}
	if err != nil {
		return apperr.Persistence(op, err)
	}

	c.lines = next
	return nil
}

func (c *Cart) indexOf(productID string) int {
	for i, l := range c.lines {
		if l.ProductID == productID {
			return i
		}
	}
	return -1
}

func checkQuantity(op string, qty int) error {
	if qty < 1 {
		return apperr.Invalid(op, "quantity", "must be at least 1")
	}
	if qty > MaxQuantity {
		return apperr.Invalid(op, "quantity", fmt.Sprintf("must be at most %d", MaxQuantity))
	}
	return nil
}

func checkUnitPrice(op string, price int64) error {
	if price < 0 {
		return apperr.Invalid(op, "unitPrice", "must not be negative")
	}
	if price > MaxUnitPrice {
		return apperr.Invalid(op, "unitPrice", "is out of range")
	}
	return nil
}

// addLine expects both quantities to be within 1..MaxQuantity.
func addLine(op string, lines []Line, l Line) ([]Line, error) {
	for i := range lines {
		if lines[i].ProductID == l.ProductID {
			if lines[i].Quantity > MaxQuantity-l.Quantity {
				return nil, apperr.Invalid(op, "quantity", fmt.Sprintf("line for %s would exceed %d", l.ProductID, MaxQuantity))
			}
			lines[i].Quantity += l.Quantity
			lines[i].Name = l.Name
			lines[i].ImageURL = l.ImageURL
			lines[i].UnitPrice = l.UnitPrice
			return lines, nil
		}
	}
	return append(lines, l), nil
}

func removeLine(lines []Line, productID string) []Line {
	out := lines[:0]
	for _, l := range lines {
		if l.ProductID != productID {
			out = append(out, l)
		}
	}
	return out
}

// normalize repairs persisted state written by older clients: duplicate
// product ids are merged, empty lines dropped and quantities clamped to
// MaxQuantity.
func normalize(lines []Line) []Line {
	var out []Line
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity < 1 || l.UnitPrice < 0 || l.UnitPrice > MaxUnitPrice {
			continue
		}
		l.Quantity = min(l.Quantity, MaxQuantity)
		merged := false
		for i := range out {
			if out[i].ProductID == l.ProductID {
				l.Quantity = min(out[i].Quantity+l.Quantity, MaxQuantity)
				out[i] = l
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, l)
		}
	}
	return out
}
