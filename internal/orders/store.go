package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jogardn/salon-storefront/internal/apperr"
)

// Store owns orders for their whole lifetime.
type Store interface {
	Create(ctx context.Context, s Submission) (Order, error)
	// FindByCode reports absence with false and a nil error.
	FindByCode(ctx context.Context, code string) (Order, bool, error)
	FindByID(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, f Filter) ([]Order, error)
	// Transition moves an order to a new status and returns the updated
	// order together with the status it left.
	Transition(ctx context.Context, id string, to Status) (Order, Status, error)
	Delete(ctx context.Context, id string) error
}

func invalidTransition(op string, from, to Status) error {
	return apperr.New(op, apperr.ErrInvalidTransition, fmt.Errorf("cannot move from %s to %s", from, to))
}

func notFound(op, id string) error {
	return apperr.New(op, apperr.ErrNotFound, fmt.Errorf("order %s", id))
}

// MemoryStore keeps orders in process, for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]Order
	codes  map[string]string
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]Order),
		codes:  make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, s Submission) (Order, error) {
	if err := s.Validate(); err != nil {
		return Order{}, err
	}
	code, err := NewCode()
	if err != nil {
		return Order{}, apperr.Persistence("orders.Create", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.codes[code]; taken {
		return Order{}, apperr.Persistence("orders.Create", fmt.Errorf("order code %s already exists", code))
	}

	now := m.now()
	o := Order{
		ID:         uuid.New().String(),
		Code:       code,
		Submission: s.normalized(),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.orders[o.ID] = o
	m.codes[code] = o.ID
	return copyOrder(o), nil
}

func (m *MemoryStore) FindByCode(_ context.Context, code string) (Order, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return Order{}, false, nil
	}
	return copyOrder(m.orders[id]), true, nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, notFound("orders.FindByID", id)
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if f.Offset >= len(out) {
		return []Order{}, nil
	}
	out = out[f.Offset:]
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status) (Order, Status, error) {
	const op = "orders.Transition"

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, "", notFound(op, id)
	}
	from := o.Status
	if !CanTransition(from, to) {
		return Order{}, "", invalidTransition(op, from, to)
	}

	o.Status = to
	o.Version++
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return copyOrder(o), from, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return notFound("orders.Delete", id)
	}
	delete(m.orders, id)
	delete(m.codes, o.Code)
	return nil
}

func copyOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	return o
}
