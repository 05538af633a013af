package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/cart"
	"github.com/jogardn/salon-storefront/internal/storage/postgres"
)

type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Price       int64  `json:"price"`
	ImageURL    string `json:"imageUrl,omitempty"`
	InStock     bool   `json:"inStock"`
}

// CartItem is the snapshot the cart keeps of p.
func (p Product) CartItem() cart.Item {
	return cart.Item{
		ProductID: p.ID,
		Name:      p.Name,
		ImageURL:  p.ImageURL,
		UnitPrice: p.Price,
	}
}

type Filter struct {
	Category string
	InStock  *bool
}

func (f Filter) matches(p Product) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, p.Category) {
		return false
	}
	if f.InStock != nil && *f.InStock != p.InStock {
		return false
	}
	return true
}

var productColumns = []string{"id", "name", "description", "category", "price", "image_url", "in_stock"}

// Repository reads the products table. The catalog is maintained outside
// this service.
type Repository struct {
	db     postgres.DBTX
	sb     sq.StatementBuilderType
	logger *logrus.Logger
}

func NewRepository(db postgres.DBTX, logger *logrus.Logger) *Repository {
	return &Repository{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
	}
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Product, error) {
	const op = "catalog.List"

	q := r.sb.Select(productColumns...).From("products").OrderBy("category ASC", "name ASC")
	if f.Category != "" {
		q = q.Where("lower(category) = lower(?)", f.Category)
	}
	if f.InStock != nil {
		q = q.Where(sq.Eq{"in_stock": *f.InStock})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Price, &p.ImageURL, &p.InStock); err != nil {
			return nil, apperr.Persistence(op, err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}

	r.logger.WithFields(logrus.Fields{
		"category": f.Category,
		"count":    len(products),
	}).Debug("Listed products")
	return products, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Product, error) {
	const op = "catalog.Get"

	query, args, err := r.sb.Select(productColumns...).From("products").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Product{}, fmt.Errorf("failed to build query: %w", err)
	}

	var p Product
	err = r.db.QueryRowContext(ctx, query, args...).
		Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Price, &p.ImageURL, &p.InStock)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("product %s", id))
	}
	if err != nil {
		return Product{}, apperr.Persistence(op, err)
	}
	return p, nil
}

// MemoryCatalog serves a fixed product list.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewMemoryCatalog(products ...Product) *MemoryCatalog {
	m := &MemoryCatalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *MemoryCatalog) List(_ context.Context, f Filter) ([]Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Product{}
	for _, p := range m.products {
		if f.matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryCatalog) Get(_ context.Context, id string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return Product{}, apperr.New("catalog.Get", apperr.ErrNotFound, fmt.Errorf("product %s", id))
	}
	return p, nil
}

// SetPrice changes a product's price, as the external catalog would.
func (m *MemoryCatalog) SetPrice(id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		p.Price = price
		m.products[id] = p
	}
}
