package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testProducts() []Product {
	return []Product{
		{ID: "a", Name: "Argan Shampoo", Category: "Hair", Price: 1200, InStock: true},
		{ID: "b", Name: "Wide Tooth Comb", Category: "Tools", Price: 850, InStock: true},
		{ID: "c", Name: "Curl Cream", Category: "hair", Price: 1500, InStock: false},
	}
}

func TestMemoryCatalogFilter(t *testing.T) {
	c := NewMemoryCatalog(testProducts()...)
	inStock := true

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"a", "b", "c"}},
		{name: "category_case_insensitive", filter: Filter{Category: "HAIR"}, want: []string{"a", "c"}},
		{name: "in_stock", filter: Filter{InStock: &inStock}, want: []string{"a", "b"}},
		{name: "both", filter: Filter{Category: "hair", InStock: &inStock}, want: []string{"a"}},
		{name: "none", filter: Filter{Category: "Nails"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.List(context.Background(), tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, p := range got {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryCatalogGet(t *testing.T) {
	c := NewMemoryCatalog(testProducts()...)

	p, err := c.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, int64(850), p.CartItem().UnitPrice)
	assert.Equal(t, "Wide Tooth Comb", p.CartItem().Name)

	c.SetPrice("b", 900)
	p, _ = c.Get(context.Background(), "b")
	assert.Equal(t, int64(900), p.Price)

	_, err = c.Get(context.Background(), "zzz")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRepository(db, testLogger())

	mock.ExpectQuery(`SELECT id, name, description, category, price, image_url, in_stock FROM products WHERE lower\(category\) = lower\(\$1\) AND in_stock = \$2 ORDER BY category ASC, name ASC`).
		WithArgs("hair", true).
		WillReturnRows(sqlmock.NewRows(productColumns).
			AddRow("a", "Argan Shampoo", "", "Hair", int64(1200), "/img/a.jpg", true))
	mock.ExpectQuery(`SELECT (.+) FROM products WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(productColumns))
	mock.ExpectQuery(`SELECT (.+) FROM products`).
		WillReturnError(errors.New("connection refused"))

	inStock := true
	list, err := r.List(context.Background(), Filter{Category: "hair", InStock: &inStock})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/img/a.jpg", list[0].ImageURL)

	_, err = r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.List(context.Background(), Filter{})
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	assert.NoError(t, mock.ExpectationsWereMet())
}
