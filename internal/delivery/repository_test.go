package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
)

const zoneID = "7b0f3c52-3f5e-4a53-9a52-0d6f8f3b2a11"

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRepository(db, logger), mock
}

func TestRepositoryListActive(t *testing.T) {
	repo, mock := newTestRepository(t)

	rows := sqlmock.NewRows(zoneColumns).
		AddRow(zoneID, "Nairobi CBD", "{CBD,\"Upper Hill\"}", int64(200), int64(2000), "Same day", true).
		AddRow("a3d0c8a4-0d43-4d4f-8f4c-0b4b3f6a5e21", "Outskirts", "{Ruiru,Juja}", int64(500), nil, "2-3 days", true)
	mock.ExpectQuery(`SELECT id, name, areas, fee, free_above, estimated_days, active FROM delivery_zones WHERE active = \$1 ORDER BY fee ASC, name ASC`).
		WithArgs(true).
		WillReturnRows(rows)

	zones, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, []string{"CBD", "Upper Hill"}, zones[0].Areas)
	require.NotNil(t, zones[0].FreeAbove)
	assert.Equal(t, int64(2000), *zones[0].FreeAbove)
	assert.Nil(t, zones[1].FreeAbove)

	q, err := zones.Resolve("upper hill", 3250)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Fee)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListFailure(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(`SELECT (.+) FROM delivery_zones`).WillReturnError(errors.New("connection refused"))

	_, err := repo.List(context.Background())
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreate(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectExec(`INSERT INTO delivery_zones`).
		WithArgs(sqlmock.AnyArg(), "Westlands", sqlmock.AnyArg(), int64(250), nil, "Next day", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	z, err := repo.Create(context.Background(), Zone{
		Name:          " Westlands ",
		Areas:         []string{"Westlands", " Parklands ", ""},
		Fee:           250,
		EstimatedDays: "Next day",
		Active:        true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, z.ID)
	assert.Equal(t, "Westlands", z.Name)
	assert.Equal(t, []string{"Westlands", "Parklands"}, z.Areas)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateRejects(t *testing.T) {
	repo, mock := newTestRepository(t)

	_, err := repo.Create(context.Background(), Zone{Name: "Nowhere", Fee: 100})
	assert.Equal(t, "areas", apperr.FieldOf(err))

	_, err = repo.Create(context.Background(), Zone{Name: "Negative", Areas: []string{"x"}, Fee: -5})
	assert.Equal(t, "fee", apperr.FieldOf(err))

	mock.ExpectExec(`INSERT INTO delivery_zones`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "delivery_zones_name_key"})
	_, err = repo.Create(context.Background(), Zone{Name: "Duplicate", Areas: []string{"x"}, Fee: 100})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, "name", apperr.FieldOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryApply(t *testing.T) {
	repo, mock := newTestRepository(t)

	fee := int64(300)
	rows := sqlmock.NewRows(zoneColumns).
		AddRow(zoneID, "Outskirts", "{Ruiru,Juja}", int64(300), nil, "2-3 days", true)
	mock.ExpectQuery(`UPDATE delivery_zones SET fee = \$1, free_above = \$2, updated_at = now\(\) WHERE id = \$3 RETURNING id, name, areas, fee, free_above, estimated_days, active`).
		WithArgs(int64(300), nil, zoneID).
		WillReturnRows(rows)

	z, err := repo.Apply(context.Background(), zoneID, ZonePatch{
		Fee:       &fee,
		FreeAbove: NullableInt{Set: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), z.Fee)
	assert.Nil(t, z.FreeAbove)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryApplyNotFound(t *testing.T) {
	repo, mock := newTestRepository(t)
	active := false

	mock.ExpectQuery(`UPDATE delivery_zones`).
		WillReturnRows(sqlmock.NewRows(zoneColumns))

	_, err := repo.Apply(context.Background(), zoneID, ZonePatch{Active: &active})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = repo.Apply(context.Background(), "not-a-uuid", ZonePatch{Active: &active})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(testZones()...)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Nairobi CBD", active[0].Name)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	enable := true
	z, err := repo.Apply(ctx, "z-old", ZonePatch{Active: &enable})
	require.NoError(t, err)
	assert.True(t, z.Active)

	_, err = repo.Create(ctx, Zone{Name: "Outskirts", Areas: []string{"Athi River"}, Fee: 400})
	assert.Equal(t, "name", apperr.FieldOf(err))

	_, err = repo.Apply(ctx, "missing", ZonePatch{Active: &enable})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
