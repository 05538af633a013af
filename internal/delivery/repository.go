package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/storage/postgres"
	"github.com/jogardn/salon-storefront/internal/validation"
)

var zoneColumns = []string{"id", "name", "areas", "fee", "free_above", "estimated_days", "active"}

// Repository stores zones in the delivery_zones table.
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

// ListActive returns the zones available at checkout.
func (r *Repository) ListActive(ctx context.Context) (Zones, error) {
	return r.query(ctx, "delivery.ListActive", sq.Eq{"active": true})
}

// List returns every zone, active or not.
func (r *Repository) List(ctx context.Context) (Zones, error) {
	return r.query(ctx, "delivery.List", nil)
}

func (r *Repository) Get(ctx context.Context, id string) (Zone, error) {
	const op = "delivery.Get"

	if _, err := uuid.Parse(id); err != nil {
		return Zone{}, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("zone %s", id))
	}

	zones, err := r.query(ctx, op, sq.Eq{"id": id})
	if err != nil {
		return Zone{}, err
	}
	if len(zones) == 0 {
		return Zone{}, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("zone %s", id))
	}
	return zones[0], nil
}

// Create validates and inserts a zone, assigning its id.
func (r *Repository) Create(ctx context.Context, z Zone) (Zone, error) {
	const op = "delivery.Create"

	z.Name = strings.TrimSpace(z.Name)
	z.Areas = cleanAreas(z.Areas)
	if err := validation.Struct(op, z); err != nil {
		return Zone{}, err
	}
	z.ID = uuid.New().String()

	query, args, err := r.sb.
		Insert("delivery_zones").
		Columns(zoneColumns...).
		Values(z.ID, z.Name, pq.Array(z.Areas), z.Fee, nullInt(z.FreeAbove), z.EstimatedDays, z.Active).
		ToSql()
	if err != nil {
		return Zone{}, fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if postgres.IsUniqueViolation(err) {
			return Zone{}, apperr.Invalid(op, "name", "a zone with this name already exists")
		}
		return Zone{}, apperr.Persistence(op, err)
	}

	r.logger.WithFields(logrus.Fields{
		"zone_id":   z.ID,
		"zone_name": z.Name,
		"fee":       z.Fee,
	}).Info("Delivery zone created")
	return z, nil
}

// Apply updates only the fields present in patch.
func (r *Repository) Apply(ctx context.Context, id string, patch ZonePatch) (Zone, error) {
	const op = "delivery.Apply"

	if err := patch.Validate(); err != nil {
		return Zone{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return Zone{}, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("zone %s", id))
	}

	set := map[string]interface{}{"updated_at": sq.Expr("now()")}
	if patch.Name != nil {
		set["name"] = strings.TrimSpace(*patch.Name)
	}
	if patch.Areas != nil {
		set["areas"] = pq.Array(cleanAreas(*patch.Areas))
	}
	if patch.Fee != nil {
		set["fee"] = *patch.Fee
	}
	if patch.FreeAbove.Set {
		set["free_above"] = nullInt(patch.FreeAbove.Value)
	}
	if patch.EstimatedDays != nil {
		set["estimated_days"] = *patch.EstimatedDays
	}
	if patch.Active != nil {
		set["active"] = *patch.Active
	}

	query, args, err := r.sb.
		Update("delivery_zones").
		SetMap(set).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(zoneColumns, ", ")).
		ToSql()
	if err != nil {
		return Zone{}, fmt.Errorf("failed to build query: %w", err)
	}

	z, err := scanZone(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Zone{}, apperr.New(op, apperr.ErrNotFound, fmt.Errorf("zone %s", id))
	}
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return Zone{}, apperr.Invalid(op, "name", "a zone with this name already exists")
		}
		return Zone{}, apperr.Persistence(op, err)
	}

	r.logger.WithFields(logrus.Fields{
		"zone_id": z.ID,
		"active":  z.Active,
	}).Info("Delivery zone updated")
	return z, nil
}

func (r *Repository) query(ctx context.Context, op string, where sq.Sqlizer) (Zones, error) {
	builder := r.sb.
		Select(zoneColumns...).
		From("delivery_zones").
		OrderBy("fee ASC", "name ASC")
	if where != nil {
		builder = builder.Where(where)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	var zones Zones
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return zones, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanZone(s scanner) (Zone, error) {
	var (
		z         Zone
		freeAbove sql.NullInt64
	)
	if err := s.Scan(&z.ID, &z.Name, pq.Array(&z.Areas), &z.Fee, &freeAbove, &z.EstimatedDays, &z.Active); err != nil {
		return Zone{}, err
	}
	if freeAbove.Valid {
		v := freeAbove.Int64
		z.FreeAbove = &v
	}
	return z, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// MemoryRepository keeps zones in process, for development and tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	zones map[string]Zone
}

func NewMemoryRepository(zones ...Zone) *MemoryRepository {
	m := &MemoryRepository{zones: make(map[string]Zone)}
	for _, z := range zones {
		if z.ID == "" {
			z.ID = uuid.New().String()
		}
		m.zones[z.ID] = z
	}
	return m
}

func (m *MemoryRepository) ListActive(_ context.Context) (Zones, error) {
	return m.list(true), nil
}

func (m *MemoryRepository) List(_ context.Context) (Zones, error) {
	return m.list(false), nil
}

func (m *MemoryRepository) Create(_ context.Context, z Zone) (Zone, error) {
	const op = "delivery.Create"

	z.Name = strings.TrimSpace(z.Name)
	z.Areas = cleanAreas(z.Areas)
	if err := validation.Struct(op, z); err != nil {
		return Zone{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.zones {
		if existing.Name == z.Name {
			return Zone{}, apperr.Invalid(op, "name", "a zone with this name already exists")
		}
	}
	z.ID = uuid.New().String()
	m.zones[z.ID] = z
	return z, nil
}

func (m *MemoryRepository) Apply(_ context.Context, id string, patch ZonePatch) (Zone, error) {
	if err := patch.Validate(); err != nil {
		return Zone{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok {
		return Zone{}, apperr.New("delivery.Apply", apperr.ErrNotFound, fmt.Errorf("zone %s", id))
	}
	z = patch.ApplyTo(z)
	m.zones[id] = z
	return z, nil
}

func (m *MemoryRepository) list(activeOnly bool) Zones {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Zones, 0, len(m.zones))
	for _, z := range m.zones {
		if activeOnly && !z.Active {
			continue
		}
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return SortForDisplay(out)
}
